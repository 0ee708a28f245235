package session

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Endpoint upgrades HTTP requests to websocket channels and hands them to
// the hub. ctx bounds every session it starts.
type Endpoint struct {
	ctx          context.Context
	hub          *Hub
	upgrader     websocket.Upgrader
	writeTimeout time.Duration
	log          *zap.Logger
}

func NewEndpoint(ctx context.Context, hub *Hub, writeTimeout time.Duration) *Endpoint {
	return &Endpoint{
		ctx: ctx,
		hub: hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Nodes are not browsers and there is no authentication layer.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		writeTimeout: writeTimeout,
		log:          hub.log,
	}
}

func (e *Endpoint) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := e.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error response.
		e.log.Warn("websocket upgrade failed", zap.String("remote", r.RemoteAddr), zap.Error(err))
		return
	}
	e.hub.Serve(e.ctx, NewWebsocketChannel(conn, e.writeTimeout))
}

// Package api serves the coordinator's HTTP status and submission surface.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"fleet/internal/master/registry"
	"fleet/internal/master/taskstore"
	"fleet/pkg/model"
)

// Nodes is the read side of the node registry.
type Nodes interface {
	Snapshot() []*model.Node
	Get(id string) (*model.Node, error)
}

// Tasks is what the HTTP surface needs from the task store.
type Tasks interface {
	Submit(taskType string, data json.RawMessage, priority int) (string, error)
	Get(id string) (*model.Task, error)
	List() taskstore.Listing
	Summary() taskstore.Summary
}

// Dispatcher pushes work and operator messages to connected nodes.
type Dispatcher interface {
	DispatchToFirstConnected() (string, bool)
	Broadcast(msg any) int
}

// Backends reports the cached probe result per backend. May be nil.
type Backends interface {
	Status() map[model.Backend]bool
}

type Config struct {
	Addr             string
	DispatchOnSubmit bool
}

type Server struct {
	cfg      Config
	nodes    Nodes
	tasks    Tasks
	dispatch Dispatcher
	backends Backends
	log      *zap.Logger
	now      func() time.Time

	httpServer *http.Server
}

func NewServer(cfg Config, nodes Nodes, tasks Tasks, dispatch Dispatcher, backends Backends, log *zap.Logger) *Server {
	s := &Server{
		cfg:      cfg,
		nodes:    nodes,
		tasks:    tasks,
		dispatch: dispatch,
		backends: backends,
		log:      log.Named("api"),
		now:      time.Now,
	}
	s.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the routed handler with CORS applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("POST /submit_task", s.handleSubmit)
	mux.HandleFunc("GET /task/{id}", s.handleGetTask)
	mux.HandleFunc("GET /tasks", s.handleListTasks)
	mux.HandleFunc("GET /node/{id}", s.handleGetNode)
	mux.HandleFunc("POST /broadcast", s.handleBroadcast)
	return cors(mux)
}

// Serve blocks until ctx is cancelled, then shuts the server down.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.log.Info("http server started", zap.String("addr", ln.Addr().String()))

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.httpServer.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}

func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type backendStatus struct {
	Available       bool `json:"available"`
	RegisteredNodes int  `json:"registered_nodes"`
}

type taskCounts struct {
	taskstore.Counts
	// Orphaned counts assigned tasks whose assignee is disconnected.
	Orphaned int `json:"orphaned"`
}

type statusResponse struct {
	Nodes     map[string]*model.Node          `json:"nodes"`
	Tasks     taskCounts                      `json:"tasks"`
	Queue     []string                        `json:"queue"`
	Clusters  map[model.Backend]backendStatus `json:"clusters"`
	Timestamp time.Time                       `json:"timestamp"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	nodes := s.nodes.Snapshot()
	sum := s.tasks.Summary()
	resp := statusResponse{
		Nodes:     make(map[string]*model.Node, len(nodes)),
		Tasks:     taskCounts{Counts: sum.Counts},
		Queue:     sum.Queue,
		Clusters:  make(map[model.Backend]backendStatus),
		Timestamp: s.now().UTC(),
	}

	var probed map[model.Backend]bool
	if s.backends != nil {
		probed = s.backends.Status()
	}
	for _, b := range []model.Backend{model.BackendKubernetes, model.BackendSLURM} {
		resp.Clusters[b] = backendStatus{Available: probed[b]}
	}

	for _, n := range nodes {
		resp.Nodes[n.ID] = n
		for b, ok := range n.Registrations {
			if !ok {
				continue
			}
			st := resp.Clusters[b]
			st.RegisteredNodes++
			resp.Clusters[b] = st
		}
		if n.Status == model.NodeDisconnected {
			resp.Tasks.Orphaned += sum.Assignees[n.ID]
		}
	}

	s.sendJSON(w, http.StatusOK, resp)
}

type submitRequest struct {
	TaskType string          `json:"task_type"`
	Data     json.RawMessage `json:"data"`
	Priority *int            `json:"priority"`
}

type submitResponse struct {
	TaskID  string `json:"task_id"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid request body: %v", err)
		return
	}
	if req.TaskType == "" {
		s.sendError(w, http.StatusBadRequest, "task_type is required")
		return
	}
	if string(req.Data) == "null" {
		req.Data = nil
	}
	priority := 1
	if req.Priority != nil {
		priority = *req.Priority
	}

	id, err := s.tasks.Submit(req.TaskType, req.Data, priority)
	if err != nil {
		if errors.Is(err, taskstore.ErrInvalidTask) {
			s.sendError(w, http.StatusBadRequest, "%v", err)
			return
		}
		s.log.Error("submit task failed", zap.Error(err))
		s.sendError(w, http.StatusInternalServerError, "%v", err)
		return
	}
	s.log.Info("task submitted", zap.String("task_id", id), zap.String("task_type", req.TaskType), zap.Int("priority", priority))

	if s.cfg.DispatchOnSubmit {
		if nodeID, ok := s.dispatch.DispatchToFirstConnected(); ok {
			s.log.Debug("dispatched on submit", zap.String("node_id", nodeID))
		}
	}

	s.sendJSON(w, http.StatusOK, submitResponse{
		TaskID:  id,
		Status:  "submitted",
		Message: fmt.Sprintf("Task %s submitted successfully", id),
	})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.tasks.Get(r.PathValue("id"))
	if err != nil {
		if errors.Is(err, taskstore.ErrTaskNotFound) {
			s.sendError(w, http.StatusNotFound, "Task not found")
			return
		}
		s.sendError(w, http.StatusInternalServerError, "%v", err)
		return
	}
	s.sendJSON(w, http.StatusOK, t)
}

func (s *Server) handleListTasks(w http.ResponseWriter, _ *http.Request) {
	s.sendJSON(w, http.StatusOK, s.tasks.List())
}

func (s *Server) handleGetNode(w http.ResponseWriter, r *http.Request) {
	n, err := s.nodes.Get(r.PathValue("id"))
	if err != nil {
		if errors.Is(err, registry.ErrNodeNotFound) {
			s.log.Debug("node lookup miss", zap.String("node_id", r.PathValue("id")))
			s.sendError(w, http.StatusNotFound, "Node not found")
			return
		}
		s.sendError(w, http.StatusInternalServerError, "%v", err)
		return
	}
	s.sendJSON(w, http.StatusOK, n)
}

type broadcastResponse struct {
	Sent int `json:"sent"`
}

// handleBroadcast relays an operator envelope to every connected node. The
// envelope must carry a string type.
func (s *Server) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	var msg model.Frame
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid request body: %v", err)
		return
	}
	if msg.Type() == "" {
		s.sendError(w, http.StatusBadRequest, "type is required")
		return
	}
	sent := s.dispatch.Broadcast(msg)
	s.log.Info("broadcast", zap.String("type", string(msg.Type())), zap.Int("sent", sent))
	s.sendJSON(w, http.StatusOK, broadcastResponse{Sent: sent})
}

func (s *Server) sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn("writing JSON response", zap.Error(err))
	}
}

func (s *Server) sendError(w http.ResponseWriter, status int, format string, args ...any) {
	s.sendJSON(w, status, map[string]string{"error": fmt.Sprintf(format, args...)})
}

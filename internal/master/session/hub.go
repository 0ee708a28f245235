// Package session maps node identities to their live channels and runs the
// per-connection protocol state machine.
package session

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"fleet/internal/master/registry"
	"fleet/pkg/model"
)

// NodeRegistry is the subset of the registry the sessions mutate.
type NodeRegistry interface {
	Connect(id, address string) *model.Node
	Disconnect(id string) error
	Touch(id string) error
	SetCapabilities(id string, caps []string) error
	SetPerformanceScore(id string, score float64) error
	IncrementCompleted(id string) error
	SetBackendRegistered(id string, b model.Backend, registered bool) error
	Get(id string) (*model.Node, error)
	Connected() []string
}

// TaskResults is the subset of the task store the sessions use.
type TaskResults interface {
	RecordResult(id string, result json.RawMessage, success bool) (*model.Task, error)
	AssignedTo(nodeID string) []string
}

// Assigner atomically pops and assigns the next task.
type Assigner interface {
	RequestTask(nodeID string) (*model.TaskAssignment, bool, error)
}

// Registrar registers nodes into external schedulers. Available reports the
// backends whose startup probe succeeded.
type Registrar interface {
	Available() []model.Backend
	Register(ctx context.Context, node *model.Node, b model.Backend) error
}

type Config struct {
	// NodeIDPrefix is prepended to identities derived from peer addresses.
	NodeIDPrefix string
}

// Hub is the connection manager: one live session per node identity.
type Hub struct {
	cfg      Config
	nodes    NodeRegistry
	tasks    TaskResults
	assigner Assigner
	cluster  Registrar
	log      *zap.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewHub wires the connection manager. cluster may be nil when no external
// backend is configured.
func NewHub(cfg Config, nodes NodeRegistry, tasks TaskResults, assigner Assigner, cluster Registrar, log *zap.Logger) *Hub {
	return &Hub{
		cfg:      cfg,
		nodes:    nodes,
		tasks:    tasks,
		assigner: assigner,
		cluster:  cluster,
		log:      log.Named("session"),
		sessions: make(map[string]*Session),
	}
}

// Serve runs a channel until it closes or ctx is cancelled. It blocks.
func (h *Hub) Serve(ctx context.Context, ch Channel) {
	nodeID, host := registry.Identity(h.cfg.NodeIDPrefix, ch.RemoteAddr())
	h.log.Info("node connecting", zap.String("node_id", nodeID), zap.String("address", host))

	h.nodes.Connect(nodeID, host)
	s := h.OnConnect(nodeID, ch)

	stop := context.AfterFunc(ctx, func() { _ = ch.Close() })
	defer stop()

	s.run(ctx)
}

// OnConnect registers the channel under nodeID and returns the session.
// The connect sequence runs when the session starts (see Session.run).
func (h *Hub) OnConnect(nodeID string, ch Channel) *Session {
	s := newSession(h, nodeID, ch)

	h.mu.Lock()
	if prev, ok := h.sessions[nodeID]; ok {
		h.log.Warn("replacing live session for node", zap.String("node_id", nodeID),
			zap.String("previous_state", prev.State().String()))
	}
	h.sessions[nodeID] = s
	h.mu.Unlock()
	return s
}

// OnDisconnect removes the mapping for s and marks the node disconnected.
// A session already replaced by a newer connection for the same identity
// leaves the mapping and node status alone. Assigned tasks stay assigned.
func (h *Hub) OnDisconnect(nodeID string, s *Session) {
	h.mu.Lock()
	current, ok := h.sessions[nodeID]
	if ok && current == s {
		delete(h.sessions, nodeID)
	}
	h.mu.Unlock()

	if !ok || current != s {
		h.log.Info("stale session closed", zap.String("node_id", nodeID))
		return
	}

	if err := h.nodes.Disconnect(nodeID); err != nil {
		h.log.Warn("disconnect unknown node", zap.String("node_id", nodeID), zap.Error(err))
	}
	h.log.Info("node disconnected", zap.String("node_id", nodeID))

	if orphaned := h.tasks.AssignedTo(nodeID); len(orphaned) > 0 {
		h.log.Warn("disconnected node still holds assigned tasks; they are not re-queued",
			zap.String("node_id", nodeID), zap.Strings("task_ids", orphaned))
	}
}

// Send delivers msg to nodeID. Failures are logged and swallowed; the
// return value only reports whether the frame was written.
func (h *Hub) Send(nodeID string, msg any) bool {
	h.mu.RLock()
	s, ok := h.sessions[nodeID]
	h.mu.RUnlock()
	if !ok {
		h.log.Debug("send to node without session", zap.String("node_id", nodeID))
		return false
	}
	return s.send(msg)
}

// Broadcast sends msg to every connected node and returns how many frames
// were written. One failed send does not stop the others.
func (h *Hub) Broadcast(msg any) int {
	h.mu.RLock()
	targets := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		targets = append(targets, s)
	}
	h.mu.RUnlock()

	sent := 0
	for _, s := range targets {
		if s.send(msg) {
			sent++
		}
	}
	return sent
}

// OfferTask runs the assignment engine for the session's node and replies
// on that session's own channel with either a task_assignment or no_tasks.
func (h *Hub) OfferTask(s *Session) {
	a, ok, err := h.assigner.RequestTask(s.nodeID)
	if err != nil {
		h.log.Warn("task request failed", zap.String("node_id", s.nodeID), zap.Error(err))
		return
	}
	if !ok {
		s.send(model.NewNoTasks())
		return
	}
	if !s.send(a) {
		h.log.Warn("assigned task could not be delivered", zap.String("node_id", s.nodeID), zap.String("task_id", a.TaskID))
	}
}

// DispatchToFirstConnected offers the head of the queue to the first
// connected node with a live session, if any. Returns the node chosen.
func (h *Hub) DispatchToFirstConnected() (string, bool) {
	for _, id := range h.nodes.Connected() {
		if s, ok := h.Session(id); ok {
			h.OfferTask(s)
			return id, true
		}
	}
	return "", false
}

// Connected returns the identities with a live session.
func (h *Hub) Connected() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	ids := make([]string, 0, len(h.sessions))
	for id := range h.sessions {
		ids = append(ids, id)
	}
	return ids
}

// Session returns the live session for nodeID.
func (h *Hub) Session(nodeID string) (*Session, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s, ok := h.sessions[nodeID]
	return s, ok
}

// CloseAll closes every live channel. Each session then runs its own
// disconnect sequence.
func (h *Hub) CloseAll() {
	h.mu.RLock()
	targets := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		targets = append(targets, s)
	}
	h.mu.RUnlock()

	for _, s := range targets {
		_ = s.ch.Close()
	}
}

func (h *Hub) availableBackends() []model.Backend {
	if h.cluster == nil {
		return nil
	}
	return h.cluster.Available()
}

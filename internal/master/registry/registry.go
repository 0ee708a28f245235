// Package registry tracks every node the coordinator has ever seen.
//
// Nodes are created on first connection and only mutated afterwards; there
// is no deletion path and no liveness expiry. A node that stops sending
// heartbeats stays connected until its channel closes.
package registry

import (
	"errors"
	"fmt"
	"net"
	"slices"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"fleet/pkg/model"
)

// ErrNodeNotFound is returned for lookups against an unknown node identity.
var ErrNodeNotFound = errors.New("node not found")

// Observer receives a copy of a node after every mutation. It is called
// with the registry lock held and must not block or call back into the
// registry.
type Observer func(n *model.Node)

// Registry is safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	nodes map[string]*model.Node
	order []string // first-seen order, used for snapshots

	log      *zap.Logger
	now      func() time.Time
	observer Observer
}

type Option func(*Registry)

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithObserver installs a change observer (the etcd mirror in production).
func WithObserver(o Observer) Option {
	return func(r *Registry) { r.observer = o }
}

func New(log *zap.Logger, opts ...Option) *Registry {
	r := &Registry{
		nodes: make(map[string]*model.Node),
		log:   log.Named("registry"),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Identity derives the node identity from a peer address. The port is
// dropped so that a reconnecting node keeps its identity.
func Identity(prefix, remoteAddr string) (id, host string) {
	host = remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	id = strings.NewReplacer(".", "-", ":", "-").Replace(host)
	if prefix != "" {
		id = prefix + "-" + id
	}
	return id, host
}

// Connect creates the node if unseen, otherwise marks it connected again.
// History (counters, capabilities, registrations) is preserved.
func (r *Registry) Connect(id, address string) *model.Node {
	r.mu.Lock()
	defer r.mu.Unlock()

	n, ok := r.nodes[id]
	if !ok {
		n = &model.Node{
			ID:            id,
			Address:       address,
			Capabilities:  []string{},
			Registrations: make(map[model.Backend]bool),
		}
		r.nodes[id] = n
		r.order = append(r.order, id)
		r.log.Info("new node", zap.String("node_id", id), zap.String("address", address))
	}
	if address != "" {
		n.Address = address
	}
	n.Status = model.NodeConnected
	n.LastSeen = r.now()
	return r.changed(n)
}

// Disconnect marks the node disconnected. Tasks assigned to it are not touched.
func (r *Registry) Disconnect(id string) error {
	return r.update(id, func(n *model.Node) {
		n.Status = model.NodeDisconnected
	})
}

// Touch refreshes last-seen (heartbeat).
func (r *Registry) Touch(id string) error {
	return r.update(id, func(n *model.Node) {
		n.LastSeen = r.now()
	})
}

// SetCapabilities replaces the capability set. Duplicates and empty
// entries are dropped and the result is kept sorted.
func (r *Registry) SetCapabilities(id string, caps []string) error {
	set := make([]string, 0, len(caps))
	for _, c := range caps {
		if c = strings.TrimSpace(c); c != "" {
			set = append(set, c)
		}
	}
	slices.Sort(set)
	set = slices.Compact(set)

	return r.update(id, func(n *model.Node) {
		n.Capabilities = set
	})
}

// SetPerformanceScore stores the score as reported. No range validation.
func (r *Registry) SetPerformanceScore(id string, score float64) error {
	return r.update(id, func(n *model.Node) {
		n.PerformanceScore = score
	})
}

func (r *Registry) IncrementCompleted(id string) error {
	return r.update(id, func(n *model.Node) {
		n.TasksCompleted++
	})
}

func (r *Registry) SetBackendRegistered(id string, b model.Backend, registered bool) error {
	return r.update(id, func(n *model.Node) {
		n.Registrations[b] = registered
	})
}

// Get returns a copy of the node.
func (r *Registry) Get(id string) (*model.Node, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n, ok := r.nodes[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNodeNotFound, id)
	}
	return n.Clone(), nil
}

// Snapshot returns copies of all nodes in first-seen order.
func (r *Registry) Snapshot() []*model.Node {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*model.Node, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.nodes[id].Clone())
	}
	return out
}

// Connected returns the identities of connected nodes in first-seen order.
func (r *Registry) Connected() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var ids []string
	for _, id := range r.order {
		if r.nodes[id].Status == model.NodeConnected {
			ids = append(ids, id)
		}
	}
	return ids
}

func (r *Registry) update(id string, fn func(n *model.Node)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	n, ok := r.nodes[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNodeNotFound, id)
	}
	fn(n)
	r.changed(n)
	return nil
}

// changed must be called with mu held.
func (r *Registry) changed(n *model.Node) *model.Node {
	cp := n.Clone()
	if r.observer != nil {
		r.observer(n.Clone())
	}
	return cp
}

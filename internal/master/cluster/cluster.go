// Package cluster registers connected nodes into external schedulers.
//
// Each backend is probed once when the Manager is built and the answer is
// cached for the life of the process. Registration is best effort: a
// failure is returned to the caller, which reports it and moves on.
package cluster

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"fleet/pkg/model"
)

// ErrBackendUnavailable is returned when registering into a backend whose
// startup probe failed or that is not configured.
var ErrBackendUnavailable = errors.New("backend unavailable")

// Driver talks to one external scheduler.
type Driver interface {
	Backend() model.Backend
	// Probe returns nil when the backend can accept registrations.
	Probe(ctx context.Context) error
	Register(ctx context.Context, node *model.Node) error
}

// Manager caches probe results and routes registrations to drivers.
type Manager struct {
	drivers         map[model.Backend]Driver
	available       []model.Backend
	probed          map[model.Backend]bool
	registerTimeout time.Duration
	log             *zap.Logger
}

type Options struct {
	ProbeTimeout    time.Duration
	RegisterTimeout time.Duration
}

// NewManager probes every driver once, in order.
func NewManager(ctx context.Context, opts Options, log *zap.Logger, drivers ...Driver) *Manager {
	m := &Manager{
		drivers:         make(map[model.Backend]Driver, len(drivers)),
		probed:          make(map[model.Backend]bool, len(drivers)),
		registerTimeout: opts.RegisterTimeout,
		log:             log.Named("cluster"),
	}
	for _, d := range drivers {
		b := d.Backend()
		m.drivers[b] = d

		pctx, cancel := withTimeout(ctx, opts.ProbeTimeout)
		err := d.Probe(pctx)
		cancel()

		if err != nil {
			m.log.Info("backend not available", zap.Stringer("backend", b), zap.Error(err))
			m.probed[b] = false
			continue
		}
		m.log.Info("backend detected, nodes will be auto-registered", zap.Stringer("backend", b))
		m.probed[b] = true
		m.available = append(m.available, b)
	}
	return m
}

// Available returns the backends whose probe succeeded, in probe order.
func (m *Manager) Available() []model.Backend {
	return append([]model.Backend(nil), m.available...)
}

// Status reports the cached probe result per configured backend.
func (m *Manager) Status() map[model.Backend]bool {
	out := make(map[model.Backend]bool, len(m.probed))
	for b, ok := range m.probed {
		out[b] = ok
	}
	return out
}

func (m *Manager) Register(ctx context.Context, node *model.Node, b model.Backend) error {
	d, ok := m.drivers[b]
	if !ok || !m.probed[b] {
		return fmt.Errorf("%w: %s", ErrBackendUnavailable, b)
	}

	rctx, cancel := withTimeout(ctx, m.registerTimeout)
	defer cancel()

	if err := d.Register(rctx, node); err != nil {
		return fmt.Errorf("register %s to %s: %w", node.ID, b, err)
	}
	return nil
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

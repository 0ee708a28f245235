package store

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"fleet/pkg/model"
)

const defaultMirrorBuffer = 1024

// Mirror publishes registry and task-store snapshots to a Store from a single
// background goroutine. Observe* never block: when the buffer is full the
// update is dropped and counted.
type Mirror struct {
	store   Store
	log     *zap.Logger
	timeout time.Duration
	updates chan any

	mu      sync.Mutex
	dropped int
}

func NewMirror(s Store, buffer int, timeout time.Duration, log *zap.Logger) *Mirror {
	if buffer <= 0 {
		buffer = defaultMirrorBuffer
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Mirror{
		store:   s,
		log:     log.Named("mirror"),
		timeout: timeout,
		updates: make(chan any, buffer),
	}
}

// ObserveNode is a registry observer. n must already be a private copy.
func (m *Mirror) ObserveNode(n *model.Node) { m.enqueue(n) }

// ObserveTask is a task-store observer. t must already be a private copy.
func (m *Mirror) ObserveTask(t *model.Task) { m.enqueue(t) }

func (m *Mirror) enqueue(v any) {
	select {
	case m.updates <- v:
	default:
		m.mu.Lock()
		m.dropped++
		m.mu.Unlock()
	}
}

// Dropped reports how many updates were discarded because the buffer was full.
func (m *Mirror) Dropped() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dropped
}

// Run writes queued updates in order until ctx is done, then flushes what is
// still buffered.
func (m *Mirror) Run(ctx context.Context) {
	for {
		select {
		case v := <-m.updates:
			m.write(context.WithoutCancel(ctx), v)
		case <-ctx.Done():
			m.flush(context.WithoutCancel(ctx))
			if dropped := m.Dropped(); dropped > 0 {
				m.log.Warn("mirror buffer overflowed, some updates were never written", zap.Int("dropped", dropped))
			}
			return
		}
	}
}

func (m *Mirror) flush(ctx context.Context) {
	for {
		select {
		case v := <-m.updates:
			m.write(ctx, v)
		default:
			return
		}
	}
}

func (m *Mirror) write(ctx context.Context, v any) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	var err error
	switch obj := v.(type) {
	case *model.Node:
		err = m.store.PutNode(ctx, obj)
		if err != nil {
			m.log.Warn("mirror node failed", zap.String("node_id", obj.ID), zap.Error(err))
		}
	case *model.Task:
		err = m.store.PutTask(ctx, obj)
		if err != nil {
			m.log.Warn("mirror task failed", zap.String("task_id", obj.ID), zap.Error(err))
		}
	}
}

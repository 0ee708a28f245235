package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"

	"fleet/internal/master/registry"
	"fleet/pkg/model"
)

// ErrProtocol marks a frame the coordinator could not interpret. The node
// gets a protocol_error reply and the connection stays open.
var ErrProtocol = errors.New("protocol error")

const maxLoggedResult = 100

// Session is the protocol state machine of one node connection.
type Session struct {
	hub    *Hub
	nodeID string
	ch     Channel
	log    *zap.Logger
	state  atomic.Int32
}

func newSession(h *Hub, nodeID string, ch Channel) *Session {
	s := &Session{
		hub:    h,
		nodeID: nodeID,
		ch:     ch,
		log:    h.log.With(zap.String("node_id", nodeID)),
	}
	s.state.Store(int32(StateConnecting))
	return s
}

func (s *Session) NodeID() string { return s.nodeID }

func (s *Session) State() State { return State(s.state.Load()) }

func (s *Session) setState(st State) {
	s.state.Store(int32(st))
	s.log.Debug("session state", zap.Stringer("state", st))
}

// run performs the connect sequence and then processes inbound frames until
// the channel fails.
func (s *Session) run(ctx context.Context) {
	defer func() {
		s.setState(StateClosed)
		s.hub.OnDisconnect(s.nodeID, s)
	}()

	s.send(model.NewWelcome(s.nodeID))
	s.setState(StateWelcomed)

	s.registerClusters(ctx)
	s.hub.OfferTask(s)
	s.setState(StateActive)

	for {
		frame, err := s.ch.ReadFrame()
		if err != nil {
			if ctx.Err() == nil {
				s.log.Info("channel closed", zap.Error(err))
			}
			return
		}
		s.handleFrame(frame)
	}
}

// registerClusters tries every available backend the node is not yet
// registered with and reports each outcome to the node. Failures never
// abort the connect sequence.
func (s *Session) registerClusters(ctx context.Context) {
	backends := s.hub.availableBackends()
	if len(backends) == 0 {
		return
	}
	node, err := s.hub.nodes.Get(s.nodeID)
	if err != nil {
		s.log.Warn("cluster registration skipped", zap.Error(err))
		return
	}

	for _, b := range backends {
		if node.Registered(b) {
			continue
		}
		err := s.hub.cluster.Register(ctx, node, b)
		if err != nil {
			s.log.Warn("cluster registration failed", zap.Stringer("backend", b), zap.Error(err))
			s.send(model.NewClusterRegistration(b, false, fmt.Sprintf("%s registration failed: %v", b, err)))
			continue
		}
		if err := s.hub.nodes.SetBackendRegistered(s.nodeID, b, true); err != nil {
			s.log.Warn("store registration flag", zap.Stringer("backend", b), zap.Error(err))
		}
		s.log.Info("node registered to cluster", zap.Stringer("backend", b))
		s.send(model.NewClusterRegistration(b, true, fmt.Sprintf("Successfully registered to %s cluster", b)))
	}
}

// handleFrame isolates one inbound frame: a panic or error here never
// reaches other frames, other sessions or the process.
func (s *Session) handleFrame(frame []byte) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("panic while handling frame", zap.Any("panic", r), zap.ByteString("frame", frame))
			s.send(model.NewProtocolError("internal error while handling message"))
		}
	}()

	err := s.dispatch(frame)
	switch {
	case err == nil:
	case errors.Is(err, ErrProtocol):
		s.log.Warn("rejecting frame", zap.Error(err))
		s.send(model.NewProtocolError("%v", err))
	default:
		s.log.Warn("message handling failed", zap.Error(err))
	}
}

func (s *Session) dispatch(frame []byte) error {
	msg, err := model.DecodeInbound(frame)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProtocol, err)
	}

	switch msg.Type {
	case model.MsgHeartbeat:
		if err := s.hub.nodes.Touch(s.nodeID); err != nil {
			return err
		}
		s.send(model.NewHeartbeatAck())

	case model.MsgCapabilities:
		if err := s.hub.nodes.SetCapabilities(s.nodeID, msg.Capabilities); err != nil {
			return err
		}
		s.log.Info("node capabilities", zap.Strings("capabilities", msg.Capabilities))

	case model.MsgTaskResult:
		return s.handleTaskResult(msg)

	case model.MsgPerformanceUpdate:
		var score float64
		if msg.Score != nil {
			score = *msg.Score
		}
		return s.hub.nodes.SetPerformanceScore(s.nodeID, score)

	case model.MsgRequestTask:
		s.hub.OfferTask(s)

	case "":
		return fmt.Errorf("%w: missing message type", ErrProtocol)

	default:
		return fmt.Errorf("%w: unknown message type %q", ErrProtocol, msg.Type)
	}
	return nil
}

func (s *Session) handleTaskResult(msg *model.Inbound) error {
	if msg.TaskID == "" {
		return fmt.Errorf("%w: task_result without task_id", ErrProtocol)
	}

	task, err := s.hub.tasks.RecordResult(msg.TaskID, msg.Result, msg.Succeeded())
	if err != nil {
		s.send(model.NewTaskAck(msg.TaskID, model.AckRejected))
		return err
	}
	if task == nil {
		// the store already warned
		s.log.Debug("no ack for unknown task", zap.String("task_id", msg.TaskID))
		return nil
	}

	if task.AssignedTo != s.nodeID {
		s.log.Warn("result reported by a node other than the assignee",
			zap.String("task_id", task.ID), zap.String("assigned_to", task.AssignedTo))
	}
	if err := s.hub.nodes.IncrementCompleted(s.nodeID); err != nil && !errors.Is(err, registry.ErrNodeNotFound) {
		return err
	}

	s.log.Info("task finished",
		zap.String("task_id", task.ID),
		zap.String("task_type", task.Type),
		zap.String("status", string(task.Status)),
		zap.String("result", truncate(string(task.Result), maxLoggedResult)))
	s.send(model.NewTaskAck(task.ID, model.AckReceived))
	return nil
}

// send is best effort: failures are logged, never retried.
func (s *Session) send(msg any) bool {
	b, err := json.Marshal(msg)
	if err != nil {
		s.log.Error("encode outbound message", zap.Error(err))
		return false
	}
	if err := s.ch.WriteFrame(b); err != nil {
		s.log.Warn("failed to send message", zap.Error(err))
		return false
	}
	return true
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

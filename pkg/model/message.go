package model

import (
	"encoding/json"
	"fmt"
)

// MessageType is the `type` discriminator carried by every frame.
type MessageType string

const (
	// Server → Node
	MsgWelcome             MessageType = "welcome"
	MsgHeartbeatAck        MessageType = "heartbeat_ack"
	MsgTaskAck             MessageType = "task_ack"
	MsgNoTasks             MessageType = "no_tasks"
	MsgTaskAssignment      MessageType = "task_assignment"
	MsgClusterRegistration MessageType = "cluster_registration"
	MsgProtocolError       MessageType = "protocol_error"

	// Node → Server
	MsgHeartbeat         MessageType = "heartbeat"
	MsgCapabilities      MessageType = "capabilities"
	MsgTaskResult        MessageType = "task_result"
	MsgPerformanceUpdate MessageType = "performance_update"
	MsgRequestTask       MessageType = "request_task"
)

// Registration outcomes reported in cluster_registration.
const (
	RegistrationOK     = "registered"
	RegistrationFailed = "failed"
)

// Task ack statuses.
const (
	AckReceived = "received"
	AckRejected = "rejected"
)

type Welcome struct {
	Type    MessageType `json:"type"`
	NodeID  string      `json:"node_id"`
	Message string      `json:"message"`
}

type HeartbeatAck struct {
	Type MessageType `json:"type"`
}

type TaskAck struct {
	Type   MessageType `json:"type"`
	TaskID string      `json:"task_id"`
	Status string      `json:"status"`
}

type NoTasks struct {
	Type    MessageType `json:"type"`
	Message string      `json:"message"`
}

type TaskAssignment struct {
	Type     MessageType     `json:"type"`
	TaskID   string          `json:"task_id"`
	TaskType string          `json:"task_type"`
	Data     json.RawMessage `json:"data"`
	Priority int             `json:"priority"`
}

type ClusterRegistration struct {
	Type        MessageType `json:"type"`
	ClusterType Backend     `json:"cluster_type"`
	Status      string      `json:"status"`
	Message     string      `json:"message"`
}

type ProtocolError struct {
	Type    MessageType `json:"type"`
	Message string      `json:"message"`
}

func NewWelcome(nodeID string) Welcome {
	return Welcome{Type: MsgWelcome, NodeID: nodeID, Message: "Connected to cluster coordinator"}
}

func NewHeartbeatAck() HeartbeatAck { return HeartbeatAck{Type: MsgHeartbeatAck} }

func NewTaskAck(taskID, status string) TaskAck {
	return TaskAck{Type: MsgTaskAck, TaskID: taskID, Status: status}
}

func NewNoTasks() NoTasks { return NoTasks{Type: MsgNoTasks, Message: "No tasks available"} }

// NewTaskAssignment builds the offer for task t.
func NewTaskAssignment(t *Task) TaskAssignment {
	data := t.Data
	if len(data) == 0 {
		data = json.RawMessage(`{}`)
	}
	return TaskAssignment{
		Type:     MsgTaskAssignment,
		TaskID:   t.ID,
		TaskType: t.Type,
		Data:     data,
		Priority: t.Priority,
	}
}

func NewClusterRegistration(b Backend, ok bool, detail string) ClusterRegistration {
	status := RegistrationOK
	if !ok {
		status = RegistrationFailed
	}
	return ClusterRegistration{Type: MsgClusterRegistration, ClusterType: b, Status: status, Message: detail}
}

func NewProtocolError(format string, args ...any) ProtocolError {
	return ProtocolError{Type: MsgProtocolError, Message: fmt.Sprintf(format, args...)}
}

// Inbound is the union of every node → server frame. Fields that a given
// type does not use stay at their zero value.
type Inbound struct {
	Type         MessageType     `json:"type"`
	Capabilities []string        `json:"capabilities,omitempty"`
	TaskID       string          `json:"task_id,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
	Success      *bool           `json:"success,omitempty"`
	Score        *float64        `json:"score,omitempty"`
}

// Succeeded defaults to true when the node omitted the flag.
func (m *Inbound) Succeeded() bool {
	return m.Success == nil || *m.Success
}

// DecodeInbound parses one frame. The frame must be a JSON object.
func DecodeInbound(b []byte) (*Inbound, error) {
	var m Inbound
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("decode failed: %w", err)
	}
	return &m, nil
}

// Frame is a generic server → node envelope used by operator broadcasts
// and by the node agent to peek at the type before decoding.
type Frame map[string]any

// Type returns the discriminator or "" when missing or not a string.
func (f Frame) Type() MessageType {
	s, _ := f["type"].(string)
	return MessageType(s)
}

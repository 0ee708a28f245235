package model

import (
	"slices"
	"time"
)

// NodeStatus 节点连接状态
type NodeStatus string

const (
	NodeDisconnected NodeStatus = "disconnected"
	NodeConnected    NodeStatus = "connected"
)

// Node is a compute client that has connected to the coordinator at least once.
// Nodes are never removed; a reconnect reuses the record.
type Node struct {
	ID      string `json:"node_id"`    // derived from the peer address
	Address string `json:"ip_address"` // host part of the peer address

	Status   NodeStatus `json:"status"`
	LastSeen time.Time  `json:"last_seen"`

	TasksCompleted   int      `json:"tasks_completed"`
	Capabilities     []string `json:"capabilities"`
	PerformanceScore float64  `json:"performance_score"`

	// Registrations records which external backends accepted this node.
	Registrations map[Backend]bool `json:"registrations"`
}

// Registered reports whether the node was registered into backend b.
func (n *Node) Registered(b Backend) bool {
	return n.Registrations[b]
}

// Clone returns a deep copy safe to hand out of a lock.
func (n *Node) Clone() *Node {
	cp := *n
	cp.Capabilities = slices.Clone(n.Capabilities)
	if cp.Capabilities == nil {
		cp.Capabilities = []string{}
	}
	cp.Registrations = make(map[Backend]bool, len(n.Registrations))
	for b, ok := range n.Registrations {
		cp.Registrations[b] = ok
	}
	return &cp
}

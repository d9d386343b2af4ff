// Package models holds the shared data types of the runtime: tasks,
// routing policy, lifecycle events, memory chunks and conversation turns.
package models

import (
	"time"
)

// ChannelType represents a messaging surface a task can originate from.
type ChannelType string

const (
	ChannelWeb      ChannelType = "web"
	ChannelWebhook  ChannelType = "webhook"
	ChannelTelegram ChannelType = "telegram"
)

// Priority orders tasks in the scheduler queue. Urgent strictly precedes
// Normal, which strictly precedes Background.
type Priority int

const (
	PriorityBackground Priority = iota
	PriorityNormal
	PriorityUrgent
)

// String returns the wire name of the priority.
func (p Priority) String() string {
	switch p {
	case PriorityUrgent:
		return "urgent"
	case PriorityNormal:
		return "normal"
	default:
		return "background"
	}
}

// Route is the executor choice for a task.
type Route string

const (
	// RouteLocal dispatches to the on-device inference engine.
	RouteLocal Route = "local"

	// RouteCloud dispatches to a remote model provider.
	RouteCloud Route = "cloud"
)

// TaskState tracks a task through its lifecycle.
type TaskState string

const (
	TaskAdmitted  TaskState = "admitted"
	TaskQueued    TaskState = "queued"
	TaskRunning   TaskState = "running"
	TaskCompleted TaskState = "completed"
	TaskCancelled TaskState = "cancelled"
	TaskFailed    TaskState = "failed"
	TaskDropped   TaskState = "dropped"
)

// Terminal reports whether the state is final.
func (s TaskState) Terminal() bool {
	switch s {
	case TaskCompleted, TaskCancelled, TaskFailed, TaskDropped:
		return true
	default:
		return false
	}
}

// Task is one unit of work: a single user message to be answered.
// Immutable after admission except for the fields derived during scoring.
type Task struct {
	// ID uniquely identifies the task within the process.
	ID string `json:"id"`

	// Channel is the originating channel.
	Channel ChannelType `json:"channel"`

	// ChannelID identifies the conversation on that channel (chat id,
	// websocket connection id, webhook caller id).
	ChannelID string `json:"channel_id"`

	// UserID identifies the originating user.
	UserID string `json:"user_id"`

	// Message is the raw request text.
	Message string `json:"message"`

	// Metadata carries channel-specific extras.
	Metadata map[string]any `json:"metadata,omitempty"`

	// ArrivedAt is the admission timestamp; FIFO tie-break within a
	// priority tier.
	ArrivedAt time.Time `json:"arrived_at"`

	// Derived during scoring.
	Complexity int      `json:"complexity"`
	Priority   Priority `json:"priority"`
	Route      Route    `json:"route"`
	Realtime   bool     `json:"realtime"`
	Privacy    bool     `json:"privacy"`

	// State is maintained by the router's scheduling loop.
	State TaskState `json:"state"`

	// Context is the memory-assembled prompt body used at dispatch.
	Context string `json:"-"`
}

// ExecutorStatus reports which executors are currently able to take work.
type ExecutorStatus struct {
	LocalModelLoaded bool `json:"local_model_loaded"`
	CloudAvailable   bool `json:"cloud_available"`
}

// RoutingMode selects between automatic and manual routing.
type RoutingMode string

const (
	RoutingAuto  RoutingMode = "auto"
	RoutingLocal RoutingMode = "local"
	RoutingCloud RoutingMode = "cloud"
)

// RouterConfig is the routing policy in force for scoring decisions.
// Swapped atomically as a whole record.
type RouterConfig struct {
	// Mode selects the routing policy.
	Mode RoutingMode `json:"mode"`

	// Threshold is the complexity score at or above which auto mode
	// prefers the cloud. Range 0-10.
	Threshold int `json:"threshold"`

	// PrivacyMode forces every task scored under this config to carry
	// the privacy flag, pinning it to the local executor.
	PrivacyMode bool `json:"privacy_mode"`
}

// DefaultRouterConfig returns the routing policy used when none is
// configured.
func DefaultRouterConfig() RouterConfig {
	return RouterConfig{Mode: RoutingAuto, Threshold: 6}
}

// QueueSnapshot is a point-in-time copy of the scheduler state.
type QueueSnapshot struct {
	QueueLen        int    `json:"queue_len"`
	Current         *Task  `json:"current,omitempty"`
	CurrentID       string `json:"current_id,omitempty"`
	UrgentCount     int    `json:"urgent_count"`
	NormalCount     int    `json:"normal_count"`
	BackgroundCount int    `json:"background_count"`
}

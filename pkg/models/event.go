package models

import "time"

// TaskEventType categorizes task lifecycle events on the internal bus.
type TaskEventType string

const (
	EventReady     TaskEventType = "READY"
	EventQueued    TaskEventType = "QUEUED"
	EventRouted    TaskEventType = "ROUTED"
	EventStream    TaskEventType = "STREAM"
	EventComplete  TaskEventType = "COMPLETE"
	EventPreempted TaskEventType = "PREEMPTED"
	EventCancelled TaskEventType = "CANCELLED"
	EventDropped   TaskEventType = "DROPPED"
	EventError     TaskEventType = "ERROR"
	EventStatus    TaskEventType = "STATUS"
)

// Terminal reports whether the event ends a task's lifecycle.
func (t TaskEventType) Terminal() bool {
	switch t {
	case EventComplete, EventCancelled, EventDropped, EventError:
		return true
	default:
		return false
	}
}

// TaskEvent is one entry in the task event stream. Every terminal event
// carries the task ID.
type TaskEvent struct {
	Type      TaskEventType `json:"type"`
	TaskID    string        `json:"task_id,omitempty"`
	Timestamp time.Time     `json:"timestamp"`

	// QUEUED
	Position int `json:"position,omitempty"`

	// ROUTED
	Route      Route    `json:"route,omitempty"`
	Complexity int      `json:"complexity,omitempty"`
	Priority   Priority `json:"priority,omitempty"`
	Realtime   bool     `json:"realtime,omitempty"`
	Privacy    bool     `json:"privacy,omitempty"`

	// STREAM
	Token string `json:"token,omitempty"`

	// COMPLETE
	Response string `json:"response,omitempty"`

	// DROPPED
	Reason string `json:"reason,omitempty"`

	// ERROR
	Error string `json:"error,omitempty"`

	// STATUS
	Snapshot *QueueSnapshot `json:"snapshot,omitempty"`
}

// DropReasonOverflow is the reason attached to tasks evicted by
// backpressure.
const DropReasonOverflow = "QueueOverflow"

// Package task tracks asynchronous tool executions: owner-scoped
// lifecycle state, TTL-bounded retention, cursor pagination, and the
// cancellation registry that binds a task to its running goroutine.
package task

import (
	"errors"
	"time"
)

// ErrCapacity is returned by Create when the total or per-owner task
// limit is reached.
var ErrCapacity = errors.New("task capacity exhausted")

// ErrBadCursor is returned by List for a cursor that fails to decode.
var ErrBadCursor = errors.New("malformed task cursor")

// Status is the lifecycle state of a task.
type Status string

const (
	StatusSubmitted     Status = "submitted"
	StatusWorking       Status = "working"
	StatusInputRequired Status = "input_required"
	StatusCompleted     Status = "completed"
	StatusFailed        Status = "failed"
	StatusCancelled     Status = "cancelled"
)

// Terminal reports whether the status is final. Terminal tasks are
// frozen: later updates leave them unchanged.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Error is the classified failure recorded on a failed task.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Task is a snapshot of one tracked execution. Values returned by the
// manager are copies; a terminal snapshot never changes.
type Task struct {
	ID            string
	OwnerKey      string
	Status        Status
	StatusMessage string
	Result        any
	Error         *Error
	CreatedAt     time.Time
	LastUpdatedAt time.Time
	TTL           time.Duration
	PollInterval  time.Duration
}

// Patch describes an update to a live task. Zero-valued fields are
// left unchanged.
type Patch struct {
	Status        Status
	StatusMessage string
	Result        any
	Error         *Error
}

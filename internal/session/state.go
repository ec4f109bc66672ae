package session

import (
	"time"

	"github.com/user/buddy/internal/types"
)

// State is the lifecycle state of a Controller.
type State string

const (
	StateIdle      State = "idle"
	StateStreaming State = "streaming"
	StateCompleted State = "completed"
	StateCancelled State = "cancelled"
	StateFailed    State = "failed"
)

// ChatRequest is the body sent to open a stream.
type ChatRequest struct {
	SessionID types.SessionID `json:"sessionId"`
	Message   string          `json:"message"`
}

// Outcome describes how one Start call ended. Err is set only when State
// is StateFailed.
type Outcome struct {
	State      State
	Events     int
	Transcript string
	Duration   time.Duration
	Err        error
}

package toolexec

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/harun/laju/pkg/risk"
)

// Status is the lifecycle state of a tool call
type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusDone    Status = "done"
	StatusFailed  Status = "failed"
	StatusKilled  Status = "killed"
)

// validTransitions encodes the monotonic call lifecycle. A terminal status
// never transitions anywhere.
var validTransitions = map[Status][]Status{
	StatusPending: {StatusRunning, StatusFailed, StatusKilled},
	StatusRunning: {StatusDone, StatusFailed, StatusKilled},
	StatusDone:    {},
	StatusFailed:  {},
	StatusKilled:  {},
}

// Terminal reports whether the status is final
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusFailed || s == StatusKilled
}

// Call is the durable record of one tool invocation. It is written to the
// session log in every status, so a crash mid-execution leaves a running
// record behind rather than nothing.
type Call struct {
	ID         string                 `json:"id"`
	Name       string                 `json:"name"`
	Args       map[string]interface{} `json:"args,omitempty"`
	Risk       risk.Tier              `json:"risk,omitempty"`
	Status     Status                 `json:"status"`
	Output     string                 `json:"output,omitempty"`
	Error      string                 `json:"error,omitempty"`
	ErrorKind  string                 `json:"error_kind,omitempty"`
	StartedAt  time.Time              `json:"started_at,omitempty"`
	FinishedAt time.Time              `json:"finished_at,omitempty"`
}

// NewCall creates a pending call with a fresh ID
func NewCall(name string, args map[string]interface{}) *Call {
	return &Call{
		ID:     uuid.New().String(),
		Name:   name,
		Args:   args,
		Status: StatusPending,
	}
}

// Transition moves the call to a new status, rejecting any move not in the
// lifecycle graph
func (c *Call) Transition(to Status) error {
	for _, allowed := range validTransitions[c.Status] {
		if allowed == to {
			c.Status = to
			switch to {
			case StatusRunning:
				c.StartedAt = time.Now().UTC()
			case StatusDone, StatusFailed, StatusKilled:
				c.FinishedAt = time.Now().UTC()
			}
			return nil
		}
	}
	return fmt.Errorf("invalid call transition: %s -> %s", c.Status, to)
}

// Duration returns how long the call ran, zero if it never finished
func (c *Call) Duration() time.Duration {
	if c.StartedAt.IsZero() || c.FinishedAt.IsZero() {
		return 0
	}
	return c.FinishedAt.Sub(c.StartedAt)
}

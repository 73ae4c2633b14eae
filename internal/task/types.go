package task

import "time"

type State string

const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StatePaused    State = "paused"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	switch s {
	case StateSucceeded, StateFailed, StateCancelled:
		return true
	default:
		return false
	}
}

func isAllowedTransition(from, to State) bool {
	switch from {
	case StatePending:
		return to == StateRunning || to == StateCancelled
	case StateRunning:
		return to == StatePaused || to.Terminal()
	case StatePaused:
		return to == StateRunning || to.Terminal()
	default:
		return false
	}
}

// Snapshot is a point-in-time copy of a task, used for progress events,
// the HTTP API and persistence.
type Snapshot struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	State      State      `json:"state"`
	Progress   int64      `json:"progress"`
	Total      int64      `json:"total"`
	From       string     `json:"from,omitempty"`
	To         string     `json:"to,omitempty"`
	Error      string     `json:"error,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Children   []Snapshot `json:"children,omitempty"`
}

type Options struct {
	DataDir            string
	MaxConcurrentTasks int
}

const defaultMaxConcurrent = 3

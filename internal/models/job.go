package models

import (
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
)

// JobStatus enumerates lifecycle states persisted in Postgres.
type JobStatus string

const (
	StatusPending   JobStatus = "pending"
	StatusRunning   JobStatus = "running"
	StatusCompleted JobStatus = "completed"
	StatusFailed    JobStatus = "failed"
)

// JobKind selects the work queue a job is dispatched to.
type JobKind string

const (
	KindRender  JobKind = "render"
	KindAnalyze JobKind = "analyze"
)

// ErrInvalidTransition is returned when a status change would regress a job.
var ErrInvalidTransition = errors.New("invalid job status transition")

// rank orders statuses; terminal states share the highest rank.
func (s JobStatus) rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusRunning:
		return 1
	case StatusCompleted, StatusFailed:
		return 2
	default:
		return -1
	}
}

// Valid reports whether s is a known status.
func (s JobStatus) Valid() bool {
	return s.rank() >= 0
}

// Terminal reports whether no further transition is allowed out of s.
func (s JobStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransition reports whether a job may move from one status to another.
// Same-status moves are not transitions; callers treat them as no-ops.
func CanTransition(from, to JobStatus) bool {
	if !from.Valid() || !to.Valid() || from == to {
		return false
	}
	if from.Terminal() {
		return false
	}
	return to.rank() > from.rank()
}

// CheckTransition is CanTransition with a descriptive error.
func CheckTransition(from, to JobStatus) error {
	if CanTransition(from, to) {
		return nil
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}

// Job represents one unit of asynchronous work persisted in Postgres.
type Job struct {
	ID            string         `json:"id"`
	Kind          JobKind        `json:"kind"`
	Status        JobStatus      `json:"status"`
	UserID        string         `json:"user_id"`
	ChannelID     string         `json:"channel_id"`
	MessageID     string         `json:"message_id"`
	Queue         string         `json:"queue"`
	CallbackURL   string         `json:"-"`
	// ReplyChannel and ReplyThreadTS locate the thread that started the job
	// when it has no callback url.
	ReplyChannel  string         `json:"-"`
	ReplyThreadTS string         `json:"-"`
	Parameters    map[string]any `json:"parameters"`
	Result        map[string]any `json:"result,omitempty"`
	ErrorDetail   *string        `json:"error,omitempty"`
	DispatchedAt  *time.Time     `json:"dispatched_at,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
	CompletedAt   *time.Time     `json:"completed_at,omitempty"`
}

// NewJobID returns a prefixed ULID. ulid.Make draws from a locked monotonic
// source, so ids minted in the same millisecond stay distinct.
func NewJobID() string {
	return "job_" + ulid.Make().String()
}

// JobEvent is a single audit row for a job.
type JobEvent struct {
	JobID    string    `json:"job_id"`
	Event    string    `json:"event"`
	Detail   string    `json:"detail"`
	Recorded time.Time `json:"recorded_at"`
}

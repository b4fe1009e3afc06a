package out

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/goccy/go-json"
)

// =============================================================================
// Job Queue Port
// =============================================================================

// JobQueue is the backend-agnostic queue contract. One backend is chosen at
// startup; callers depend only on this interface.
type JobQueue interface {
	// Add enqueues a job and returns its queue ID.
	Add(ctx context.Context, jobType string, payload any, opts *AddJobOptions) (string, error)
	// Process registers the single handler for jobType.
	Process(jobType string, handler JobHandler) error
	// Start begins dispatching registered job types.
	Start(ctx context.Context) error
	Status(ctx context.Context) (QueueStatus, error)
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	// Remove drops a waiting or delayed job. Returns false when the job is
	// active or unknown.
	Remove(ctx context.Context, id string) (bool, error)
	Close(ctx context.Context) error
}

// JobHandler processes one dispatched job.
type JobHandler func(ctx context.Context, job *QueuedJob) error

// QueuedJob is the envelope handed to handlers.
type QueuedJob struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	Payload     json.RawMessage `json:"payload"`
	Attempt     int             `json:"attempt"`
	MaxAttempts int             `json:"max_attempts"`
	Priority    int             `json:"priority"`
	Backoff     BackoffOptions  `json:"backoff"`
	CreatedAt   time.Time       `json:"created_at"`
	RunAt       time.Time       `json:"run_at"`
}

// Decode unmarshals the payload into v.
func (j *QueuedJob) Decode(v any) error {
	return json.Unmarshal(j.Payload, v)
}

// QueueStatus has the same shape for every backend.
type QueueStatus struct {
	Waiting   int  `json:"waiting"`
	Active    int  `json:"active"`
	Completed int  `json:"completed"`
	Failed    int  `json:"failed"`
	Paused    bool `json:"paused"`
}

type BackoffType string

const (
	BackoffFixed       BackoffType = "fixed"
	BackoffExponential BackoffType = "exponential"
)

type BackoffOptions struct {
	Type  BackoffType   `json:"type"`
	Delay time.Duration `json:"delay"`
}

// DelayFor returns the wait before the next attempt after attemptsMade failures.
func (b BackoffOptions) DelayFor(attemptsMade int) time.Duration {
	if b.Delay <= 0 {
		return 0
	}
	if b.Type != BackoffExponential || attemptsMade <= 1 {
		return b.Delay
	}
	d := float64(b.Delay) * math.Pow(2, float64(attemptsMade-1))
	if d > float64(time.Hour) {
		return time.Hour
	}
	return time.Duration(d)
}

// AddJobOptions tunes a single Add call. Lower Priority runs first; negative
// values jump ahead of the default 0.
type AddJobOptions struct {
	JobID    string
	Delay    time.Duration
	Priority int
	Attempts int
	Backoff  BackoffOptions
}

const (
	DefaultJobAttempts = 3
	DefaultBackoffBase = 5 * time.Second
)

// Normalize fills defaults into a copy of opts.
func (o *AddJobOptions) Normalize() AddJobOptions {
	var n AddJobOptions
	if o != nil {
		n = *o
	}
	if n.Attempts <= 0 {
		n.Attempts = DefaultJobAttempts
	}
	if n.Backoff.Type == "" {
		n.Backoff.Type = BackoffExponential
	}
	if n.Backoff.Delay <= 0 {
		n.Backoff.Delay = DefaultBackoffBase
	}
	if n.Delay < 0 {
		n.Delay = 0
	}
	return n
}

var (
	ErrQueueClosed   = errors.New("queue is closed")
	ErrHandlerExists = errors.New("handler already registered for job type")
	ErrNoHandler     = errors.New("no handler registered for job type")
)

package domain

import (
	"errors"
	"time"
)

// =============================================================================
// Job - durable unit of background work
// =============================================================================

type JobType string

const (
	JobTypeFullSync   JobType = "full-sync"
	JobTypeBulkDelete JobType = "bulk-delete"
	JobTypeBulkTrash  JobType = "bulk-trash"
)

// JobTypes lists every job type the worker handles.
var JobTypes = []JobType{JobTypeFullSync, JobTypeBulkDelete, JobTypeBulkTrash}

func (t JobType) Valid() bool {
	switch t {
	case JobTypeFullSync, JobTypeBulkDelete, JobTypeBulkTrash:
		return true
	}
	return false
}

func (t JobType) IsBulkAction() bool {
	return t == JobTypeBulkDelete || t == JobTypeBulkTrash
}

type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
	JobStatusPaused    JobStatus = "paused"
)

type Job struct {
	ID        string    `json:"id"`
	AccountID string    `json:"account_id"`
	Type      JobType   `json:"type"`
	Status    JobStatus `json:"status"`

	TotalMessages     int    `json:"total_messages"`
	ProcessedMessages int    `json:"processed_messages"`
	PageToken         string `json:"page_token,omitempty"` // resumption cursor

	// Targets of a bulk action, kept so an interrupted job can be re-queued.
	MessageIDs []string `json:"-"`

	RetryCount  int        `json:"retry_count"`
	LastError   string     `json:"last_error,omitempty"`
	Retryable   bool       `json:"retryable"` // last failure was transient
	NextRetryAt *time.Time `json:"next_retry_at,omitempty"`

	// Snapshot of ProcessedMessages taken when the job was resumed.
	ProcessedAtResume int `json:"processed_at_resume"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	ResumedAt   *time.Time `json:"resumed_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// IsActive - pending or running
func (j *Job) IsActive() bool {
	return j.Status == JobStatusPending || j.Status == JobStatusRunning
}

// IsTerminal - no further transitions without user action
func (j *Job) IsTerminal() bool {
	switch j.Status {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// IsResumable - explicit resume is allowed from failed or paused
func (j *Job) IsResumable() bool {
	return j.Status == JobStatusFailed || j.Status == JobStatusPaused
}

// HasCursor - a resumption cursor was checkpointed
func (j *Job) HasCursor() bool {
	return j.PageToken != ""
}

// CanRetryAutomatically - failed on a transient fault with retry budget left
func (j *Job) CanRetryAutomatically(maxRetries int) bool {
	return j.Status == JobStatusFailed && j.Retryable && j.RetryCount <= maxRetries
}

// IsResume - the run continues earlier progress from a saved cursor.
// Progress without a cursor is discarded by the next run.
func (j *Job) IsResume() bool {
	return j.HasCursor()
}

// =============================================================================
// Job payloads - tagged by JobType
// =============================================================================

// JobPayload is the queue payload of a job; the concrete type is fixed by JobType.
type JobPayload interface {
	JobType() JobType
}

type SyncJobPayload struct {
	JobID     string `json:"job_id"`
	AccountID string `json:"account_id"`
}

func (SyncJobPayload) JobType() JobType { return JobTypeFullSync }

type BulkActionPayload struct {
	Type       JobType  `json:"type"`
	JobID      string   `json:"job_id"`
	AccountID  string   `json:"account_id"`
	MessageIDs []string `json:"message_ids"`
}

func (p BulkActionPayload) JobType() JobType { return p.Type }

// =============================================================================
// Account sync state
// =============================================================================

type SyncStatus string

const (
	SyncStatusIdle        SyncStatus = "idle"
	SyncStatusSyncing     SyncStatus = "syncing"
	SyncStatusCompleted   SyncStatus = "completed"
	SyncStatusError       SyncStatus = "error"
	SyncStatusAuthExpired SyncStatus = "auth_expired"
)

type Account struct {
	ID              string     `json:"id"`
	Email           string     `json:"email"`
	SyncStatus      SyncStatus `json:"sync_status"`
	TotalMessages   int        `json:"total_messages"`
	SyncStartedAt   *time.Time `json:"sync_started_at,omitempty"`
	SyncCompletedAt *time.Time `json:"sync_completed_at,omitempty"`
	SyncError       string     `json:"sync_error,omitempty"`
	HistoryID       string     `json:"history_id,omitempty"` // change cursor
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// EligibleForDeltaSync - completed full sync with a stored change cursor
func (a *Account) EligibleForDeltaSync() bool {
	return a.SyncStatus == SyncStatusCompleted && a.HistoryID != ""
}

// =============================================================================
// Errors
// =============================================================================

var (
	ErrAccountNotFound    = errors.New("account not found")
	ErrJobNotFound        = errors.New("job not found")
	ErrJobNotPending      = errors.New("job is not pending")
	ErrSyncAlreadyRunning = errors.New("a sync is already running for this account")
	ErrFullSyncRequired   = errors.New("full sync required")
	ErrUnknownJobType     = errors.New("unknown job type")
)

// =============================================================================
// Job-level retry strategy
// =============================================================================

const (
	DefaultMaxJobRetries = 5
	maxJobRetryDelay     = 30 * time.Minute
)

// JobRetryDelay - wait before the job is picked up again: 1, 2, 4, 8, 16 minutes.
func JobRetryDelay(retryCount int) time.Duration {
	if retryCount < 1 {
		retryCount = 1
	}
	if retryCount > 6 {
		return maxJobRetryDelay
	}
	d := time.Minute << uint(retryCount-1)
	if d > maxJobRetryDelay {
		return maxJobRetryDelay
	}
	return d
}

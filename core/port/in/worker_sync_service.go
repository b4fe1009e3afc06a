package in

import (
	"context"

	"github.com/inboxorcist/inboxorcist-sub002/core/domain"
)

// SyncService is what the route layer calls to drive mailbox sync.
type SyncService interface {
	// StartMetadataSync returns the active full-sync job when one exists,
	// otherwise creates and enqueues a new one.
	StartMetadataSync(ctx context.Context, accountID string, totalMessages int) (*domain.Job, error)
	// ResumeMetadataSync re-queues the latest failed or paused job; nil when
	// there is nothing to resume.
	ResumeMetadataSync(ctx context.Context, accountID string) (*domain.Job, error)
	CancelMetadataSync(ctx context.Context, accountID string) (bool, error)
	// StartDeltaSync runs a delta sync, falling back to a full-sync job.
	StartDeltaSync(ctx context.Context, accountID string) (*DeltaOutcome, error)
	// ResumeInterruptedJobs re-queues work left behind by a previous process.
	ResumeInterruptedJobs(ctx context.Context) (int, error)

	GetSyncProgress(ctx context.Context, accountID string) (*SyncProgress, error)
	OnAccountConnected(ctx context.Context, accountID string) (*domain.Job, error)
	StartBulkAction(ctx context.Context, accountID string, jobType domain.JobType, messageIDs []string) (*domain.Job, error)
}

// DeltaResult summarises one delta sync pass.
type DeltaResult struct {
	Added     int    `json:"added"`
	Removed   int    `json:"removed"`
	HistoryID string `json:"history_id"`
}

const (
	OutcomeDelta = "delta"
	OutcomeFull  = "full"
)

// DeltaOutcome is either a delta result or the full-sync job it fell back to.
type DeltaOutcome struct {
	Type   string       `json:"type"`
	Result *DeltaResult `json:"result,omitempty"`
	Job    *domain.Job  `json:"job,omitempty"`
}

// SyncProgress is the latest job of an account with its derived progress.
type SyncProgress struct {
	Account  *domain.Account  `json:"account"`
	Job      *domain.Job      `json:"job,omitempty"`
	Progress *domain.Progress `json:"progress,omitempty"`
}

package out

import (
	"context"
	"time"
)

// SyncEventType names a sync lifecycle event.
type SyncEventType string

const (
	SyncEventStarted   SyncEventType = "started"
	SyncEventProgress  SyncEventType = "progress"
	SyncEventCompleted SyncEventType = "completed"
	SyncEventFailed    SyncEventType = "failed"
	SyncEventRetrying  SyncEventType = "retrying"
	SyncEventCancelled SyncEventType = "cancelled"
	SyncEventDelta     SyncEventType = "delta"
)

// SyncEvent is published for clients following an account's sync.
type SyncEvent struct {
	Type       SyncEventType `json:"type"`
	AccountID  string        `json:"account_id"`
	JobID      string        `json:"job_id,omitempty"`
	Processed  int           `json:"processed"`
	Total      int           `json:"total"`
	Percentage int           `json:"percentage"`
	Added      int           `json:"added,omitempty"`
	Removed    int           `json:"removed,omitempty"`
	Error      string        `json:"error,omitempty"`
	At         time.Time     `json:"at"`
}

// SyncEventPublisher delivers sync events. Publishing is best effort.
type SyncEventPublisher interface {
	Publish(ctx context.Context, event *SyncEvent) error
}

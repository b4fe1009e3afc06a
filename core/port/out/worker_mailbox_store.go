package out

import (
	"context"

	"github.com/inboxorcist/inboxorcist-sub002/core/domain"
)

// MailboxStore is the per-account embedded metadata store. Only the sync
// worker for an account writes to its store.
type MailboxStore interface {
	Clear(ctx context.Context, accountID string) error
	InsertBatch(ctx context.Context, accountID string, messages []*domain.MessageMetadata) error
	DeleteByIDs(ctx context.Context, accountID string, ids []string) (int, error)
	RebuildSenderAggregates(ctx context.Context, accountID string) error

	Count(ctx context.Context, accountID string) (int, error)
	SenderAggregates(ctx context.Context, accountID string, limit int) ([]*domain.SenderAggregate, error)
	Close() error
}

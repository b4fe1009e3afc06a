package mail

import (
	"context"
	"fmt"
	"runtime"
	"sort"

	"github.com/inboxorcist/inboxorcist-sub002/core/domain"
	"github.com/inboxorcist/inboxorcist-sub002/core/port/out"
	"github.com/inboxorcist/inboxorcist-sub002/pkg/retry"

	"golang.org/x/oauth2"
)

// fetchAndStore fetches metadata for ids in detail batches and writes them to
// the account's store. Returns the number of rows written.
func (s *SyncService) fetchAndStore(ctx context.Context, accountID, jobID string, token *oauth2.Token, ids []string) (int, error) {
	stored := 0
	for start := 0; start < len(ids); start += s.config.DetailBatchSize {
		end := min(start+s.config.DetailBatchSize, len(ids))

		messages, err := s.fetchDetails(ctx, accountID, jobID, token, ids[start:end])
		if err != nil {
			return stored, fmt.Errorf("fetch message details: %w", err)
		}
		if err := s.insertInBatches(ctx, accountID, messages); err != nil {
			return stored, err
		}
		stored += len(messages)
	}
	return stored, nil
}

// fetchDetails is one throttled, retry-wrapped batch fetch. Messages that
// failed with a transient error are fetched again on the next attempt.
// Messages deleted since listing are dropped. Any other failure (credentials,
// permissions, cancellation) aborts the batch.
func (s *SyncService) fetchDetails(ctx context.Context, accountID, jobID string, token *oauth2.Token, ids []string) ([]*domain.MessageMetadata, error) {
	pending := ids
	fetched := make([]*domain.MessageMetadata, 0, len(ids))

	err := retry.Do(ctx, s.retryOptions(ctx, accountID, jobID, "details"), func(ctx context.Context) error {
		if err := s.throttle.Wait(ctx, accountID, len(pending)); err != nil {
			return err
		}

		batch, err := s.provider.GetMessages(ctx, token, pending)
		if err != nil {
			return err
		}
		fetched = append(fetched, batch.Messages...)

		failedIDs := make([]string, 0, len(batch.Failed))
		for id := range batch.Failed {
			failedIDs = append(failedIDs, id)
		}
		sort.Strings(failedIDs)

		var again []string
		var firstErr error
		for _, id := range failedIDs {
			ferr := batch.Failed[id]
			switch {
			case retry.IsRetryable(ferr):
				again = append(again, id)
				if firstErr == nil {
					firstErr = ferr
				}
			case skippableMessageError(ferr):
				s.log.Debug().Err(ferr).Str("account_id", accountID).Str("message_id", id).Msg("skipping message")
			default:
				return fmt.Errorf("message %s: %w", id, ferr)
			}
		}
		if len(again) == 0 {
			return nil
		}
		pending = again
		return fmt.Errorf("%d of %d messages not fetched: %w", len(again), len(ids), firstErr)
	})
	if err != nil {
		return nil, err
	}
	return fetched, nil
}

// skippableMessageError reports a per-message failure that only concerns that
// message: it was deleted, or its id is no longer valid.
func skippableMessageError(err error) bool {
	switch out.ProviderErrorCodeOf(err) {
	case out.ProviderErrNotFound, out.ProviderErrInvalidInput:
		return true
	}
	return false
}

// insertInBatches writes rows in fixed-size sub-batches and yields between them.
func (s *SyncService) insertInBatches(ctx context.Context, accountID string, messages []*domain.MessageMetadata) error {
	for start := 0; start < len(messages); start += s.config.InsertBatchSize {
		end := min(start+s.config.InsertBatchSize, len(messages))
		if err := s.store.InsertBatch(ctx, accountID, messages[start:end]); err != nil {
			return fmt.Errorf("insert messages: %w", err)
		}
		if end < len(messages) {
			runtime.Gosched()
		}
	}
	return nil
}

// tokenFor loads the account's OAuth token.
func (s *SyncService) tokenFor(ctx context.Context, accountID string) (*oauth2.Token, error) {
	token, err := s.tokenRepo.GetToken(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("get token: %w", err)
	}
	if token == nil {
		return nil, out.NewProviderError("gmail", out.ProviderErrAuth, "no token stored for account", nil, false)
	}
	return token, nil
}

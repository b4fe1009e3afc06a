package mail

import (
	"context"

	"github.com/inboxorcist/inboxorcist-sub002/core/domain"
	"github.com/inboxorcist/inboxorcist-sub002/pkg/logger"
	"github.com/inboxorcist/inboxorcist-sub002/pkg/retry"
)

// OnAccountConnected runs after OAuth completes: it stores a quick message
// count estimate and queues the first full sync.
func (s *SyncService) OnAccountConnected(ctx context.Context, accountID string) (*domain.Job, error) {
	if _, err := s.loadAccount(ctx, accountID); err != nil {
		return nil, err
	}

	total := 0
	token, err := s.tokenFor(ctx, accountID)
	if err == nil {
		total, err = retry.DoValue(ctx, s.retryOptions(ctx, accountID, "", "count"),
			func(ctx context.Context) (int, error) {
				return s.provider.GetMessageCount(ctx, token)
			})
	}
	if err != nil {
		// the estimate only feeds progress; the sync itself will surface real failures
		logger.WithError(err).Warn("[SyncService.OnAccountConnected] Message count unavailable for account %s", accountID)
		total = 0
	}

	job, err := s.StartMetadataSync(ctx, accountID, total)
	if err != nil {
		return nil, err
	}
	logger.Info("[SyncService.OnAccountConnected] Account %s connected, ~%d messages, job %s", accountID, total, job.ID)
	return job, nil
}

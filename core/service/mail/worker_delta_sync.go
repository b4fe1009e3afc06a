package mail

import (
	"context"
	"fmt"

	"github.com/inboxorcist/inboxorcist-sub002/core/domain"
	"github.com/inboxorcist/inboxorcist-sub002/core/port/in"
	"github.com/inboxorcist/inboxorcist-sub002/core/port/out"
	"github.com/inboxorcist/inboxorcist-sub002/pkg/apperr"
	"github.com/inboxorcist/inboxorcist-sub002/pkg/logger"
	"github.com/inboxorcist/inboxorcist-sub002/pkg/retry"
)

// =============================================================================
// Delta sync - History API changes since the stored cursor
// =============================================================================

// DeltaSync applies the changes since the account's stored history ID.
// Returns domain.ErrFullSyncRequired when the cursor is missing or expired.
func (s *SyncService) DeltaSync(ctx context.Context, accountID string) (*in.DeltaResult, error) {
	account, err := s.loadAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if account.HistoryID == "" {
		return nil, domain.ErrFullSyncRequired
	}

	token, err := s.tokenFor(ctx, accountID)
	if err != nil {
		return nil, s.deltaFailure(ctx, accountID, err)
	}

	changes, err := retry.DoValue(ctx, s.retryOptions(ctx, accountID, "", "history"),
		func(ctx context.Context) (*out.ChangeSet, error) {
			return s.provider.ListChanges(ctx, token, account.HistoryID)
		})
	if err != nil {
		if out.ProviderErrorCodeOf(err) == out.ProviderErrSyncRequired {
			logger.Warn("[SyncService.DeltaSync] History %s expired for account %s", account.HistoryID, accountID)
			if clearErr := s.accountRepo.SetHistoryID(ctx, accountID, ""); clearErr != nil {
				return nil, apperr.DatabaseError("clear history id", clearErr)
			}
			return nil, domain.ErrFullSyncRequired
		}
		return nil, s.deltaFailure(ctx, accountID, err)
	}

	result := &in.DeltaResult{HistoryID: changes.HistoryID}
	if result.HistoryID == "" {
		result.HistoryID = account.HistoryID
	}

	if len(changes.Removed) > 0 {
		removed, err := s.store.DeleteByIDs(ctx, accountID, changes.Removed)
		if err != nil {
			return nil, fmt.Errorf("delete removed messages: %w", err)
		}
		result.Removed = removed
	}

	if len(changes.Added) > 0 {
		added, err := s.fetchAndStore(ctx, accountID, "", token, changes.Added)
		if err != nil {
			return nil, s.deltaFailure(ctx, accountID, err)
		}
		result.Added = added
	}

	if err := s.store.RebuildSenderAggregates(ctx, accountID); err != nil {
		return nil, fmt.Errorf("rebuild sender aggregates: %w", err)
	}

	// The cursor can advance with no visible changes, so it is always written.
	if err := s.accountRepo.SetHistoryID(ctx, accountID, result.HistoryID); err != nil {
		return nil, apperr.DatabaseError("store history id", err)
	}
	if result.Added > 0 || result.Removed > 0 {
		if count, err := s.store.Count(ctx, accountID); err == nil {
			_ = s.accountRepo.SetTotalMessages(ctx, accountID, count)
		}
	}

	logger.Info("[SyncService.DeltaSync] Account %s: +%d -%d (history %s)", accountID, result.Added, result.Removed, result.HistoryID)
	s.publish(ctx, &out.SyncEvent{
		Type:      out.SyncEventDelta,
		AccountID: accountID,
		Added:     result.Added,
		Removed:   result.Removed,
	})
	return result, nil
}

// deltaFailure turns terminal credential and permission failures into
// actionable errors and records them on the account.
func (s *SyncService) deltaFailure(ctx context.Context, accountID string, err error) error {
	switch classifyFailure(err) {
	case failureAuth:
		if updErr := s.accountRepo.UpdateSyncStatus(ctx, accountID, domain.SyncStatusAuthExpired, apperr.MsgReconnectRequired); updErr != nil {
			s.log.Error().Err(updErr).Str("account_id", accountID).Msg("record auth failure")
		}
		return apperr.ReconnectRequired(err)
	case failurePermission:
		if updErr := s.accountRepo.UpdateSyncStatus(ctx, accountID, domain.SyncStatusError, apperr.MsgPermissionDenied); updErr != nil {
			s.log.Error().Err(updErr).Str("account_id", accountID).Msg("record permission failure")
		}
		return apperr.PermissionDenied(err)
	}
	return apperr.ExternalError("gmail", err)
}

package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/inboxorcist/inboxorcist-sub002/core/domain"
	"github.com/inboxorcist/inboxorcist-sub002/core/port/out"
	"github.com/inboxorcist/inboxorcist-sub002/pkg/crypto"

	"github.com/jmoiron/sqlx"
	"golang.org/x/oauth2"
)

// =============================================================================
// AccountAdapter - mail_accounts table (sync state + OAuth token)
// =============================================================================

type AccountAdapter struct {
	db     *sqlx.DB
	cipher *crypto.TokenCipher
}

var (
	_ out.AccountRepository = (*AccountAdapter)(nil)
	_ out.TokenRepository   = (*AccountAdapter)(nil)
)

// NewAccountAdapter creates the adapter. cipher may be nil when tokens are
// stored unencrypted.
func NewAccountAdapter(db *sqlx.DB, cipher *crypto.TokenCipher) *AccountAdapter {
	return &AccountAdapter{db: db, cipher: cipher}
}

type accountEntity struct {
	ID              string         `db:"id"`
	Email           string         `db:"email"`
	SyncStatus      string         `db:"sync_status"`
	TotalMessages   int            `db:"total_messages"`
	SyncStartedAt   sql.NullTime   `db:"sync_started_at"`
	SyncCompletedAt sql.NullTime   `db:"sync_completed_at"`
	SyncError       sql.NullString `db:"sync_error"`
	HistoryID       sql.NullString `db:"history_id"`
	CreatedAt       time.Time      `db:"created_at"`
	UpdatedAt       time.Time      `db:"updated_at"`
}

const accountColumns = `id, email, sync_status, total_messages, sync_started_at, sync_completed_at,
	sync_error, history_id, created_at, updated_at`

func (e *accountEntity) toDomain() *domain.Account {
	return &domain.Account{
		ID:              e.ID,
		Email:           e.Email,
		SyncStatus:      domain.SyncStatus(e.SyncStatus),
		TotalMessages:   e.TotalMessages,
		SyncStartedAt:   fromNullTime(e.SyncStartedAt),
		SyncCompletedAt: fromNullTime(e.SyncCompletedAt),
		SyncError:       e.SyncError.String,
		HistoryID:       e.HistoryID.String,
		CreatedAt:       e.CreatedAt,
		UpdatedAt:       e.UpdatedAt,
	}
}

func (a *AccountAdapter) GetByID(ctx context.Context, id string) (*domain.Account, error) {
	var e accountEntity
	if err := a.db.GetContext(ctx, &e, `SELECT `+accountColumns+` FROM mail_accounts WHERE id = $1`, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return e.toDomain(), nil
}

func (a *AccountAdapter) exec(ctx context.Context, query string, args ...any) error {
	res, err := a.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return requireRow(res, domain.ErrAccountNotFound)
}

func (a *AccountAdapter) UpdateSyncStatus(ctx context.Context, id string, status domain.SyncStatus, syncError string) error {
	return a.exec(ctx, `
		UPDATE mail_accounts SET sync_status = $2, sync_error = $3, updated_at = NOW()
		WHERE id = $1`, id, string(status), toNullString(syncError))
}

func (a *AccountAdapter) MarkSyncStarted(ctx context.Context, id string, at time.Time) error {
	return a.exec(ctx, `
		UPDATE mail_accounts SET sync_status = 'syncing', sync_started_at = $2, sync_error = NULL, updated_at = NOW()
		WHERE id = $1`, id, at)
}

func (a *AccountAdapter) MarkSyncCompleted(ctx context.Context, id string, at time.Time) error {
	return a.exec(ctx, `
		UPDATE mail_accounts SET sync_status = 'completed', sync_completed_at = $2, sync_error = NULL, updated_at = NOW()
		WHERE id = $1`, id, at)
}

func (a *AccountAdapter) SetTotalMessages(ctx context.Context, id string, total int) error {
	return a.exec(ctx, `UPDATE mail_accounts SET total_messages = $2, updated_at = NOW() WHERE id = $1`, id, total)
}

func (a *AccountAdapter) SetHistoryID(ctx context.Context, id string, historyID string) error {
	return a.exec(ctx, `UPDATE mail_accounts SET history_id = $2, updated_at = NOW() WHERE id = $1`, id, toNullString(historyID))
}

func (a *AccountAdapter) ListEligibleForDeltaSync(ctx context.Context) ([]*domain.Account, error) {
	var entities []accountEntity
	err := a.db.SelectContext(ctx, &entities, `
		SELECT `+accountColumns+` FROM mail_accounts
		WHERE sync_status = 'completed' AND history_id IS NOT NULL AND history_id <> ''
		ORDER BY sync_completed_at NULLS FIRST`)
	if err != nil {
		return nil, err
	}
	accounts := make([]*domain.Account, len(entities))
	for i := range entities {
		accounts[i] = entities[i].toDomain()
	}
	return accounts, nil
}

// =============================================================================
// TokenRepository
// =============================================================================

type tokenEntity struct {
	AccessToken  sql.NullString `db:"access_token"`
	RefreshToken sql.NullString `db:"refresh_token"`
	TokenType    sql.NullString `db:"token_type"`
	TokenExpiry  sql.NullTime   `db:"token_expiry"`
}

// GetToken returns the stored token, or nil when the account has none.
func (a *AccountAdapter) GetToken(ctx context.Context, accountID string) (*oauth2.Token, error) {
	var e tokenEntity
	err := a.db.GetContext(ctx, &e, `
		SELECT access_token, refresh_token, token_type, token_expiry
		FROM mail_accounts WHERE id = $1`, accountID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if !e.RefreshToken.Valid && !e.AccessToken.Valid {
		return nil, nil
	}

	access, err := a.cipher.Open(e.AccessToken.String)
	if err != nil {
		return nil, fmt.Errorf("decrypt access token: %w", err)
	}
	refresh, err := a.cipher.Open(e.RefreshToken.String)
	if err != nil {
		return nil, fmt.Errorf("decrypt refresh token: %w", err)
	}

	token := &oauth2.Token{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    e.TokenType.String,
	}
	if e.TokenExpiry.Valid {
		token.Expiry = e.TokenExpiry.Time
	}
	return token, nil
}

// SaveToken stores a (refreshed) token, sealing it when a cipher is set.
func (a *AccountAdapter) SaveToken(ctx context.Context, accountID string, token *oauth2.Token) error {
	access, err := a.cipher.Seal(token.AccessToken)
	if err != nil {
		return fmt.Errorf("encrypt access token: %w", err)
	}
	refresh, err := a.cipher.Seal(token.RefreshToken)
	if err != nil {
		return fmt.Errorf("encrypt refresh token: %w", err)
	}

	var expiry sql.NullTime
	if !token.Expiry.IsZero() {
		expiry = sql.NullTime{Time: token.Expiry, Valid: true}
	}
	return a.exec(ctx, `
		UPDATE mail_accounts SET
			access_token = $2,
			refresh_token = COALESCE($3, refresh_token),
			token_type = $4,
			token_expiry = $5,
			updated_at = NOW()
		WHERE id = $1`,
		accountID, toNullString(access), toNullString(refresh), toNullString(token.TokenType), expiry)
}

// Package out defines outbound ports (driven ports) for the application.
package out

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/inboxorcist/inboxorcist-sub002/core/domain"
	"golang.org/x/oauth2"
)

// =============================================================================
// Mail Provider Port (Gmail)
// =============================================================================

// MailProvider is everything the sync worker needs from the mail provider.
type MailProvider interface {
	MailSyncer
	MailModifier
}

// MailSyncer lists, fetches and diffs mailbox metadata.
type MailSyncer interface {
	// ListMessageIDs returns one page of message IDs starting at pageToken.
	ListMessageIDs(ctx context.Context, token *oauth2.Token, pageToken string, pageSize int) (*MessageIDPage, error)
	// GetMessages fetches metadata for ids. Per-message failures are reported
	// in MessageBatch.Failed, even when every id failed. The call itself errors
	// only when no request could be made.
	GetMessages(ctx context.Context, token *oauth2.Token, ids []string) (*MessageBatch, error)
	// GetHistoryID returns the mailbox's current change cursor.
	GetHistoryID(ctx context.Context, token *oauth2.Token) (string, error)
	// ListChanges returns added and removed IDs since historyID. An expired
	// cursor yields a ProviderError with ProviderErrSyncRequired.
	ListChanges(ctx context.Context, token *oauth2.Token, historyID string) (*ChangeSet, error)
	// GetMessageCount returns the provider's quick total estimate.
	GetMessageCount(ctx context.Context, token *oauth2.Token) (int, error)
}

// MailModifier applies bulk actions upstream.
type MailModifier interface {
	TrashMessages(ctx context.Context, token *oauth2.Token, ids []string) error
	DeleteMessages(ctx context.Context, token *oauth2.Token, ids []string) error
}

// =============================================================================
// Provider DTOs
// =============================================================================

type MessageIDPage struct {
	IDs                []string
	NextPageToken      string
	ResultSizeEstimate int
}

type MessageBatch struct {
	Messages []*domain.MessageMetadata
	Failed   map[string]error
}

type ChangeSet struct {
	Added     []string
	Removed   []string
	HistoryID string
}

// =============================================================================
// Provider Error
// =============================================================================

// ProviderErrorCode represents error codes.
type ProviderErrorCode string

const (
	ProviderErrAuth         ProviderErrorCode = "auth_error"
	ProviderErrTokenExpired ProviderErrorCode = "token_expired"
	ProviderErrPermission   ProviderErrorCode = "permission_denied"
	ProviderErrRateLimit    ProviderErrorCode = "rate_limit"
	ProviderErrNotFound     ProviderErrorCode = "not_found"
	ProviderErrNetwork      ProviderErrorCode = "network_error"
	ProviderErrServer       ProviderErrorCode = "server_error"
	ProviderErrInvalidInput ProviderErrorCode = "invalid_input"
	ProviderErrSyncRequired ProviderErrorCode = "full_sync_required"
)

// ProviderError represents a provider error.
type ProviderError struct {
	Provider   string
	Code       ProviderErrorCode
	Message    string
	StatusCode int
	RetryAfter time.Duration
	Err        error
	Retryable  bool
}

func (e *ProviderError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// HTTPStatus returns the normalized status used by retry classification.
func (e *ProviderError) HTTPStatus() int {
	if e.StatusCode != 0 {
		return e.StatusCode
	}
	switch e.Code {
	case ProviderErrAuth, ProviderErrTokenExpired:
		return http.StatusUnauthorized
	case ProviderErrPermission:
		return http.StatusForbidden
	case ProviderErrRateLimit:
		return http.StatusTooManyRequests
	case ProviderErrNotFound, ProviderErrSyncRequired:
		return http.StatusNotFound
	case ProviderErrInvalidInput:
		return http.StatusBadRequest
	case ProviderErrServer:
		return http.StatusServiceUnavailable
	}
	return 0
}

// RetryAfterHint returns the provider's Retry-After value when one was sent.
func (e *ProviderError) RetryAfterHint() (time.Duration, bool) {
	return e.RetryAfter, e.RetryAfter > 0
}

// NewProviderError creates a new provider error.
func NewProviderError(provider string, code ProviderErrorCode, message string, err error, retryable bool) *ProviderError {
	return &ProviderError{
		Provider:  provider,
		Code:      code,
		Message:   message,
		Err:       err,
		Retryable: retryable,
	}
}

// ProviderErrorCodeOf returns the code of a wrapped ProviderError, or "".
func ProviderErrorCodeOf(err error) ProviderErrorCode {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Code
	}
	return ""
}

package provider

import (
	"context"
	"net/http"
	"sync"

	"github.com/inboxorcist/inboxorcist-sub002/core/port/out"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
)

// TokenStore reads and writes an account's stored OAuth token.
type TokenStore interface {
	GetToken(ctx context.Context, accountID string) (*oauth2.Token, error)
	SaveToken(ctx context.Context, accountID string, token *oauth2.Token) error
}

// RefreshingTokens hands out valid tokens. An expired access token is
// refreshed once and written back so later jobs reuse it.
type RefreshingTokens struct {
	store      TokenStore
	config     *oauth2.Config
	httpClient *http.Client
	log        zerolog.Logger

	mu sync.Mutex
}

var _ out.TokenRepository = (*RefreshingTokens)(nil)

func NewRefreshingTokens(store TokenStore, config *oauth2.Config, httpClient *http.Client, log zerolog.Logger) *RefreshingTokens {
	return &RefreshingTokens{
		store:      store,
		config:     config,
		httpClient: httpClient,
		log:        log,
	}
}

// GetToken returns nil when the account has no stored token.
func (r *RefreshingTokens) GetToken(ctx context.Context, accountID string) (*oauth2.Token, error) {
	token, err := r.store.GetToken(ctx, accountID)
	if err != nil || token == nil || token.Valid() {
		return token, err
	}
	if token.RefreshToken == "" {
		return nil, out.NewProviderError(providerName, out.ProviderErrTokenExpired, "access token expired and no refresh token stored", nil, false)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Another caller may have refreshed while we waited.
	if latest, err := r.store.GetToken(ctx, accountID); err == nil && latest != nil && latest.Valid() {
		return latest, nil
	}

	if r.httpClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, r.httpClient)
	}
	fresh, err := r.config.TokenSource(ctx, token).Token()
	if err != nil {
		return nil, wrapError(err, "failed to refresh token")
	}

	if err := r.store.SaveToken(ctx, accountID, fresh); err != nil {
		r.log.Warn().Err(err).Str("account_id", accountID).Msg("[TokenRefresh] failed to persist refreshed token")
	}
	return fresh, nil
}

// Package provider implements the Gmail mail provider adapter.
package provider

import (
	"context"
	"errors"
	"net/http"
	"net/mail"
	"strconv"
	"strings"
	"time"

	"github.com/inboxorcist/inboxorcist-sub002/core/domain"
	"github.com/inboxorcist/inboxorcist-sub002/core/port/out"
	"github.com/inboxorcist/inboxorcist-sub002/pkg/httputil"
	"github.com/inboxorcist/inboxorcist-sub002/pkg/retry"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"golang.org/x/sync/errgroup"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

const providerName = "gmail"

// metadataHeaders are the only headers requested per message.
var metadataHeaders = []string{"From", "Subject", "Date"}

const (
	defaultFetchConcurrency = 10
	perMessageTimeout       = 15 * time.Second
	serviceInitTimeout      = 30 * time.Second
	// Gmail caps batchModify/batchDelete at 1000 IDs per call.
	maxBatchIDs = 1000
)

// =============================================================================
// Gmail Adapter
// =============================================================================

// GmailAdapter implements out.MailProvider on the Gmail REST API.
type GmailAdapter struct {
	config           *oauth2.Config
	httpClient       *http.Client
	endpoint         string
	fetchConcurrency int
	cb               *gobreaker.CircuitBreaker
	log              zerolog.Logger
}

var _ out.MailProvider = (*GmailAdapter)(nil)

// GmailConfig holds Gmail configuration.
type GmailConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string

	// FetchConcurrency bounds parallel metadata fetches (default 10).
	FetchConcurrency int
	// HTTPClient is the base transport; defaults to the shared Gmail pool.
	HTTPClient *http.Client
	// Endpoint overrides the API base URL.
	Endpoint string
}

// OAuthConfig builds the oauth2 config for the Gmail scopes this service needs.
func OAuthConfig(cfg *GmailConfig) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURL:  cfg.RedirectURL,
		Scopes:       []string{gmail.GmailModifyScope},
		Endpoint:     google.Endpoint,
	}
}

// NewGmailAdapter creates a new Gmail adapter.
func NewGmailAdapter(cfg *GmailConfig, log zerolog.Logger) *GmailAdapter {
	concurrency := cfg.FetchConcurrency
	if concurrency <= 0 {
		concurrency = defaultFetchConcurrency
	}
	client := cfg.HTTPClient
	if client == nil {
		client = httputil.GmailClient()
	}

	cbSettings := gobreaker.Settings{
		Name:        "gmail-api",
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.ConsecutiveFailures > 5 ||
				(counts.Requests >= 10 && failureRatio >= 0.6)
		},
		IsSuccessful: breakerSuccess,
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).Msgf("[CircuitBreaker] state changed from %s to %s", from, to)
		},
	}

	return &GmailAdapter{
		config:           OAuthConfig(cfg),
		httpClient:       client,
		endpoint:         cfg.Endpoint,
		fetchConcurrency: concurrency,
		cb:               gobreaker.NewCircuitBreaker(cbSettings),
		log:              log,
	}
}

// =============================================================================
// MailSyncer
// =============================================================================

// ListMessageIDs returns one page of message IDs, spam and trash included.
func (a *GmailAdapter) ListMessageIDs(ctx context.Context, token *oauth2.Token, pageToken string, pageSize int) (*out.MessageIDPage, error) {
	svc, err := a.getService(ctx, token)
	if err != nil {
		return nil, err
	}

	var resp *gmail.ListMessagesResponse
	err = a.execute("messages.list", func() error {
		call := svc.Users.Messages.List("me").
			IncludeSpamTrash(true).
			Fields("messages/id", "nextPageToken", "resultSizeEstimate")
		if pageSize > 0 {
			call = call.MaxResults(int64(pageSize))
		}
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}
		var err error
		resp, err = call.Context(ctx).Do()
		return err
	})
	if err != nil {
		return nil, wrapError(err, "failed to list messages")
	}

	page := &out.MessageIDPage{
		IDs:                make([]string, 0, len(resp.Messages)),
		NextPageToken:      resp.NextPageToken,
		ResultSizeEstimate: int(resp.ResultSizeEstimate),
	}
	for _, m := range resp.Messages {
		page.IDs = append(page.IDs, m.Id)
	}
	return page, nil
}

// GetMessages fetches metadata for ids with bounded parallelism. Results keep
// the order of ids; failures are reported per message.
func (a *GmailAdapter) GetMessages(ctx context.Context, token *oauth2.Token, ids []string) (*out.MessageBatch, error) {
	batch := &out.MessageBatch{Failed: make(map[string]error)}
	if len(ids) == 0 {
		return batch, nil
	}

	svc, err := a.getService(ctx, token)
	if err != nil {
		return nil, err
	}

	fetched := make([]*domain.MessageMetadata, len(ids))
	errs := make([]error, len(ids))

	var g errgroup.Group
	g.SetLimit(a.fetchConcurrency)
	for i, id := range ids {
		if ctx.Err() != nil {
			errs[i] = ctx.Err()
			continue
		}
		g.Go(func() error {
			msgCtx, cancel := context.WithTimeout(ctx, perMessageTimeout)
			defer cancel()

			var msg *gmail.Message
			err := a.execute("messages.get", func() error {
				var err error
				msg, err = svc.Users.Messages.Get("me", id).
					Format("metadata").
					MetadataHeaders(metadataHeaders...).
					Context(msgCtx).Do()
				return err
			})
			if err != nil {
				errs[i] = wrapError(err, "failed to get message")
				return nil
			}
			fetched[i] = convertMessage(msg)
			return nil
		})
	}
	_ = g.Wait()

	for i, id := range ids {
		if errs[i] != nil {
			batch.Failed[id] = errs[i]
			continue
		}
		batch.Messages = append(batch.Messages, fetched[i])
	}

	// Even when every id failed the batch is returned: the caller decides per
	// message whether to retry, skip or abort.
	if len(batch.Failed) > 0 {
		a.log.Warn().Int("failed", len(batch.Failed)).Int("requested", len(ids)).
			Msg("[GmailAdapter] partial metadata fetch")
	}
	return batch, nil
}

// GetHistoryID returns the mailbox's current history ID.
func (a *GmailAdapter) GetHistoryID(ctx context.Context, token *oauth2.Token) (string, error) {
	profile, err := a.getProfile(ctx, token)
	if err != nil {
		return "", err
	}
	return strconv.FormatUint(profile.HistoryId, 10), nil
}

// GetMessageCount returns the profile's total message count.
func (a *GmailAdapter) GetMessageCount(ctx context.Context, token *oauth2.Token) (int, error) {
	profile, err := a.getProfile(ctx, token)
	if err != nil {
		return 0, err
	}
	return int(profile.MessagesTotal), nil
}

func (a *GmailAdapter) getProfile(ctx context.Context, token *oauth2.Token) (*gmail.Profile, error) {
	svc, err := a.getService(ctx, token)
	if err != nil {
		return nil, err
	}

	var profile *gmail.Profile
	err = a.execute("users.getProfile", func() error {
		var err error
		profile, err = svc.Users.GetProfile("me").Context(ctx).Do()
		return err
	})
	if err != nil {
		return nil, wrapError(err, "failed to get profile")
	}
	return profile, nil
}

// ListChanges walks every history page since historyID. Label changes are
// reported as Added so the caller refreshes the stored metadata.
func (a *GmailAdapter) ListChanges(ctx context.Context, token *oauth2.Token, historyID string) (*out.ChangeSet, error) {
	start, err := strconv.ParseUint(historyID, 10, 64)
	if err != nil || start == 0 {
		return nil, out.NewProviderError(providerName, out.ProviderErrSyncRequired, "invalid history id", err, false)
	}

	svc, err := a.getService(ctx, token)
	if err != nil {
		return nil, err
	}

	changes := &out.ChangeSet{HistoryID: historyID}
	added := make(map[string]bool)
	removed := make(map[string]bool)
	var order []string

	touch := func(id string) {
		if !added[id] && !removed[id] {
			order = append(order, id)
		}
		added[id] = true
	}

	pageToken := ""
	for {
		var resp *gmail.ListHistoryResponse
		err := a.execute("history.list", func() error {
			call := svc.Users.History.List("me").
				StartHistoryId(start).
				HistoryTypes("messageAdded", "messageDeleted", "labelAdded", "labelRemoved")
			if pageToken != "" {
				call = call.PageToken(pageToken)
			}
			var err error
			resp, err = call.Context(ctx).Do()
			return err
		})
		if err != nil {
			var apiErr *googleapi.Error
			if errors.As(err, &apiErr) && apiErr.Code == http.StatusNotFound {
				return nil, out.NewProviderError(providerName, out.ProviderErrSyncRequired, "history id expired", err, false)
			}
			return nil, wrapError(err, "failed to list history")
		}

		for _, h := range resp.History {
			for _, m := range h.MessagesAdded {
				touch(m.Message.Id)
			}
			for _, m := range h.LabelsAdded {
				touch(m.Message.Id)
			}
			for _, m := range h.LabelsRemoved {
				touch(m.Message.Id)
			}
			for _, m := range h.MessagesDeleted {
				removed[m.Message.Id] = true
			}
		}
		if resp.HistoryId > 0 {
			changes.HistoryID = strconv.FormatUint(resp.HistoryId, 10)
		}

		if resp.NextPageToken == "" {
			break
		}
		pageToken = resp.NextPageToken
	}

	for _, id := range order {
		if removed[id] {
			continue
		}
		changes.Added = append(changes.Added, id)
	}
	for id := range removed {
		changes.Removed = append(changes.Removed, id)
	}
	return changes, nil
}

// =============================================================================
// MailModifier
// =============================================================================

// TrashMessages moves messages to trash in chunks of maxBatchIDs.
func (a *GmailAdapter) TrashMessages(ctx context.Context, token *oauth2.Token, ids []string) error {
	svc, err := a.getService(ctx, token)
	if err != nil {
		return err
	}
	return forEachChunk(ids, func(chunk []string) error {
		err := a.execute("messages.batchModify", func() error {
			return svc.Users.Messages.BatchModify("me", &gmail.BatchModifyMessagesRequest{
				Ids:            chunk,
				AddLabelIds:    []string{"TRASH"},
				RemoveLabelIds: []string{"INBOX"},
			}).Context(ctx).Do()
		})
		return wrapError(err, "failed to trash messages")
	})
}

// DeleteMessages permanently deletes messages in chunks of maxBatchIDs.
func (a *GmailAdapter) DeleteMessages(ctx context.Context, token *oauth2.Token, ids []string) error {
	svc, err := a.getService(ctx, token)
	if err != nil {
		return err
	}
	return forEachChunk(ids, func(chunk []string) error {
		err := a.execute("messages.batchDelete", func() error {
			return svc.Users.Messages.BatchDelete("me", &gmail.BatchDeleteMessagesRequest{Ids: chunk}).
				Context(ctx).Do()
		})
		return wrapError(err, "failed to delete messages")
	})
}

func forEachChunk(ids []string, fn func([]string) error) error {
	for start := 0; start < len(ids); start += maxBatchIDs {
		end := min(start+maxBatchIDs, len(ids))
		if err := fn(ids[start:end]); err != nil {
			return err
		}
	}
	return nil
}

// =============================================================================
// Circuit Breaker
// =============================================================================

// GetCircuitBreakerState returns the current state of the circuit breaker.
func (a *GmailAdapter) GetCircuitBreakerState() string {
	return a.cb.State().String()
}

// IsCircuitOpen returns true if API calls currently fail fast.
func (a *GmailAdapter) IsCircuitOpen() bool {
	return a.cb.State() == gobreaker.StateOpen
}

// execute runs fn behind the circuit breaker.
func (a *GmailAdapter) execute(operation string, fn func() error) error {
	_, err := a.cb.Execute(func() (any, error) {
		return nil, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		a.log.Warn().Str("operation", operation).Str("state", a.cb.State().String()).
			Msg("[GmailAdapter] circuit breaker rejected call")
	}
	return err
}

// breakerSuccess keeps caller cancellations and client errors other than
// rate limits from tripping the breaker.
func breakerSuccess(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return true
	}
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code >= 400 && apiErr.Code < 500 && !isRateLimited(apiErr)
}

// =============================================================================
// Internal Helpers
// =============================================================================

func (a *GmailAdapter) getService(ctx context.Context, token *oauth2.Token) (*gmail.Service, error) {
	if token == nil {
		return nil, out.NewProviderError(providerName, out.ProviderErrAuth, "no token", nil, false)
	}

	initCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), serviceInitTimeout)
	defer cancel()

	// The token source refreshes through the same pooled transport.
	clientCtx := context.WithValue(initCtx, oauth2.HTTPClient, a.httpClient)
	opts := []option.ClientOption{
		option.WithHTTPClient(oauth2.NewClient(clientCtx, a.config.TokenSource(clientCtx, token))),
	}
	if a.endpoint != "" {
		opts = append(opts, option.WithEndpoint(a.endpoint))
	}

	svc, err := gmail.NewService(initCtx, opts...)
	if err != nil {
		return nil, out.NewProviderError(providerName, out.ProviderErrServer, "failed to create gmail service", err, true)
	}
	return svc, nil
}

func convertMessage(msg *gmail.Message) *domain.MessageMetadata {
	meta := &domain.MessageMetadata{
		ID:        msg.Id,
		ThreadID:  msg.ThreadId,
		Snippet:   msg.Snippet,
		SizeBytes: msg.SizeEstimate,
		Labels:    msg.LabelIds,
		Category:  domain.CategoryFromLabels(msg.LabelIds),
	}
	if msg.InternalDate > 0 {
		meta.Date = time.UnixMilli(msg.InternalDate).UTC()
	}

	for _, l := range msg.LabelIds {
		switch l {
		case "UNREAD":
			meta.IsUnread = true
		case "STARRED":
			meta.IsStarred = true
		case "TRASH":
			meta.IsTrash = true
		case "SPAM":
			meta.IsSpam = true
		}
	}

	if msg.Payload == nil {
		return meta
	}
	meta.HasAttachments = strings.HasPrefix(msg.Payload.MimeType, "multipart/mixed")
	for _, h := range msg.Payload.Headers {
		switch h.Name {
		case "From":
			meta.FromName, meta.FromEmail = parseAddress(h.Value)
		case "Subject":
			meta.Subject = h.Value
		case "Date":
			if meta.Date.IsZero() {
				if t, err := mail.ParseDate(h.Value); err == nil {
					meta.Date = t.UTC()
				}
			}
		}
	}
	return meta
}

// parseAddress splits a From header into display name and lower-cased address.
func parseAddress(s string) (name, email string) {
	addr, err := mail.ParseAddress(s)
	if err != nil {
		s = strings.TrimSpace(s)
		if i := strings.LastIndex(s, "<"); i >= 0 && strings.HasSuffix(s, ">") {
			return strings.Trim(strings.TrimSpace(s[:i]), `"`), strings.ToLower(s[i+1 : len(s)-1])
		}
		return "", strings.ToLower(s)
	}
	return addr.Name, strings.ToLower(addr.Address)
}

func isRateLimited(apiErr *googleapi.Error) bool {
	if apiErr.Code == http.StatusTooManyRequests {
		return true
	}
	if apiErr.Code != http.StatusForbidden {
		return false
	}
	for _, item := range apiErr.Errors {
		switch item.Reason {
		case "rateLimitExceeded", "userRateLimitExceeded", "dailyLimitExceeded":
			return true
		}
	}
	return strings.Contains(strings.ToLower(apiErr.Message), "rate limit")
}

// wrapError maps Gmail and OAuth failures onto ProviderError. A 403 rate
// limit is reported as 429 so the retry policy treats it as retryable.
func wrapError(err error, defaultMsg string) error {
	if err == nil {
		return nil
	}
	var pe *out.ProviderError
	if errors.As(err, &pe) {
		return err
	}

	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		return out.NewProviderError(providerName, out.ProviderErrTokenExpired, "token refresh failed, reconnect the account", err, false)
	}

	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		pe := &out.ProviderError{Provider: providerName, Err: err, StatusCode: apiErr.Code}
		if hint, ok := retry.RetryAfter(err); ok {
			pe.RetryAfter = hint
		}
		switch {
		case isRateLimited(apiErr):
			pe.Code, pe.Message, pe.StatusCode, pe.Retryable = out.ProviderErrRateLimit, "rate limit exceeded", http.StatusTooManyRequests, true
		case apiErr.Code == http.StatusUnauthorized:
			pe.Code, pe.Message = out.ProviderErrTokenExpired, "token expired or revoked"
		case apiErr.Code == http.StatusForbidden:
			pe.Code, pe.Message = out.ProviderErrPermission, "access denied"
		case apiErr.Code == http.StatusNotFound:
			pe.Code, pe.Message = out.ProviderErrNotFound, "not found"
		case apiErr.Code == http.StatusBadRequest:
			pe.Code, pe.Message = out.ProviderErrInvalidInput, "invalid request"
		case apiErr.Code >= 500:
			pe.Code, pe.Message, pe.Retryable = out.ProviderErrServer, "server error", true
		default:
			pe.Code, pe.Message = out.ProviderErrServer, defaultMsg
		}
		return pe
	}

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return &out.ProviderError{
			Provider:   providerName,
			Code:       out.ProviderErrServer,
			Message:    "gmail circuit open",
			StatusCode: http.StatusServiceUnavailable,
			Err:        err,
			Retryable:  true,
		}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return out.NewProviderError(providerName, out.ProviderErrNetwork, defaultMsg, err, retry.IsRetryable(err))
}

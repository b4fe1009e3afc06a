package provider

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/inboxorcist/inboxorcist-sub002/core/port/out"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

func newTestGmail(t *testing.T, handler http.HandlerFunc) *GmailAdapter {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewGmailAdapter(&GmailConfig{
		HTTPClient: srv.Client(),
		Endpoint:   srv.URL + "/",
	}, zerolog.Nop())
}

func testToken() *oauth2.Token {
	return &oauth2.Token{AccessToken: "access", TokenType: "Bearer"}
}

func writeJSON(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}

func TestGmailAdapter_ListMessageIDs(t *testing.T) {
	a := newTestGmail(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/gmail/v1/users/me/messages", r.URL.Path)
		assert.Equal(t, "p1", r.URL.Query().Get("pageToken"))
		assert.Equal(t, "500", r.URL.Query().Get("maxResults"))
		assert.Equal(t, "true", r.URL.Query().Get("includeSpamTrash"))
		assert.Equal(t, "Bearer access", r.Header.Get("Authorization"))
		writeJSON(w, http.StatusOK, `{"messages":[{"id":"m1"},{"id":"m2"}],"nextPageToken":"p2","resultSizeEstimate":1200}`)
	})

	page, err := a.ListMessageIDs(context.Background(), testToken(), "p1", 500)
	require.NoError(t, err)
	assert.Equal(t, []string{"m1", "m2"}, page.IDs)
	assert.Equal(t, "p2", page.NextPageToken)
	assert.Equal(t, 1200, page.ResultSizeEstimate)
}

func TestGmailAdapter_GetMessagesReportsPartialFailures(t *testing.T) {
	a := newTestGmail(t, func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimPrefix(r.URL.Path, "/gmail/v1/users/me/messages/")
		assert.Equal(t, "metadata", r.URL.Query().Get("format"))
		switch id {
		case "gone":
			writeJSON(w, http.StatusNotFound, `{"error":{"code":404,"message":"Requested entity was not found."}}`)
		default:
			writeJSON(w, http.StatusOK, `{
				"id":"`+id+`","threadId":"t-`+id+`","snippet":"hello",
				"labelIds":["INBOX","UNREAD","CATEGORY_PROMOTIONS"],
				"sizeEstimate":2048,"internalDate":"1700000000000",
				"payload":{"mimeType":"multipart/mixed","headers":[
					{"name":"From","value":"Shop News <News@Shop.example>"},
					{"name":"Subject","value":"Sale"}
				]}}`)
		}
	})

	batch, err := a.GetMessages(context.Background(), testToken(), []string{"a", "gone", "b"})
	require.NoError(t, err)
	require.Len(t, batch.Messages, 2)
	assert.Equal(t, "a", batch.Messages[0].ID)
	assert.Equal(t, "b", batch.Messages[1].ID)

	m := batch.Messages[0]
	assert.Equal(t, "news@shop.example", m.FromEmail)
	assert.Equal(t, "Shop News", m.FromName)
	assert.Equal(t, "Sale", m.Subject)
	assert.Equal(t, "promotions", m.Category)
	assert.True(t, m.IsUnread)
	assert.True(t, m.HasAttachments)
	assert.Equal(t, int64(2048), m.SizeBytes)
	assert.Equal(t, time.UnixMilli(1700000000000).UTC(), m.Date)

	require.Contains(t, batch.Failed, "gone")
	assert.Equal(t, out.ProviderErrNotFound, out.ProviderErrorCodeOf(batch.Failed["gone"]))
}

func TestGmailAdapter_GetMessagesAllFailed(t *testing.T) {
	a := newTestGmail(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusUnauthorized, `{"error":{"code":401,"message":"Invalid Credentials"}}`)
	})

	batch, err := a.GetMessages(context.Background(), testToken(), []string{"a", "b"})
	require.NoError(t, err)
	assert.Empty(t, batch.Messages)
	require.Len(t, batch.Failed, 2)
	assert.Equal(t, out.ProviderErrTokenExpired, out.ProviderErrorCodeOf(batch.Failed["a"]))
}

func TestGmailAdapter_GetMessagesAllDeleted(t *testing.T) {
	a := newTestGmail(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, `{"error":{"code":404,"message":"Requested entity was not found."}}`)
	})

	batch, err := a.GetMessages(context.Background(), testToken(), []string{"gone-1", "gone-2"})
	require.NoError(t, err)
	assert.Empty(t, batch.Messages)
	require.Len(t, batch.Failed, 2)
	for id, ferr := range batch.Failed {
		assert.Equal(t, out.ProviderErrNotFound, out.ProviderErrorCodeOf(ferr), id)
	}
}

func TestGmailAdapter_ProfileCalls(t *testing.T) {
	a := newTestGmail(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/gmail/v1/users/me/profile", r.URL.Path)
		writeJSON(w, http.StatusOK, `{"emailAddress":"me@example.com","messagesTotal":4321,"historyId":"98765"}`)
	})

	count, err := a.GetMessageCount(context.Background(), testToken())
	require.NoError(t, err)
	assert.Equal(t, 4321, count)

	historyID, err := a.GetHistoryID(context.Background(), testToken())
	require.NoError(t, err)
	assert.Equal(t, "98765", historyID)
}

func TestGmailAdapter_ListChanges(t *testing.T) {
	a := newTestGmail(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/gmail/v1/users/me/history", r.URL.Path)
		assert.Equal(t, "100", r.URL.Query().Get("startHistoryId"))
		if r.URL.Query().Get("pageToken") == "" {
			writeJSON(w, http.StatusOK, `{"history":[
				{"messagesAdded":[{"message":{"id":"n1"}},{"message":{"id":"n2"}}]},
				{"labelsAdded":[{"message":{"id":"old"}}]}
			],"nextPageToken":"h2","historyId":"150"}`)
			return
		}
		writeJSON(w, http.StatusOK, `{"history":[
			{"messagesDeleted":[{"message":{"id":"n2"}},{"message":{"id":"x9"}}]},
			{"messagesAdded":[{"message":{"id":"n1"}}]}
		],"historyId":"160"}`)
	})

	changes, err := a.ListChanges(context.Background(), testToken(), "100")
	require.NoError(t, err)
	assert.Equal(t, []string{"n1", "old"}, changes.Added)
	sort.Strings(changes.Removed)
	assert.Equal(t, []string{"n2", "x9"}, changes.Removed)
	assert.Equal(t, "160", changes.HistoryID)
}

func TestGmailAdapter_ListChangesExpiredCursor(t *testing.T) {
	a := newTestGmail(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, `{"error":{"code":404,"message":"Requested entity was not found."}}`)
	})

	_, err := a.ListChanges(context.Background(), testToken(), "100")
	assert.Equal(t, out.ProviderErrSyncRequired, out.ProviderErrorCodeOf(err))

	_, err = a.ListChanges(context.Background(), testToken(), "not-a-number")
	assert.Equal(t, out.ProviderErrSyncRequired, out.ProviderErrorCodeOf(err))
}

func TestGmailAdapter_RateLimitNormalizedTo429(t *testing.T) {
	a := newTestGmail(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		writeJSON(w, http.StatusForbidden, `{"error":{"code":403,"message":"User Rate Limit Exceeded",
			"errors":[{"reason":"userRateLimitExceeded","message":"User Rate Limit Exceeded"}]}}`)
	})

	_, err := a.ListMessageIDs(context.Background(), testToken(), "", 100)
	require.Error(t, err)

	var pe *out.ProviderError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, out.ProviderErrRateLimit, pe.Code)
	assert.Equal(t, http.StatusTooManyRequests, pe.HTTPStatus())
	assert.True(t, pe.Retryable)
	hint, ok := pe.RetryAfterHint()
	assert.True(t, ok)
	assert.Equal(t, 7*time.Second, hint)
}

func TestGmailAdapter_PermissionDenied(t *testing.T) {
	a := newTestGmail(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusForbidden, `{"error":{"code":403,"message":"Insufficient Permission",
			"errors":[{"reason":"insufficientPermissions"}]}}`)
	})

	err := a.TrashMessages(context.Background(), testToken(), []string{"a"})
	var pe *out.ProviderError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, out.ProviderErrPermission, pe.Code)
	assert.False(t, pe.Retryable)
}

func TestGmailAdapter_BulkActionsChunk(t *testing.T) {
	var modifyCalls, deleteCalls atomic.Int32
	a := newTestGmail(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		switch r.URL.Path {
		case "/gmail/v1/users/me/messages/batchModify":
			modifyCalls.Add(1)
		case "/gmail/v1/users/me/messages/batchDelete":
			deleteCalls.Add(1)
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.WriteHeader(http.StatusNoContent)
	})

	ids := make([]string, 2500)
	for i := range ids {
		ids[i] = "m"
	}
	require.NoError(t, a.TrashMessages(context.Background(), testToken(), ids))
	require.NoError(t, a.DeleteMessages(context.Background(), testToken(), ids[:10]))
	assert.Equal(t, int32(3), modifyCalls.Load())
	assert.Equal(t, int32(1), deleteCalls.Load())
}

func TestGmailAdapter_CircuitBreaker(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusNotFound)
	a := newTestGmail(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, int(status.Load()), `{"error":{"code":`+strconv.Itoa(int(status.Load()))+`,"message":"x"}}`)
	})
	ctx := context.Background()

	for range 10 {
		_, _ = a.GetMessageCount(ctx, testToken())
	}
	assert.False(t, a.IsCircuitOpen(), "client errors must not trip the breaker")

	status.Store(http.StatusServiceUnavailable)
	for range 6 {
		_, _ = a.GetMessageCount(ctx, testToken())
	}
	assert.True(t, a.IsCircuitOpen())

	_, err := a.GetMessageCount(ctx, testToken())
	var pe *out.ProviderError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, http.StatusServiceUnavailable, pe.HTTPStatus())
	assert.True(t, pe.Retryable)
}

func TestParseAddress(t *testing.T) {
	tests := []struct {
		in, name, email string
	}{
		{"Alice <Alice@Example.com>", "Alice", "alice@example.com"},
		{"bob@example.com", "", "bob@example.com"},
		{`"Broken, Name" <x@y.z`, "", `"broken, name" <x@y.z`},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			name, email := parseAddress(tt.in)
			assert.Equal(t, tt.name, name)
			assert.Equal(t, tt.email, email)
		})
	}
}

// Package realtime fans sync events out to connected SSE clients.
package realtime

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/inboxorcist/inboxorcist-sub002/core/port/out"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
)

// =============================================================================
// SSE Adapter - in-process SyncEventPublisher
// =============================================================================

const subscriberBuffer = 64

// SSEAdapter delivers sync events to subscribers of an account.
type SSEAdapter struct {
	clients map[string]map[chan *out.SyncEvent]struct{} // accountID -> channels
	mu      sync.RWMutex
	log     zerolog.Logger

	messagesSent    atomic.Int64
	messagesDropped atomic.Int64
}

var _ out.SyncEventPublisher = (*SSEAdapter)(nil)

// NewSSEAdapter creates a new SSE adapter.
func NewSSEAdapter(log zerolog.Logger) *SSEAdapter {
	return &SSEAdapter{
		clients: make(map[string]map[chan *out.SyncEvent]struct{}),
		log:     log.With().Str("component", "sse_adapter").Logger(),
	}
}

// Subscribe creates a subscription channel for an account.
func (a *SSEAdapter) Subscribe(accountID string) <-chan *out.SyncEvent {
	a.mu.Lock()
	defer a.mu.Unlock()

	ch := make(chan *out.SyncEvent, subscriberBuffer)
	if a.clients[accountID] == nil {
		a.clients[accountID] = make(map[chan *out.SyncEvent]struct{})
	}
	a.clients[accountID][ch] = struct{}{}

	a.log.Debug().
		Str("account_id", accountID).
		Int("connections", len(a.clients[accountID])).
		Msg("client subscribed")
	return ch
}

// Unsubscribe removes and closes a subscription channel.
func (a *SSEAdapter) Unsubscribe(accountID string, ch <-chan *out.SyncEvent) {
	a.mu.Lock()
	defer a.mu.Unlock()

	channels, ok := a.clients[accountID]
	if !ok {
		return
	}
	for c := range channels {
		if c == ch {
			delete(channels, c)
			close(c)
			break
		}
	}
	if len(channels) == 0 {
		delete(a.clients, accountID)
	}
}

// Publish sends the event to every subscriber of its account. Slow
// subscribers lose events instead of blocking the sync worker.
func (a *SSEAdapter) Publish(_ context.Context, event *out.SyncEvent) error {
	a.mu.RLock()
	defer a.mu.RUnlock()

	for ch := range a.clients[event.AccountID] {
		select {
		case ch <- event:
			a.messagesSent.Add(1)
		default:
			a.messagesDropped.Add(1)
			a.log.Warn().
				Str("account_id", event.AccountID).
				Str("event_type", string(event.Type)).
				Msg("dropped event due to full buffer")
		}
	}
	return nil
}

// Subscribers returns the number of open subscriptions for an account.
func (a *SSEAdapter) Subscribers(accountID string) int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.clients[accountID])
}

// GetMetrics returns adapter metrics.
func (a *SSEAdapter) GetMetrics() SSEMetrics {
	a.mu.RLock()
	total := 0
	for _, channels := range a.clients {
		total += len(channels)
	}
	accounts := len(a.clients)
	a.mu.RUnlock()

	return SSEMetrics{
		Accounts:         accounts,
		TotalConnections: total,
		MessagesSent:     a.messagesSent.Load(),
		MessagesDropped:  a.messagesDropped.Load(),
	}
}

// SSEMetrics holds SSE adapter metrics.
type SSEMetrics struct {
	Accounts         int   `json:"accounts"`
	TotalConnections int   `json:"total_connections"`
	MessagesSent     int64 `json:"messages_sent"`
	MessagesDropped  int64 `json:"messages_dropped"`
}

// HeartbeatInterval is how often idle SSE streams send a comment line.
const HeartbeatInterval = 30 * time.Second

// SerializeEvent converts an event to the SSE data payload.
func SerializeEvent(event *out.SyncEvent) ([]byte, error) {
	return json.Marshal(event)
}

package messaging

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/inboxorcist/inboxorcist-sub002/core/port/out"

	"github.com/goccy/go-json"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

const (
	SyncEventsStream  = "SYNC_EVENTS"
	syncSubjectPrefix = "sync"
)

// NATSPublisher publishes sync lifecycle events to JetStream under
// sync.<account>.<event>.
type NATSPublisher struct {
	nc  *nats.Conn
	js  nats.JetStreamContext
	log zerolog.Logger
}

var _ out.SyncEventPublisher = (*NATSPublisher)(nil)

// NewNATSPublisher connects and makes sure the SYNC_EVENTS stream exists.
func NewNATSPublisher(url string, log zerolog.Logger) (*NATSPublisher, error) {
	nc, err := nats.Connect(url,
		nats.Name("inboxorcist-sync"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream context: %w", err)
	}

	p := &NATSPublisher{
		nc:  nc,
		js:  js,
		log: log.With().Str("component", "nats_publisher").Logger(),
	}
	if err := p.ensureStream(); err != nil {
		nc.Close()
		return nil, err
	}
	return p, nil
}

func (p *NATSPublisher) ensureStream() error {
	if info, err := p.js.StreamInfo(SyncEventsStream); err == nil && info != nil {
		return nil
	}

	_, err := p.js.AddStream(&nats.StreamConfig{
		Name:       SyncEventsStream,
		Subjects:   []string{syncSubjectPrefix + ".*.>"},
		Storage:    nats.FileStorage,
		Retention:  nats.LimitsPolicy,
		Duplicates: 2 * time.Minute,
		MaxAge:     24 * time.Hour,
	})
	if err != nil && !errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
		return fmt.Errorf("create stream %s: %w", SyncEventsStream, err)
	}
	return nil
}

// Publish sends the event. The message ID makes redelivered progress events
// idempotent within the stream's duplicate window.
func (p *NATSPublisher) Publish(ctx context.Context, event *out.SyncEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode sync event: %w", err)
	}

	_, err = p.js.Publish(SyncSubject(event.AccountID, event.Type), data,
		nats.MsgId(syncEventMsgID(event)),
		nats.Context(ctx),
	)
	if err != nil {
		return fmt.Errorf("publish sync event: %w", err)
	}
	return nil
}

// Ping reports whether the connection is up and round-trips a flush.
func (p *NATSPublisher) Ping(ctx context.Context) error {
	if !p.nc.IsConnected() {
		return fmt.Errorf("nats %s", p.nc.Status())
	}
	return p.nc.FlushWithContext(ctx)
}

func (p *NATSPublisher) Close() {
	if p.nc != nil {
		if err := p.nc.Drain(); err != nil {
			p.log.Warn().Err(err).Msg("drain nats connection")
		}
	}
}

// SyncSubject returns the subject for an account's event type.
func SyncSubject(accountID string, eventType out.SyncEventType) string {
	return syncSubjectPrefix + "." + accountID + "." + string(eventType)
}

func syncEventMsgID(e *out.SyncEvent) string {
	return e.AccountID + ":" + e.JobID + ":" + string(e.Type) + ":" +
		strconv.Itoa(e.Processed) + ":" + strconv.FormatInt(e.At.UnixMilli(), 10)
}

// NopPublisher drops every event. Used when no broker is configured.
type NopPublisher struct{}

var _ out.SyncEventPublisher = NopPublisher{}

func (NopPublisher) Publish(context.Context, *out.SyncEvent) error { return nil }

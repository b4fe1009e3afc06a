package http

import (
	"bufio"
	"slices"
	"time"

	"github.com/inboxorcist/inboxorcist-sub002/adapter/out/realtime"
	"github.com/inboxorcist/inboxorcist-sub002/core/port/out"
	"github.com/inboxorcist/inboxorcist-sub002/pkg/response"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
)

// =============================================================================
// SSE Handler - live sync events per account
// =============================================================================

// EventHub is the subscriber side of the in-process event fan-out.
type EventHub interface {
	Subscribe(accountID string) <-chan *out.SyncEvent
	Unsubscribe(accountID string, ch <-chan *out.SyncEvent)
	GetMetrics() realtime.SSEMetrics
}

// SSEHandler streams sync events as Server-Sent Events.
type SSEHandler struct {
	hub       EventHub
	heartbeat time.Duration
	log       zerolog.Logger
}

func NewSSEHandler(hub EventHub, log zerolog.Logger) *SSEHandler {
	return &SSEHandler{
		hub:       hub,
		heartbeat: realtime.HeartbeatInterval,
		log:       log.With().Str("handler", "sse").Logger(),
	}
}

// Register mounts the stream; guards run before it, as on the sync routes.
func (h *SSEHandler) Register(router fiber.Router, guards ...fiber.Handler) {
	router.Get("/accounts/:id/sync/events", append(slices.Clone(guards), h.Stream)...)
	router.Get("/events/status", h.Status)
}

// Stream holds the connection open and writes one SSE frame per event.
func (h *SSEHandler) Stream(c *fiber.Ctx) error {
	accountID := c.Params("id")
	events := h.hub.Subscribe(accountID)

	h.log.Info().Str("account_id", accountID).Msg("SSE client connected")

	c.Set("Content-Type", "text/event-stream")
	c.Set("Cache-Control", "no-cache")
	c.Set("Connection", "keep-alive")
	c.Set("Transfer-Encoding", "chunked")
	c.Set("X-Accel-Buffering", "no")

	c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
		ticker := time.NewTicker(h.heartbeat)
		defer ticker.Stop()
		defer func() {
			h.hub.Unsubscribe(accountID, events)
			h.log.Info().Str("account_id", accountID).Msg("SSE client disconnected")
		}()

		w.WriteString("event: connected\n")
		w.WriteString("data: {\"status\":\"connected\"}\n\n")
		if err := w.Flush(); err != nil {
			return
		}

		for {
			select {
			case event, ok := <-events:
				if !ok {
					return
				}
				data, err := realtime.SerializeEvent(event)
				if err != nil {
					h.log.Error().Err(err).Msg("failed to serialize event")
					continue
				}

				w.WriteString("event: ")
				w.WriteString(string(event.Type))
				w.WriteString("\n")
				w.WriteString("data: ")
				w.Write(data)
				w.WriteString("\n\n")

				if err := w.Flush(); err != nil {
					h.log.Debug().Err(err).Msg("client disconnected during write")
					return
				}

			case <-ticker.C:
				w.WriteString(": heartbeat\n\n")
				if err := w.Flush(); err != nil {
					h.log.Debug().Err(err).Msg("client disconnected during heartbeat")
					return
				}
			}
		}
	})

	return nil
}

// Status reports connection counters.
func (h *SSEHandler) Status(c *fiber.Ctx) error {
	return response.OK(c, h.hub.GetMetrics())
}

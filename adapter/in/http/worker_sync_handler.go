// Package http exposes the sync API over fiber.
package http

import (
	"context"
	"slices"

	"github.com/inboxorcist/inboxorcist-sub002/core/domain"
	"github.com/inboxorcist/inboxorcist-sub002/core/port/in"
	"github.com/inboxorcist/inboxorcist-sub002/core/port/out"
	"github.com/inboxorcist/inboxorcist-sub002/pkg/apperr"
	"github.com/inboxorcist/inboxorcist-sub002/pkg/response"

	"github.com/gofiber/fiber/v2"
)

// maxBulkIDs caps message_ids per bulk request.
const maxBulkIDs = 10000

// QueueStatusReader is the part of the job queue the API reports on.
type QueueStatusReader interface {
	Status(ctx context.Context) (out.QueueStatus, error)
}

// SyncHandler serves the account sync routes.
type SyncHandler struct {
	sync  in.SyncService
	queue QueueStatusReader

	guards   []fiber.Handler // every account route
	throttle []fiber.Handler // routes that start upstream work
}

func NewSyncHandler(sync in.SyncService, queue QueueStatusReader) *SyncHandler {
	return &SyncHandler{sync: sync, queue: queue}
}

// WithGuards runs mw before every /accounts/:id route.
func (h *SyncHandler) WithGuards(mw ...fiber.Handler) *SyncHandler {
	h.guards = append(h.guards, mw...)
	return h
}

// WithThrottle runs mw before the routes that enqueue or call the provider.
func (h *SyncHandler) WithThrottle(mw ...fiber.Handler) *SyncHandler {
	h.throttle = append(h.throttle, mw...)
	return h
}

// Register mounts the routes under /api/v1.
func (h *SyncHandler) Register(router fiber.Router) {
	accounts := router.Group("/accounts/:id")
	accounts.Post("/sync", h.chain(true, h.StartSync)...)
	accounts.Get("/sync", h.chain(false, h.GetProgress)...)
	accounts.Delete("/sync", h.chain(false, h.CancelSync)...)
	accounts.Post("/sync/resume", h.chain(true, h.ResumeSync)...)
	accounts.Post("/sync/delta", h.chain(true, h.DeltaSync)...)
	accounts.Post("/connected", h.chain(false, h.Connected)...)
	accounts.Post("/messages/trash", h.chain(true, h.bulk(domain.JobTypeBulkTrash))...)
	accounts.Post("/messages/delete", h.chain(true, h.bulk(domain.JobTypeBulkDelete))...)

	router.Get("/queue/status", h.QueueStatus)
}

func (h *SyncHandler) chain(throttled bool, final fiber.Handler) []fiber.Handler {
	handlers := slices.Clone(h.guards)
	if throttled {
		handlers = append(handlers, h.throttle...)
	}
	return append(handlers, final)
}

type startSyncRequest struct {
	TotalMessages int `json:"total_messages"`
}

type bulkRequest struct {
	MessageIDs []string `json:"message_ids"`
}

// StartSync starts a full sync, or returns the one already active.
func (h *SyncHandler) StartSync(c *fiber.Ctx) error {
	var req startSyncRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return apperr.BadRequest("invalid request body")
		}
	}
	if req.TotalMessages < 0 {
		return apperr.InvalidInput("total_messages", "must not be negative")
	}

	job, err := h.sync.StartMetadataSync(c.UserContext(), c.Params("id"), req.TotalMessages)
	if err != nil {
		return err
	}
	return response.Accepted(c, job)
}

func (h *SyncHandler) GetProgress(c *fiber.Ctx) error {
	progress, err := h.sync.GetSyncProgress(c.UserContext(), c.Params("id"))
	if err != nil {
		return err
	}
	return response.OK(c, progress)
}

func (h *SyncHandler) CancelSync(c *fiber.Ctx) error {
	cancelled, err := h.sync.CancelMetadataSync(c.UserContext(), c.Params("id"))
	if err != nil {
		return err
	}
	return response.OK(c, fiber.Map{"cancelled": cancelled})
}

// ResumeSync answers 409 when the latest job is not failed or paused.
func (h *SyncHandler) ResumeSync(c *fiber.Ctx) error {
	accountID := c.Params("id")
	job, err := h.sync.ResumeMetadataSync(c.UserContext(), accountID)
	if err != nil {
		return err
	}
	if job == nil {
		status := "none"
		if progress, err := h.sync.GetSyncProgress(c.UserContext(), accountID); err == nil && progress.Job != nil {
			status = string(progress.Job.Status)
		}
		return apperr.SyncNotResumable(status)
	}
	return response.Accepted(c, job)
}

// DeltaSync reports either the delta result or the fallback full-sync job.
func (h *SyncHandler) DeltaSync(c *fiber.Ctx) error {
	outcome, err := h.sync.StartDeltaSync(c.UserContext(), c.Params("id"))
	if err != nil {
		return err
	}
	if outcome.Type == in.OutcomeFull {
		return response.Accepted(c, outcome)
	}
	return response.OK(c, outcome)
}

// Connected is called once OAuth completes for an account.
func (h *SyncHandler) Connected(c *fiber.Ctx) error {
	job, err := h.sync.OnAccountConnected(c.UserContext(), c.Params("id"))
	if err != nil {
		return err
	}
	return response.Accepted(c, job)
}

func (h *SyncHandler) bulk(jobType domain.JobType) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var req bulkRequest
		if err := c.BodyParser(&req); err != nil {
			return apperr.BadRequest("invalid request body")
		}
		if len(req.MessageIDs) == 0 {
			return apperr.MissingField("message_ids")
		}
		if len(req.MessageIDs) > maxBulkIDs {
			return apperr.InvalidInput("message_ids", "too many ids in one request")
		}

		job, err := h.sync.StartBulkAction(c.UserContext(), c.Params("id"), jobType, req.MessageIDs)
		if err != nil {
			return err
		}
		return response.Accepted(c, job)
	}
}

func (h *SyncHandler) QueueStatus(c *fiber.Ctx) error {
	status, err := h.queue.Status(c.UserContext())
	if err != nil {
		return apperr.QueueError("status", err)
	}
	return response.OK(c, status)
}

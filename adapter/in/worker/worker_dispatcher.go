package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/inboxorcist/inboxorcist-sub002/core/domain"
	"github.com/inboxorcist/inboxorcist-sub002/core/port/out"
	"github.com/inboxorcist/inboxorcist-sub002/pkg/logger"
	"github.com/inboxorcist/inboxorcist-sub002/pkg/metrics"

	"github.com/goccy/go-json"
)

// JobHandlers executes each job type.
type JobHandlers interface {
	HandleFullSync(ctx context.Context, payload domain.SyncJobPayload) error
	HandleBulkAction(ctx context.Context, payload domain.BulkActionPayload, finalAttempt bool) error
}

// Handler routes queued envelopes to the sync service.
type Handler struct {
	jobs    JobHandlers
	metrics *metrics.JobMetrics
}

func NewHandler(jobs JobHandlers) *Handler {
	return &Handler{jobs: jobs}
}

// WithMetrics records duration and outcome of every processed job.
func (h *Handler) WithMetrics(m *metrics.JobMetrics) *Handler {
	h.metrics = m
	return h
}

// Register binds the handler to every job type on the queue.
func (h *Handler) Register(queue out.JobQueue) error {
	for _, t := range domain.JobTypes {
		if err := queue.Process(string(t), h.Process); err != nil {
			return fmt.Errorf("register %s handler: %w", t, err)
		}
	}
	return nil
}

func (h *Handler) Process(ctx context.Context, job *out.QueuedJob) error {
	logger.Debug("Processing job %s: %s (attempt %d/%d)", job.ID, job.Type, job.Attempt, job.MaxAttempts)

	start := time.Now()
	err := h.dispatch(ctx, job)
	if h.metrics != nil {
		h.metrics.Observe(job.Type, time.Since(start), err)
	}
	return err
}

func (h *Handler) dispatch(ctx context.Context, job *out.QueuedJob) error {
	switch jobType := domain.JobType(job.Type); jobType {
	case domain.JobTypeFullSync:
		payload, err := ParsePayload[domain.SyncJobPayload](job)
		if err != nil {
			return err
		}
		return h.jobs.HandleFullSync(ctx, *payload)

	case domain.JobTypeBulkDelete, domain.JobTypeBulkTrash:
		payload, err := ParsePayload[domain.BulkActionPayload](job)
		if err != nil {
			return err
		}
		payload.Type = jobType
		return h.jobs.HandleBulkAction(ctx, *payload, job.Attempt >= job.MaxAttempts)

	default:
		logger.Warn("Unknown job type: %s", job.Type)
		return fmt.Errorf("%w: %s", domain.ErrUnknownJobType, job.Type)
	}
}

// ParsePayload decodes an envelope payload into T.
func ParsePayload[T any](job *out.QueuedJob) (*T, error) {
	var payload T
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", job.Type, err)
	}
	return &payload, nil
}

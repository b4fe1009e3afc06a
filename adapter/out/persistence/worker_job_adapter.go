package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/inboxorcist/inboxorcist-sub002/core/domain"
	"github.com/inboxorcist/inboxorcist-sub002/core/port/out"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// =============================================================================
// JobAdapter - sync_jobs table
// =============================================================================

// oneRunningFullSync is the partial unique index that backs single-flight.
const oneRunningFullSync = "sync_jobs_one_running_full_sync"

type JobAdapter struct {
	db *sqlx.DB
}

var _ out.JobRepository = (*JobAdapter)(nil)

func NewJobAdapter(db *sqlx.DB) *JobAdapter {
	return &JobAdapter{db: db}
}

// =============================================================================
// Entity
// =============================================================================

type jobEntity struct {
	ID                string         `db:"id"`
	AccountID         string         `db:"account_id"`
	Type              string         `db:"type"`
	Status            string         `db:"status"`
	TotalMessages     int            `db:"total_messages"`
	ProcessedMessages int            `db:"processed_messages"`
	PageToken         sql.NullString `db:"page_token"`
	MessageIDs        pq.StringArray `db:"message_ids"`
	RetryCount        int            `db:"retry_count"`
	LastError         sql.NullString `db:"last_error"`
	Retryable         bool           `db:"retryable"`
	NextRetryAt       sql.NullTime   `db:"next_retry_at"`
	ProcessedAtResume int            `db:"processed_at_resume"`
	CreatedAt         time.Time      `db:"created_at"`
	StartedAt         sql.NullTime   `db:"started_at"`
	ResumedAt         sql.NullTime   `db:"resumed_at"`
	CompletedAt       sql.NullTime   `db:"completed_at"`
	UpdatedAt         time.Time      `db:"updated_at"`
}

const jobColumns = `id, account_id, type, status, total_messages, processed_messages, page_token,
	message_ids, retry_count, last_error, retryable, next_retry_at, processed_at_resume,
	created_at, started_at, resumed_at, completed_at, updated_at`

func (e *jobEntity) toDomain() *domain.Job {
	job := &domain.Job{
		ID:                e.ID,
		AccountID:         e.AccountID,
		Type:              domain.JobType(e.Type),
		Status:            domain.JobStatus(e.Status),
		TotalMessages:     e.TotalMessages,
		ProcessedMessages: e.ProcessedMessages,
		PageToken:         e.PageToken.String,
		MessageIDs:        []string(e.MessageIDs),
		RetryCount:        e.RetryCount,
		LastError:         e.LastError.String,
		Retryable:         e.Retryable,
		ProcessedAtResume: e.ProcessedAtResume,
		CreatedAt:         e.CreatedAt,
		UpdatedAt:         e.UpdatedAt,
	}
	job.NextRetryAt = fromNullTime(e.NextRetryAt)
	job.StartedAt = fromNullTime(e.StartedAt)
	job.ResumedAt = fromNullTime(e.ResumedAt)
	job.CompletedAt = fromNullTime(e.CompletedAt)
	return job
}

func fromNullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func toNullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func toNullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func (a *JobAdapter) getOne(ctx context.Context, query string, args ...any) (*domain.Job, error) {
	var e jobEntity
	if err := a.db.GetContext(ctx, &e, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return e.toDomain(), nil
}

func (a *JobAdapter) getMany(ctx context.Context, query string, args ...any) ([]*domain.Job, error) {
	var entities []jobEntity
	if err := a.db.SelectContext(ctx, &entities, query, args...); err != nil {
		return nil, err
	}
	jobs := make([]*domain.Job, len(entities))
	for i := range entities {
		jobs[i] = entities[i].toDomain()
	}
	return jobs, nil
}

// =============================================================================
// Reads
// =============================================================================

func (a *JobAdapter) GetByID(ctx context.Context, id string) (*domain.Job, error) {
	return a.getOne(ctx, `SELECT `+jobColumns+` FROM sync_jobs WHERE id = $1`, id)
}

func (a *JobAdapter) GetStatus(ctx context.Context, id string) (domain.JobStatus, error) {
	var status string
	err := a.db.GetContext(ctx, &status, `SELECT status FROM sync_jobs WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", domain.ErrJobNotFound
	}
	return domain.JobStatus(status), err
}

func (a *JobAdapter) GetActiveByAccount(ctx context.Context, accountID string, jobType domain.JobType) (*domain.Job, error) {
	return a.getOne(ctx, `
		SELECT `+jobColumns+` FROM sync_jobs
		WHERE account_id = $1 AND type = $2 AND status IN ('pending', 'running')
		ORDER BY created_at DESC
		LIMIT 1`, accountID, string(jobType))
}

func (a *JobAdapter) GetLatestByAccount(ctx context.Context, accountID string, jobType domain.JobType) (*domain.Job, error) {
	return a.getOne(ctx, `
		SELECT `+jobColumns+` FROM sync_jobs
		WHERE account_id = $1 AND type = $2
		ORDER BY created_at DESC
		LIMIT 1`, accountID, string(jobType))
}

func (a *JobAdapter) HasRunning(ctx context.Context, accountID string, jobType domain.JobType, excludeID string) (bool, error) {
	var exists bool
	err := a.db.GetContext(ctx, &exists, `
		SELECT EXISTS (
			SELECT 1 FROM sync_jobs
			WHERE account_id = $1 AND type = $2 AND status = 'running' AND id <> $3
		)`, accountID, string(jobType), excludeID)
	return exists, err
}

func (a *JobAdapter) ListByStatuses(ctx context.Context, jobType domain.JobType, statuses []domain.JobStatus) ([]*domain.Job, error) {
	names := make([]string, len(statuses))
	for i, s := range statuses {
		names[i] = string(s)
	}
	return a.getMany(ctx, `
		SELECT `+jobColumns+` FROM sync_jobs
		WHERE type = $1 AND status = ANY($2)
		ORDER BY created_at DESC`, string(jobType), pq.Array(names))
}

func (a *JobAdapter) ListDueRetries(ctx context.Context, now time.Time, limit int) ([]*domain.Job, error) {
	return a.getMany(ctx, `
		SELECT `+jobColumns+` FROM sync_jobs
		WHERE status = 'pending' AND next_retry_at IS NOT NULL AND next_retry_at <= $1
		ORDER BY next_retry_at
		LIMIT $2`, now, limit)
}

// =============================================================================
// Writes
// =============================================================================

func (a *JobAdapter) Create(ctx context.Context, job *domain.Job) error {
	_, err := a.db.ExecContext(ctx, `
		INSERT INTO sync_jobs (
			id, account_id, type, status, total_messages, processed_messages, page_token,
			message_ids, retry_count, last_error, retryable, next_retry_at, processed_at_resume,
			created_at, started_at, resumed_at, completed_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`,
		job.ID, job.AccountID, string(job.Type), string(job.Status),
		job.TotalMessages, job.ProcessedMessages, toNullString(job.PageToken),
		pq.StringArray(job.MessageIDs), job.RetryCount, toNullString(job.LastError), job.Retryable, toNullTime(job.NextRetryAt),
		job.ProcessedAtResume, job.CreatedAt, toNullTime(job.StartedAt), toNullTime(job.ResumedAt),
		toNullTime(job.CompletedAt), job.UpdatedAt,
	)
	if isUniqueViolation(err, "") {
		return fmt.Errorf("%w: job %s", ErrDuplicate, job.ID)
	}
	return err
}

// ClaimRunning flips pending to running in one conditional update.
func (a *JobAdapter) ClaimRunning(ctx context.Context, job *domain.Job) error {
	res, err := a.db.ExecContext(ctx, `
		UPDATE sync_jobs SET
			status = 'running',
			started_at = $2,
			resumed_at = $3,
			processed_messages = $4,
			processed_at_resume = $5,
			next_retry_at = NULL,
			updated_at = $6
		WHERE id = $1 AND status = 'pending'`,
		job.ID, toNullTime(job.StartedAt), toNullTime(job.ResumedAt),
		job.ProcessedMessages, job.ProcessedAtResume, job.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err, oneRunningFullSync) {
			return domain.ErrSyncAlreadyRunning
		}
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.ErrJobNotPending
	}
	job.Status = domain.JobStatusRunning
	job.NextRetryAt = nil
	return nil
}

// SaveCheckpoint writes the progress counters and the cursor of a running job.
func (a *JobAdapter) SaveCheckpoint(ctx context.Context, job *domain.Job) error {
	_, err := a.db.ExecContext(ctx, `
		UPDATE sync_jobs SET
			total_messages = $2,
			processed_messages = $3,
			page_token = $4,
			updated_at = NOW()
		WHERE id = $1`, job.ID, job.TotalMessages, job.ProcessedMessages, toNullString(job.PageToken))
	return err
}

const updateJob = `
		UPDATE sync_jobs SET
			status = $2,
			total_messages = $3,
			processed_messages = $4,
			page_token = $5,
			retry_count = $6,
			last_error = $7,
			retryable = $8,
			next_retry_at = $9,
			processed_at_resume = $10,
			started_at = $11,
			resumed_at = $12,
			completed_at = $13,
			updated_at = $14
		WHERE id = $1`

func updateJobArgs(job *domain.Job) []any {
	return []any{
		job.ID, string(job.Status), job.TotalMessages, job.ProcessedMessages,
		toNullString(job.PageToken), job.RetryCount, toNullString(job.LastError), job.Retryable,
		toNullTime(job.NextRetryAt), job.ProcessedAtResume, toNullTime(job.StartedAt),
		toNullTime(job.ResumedAt), toNullTime(job.CompletedAt), job.UpdatedAt,
	}
}

func (a *JobAdapter) Update(ctx context.Context, job *domain.Job) error {
	res, err := a.db.ExecContext(ctx, updateJob, updateJobArgs(job)...)
	if err != nil {
		if isUniqueViolation(err, oneRunningFullSync) {
			return domain.ErrSyncAlreadyRunning
		}
		return err
	}
	return requireRow(res, domain.ErrJobNotFound)
}

// UpdateUnlessCancelled is Update guarded on the stored status. It reports
// false when the row was cancelled (or removed) in the meantime.
func (a *JobAdapter) UpdateUnlessCancelled(ctx context.Context, job *domain.Job) (bool, error) {
	res, err := a.db.ExecContext(ctx, updateJob+` AND status <> 'cancelled'`, updateJobArgs(job)...)
	if err != nil {
		if isUniqueViolation(err, oneRunningFullSync) {
			return false, domain.ErrSyncAlreadyRunning
		}
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// UpdateStatus sets status and last error; terminal statuses stamp completed_at.
func (a *JobAdapter) UpdateStatus(ctx context.Context, id string, status domain.JobStatus, lastError string) error {
	res, err := a.db.ExecContext(ctx, `
		UPDATE sync_jobs SET
			status = $2,
			last_error = $3,
			completed_at = CASE WHEN $2 IN ('completed', 'failed', 'cancelled') THEN NOW() ELSE completed_at END,
			updated_at = NOW()
		WHERE id = $1`, id, string(status), toNullString(lastError))
	if err != nil {
		return err
	}
	return requireRow(res, domain.ErrJobNotFound)
}

func (a *JobAdapter) ClearRetrySchedule(ctx context.Context, id string) error {
	_, err := a.db.ExecContext(ctx, `UPDATE sync_jobs SET next_retry_at = NULL, updated_at = NOW() WHERE id = $1`, id)
	return err
}

func requireRow(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}

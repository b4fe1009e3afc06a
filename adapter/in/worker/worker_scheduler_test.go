package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/inboxorcist/inboxorcist-sub002/core/domain"
	"github.com/inboxorcist/inboxorcist-sub002/core/port/in"
	"github.com/inboxorcist/inboxorcist-sub002/core/port/out"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Fakes
// =============================================================================

type stubAccountRepo struct {
	out.AccountRepository
	eligible []*domain.Account
	listErr  error
}

func (r *stubAccountRepo) ListEligibleForDeltaSync(context.Context) ([]*domain.Account, error) {
	return r.eligible, r.listErr
}

type stubJobRepo struct {
	out.JobRepository

	mu       sync.Mutex
	running  map[string]bool
	due      []*domain.Job
	cleared  []string
	statuses map[string]domain.JobStatus
	errors   map[string]string
}

func newStubJobRepo() *stubJobRepo {
	return &stubJobRepo{
		running:  map[string]bool{},
		statuses: map[string]domain.JobStatus{},
		errors:   map[string]string{},
	}
}

func (r *stubJobRepo) HasRunning(_ context.Context, accountID string, _ domain.JobType, _ string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running[accountID], nil
}

func (r *stubJobRepo) ListDueRetries(_ context.Context, now time.Time, _ int) ([]*domain.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var due []*domain.Job
	for _, j := range r.due {
		if j.NextRetryAt != nil && !j.NextRetryAt.After(now) {
			due = append(due, j)
		}
	}
	return due, nil
}

func (r *stubJobRepo) ClearRetrySchedule(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cleared = append(r.cleared, id)
	for _, j := range r.due {
		if j.ID == id {
			j.NextRetryAt = nil
		}
	}
	return nil
}

func (r *stubJobRepo) UpdateStatus(_ context.Context, id string, status domain.JobStatus, lastError string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses[id] = status
	r.errors[id] = lastError
	return nil
}

type stubRunner struct {
	mu        sync.Mutex
	calls     []string
	deadlines []bool
	outcomes  map[string]*in.DeltaOutcome
	errs      map[string]error
}

func (r *stubRunner) StartDeltaSync(ctx context.Context, accountID string) (*in.DeltaOutcome, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, accountID)
	_, hasDeadline := ctx.Deadline()
	r.deadlines = append(r.deadlines, hasDeadline)
	if err := r.errs[accountID]; err != nil {
		return nil, err
	}
	if o := r.outcomes[accountID]; o != nil {
		return o, nil
	}
	return &in.DeltaOutcome{Type: in.OutcomeDelta, Result: &in.DeltaResult{}}, nil
}

func (r *stubRunner) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

type stubEnqueuer struct {
	mu     sync.Mutex
	queued []string
	err    error
}

func (e *stubEnqueuer) Enqueue(_ context.Context, job *domain.Job) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err != nil {
		return e.err
	}
	e.queued = append(e.queued, job.ID)
	return nil
}

// =============================================================================
// DeltaSyncScheduler
// =============================================================================

func TestDeltaSyncScheduler_RunPass(t *testing.T) {
	accounts := &stubAccountRepo{eligible: []*domain.Account{
		{ID: "ok"}, {ID: "busy"}, {ID: "broken"}, {ID: "expired"}, {ID: "after-failure"},
	}}
	jobs := newStubJobRepo()
	jobs.running["busy"] = true
	runner := &stubRunner{
		errs: map[string]error{"broken": errors.New("upstream down")},
		outcomes: map[string]*in.DeltaOutcome{
			"expired": {Type: in.OutcomeFull, Job: &domain.Job{ID: "job-full"}},
		},
	}

	s := NewDeltaSyncScheduler(accounts, jobs, runner, DeltaSchedulerConfig{})
	res := s.runPass(context.Background())

	assert.Equal(t, PassResult{Synced: 2, Fallback: 1, Skipped: 1, Failed: 1}, res)
	assert.Equal(t, []string{"ok", "broken", "expired", "after-failure"}, runner.calls)
}

func TestDeltaSyncScheduler_ListFailure(t *testing.T) {
	accounts := &stubAccountRepo{listErr: errors.New("db down")}
	runner := &stubRunner{}

	s := NewDeltaSyncScheduler(accounts, newStubJobRepo(), runner, DeltaSchedulerConfig{})
	assert.Equal(t, PassResult{}, s.runPass(context.Background()))
	assert.Zero(t, runner.callCount())
}

func TestDeltaSyncScheduler_AccountTimeout(t *testing.T) {
	tests := []struct {
		name    string
		timeout time.Duration
		want    bool
	}{
		{"zero disables the deadline", 0, false},
		{"explicit timeout", time.Minute, true},
		{"negative uses the default", -1, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			accounts := &stubAccountRepo{eligible: []*domain.Account{{ID: "a"}}}
			runner := &stubRunner{}

			s := NewDeltaSyncScheduler(accounts, newStubJobRepo(), runner, DeltaSchedulerConfig{AccountTimeout: tt.timeout})
			s.runPass(context.Background())

			require.Len(t, runner.deadlines, 1)
			assert.Equal(t, tt.want, runner.deadlines[0])
		})
	}
}

func TestDeltaSyncScheduler_StartStop(t *testing.T) {
	accounts := &stubAccountRepo{eligible: []*domain.Account{{ID: "a"}}}
	runner := &stubRunner{}

	s := NewDeltaSyncScheduler(accounts, newStubJobRepo(), runner, DeltaSchedulerConfig{
		Interval:     10 * time.Millisecond,
		InitialDelay: 0,
	})
	assert.False(t, s.IsRunning())

	s.Start(context.Background())
	s.Start(context.Background())
	assert.True(t, s.IsRunning())

	require.Eventually(t, func() bool { return runner.callCount() >= 2 }, time.Second, 5*time.Millisecond)

	s.Stop()
	assert.False(t, s.IsRunning())
	calls := runner.callCount()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, calls, runner.callCount(), "no passes after Stop")

	s.Stop()
}

// =============================================================================
// SyncRetryScheduler
// =============================================================================

func TestSyncRetryScheduler_RequeuesDueJobs(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	past, future := now.Add(-time.Minute), now.Add(time.Minute)

	jobs := newStubJobRepo()
	jobs.due = []*domain.Job{
		{ID: "due", AccountID: "a", NextRetryAt: &past, RetryCount: 1},
		{ID: "later", AccountID: "b", NextRetryAt: &future},
	}
	enq := &stubEnqueuer{}

	s := NewSyncRetryScheduler(jobs, enq, time.Minute)
	s.now = func() time.Time { return now }

	assert.Equal(t, 1, s.processDueRetries(context.Background()))
	assert.Equal(t, []string{"due"}, enq.queued)
	assert.Equal(t, []string{"due"}, jobs.cleared)

	// the cleared job is not picked up twice
	assert.Zero(t, s.processDueRetries(context.Background()))
}

func TestSyncRetryScheduler_EnqueueFailureMarksFailed(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Second)

	jobs := newStubJobRepo()
	jobs.due = []*domain.Job{{ID: "j1", AccountID: "a", NextRetryAt: &past}}
	enq := &stubEnqueuer{err: errors.New("redis down")}

	s := NewSyncRetryScheduler(jobs, enq, time.Minute)
	s.now = func() time.Time { return now }

	assert.Zero(t, s.processDueRetries(context.Background()))
	assert.Equal(t, domain.JobStatusFailed, jobs.statuses["j1"])
	assert.Contains(t, jobs.errors["j1"], "redis down")
}

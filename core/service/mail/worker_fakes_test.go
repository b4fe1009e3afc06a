package mail

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/inboxorcist/inboxorcist-sub002/core/domain"
	"github.com/inboxorcist/inboxorcist-sub002/core/port/out"

	"golang.org/x/oauth2"
)

// =============================================================================
// Job repository
// =============================================================================

type fakeJobRepo struct {
	mu    sync.Mutex
	jobs  map[string]*domain.Job
	order map[string]int
	seq   int

	claimed     []domain.Job
	checkpoints []domain.Job
}

func newFakeJobRepo() *fakeJobRepo {
	return &fakeJobRepo{jobs: map[string]*domain.Job{}, order: map[string]int{}}
}

func (r *fakeJobRepo) put(job *domain.Job) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *job
	if _, ok := r.order[job.ID]; !ok {
		r.seq++
		r.order[job.ID] = r.seq
	}
	r.jobs[job.ID] = &cp
}

func (r *fakeJobRepo) get(id string) *domain.Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	if j, ok := r.jobs[id]; ok {
		cp := *j
		return &cp
	}
	return nil
}

func (r *fakeJobRepo) setStatus(id string, status domain.JobStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs[id].Status = status
}

// newestFirst must be called with mu held.
func (r *fakeJobRepo) newestFirst(match func(*domain.Job) bool) []*domain.Job {
	var res []*domain.Job
	for _, j := range r.jobs {
		if match(j) {
			cp := *j
			res = append(res, &cp)
		}
	}
	sort.Slice(res, func(a, b int) bool { return r.order[res[a].ID] > r.order[res[b].ID] })
	return res
}

func (r *fakeJobRepo) Create(_ context.Context, job *domain.Job) error {
	r.put(job)
	return nil
}

func (r *fakeJobRepo) GetByID(_ context.Context, id string) (*domain.Job, error) {
	return r.get(id), nil
}

func (r *fakeJobRepo) GetStatus(_ context.Context, id string) (domain.JobStatus, error) {
	j := r.get(id)
	if j == nil {
		return "", domain.ErrJobNotFound
	}
	return j.Status, nil
}

func (r *fakeJobRepo) GetActiveByAccount(_ context.Context, accountID string, jobType domain.JobType) (*domain.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	res := r.newestFirst(func(j *domain.Job) bool {
		return j.AccountID == accountID && j.Type == jobType && j.IsActive()
	})
	if len(res) == 0 {
		return nil, nil
	}
	return res[0], nil
}

func (r *fakeJobRepo) GetLatestByAccount(_ context.Context, accountID string, jobType domain.JobType) (*domain.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	res := r.newestFirst(func(j *domain.Job) bool {
		return j.AccountID == accountID && j.Type == jobType
	})
	if len(res) == 0 {
		return nil, nil
	}
	return res[0], nil
}

func (r *fakeJobRepo) HasRunning(_ context.Context, accountID string, jobType domain.JobType, excludeID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	res := r.newestFirst(func(j *domain.Job) bool {
		return j.AccountID == accountID && j.Type == jobType && j.Status == domain.JobStatusRunning && j.ID != excludeID
	})
	return len(res) > 0, nil
}

func (r *fakeJobRepo) ClaimRunning(_ context.Context, job *domain.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.jobs[job.ID]
	if !ok || cur.Status != domain.JobStatusPending {
		return domain.ErrJobNotPending
	}
	cp := *job
	r.jobs[job.ID] = &cp
	r.claimed = append(r.claimed, cp)
	return nil
}

func (r *fakeJobRepo) SaveCheckpoint(_ context.Context, job *domain.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	j := r.jobs[job.ID]
	j.TotalMessages = job.TotalMessages
	j.ProcessedMessages = job.ProcessedMessages
	j.PageToken = job.PageToken
	r.checkpoints = append(r.checkpoints, *j)
	return nil
}

func (r *fakeJobRepo) Update(_ context.Context, job *domain.Job) error {
	r.put(job)
	return nil
}

func (r *fakeJobRepo) UpdateUnlessCancelled(_ context.Context, job *domain.Job) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.jobs[job.ID]
	if !ok || cur.Status == domain.JobStatusCancelled {
		return false, nil
	}
	cp := *job
	r.jobs[job.ID] = &cp
	return true, nil
}

func (r *fakeJobRepo) UpdateStatus(_ context.Context, id string, status domain.JobStatus, lastError string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return domain.ErrJobNotFound
	}
	j.Status = status
	j.LastError = lastError
	if j.IsTerminal() {
		now := time.Now()
		j.CompletedAt = &now
	}
	return nil
}

func (r *fakeJobRepo) ListByStatuses(_ context.Context, jobType domain.JobType, statuses []domain.JobStatus) ([]*domain.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.newestFirst(func(j *domain.Job) bool {
		if j.Type != jobType {
			return false
		}
		for _, s := range statuses {
			if j.Status == s {
				return true
			}
		}
		return false
	}), nil
}

func (r *fakeJobRepo) ListDueRetries(_ context.Context, now time.Time, limit int) ([]*domain.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	res := r.newestFirst(func(j *domain.Job) bool {
		return j.Status == domain.JobStatusPending && j.NextRetryAt != nil && !j.NextRetryAt.After(now)
	})
	if len(res) > limit {
		res = res[:limit]
	}
	return res, nil
}

func (r *fakeJobRepo) ClearRetrySchedule(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs[id].NextRetryAt = nil
	return nil
}

// =============================================================================
// Account repository
// =============================================================================

type fakeAccountRepo struct {
	mu       sync.Mutex
	accounts map[string]*domain.Account
}

func newFakeAccountRepo(accounts ...*domain.Account) *fakeAccountRepo {
	r := &fakeAccountRepo{accounts: map[string]*domain.Account{}}
	for _, a := range accounts {
		cp := *a
		r.accounts[a.ID] = &cp
	}
	return r
}

func (r *fakeAccountRepo) get(id string) *domain.Account {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *r.accounts[id]
	return &cp
}

func (r *fakeAccountRepo) GetByID(_ context.Context, id string) (*domain.Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.accounts[id]
	if !ok {
		return nil, nil
	}
	cp := *a
	return &cp, nil
}

func (r *fakeAccountRepo) UpdateSyncStatus(_ context.Context, id string, status domain.SyncStatus, syncError string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.accounts[id].SyncStatus = status
	r.accounts[id].SyncError = syncError
	return nil
}

func (r *fakeAccountRepo) MarkSyncStarted(_ context.Context, id string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a := r.accounts[id]
	a.SyncStatus = domain.SyncStatusSyncing
	a.SyncStartedAt = &at
	a.SyncError = ""
	return nil
}

func (r *fakeAccountRepo) MarkSyncCompleted(_ context.Context, id string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a := r.accounts[id]
	a.SyncStatus = domain.SyncStatusCompleted
	a.SyncCompletedAt = &at
	a.SyncError = ""
	return nil
}

func (r *fakeAccountRepo) SetTotalMessages(_ context.Context, id string, total int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.accounts[id].TotalMessages = total
	return nil
}

func (r *fakeAccountRepo) SetHistoryID(_ context.Context, id string, historyID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.accounts[id].HistoryID = historyID
	return nil
}

func (r *fakeAccountRepo) ListEligibleForDeltaSync(_ context.Context) ([]*domain.Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var res []*domain.Account
	for _, a := range r.accounts {
		if a.EligibleForDeltaSync() {
			cp := *a
			res = append(res, &cp)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ID < res[j].ID })
	return res, nil
}

// =============================================================================
// Tokens, provider, store, queue, events
// =============================================================================

type fakeTokens struct{ err error }

func (f fakeTokens) GetToken(context.Context, string) (*oauth2.Token, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &oauth2.Token{AccessToken: "access"}, nil
}

type fakeProvider struct {
	mu sync.Mutex

	pages    map[string]*out.MessageIDPage // keyed by page token
	listErr  error
	messages map[string]*domain.MessageMetadata

	// failDetailsOnce fails every id of the first GetMessages call whose first
	// id matches, reported per message like the Gmail adapter does.
	failDetailsOnce map[string]error
	detailCalls     int

	historyID  string
	changes    *out.ChangeSet
	changesErr error
	count      int
	countErr   error
	modifyErr  error

	listedTokens []string
	trashed      []string
	deleted      []string

	// onList runs before a page is returned.
	onList func(pageToken string)
	// onModify runs before a trash or delete call is applied.
	onModify func(ids []string)
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		pages:           map[string]*out.MessageIDPage{},
		messages:        map[string]*domain.MessageMetadata{},
		failDetailsOnce: map[string]error{},
		historyID:       "9001",
	}
}

// addPages builds a chain of pages "", "p1", "p2", ... holding the given ids.
func (p *fakeProvider) addPages(pages ...[]string) {
	total := 0
	for _, ids := range pages {
		total += len(ids)
	}
	token := ""
	for i, ids := range pages {
		next := ""
		if i < len(pages)-1 {
			next = "p" + string(rune('1'+i))
		}
		p.pages[token] = &out.MessageIDPage{IDs: ids, NextPageToken: next, ResultSizeEstimate: total}
		for _, id := range ids {
			p.messages[id] = &domain.MessageMetadata{
				ID:        id,
				FromEmail: "sender-" + id[:1] + "@example.com",
				Subject:   "subject " + id,
				SizeBytes: 100,
				Date:      time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
			}
		}
		token = next
	}
}

func (p *fakeProvider) ListMessageIDs(_ context.Context, _ *oauth2.Token, pageToken string, _ int) (*out.MessageIDPage, error) {
	if p.onList != nil {
		p.onList(pageToken)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listedTokens = append(p.listedTokens, pageToken)
	if p.listErr != nil {
		return nil, p.listErr
	}
	page, ok := p.pages[pageToken]
	if !ok {
		return nil, &out.ProviderError{Code: out.ProviderErrInvalidInput, Message: "unknown page token " + pageToken, StatusCode: 400}
	}
	return page, nil
}

func (p *fakeProvider) GetMessages(_ context.Context, _ *oauth2.Token, ids []string) (*out.MessageBatch, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.detailCalls++
	batch := &out.MessageBatch{Failed: map[string]error{}}
	if err, ok := p.failDetailsOnce[ids[0]]; ok {
		delete(p.failDetailsOnce, ids[0])
		for _, id := range ids {
			batch.Failed[id] = err
		}
		return batch, nil
	}
	for _, id := range ids {
		if m, ok := p.messages[id]; ok {
			cp := *m
			batch.Messages = append(batch.Messages, &cp)
		} else {
			batch.Failed[id] = &out.ProviderError{Code: out.ProviderErrNotFound, Message: "not found", StatusCode: 404}
		}
	}
	return batch, nil
}

func (p *fakeProvider) GetHistoryID(context.Context, *oauth2.Token) (string, error) {
	return p.historyID, nil
}

func (p *fakeProvider) ListChanges(context.Context, *oauth2.Token, string) (*out.ChangeSet, error) {
	if p.changesErr != nil {
		return nil, p.changesErr
	}
	return p.changes, nil
}

func (p *fakeProvider) GetMessageCount(context.Context, *oauth2.Token) (int, error) {
	return p.count, p.countErr
}

func (p *fakeProvider) TrashMessages(ctx context.Context, _ *oauth2.Token, ids []string) error {
	if p.onModify != nil {
		p.onModify(ids)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.modifyErr != nil {
		return p.modifyErr
	}
	p.trashed = append(p.trashed, ids...)
	return nil
}

func (p *fakeProvider) DeleteMessages(ctx context.Context, _ *oauth2.Token, ids []string) error {
	if p.onModify != nil {
		p.onModify(ids)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.modifyErr != nil {
		return p.modifyErr
	}
	p.deleted = append(p.deleted, ids...)
	return nil
}

type fakeStore struct {
	mu         sync.Mutex
	rows       map[string]map[string]*domain.MessageMetadata
	aggregates map[string][]*domain.SenderAggregate
	clears     int
	inserts    []int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		rows:       map[string]map[string]*domain.MessageMetadata{},
		aggregates: map[string][]*domain.SenderAggregate{},
	}
}

func (s *fakeStore) Clear(_ context.Context, accountID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clears++
	delete(s.rows, accountID)
	delete(s.aggregates, accountID)
	return nil
}

func (s *fakeStore) InsertBatch(_ context.Context, accountID string, messages []*domain.MessageMetadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rows[accountID] == nil {
		s.rows[accountID] = map[string]*domain.MessageMetadata{}
	}
	for _, m := range messages {
		s.rows[accountID][m.ID] = m
	}
	s.inserts = append(s.inserts, len(messages))
	return nil
}

func (s *fakeStore) DeleteByIDs(_ context.Context, accountID string, ids []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, id := range ids {
		if _, ok := s.rows[accountID][id]; ok {
			delete(s.rows[accountID], id)
			n++
		}
	}
	return n, nil
}

func (s *fakeStore) RebuildSenderAggregates(_ context.Context, accountID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	bySender := map[string]*domain.SenderAggregate{}
	for _, m := range s.rows[accountID] {
		agg, ok := bySender[m.FromEmail]
		if !ok {
			agg = &domain.SenderAggregate{Email: m.FromEmail}
			bySender[m.FromEmail] = agg
		}
		agg.Count++
		agg.TotalSize += m.SizeBytes
	}
	var res []*domain.SenderAggregate
	for _, a := range bySender {
		res = append(res, a)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].Email < res[j].Email })
	s.aggregates[accountID] = res
	return nil
}

func (s *fakeStore) Count(_ context.Context, accountID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rows[accountID]), nil
}

func (s *fakeStore) SenderAggregates(_ context.Context, accountID string, _ int) ([]*domain.SenderAggregate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.aggregates[accountID], nil
}

func (s *fakeStore) Close() error { return nil }

type addedJob struct {
	jobType string
	payload any
	opts    *out.AddJobOptions
}

type fakeQueue struct {
	mu      sync.Mutex
	added   []addedJob
	removed []string
	addErr  error
}

func (q *fakeQueue) Add(_ context.Context, jobType string, payload any, opts *out.AddJobOptions) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.addErr != nil {
		return "", q.addErr
	}
	q.added = append(q.added, addedJob{jobType: jobType, payload: payload, opts: opts})
	return opts.JobID, nil
}

func (q *fakeQueue) Process(string, out.JobHandler) error { return nil }
func (q *fakeQueue) Start(context.Context) error           { return nil }
func (q *fakeQueue) Status(context.Context) (out.QueueStatus, error) {
	return out.QueueStatus{Waiting: len(q.added)}, nil
}
func (q *fakeQueue) Pause(context.Context) error  { return nil }
func (q *fakeQueue) Resume(context.Context) error { return nil }
func (q *fakeQueue) Close(context.Context) error  { return nil }

func (q *fakeQueue) Remove(_ context.Context, id string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.removed = append(q.removed, id)
	return true, nil
}

func (q *fakeQueue) jobIDs() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	var ids []string
	for _, a := range q.added {
		ids = append(ids, a.opts.JobID)
	}
	return ids
}

type fakeEvents struct {
	mu     sync.Mutex
	events []*out.SyncEvent
}

func (f *fakeEvents) Publish(_ context.Context, e *out.SyncEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, e)
	return nil
}

func (f *fakeEvents) count(t out.SyncEventType) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, e := range f.events {
		if e.Type == t {
			n++
		}
	}
	return n
}

var errBoom = errors.New("boom")

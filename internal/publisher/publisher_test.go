package publisher

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/jmehdipour/social-publisher/internal/apperr"
	"github.com/jmehdipour/social-publisher/internal/config"
	"github.com/jmehdipour/social-publisher/internal/lease"
	"github.com/jmehdipour/social-publisher/internal/model"
	"github.com/jmehdipour/social-publisher/internal/platform"
	"github.com/jmehdipour/social-publisher/internal/repository"
	"github.com/jmehdipour/social-publisher/internal/tokens"
	"github.com/jmoiron/sqlx"
	"github.com/jmoiron/sqlx/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeTokens struct {
	mu         sync.Mutex
	accounts   map[int64]model.Account
	resolveErr map[int64]error
	failures   map[int64]string
	successes  []int64
}

func (f *fakeTokens) Account(_ context.Context, id int64) (model.Account, error) {
	a, ok := f.accounts[id]
	if !ok {
		return model.Account{}, repository.ErrNotFound
	}
	return a, nil
}

func (f *fakeTokens) Resolve(_ context.Context, id int64) (tokens.Resolved, error) {
	a, ok := f.accounts[id]
	if !ok {
		return tokens.Resolved{}, repository.ErrNotFound
	}
	if err := f.resolveErr[id]; err != nil {
		return tokens.Resolved{Account: a}, err
	}
	return tokens.Resolved{Account: a, AccessToken: "tok"}, nil
}

func (f *fakeTokens) RecordPublishSuccess(_ context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.successes = append(f.successes, id)
	return nil
}

func (f *fakeTokens) RecordPublishFailure(_ context.Context, id int64, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[id] = reason
	return nil
}

type stubAdapter struct {
	p     model.Platform
	err   error
	block bool
	calls *int
	mu    *sync.Mutex
}

func (s stubAdapter) Platform() model.Platform { return s.p }

func (s stubAdapter) Publish(ctx context.Context, _ model.Content) (platform.PublishResult, error) {
	s.mu.Lock()
	*s.calls++
	s.mu.Unlock()
	if s.block {
		<-ctx.Done()
		return platform.PublishResult{}, ctx.Err()
	}
	if s.err != nil {
		return platform.PublishResult{}, s.err
	}
	return platform.PublishResult{PostID: "post-" + s.p.String()}, nil
}

func (s stubAdapter) Delete(context.Context, string) (bool, error) { return false, nil }

func (s stubAdapter) FetchMetrics(context.Context, string) (platform.Metrics, error) {
	return platform.Metrics{}, nil
}

type stubFactory struct {
	mu    sync.Mutex
	errs  map[int64]error
	block bool
	calls int
}

func (f *stubFactory) New(acct model.Account, _ string) (platform.Adapter, error) {
	return stubAdapter{p: acct.Platform, err: f.errs[acct.ID], block: f.block, calls: &f.calls, mu: &f.mu}, nil
}

type memAttempts struct {
	mu   sync.Mutex
	rows []model.AttemptLog
}

func (m *memAttempts) Insert(ctx context.Context, _ *sqlx.Tx, a model.AttemptLog) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	m.rows = append(m.rows, a)
	return nil
}

func (m *memAttempts) Get(_ context.Context, _ *sqlx.Tx, id string) (model.AttemptLog, error) {
	for _, r := range m.rows {
		if r.ID == id {
			return r, nil
		}
	}
	return model.AttemptLog{}, repository.ErrNotFound
}

func (m *memAttempts) ListByPublication(_ context.Context, _ *sqlx.Tx, id int64) ([]model.AttemptLog, error) {
	var out []model.AttemptLog
	for _, r := range m.rows {
		if r.PublicationID == id {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memAttempts) ListPublishedSince(context.Context, []model.Platform, time.Time, int) ([]model.AttemptLog, error) {
	return nil, nil
}

func (m *memAttempts) Correct(context.Context, *sqlx.Tx, string, model.AttemptStatus, model.AttemptStatus, string, types.JSONText) (bool, error) {
	return false, nil
}

func (m *memAttempts) UpdateMetrics(context.Context, *sqlx.Tx, string, types.JSONText) error {
	return nil
}

func (m *memAttempts) byStatus(st model.AttemptStatus) []model.AttemptLog {
	var out []model.AttemptLog
	for _, r := range m.rows {
		if r.Status == st {
			out = append(out, r)
		}
	}
	return out
}

type memPubs struct {
	mu         sync.Mutex
	rows       map[int64]model.Publication
	targets    map[int64][]int64
	targetsErr error
}

func (m *memPubs) Get(_ context.Context, _ *sqlx.Tx, id int64) (model.Publication, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.rows[id]
	if !ok {
		return model.Publication{}, repository.ErrNotFound
	}
	return p, nil
}

func (m *memPubs) Targets(_ context.Context, _ *sqlx.Tx, id int64) ([]int64, error) {
	if m.targetsErr != nil {
		return nil, m.targetsErr
	}
	return m.targets[id], nil
}

func (m *memPubs) Transition(ctx context.Context, _ *sqlx.Tx, id int64, from, to model.PublicationStatus) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.rows[id]
	if p.Status != from {
		return false, nil
	}
	p.Status = to
	m.rows[id] = p
	return true, nil
}

func (m *memPubs) LockDueScheduled(context.Context, *sqlx.Tx, time.Time, int) ([]model.Publication, error) {
	return nil, nil
}

func (m *memPubs) ListInStatusSince(context.Context, model.PublicationStatus, time.Time, int) ([]model.Publication, error) {
	return nil, nil
}

func (m *memPubs) ListAbandonedQueued(context.Context, time.Time, int) ([]model.Publication, error) {
	return nil, nil
}

func (m *memPubs) ConsumeRetry(_ context.Context, _ *sqlx.Tx, id int64, def int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.rows[id]
	left := def
	if p.RetriesRemaining != nil {
		left = *p.RetriesRemaining
	}
	if left <= 0 {
		return false, nil
	}
	n := left - 1
	p.RetriesRemaining = &n
	m.rows[id] = p
	return true, nil
}

func (m *memPubs) NormalizeRetryBudgets(context.Context, *sqlx.Tx, int) (int64, error) { return 0, nil }

func (m *memPubs) CountByStatus(context.Context, model.PublicationStatus) (int64, error) {
	return 0, nil
}

func (m *memPubs) ResetFailed(context.Context, *sqlx.Tx, int) ([]int64, error) { return nil, nil }

type noTx struct{}

func (noTx) WithinTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error { return fn(nil) }

type recordedJob struct {
	job   model.Job
	delay time.Duration
}

type memQueue struct {
	jobs []recordedJob
}

func (q *memQueue) Enqueue(_ context.Context, _ *sqlx.Tx, job model.Job, delay time.Duration) (string, error) {
	q.jobs = append(q.jobs, recordedJob{job, delay})
	return "job", nil
}

type memNotifier struct {
	mu    sync.Mutex
	kinds []apperr.Kind
}

func (n *memNotifier) PublishFailed(_ context.Context, _, _ int64, _ model.Account, kind apperr.Kind) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.kinds = append(n.kinds, kind)
}

type checks map[model.Platform]bool

func (c checks) HasStatusCheck(p model.Platform) bool { return c[p] }

type env struct {
	tokens   *fakeTokens
	factory  *stubFactory
	attempts *memAttempts
	pubs     *memPubs
	queue    *memQueue
	notifier *memNotifier
	orch     *Orchestrator
	runner   *Runner
}

func newEnv(t *testing.T) *env {
	t.Helper()
	e := &env{
		tokens: &fakeTokens{
			accounts: map[int64]model.Account{
				1: {ID: 1, Platform: model.PlatformFacebook, IsActive: true},
				2: {ID: 2, Platform: model.PlatformTwitter, IsActive: true},
				3: {ID: 3, Platform: model.PlatformYouTube, IsActive: true},
			},
			resolveErr: map[int64]error{},
			failures:   map[int64]string{},
		},
		factory:  &stubFactory{errs: map[int64]error{}},
		attempts: &memAttempts{},
		pubs:     &memPubs{rows: map[int64]model.Publication{}, targets: map[int64][]int64{}},
		queue:    &memQueue{},
		notifier: &memNotifier{},
	}
	e.orch = NewOrchestrator(e.tokens, e.factory, e.attempts, e.pubs, lease.NewLocal(time.Second), 2, zap.NewNop())
	cfg := config.PublisherConfig{Concurrency: 2, DefaultRetries: 3, RetryDelay: 5 * time.Minute, StatusCheckDelay: 10 * time.Minute}
	e.runner = NewRunner(noTx{}, e.pubs, e.attempts, e.orch, e.queue, e.notifier, checks{model.PlatformYouTube: true}, cfg, zap.NewNop())
	return e
}

func intp(v int) *int { return &v }

func TestPublishToMultiple_PartialFailure(t *testing.T) {
	e := newEnv(t)
	e.factory.errs[2] = apperr.New(apperr.KindRejected, "twitter.Publish", "X (Twitter) returned 403: duplicate content")
	pub := model.Publication{ID: 10, Body: "hello", Status: model.PublicationPublishing}
	e.pubs.rows[10] = pub

	res := e.orch.PublishToMultiple(context.Background(), pub, []int64{1, 2, 3})

	assert.Equal(t, 2, res.Success)
	assert.Equal(t, 1, res.Failed)
	require.Len(t, e.attempts.byStatus(model.AttemptFailed), 1)
	failed := e.attempts.byStatus(model.AttemptFailed)[0]
	assert.EqualValues(t, 2, failed.AccountID)
	assert.Contains(t, failed.ErrorMessage, "duplicate content")
	assert.Equal(t, apperr.KindRejected.String(), failed.ErrorKind)
	assert.Len(t, e.attempts.byStatus(model.AttemptPublished), 2)

	assert.Contains(t, e.tokens.failures[2], "duplicate content")
	sort.Slice(e.tokens.successes, func(i, j int) bool { return e.tokens.successes[i] < e.tokens.successes[j] })
	assert.Equal(t, []int64{1, 3}, e.tokens.successes)
}

func TestPublishToMultiple_CountsAlwaysAddUp(t *testing.T) {
	e := newEnv(t)
	e.tokens.resolveErr[1] = apperr.New(apperr.KindReconnectionRequired, "tokens.Resolve", model.ReasonTokenExpired)
	e.factory.errs[3] = apperr.New(apperr.KindTransient, "youtube.Publish", "YouTube returned 503")
	pub := model.Publication{ID: 10, Status: model.PublicationPublishing}
	e.pubs.rows[10] = pub

	ids := []int64{1, 2, 3, 3, 99}
	res := e.orch.PublishToMultiple(context.Background(), pub, ids)

	assert.Equal(t, 4, res.Success+res.Failed, "duplicates collapsed")
	assert.Equal(t, 1, res.Success)
	assert.Len(t, res.Results, 4)
	assert.Equal(t, apperr.KindReconnectionRequired, res.Results[1].Kind)
	assert.Equal(t, model.ReasonTokenExpired, res.Results[1].Reason)
	assert.Equal(t, apperr.KindTransient, res.Results[3].Kind)
	assert.Empty(t, res.Results[99].AttemptID, "unknown account has no attempt row")
	assert.Equal(t, 2, e.factory.calls, "no adapter call when the token is unusable")
	_, bookkept := e.tokens.failures[1]
	assert.False(t, bookkept, "resolve failures are booked by the token manager")
}

func TestPublishToMultiple_BrokenMediaFailsEveryAccount(t *testing.T) {
	e := newEnv(t)
	pub := model.Publication{ID: 10, Media: []byte(`{oops`), Status: model.PublicationPublishing}
	e.pubs.rows[10] = pub

	res := e.orch.PublishToMultiple(context.Background(), pub, []int64{1, 2})
	assert.Equal(t, 2, res.Failed)
	assert.Zero(t, e.factory.calls)
}

func TestPublishToMultiple_CancelledPublicationSkipsAdapters(t *testing.T) {
	e := newEnv(t)
	pub := model.Publication{ID: 10, Status: model.PublicationPublishing}
	e.pubs.rows[10] = model.Publication{ID: 10, Status: model.PublicationDraft}

	res := e.orch.PublishToMultiple(context.Background(), pub, []int64{1, 2})
	assert.Equal(t, 2, res.Failed)
	assert.Zero(t, e.factory.calls)
	assert.Empty(t, e.attempts.rows)
	assert.Equal(t, apperr.KindStaleWorkItem, res.Results[1].Kind)
}

func TestRunner_Handle(t *testing.T) {
	e := newEnv(t)
	e.factory.errs[2] = apperr.New(apperr.KindRejected, "twitter.Publish", "bad")
	e.pubs.rows[10] = model.Publication{ID: 10, UserID: 5, Status: model.PublicationQueued, RetriesRemaining: intp(3)}
	e.pubs.targets[10] = []int64{1, 2, 3}

	require.NoError(t, e.runner.Handle(context.Background(), model.Job{ID: "j1", Kind: model.JobPublish, PublicationID: 10, Attempt: 1}))

	assert.Equal(t, model.PublicationPublished, e.pubs.rows[10].Status)
	require.Len(t, e.queue.jobs, 1, "status check for youtube only")
	assert.Equal(t, model.JobStatusCheck, e.queue.jobs[0].job.Kind)
	assert.EqualValues(t, 3, e.queue.jobs[0].job.AccountID)
	assert.NotEmpty(t, e.queue.jobs[0].job.AttemptLogID)
	assert.Equal(t, 10*time.Minute, e.queue.jobs[0].delay)
	assert.Equal(t, []apperr.Kind{apperr.KindRejected}, e.notifier.kinds)
	assert.Equal(t, 3, *e.pubs.rows[10].RetriesRemaining)
}

func TestRunner_TransientFailureSchedulesRetry(t *testing.T) {
	e := newEnv(t)
	e.factory.errs[1] = apperr.New(apperr.KindTransient, "facebook.Publish", "Facebook returned 503")
	e.pubs.rows[10] = model.Publication{ID: 10, Status: model.PublicationQueued, RetriesRemaining: intp(1)}
	e.pubs.targets[10] = []int64{1, 2}

	require.NoError(t, e.runner.Handle(context.Background(), model.Job{Kind: model.JobPublish, PublicationID: 10}))

	assert.Equal(t, model.PublicationQueued, e.pubs.rows[10].Status)
	assert.Equal(t, 0, *e.pubs.rows[10].RetriesRemaining)
	require.Len(t, e.queue.jobs, 1)
	retry := e.queue.jobs[0]
	assert.Equal(t, model.JobPublish, retry.job.Kind)
	assert.Equal(t, []int64{1}, retry.job.AccountIDs)
	assert.Equal(t, 5*time.Minute, retry.delay)
	assert.Len(t, e.attempts.byStatus(model.AttemptQueued), 1)
	assert.Empty(t, e.notifier.kinds, "no notification while a retry is pending")

	// Budget exhausted: the retry run fails the account for good.
	require.NoError(t, e.runner.Handle(context.Background(), retry.job))
	assert.Equal(t, model.PublicationPublished, e.pubs.rows[10].Status, "account 2 published in the first run")
	assert.Len(t, e.queue.jobs, 1)
	assert.Equal(t, []apperr.Kind{apperr.KindTransient}, e.notifier.kinds)
}

func TestRunner_StaleJob(t *testing.T) {
	e := newEnv(t)
	e.pubs.rows[10] = model.Publication{ID: 10, Status: model.PublicationPublished}

	err := e.runner.Handle(context.Background(), model.Job{Kind: model.JobPublish, PublicationID: 10})
	assert.ErrorIs(t, err, apperr.ErrStaleWorkItem)
	assert.Zero(t, e.factory.calls)
	assert.Empty(t, e.attempts.rows)
}

func TestRunner_NullRetryBudgetUsesDefault(t *testing.T) {
	e := newEnv(t)
	e.factory.errs[1] = apperr.New(apperr.KindTransient, "facebook.Publish", "Facebook returned 503")
	e.pubs.rows[10] = model.Publication{ID: 10, Status: model.PublicationQueued}
	e.pubs.targets[10] = []int64{1}

	require.NoError(t, e.runner.Handle(context.Background(), model.Job{Kind: model.JobPublish, PublicationID: 10}))

	assert.Equal(t, model.PublicationQueued, e.pubs.rows[10].Status)
	require.NotNil(t, e.pubs.rows[10].RetriesRemaining)
	assert.Equal(t, 2, *e.pubs.rows[10].RetriesRemaining, "default budget of 3 minus one")
	require.Len(t, e.queue.jobs, 1)
	assert.Equal(t, []int64{1}, e.queue.jobs[0].job.AccountIDs)
}

func TestRunner_TimedOutBatchStillRecordsOutcome(t *testing.T) {
	e := newEnv(t)
	e.orch.concurrency = 3
	e.factory.block = true
	e.pubs.rows[10] = model.Publication{ID: 10, Status: model.PublicationQueued, RetriesRemaining: intp(2)}
	e.pubs.targets[10] = []int64{1, 2, 3}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.NoError(t, e.runner.Handle(ctx, model.Job{Kind: model.JobPublish, PublicationID: 10}))

	assert.Len(t, e.attempts.byStatus(model.AttemptFailed), 3, "one attempt row per account")
	assert.Len(t, e.attempts.byStatus(model.AttemptQueued), 3)
	assert.Len(t, e.tokens.failures, 3)
	assert.Equal(t, model.PublicationQueued, e.pubs.rows[10].Status)
	assert.Equal(t, 1, *e.pubs.rows[10].RetriesRemaining)
	require.Len(t, e.queue.jobs, 1)
	assert.ElementsMatch(t, []int64{1, 2, 3}, e.queue.jobs[0].job.AccountIDs)
}

func TestRunner_FailureAfterClaimReturnsPublicationToQueued(t *testing.T) {
	e := newEnv(t)
	e.pubs.rows[10] = model.Publication{ID: 10, Status: model.PublicationQueued, RetriesRemaining: intp(3)}
	e.pubs.targetsErr = errors.New("connection reset")

	err := e.runner.Handle(context.Background(), model.Job{Kind: model.JobPublish, PublicationID: 10})
	require.Error(t, err)
	assert.Equal(t, model.PublicationQueued, e.pubs.rows[10].Status)
	assert.Zero(t, e.factory.calls)

	// the job-level retry can claim it again
	e.pubs.targetsErr = nil
	e.pubs.targets[10] = []int64{1}
	require.NoError(t, e.runner.Handle(context.Background(), model.Job{Kind: model.JobPublish, PublicationID: 10}))
	assert.Equal(t, model.PublicationPublished, e.pubs.rows[10].Status)
}

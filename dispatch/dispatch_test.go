package dispatch

import (
	"context"
	"database/sql"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netresearch/taskrelay/clock"
	"github.com/netresearch/taskrelay/domain"
	"github.com/netresearch/taskrelay/logging"
	"github.com/netresearch/taskrelay/notify"
)

// fakeStore is a minimal in-memory stand-in for store.Store satisfying the
// narrow dispatch.JobStore interface.
type fakeStore struct {
	mu         sync.Mutex
	jobs       map[string]*domain.Job
	executions []*domain.JobExecution
}

func newFakeStore(jobs ...*domain.Job) *fakeStore {
	fs := &fakeStore{jobs: make(map[string]*domain.Job)}
	for _, j := range jobs {
		fs.jobs[j.ID] = j
	}
	return fs
}

func (f *fakeStore) GetJob(ctx context.Context, id string) (*domain.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok {
		return nil, assertNotFound{id}
	}
	cp := *j
	return &cp, nil
}

type assertNotFound struct{ id string }

func (e assertNotFound) Error() string { return "job not found: " + e.id }

func (f *fakeStore) SetJobActive(ctx context.Context, jobID string, active bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if j, ok := f.jobs[jobID]; ok {
		j.IsActive = active
	}
	return nil
}

func (f *fakeStore) CreateExecution(ctx context.Context, e *domain.JobExecution) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *e
	f.executions = append(f.executions, &cp)
	return nil
}

func (f *fakeStore) CompleteExecution(ctx context.Context, e *domain.JobExecution) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.executions {
		if existing.ID == e.ID {
			*existing = *e
		}
	}
	return nil
}

func (f *fakeStore) last() *domain.JobExecution {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.executions) == 0 {
		return nil
	}
	return f.executions[len(f.executions)-1]
}

type fakeUnscheduler struct {
	removed []string
}

func (f *fakeUnscheduler) Remove(id string) { f.removed = append(f.removed, id) }

// fakeNotifyStore satisfies notify.Store; no users configured so broadcasts
// are silent no-ops, which is all the dispatch tests need to assert.
type fakeNotifyStore struct{}

func (fakeNotifyStore) CreateNotification(ctx context.Context, n *domain.Notification) error {
	return nil
}
func (fakeNotifyStore) AllUserIDs(ctx context.Context) ([]string, error) { return nil, nil }
func (fakeNotifyStore) ResolveNotificationRecipients(ctx context.Context, createdBy string) ([]string, error) {
	return nil, nil
}
func (fakeNotifyStore) GetSlackSettings(ctx context.Context) (*domain.SlackSettings, error) {
	return &domain.SlackSettings{}, nil
}
func (fakeNotifyStore) GetTeam(ctx context.Context, slug string) (*domain.Team, error) {
	return nil, sql.ErrNoRows
}

func newTestDispatcher(t *testing.T, store JobStore, engine Unscheduler) *Dispatcher {
	t.Helper()
	loc, err := time.LoadLocation("UTC")
	require.NoError(t, err)
	logger := logging.NewDefault()
	n := notify.New(fakeNotifyStore{}, nil, logger, "http://localhost")
	return New(store, engine, n, logger, clock.Real{}, loc)
}

func TestDispatch_WebhookSuccess(t *testing.T) {
	var gotMethod string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	job := &domain.Job{
		ID: "j1", Name: "J1", CronExpression: "*/5 * * * *", IsActive: true,
		TargetURL: srv.URL, Metadata: map[string]any{"k": "v"},
		EndDate: time.Now().AddDate(0, 0, 1),
	}
	store := newFakeStore(job)
	engine := &fakeUnscheduler{}
	d := newTestDispatcher(t, store, engine)

	d.Dispatch(context.Background(), job.ID, domain.TriggerScheduled, Override{})

	exec := store.last()
	require.NotNil(t, exec)
	assert.Equal(t, domain.ExecutionSuccess, exec.Status)
	assert.Equal(t, domain.ExecutionWebhook, *exec.ExecutionType)
	assert.Equal(t, srv.URL, exec.Target)
	assert.Equal(t, 200, *exec.ResponseStatus)
	assert.Equal(t, "ok", exec.Output)
	assert.Equal(t, "POST", gotMethod)
	assert.NotNil(t, exec.CompletedAt)
	assert.False(t, exec.CompletedAt.Before(exec.StartedAt))
}

func TestDispatch_WebhookGetWhenNoMetadata(t *testing.T) {
	var gotMethod string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	job := &domain.Job{
		ID: "j1", Name: "J1", CronExpression: "*/5 * * * *", IsActive: true,
		TargetURL: srv.URL, EndDate: time.Now().AddDate(0, 0, 1),
	}
	store := newFakeStore(job)
	d := newTestDispatcher(t, store, &fakeUnscheduler{})

	d.Dispatch(context.Background(), job.ID, domain.TriggerScheduled, Override{})
	assert.Equal(t, "GET", gotMethod)
}

func TestDispatch_GitHubMissingToken(t *testing.T) {
	job := &domain.Job{
		ID: "j2", Name: "J2", CronExpression: "*/5 * * * *", IsActive: true,
		GitHubOwner: "octo", GitHubRepo: "repo", GitHubWorkflowName: "workflow.yml",
		EndDate: time.Now().AddDate(0, 0, 1),
	}
	store := newFakeStore(job)
	d := newTestDispatcher(t, store, &fakeUnscheduler{})
	d.GithubEnv = "TASKRELAY_TEST_GITHUB_TOKEN_UNSET"

	d.Dispatch(context.Background(), job.ID, domain.TriggerScheduled, Override{})

	exec := store.last()
	require.NotNil(t, exec)
	assert.Equal(t, domain.ExecutionFailed, exec.Status)
	assert.Equal(t, domain.ExecutionGitHubActions, *exec.ExecutionType)
	assert.Equal(t, "octo/repo/workflow.yml", exec.Target)
	assert.Contains(t, exec.ErrorMessage, "GitHub token not configured")
}

func TestDispatch_GitHubSuccessWithOverrideToken(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	job := &domain.Job{
		ID: "j2", Name: "J2", CronExpression: "*/5 * * * *", IsActive: true,
		GitHubOwner: "octo", GitHubRepo: "repo", GitHubWorkflowName: "workflow.yml",
		EndDate: time.Now().AddDate(0, 0, 1),
	}
	store := newFakeStore(job)
	d := newTestDispatcher(t, store, &fakeUnscheduler{})
	d.githubAPIBase = srv.URL // test-only override, see dispatch.go

	d.Dispatch(context.Background(), job.ID, domain.TriggerScheduled, Override{GitHubToken: "tok-123"})

	exec := store.last()
	require.NotNil(t, exec)
	assert.Equal(t, domain.ExecutionSuccess, exec.Status)
	assert.Equal(t, "Bearer tok-123", gotAuth)
}

func TestDispatch_NoTargetConfigured(t *testing.T) {
	job := &domain.Job{
		ID: "j5", Name: "J5", CronExpression: "* * * * *", IsActive: true,
		EndDate: time.Now().AddDate(0, 0, 1),
	}
	store := newFakeStore(job)
	d := newTestDispatcher(t, store, &fakeUnscheduler{})

	d.Dispatch(context.Background(), job.ID, domain.TriggerScheduled, Override{})

	exec := store.last()
	require.NotNil(t, exec)
	assert.Equal(t, domain.ExecutionFailed, exec.Status)
	assert.Nil(t, exec.ExecutionType)
	assert.Contains(t, exec.ErrorMessage, "no valid target")
}

func TestDispatch_EndDateGuardAutoPausesAndSkipsExecution(t *testing.T) {
	job := &domain.Job{
		ID: "j3", Name: "J3", CronExpression: "* * * * *", IsActive: true,
		TargetURL: "https://example.com/hook", EndDate: time.Now().AddDate(0, 0, -1),
	}
	store := newFakeStore(job)
	engine := &fakeUnscheduler{}
	d := newTestDispatcher(t, store, engine)

	d.Dispatch(context.Background(), job.ID, domain.TriggerScheduled, Override{})

	assert.Nil(t, store.last())
	got, err := store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.False(t, got.IsActive)
	assert.Contains(t, engine.removed, job.ID)
}

func TestDispatch_InactiveJobIsSkippedEntirely(t *testing.T) {
	job := &domain.Job{ID: "j6", Name: "J6", CronExpression: "* * * * *", IsActive: false}
	store := newFakeStore(job)
	d := newTestDispatcher(t, store, &fakeUnscheduler{})

	d.Dispatch(context.Background(), job.ID, domain.TriggerScheduled, Override{})
	assert.Nil(t, store.last())
}

package notify

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netresearch/taskrelay/domain"
	"github.com/netresearch/taskrelay/logging"
)

// fakeStore is an in-memory stand-in for store.Store satisfying notify.Store.
type fakeStore struct {
	mu            sync.Mutex
	notifications []*domain.Notification
	userIDs       []string
	recipients    []string
	slack         domain.SlackSettings
	teams         map[string]*domain.Team
}

func (f *fakeStore) CreateNotification(ctx context.Context, n *domain.Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notifications = append(f.notifications, n)
	return nil
}

func (f *fakeStore) AllUserIDs(ctx context.Context) ([]string, error) { return f.userIDs, nil }

func (f *fakeStore) ResolveNotificationRecipients(ctx context.Context, createdBy string) ([]string, error) {
	return f.recipients, nil
}

func (f *fakeStore) GetSlackSettings(ctx context.Context) (*domain.SlackSettings, error) {
	s := f.slack
	return &s, nil
}

func (f *fakeStore) GetTeam(ctx context.Context, slug string) (*domain.Team, error) {
	if t, ok := f.teams[slug]; ok {
		return t, nil
	}
	return nil, errors.New("team not found")
}

// fakeMailer records every Send call instead of talking to real SMTP.
type fakeMailer struct {
	mu    sync.Mutex
	to    []string
	calls int
	err   error
}

func (f *fakeMailer) Send(to []string, subject, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.to = to
	f.calls++
	return f.err
}

func TestBroadcast_NotifiesEveryUser(t *testing.T) {
	store := &fakeStore{userIDs: []string{"u1", "u2", "u3"}}
	n := New(store, nil, logging.NewDefault(), "http://localhost")

	n.Broadcast(context.Background(), "Title", "Message", domain.NotificationInfo, "job-1", "exec-1")

	require.Len(t, store.notifications, 3)
	for _, note := range store.notifications {
		assert.Equal(t, "job-1", note.RelatedJobID)
		assert.Equal(t, domain.NotificationInfo, note.Type)
	}
}

func TestTargeted_NotifiesOnlyResolvedRecipients(t *testing.T) {
	store := &fakeStore{userIDs: []string{"u1", "u2"}, recipients: []string{"creator", "admin-1"}}
	n := New(store, nil, logging.NewDefault(), "http://localhost")

	n.Targeted(context.Background(), "creator", "Title", "Message", domain.NotificationWarning, "job-1")

	require.Len(t, store.notifications, 2)
	got := map[string]bool{}
	for _, note := range store.notifications {
		got[note.UserID] = true
	}
	assert.True(t, got["creator"])
	assert.True(t, got["admin-1"])
}

func TestBroadcastAutoPause_PostsSlackMentioningTeamHandle(t *testing.T) {
	var body string
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		body = string(b)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	// slack-go's PostWebhookContext posts via http.DefaultClient; swap it for
	// the test server's client (which trusts its own self-signed cert) so
	// the post round-trips instead of failing TLS verification.
	prevClient := http.DefaultClient
	http.DefaultClient = srv.Client()
	defer func() { http.DefaultClient = prevClient }()

	store := &fakeStore{
		recipients: []string{"creator"},
		slack:      domain.SlackSettings{IsEnabled: true, WebhookURL: srv.URL},
		teams:      map[string]*domain.Team{"team-a": {Slug: "team-a", SlackHandle: "@team-a"}},
	}
	n := New(store, nil, logging.NewDefault(), "http://localhost")

	job := &domain.Job{
		ID: "j1", Name: "nightly-sync", CreatedBy: "creator", PICTeam: "team-a",
		EndDate: time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC),
	}
	n.BroadcastAutoPause(context.Background(), job)

	require.NotEmpty(t, body, "expected the Slack webhook to receive a post")
	assert.Contains(t, body, "@team-a")
	assert.Contains(t, body, "Job auto-paused")
	require.Len(t, store.notifications, 1)
	assert.Equal(t, domain.NotificationWarning, store.notifications[0].Type)
}

func TestPostSlackForTeam_SkipsWhenDisabled(t *testing.T) {
	var posted bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		posted = true
	}))
	defer srv.Close()

	store := &fakeStore{slack: domain.SlackSettings{IsEnabled: false, WebhookURL: srv.URL}}
	n := New(store, nil, logging.NewDefault(), "http://localhost")

	n.postSlackForTeam(context.Background(), &domain.Job{ID: "j1", Name: "j1"}, "msg")

	assert.False(t, posted, "a disabled Slack integration must never be posted to")
}

func TestPostSlackForTeam_SkipsWhenWebhookInvalid(t *testing.T) {
	store := &fakeStore{slack: domain.SlackSettings{IsEnabled: true, WebhookURL: "not-https"}}
	n := New(store, nil, logging.NewDefault(), "http://localhost")

	// Valid() rejects non-https URLs; postSlackForTeam must not attempt the post.
	n.postSlackForTeam(context.Background(), &domain.Job{ID: "j1", Name: "j1"}, "msg")
}

func TestEmailJobOutcome_SendsWhenMailerConfigured(t *testing.T) {
	mailer := &fakeMailer{}
	n := New(&fakeStore{}, mailer, logging.NewDefault(), "http://localhost")

	job := &domain.Job{ID: "j1", Name: "nightly-sync", NotificationEmails: []string{"ops@example.com"}}
	exec := &domain.JobExecution{ID: "e1", Status: domain.ExecutionSuccess, Target: "https://example.com/hook"}
	n.EmailJobOutcome(context.Background(), job, exec)

	assert.Equal(t, 1, mailer.calls)
	assert.Equal(t, []string{"ops@example.com"}, mailer.to)
}

func TestEmailJobOutcome_NoOpWithoutMailer(t *testing.T) {
	n := New(&fakeStore{}, nil, logging.NewDefault(), "http://localhost")

	job := &domain.Job{ID: "j1", Name: "nightly-sync", NotificationEmails: []string{"ops@example.com"}}
	exec := &domain.JobExecution{ID: "e1", Status: domain.ExecutionSuccess}
	// Must not panic when Mailer is nil.
	n.EmailJobOutcome(context.Background(), job, exec)
}

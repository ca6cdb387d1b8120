package store

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/netresearch/taskrelay/domain"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), "file::memory:?cache=shared")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreateAndGetJob(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	j := &domain.Job{
		ID:             uuid.NewString(),
		Name:           "nightly-sync",
		CronExpression: "0 2 * * *",
		TargetURL:      "https://example.com/hook",
		IsActive:       true,
		EndDate:        time.Now().AddDate(0, 1, 0),
		Metadata:       map[string]any{"k": "v"},
	}
	require.NoError(t, j.Validate())
	require.NoError(t, s.CreateJob(ctx, j))

	got, err := s.GetJob(ctx, j.ID)
	require.NoError(t, err)
	require.Equal(t, j.Name, got.Name)
	require.Equal(t, j.TargetURL, got.TargetURL)
	require.True(t, got.IsActive)
	require.Equal(t, "v", got.Metadata["k"])
}

func TestSetJobActive(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	j := &domain.Job{ID: uuid.NewString(), Name: "j1", CronExpression: "* * * * *", TargetURL: "https://x", IsActive: true}
	require.NoError(t, s.CreateJob(ctx, j))
	require.NoError(t, s.SetJobActive(ctx, j.ID, false))

	got, err := s.GetJob(ctx, j.ID)
	require.NoError(t, err)
	require.False(t, got.IsActive)
}

func TestExecutionLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	j := &domain.Job{ID: uuid.NewString(), Name: "j2", CronExpression: "* * * * *", TargetURL: "https://x", IsActive: true}
	require.NoError(t, s.CreateJob(ctx, j))

	e := &domain.JobExecution{
		ID: uuid.NewString(), JobID: j.ID, Status: domain.ExecutionRunning,
		TriggerType: domain.TriggerScheduled, StartedAt: time.Now(), Target: "https://x",
	}
	require.NoError(t, s.CreateExecution(ctx, e))

	e.Complete(e.StartedAt.Add(2*time.Second), domain.ExecutionSuccess)
	status := 200
	e.ResponseStatus = &status
	require.NoError(t, s.CompleteExecution(ctx, e))

	history, err := s.ExecutionsForJob(ctx, j.ID, 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.Equal(t, domain.ExecutionSuccess, history[0].Status)
	require.NotNil(t, history[0].CompletedAt)
	require.NotNil(t, history[0].DurationSeconds)
}

func TestActiveJobsExcludesPaused(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	active := &domain.Job{ID: uuid.NewString(), Name: "active", CronExpression: "* * * * *", TargetURL: "https://x", IsActive: true}
	paused := &domain.Job{ID: uuid.NewString(), Name: "paused", CronExpression: "* * * * *", TargetURL: "https://x", IsActive: false}
	require.NoError(t, s.CreateJob(ctx, active))
	require.NoError(t, s.CreateJob(ctx, paused))

	jobs, err := s.ActiveJobs(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.Equal(t, "active", jobs[0].Name)
}

// Package runtime composes the lock, trigger engine, and reconcile loop
// into the single "Scheduler Runtime" object (C9) that owns leadership
// state and exposes the admin operations other packages (a hosting CLI, or
// in a fuller deployment, API handlers) are expected to call.
package runtime

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/netresearch/taskrelay/domain"
	"github.com/netresearch/taskrelay/lock"
	"github.com/netresearch/taskrelay/logging"
	"github.com/netresearch/taskrelay/maintenance"
	"github.com/netresearch/taskrelay/reconcile"
	"github.com/netresearch/taskrelay/trigger"
)

// Status is the response shape of the scheduler status/admin endpoint (§6.3).
type Status struct {
	SchedulerRunning   bool
	SchedulerIsLeader  bool
	ScheduledJobsCount int
	LastResyncAt       *time.Time
}

// Runtime is the C9 component: the only type other packages hold a
// reference to. Constructing one does not start anything; call Start.
type Runtime struct {
	Lock        *lock.Lock
	Engine      *trigger.Engine
	Reconciler  *reconcile.Reconciler
	Maintenance *maintenance.Task
	Logger      logging.Logger

	PollInterval time.Duration // clamped to [10, 300] seconds by the caller (config.DaemonCommand.PollSeconds)

	mu         sync.Mutex
	running    bool
	isLeader   atomic.Bool
	loopCancel context.CancelFunc
}

// New builds a Runtime. dispatcher.Dispatch is bound into the Reconciler as
// the scheduled-fire callback by the caller before New is invoked (see
// cmd/taskrelayd for the wiring).
func New(l *lock.Lock, engine *trigger.Engine, reconciler *reconcile.Reconciler, maint *maintenance.Task, logger logging.Logger, pollInterval time.Duration) *Runtime {
	return &Runtime{
		Lock: l, Engine: engine, Reconciler: reconciler, Maintenance: maint,
		Logger: logger, PollInterval: pollInterval,
	}
}

// Start performs the leader-startup control flow of §2: acquire the lock,
// run the initial resync, register the weekly maintenance task, spawn the
// periodic reconcile loop, and start the engine. If the lock is contended,
// Start succeeds in follower mode: nothing below is performed, and the
// leader/follower invariant (§5) makes SyncJobSchedule/UnscheduleJob no-ops.
func (r *Runtime) Start(ctx context.Context) error {
	ok, err := r.Lock.TryAcquire()
	if err != nil {
		return err
	}
	if !ok {
		r.Logger.Noticef("scheduler runtime: lock contended, starting as follower")
		r.isLeader.Store(false)
		return nil
	}

	r.isLeader.Store(true)
	r.Logger.Noticef("scheduler runtime: lock acquired, starting as leader")

	if _, err := r.Reconciler.ResyncFromDB(ctx, true); err != nil {
		r.Logger.Errorf("scheduler runtime: initial resync failed: %v", err)
	}

	if err := r.Engine.Add(trigger.ReservedJobID, "end_date_maintenance", maintenance.CronSchedule,
		func(cbCtx context.Context, id, name string) {
			r.Maintenance.Run(cbCtx)
		}); err != nil {
		r.Logger.Errorf("scheduler runtime: failed to register maintenance task: %v", err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	r.mu.Lock()
	r.loopCancel = cancel
	r.running = true
	r.mu.Unlock()
	go r.Reconciler.Loop(loopCtx, r.PollInterval)

	r.Engine.Start()
	return nil
}

// Stop reverses Start: stop the engine (draining in-flight callbacks up to
// their own HTTP timeout), stop the reconcile loop, then release the lock.
// A no-op on a follower.
func (r *Runtime) Stop(ctx context.Context) {
	if !r.isLeader.Load() {
		return
	}

	r.Engine.Stop(ctx)

	r.mu.Lock()
	if r.loopCancel != nil {
		r.loopCancel()
	}
	r.running = false
	r.mu.Unlock()

	r.Lock.Release()
	r.isLeader.Store(false)
}

// IsLeader reports whether this process currently holds the lock.
func (r *Runtime) IsLeader() bool { return r.isLeader.Load() }

// GetStatus implements §6.3's status() admin operation.
func (r *Runtime) GetStatus() Status {
	r.mu.Lock()
	running := r.running
	r.mu.Unlock()

	count := 0
	if r.isLeader.Load() {
		count = r.Engine.Count()
	}
	return Status{
		SchedulerRunning:   running,
		SchedulerIsLeader:  r.isLeader.Load(),
		ScheduledJobsCount: count,
		LastResyncAt:       r.Reconciler.LastResyncAt(),
	}
}

// ResyncFromDB implements §6.3's resync_from_db() admin operation:
// leader-only, returns ErrNotLeader (a conflict) when called on a follower.
func (r *Runtime) ResyncFromDB(ctx context.Context, removeOrphans bool) (reconcile.Summary, error) {
	if !r.isLeader.Load() {
		return reconcile.Summary{}, ErrNotLeader
	}
	return r.Reconciler.ResyncFromDB(ctx, removeOrphans)
}

// SyncJobSchedule implements the leader-only side-effect helper the API
// calls after a write (§6.3). It schedules or removes job's trigger based
// on its current fields. Returns false without mutating anything on a
// follower, per the leader/follower invariant (§5).
func (r *Runtime) SyncJobSchedule(ctx context.Context, job *domain.Job, dispatchFn func(ctx context.Context, jobID string)) bool {
	if !r.isLeader.Load() {
		return false
	}

	shouldSchedule := job.IsActive
	if shouldSchedule {
		jobID := job.ID
		if err := r.Engine.Add(job.ID, job.Name, job.CronExpression, func(cbCtx context.Context, id, name string) {
			dispatchFn(cbCtx, jobID)
		}); err != nil {
			r.Logger.Warningf("sync_job_schedule: job %q has invalid cron: %v", job.Name, err)
			return false
		}
		return true
	}
	r.Engine.Remove(job.ID)
	return true
}

// UnscheduleJob implements the leader-only side-effect helper used when a
// job is deleted (§6.3). Returns false without mutating anything on a
// follower.
func (r *Runtime) UnscheduleJob(jobID string) bool {
	if !r.isLeader.Load() {
		return false
	}
	r.Engine.Remove(jobID)
	return true
}


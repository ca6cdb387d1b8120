// Package reconcile makes the in-memory trigger engine converge on the set
// of jobs the Job Store says should be scheduled: the database is the
// source of truth, the engine a derived view.
package reconcile

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/netresearch/taskrelay/clock"
	"github.com/netresearch/taskrelay/domain"
	"github.com/netresearch/taskrelay/logging"
	"github.com/netresearch/taskrelay/notify"
	"github.com/netresearch/taskrelay/trigger"
)

// Store is the subset of store.Store the reconciler needs.
type Store interface {
	AllJobs(ctx context.Context) ([]*domain.Job, error)
	SetJobActive(ctx context.Context, jobID string, active bool) error
}

// Engine is the subset of trigger.Engine the reconciler drives.
type Engine interface {
	Add(id, name, cronExpr string, cb trigger.Callback) error
	Remove(id string)
	Has(id string) bool
	IDs() []string
	Count() int
}

// Summary reports the outcome of one reconcile pass, mirroring the fields
// surfaced on the scheduler status/admin endpoint.
type Summary struct {
	RanAt              time.Time
	DBJobsTotal        int
	DBJobsActive       int
	ScheduledNow       int
	ScheduledAdded     int
	ScheduledRemoved   int
	ExpiredAutoPaused  int
	OrphanedRemoved    int
	InvalidCron        int
}

// Reconciler is the C5 component.
type Reconciler struct {
	Store    Store
	Engine   Engine
	Notifier *notify.Notifier
	Logger   logging.Logger
	Clock    clock.Clock
	Location *time.Location

	// Dispatch is invoked by the trigger engine on every due fire; it is
	// supplied by the caller (normally the Dispatcher's Dispatch method bound
	// to domain.TriggerScheduled) so this package stays independent of C6.
	Dispatch func(ctx context.Context, jobID string)

	lastResync *time.Time
	signatures map[string]string
}

// New builds a Reconciler.
func New(store Store, engine Engine, notifier *notify.Notifier, logger logging.Logger, c clock.Clock, loc *time.Location, dispatch func(ctx context.Context, jobID string)) *Reconciler {
	return &Reconciler{
		Store: store, Engine: engine, Notifier: notifier, Logger: logger,
		Clock: c, Location: loc, Dispatch: dispatch,
		signatures: make(map[string]string),
	}
}

// signature derives a deterministic summary of the fields that uniquely
// determine a job's trigger and callback payload (§4.4): id, name, cron,
// is_active, end date, the webhook URL and GitHub triple, notification
// settings, and updated_at. The
// Reconciler only touches the engine for a job when this value changes
// since the last pass it was seen in.
func signature(j *domain.Job) string {
	var b strings.Builder
	b.WriteString(j.ID)
	b.WriteByte('|')
	b.WriteString(j.Name)
	b.WriteByte('|')
	b.WriteString(j.CronExpression)
	b.WriteByte('|')
	b.WriteString(strconv.FormatBool(j.IsActive))
	b.WriteByte('|')
	b.WriteString(j.EndDate.Format("2006-01-02"))
	b.WriteByte('|')
	b.WriteString(j.TargetURL)
	b.WriteByte('|')
	b.WriteString(j.GitHubOwner)
	b.WriteByte('/')
	b.WriteString(j.GitHubRepo)
	b.WriteByte('/')
	b.WriteString(j.GitHubWorkflowName)
	b.WriteByte('|')
	b.WriteString(strconv.FormatBool(j.EnableEmailNotifications))
	b.WriteByte('|')
	b.WriteString(strconv.FormatBool(j.NotifyOnSuccess))
	b.WriteByte('|')
	b.WriteString(strings.Join(j.NotificationEmails, ","))
	b.WriteByte('|')
	b.WriteString(j.UpdatedAt.UTC().Format(time.RFC3339Nano))
	return b.String()
}

// ResyncFromDB runs one reconcile pass: end-date auto-pause, add/remove
// triggers for every job, and orphan cleanup. Safe to call repeatedly; a
// pass with no intervening store mutation reports zero deltas.
func (r *Reconciler) ResyncFromDB(ctx context.Context, removeOrphans bool) (Summary, error) {
	jobs, err := r.Store.AllJobs(ctx)
	if err != nil {
		return Summary{}, fmt.Errorf("load jobs: %w", err)
	}

	today := clock.TodayIn(r.Clock, r.Location)
	summary := Summary{RanAt: r.Clock.Now().UTC(), DBJobsTotal: len(jobs)}
	dbIDs := make(map[string]struct{}, len(jobs))

	for _, job := range jobs {
		dbIDs[job.ID] = struct{}{}

		expired := !job.EndDate.IsZero() && job.EndDate.Before(today)
		if job.IsActive && expired {
			if err := r.Store.SetJobActive(ctx, job.ID, false); err != nil {
				r.Logger.Errorf("reconcile: auto-pause %q: %v", job.Name, err)
			} else {
				summary.ExpiredAutoPaused++
				job.IsActive = false
				r.Notifier.BroadcastAutoPause(ctx, job)
			}
		}

		shouldSchedule := job.IsActive && !expired
		if shouldSchedule {
			summary.DBJobsActive++
		}

		before := r.Engine.Has(job.ID)
		sig := signature(job)
		unchanged := before && r.signatures[job.ID] == sig
		switch {
		case shouldSchedule && unchanged:
			// Signature-based no-op: the trigger already reflects this job's
			// current fields, so the engine is left untouched this pass.
		case shouldSchedule:
			jobID := job.ID
			err := r.Engine.Add(job.ID, job.Name, job.CronExpression, func(ctx context.Context, id, name string) {
				r.Dispatch(ctx, jobID)
			})
			if err != nil {
				summary.InvalidCron++
				r.Logger.Warningf("reconcile: job %q has invalid cron %q: %v", job.Name, job.CronExpression, err)
				continue
			}
			r.signatures[job.ID] = sig
			if !before {
				summary.ScheduledAdded++
			}
		case before:
			r.Engine.Remove(job.ID)
			delete(r.signatures, job.ID)
			summary.ScheduledRemoved++
		}
	}

	if removeOrphans {
		for _, id := range r.Engine.IDs() {
			if id == trigger.ReservedJobID {
				continue
			}
			if _, ok := dbIDs[id]; !ok {
				r.Engine.Remove(id)
				delete(r.signatures, id)
				summary.OrphanedRemoved++
			}
		}
	}

	summary.ScheduledNow = r.Engine.Count()
	r.lastResync = &summary.RanAt
	return summary, nil
}

// LastResyncAt returns the timestamp of the most recent successful
// reconcile pass, or nil if none has run yet.
func (r *Reconciler) LastResyncAt() *time.Time { return r.lastResync }

// Loop runs ResyncFromDB every interval until ctx is canceled. The first run
// happens after the first tick, matching the original's "wait, then loop"
// startup shape (the caller performs the initial synchronous resync before
// starting this loop).
func (r *Reconciler) Loop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.ResyncFromDB(ctx, true); err != nil {
				r.Logger.Warningf("reconcile loop: %v", err)
			}
		}
	}
}

// ClampPollSeconds enforces the [10, 300] bound on SCHEDULER_POLL_SECONDS.
func ClampPollSeconds(s int) int {
	if s < 10 {
		return 10
	}
	if s > 300 {
		return 300
	}
	return s
}

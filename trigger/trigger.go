// Package trigger is the in-memory scheduling engine: a keyed registry of
// cron-triggered callbacks with bounded global and per-job concurrency.
package trigger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/netresearch/taskrelay/logging"
)

// Policy constants fixed for every job in the engine: fires do not coalesce,
// at most MaxInstances concurrent invocations of a single job id are
// permitted, and a fire waiting longer than MisfireGraceTime for a worker
// slot is dropped rather than run stale.
const (
	MaxInstances      = 3
	MisfireGraceTime  = 30 * time.Second
	GlobalWorkerLimit = 20
)

// ReservedJobID is always excluded from orphan cleanup by the Reconciler.
const ReservedJobID = "end_date_maintenance"

// Callback is invoked once per due fire. ctx is canceled when the engine
// stops; id/name are the registered job identity.
type Callback func(ctx context.Context, id, name string)

// Engine is the trigger engine (C4): a cron-driven dispatcher of callbacks
// with bounded concurrency, independent of any particular job's meaning.
type Engine struct {
	cron     *cron.Cron
	location *time.Location
	logger   logging.Logger

	mu      sync.Mutex
	entries map[string]cron.EntryID
	names   map[string]string
	jobSems map[string]chan struct{}

	globalSem chan struct{}

	started bool
	stopCtx context.Context
	cancel  context.CancelFunc
}

// New builds an Engine that interprets cron expressions in loc.
func New(loc *time.Location, logger logging.Logger) *Engine {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	c := cron.New(cron.WithLocation(loc), cron.WithParser(parser))
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		cron:      c,
		location:  loc,
		logger:    logger,
		entries:   make(map[string]cron.EntryID),
		names:     make(map[string]string),
		jobSems:   make(map[string]chan struct{}),
		globalSem: make(chan struct{}, GlobalWorkerLimit),
		stopCtx:   ctx,
		cancel:    cancel,
	}
}

// Add registers (or replaces) the trigger for job id under the given 5-field
// cron expression, invoking cb on every due fire. Replacing an id does not
// interrupt a currently running invocation; only future fires are affected.
func (e *Engine) Add(id, name, cronExpr string, cb Callback) error {
	sched, err := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow).Parse(cronExpr)
	if err != nil {
		return fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if old, ok := e.entries[id]; ok {
		e.cron.Remove(old)
	}
	sem := e.jobSems[id]
	if sem == nil {
		sem = make(chan struct{}, MaxInstances)
		e.jobSems[id] = sem
	}

	entryID := e.cron.Schedule(sched, cron.FuncJob(func() {
		e.fire(id, name, cb)
	}))

	e.entries[id] = entryID
	e.names[id] = name
	return nil
}

// Remove unregisters id if present. A no-op if id was never registered.
func (e *Engine) Remove(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if entryID, ok := e.entries[id]; ok {
		e.cron.Remove(entryID)
		delete(e.entries, id)
		delete(e.names, id)
		delete(e.jobSems, id)
	}
}

// Has reports whether id is currently registered.
func (e *Engine) Has(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.entries[id]
	return ok
}

// IDs returns every currently registered job id.
func (e *Engine) IDs() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.entries))
	for id := range e.entries {
		ids = append(ids, id)
	}
	return ids
}

// Count returns the number of registered ids, excluding ReservedJobID, for
// status reporting.
func (e *Engine) Count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := len(e.entries)
	if _, ok := e.entries[ReservedJobID]; ok {
		n--
	}
	return n
}

// Start begins firing registered triggers.
func (e *Engine) Start() { e.cron.Start() }

// Stop halts future fires and waits for in-flight callbacks to finish,
// canceling the shared context passed to callbacks still running.
func (e *Engine) Stop(ctx context.Context) {
	stopped := e.cron.Stop()
	e.cancel()
	select {
	case <-stopped.Done():
	case <-ctx.Done():
	}
}

// fire acquires a global and a per-job worker slot, honoring MisfireGraceTime
// while waiting, then invokes cb. A fire that cannot get a slot in time, or
// whose per-job instance cap (MaxInstances) is already saturated, is dropped
// and logged rather than queued.
func (e *Engine) fire(id, name string, cb Callback) {
	scheduledAt := time.Now()

	e.mu.Lock()
	sem := e.jobSems[id]
	e.mu.Unlock()
	if sem == nil {
		return // removed between scheduling and firing
	}

	select {
	case sem <- struct{}{}:
		defer func() { <-sem }()
	default:
		e.logger.Warningf("job %q skipped: max_instances=%d reached", name, MaxInstances)
		return
	}

	deadline := time.NewTimer(MisfireGraceTime)
	defer deadline.Stop()
	select {
	case e.globalSem <- struct{}{}:
		defer func() { <-e.globalSem }()
	case <-deadline.C:
		e.logger.Warningf("job %q skipped: misfire_grace_time exceeded waiting for a worker", name)
		return
	case <-e.stopCtx.Done():
		return
	}

	if time.Since(scheduledAt) > MisfireGraceTime {
		e.logger.Warningf("job %q skipped: fire is older than misfire_grace_time", name)
		return
	}

	cb(e.stopCtx, id, name)
}

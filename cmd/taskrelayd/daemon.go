package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/netresearch/taskrelay/clock"
	"github.com/netresearch/taskrelay/config"
	"github.com/netresearch/taskrelay/dispatch"
	"github.com/netresearch/taskrelay/domain"
	"github.com/netresearch/taskrelay/lock"
	"github.com/netresearch/taskrelay/logging"
	"github.com/netresearch/taskrelay/mail"
	"github.com/netresearch/taskrelay/maintenance"
	"github.com/netresearch/taskrelay/notify"
	"github.com/netresearch/taskrelay/reconcile"
	"github.com/netresearch/taskrelay/runtime"
	"github.com/netresearch/taskrelay/store"
	"github.com/netresearch/taskrelay/trigger"
)

// daemonCommand adapts config.DaemonCommand to go-flags' Commander
// interface (an Execute([]string) error method), the same split the
// teacher keeps between its flag struct and its command logic.
type daemonCommand struct {
	*config.DaemonCommand
}

// Execute wires every component (§2's control flow) and runs until the
// process receives SIGINT/SIGTERM, matching the teacher's shutdown-manager-
// driven daemon lifecycle.
func (d *daemonCommand) Execute(_ []string) error {
	// ApplyDefaults treats false as unset and would turn an explicit
	// SCHEDULER_ENABLED=false back into the tag default, so the value
	// go-flags parsed is kept.
	schedulerEnabled := d.SchedulerEnabled
	if err := d.ApplyDefaults(); err != nil {
		return fmt.Errorf("apply config defaults: %w", err)
	}
	d.SchedulerEnabled = schedulerEnabled
	if err := d.LoadINI(d.ConfigFile); err != nil {
		return fmt.Errorf("load config file: %w", err)
	}

	logger := newLogger(d.LogLevel)
	logger.Noticef("taskrelayd starting")

	loc, err := d.Location()
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	db, err := store.Open(ctx, d.DatabaseURL)
	if err != nil {
		return fmt.Errorf("open job store: %w", err)
	}
	defer db.Close()

	if d.GithubToken != "" {
		_ = os.Setenv("GITHUB_TOKEN", d.GithubToken)
	}

	var mailer notify.Mailer
	smtpFrom := d.SMTPFrom
	if hostname, err := os.Hostname(); err == nil {
		smtpFrom = mail.From(d.SMTPFrom, hostname)
	}
	if sender := mail.New(mail.Config{Host: d.SMTPHost, Port: d.SMTPPort, User: d.SMTPUser, Password: d.SMTPPassword, From: smtpFrom}); sender.Enabled() {
		mailer = sender
	}

	notifier := notify.New(db, mailer, logger, d.FrontendBaseURL)
	engine := trigger.New(loc, logger)
	disp := dispatch.New(db, engine, notifier, logger, clock.Real{}, loc)

	dispatchFn := func(ctx context.Context, jobID string) {
		disp.Dispatch(ctx, jobID, domain.TriggerScheduled, dispatch.Override{})
	}
	reconciler := reconcile.New(db, engine, notifier, logger, clock.Real{}, loc, dispatchFn)
	maint := maintenance.New(db, notifier, logger, clock.Real{}, loc)

	l := lock.New(d.LockPath(), lock.WithStaleAfter(d.LockStaleDuration()))
	pollInterval := time.Duration(d.PollSeconds()) * time.Second
	rt := runtime.New(l, engine, reconciler, maint, logger, pollInterval)

	if !d.SchedulerEnabled {
		logger.Noticef("SCHEDULER_ENABLED=false: skipping leader acquisition, idling")
		<-ctx.Done()
		return nil
	}

	if err := rt.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler runtime: %w", err)
	}

	<-ctx.Done()
	logger.Noticef("taskrelayd shutting down")

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer stopCancel()
	rt.Stop(stopCtx)
	return nil
}

// Package config is the CLI/env/file configuration layer (§10.3): a
// go-flags struct carrying the daemon's flags and environment variables,
// plus an optional static INI file for operators who prefer one, mirroring
// the teacher's cli/daemon.go + gopkg.in/ini.v1 pattern.
package config

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/creasty/defaults"
	ini "gopkg.in/ini.v1"
)

// DaemonCommand is the flag/env struct for the `daemon` subcommand. Field
// names ending in the distilled spec's own §6.2 vocabulary
// (SchedulerEnabled, SchedulerTimezone, ...) keep those exact environment
// variable names, since they are data-contract names the wider system (a
// future API layer, migrations) also reads; CLI-only concerns get the
// TASKRELAY_ prefix.
type DaemonCommand struct {
	SchedulerEnabled          bool   `long:"scheduler-enabled" env:"SCHEDULER_ENABLED" description:"Run the leader election and trigger engine" default:"true"`
	SchedulerTimezone         string `long:"scheduler-timezone" env:"SCHEDULER_TIMEZONE" description:"IANA timezone cron expressions and end dates are interpreted in" default:"Asia/Tokyo"`
	SchedulerLockPath         string `long:"scheduler-lock-path" env:"SCHEDULER_LOCK_PATH" description:"Leader-election lock file path; defaults alongside the database file"`
	SchedulerLockStaleSeconds int    `long:"scheduler-lock-stale-seconds" env:"SCHEDULER_LOCK_STALE_SECONDS" description:"Treat a lock older than this many seconds as stale regardless of PID liveness (0 disables)"`
	SchedulerPollSeconds      int    `long:"scheduler-poll-seconds" env:"SCHEDULER_POLL_SECONDS" description:"Reconcile loop period, clamped to [10, 300]" default:"60"`
	GithubToken               string `long:"github-token" env:"GITHUB_TOKEN" description:"Fallback token for scheduled GitHub Actions dispatches" default-mask:"-"`
	DatabaseURL               string `long:"database-url" env:"DATABASE_URL" description:"SQLite DSN the Job Store opens" default:"./taskrelay.db"`
	FrontendBaseURL           string `long:"frontend-base-url" env:"FRONTEND_BASE_URL" description:"Base URL used to render Slack deep-links" default:"http://localhost:5173"`

	SMTPHost     string `long:"smtp-host" env:"TASKRELAY_SMTP_HOST" description:"Outbound mail relay host"`
	SMTPPort     int    `long:"smtp-port" env:"TASKRELAY_SMTP_PORT" description:"Outbound mail relay port" default:"587"`
	SMTPUser     string `long:"smtp-user" env:"TASKRELAY_SMTP_USER" description:"Outbound mail relay username"`
	SMTPPassword string `long:"smtp-password" env:"TASKRELAY_SMTP_PASSWORD" description:"Outbound mail relay password" default-mask:"-"`
	SMTPFrom     string `long:"smtp-from" env:"TASKRELAY_SMTP_FROM" description:"From address stamped on outgoing notification emails"`

	LogLevel   string `long:"log-level" env:"TASKRELAY_LOG_LEVEL" description:"Log level (trace,debug,info,warning,error)" default:"info"`
	ConfigFile string `long:"config" env:"TASKRELAY_CONFIG" description:"Optional static INI config file overlaid under flags/env"`
}

// InitCommand is the flag/env struct for the `init` subcommand: it only
// needs to know where to write the wizard's output.
type InitCommand struct {
	Output   string `long:"output" short:"o" description:"Output INI file path" default:"./taskrelay.ini"`
	LogLevel string `long:"log-level" env:"TASKRELAY_LOG_LEVEL" description:"Log level"`
}

// ApplyDefaults fills zero-valued fields via struct tags, the same
// creasty/defaults mechanism the teacher uses for BareJob fields.
func (c *DaemonCommand) ApplyDefaults() error {
	return defaults.Set(c)
}

// LoadINI overlays values from an optional static INI file onto any field
// still at its go-flags zero value, matching the "always try to read the
// config file" framing of the teacher's boot sequence: explicit CLI flags
// and environment variables (already applied to c by go-flags before
// Execute runs) always win over the file.
func (c *DaemonCommand) LoadINI(path string) error {
	if path == "" {
		return nil
	}
	cfg, err := ini.LoadSources(ini.LoadOptions{AllowShadows: true, InsensitiveKeys: true}, path)
	if err != nil {
		return fmt.Errorf("load ini config %q: %w", path, err)
	}
	sec, err := cfg.GetSection("scheduler")
	if err != nil {
		return nil // no [scheduler] section, nothing to overlay
	}

	overlayString(sec, "timezone", &c.SchedulerTimezone)
	overlayString(sec, "lock-path", &c.SchedulerLockPath)
	overlayString(sec, "database-url", &c.DatabaseURL)
	overlayString(sec, "frontend-base-url", &c.FrontendBaseURL)
	overlayInt(sec, "poll-seconds", &c.SchedulerPollSeconds)
	overlayInt(sec, "lock-stale-seconds", &c.SchedulerLockStaleSeconds)

	if mailSec, err := cfg.GetSection("mail"); err == nil {
		overlayString(mailSec, "host", &c.SMTPHost)
		overlayInt(mailSec, "port", &c.SMTPPort)
		overlayString(mailSec, "user", &c.SMTPUser)
		overlayString(mailSec, "from", &c.SMTPFrom)
	}
	return nil
}

func overlayString(sec *ini.Section, key string, dst *string) {
	if *dst != "" || !sec.HasKey(key) {
		return
	}
	*dst = sec.Key(key).String()
}

func overlayInt(sec *ini.Section, key string, dst *int) {
	if *dst != 0 || !sec.HasKey(key) {
		return
	}
	if v, err := sec.Key(key).Int(); err == nil {
		*dst = v
	}
}

// Location resolves the configured IANA timezone.
func (c *DaemonCommand) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.SchedulerTimezone)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", c.SchedulerTimezone, err)
	}
	return loc, nil
}

// LockPath resolves SCHEDULER_LOCK_PATH, defaulting to a file alongside the
// database file, falling back to ./scheduler.lock for non-file DSNs.
func (c *DaemonCommand) LockPath() string {
	if c.SchedulerLockPath != "" {
		return c.SchedulerLockPath
	}
	if c.DatabaseURL == "" || c.DatabaseURL == ":memory:" {
		return "./scheduler.lock"
	}
	dir := filepath.Dir(c.DatabaseURL)
	if dir == "." || dir == "" {
		return "./scheduler.lock"
	}
	return filepath.Join(dir, "scheduler.lock")
}

// PollSeconds clamps SchedulerPollSeconds to [10, 300].
func (c *DaemonCommand) PollSeconds() int {
	s := c.SchedulerPollSeconds
	if s < 10 {
		return 10
	}
	if s > 300 {
		return 300
	}
	return s
}

// LockStaleDuration returns the configured stale-after duration, or 0
// (never stale by age) if unset.
func (c *DaemonCommand) LockStaleDuration() time.Duration {
	if c.SchedulerLockStaleSeconds <= 0 {
		return 0
	}
	return time.Duration(c.SchedulerLockStaleSeconds) * time.Second
}

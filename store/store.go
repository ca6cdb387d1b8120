// Package store is the SQLite-backed persistence layer for jobs, their
// execution history, the job taxonomy, notifications, and Slack settings.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/netresearch/taskrelay/domain"
)

// Store wraps a *sql.DB with the typed operations the scheduler needs.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the SQLite database at dsn, creates the
// schema if missing, and applies the idempotent column-add guards a long
// lived SQLite deployment accumulates over schema revisions.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1) // mattn/go-sqlite3 + WAL off: serialize writers

	s := &Store{db: db}
	if err := s.createSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.ensureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) createSchema(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS jobs (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL UNIQUE,
	cron_expression TEXT NOT NULL,
	target_url TEXT,
	github_owner TEXT,
	github_repo TEXT,
	github_workflow_name TEXT,
	job_metadata TEXT,
	enable_email_notifications INTEGER NOT NULL DEFAULT 0,
	notification_emails TEXT,
	notify_on_success INTEGER NOT NULL DEFAULT 0,
	pic_team TEXT,
	category TEXT,
	created_by TEXT,
	is_active INTEGER NOT NULL DEFAULT 1,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS job_executions (
	id TEXT PRIMARY KEY,
	job_id TEXT NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
	status TEXT NOT NULL,
	trigger_type TEXT NOT NULL,
	started_at TEXT NOT NULL,
	completed_at TEXT,
	duration_seconds REAL,
	execution_type TEXT,
	target TEXT,
	response_status INTEGER,
	error_message TEXT,
	output TEXT
);
CREATE INDEX IF NOT EXISTS idx_job_executions_job_id ON job_executions(job_id);
CREATE TABLE IF NOT EXISTS pic_teams (
	slug TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	is_active INTEGER NOT NULL DEFAULT 1,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS job_categories (
	slug TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	is_active INTEGER NOT NULL DEFAULT 1,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS notifications (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	title TEXT NOT NULL,
	message TEXT NOT NULL,
	type TEXT NOT NULL,
	related_job_id TEXT,
	related_execution_id TEXT,
	is_read INTEGER NOT NULL DEFAULT 0,
	read_at TEXT,
	created_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS slack_settings (
	id TEXT PRIMARY KEY,
	is_enabled INTEGER NOT NULL DEFAULT 0,
	webhook_url TEXT,
	channel TEXT,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS users (
	id TEXT PRIMARY KEY,
	email TEXT NOT NULL UNIQUE,
	role TEXT NOT NULL DEFAULT 'viewer',
	is_active INTEGER NOT NULL DEFAULT 1
);
`
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// ensureSchema adds columns that later revisions of this schema introduced,
// the way a long-lived SQLite deployment without a migration runner would.
// Safe to call on every startup: each guard checks PRAGMA table_info first.
func (s *Store) ensureSchema(ctx context.Context) error {
	guards := []struct {
		table, column, ddl string
	}{
		{"jobs", "end_date", "ALTER TABLE jobs ADD COLUMN end_date TEXT"},
		{"jobs", "pic_team", "ALTER TABLE jobs ADD COLUMN pic_team TEXT"},
		{"pic_teams", "slack_handle", "ALTER TABLE pic_teams ADD COLUMN slack_handle TEXT"},
	}
	for _, g := range guards {
		has, err := s.hasColumn(ctx, g.table, g.column)
		if err != nil {
			continue // table may not exist yet on a brand-new database
		}
		if !has {
			if _, err := s.db.ExecContext(ctx, g.ddl); err != nil {
				return fmt.Errorf("add column %s.%s: %w", g.table, g.column, err)
			}
		}
	}
	return nil
}

func (s *Store) hasColumn(ctx context.Context, table, column string) (bool, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info('%s')", table))
	if err != nil {
		return false, err
	}
	defer rows.Close()

	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dflt sql.NullString
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return false, err
		}
		if strings.EqualFold(name, column) {
			return true, nil
		}
	}
	return false, rows.Err()
}

const timeLayout = "2006-01-02T15:04:05.000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(timeLayout, s); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, s)
}

const dateLayout = "2006-01-02"

func formatDate(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(dateLayout)
}

func parseDate(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(dateLayout, s)
}

// CreateJob validates j (target invariant plus struct-tag field checks, see
// domain.Job.Validate) and inserts it as a new row.
func (s *Store) CreateJob(ctx context.Context, j *domain.Job) error {
	if err := j.Validate(); err != nil {
		return fmt.Errorf("validate job: %w", err)
	}

	meta, err := json.Marshal(j.Metadata)
	if err != nil {
		return fmt.Errorf("marshal job metadata: %w", err)
	}
	now := time.Now().UTC()
	j.CreatedAt, j.UpdatedAt = now, now

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, name, cron_expression, target_url, github_owner, github_repo,
			github_workflow_name, job_metadata, enable_email_notifications, notification_emails,
			notify_on_success, pic_team, category, created_by, is_active, end_date, created_at, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		j.ID, j.Name, j.CronExpression, nullable(j.TargetURL), nullable(j.GitHubOwner),
		nullable(j.GitHubRepo), nullable(j.GitHubWorkflowName), string(meta),
		boolToInt(j.EnableEmailNotifications), strings.Join(j.NotificationEmails, ","),
		boolToInt(j.NotifyOnSuccess), nullable(j.PICTeam), nullable(j.Category),
		nullable(j.CreatedBy), boolToInt(j.IsActive), formatDate(j.EndDate),
		formatTime(j.CreatedAt), formatTime(j.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// SetJobActive flips a job's is_active flag, used by the end-date auto-pause
// path in the Reconciler, the Dispatcher's guard, and the weekly maintenance
// sweep.
func (s *Store) SetJobActive(ctx context.Context, jobID string, active bool) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET is_active = ?, updated_at = ? WHERE id = ?`,
		boolToInt(active), formatTime(time.Now()), jobID)
	if err != nil {
		return fmt.Errorf("set job active: %w", err)
	}
	return nil
}

// GetJob loads a single job by id, or sql.ErrNoRows if absent.
func (s *Store) GetJob(ctx context.Context, id string) (*domain.Job, error) {
	row := s.db.QueryRowContext(ctx, jobSelectColumns+` FROM jobs WHERE id = ?`, id)
	return scanJob(row)
}

// ActiveJobs returns every job with is_active = true, the read path the
// weekly maintenance sweep uses.
func (s *Store) ActiveJobs(ctx context.Context) ([]*domain.Job, error) {
	rows, err := s.db.QueryContext(ctx, jobSelectColumns+` FROM jobs WHERE is_active = 1`)
	if err != nil {
		return nil, fmt.Errorf("query active jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// AllJobs returns every job regardless of is_active, the read path the
// Reconciler's per-job pass uses (and the basis of db_jobs_total).
func (s *Store) AllJobs(ctx context.Context) ([]*domain.Job, error) {
	rows, err := s.db.QueryContext(ctx, jobSelectColumns+` FROM jobs`)
	if err != nil {
		return nil, fmt.Errorf("query all jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

const jobSelectColumns = `SELECT id, name, cron_expression, COALESCE(target_url,''), COALESCE(github_owner,''),
	COALESCE(github_repo,''), COALESCE(github_workflow_name,''), COALESCE(job_metadata,''),
	enable_email_notifications, COALESCE(notification_emails,''), notify_on_success,
	COALESCE(pic_team,''), COALESCE(category,''), COALESCE(created_by,''), is_active,
	COALESCE(end_date,''), created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (*domain.Job, error) {
	var j domain.Job
	var meta, emails, endDate, createdAt, updatedAt string
	var active, notifySuccess, emailNotify int

	err := row.Scan(&j.ID, &j.Name, &j.CronExpression, &j.TargetURL, &j.GitHubOwner,
		&j.GitHubRepo, &j.GitHubWorkflowName, &meta, &emailNotify, &emails, &notifySuccess,
		&j.PICTeam, &j.Category, &j.CreatedBy, &active, &endDate, &createdAt, &updatedAt)
	if err != nil {
		return nil, fmt.Errorf("scan job: %w", err)
	}

	j.IsActive = active != 0
	j.NotifyOnSuccess = notifySuccess != 0
	j.EnableEmailNotifications = emailNotify != 0
	if emails != "" {
		j.NotificationEmails = strings.Split(emails, ",")
	}
	if meta != "" {
		_ = json.Unmarshal([]byte(meta), &j.Metadata)
	}
	if j.EndDate, err = parseDate(endDate); err != nil {
		return nil, fmt.Errorf("parse end_date: %w", err)
	}
	if j.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if j.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	return &j, nil
}

// CreateExecution inserts a new execution row, typically in status=running.
func (s *Store) CreateExecution(ctx context.Context, e *domain.JobExecution) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO job_executions (id, job_id, status, trigger_type, started_at, target)
		VALUES (?,?,?,?,?,?)`,
		e.ID, e.JobID, string(e.Status), string(e.TriggerType), formatTime(e.StartedAt), e.Target)
	if err != nil {
		return fmt.Errorf("insert execution: %w", err)
	}
	return nil
}

// CompleteExecution persists the final state of an execution (status,
// completion time, duration, dispatch outcome fields).
func (s *Store) CompleteExecution(ctx context.Context, e *domain.JobExecution) error {
	var completedAt string
	if e.CompletedAt != nil {
		completedAt = formatTime(*e.CompletedAt)
	}
	var execType string
	if e.ExecutionType != nil {
		execType = string(*e.ExecutionType)
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE job_executions SET status=?, completed_at=?, duration_seconds=?, execution_type=?,
			target=?, response_status=?, error_message=?, output=?
		WHERE id = ?`,
		string(e.Status), nullable(completedAt), e.DurationSeconds, nullable(execType),
		e.Target, e.ResponseStatus, nullable(e.ErrorMessage), nullable(e.Output), e.ID)
	if err != nil {
		return fmt.Errorf("complete execution: %w", err)
	}
	return nil
}

// ExecutionsForJob returns the execution history for a job, most recent first.
func (s *Store) ExecutionsForJob(ctx context.Context, jobID string, limit int) ([]*domain.JobExecution, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, job_id, status, trigger_type, started_at, COALESCE(completed_at,''),
			duration_seconds, COALESCE(execution_type,''), COALESCE(target,''), response_status,
			COALESCE(error_message,''), COALESCE(output,'')
		FROM job_executions WHERE job_id = ? ORDER BY started_at DESC LIMIT ?`, jobID, limit)
	if err != nil {
		return nil, fmt.Errorf("query executions: %w", err)
	}
	defer rows.Close()

	var out []*domain.JobExecution
	for rows.Next() {
		var e domain.JobExecution
		var started, completed, execType string
		var duration sql.NullFloat64
		var respStatus sql.NullInt64
		if err := rows.Scan(&e.ID, &e.JobID, &e.Status, &e.TriggerType, &started, &completed,
			&duration, &execType, &e.Target, &respStatus, &e.ErrorMessage, &e.Output); err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		if e.StartedAt, err = parseTime(started); err != nil {
			return nil, err
		}
		if completed != "" {
			t, err := parseTime(completed)
			if err != nil {
				return nil, err
			}
			e.CompletedAt = &t
		}
		if duration.Valid {
			e.DurationSeconds = &duration.Float64
		}
		if execType != "" {
			k := domain.ExecutionKind(execType)
			e.ExecutionType = &k
		}
		if respStatus.Valid {
			v := int(respStatus.Int64)
			e.ResponseStatus = &v
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

// GetTeam returns a team by slug, or sql.ErrNoRows if absent.
func (s *Store) GetTeam(ctx context.Context, slug string) (*domain.Team, error) {
	var t domain.Team
	var active int
	var handle sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT slug, name, COALESCE(slack_handle,''), is_active FROM pic_teams WHERE slug = ?`, slug,
	).Scan(&t.Slug, &t.Name, &handle, &active)
	if err != nil {
		return nil, err
	}
	t.SlackHandle = handle.String
	t.IsActive = active != 0
	return &t, nil
}

// GetSlackSettings returns the singleton Slack config, or the zero value
// (disabled) if none has been configured yet.
func (s *Store) GetSlackSettings(ctx context.Context) (*domain.SlackSettings, error) {
	var cfg domain.SlackSettings
	var enabled int
	err := s.db.QueryRowContext(ctx,
		`SELECT is_enabled, COALESCE(webhook_url,''), COALESCE(channel,'') FROM slack_settings LIMIT 1`,
	).Scan(&enabled, &cfg.WebhookURL, &cfg.Channel)
	if err == sql.ErrNoRows {
		return &domain.SlackSettings{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get slack settings: %w", err)
	}
	cfg.IsEnabled = enabled != 0
	return &cfg, nil
}

// CreateNotification inserts a single notification row.
func (s *Store) CreateNotification(ctx context.Context, n *domain.Notification) error {
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO notifications (id, user_id, title, message, type, related_job_id,
			related_execution_id, is_read, created_at)
		VALUES (?,?,?,?,?,?,?,0,?)`,
		n.ID, n.UserID, n.Title, n.Message, string(n.Type),
		nullable(n.RelatedJobID), nullable(n.RelatedExecutionID), formatTime(n.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}
	return nil
}

// AllUserIDs returns every known user id, the recipient set for broadcast
// notifications (§9 Open Question a).
func (s *Store) AllUserIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM users`)
	if err != nil {
		return nil, fmt.Errorf("query users: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ResolveNotificationRecipients returns the targeted recipient set for
// auto-pause/ending-soon warnings: the job's creator plus every active admin.
func (s *Store) ResolveNotificationRecipients(ctx context.Context, createdBy string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM users WHERE is_active = 1 AND role = 'admin'`)
	if err != nil {
		return nil, fmt.Errorf("query admins: %w", err)
	}
	defer rows.Close()

	seen := map[string]struct{}{}
	var out []string
	if createdBy != "" {
		seen[createdBy] = struct{}{}
		out = append(out, createdBy)
	}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out, rows.Err()
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

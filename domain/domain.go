// Package domain holds the persisted entities the scheduler reads and
// writes: jobs, their execution history, the taxonomy used to group them,
// in-app notifications, and the Slack integration singleton.
package domain

import (
	"strings"
	"time"
)

// ReservedCategorySlug is the always-present, never-renamable category.
const ReservedCategorySlug = "general"

// Job is a scheduled unit of work dispatched to a webhook or a GitHub
// Actions workflow.
type Job struct {
	ID                       string
	Name                     string `validate:"required"`
	CronExpression           string `validate:"required,cron"`
	IsActive                 bool
	EndDate                  time.Time // date only, interpreted in the scheduler timezone
	TargetURL                string   `validate:"omitempty,url"`
	GitHubOwner              string
	GitHubRepo               string
	GitHubWorkflowName       string
	Metadata                 map[string]any
	PICTeam                  string // team slug
	Category                 string // category slug
	CreatedBy                string // user id
	EnableEmailNotifications bool
	NotifyOnSuccess          bool
	NotificationEmails       []string `validate:"omitempty,dive,email"`
	CreatedAt                time.Time
	UpdatedAt                time.Time
}

// HasGitHubTarget reports whether all three GitHub fields are set.
func (j *Job) HasGitHubTarget() bool {
	return j.GitHubOwner != "" && j.GitHubRepo != "" && j.GitHubWorkflowName != ""
}

// HasWebhookTarget reports whether a webhook URL is set.
func (j *Job) HasWebhookTarget() bool {
	return j.TargetURL != ""
}

// Validate enforces the target XOR invariant (exactly one of webhook URL or
// the full GitHub triple must be present, and the GitHub triple is never
// partially set) and runs the struct-tag field validation registered in
// validate.go for everything else: required fields, cron syntax, URL/email
// shape.
func (j *Job) Validate() error {
	githubAny := j.GitHubOwner != "" || j.GitHubRepo != "" || j.GitHubWorkflowName != ""
	githubFull := j.HasGitHubTarget()
	webhook := j.HasWebhookTarget()

	if githubAny && !githubFull {
		return ErrTargetMisconfigured
	}
	if webhook == githubFull {
		// both set, or neither set
		return ErrTargetMisconfigured
	}
	return validateFields(j)
}

// GitHubTarget renders the "{owner}/{repo}/{workflow}" description used as
// JobExecution.Target.
func (j *Job) GitHubTarget() string {
	return j.GitHubOwner + "/" + j.GitHubRepo + "/" + j.GitHubWorkflowName
}

// ExecutionStatus is the lifecycle state of a JobExecution.
type ExecutionStatus string

const (
	ExecutionRunning ExecutionStatus = "running"
	ExecutionSuccess ExecutionStatus = "success"
	ExecutionFailed  ExecutionStatus = "failed"
)

// TriggerType records whether a JobExecution was started by the cron
// schedule or by an explicit manual-run request.
type TriggerType string

const (
	TriggerScheduled TriggerType = "scheduled"
	TriggerManual    TriggerType = "manual"
)

// ExecutionKind distinguishes how the dispatcher reached the remote side.
type ExecutionKind string

const (
	ExecutionGitHubActions ExecutionKind = "github_actions"
	ExecutionWebhook       ExecutionKind = "webhook"
)

// OutputTruncateLimit is the maximum number of bytes retained in
// JobExecution.Output and carried over from response bodies.
const OutputTruncateLimit = 1000

// JobExecution is a single firing of a Job: its dispatch attempt and outcome.
type JobExecution struct {
	ID              string
	JobID           string
	Status          ExecutionStatus
	TriggerType     TriggerType
	StartedAt       time.Time
	CompletedAt     *time.Time
	DurationSeconds *float64
	ExecutionType   *ExecutionKind
	Target          string
	ResponseStatus  *int
	ErrorMessage    string
	Output          string
}

// Complete marks the execution completed at "at", deriving duration from
// StartedAt. Output and ErrorMessage are truncated to OutputTruncateLimit.
func (e *JobExecution) Complete(at time.Time, status ExecutionStatus) {
	e.CompletedAt = &at
	d := at.Sub(e.StartedAt).Seconds()
	e.DurationSeconds = &d
	e.Status = status
	e.Output = truncate(e.Output, OutputTruncateLimit)
	e.ErrorMessage = truncate(e.ErrorMessage, OutputTruncateLimit)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// Team is the "PIC team" (person/people in charge) a job is assigned to.
type Team struct {
	Slug         string
	Name         string
	SlackHandle  string
	IsActive     bool
}

// Category groups jobs for display/filtering purposes.
type Category struct {
	Slug     string
	Name     string
	IsActive bool
}

// IsReserved reports whether this category is the built-in "general" one,
// which can never be renamed or deactivated by API callers.
func (c *Category) IsReserved() bool {
	return c.Slug == ReservedCategorySlug
}

// NotificationType mirrors the UI's color-coding of a Notification.
type NotificationType string

const (
	NotificationInfo    NotificationType = "info"
	NotificationSuccess NotificationType = "success"
	NotificationWarning NotificationType = "warning"
	NotificationError   NotificationType = "error"
)

// Notification is a single in-app message delivered to one user.
type Notification struct {
	ID                  string
	UserID              string
	Title               string
	Message             string
	Type                NotificationType
	IsRead              bool
	ReadAt              *time.Time
	RelatedJobID        string
	RelatedExecutionID  string
	CreatedAt           time.Time
}

// SlackSettings is the singleton admin-managed Slack integration config.
type SlackSettings struct {
	IsEnabled  bool
	WebhookURL string
	Channel    string
}

// Valid reports whether the Slack webhook URL looks like a real https
// endpoint, mirroring the original's _is_valid_webhook_url check. Disabled
// settings always report true; their URL is not checked.
func (s *SlackSettings) Valid() bool {
	if !s.IsEnabled {
		return true
	}
	u := strings.TrimSpace(s.WebhookURL)
	return strings.HasPrefix(u, "https://") && len(u) > len("https://")
}

// User is the read-only collaborator data the core needs to resolve
// notification recipients. The core never writes this table.
type User struct {
	ID       string
	Email    string
	Role     string // "admin", "user", "viewer"
	IsActive bool
}

// IsAdmin reports whether the user has the admin role.
func (u *User) IsAdmin() bool { return u.Role == "admin" }

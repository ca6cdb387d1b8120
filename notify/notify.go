// Package notify broadcasts in-app notifications and, when configured,
// mirrors them to Slack. It is the only component that talks to the
// optional external mail sink.
package notify

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/slack-go/slack"
	"golang.org/x/time/rate"

	"github.com/netresearch/taskrelay/domain"
	"github.com/netresearch/taskrelay/logging"
)

const slackTimeout = 10 * time.Second

// Store is the subset of store.Store the notifier needs.
type Store interface {
	CreateNotification(ctx context.Context, n *domain.Notification) error
	AllUserIDs(ctx context.Context) ([]string, error)
	ResolveNotificationRecipients(ctx context.Context, createdBy string) ([]string, error)
	GetSlackSettings(ctx context.Context) (*domain.SlackSettings, error)
	GetTeam(ctx context.Context, slug string) (*domain.Team, error)
}

// Mailer is the external mail sink collaborator (§6.4); satisfied by
// *mail.Sender.
type Mailer interface {
	Send(to []string, subject, body string) error
}

// Notifier is the C8 component.
type Notifier struct {
	Store     Store
	Mailer    Mailer
	Logger    logging.Logger
	FrontendURL string

	limiter *rate.Limiter
	client  *http.Client
}

// New builds a Notifier. Slack posts during a burst (e.g. a weekly
// maintenance sweep touching many jobs) are paced by a token-bucket limiter
// to avoid hammering the incoming webhook.
func New(store Store, mailer Mailer, logger logging.Logger, frontendURL string) *Notifier {
	return &Notifier{
		Store:       store,
		Mailer:      mailer,
		Logger:      logger,
		FrontendURL: frontendURL,
		limiter:     rate.NewLimiter(rate.Every(200*time.Millisecond), 5),
		client:      &http.Client{Timeout: slackTimeout},
	}
}

// Broadcast inserts one notification built from title, message and typ for
// every known user.
// Preserved intentionally broad per the standing "notify all users" design
// decision, not narrowed to owner/admins.
func (n *Notifier) Broadcast(ctx context.Context, title, message string, typ domain.NotificationType, jobID, execID string) {
	ids, err := n.Store.AllUserIDs(ctx)
	if err != nil {
		n.Logger.Errorf("broadcast: list users: %v", err)
		return
	}
	for _, uid := range ids {
		note := &domain.Notification{
			ID: uuid.NewString(), UserID: uid, Title: title, Message: message, Type: typ,
			RelatedJobID: jobID, RelatedExecutionID: execID, CreatedAt: time.Now().UTC(),
		}
		if err := n.Store.CreateNotification(ctx, note); err != nil {
			n.Logger.Errorf("broadcast: create notification for %s: %v", uid, err)
		}
	}
}

// Targeted inserts one notification built from title, message and typ for
// the creator plus every active admin, the recipient set used by auto-pause
// and ending-soon warnings.
func (n *Notifier) Targeted(ctx context.Context, createdBy, title, message string, typ domain.NotificationType, jobID string) {
	ids, err := n.Store.ResolveNotificationRecipients(ctx, createdBy)
	if err != nil {
		n.Logger.Errorf("targeted notify: resolve recipients: %v", err)
		return
	}
	for _, uid := range ids {
		note := &domain.Notification{
			ID: uuid.NewString(), UserID: uid, Title: title, Message: message, Type: typ,
			RelatedJobID: jobID, CreatedAt: time.Now().UTC(),
		}
		if err := n.Store.CreateNotification(ctx, note); err != nil {
			n.Logger.Errorf("targeted notify: create notification for %s: %v", uid, err)
		}
	}
}

// BroadcastJobCompleted is the success-path notification emitted by the
// Dispatcher.
func (n *Notifier) BroadcastJobCompleted(ctx context.Context, job *domain.Job, exec *domain.JobExecution) {
	n.Broadcast(ctx, "Job Completed", fmt.Sprintf("Job %q completed successfully.", job.Name),
		domain.NotificationSuccess, job.ID, exec.ID)
}

// BroadcastJobFailed is the failure-path notification emitted by the
// Dispatcher.
func (n *Notifier) BroadcastJobFailed(ctx context.Context, job *domain.Job, exec *domain.JobExecution) {
	n.Broadcast(ctx, "Job Failed", fmt.Sprintf("Job %q failed: %s", job.Name, exec.ErrorMessage),
		domain.NotificationError, job.ID, exec.ID)
}

// BroadcastAutoPause is emitted whenever a job is auto-paused because its
// end date has passed, by the Dispatcher's guard, the Reconciler, or the
// weekly maintenance sweep.
func (n *Notifier) BroadcastAutoPause(ctx context.Context, job *domain.Job) {
	msg := fmt.Sprintf("Job %q was automatically paused because its end date has passed.", job.Name)
	n.Targeted(ctx, job.CreatedBy, "Job auto-paused (end date passed)", msg, domain.NotificationWarning, job.ID)

	slackText := fmt.Sprintf(":warning: %sJob auto-paused (end date passed): <%s|%s> (end_date %s)",
		n.teamMention(ctx, job), n.jobLink(job), job.Name, job.EndDate.Format("2006-01-02"))
	n.postSlackForTeam(ctx, job, slackText)
}

// WarnEndingSoon is emitted by the weekly maintenance sweep for jobs whose
// end date falls within the configured lookahead window.
func (n *Notifier) WarnEndingSoon(ctx context.Context, job *domain.Job, daysLeft int) {
	msg := fmt.Sprintf("Job %q ends on %s (%dd).", job.Name, job.EndDate.Format("2006-01-02"), daysLeft)
	n.Targeted(ctx, job.CreatedBy, "Job ending soon", msg, domain.NotificationWarning, job.ID)

	slackText := fmt.Sprintf(":warning: %sJob ending soon (%dd): <%s|%s> (end_date %s)",
		n.teamMention(ctx, job), daysLeft, n.jobLink(job), job.Name, job.EndDate.Format("2006-01-02"))
	n.postSlackForTeam(ctx, job, slackText)
}

// teamMention resolves job.PICTeam's Slack handle, if any, rendered as a
// leading "{handle} " fragment ready to prefix a Slack message. It returns
// "" when the job has no team or the team has no handle configured.
func (n *Notifier) teamMention(ctx context.Context, job *domain.Job) string {
	if job.PICTeam == "" {
		return ""
	}
	team, err := n.Store.GetTeam(ctx, job.PICTeam)
	if err != nil {
		return ""
	}
	handle := strings.TrimSpace(team.SlackHandle)
	if handle == "" {
		return ""
	}
	return handle + " "
}

// jobLink renders the frontend edit-page URL for job, used in Slack messages.
func (n *Notifier) jobLink(job *domain.Job) string {
	return fmt.Sprintf("%s/jobs/%s/edit", strings.TrimRight(n.FrontendURL, "/"), job.ID)
}

func (n *Notifier) postSlackForTeam(ctx context.Context, job *domain.Job, message string) {
	settings, err := n.Store.GetSlackSettings(ctx)
	if err != nil {
		n.Logger.Errorf("slack: load settings: %v", err)
		return
	}
	if !settings.IsEnabled || !settings.Valid() {
		return
	}
	n.postSlack(ctx, settings, message)
}

// postSlack posts text to the configured Slack incoming webhook using
// slack-go/slack's message payload, rate-limited and best-effort: failures
// are logged and never propagate.
func (n *Notifier) postSlack(ctx context.Context, settings *domain.SlackSettings, text string) bool {
	if err := n.limiter.Wait(ctx); err != nil {
		return false
	}

	msg := &slack.WebhookMessage{Text: text}
	if settings.Channel != "" {
		msg.Channel = settings.Channel
	}

	if err := slack.PostWebhookContext(ctx, settings.WebhookURL, msg); err != nil {
		n.Logger.Errorf("slack post failed: %v", err)
		return false
	}
	return true
}

// EmailJobOutcome sends the optional per-job completion email, mirroring the
// addressee list configured on the job.
func (n *Notifier) EmailJobOutcome(ctx context.Context, job *domain.Job, exec *domain.JobExecution) {
	if n.Mailer == nil {
		return
	}
	subject := fmt.Sprintf("[%s] Job %s finished", strings.ToUpper(string(exec.Status)), job.Name)
	body := fmt.Sprintf("Job %q finished with status %s.\nTarget: %s\nError: %s\n",
		job.Name, exec.Status, exec.Target, exec.ErrorMessage)
	if err := n.Mailer.Send(job.NotificationEmails, subject, body); err != nil {
		n.Logger.Errorf("email job outcome: %v", err)
	}
}

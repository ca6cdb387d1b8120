// Package dispatch executes a single job firing: it guards against expired
// jobs, records a running execution, calls the remote endpoint (a webhook or
// a GitHub Actions workflow dispatch), and records the outcome.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/armon/circbuf"
	"github.com/google/uuid"
	"github.com/mitchellh/mapstructure"

	"github.com/netresearch/taskrelay/clock"
	"github.com/netresearch/taskrelay/domain"
	"github.com/netresearch/taskrelay/logging"
	"github.com/netresearch/taskrelay/notify"
)

const httpTimeout = 10 * time.Second

// JobStore is the subset of store.Store the dispatcher needs.
type JobStore interface {
	GetJob(ctx context.Context, id string) (*domain.Job, error)
	SetJobActive(ctx context.Context, jobID string, active bool) error
	CreateExecution(ctx context.Context, e *domain.JobExecution) error
	CompleteExecution(ctx context.Context, e *domain.JobExecution) error
}

// Unscheduler removes a job from the trigger engine; satisfied by
// *trigger.Engine. Used by the end-date guard to stop future fires
// immediately instead of waiting for the next reconcile cycle.
type Unscheduler interface {
	Remove(id string)
}

// Override carries one-shot values supplied by a manual trigger request; a
// zero Override applies no overrides.
type Override struct {
	GitHubToken string
	Metadata    map[string]any
}

// Dispatcher is the C6 component.
type Dispatcher struct {
	Store     JobStore
	Engine    Unscheduler
	Notifier  *notify.Notifier
	Logger    logging.Logger
	Clock     clock.Clock
	Location  *time.Location
	HTTP      *http.Client
	GithubEnv string // env var name for the fallback GitHub token, normally GITHUB_TOKEN

	githubAPIBase string // overridable in tests; defaults to the real GitHub API
}

// New builds a Dispatcher with a hardened HTTP client: 10-second timeout,
// TLS verification enforced for every non-localhost host.
func New(store JobStore, engine Unscheduler, notifier *notify.Notifier, logger logging.Logger, c clock.Clock, loc *time.Location) *Dispatcher {
	return &Dispatcher{
		Store:     store,
		Engine:    engine,
		Notifier:  notifier,
		Logger:    logger,
		Clock:     c,
		Location:  loc,
		HTTP:          &http.Client{Timeout: httpTimeout},
		GithubEnv:     "GITHUB_TOKEN",
		githubAPIBase: githubAPIBase,
	}
}

const githubAPIBase = "https://api.github.com"

// Dispatch performs one firing of jobID. trigger is either
// domain.TriggerScheduled or domain.TriggerManual; override is applied only
// to this call and is never persisted.
func (d *Dispatcher) Dispatch(ctx context.Context, jobID string, trigger domain.TriggerType, override Override) {
	job, err := d.Store.GetJob(ctx, jobID)
	if err != nil {
		d.Logger.Errorf("dispatch %q: load job: %v", jobID, err)
		return
	}
	if !job.IsActive {
		d.Logger.Debugf("dispatch %q: job inactive, skipping", jobID)
		return
	}

	today := clock.TodayIn(d.Clock, d.Location)
	if !job.EndDate.IsZero() && job.EndDate.Before(today) {
		d.autoPause(ctx, job)
		return
	}

	exec := &domain.JobExecution{
		ID:          uuid.NewString(),
		JobID:       job.ID,
		Status:      domain.ExecutionRunning,
		TriggerType: trigger,
		StartedAt:   d.Clock.Now().UTC(),
	}
	if err := d.Store.CreateExecution(ctx, exec); err != nil {
		d.Logger.Errorf("dispatch %q: create execution: %v", jobID, err)
		return
	}

	d.run(ctx, job, exec, override)

	exec.Complete(d.Clock.Now().UTC(), exec.Status)
	if err := d.Store.CompleteExecution(ctx, exec); err != nil {
		d.Logger.Errorf("dispatch %q: complete execution: %v", jobID, err)
	}

	d.notifyOutcome(ctx, job, exec)
}

func (d *Dispatcher) autoPause(ctx context.Context, job *domain.Job) {
	if err := d.Store.SetJobActive(ctx, job.ID, false); err != nil {
		d.Logger.Errorf("auto-pause %q: %v", job.Name, err)
		return
	}
	if d.Engine != nil {
		d.Engine.Remove(job.ID)
	}
	d.Notifier.BroadcastAutoPause(ctx, job)
}

// run performs the HTTP dispatch step and records the resulting status
// directly onto exec. It never returns an error: all failures are captured
// as a failed execution.
func (d *Dispatcher) run(ctx context.Context, job *domain.Job, exec *domain.JobExecution, override Override) {
	metadata := job.Metadata
	if override.Metadata != nil {
		metadata = override.Metadata
	}

	switch {
	case job.HasGitHubTarget():
		d.dispatchGitHub(ctx, job, exec, metadata, override.GitHubToken)
	case job.HasWebhookTarget():
		d.dispatchWebhook(ctx, job, exec, metadata)
	default:
		exec.Status = domain.ExecutionFailed
		exec.ErrorMessage = ErrTargetMisconfigured.Error()
	}
}

type githubDispatchBody struct {
	Ref    string         `json:"ref"`
	Inputs map[string]any `json:"inputs"`
}

// githubMetadata decodes the subset of a job's free-form metadata the
// GitHub dispatch path reads, the same mitchellh/mapstructure-decode-a-map
// pattern the teacher uses to turn config-file sections into typed structs
// (cli/config_decode.go), applied here to a job's JSON metadata instead.
type githubMetadata struct {
	BranchDetails string `mapstructure:"branchDetails"`
}

func (d *Dispatcher) dispatchGitHub(ctx context.Context, job *domain.Job, exec *domain.JobExecution, metadata map[string]any, tokenOverride string) {
	kind := domain.ExecutionGitHubActions
	exec.ExecutionType = &kind
	exec.Target = job.GitHubTarget()

	token := tokenOverride
	if token == "" {
		token = os.Getenv(d.GithubEnv)
	}
	if token == "" {
		exec.Status = domain.ExecutionFailed
		exec.ErrorMessage = ErrAuthMissing.Error()
		return
	}

	ref := "master"
	var decoded githubMetadata
	if err := mapstructure.Decode(metadata, &decoded); err == nil && decoded.BranchDetails != "" {
		ref = decoded.BranchDetails
	}

	body, err := json.Marshal(githubDispatchBody{Ref: ref, Inputs: metadata})
	if err != nil {
		exec.Status = domain.ExecutionFailed
		exec.ErrorMessage = fmt.Sprintf("encode dispatch body: %v", err)
		return
	}

	base := d.githubAPIBase
	if base == "" {
		base = githubAPIBase
	}
	url := fmt.Sprintf("%s/repos/%s/%s/actions/workflows/%s/dispatches",
		base, job.GitHubOwner, job.GitHubRepo, job.GitHubWorkflowName)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		exec.Status = domain.ExecutionFailed
		exec.ErrorMessage = fmt.Sprintf("build request: %v", err)
		return
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("Content-Type", "application/json")

	resp, respBody, err := d.do(req)
	if err != nil {
		exec.Status = domain.ExecutionFailed
		exec.ErrorMessage = err.Error()
		return
	}

	status := resp.StatusCode
	exec.ResponseStatus = &status
	if status == http.StatusNoContent {
		exec.Status = domain.ExecutionSuccess
		return
	}
	exec.Status = domain.ExecutionFailed
	exec.ErrorMessage = fmt.Sprintf("unexpected status %d: %s", status, respBody)
}

func (d *Dispatcher) dispatchWebhook(ctx context.Context, job *domain.Job, exec *domain.JobExecution, metadata map[string]any) {
	kind := domain.ExecutionWebhook
	exec.ExecutionType = &kind
	exec.Target = job.TargetURL

	method := http.MethodGet
	var bodyReader io.Reader
	if len(metadata) > 0 {
		method = http.MethodPost
		body, err := json.Marshal(metadata)
		if err != nil {
			exec.Status = domain.ExecutionFailed
			exec.ErrorMessage = fmt.Sprintf("encode metadata: %v", err)
			return
		}
		bodyReader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, job.TargetURL, bodyReader)
	if err != nil {
		exec.Status = domain.ExecutionFailed
		exec.ErrorMessage = fmt.Sprintf("build request: %v", err)
		return
	}
	if method == http.MethodPost {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, respBody, err := d.do(req)
	if err != nil {
		exec.Status = domain.ExecutionFailed
		exec.ErrorMessage = err.Error()
		return
	}

	status := resp.StatusCode
	exec.ResponseStatus = &status
	exec.Output = respBody
	if status >= 200 && status < 300 {
		exec.Status = domain.ExecutionSuccess
		return
	}
	exec.Status = domain.ExecutionFailed
	exec.ErrorMessage = fmt.Sprintf("unexpected status %d", status)
}

// do issues req and returns the response plus its body capped to
// domain.OutputTruncateLimit bytes, the way the teacher caps job stdout via
// armon/circbuf, applied here to HTTP response bodies instead.
func (d *Dispatcher) do(req *http.Request) (*http.Response, string, error) {
	resp, err := d.HTTP.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("HTTP request: %w", err)
	}
	defer resp.Body.Close()

	buf, err := circbuf.NewBuffer(domain.OutputTruncateLimit)
	if err != nil {
		return nil, "", fmt.Errorf("allocate response buffer: %w", err)
	}
	if _, err := io.Copy(buf, resp.Body); err != nil {
		return nil, "", fmt.Errorf("read response body: %w", err)
	}
	return resp, buf.String(), nil
}

func (d *Dispatcher) notifyOutcome(ctx context.Context, job *domain.Job, exec *domain.JobExecution) {
	switch exec.Status {
	case domain.ExecutionSuccess:
		d.Notifier.BroadcastJobCompleted(ctx, job, exec)
		if job.NotifyOnSuccess && job.EnableEmailNotifications && len(job.NotificationEmails) > 0 {
			d.Notifier.EmailJobOutcome(ctx, job, exec)
		}
	case domain.ExecutionFailed:
		d.Notifier.BroadcastJobFailed(ctx, job, exec)
		if job.EnableEmailNotifications && len(job.NotificationEmails) > 0 {
			d.Notifier.EmailJobOutcome(ctx, job, exec)
		}
	}
}

package dispatch

import "errors"

// Errors classifying a dispatch outcome (§7), surfaced verbatim in
// JobExecution.ErrorMessage rather than returned to any caller: the
// Dispatcher never propagates an error out of a fire, it records one.
var (
	// ErrAuthMissing is the AuthMissing error kind: a GitHub Actions target
	// with no token available from either the manual-trigger override or
	// the GITHUB_TOKEN environment fallback.
	ErrAuthMissing = errors.New("GitHub token not configured")

	// ErrTargetMisconfigured is the TargetMisconfigured error kind: neither
	// a webhook URL nor a GitHub Actions triple was set on the snapshot the
	// Dispatcher loaded.
	ErrTargetMisconfigured = errors.New("no valid target")
)

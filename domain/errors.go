package domain

import "errors"

// ErrTargetMisconfigured is returned by Job.Validate when neither a webhook
// URL nor a complete GitHub Actions triple is set, or both are set. This is
// the TargetMisconfigured error kind (§7).
var ErrTargetMisconfigured = errors.New("job target misconfigured")

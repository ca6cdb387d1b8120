package domain

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// ErrValidationFailed wraps a struct-tag validation failure from validateFields.
var ErrValidationFailed = errors.New("validation failed")

// fieldValidator is the package-level validator instance, the same
// one-per-package pattern the teacher uses for config validation
// (cli/config_validate.go), applied here to the job write path instead.
var fieldValidator *validator.Validate

func init() {
	fieldValidator = validator.New()
	_ = fieldValidator.RegisterValidation("cron", validateCronSyntax)
}

// validateFields runs struct-tag validation over a Job and turns any
// failure into a single readable error.
func validateFields(j *Job) error {
	err := fieldValidator.Struct(j)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %w", ErrValidationFailed, err)
	}

	msgs := make([]string, 0, len(verrs))
	for _, e := range verrs {
		msgs = append(msgs, formatFieldError(e))
	}
	return fmt.Errorf("%w: %s", ErrValidationFailed, strings.Join(msgs, "; "))
}

func formatFieldError(e validator.FieldError) string {
	switch e.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", e.Field())
	case "cron":
		return fmt.Sprintf("%s is not a valid 5-field cron expression", e.Field())
	case "url":
		return fmt.Sprintf("%s must be a valid URL", e.Field())
	case "email":
		return fmt.Sprintf("%s must be a valid email address", e.Field())
	default:
		return fmt.Sprintf("%s failed validation %q", e.Field(), e.Tag())
	}
}

// validateCronSyntax checks a value is a 5-field cron expression whose
// fields use only digits, the symbols "*-,/?LW#", and upper-case letters;
// lower-case month/day names are rejected here. The trigger package is the
// actual authority on whether a given expression schedules (it parses with
// robfig/cron's 5-field parser), this is a cheap pre-store sanity check to
// reject garbage early.
func validateCronSyntax(fl validator.FieldLevel) bool {
	value := fl.Field().String()
	if value == "" {
		return true // required tag handles emptiness
	}
	fields := strings.Fields(value)
	if len(fields) != 5 {
		return false
	}
	for _, f := range fields {
		for _, r := range f {
			if !strings.ContainsRune("0123456789*-,/?LW#", r) && !(r >= 'A' && r <= 'Z') {
				return false
			}
		}
	}
	return true
}

package pipeline

import (
	"errors"
	"fmt"
	"strings"

	"compass-pipeline/internal/model"
	"compass-pipeline/internal/workspace"
)

// MissingContextFieldError is returned when a stage runs before the slots it
// requires have been populated
type MissingContextFieldError struct {
	Stage   string
	Missing []model.Slot
}

func (e *MissingContextFieldError) Error() string {
	names := make([]string, len(e.Missing))
	for i, s := range e.Missing {
		names[i] = string(s)
	}
	return fmt.Sprintf("stage %s: missing context field(s) %s", e.Stage, strings.Join(names, ", "))
}

// StageError is a stage that failed after exhausting its retries
type StageError struct {
	Stage    string
	Attempts int
	Err      error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s failed after %d attempt(s): %v", e.Stage, e.Attempts, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// ValidationError is a malformed request
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid request: " + e.Reason
	}
	return fmt.Sprintf("invalid request: %s: %s", e.Field, e.Reason)
}

// IsValidation reports whether err comes from request validation: a bad
// request, an unsupported origin or an unusable template
func IsValidation(err error) bool {
	var (
		v *ValidationError
		o *workspace.UnsupportedOriginError
		t *workspace.TemplateError
	)
	return errors.As(err, &v) || errors.As(err, &o) || errors.As(err, &t)
}

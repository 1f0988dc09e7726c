package inspect

import (
	"errors"

	"github.com/cloudvet/cloudvet/pkg/models"
)

var (
	// ErrAccessDenied means the credential exchange was rejected. Fatal to
	// the job, never retried.
	ErrAccessDenied = errors.New("credentials access denied")

	// ErrInvalidParameter means the role reference or session id was
	// malformed. Fatal to the job, never retried.
	ErrInvalidParameter = errors.New("invalid credentials parameter")

	// ErrTransient marks infrastructure blips (network, throttling) that
	// callers may retry with backoff.
	ErrTransient = errors.New("transient infrastructure error")
)

// IsPermissionError reports whether err is fatal credential failure.
func IsPermissionError(err error) bool {
	return errors.Is(err, ErrAccessDenied) || errors.Is(err, ErrInvalidParameter)
}

// PartialError carries the findings a run produced before it failed. It is
// the salvage channel for inspectors whose instances are shared between
// concurrent jobs: the findings travel with the error of the run that
// produced them, never through instance state.
type PartialError struct {
	Findings []models.Finding
	Err      error
}

func (e *PartialError) Error() string { return e.Err.Error() }

func (e *PartialError) Unwrap() error { return e.Err }

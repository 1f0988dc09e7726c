// Package inspect defines the contracts between the orchestrator and the
// external collaborators that do the actual inspection work: the Inspector
// that scans resources and the CredentialsProvider that exchanges a role
// reference for temporary credentials.
package inspect

import (
	"context"
	"time"

	"github.com/cloudvet/cloudvet/pkg/models"
)

// Credentials are short-lived credentials for one inspection run.
type Credentials struct {
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	Expiration      time.Time
}

// CredentialsProvider exchanges a customer's role reference for temporary
// credentials. Failures classify into ErrAccessDenied / ErrInvalidParameter.
type CredentialsProvider interface {
	Assume(ctx context.Context, roleRef, sessionID string) (Credentials, error)
}

// Config is the per-run configuration handed to an Inspector.
type Config struct {
	CustomerID  string
	ServiceType string
	ItemID      string

	// OnProgress, when non-nil, is invoked by the inspector as it moves
	// through the job's step plan. stepIndex is zero-based; fraction is the
	// completion of the current step in [0,1]; resourcesScanned is a running
	// count, or 0 when the inspector has no hint.
	OnProgress func(stepIndex int, fraction float64, resourcesScanned int)
}

// Metadata carries optional hints produced alongside a result.
type Metadata struct {
	ResourcesScanned int
}

// Result is the output of one completed inspection run.
type Result struct {
	Findings []models.Finding
	Summary  models.Summary
	Duration time.Duration
	Metadata Metadata
}

// Inspector executes one job's actual work. Implementations must honour ctx
// cancellation at step boundaries; cancellation is cooperative and the
// orchestrator discards late results for already-terminal jobs.
type Inspector interface {
	Run(ctx context.Context, creds Credentials, cfg Config) (*Result, error)
}

// PartialResultProvider is an optional capability: inspectors constructed
// per job can expose whatever was produced before a failure. The
// orchestrator checks for it with a type assertion after a failed Run.
// Inspectors whose instances are shared between jobs must return a
// PartialError instead, which binds the findings to the failed run.
type PartialResultProvider interface {
	PartialResults() []models.Finding
}

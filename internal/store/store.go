package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/cloudvet/cloudvet/pkg/models"
)

var (
	ErrNotFound     = errors.New("resource not found")
	ErrDuplicateKey = errors.New("duplicate key violation")

	// ErrConflict means a conditional write lost to a concurrent writer
	// that already completed the job. Resolved by re-read, never retried.
	ErrConflict = errors.New("precondition conflict")
)

// JobSummary is the persisted job-summary record, keyed by
// (customer_id, job_id).
type JobSummary struct {
	JobID         uuid.UUID        `db:"job_id"         json:"job_id"`
	CustomerID    string           `db:"customer_id"    json:"customer_id"`
	ServiceType   string           `db:"service_type"   json:"service_type"`
	ItemID        string           `db:"item_id"        json:"item_id"`
	Status        models.JobStatus `db:"status"         json:"status"`
	Score         int              `db:"score"          json:"score"`
	FindingCount  int              `db:"finding_count"  json:"finding_count"`
	CriticalCount int              `db:"critical_count" json:"critical_count"`
	HighCount     int              `db:"high_count"     json:"high_count"`
	Partial       bool             `db:"partial"        json:"partial"`
	FailureReason string           `db:"failure_reason" json:"failure_reason,omitempty"`
	DurationMs    int64            `db:"duration_ms"    json:"duration_ms"`
	StartedAt     time.Time        `db:"started_at"     json:"started_at"`
	EndedAt       *time.Time       `db:"ended_at"       json:"ended_at,omitempty"`
	UpdatedAt     time.Time        `db:"updated_at"     json:"updated_at"`
}

// ItemBreakdown is one per-item breakdown record, keyed by
// (customer_id, item_key) where item_key is serviceType+itemID+resourceID.
// It carries the latest status, findings and score for the resource and is
// consumed by history/reporting collaborators.
type ItemBreakdown struct {
	CustomerID string           `db:"customer_id" json:"customer_id"`
	ItemKey    string           `db:"item_key"    json:"item_key"`
	JobID      uuid.UUID        `db:"job_id"      json:"job_id"`
	RiskLevel  models.RiskLevel `db:"risk_level"  json:"risk_level"`
	Score      int              `db:"score"       json:"score"`
	Findings   []models.Finding `db:"findings"    json:"findings"`
	UpdatedAt  time.Time        `db:"updated_at"  json:"updated_at"`
}

// SaveOutcome reports how a transactional save went batch by batch. A save
// with FailedBatches > 0 is a degraded success: the load-bearing first batch
// landed but some later batches did not.
type SaveOutcome struct {
	Batches       int
	FailedBatches int
}

// Store is the data access interface. All database operations go through
// here.
type Store interface {
	Ping(ctx context.Context) error

	// SaveInspectionResult writes the job summary plus per-item breakdowns
	// in sequential transactional batches. The summary write is conditional
	// on the stored record not existing or being non-terminal; losing that
	// condition returns ErrConflict. A first-batch failure aborts the save;
	// later-batch failures are recorded in the outcome.
	SaveInspectionResult(ctx context.Context, summary *JobSummary, items []ItemBreakdown) (SaveOutcome, error)

	// SaveJobSummary writes the summary alone, unconditionally. Fallback
	// path when the transactional save is unavailable.
	SaveJobSummary(ctx context.Context, summary *JobSummary) error

	GetJobSummary(ctx context.Context, customerID string, jobID uuid.UUID) (*JobSummary, error)
	ListItemBreakdowns(ctx context.Context, customerID string, jobID uuid.UUID) ([]ItemBreakdown, error)

	GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error)
	UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error
	CreateAPIKey(ctx context.Context, key *models.APIKey) error
	ListAPIKeys(ctx context.Context, customerID string) ([]*models.APIKey, error)
	RevokeAPIKey(ctx context.Context, id uuid.UUID, customerID string) error
}

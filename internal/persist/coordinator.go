// Package persist guarantees that a finished inspection leaves at least one
// durable artifact. It runs an ordered cascade of persistence tiers, each
// tried only when the previous one fails, halting at the first success.
package persist

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/cloudvet/cloudvet/internal/cache"
	"github.com/cloudvet/cloudvet/internal/store"
	"github.com/cloudvet/cloudvet/pkg/models"
)

// Tier identifies which cascade tier produced the durable artifact.
type Tier string

const (
	TierNone          Tier = "none"
	TierTransactional Tier = "transactional"
	TierFallback      Tier = "fallback"
	TierEmergency     Tier = "emergency"
	TierJournal       Tier = "journal"
)

// Outcome is the explicit result of a cascade run. Infra errors never
// propagate to the submitter; they are folded into the outcome.
type Outcome struct {
	Tier    Tier
	Durable bool

	// Degraded marks a transactional save whose later item batches failed
	// after the load-bearing first batch landed.
	Degraded bool

	// Err is the last tier's error when nothing was durable, or nil.
	Err error
}

// ResultStore is the subset of the store used by the cascade.
type ResultStore interface {
	SaveInspectionResult(ctx context.Context, summary *store.JobSummary, items []store.ItemBreakdown) (store.SaveOutcome, error)
	SaveJobSummary(ctx context.Context, summary *store.JobSummary) error
	GetJobSummary(ctx context.Context, customerID string, jobID uuid.UUID) (*store.JobSummary, error)
}

// EmergencyWriter is the raw best-effort secondary target for the emergency
// tier. Satisfied by cache.Cache.
type EmergencyWriter interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// Journal is the local side-channel. Satisfied by FileJournal.
type Journal interface {
	Append(jobID string, payload any) error
}

// Options configures a Coordinator.
type Options struct {
	Store     ResultStore
	Emergency EmergencyWriter
	Journal   Journal

	// MaxAttempts bounds retries of the transactional tier.
	MaxAttempts int
	BaseBackoff time.Duration

	// EmergencyTTL is how long the emergency record survives in Redis.
	EmergencyTTL time.Duration

	// Sleep is replaceable in tests.
	Sleep func(time.Duration)
}

// Coordinator runs the persistence cascade.
type Coordinator struct {
	store     ResultStore
	emergency EmergencyWriter
	journal   Journal

	maxAttempts  int
	baseBackoff  time.Duration
	emergencyTTL time.Duration
	sleep        func(time.Duration)
}

// NewCoordinator builds a Coordinator with defaults for unset options.
func NewCoordinator(opts Options) *Coordinator {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.BaseBackoff <= 0 {
		opts.BaseBackoff = 200 * time.Millisecond
	}
	if opts.EmergencyTTL <= 0 {
		opts.EmergencyTTL = 7 * 24 * time.Hour
	}
	if opts.Sleep == nil {
		opts.Sleep = time.Sleep
	}
	return &Coordinator{
		store:        opts.Store,
		emergency:    opts.Emergency,
		journal:      opts.Journal,
		maxAttempts:  opts.MaxAttempts,
		baseBackoff:  opts.BaseBackoff,
		emergencyTTL: opts.EmergencyTTL,
		sleep:        opts.Sleep,
	}
}

// emergencyRecord is the minimal payload written by the emergency tier.
type emergencyRecord struct {
	JobID         uuid.UUID        `json:"job_id"`
	CustomerID    string           `json:"customer_id"`
	ServiceType   string           `json:"service_type"`
	ItemID        string           `json:"item_id"`
	Status        models.JobStatus `json:"status"`
	Score         int              `json:"score"`
	FindingCount  int              `json:"finding_count"`
	Partial       bool             `json:"partial,omitempty"`
	FailureReason string           `json:"failure_reason,omitempty"`
	Emergency     bool             `json:"emergency"`
	RecordedAt    time.Time        `json:"recorded_at"`
}

// Save runs the cascade for a finished job and returns an explicit outcome.
// It never returns an error: a completed inspection must not fail because
// storage did. Every tier below a clean transactional save records a
// completed job as COMPLETED_WITH_SAVE_ERROR, so the durable record agrees
// with the refined registry status.
func (c *Coordinator) Save(ctx context.Context, job *models.InspectionJob) Outcome {
	summary := store.SummaryFromJob(job)
	items := store.BreakdownsFromJob(job)

	if out, ok := c.saveTransactional(ctx, summary, items); ok {
		if out.Degraded {
			c.refineSummary(ctx, summary)
		}
		return out
	}

	degraded := *summary
	degraded.Status = refineStatus(summary.Status)
	err := c.store.SaveJobSummary(ctx, &degraded)
	if err == nil {
		slog.Warn("persistence degraded to summary-only write",
			"tier", TierFallback, "job_id", job.ID)
		return Outcome{Tier: TierFallback, Durable: true}
	}
	slog.Error("fallback summary write failed",
		"tier", TierFallback, "job_id", job.ID, "error", err)

	err = c.saveEmergency(ctx, job)
	if err == nil {
		slog.Warn("persistence degraded to emergency record",
			"tier", TierEmergency, "job_id", job.ID)
		return Outcome{Tier: TierEmergency, Durable: true}
	}
	slog.Error("emergency write failed",
		"tier", TierEmergency, "job_id", job.ID, "error", err)

	journaled := *job
	journaled.Status = refineStatus(job.Status)
	err = c.journal.Append(job.ID.String(), &journaled)
	if err == nil {
		slog.Warn("persistence degraded to local journal",
			"tier", TierJournal, "job_id", job.ID)
		return Outcome{Tier: TierJournal, Durable: true}
	}
	slog.Error("journal append failed; no durable artifact",
		"tier", TierJournal, "job_id", job.ID, "error", err)
	return Outcome{Tier: TierNone, Durable: false, Err: err}
}

// refineStatus maps a completed job to the save-error variant; failures and
// cancellations keep their status.
func refineStatus(s models.JobStatus) models.JobStatus {
	if s == models.JobStatusCompleted {
		return models.JobStatusCompletedWithSaveError
	}
	return s
}

// refineSummary best-effort rewrites the stored summary after a degraded
// transactional save (later item batches lost). The outcome already reports
// the degrade; a failure here only costs the status refinement.
func (c *Coordinator) refineSummary(ctx context.Context, summary *store.JobSummary) {
	refined := *summary
	refined.Status = refineStatus(summary.Status)
	if refined.Status == summary.Status {
		return
	}
	if err := c.store.SaveJobSummary(ctx, &refined); err != nil {
		slog.Warn("could not refine stored status after degraded save",
			"tier", TierTransactional, "job_id", summary.JobID, "error", err)
	}
}

// saveTransactional drives the transactional tier with bounded
// exponential-backoff retries. A precondition conflict is resolved by
// re-reading the stored record: a job already completed by a concurrent
// writer is a success-no-op, never a duplicate write.
func (c *Coordinator) saveTransactional(ctx context.Context, summary *store.JobSummary, items []store.ItemBreakdown) (Outcome, bool) {
	var lastErr error
	for attempt := 0; attempt < c.maxAttempts; attempt++ {
		if attempt > 0 {
			c.sleep(c.baseBackoff * (1 << (attempt - 1)))
		}

		result, err := c.store.SaveInspectionResult(ctx, summary, items)
		if err == nil {
			if result.FailedBatches > 0 {
				slog.Warn("transactional save degraded: later batches failed",
					"tier", TierTransactional, "job_id", summary.JobID,
					"batches", result.Batches, "failed", result.FailedBatches)
			}
			return Outcome{
				Tier:     TierTransactional,
				Durable:  true,
				Degraded: result.FailedBatches > 0,
			}, true
		}

		if errors.Is(err, store.ErrConflict) {
			current, readErr := c.store.GetJobSummary(ctx, summary.CustomerID, summary.JobID)
			if readErr == nil && current.Status.Terminal() {
				slog.Info("job already persisted by concurrent writer",
					"tier", TierTransactional, "job_id", summary.JobID,
					"stored_status", current.Status)
				return Outcome{Tier: TierTransactional, Durable: true}, true
			}
			lastErr = err
			continue
		}

		slog.Warn("transactional save attempt failed",
			"tier", TierTransactional, "job_id", summary.JobID,
			"attempt", attempt+1, "error", err)
		lastErr = err
	}

	slog.Error("transactional tier exhausted",
		"tier", TierTransactional, "job_id", summary.JobID, "error", lastErr)
	return Outcome{}, false
}

func (c *Coordinator) saveEmergency(ctx context.Context, job *models.InspectionJob) error {
	record := emergencyRecord{
		JobID:         job.ID,
		CustomerID:    job.CustomerID,
		ServiceType:   job.ServiceType,
		ItemID:        job.ItemID,
		Status:        refineStatus(job.Status),
		FindingCount:  len(job.Findings),
		Partial:       job.Partial,
		FailureReason: job.FailureReason,
		Emergency:     true,
		RecordedAt:    time.Now().UTC(),
	}
	if job.Summary != nil {
		record.Score = job.Summary.Score
	}
	raw, err := json.Marshal(record)
	if err != nil {
		return err
	}
	return c.emergency.Set(ctx, cache.EmergencyKey(job.ID), raw, c.emergencyTTL)
}

// Package orchestrator owns the inspection job state machine: submission,
// weighted progress, terminal transitions, persistence hand-off and event
// broadcast. One goroutine runs per job; jobs never block each other.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/cloudvet/cloudvet/internal/inspect"
	"github.com/cloudvet/cloudvet/internal/persist"
	"github.com/cloudvet/cloudvet/internal/ws"
	"github.com/cloudvet/cloudvet/pkg/models"
)

var (
	ErrJobNotFound     = errors.New("job not found")
	ErrAlreadyTerminal = errors.New("job already terminal")
)

// Broadcaster fans an event out to every subscriber of a job id.
type Broadcaster interface {
	Publish(jobID string, eventType string, data any)
}

// Persister runs the ordered persistence cascade for a finished job.
type Persister interface {
	Save(ctx context.Context, job *models.InspectionJob) persist.Outcome
}

// Options configures an Orchestrator.
type Options struct {
	Inspectors  map[string]inspect.Inspector // keyed by service type
	Credentials inspect.CredentialsProvider
	Broadcaster Broadcaster
	Persister   Persister

	// Plans maps service types to step plans; the default plan covers the
	// rest. All weights must sum to 100.
	Plans map[string]models.StepPlan

	// Retention is how long terminal jobs stay in the registry before the
	// sweep purges them.
	Retention     time.Duration
	SweepInterval time.Duration

	Now func() time.Time
}

// Orchestrator drives inspection jobs from submission to durable result.
type Orchestrator struct {
	inspectors  map[string]inspect.Inspector
	credentials inspect.CredentialsProvider
	broadcaster Broadcaster
	persister   Persister
	plans       map[string]models.StepPlan

	retention     time.Duration
	sweepInterval time.Duration
	now           func() time.Time

	registry *registry
}

// New validates options and returns an Orchestrator.
func New(opts Options) (*Orchestrator, error) {
	if len(opts.Inspectors) == 0 {
		return nil, fmt.Errorf("at least one inspector is required")
	}
	if opts.Credentials == nil {
		return nil, fmt.Errorf("credentials provider is required")
	}
	if opts.Broadcaster == nil {
		return nil, fmt.Errorf("broadcaster is required")
	}
	if opts.Persister == nil {
		return nil, fmt.Errorf("persister is required")
	}
	for svc, plan := range opts.Plans {
		if err := ValidatePlan(plan); err != nil {
			return nil, fmt.Errorf("plan for %q: %w", svc, err)
		}
	}
	if opts.Retention <= 0 {
		opts.Retention = 10 * time.Minute
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = time.Minute
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Orchestrator{
		inspectors:    opts.Inspectors,
		credentials:   opts.Credentials,
		broadcaster:   opts.Broadcaster,
		persister:     opts.Persister,
		plans:         opts.Plans,
		retention:     opts.Retention,
		sweepInterval: opts.SweepInterval,
		now:           opts.Now,
		registry:      newRegistry(),
	}, nil
}

// SubmitRequest describes one inspection to run.
type SubmitRequest struct {
	CustomerID  string
	ServiceType string
	ItemID      string
	RoleRef     string

	// Credentials overrides the orchestrator's provider for this job.
	Credentials inspect.CredentialsProvider
}

func (r SubmitRequest) validate() error {
	if r.CustomerID == "" {
		return fmt.Errorf("customer id is required")
	}
	if r.ServiceType == "" {
		return fmt.Errorf("service type is required")
	}
	if r.ItemID == "" {
		return fmt.Errorf("item id is required")
	}
	if r.RoleRef == "" {
		return fmt.Errorf("role ref is required")
	}
	return nil
}

// Submit validates the request, builds the step plan and creates the job
// PENDING, then dispatches it on its own goroutine. Validation failures are
// fatal before dispatch and surface to the submitter; everything after
// dispatch is observed through the broadcast or by polling.
func (o *Orchestrator) Submit(ctx context.Context, req SubmitRequest) (uuid.UUID, error) {
	if err := req.validate(); err != nil {
		return uuid.Nil, err
	}
	inspector, ok := o.inspectors[req.ServiceType]
	if !ok {
		return uuid.Nil, fmt.Errorf("no inspector for service type %q", req.ServiceType)
	}

	plan, ok := o.plans[req.ServiceType]
	if !ok {
		plan = DefaultStepPlan()
	}

	now := o.now()
	tj := &trackedJob{
		job: models.InspectionJob{
			ID:          uuid.New(),
			CustomerID:  req.CustomerID,
			ServiceType: req.ServiceType,
			ItemID:      req.ItemID,
			Status:      models.JobStatusPending,
			Progress: models.Progress{
				TotalSteps: len(plan.Steps),
				Trend:      models.TrendSteady,
			},
			StartedAt:     now,
			LastUpdatedAt: now,
		},
		tracker: newProgressTracker(plan, now),
	}
	o.registry.put(tj)

	creds := req.Credentials
	if creds == nil {
		creds = o.credentials
	}

	go o.run(tj, inspector, creds, req.RoleRef)

	return tj.job.ID, nil
}

// Get returns a snapshot of a job from the active registry.
func (o *Orchestrator) Get(jobID uuid.UUID) (models.InspectionJob, error) {
	tj, ok := o.registry.get(jobID)
	if !ok {
		return models.InspectionJob{}, ErrJobNotFound
	}
	return tj.snapshot(), nil
}

// Advance recomputes weighted progress for a job and broadcasts the update.
// Calls against a job that is no longer IN_PROGRESS are ignored.
func (o *Orchestrator) Advance(jobID uuid.UUID, stepIndex int, fraction float64, resourcesProcessed int) error {
	tj, ok := o.registry.get(jobID)
	if !ok {
		return ErrJobNotFound
	}

	tj.mu.Lock()
	if tj.job.Status != models.JobStatusInProgress {
		tj.mu.Unlock()
		return nil
	}
	now := o.now()
	tj.job.Progress = tj.tracker.advance(stepIndex, fraction, now)
	tj.job.LastUpdatedAt = now
	progress := tj.job.Progress
	tj.mu.Unlock()

	o.broadcaster.Publish(jobID.String(), ws.TypeProgressUpdate, ws.ProgressUpdateData{
		InspectionID: jobID.String(),
		Progress:     progress,
		Timestamp:    now,
	})

	if resourcesProcessed > 0 {
		slog.Debug("inspection progress",
			"job_id", jobID, "percentage", progress.Percentage,
			"step", progress.CurrentStep, "resources", resourcesProcessed)
	}
	return nil
}

// Complete performs the idempotent terminal transition to COMPLETED and
// broadcasts the terminal event. A second call is a no-op and does not
// re-broadcast. Results must already be attached to the job.
func (o *Orchestrator) Complete(jobID uuid.UUID) bool {
	return o.terminate(jobID, models.JobStatusCompleted, "")
}

// Fail performs the idempotent terminal transition to FAILED with a reason.
func (o *Orchestrator) Fail(jobID uuid.UUID, reason string) bool {
	return o.terminate(jobID, models.JobStatusFailed, reason)
}

// Cancel requests cooperative cancellation: allowed only pre-terminal, it
// transitions the job to CANCELLED with a cancellation reason. It cannot
// interrupt an in-flight inspector call; that call's eventual result is
// discarded on arrival.
func (o *Orchestrator) Cancel(jobID uuid.UUID, reason string) error {
	tj, ok := o.registry.get(jobID)
	if !ok {
		return ErrJobNotFound
	}

	tj.mu.Lock()
	if tj.job.Status.Terminal() {
		tj.mu.Unlock()
		return ErrAlreadyTerminal
	}
	tj.mu.Unlock()

	if reason == "" {
		reason = "cancelled by caller"
	}
	if !o.terminate(jobID, models.JobStatusCancelled, reason) {
		return ErrAlreadyTerminal
	}

	// A cancelled job still leaves a durable summary record.
	job := tj.snapshot()
	go o.persistResult(tj, &job)
	return nil
}

// terminate applies exactly one terminal transition and broadcasts it.
func (o *Orchestrator) terminate(jobID uuid.UUID, status models.JobStatus, reason string) bool {
	tj, ok := o.registry.get(jobID)
	if !ok {
		return false
	}

	tj.mu.Lock()
	if tj.job.Status.Terminal() {
		tj.mu.Unlock()
		return false
	}
	now := o.now()
	tj.job.Status = status
	tj.job.LastUpdatedAt = now
	tj.job.EndedAt = &now
	if reason != "" {
		tj.job.FailureReason = reason
	}
	event := ws.InspectionCompleteData{
		InspectionID: jobID.String(),
		Status:       status,
		Results: ws.CompletionResults{
			Findings:      tj.job.Findings,
			Summary:       tj.job.Summary,
			Partial:       tj.job.Partial,
			FailureReason: tj.job.FailureReason,
		},
		Duration:  tj.job.Duration,
		Timestamp: now,
	}
	tj.mu.Unlock()

	o.broadcaster.Publish(jobID.String(), ws.TypeInspectionComplete, event)
	return true
}

// run drives one job: credentials, dispatch, terminal transition,
// persistence. It is the job's single writer.
func (o *Orchestrator) run(tj *trackedJob, inspector inspect.Inspector, creds inspect.CredentialsProvider, roleRef string) {
	ctx := context.Background()
	jobID := tj.job.ID

	o.setStatus(tj, models.JobStatusStarting)

	credentials, err := creds.Assume(ctx, roleRef, jobID.String())
	if err != nil {
		reason := "credential exchange failed: " + err.Error()
		if errors.Is(err, inspect.ErrAccessDenied) {
			reason = "access denied assuming role " + roleRef
		} else if errors.Is(err, inspect.ErrInvalidParameter) {
			reason = "invalid role reference " + roleRef
		}
		slog.Warn("inspection credentials rejected", "job_id", jobID, "error", err)
		if o.Fail(jobID, reason) {
			job := tj.snapshot()
			o.persistResult(tj, &job)
		}
		return
	}

	o.setStatus(tj, models.JobStatusInProgress)

	cfg := inspect.Config{
		CustomerID:  tj.job.CustomerID,
		ServiceType: tj.job.ServiceType,
		ItemID:      tj.job.ItemID,
		OnProgress: func(stepIndex int, fraction float64, resourcesScanned int) {
			_ = o.Advance(jobID, stepIndex, fraction, resourcesScanned)
		},
	}

	result, runErr := inspector.Run(ctx, credentials, cfg)

	// A job cancelled while the inspector was running is already terminal;
	// its late result is discarded on arrival.
	tj.mu.Lock()
	if tj.job.Status.Terminal() {
		tj.mu.Unlock()
		slog.Info("discarding result for terminal job", "job_id", jobID, "status", tj.job.Status)
		return
	}
	tj.mu.Unlock()

	if runErr != nil {
		o.failWithPartial(tj, inspector, runErr)
		return
	}

	tj.mu.Lock()
	tj.job.Findings = result.Findings
	summary := result.Summary
	tj.job.Summary = &summary
	tj.job.Duration = result.Duration
	tj.mu.Unlock()

	// Completion is broadcast before the persistence result is awaited:
	// low-latency feedback wins over strict consistency, and consumers that
	// need durability poll the stored record instead.
	if !o.Complete(jobID) {
		return
	}
	job := tj.snapshot()
	o.persistResult(tj, &job)
}

// failWithPartial harvests whatever the inspector produced before failing,
// tags it partial, persists it and broadcasts the failure. Findings carried
// inside a PartialError belong to this run by construction; the
// PartialResults capability is only consulted as a fallback, for inspectors
// constructed per job.
func (o *Orchestrator) failWithPartial(tj *trackedJob, inspector inspect.Inspector, runErr error) {
	jobID := tj.job.ID

	var partial []models.Finding
	var pe *inspect.PartialError
	if errors.As(runErr, &pe) {
		partial = pe.Findings
	} else if provider, ok := inspector.(inspect.PartialResultProvider); ok {
		partial = provider.PartialResults()
	}

	tj.mu.Lock()
	if len(partial) > 0 {
		tj.job.Findings = partial
		summary := models.Summarize(partial)
		tj.job.Summary = &summary
		tj.job.Partial = true
	}
	tj.mu.Unlock()

	slog.Warn("inspection failed", "job_id", jobID, "error", runErr, "partial_findings", len(partial))

	if o.Fail(jobID, runErr.Error()) {
		job := tj.snapshot()
		o.persistResult(tj, &job)
	}
}

// persistResult runs the cascade and refines the registry status to
// COMPLETED_WITH_SAVE_ERROR when storage degraded below the transactional
// tier. The refinement is not a second terminal transition and is not
// re-broadcast.
func (o *Orchestrator) persistResult(tj *trackedJob, job *models.InspectionJob) {
	outcome := o.persister.Save(context.Background(), job)

	if !outcome.Durable {
		slog.Error("all persistence tiers exhausted; result held in memory only",
			"job_id", job.ID, "error", outcome.Err)
	}

	degraded := !outcome.Durable || outcome.Degraded || outcome.Tier != persist.TierTransactional
	if degraded && job.Status == models.JobStatusCompleted {
		tj.mu.Lock()
		tj.job.Status = models.JobStatusCompletedWithSaveError
		tj.mu.Unlock()
		slog.Warn("inspection completed with degraded persistence",
			"job_id", job.ID, "tier", outcome.Tier)
	}
}

// setStatus applies a non-terminal transition and broadcasts status_change.
func (o *Orchestrator) setStatus(tj *trackedJob, status models.JobStatus) {
	tj.mu.Lock()
	if tj.job.Status.Terminal() {
		tj.mu.Unlock()
		return
	}
	prevStep := tj.job.Progress.CurrentStep
	tj.job.Status = status
	now := o.now()
	tj.job.LastUpdatedAt = now
	tj.mu.Unlock()

	o.broadcaster.Publish(tj.job.ID.String(), ws.TypeStatusChange, ws.StatusChangeData{
		InspectionID: tj.job.ID.String(),
		Status:       status,
		PreviousStep: prevStep,
		Timestamp:    now,
	})
}

// Run executes the periodic registry sweep until ctx is cancelled.
func (o *Orchestrator) Run(ctx context.Context) error {
	ticker := time.NewTicker(o.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if removed := o.registry.sweep(o.now(), o.retention); removed > 0 {
				slog.Debug("registry sweep", "removed", removed, "remaining", o.registry.len())
			}
		}
	}
}

// ActiveJobs returns the number of jobs currently in the registry.
func (o *Orchestrator) ActiveJobs() int {
	return o.registry.len()
}

package models

import (
	"time"

	"github.com/google/uuid"
)

// JobStatus is the lifecycle state of an inspection job.
type JobStatus string

const (
	JobStatusPending                JobStatus = "PENDING"
	JobStatusStarting               JobStatus = "STARTING"
	JobStatusInProgress             JobStatus = "IN_PROGRESS"
	JobStatusCompleted              JobStatus = "COMPLETED"
	JobStatusCompletedWithSaveError JobStatus = "COMPLETED_WITH_SAVE_ERROR"
	JobStatusFailed                 JobStatus = "FAILED"
	JobStatusCancelled              JobStatus = "CANCELLED"
)

// Terminal reports whether the status is a terminal state. Once terminal, a
// job never transitions again; COMPLETED may later be refined to
// COMPLETED_WITH_SAVE_ERROR when the persistence cascade degrades, which is
// not counted as a second transition.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusCompletedWithSaveError, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// Trend describes how a job's progress velocity is changing.
type Trend string

const (
	TrendAccelerating Trend = "accelerating"
	TrendSteady       Trend = "steady"
	TrendDecelerating Trend = "decelerating"
	TrendStagnant     Trend = "stagnant"
)

// Progress is the weighted multi-step progress of a job.
type Progress struct {
	Percentage     int     `json:"percentage"`
	CurrentStep    string  `json:"currentStep"`
	CompletedSteps int     `json:"completedSteps"`
	TotalSteps     int     `json:"totalSteps"`
	StepFraction   float64 `json:"stepProgressFraction"`
	Velocity       float64 `json:"velocity"` // percentage points per second
	Trend          Trend   `json:"trend"`

	// EstimatedRemaining is a linear extrapolation from elapsed time and
	// percentage; zero until there is enough signal to estimate.
	EstimatedRemaining time.Duration `json:"estimatedTimeRemainingMs"`
}

// InspectionJob is one execution of an inspection against a single target
// item/service for a customer.
type InspectionJob struct {
	ID          uuid.UUID `json:"id"`
	CustomerID  string    `json:"customer_id"`
	ServiceType string    `json:"service_type"`
	ItemID      string    `json:"item_id"`
	Status      JobStatus `json:"status"`
	Progress    Progress  `json:"progress"`

	StartedAt     time.Time  `json:"started_at"`
	LastUpdatedAt time.Time  `json:"last_updated_at"`
	EndedAt       *time.Time `json:"ended_at,omitempty"`

	Findings      []Finding     `json:"findings,omitempty"`
	Summary       *Summary      `json:"summary,omitempty"`
	Duration      time.Duration `json:"duration_ms,omitempty"`
	Partial       bool          `json:"partial,omitempty"`
	FailureReason string        `json:"failure_reason,omitempty"`
}

// Step is one named phase of an inspection with its relative weight.
type Step struct {
	Name   string `json:"name"`
	Weight int    `json:"weight"`
}

// StepPlan is the ordered sequence of steps for one service type.
// Weights must sum to 100.
type StepPlan struct {
	Steps []Step `json:"steps"`
}

// TotalWeight returns the sum of all step weights.
func (p StepPlan) TotalWeight() int {
	total := 0
	for _, s := range p.Steps {
		total += s.Weight
	}
	return total
}

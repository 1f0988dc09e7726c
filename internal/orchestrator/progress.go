package orchestrator

import (
	"fmt"
	"math"
	"time"

	"github.com/cloudvet/cloudvet/pkg/models"
)

const (
	// sampleWindowSize bounds the trailing {time, percentage} window kept
	// per job. The window only feeds rate/trend estimates, never
	// correctness.
	sampleWindowSize = 20

	// velocityWindow is how many trailing samples feed the velocity
	// estimate.
	velocityWindow = 5

	// trendEpsilon is the minimum velocity delta (pct points/sec) that
	// counts as a trend change between consecutive estimates.
	trendEpsilon = 0.05

	// stagnantVelocity is the velocity below which progress is reported
	// as stagnant.
	stagnantVelocity = 0.01
)

// DefaultStepPlan is used for service types without a registered plan.
func DefaultStepPlan() models.StepPlan {
	return models.StepPlan{Steps: []models.Step{
		{Name: "prepare", Weight: 10},
		{Name: "list-resources", Weight: 20},
		{Name: "check-configuration", Weight: 40},
		{Name: "aggregate", Weight: 20},
		{Name: "report", Weight: 10},
	}}
}

// ValidatePlan checks that a plan is non-empty and its weights sum to 100.
func ValidatePlan(plan models.StepPlan) error {
	if len(plan.Steps) == 0 {
		return fmt.Errorf("step plan has no steps")
	}
	if total := plan.TotalWeight(); total != 100 {
		return fmt.Errorf("step plan weights sum to %d, want 100", total)
	}
	return nil
}

type progressSample struct {
	at  time.Time
	pct int
}

// progressTracker computes weighted percentage, velocity, trend and the
// time-remaining estimate for one job. It is owned by the job's goroutine
// and accessed under the registry's job lock.
type progressTracker struct {
	plan      models.StepPlan
	startedAt time.Time

	pct          int
	samples      []progressSample
	lastVelocity float64
	trend        models.Trend
}

func newProgressTracker(plan models.StepPlan, now time.Time) *progressTracker {
	return &progressTracker{
		plan:      plan,
		startedAt: now,
		trend:     models.TrendSteady,
	}
}

// advance recomputes progress for the given step index and fraction.
// Percentage is clamped to [0,100] and never decreases; this is the single
// authoritative clamping policy.
func (t *progressTracker) advance(stepIndex int, fraction float64, now time.Time) models.Progress {
	steps := t.plan.Steps
	if stepIndex < 0 {
		stepIndex = 0
	}
	if stepIndex >= len(steps) {
		stepIndex = len(steps) - 1
	}
	if fraction < 0 {
		fraction = 0
	}
	if fraction > 1 {
		fraction = 1
	}

	completed := 0
	for i := 0; i < stepIndex; i++ {
		completed += steps[i].Weight
	}
	current := float64(steps[stepIndex].Weight) * fraction

	total := t.plan.TotalWeight()
	pct := int(math.Round((float64(completed) + current) / float64(total) * 100))
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	if pct < t.pct {
		pct = t.pct
	}
	t.pct = pct

	t.samples = append(t.samples, progressSample{at: now, pct: pct})
	if len(t.samples) > sampleWindowSize {
		t.samples = t.samples[len(t.samples)-sampleWindowSize:]
	}

	velocity := t.estimateVelocity()
	t.trend = classifyTrend(velocity, t.lastVelocity)
	t.lastVelocity = velocity

	return models.Progress{
		Percentage:         pct,
		CurrentStep:        steps[stepIndex].Name,
		CompletedSteps:     stepIndex,
		TotalSteps:         len(steps),
		StepFraction:       fraction,
		Velocity:           velocity,
		Trend:              t.trend,
		EstimatedRemaining: t.estimateRemaining(now),
	}
}

// estimateVelocity returns pct points per second over the last few samples.
func (t *progressTracker) estimateVelocity() float64 {
	n := len(t.samples)
	if n < 2 {
		return 0
	}
	window := velocityWindow
	if n < window {
		window = n
	}
	first := t.samples[n-window]
	last := t.samples[n-1]
	dt := last.at.Sub(first.at).Seconds()
	if dt <= 0 {
		return 0
	}
	return float64(last.pct-first.pct) / dt
}

// estimateRemaining linearly extrapolates from elapsed time and percentage.
func (t *progressTracker) estimateRemaining(now time.Time) time.Duration {
	if t.pct <= 0 || t.pct >= 100 {
		return 0
	}
	elapsed := now.Sub(t.startedAt)
	if elapsed <= 0 {
		return 0
	}
	remaining := float64(elapsed) * float64(100-t.pct) / float64(t.pct)
	return time.Duration(remaining)
}

func classifyTrend(velocity, previous float64) models.Trend {
	if velocity < stagnantVelocity {
		return models.TrendStagnant
	}
	diff := velocity - previous
	switch {
	case diff > trendEpsilon:
		return models.TrendAccelerating
	case diff < -trendEpsilon:
		return models.TrendDecelerating
	default:
		return models.TrendSteady
	}
}

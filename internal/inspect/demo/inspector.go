// Package demo provides an in-process Inspector and CredentialsProvider used
// by tests and by the server when no real scanning backend is configured.
package demo

import (
	"context"
	"fmt"
	"time"

	"github.com/cloudvet/cloudvet/internal/inspect"
	"github.com/cloudvet/cloudvet/pkg/models"
)

// Inspector walks a step plan, reporting progress at each step and emitting a
// small fixed set of findings. One instance serves any number of concurrent
// jobs: all run state lives on the stack of each Run call, and partial
// findings leave a failed run inside the returned PartialError.
type Inspector struct {
	Steps     int
	StepDelay time.Duration

	// FailAtStep, when >= 0, makes Run fail after that step with a
	// PartialError carrying the findings produced so far.
	FailAtStep int
}

// NewInspector returns a demo inspector that completes all steps.
func NewInspector(steps int, stepDelay time.Duration) *Inspector {
	return &Inspector{Steps: steps, StepDelay: stepDelay, FailAtStep: -1}
}

func (d *Inspector) Run(ctx context.Context, _ inspect.Credentials, cfg inspect.Config) (*inspect.Result, error) {
	start := time.Now()
	var found []models.Finding

	for i := 0; i < d.Steps; i++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		if d.StepDelay > 0 {
			time.Sleep(d.StepDelay)
		}

		found = append(found, models.Finding{
			ResourceID:     fmt.Sprintf("%s/%s/resource-%d", cfg.ServiceType, cfg.ItemID, i),
			ResourceType:   cfg.ServiceType,
			RiskLevel:      models.RiskPass,
			Issue:          "no issues detected",
			Recommendation: "none",
			Category:       "demo",
		})

		if cfg.OnProgress != nil {
			cfg.OnProgress(i, 1.0, len(found))
		}

		if d.FailAtStep >= 0 && i == d.FailAtStep {
			return nil, &inspect.PartialError{
				Findings: found,
				Err:      fmt.Errorf("demo inspector failed at step %d", i),
			}
		}
	}

	return &inspect.Result{
		Findings: found,
		Summary:  models.Summarize(found),
		Duration: time.Since(start),
		Metadata: inspect.Metadata{ResourcesScanned: len(found)},
	}, nil
}

// Credentials is a CredentialsProvider that hands out fixed dummy
// credentials, or fails with the configured error.
type Credentials struct {
	Err error
}

func (c *Credentials) Assume(_ context.Context, roleRef, sessionID string) (inspect.Credentials, error) {
	if c.Err != nil {
		return inspect.Credentials{}, c.Err
	}
	if roleRef == "" {
		return inspect.Credentials{}, inspect.ErrInvalidParameter
	}
	return inspect.Credentials{
		AccessKeyID:     "DEMO" + sessionID,
		SecretAccessKey: "demo-secret",
		SessionToken:    "demo-session",
		Expiration:      time.Now().Add(time.Hour),
	}, nil
}

var (
	_ inspect.Inspector           = (*Inspector)(nil)
	_ inspect.CredentialsProvider = (*Credentials)(nil)
)

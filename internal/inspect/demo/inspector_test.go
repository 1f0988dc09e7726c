package demo_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/cloudvet/cloudvet/internal/inspect"
	"github.com/cloudvet/cloudvet/internal/inspect/demo"
)

func TestRun_CompletesAllSteps(t *testing.T) {
	insp := demo.NewInspector(4, 0)

	var progressCalls int
	cfg := inspect.Config{
		CustomerID:  "cust-1",
		ServiceType: "storage",
		ItemID:      "bucket-a",
		OnProgress:  func(_ int, _ float64, _ int) { progressCalls++ },
	}

	result, err := insp.Run(context.Background(), inspect.Credentials{}, cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result.Findings) != 4 {
		t.Errorf("expected 4 findings, got %d", len(result.Findings))
	}
	if progressCalls != 4 {
		t.Errorf("expected 4 progress callbacks, got %d", progressCalls)
	}
	if result.Metadata.ResourcesScanned != 4 {
		t.Errorf("expected 4 resources scanned, got %d", result.Metadata.ResourcesScanned)
	}
}

func TestRun_FailAtStepCarriesPartialFindings(t *testing.T) {
	insp := demo.NewInspector(6, 0)
	insp.FailAtStep = 2

	cfg := inspect.Config{ServiceType: "storage", ItemID: "bucket-a"}
	result, err := insp.Run(context.Background(), inspect.Credentials{}, cfg)
	if result != nil {
		t.Fatal("a failed run must not return a result")
	}

	var pe *inspect.PartialError
	if !errors.As(err, &pe) {
		t.Fatalf("expected PartialError, got %v", err)
	}
	if len(pe.Findings) != 3 {
		t.Errorf("expected findings for steps 0..2, got %d", len(pe.Findings))
	}
}

func TestRun_ConcurrentJobsKeepFindingsSeparate(t *testing.T) {
	// One registered instance serves every job of a service type, so two
	// failing runs in flight at once must not see each other's findings.
	insp := demo.NewInspector(5, 0)
	insp.FailAtStep = 3

	items := []string{"bucket-a", "bucket-b"}
	partials := make([][]string, len(items))

	var wg sync.WaitGroup
	for i, item := range items {
		wg.Add(1)
		go func(i int, item string) {
			defer wg.Done()
			for run := 0; run < 50; run++ {
				cfg := inspect.Config{ServiceType: "storage", ItemID: item}
				_, err := insp.Run(context.Background(), inspect.Credentials{}, cfg)

				var pe *inspect.PartialError
				if !errors.As(err, &pe) {
					t.Errorf("expected PartialError for %s, got %v", item, err)
					return
				}
				for _, f := range pe.Findings {
					partials[i] = append(partials[i], f.ResourceID)
				}
			}
		}(i, item)
	}
	wg.Wait()

	for i, item := range items {
		for _, id := range partials[i] {
			if !strings.Contains(id, "/"+item+"/") {
				t.Fatalf("run for %s harvested foreign finding %s", item, id)
			}
		}
	}
}

func TestRun_HonoursCancellation(t *testing.T) {
	insp := demo.NewInspector(3, 0)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := insp.Run(ctx, inspect.Credentials{}, inspect.Config{ItemID: "bucket-a"})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

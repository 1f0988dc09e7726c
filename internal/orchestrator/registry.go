package orchestrator

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cloudvet/cloudvet/pkg/models"
)

// trackedJob is one live job. The job's own goroutine is the only writer of
// progress fields; the mutex guards against concurrent reads from the HTTP
// surface and the sweep.
type trackedJob struct {
	mu      sync.Mutex
	job     models.InspectionJob
	tracker *progressTracker
}

// snapshot returns a copy of the job safe for callers to keep.
func (t *trackedJob) snapshot() models.InspectionJob {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.job
}

// registry is the process-wide job store, injected into the orchestrator so
// tests and multiple orchestrator instances stay deterministic.
type registry struct {
	mu   sync.RWMutex
	jobs map[uuid.UUID]*trackedJob
}

func newRegistry() *registry {
	return &registry{jobs: make(map[uuid.UUID]*trackedJob)}
}

func (r *registry) put(t *trackedJob) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs[t.job.ID] = t
}

func (r *registry) get(id uuid.UUID) (*trackedJob, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.jobs[id]
	return t, ok
}

func (r *registry) len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.jobs)
}

// sweep removes terminal jobs whose end time is older than retention. The
// terminal-state check under the job lock keeps the sweep from racing an
// in-flight advance on the same job.
func (r *registry) sweep(now time.Time, retention time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for id, t := range r.jobs {
		t.mu.Lock()
		expired := t.job.Status.Terminal() &&
			t.job.EndedAt != nil &&
			now.Sub(*t.job.EndedAt) > retention
		t.mu.Unlock()
		if expired {
			delete(r.jobs, id)
			removed++
		}
	}
	return removed
}

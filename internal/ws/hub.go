package ws

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// subscription is the hub's registry entry for one job id. writeMu
// serializes fanout writes for this job only, so publish order holds per
// job without one job's slow subscriber stalling the others.
type subscription struct {
	writeMu     sync.Mutex
	conns       map[Conn]struct{}
	completed   bool
	completedAt time.Time
}

// HubOptions configures a Hub.
type HubOptions struct {
	// HeartbeatInterval is how often subscribers are pinged; a connection
	// without a pong for two intervals is force-closed and purged.
	HeartbeatInterval time.Duration

	// CompletionGrace is how long a job's entry is retained after its
	// inspection_complete, so late subscribers can still attach.
	CompletionGrace time.Duration

	Now func() time.Time
}

// Hub is the server-side publish/subscribe registry keyed by job id.
type Hub struct {
	mu   sync.Mutex
	subs map[string]*subscription

	heartbeat time.Duration
	grace     time.Duration
	now       func() time.Time

	sendFailures atomic.Int64
}

// NewHub creates a Hub with defaults for unset options.
func NewHub(opts HubOptions) *Hub {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 30 * time.Second
	}
	if opts.CompletionGrace <= 0 {
		opts.CompletionGrace = time.Minute
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Hub{
		subs:      make(map[string]*subscription),
		heartbeat: opts.HeartbeatInterval,
		grace:     opts.CompletionGrace,
		now:       opts.Now,
	}
}

// Subscribe registers a connection for a job id and returns the subscriber
// count. Re-subscribing an already-registered connection is a no-op that
// still reports the current count.
func (h *Hub) Subscribe(jobID string, c Conn) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	sub, ok := h.subs[jobID]
	if !ok {
		sub = &subscription{conns: make(map[Conn]struct{})}
		h.subs[jobID] = sub
	}
	sub.conns[c] = struct{}{}
	return len(sub.conns)
}

// Unsubscribe removes a connection; the job's registry entry is dropped once
// no subscribers remain (unless held by the completion grace window).
func (h *Hub) Unsubscribe(jobID string, c Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	sub, ok := h.subs[jobID]
	if !ok {
		return
	}
	delete(sub.conns, c)
	if len(sub.conns) == 0 && !sub.completed {
		delete(h.subs, jobID)
	}
}

// DropConn removes a connection from every job it is subscribed to. Called
// when a connection's read loop ends.
func (h *Hub) DropConn(c Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for jobID, sub := range h.subs {
		delete(sub.conns, c)
		if len(sub.conns) == 0 && !sub.completed {
			delete(h.subs, jobID)
		}
	}
}

// Publish fans an event out to every subscriber of jobID. A send failure on
// one connection is logged and tallied; it never aborts delivery to the
// remaining subscribers. Events for one job are delivered in publish order;
// the registry lock is never held across a network write, so a stalled
// subscriber of one job cannot block publishes for other jobs.
func (h *Hub) Publish(jobID string, eventType string, data any) {
	env := NewEnvelope(eventType, data)

	h.mu.Lock()
	sub, ok := h.subs[jobID]
	if !ok {
		if eventType == TypeInspectionComplete {
			// Retain an empty completed entry so late subscribers within
			// the grace window still get a registry slot.
			h.subs[jobID] = &subscription{
				conns:       make(map[Conn]struct{}),
				completed:   true,
				completedAt: h.now(),
			}
		}
		h.mu.Unlock()
		return
	}

	conns := make([]Conn, 0, len(sub.conns))
	for c := range sub.conns {
		conns = append(conns, c)
	}
	if eventType == TypeInspectionComplete {
		sub.completed = true
		sub.completedAt = h.now()
	}
	// Taking the per-job write lock before releasing the registry lock
	// pins the fanout order to publish order.
	sub.writeMu.Lock()
	h.mu.Unlock()
	defer sub.writeMu.Unlock()

	for _, c := range conns {
		if err := c.WriteJSON(env); err != nil {
			h.sendFailures.Add(1)
			slog.Warn("subscriber send failed",
				"job_id", jobID, "event", eventType, "error", err)
		}
	}
}

// SubscriberCount returns how many connections are registered for jobID.
func (h *Hub) SubscriberCount(jobID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if sub, ok := h.subs[jobID]; ok {
		return len(sub.conns)
	}
	return 0
}

// SendFailures returns the running tally of failed subscriber sends.
func (h *Hub) SendFailures() int64 {
	return h.sendFailures.Load()
}

// Run drives the heartbeat and the completion-grace purge until ctx is
// cancelled.
func (h *Hub) Run(ctx context.Context) error {
	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return ctx.Err()
		case <-ticker.C:
			h.sweep()
		}
	}
}

// sweep pings live connections, purges the dead, and drops completed job
// entries past the grace window.
func (h *Hub) sweep() {
	now := h.now()
	deadline := now.Add(writeTimeout)

	h.mu.Lock()
	defer h.mu.Unlock()

	var dead []Conn
	seen := make(map[Conn]struct{})
	for _, sub := range h.subs {
		for c := range sub.conns {
			if _, dup := seen[c]; dup {
				continue
			}
			seen[c] = struct{}{}
			if now.Sub(c.LastPong()) > 2*h.heartbeat {
				dead = append(dead, c)
				continue
			}
			if err := c.Ping(deadline); err != nil {
				dead = append(dead, c)
			}
		}
	}

	for _, c := range dead {
		c.Close()
		for jobID, sub := range h.subs {
			delete(sub.conns, c)
			if len(sub.conns) == 0 && !sub.completed {
				delete(h.subs, jobID)
			}
		}
	}
	if len(dead) > 0 {
		slog.Info("heartbeat purged dead subscribers", "count", len(dead))
	}

	for jobID, sub := range h.subs {
		if sub.completed && now.Sub(sub.completedAt) > h.grace {
			delete(h.subs, jobID)
		}
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()

	closed := make(map[Conn]struct{})
	for _, sub := range h.subs {
		for c := range sub.conns {
			if _, done := closed[c]; !done {
				c.Close()
				closed[c] = struct{}{}
			}
		}
	}
	h.subs = make(map[string]*subscription)
}

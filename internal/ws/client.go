package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Callback receives events for one subscribed job id.
type Callback func(eventType string, data json.RawMessage)

// Subscription is the handle returned by Client.Subscribe, used to remove
// the callback again.
type Subscription struct {
	jobID string
	id    int
}

// ClientConn is the client's transport, injectable for tests.
type ClientConn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// DialFunc opens a transport to the server, authenticating with token.
type DialFunc func(ctx context.Context, url, token string) (ClientConn, error)

// ClientOptions configures a Client.
type ClientOptions struct {
	URL   string
	Token string

	// Reconnection backoff: delays double from BaseDelay up to MaxDelay,
	// and retries stop after MaxAttempts consecutive failures.
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int

	// CompleteGrace is how long after an inspection_complete event the
	// job's callbacks stay registered before auto-unsubscribe.
	CompleteGrace time.Duration

	HeartbeatInterval time.Duration

	// Dial defaults to a gorilla/websocket dialer.
	Dial DialFunc
}

// Client manages the client side of the progress feed: connection
// lifecycle, reconnection with backoff, offline queueing, and local
// callback dispatch keyed by job id.
type Client struct {
	opts ClientOptions

	mu           sync.Mutex
	conn         ClientConn
	connected    bool
	closed       bool
	reconnecting bool // guard flag: one reconnect loop at a time
	attempts     int
	nextSubID    int
	queue        [][]byte // outbound FIFO while disconnected
	callbacks    map[string]map[int]Callback
	connDone     chan struct{}
}

// NewClient creates a Client with defaults for unset options.
func NewClient(opts ClientOptions) *Client {
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = time.Second
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = 30 * time.Second
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 10
	}
	if opts.CompleteGrace <= 0 {
		opts.CompleteGrace = 2 * time.Second
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 30 * time.Second
	}
	if opts.Dial == nil {
		opts.Dial = dialGorilla
	}
	return &Client{
		opts:      opts,
		callbacks: make(map[string]map[int]Callback),
	}
}

// Connect opens the transport. On success it flushes any messages queued
// while offline, replays pending subscriptions and starts the read and
// heartbeat loops.
func (c *Client) Connect(ctx context.Context) error {
	conn, err := c.opts.Dial(ctx, c.opts.URL, c.opts.Token)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.opts.URL, err)
	}
	c.attach(conn)
	return nil
}

// attach installs a freshly dialed connection and drains pending work.
func (c *Client) attach(conn ClientConn) {
	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.attempts = 0
	queued := c.queue
	c.queue = nil

	var pendingSubs []string
	for jobID, cbs := range c.callbacks {
		if len(cbs) > 0 {
			pendingSubs = append(pendingSubs, jobID)
		}
	}
	done := make(chan struct{})
	c.connDone = done
	c.mu.Unlock()

	for _, msg := range queued {
		if err := conn.WriteMessage(msg); err != nil {
			slog.Warn("flush queued message failed", "error", err)
			break
		}
	}
	for _, jobID := range pendingSubs {
		c.sendEnvelope(NewEnvelope(TypeSubscribe, SubscribeData{InspectionID: jobID}))
	}

	go c.readLoop(conn, done)
	go c.heartbeatLoop(conn, done)
}

// Subscribe registers a callback for a job id. Only the first callback for
// a job triggers a wire-level subscribe request.
func (c *Client) Subscribe(jobID string, cb Callback) *Subscription {
	c.mu.Lock()
	cbs, ok := c.callbacks[jobID]
	if !ok {
		cbs = make(map[int]Callback)
		c.callbacks[jobID] = cbs
	}
	first := len(cbs) == 0
	c.nextSubID++
	id := c.nextSubID
	cbs[id] = cb
	c.mu.Unlock()

	if first {
		c.sendEnvelope(NewEnvelope(TypeSubscribe, SubscribeData{InspectionID: jobID}))
	}
	return &Subscription{jobID: jobID, id: id}
}

// Unsubscribe removes a callback; the wire-level unsubscribe goes out only
// when the job's last local callback is gone.
func (c *Client) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	c.mu.Lock()
	cbs, ok := c.callbacks[sub.jobID]
	if ok {
		delete(cbs, sub.id)
	}
	last := ok && len(cbs) == 0
	if last {
		delete(c.callbacks, sub.jobID)
	}
	c.mu.Unlock()

	if last {
		c.sendEnvelope(NewEnvelope(TypeUnsubscribe, SubscribeData{InspectionID: sub.jobID}))
	}
}

// sendEnvelope transmits one envelope, or queues it while disconnected.
// Queued messages are FIFO and flushed in order on reconnection.
func (c *Client) sendEnvelope(env Envelope) {
	raw, err := json.Marshal(env)
	if err != nil {
		slog.Error("marshal outbound envelope", "error", err)
		return
	}

	c.mu.Lock()
	if !c.connected || c.conn == nil {
		c.queue = append(c.queue, raw)
		c.mu.Unlock()
		return
	}
	conn := c.conn
	c.mu.Unlock()

	if err := conn.WriteMessage(raw); err != nil {
		c.mu.Lock()
		c.queue = append(c.queue, raw)
		c.mu.Unlock()
	}
}

func (c *Client) readLoop(conn ClientConn, done chan struct{}) {
	defer close(done)
	for {
		payload, err := conn.ReadMessage()
		if err != nil {
			c.handleDisconnect(conn, err)
			return
		}

		var env Envelope
		if err := json.Unmarshal(payload, &env); err != nil {
			slog.Warn("malformed inbound envelope", "error", err)
			continue
		}
		c.dispatch(env)
	}
}

func (c *Client) heartbeatLoop(conn ClientConn, done chan struct{}) {
	ticker := time.NewTicker(c.opts.HeartbeatInterval)
	defer ticker.Stop()
	ping, _ := json.Marshal(NewEnvelope(TypePing, nil))
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := conn.WriteMessage(ping); err != nil {
				return
			}
		}
	}
}

// dispatch routes an inbound event to the callbacks registered for its job
// id. An inspection_complete event triggers auto-unsubscribe after a short
// grace delay.
func (c *Client) dispatch(env Envelope) {
	switch env.Type {
	case TypeProgressUpdate, TypeStatusChange, TypeInspectionComplete:
	default:
		return
	}

	var key struct {
		InspectionID string `json:"inspectionId"`
	}
	if err := json.Unmarshal(env.Data, &key); err != nil || key.InspectionID == "" {
		return
	}

	c.mu.Lock()
	var cbs []Callback
	for _, cb := range c.callbacks[key.InspectionID] {
		cbs = append(cbs, cb)
	}
	c.mu.Unlock()

	for _, cb := range cbs {
		cb(env.Type, env.Data)
	}

	if env.Type == TypeInspectionComplete {
		jobID := key.InspectionID
		time.AfterFunc(c.opts.CompleteGrace, func() {
			c.mu.Lock()
			_, had := c.callbacks[jobID]
			delete(c.callbacks, jobID)
			c.mu.Unlock()
			if had {
				c.sendEnvelope(NewEnvelope(TypeUnsubscribe, SubscribeData{InspectionID: jobID}))
			}
		})
	}
}

// handleDisconnect marks the connection down and, unless Close was called,
// kicks off the reconnect loop.
func (c *Client) handleDisconnect(conn ClientConn, err error) {
	conn.Close()

	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.connected = false
	c.conn = nil
	closed := c.closed
	c.mu.Unlock()

	if closed {
		return
	}
	slog.Info("connection lost, scheduling reconnect", "error", err)
	c.scheduleReconnect()
}

// scheduleReconnect starts the single reconnect loop; the guard flag keeps
// concurrent attempts from stacking.
func (c *Client) scheduleReconnect() {
	c.mu.Lock()
	if c.reconnecting || c.closed {
		c.mu.Unlock()
		return
	}
	c.reconnecting = true
	c.mu.Unlock()

	go func() {
		defer func() {
			c.mu.Lock()
			c.reconnecting = false
			c.mu.Unlock()
		}()

		for {
			c.mu.Lock()
			if c.closed {
				c.mu.Unlock()
				return
			}
			c.attempts++
			attempt := c.attempts
			c.mu.Unlock()

			if attempt > c.opts.MaxAttempts {
				slog.Error("reconnect attempts exhausted", "attempts", attempt-1)
				return
			}

			time.Sleep(c.backoffDelay(attempt))

			if err := c.Connect(context.Background()); err != nil {
				slog.Warn("reconnect attempt failed", "attempt", attempt, "error", err)
				continue
			}
			slog.Info("reconnected", "attempt", attempt)
			return
		}
	}()
}

// backoffDelay doubles from the base delay and never exceeds the cap.
func (c *Client) backoffDelay(attempt int) time.Duration {
	delay := c.opts.BaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.opts.MaxDelay {
			return c.opts.MaxDelay
		}
	}
	if delay > c.opts.MaxDelay {
		delay = c.opts.MaxDelay
	}
	return delay
}

// Close shuts the client down; no reconnection follows.
func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.connected = false
	c.mu.Unlock()

	if conn != nil {
		return conn.Close()
	}
	return nil
}

// gorillaClientConn adapts *websocket.Conn to ClientConn.
type gorillaClientConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (g *gorillaClientConn) ReadMessage() ([]byte, error) {
	_, payload, err := g.conn.ReadMessage()
	return payload, err
}

func (g *gorillaClientConn) WriteMessage(data []byte) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return g.conn.WriteMessage(websocket.TextMessage, data)
}

func (g *gorillaClientConn) Close() error {
	return g.conn.Close()
}

func dialGorilla(ctx context.Context, url, token string) (ClientConn, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, err
	}
	return &gorillaClientConn{conn: conn}, nil
}

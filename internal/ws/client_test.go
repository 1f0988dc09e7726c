package ws

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"
)

// fakeClientConn scripts the client's transport: inbound frames arrive on a
// channel, outbound frames are recorded.
type fakeClientConn struct {
	mu     sync.Mutex
	sent   [][]byte
	inbox  chan []byte
	closed bool
}

func newFakeClientConn() *fakeClientConn {
	return &fakeClientConn{inbox: make(chan []byte, 16)}
}

func (f *fakeClientConn) ReadMessage() ([]byte, error) {
	msg, ok := <-f.inbox
	if !ok {
		return nil, errors.New("connection closed")
	}
	return msg, nil
}

func (f *fakeClientConn) WriteMessage(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return errors.New("write on closed connection")
	}
	f.sent = append(f.sent, data)
	return nil
}

func (f *fakeClientConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.inbox)
	}
	return nil
}

func (f *fakeClientConn) deliver(t *testing.T, typ string, data any) {
	t.Helper()
	raw, err := json.Marshal(NewEnvelope(typ, data))
	if err != nil {
		t.Fatal(err)
	}
	f.inbox <- raw
}

func (f *fakeClientConn) sentTypes(t *testing.T) []string {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	var types []string
	for _, raw := range f.sent {
		var env Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			t.Fatal(err)
		}
		types = append(types, env.Type)
	}
	return types
}

func singleConnDialer(conn ClientConn) DialFunc {
	return func(_ context.Context, _, _ string) (ClientConn, error) {
		return conn, nil
	}
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		if cond() {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %s", what)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestClient_QueuesWhileDisconnectedAndFlushesFIFO(t *testing.T) {
	conn := newFakeClientConn()
	c := NewClient(ClientOptions{Dial: singleConnDialer(conn)})
	defer c.Close()

	// Subscriptions placed before Connect queue in order.
	c.Subscribe("job-1", func(string, json.RawMessage) {})
	c.Subscribe("job-2", func(string, json.RawMessage) {})
	c.Subscribe("job-3", func(string, json.RawMessage) {})

	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}

	waitUntil(t, "queue flush", func() bool {
		conn.mu.Lock()
		defer conn.mu.Unlock()
		return len(conn.sent) >= 3
	})

	var order []string
	conn.mu.Lock()
	for _, raw := range conn.sent {
		var env Envelope
		json.Unmarshal(raw, &env)
		var data SubscribeData
		json.Unmarshal(env.Data, &data)
		if env.Type == TypeSubscribe {
			order = append(order, data.InspectionID)
		}
	}
	conn.mu.Unlock()

	if len(order) < 3 || order[0] != "job-1" || order[1] != "job-2" || order[2] != "job-3" {
		t.Errorf("queued subscribes must flush in FIFO order, got %v", order)
	}
}

func TestClient_LocalCallbackDedup(t *testing.T) {
	conn := newFakeClientConn()
	c := NewClient(ClientOptions{Dial: singleConnDialer(conn)})
	defer c.Close()
	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}

	var calls int
	var mu sync.Mutex
	cb := func(string, json.RawMessage) {
		mu.Lock()
		calls++
		mu.Unlock()
	}

	sub1 := c.Subscribe("job-1", cb)
	sub2 := c.Subscribe("job-1", cb)

	// Only the first local callback triggers a wire-level subscribe.
	types := conn.sentTypes(t)
	subscribes := 0
	for _, typ := range types {
		if typ == TypeSubscribe {
			subscribes++
		}
	}
	if subscribes != 1 {
		t.Errorf("expected one wire subscribe for two callbacks, got %d", subscribes)
	}

	conn.deliver(t, TypeProgressUpdate, ProgressUpdateData{InspectionID: "job-1"})
	waitUntil(t, "both callbacks", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls == 2
	})

	// Removing one callback keeps the wire subscription alive.
	c.Unsubscribe(sub1)
	for _, typ := range conn.sentTypes(t) {
		if typ == TypeUnsubscribe {
			t.Fatal("unsubscribe sent while a callback remains")
		}
	}

	// Removing the last one sends the wire unsubscribe.
	c.Unsubscribe(sub2)
	waitUntil(t, "wire unsubscribe", func() bool {
		for _, typ := range conn.sentTypes(t) {
			if typ == TypeUnsubscribe {
				return true
			}
		}
		return false
	})
}

func TestClient_DispatchRoutesByJobID(t *testing.T) {
	conn := newFakeClientConn()
	c := NewClient(ClientOptions{Dial: singleConnDialer(conn)})
	defer c.Close()
	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}

	var mu sync.Mutex
	got := map[string]int{}
	c.Subscribe("job-1", func(string, json.RawMessage) {
		mu.Lock()
		got["job-1"]++
		mu.Unlock()
	})
	c.Subscribe("job-2", func(string, json.RawMessage) {
		mu.Lock()
		got["job-2"]++
		mu.Unlock()
	})

	conn.deliver(t, TypeProgressUpdate, ProgressUpdateData{InspectionID: "job-1"})
	conn.deliver(t, TypeStatusChange, StatusChangeData{InspectionID: "job-1"})
	conn.deliver(t, TypeProgressUpdate, ProgressUpdateData{InspectionID: "job-2"})

	waitUntil(t, "dispatch", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return got["job-1"] == 2 && got["job-2"] == 1
	})
}

func TestClient_AutoUnsubscribeAfterCompletion(t *testing.T) {
	conn := newFakeClientConn()
	c := NewClient(ClientOptions{
		Dial:          singleConnDialer(conn),
		CompleteGrace: 20 * time.Millisecond,
	})
	defer c.Close()
	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}

	var sawComplete bool
	var mu sync.Mutex
	c.Subscribe("job-1", func(eventType string, _ json.RawMessage) {
		if eventType == TypeInspectionComplete {
			mu.Lock()
			sawComplete = true
			mu.Unlock()
		}
	})

	conn.deliver(t, TypeInspectionComplete, InspectionCompleteData{InspectionID: "job-1"})

	waitUntil(t, "completion callback", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return sawComplete
	})
	waitUntil(t, "auto-unsubscribe", func() bool {
		for _, typ := range conn.sentTypes(t) {
			if typ == TypeUnsubscribe {
				return true
			}
		}
		return false
	})

	c.mu.Lock()
	_, still := c.callbacks["job-1"]
	c.mu.Unlock()
	if still {
		t.Error("callbacks should be dropped after the completion grace")
	}
}

func TestClient_ReconnectsWithBackoff(t *testing.T) {
	first := newFakeClientConn()
	second := newFakeClientConn()

	var mu sync.Mutex
	dials := 0
	dial := func(_ context.Context, _, _ string) (ClientConn, error) {
		mu.Lock()
		defer mu.Unlock()
		dials++
		switch dials {
		case 1:
			return first, nil
		case 2:
			return nil, errors.New("server unreachable")
		default:
			return second, nil
		}
	}

	c := NewClient(ClientOptions{
		Dial:      dial,
		BaseDelay: time.Millisecond,
		MaxDelay:  4 * time.Millisecond,
	})
	defer c.Close()
	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}

	c.Subscribe("job-1", func(string, json.RawMessage) {})

	// Kill the first connection; the client must retry past the failed dial
	// and replay the subscription on the new transport.
	first.Close()

	waitUntil(t, "reconnect", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return dials >= 3
	})
	waitUntil(t, "subscription replay", func() bool {
		for _, typ := range second.sentTypes(t) {
			if typ == TypeSubscribe {
				return true
			}
		}
		return false
	})
}

func TestClient_ReconnectGivesUpAfterMaxAttempts(t *testing.T) {
	conn := newFakeClientConn()
	var mu sync.Mutex
	dials := 0
	dial := func(_ context.Context, _, _ string) (ClientConn, error) {
		mu.Lock()
		defer mu.Unlock()
		dials++
		if dials == 1 {
			return conn, nil
		}
		return nil, errors.New("server unreachable")
	}

	c := NewClient(ClientOptions{
		Dial:        dial,
		BaseDelay:   time.Millisecond,
		MaxDelay:    2 * time.Millisecond,
		MaxAttempts: 3,
	})
	defer c.Close()
	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}

	conn.Close()

	waitUntil(t, "attempts exhausted", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return dials >= 4 // initial dial + MaxAttempts retries
	})
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	final := dials
	mu.Unlock()
	if final != 4 {
		t.Errorf("expected retries to stop at %d dials, got %d", 4, final)
	}
}

func TestBackoffDelay_DoublesAndCaps(t *testing.T) {
	c := NewClient(ClientOptions{
		BaseDelay: time.Second,
		MaxDelay:  8 * time.Second,
		Dial:      singleConnDialer(newFakeClientConn()),
	})

	want := []time.Duration{
		time.Second, 2 * time.Second, 4 * time.Second,
		8 * time.Second, 8 * time.Second, 8 * time.Second,
	}
	for i, expected := range want {
		if got := c.backoffDelay(i + 1); got != expected {
			t.Errorf("attempt %d: expected %v, got %v", i+1, expected, got)
		}
	}
}

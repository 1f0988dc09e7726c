package ws

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const writeTimeout = 10 * time.Second

// Conn is the hub's view of one subscriber connection. Implementations must
// be safe for concurrent writes.
type Conn interface {
	WriteJSON(v any) error
	Ping(deadline time.Time) error
	LastPong() time.Time
	Close() error
}

// gorillaConn adapts a *websocket.Conn to the hub's Conn interface. gorilla
// allows only one concurrent writer, so all writes go through the mutex.
type gorillaConn struct {
	mu   sync.Mutex
	conn *websocket.Conn

	pongMu   sync.Mutex
	lastPong time.Time
}

// NewConn wraps an upgraded websocket connection and installs the pong
// handler feeding the hub's heartbeat.
func NewConn(c *websocket.Conn) Conn {
	g := &gorillaConn{conn: c, lastPong: time.Now()}
	c.SetPongHandler(func(string) error {
		g.pongMu.Lock()
		g.lastPong = time.Now()
		g.pongMu.Unlock()
		return nil
	})
	return g
}

func (g *gorillaConn) WriteJSON(v any) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return g.conn.WriteJSON(v)
}

func (g *gorillaConn) Ping(deadline time.Time) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.conn.WriteControl(websocket.PingMessage, nil, deadline)
}

func (g *gorillaConn) LastPong() time.Time {
	g.pongMu.Lock()
	defer g.pongMu.Unlock()
	return g.lastPong
}

func (g *gorillaConn) Close() error {
	return g.conn.Close()
}

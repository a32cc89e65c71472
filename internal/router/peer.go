// Package router tracks live client sockets and delivers job-scoped
// messages to the socket of record for each job.
//
// Delivery is at-most-once: if the owning socket has closed, messages for
// its jobs are silently dropped. Continuity across reconnects depends on
// the client re-registering its project root and resubmitting interest in
// a job id; the router never rediscovers a reconnected client on its own.
package router

import "sync"

// wire is the minimal connection surface the router needs. It is
// satisfied by *websocket.Conn; tests substitute an in-memory fake.
type wire interface {
	WriteJSON(v any) error
	Close() error
}

// Peer wraps one client connection. gorilla/websocket permits only one
// concurrent writer per connection, so all writes go through a mutex.
type Peer struct {
	mu     sync.Mutex
	conn   wire
	closed bool
}

// NewPeer wraps a connection.
func NewPeer(conn wire) *Peer {
	return &Peer{conn: conn}
}

// Send writes one JSON frame. Writes after MarkClosed are dropped.
func (p *Peer) Send(v any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	return p.conn.WriteJSON(v)
}

// Open reports whether the peer is still writable.
func (p *Peer) Open() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.closed
}

// MarkClosed flags the peer as gone. Subsequent Sends become no-ops.
func (p *Peer) MarkClosed() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
}

// Close marks the peer closed and closes the underlying connection.
func (p *Peer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return p.conn.Close()
}

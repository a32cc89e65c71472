package router

import "sync"

// Router maps job ids to the peer registered as sender of record. The
// entry is (re)set at submission and resubmission time, so after a
// reconnect the newest socket to show interest in a job wins.
type Router struct {
	mu      sync.Mutex
	senders map[string]*Peer
}

// NewRouter creates an empty Router.
func NewRouter() *Router {
	return &Router{
		senders: make(map[string]*Peer),
	}
}

// SetSender records p as the sender of record for jobID, replacing any
// previous owner.
func (rt *Router) SetSender(jobID string, p *Peer) {
	rt.mu.Lock()
	rt.senders[jobID] = p
	rt.mu.Unlock()
}

// RemovePeer purges every sender-of-record entry pointing at p.
func (rt *Router) RemovePeer(p *Peer) {
	rt.mu.Lock()
	for jobID, owner := range rt.senders {
		if owner == p {
			delete(rt.senders, jobID)
		}
	}
	rt.mu.Unlock()
}

// SendToSender delivers msg to the socket of record for jobID. Messages
// for unknown jobs or closed sockets are silently dropped: delivery is
// at-most-once with no queueing across reconnects.
func (rt *Router) SendToSender(jobID string, msg any) {
	rt.mu.Lock()
	p := rt.senders[jobID]
	rt.mu.Unlock()

	if p != nil && p.Open() {
		_ = p.Send(msg)
	}
}

// Send delivers msg to a specific peer if it is still open.
func (rt *Router) Send(p *Peer, msg any) {
	if p != nil && p.Open() {
		_ = p.Send(msg)
	}
}

// Broadcast delivers msg to every open peer in the list.
func (rt *Router) Broadcast(peers []*Peer, msg any) {
	for _, p := range peers {
		if p.Open() {
			_ = p.Send(msg)
		}
	}
}

// Clear forgets all sender-of-record entries.
func (rt *Router) Clear() {
	rt.mu.Lock()
	rt.senders = make(map[string]*Peer)
	rt.mu.Unlock()
}

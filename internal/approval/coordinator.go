package approval

import "sync"

// Coordinator tracks at most one pending approval decision per job id.
// All methods are safe for concurrent use.
type Coordinator struct {
	mu      sync.Mutex
	pending map[string]chan bool
}

// NewCoordinator creates an empty Coordinator.
func NewCoordinator() *Coordinator {
	return &Coordinator{
		pending: make(map[string]chan bool),
	}
}

// Request registers a pending decision for jobID and returns a channel
// that receives exactly one decision. The emit side effect (typically
// sending an approval_request frame to the owning client) runs before
// registration. If an unresolved decision already exists for jobID it is
// resolved with false first, so only the newest request can ever be
// granted.
func (c *Coordinator) Request(jobID string, emit func()) <-chan bool {
	if emit != nil {
		emit()
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if prev, ok := c.pending[jobID]; ok {
		prev <- false
	}

	ch := make(chan bool, 1)
	c.pending[jobID] = ch
	return ch
}

// Resolve delivers a decision for jobID and removes the entry. It reports
// whether a pending decision existed; unknown ids are a no-op.
func (c *Coordinator) Resolve(jobID string, approved bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch, ok := c.pending[jobID]
	if !ok {
		return false
	}
	delete(c.pending, jobID)
	ch <- approved
	return true
}

// Clear discards a pending entry without resolving it. Used after a job
// terminates normally; the agent call that was waiting has already
// returned, so nobody is listening.
func (c *Coordinator) Clear(jobID string) {
	c.mu.Lock()
	delete(c.pending, jobID)
	c.mu.Unlock()
}

// ClearAll resolves every outstanding decision with def and empties the
// table. Called at shutdown so no waiter blocks forever.
func (c *Coordinator) ClearAll(def bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for id, ch := range c.pending {
		ch <- def
		delete(c.pending, id)
	}
}

// PendingCount returns the number of unresolved decisions.
func (c *Coordinator) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

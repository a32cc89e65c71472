package router

import "sync"

// Registry is the set of live client peers and their declared project
// roots. A peer that never registered a root falls back to the
// server-wide default.
type Registry struct {
	mu           sync.Mutex
	peers        map[*Peer]struct{}
	projectRoots map[*Peer]string
	defaultRoot  string
}

// NewRegistry creates a Registry with the given default project root.
func NewRegistry(defaultRoot string) *Registry {
	return &Registry{
		peers:        make(map[*Peer]struct{}),
		projectRoots: make(map[*Peer]string),
		defaultRoot:  defaultRoot,
	}
}

// Add tracks a newly connected peer.
func (r *Registry) Add(p *Peer) {
	r.mu.Lock()
	r.peers[p] = struct{}{}
	r.mu.Unlock()
}

// Remove forgets a peer and its declared project root.
func (r *Registry) Remove(p *Peer) {
	r.mu.Lock()
	delete(r.peers, p)
	delete(r.projectRoots, p)
	r.mu.Unlock()
}

// SetProjectRoot records the project root a peer registered.
func (r *Registry) SetProjectRoot(p *Peer, root string) {
	r.mu.Lock()
	r.projectRoots[p] = root
	r.mu.Unlock()
}

// ProjectRoot returns the peer's declared project root, or the
// server-wide default when unset.
func (r *Registry) ProjectRoot(p *Peer) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if root, ok := r.projectRoots[p]; ok && root != "" {
		return root
	}
	return r.defaultRoot
}

// Peers returns a snapshot of the live peers.
func (r *Registry) Peers() []*Peer {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Peer, 0, len(r.peers))
	for p := range r.peers {
		out = append(out, p)
	}
	return out
}

// Len returns the number of tracked peers.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.peers)
}

// Clear forgets all peers. Used at shutdown.
func (r *Registry) Clear() {
	r.mu.Lock()
	r.peers = make(map[*Peer]struct{})
	r.projectRoots = make(map[*Peer]string)
	r.mu.Unlock()
}

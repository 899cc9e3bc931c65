package distributed

import (
	"sort"
	"sync"
	"time"
)

// ServerInfo is the last load report of a peer node.
type ServerInfo struct {
	ID         string    `json:"id"`
	CPU        float64   `json:"cpu"`
	Memory     int64     `json:"memory"`
	Clients    int32     `json:"clients"`
	LastUpdate time.Time `json:"last_update"`
}

// Stale reports whether no update arrived within staleAfter before now.
func (s ServerInfo) Stale(now time.Time, staleAfter time.Duration) bool {
	return now.Sub(s.LastUpdate) > staleAfter
}

// Registry tracks known peers. Stale peers stay listed but are excluded from
// Live until they report again or Prune drops them.
type Registry struct {
	staleAfter time.Duration

	mu    sync.Mutex
	peers map[string]ServerInfo
}

func NewRegistry(staleAfter time.Duration) *Registry {
	if staleAfter <= 0 {
		staleAfter = 60 * time.Second
	}
	return &Registry{staleAfter: staleAfter, peers: make(map[string]ServerInfo)}
}

func (r *Registry) Update(info ServerInfo) {
	if info.ID == "" {
		return
	}
	r.mu.Lock()
	r.peers[info.ID] = info
	r.mu.Unlock()
}

func (r *Registry) Remove(id string) {
	r.mu.Lock()
	delete(r.peers, id)
	r.mu.Unlock()
}

func (r *Registry) Get(id string) (ServerInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.peers[id]
	return s, ok
}

// Live returns the non-stale peers sorted by id.
func (r *Registry) Live(now time.Time) []ServerInfo {
	r.mu.Lock()
	out := make([]ServerInfo, 0, len(r.peers))
	for _, s := range r.peers {
		if !s.Stale(now, r.staleAfter) {
			out = append(out, s)
		}
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// All returns every peer, stale or not, sorted by id.
func (r *Registry) All() []ServerInfo {
	r.mu.Lock()
	out := make([]ServerInfo, 0, len(r.peers))
	for _, s := range r.peers {
		out = append(out, s)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Prune drops peers silent for longer than deadAfter and returns their ids.
func (r *Registry) Prune(now time.Time, deadAfter time.Duration) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var dead []string
	for id, s := range r.peers {
		if now.Sub(s.LastUpdate) > deadAfter {
			delete(r.peers, id)
			dead = append(dead, id)
		}
	}
	sort.Strings(dead)
	return dead
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.peers)
}

package mesh

import (
	"sort"
	"sync"

	"github.com/dkeye/huddle/internal/core"
	"github.com/dkeye/huddle/internal/domain"
)

type LinkState int32

const (
	LinkInitiating LinkState = iota
	LinkNegotiating
	LinkConnected
	LinkClosed
)

func (s LinkState) String() string {
	switch s {
	case LinkInitiating:
		return "initiating"
	case LinkNegotiating:
		return "negotiating"
	case LinkConnected:
		return "connected"
	case LinkClosed:
		return "closed"
	}
	return "unknown"
}

// LinkInfo is a read-only view of one link.
type LinkInfo struct {
	Peer      domain.ParticipantID `json:"peer"`
	Initiator bool                 `json:"initiator"`
	State     string               `json:"state"`
}

type linkEntry struct {
	peer      domain.ParticipantID
	initiator bool
	state     LinkState
	gen       uint64
	handle    core.PeerHandle
}

// registry holds the live links keyed by peer. The coordination loop is the
// only writer; readers on other goroutines use Snapshot and Len.
type registry struct {
	mu    sync.RWMutex
	links map[domain.ParticipantID]*linkEntry
}

func newRegistry() *registry {
	return &registry{links: make(map[domain.ParticipantID]*linkEntry)}
}

func (r *registry) get(peer domain.ParticipantID) (*linkEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.links[peer]
	return e, ok
}

// current returns the entry for peer only if it is still generation gen.
func (r *registry) current(peer domain.ParticipantID, gen uint64) (*linkEntry, bool) {
	e, ok := r.get(peer)
	if !ok || e.gen != gen {
		return nil, false
	}
	return e, true
}

func (r *registry) put(e *linkEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.links[e.peer] = e
}

func (r *registry) remove(peer domain.ParticipantID) (*linkEntry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.links[peer]
	if ok {
		delete(r.links, peer)
		e.state = LinkClosed
	}
	return e, ok
}

func (r *registry) setState(e *linkEntry, s LinkState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e.state = s
}

func (r *registry) peers() []domain.ParticipantID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.ParticipantID, 0, len(r.links))
	for p := range r.links {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (r *registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.links)
}

func (r *registry) Snapshot() []LinkInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]LinkInfo, 0, len(r.links))
	for _, e := range r.links {
		out = append(out, LinkInfo{Peer: e.peer, Initiator: e.initiator, State: e.state.String()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Peer < out[j].Peer })
	return out
}

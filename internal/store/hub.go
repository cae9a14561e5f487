package store

import (
	"sync"

	"github.com/dkeye/huddle/internal/domain"
	"github.com/dkeye/huddle/internal/util"
)

type sessionSub struct {
	ch chan *domain.CallSession
}

// offer replaces any undelivered snapshot with snap. Only the hub sends, under hub.mu.
func (s *sessionSub) offer(snap *domain.CallSession) {
	select {
	case s.ch <- snap:
		return
	default:
	}
	select {
	case <-s.ch:
	default:
	}
	select {
	case s.ch <- snap:
	default:
	}
}

type envelopeSub struct {
	recipient domain.ParticipantID
	q         *util.Queue[domain.Envelope]
}

// hub fans store changes out to subscribers. Stores call it while holding their
// own write lock, so snapshots reach subscribers in commit order.
type hub struct {
	mu        sync.Mutex
	sessions  map[domain.CallID]map[*sessionSub]struct{}
	envelopes map[domain.CallID]map[*envelopeSub]struct{}
}

func newHub() *hub {
	return &hub{
		sessions:  make(map[domain.CallID]map[*sessionSub]struct{}),
		envelopes: make(map[domain.CallID]map[*envelopeSub]struct{}),
	}
}

func (h *hub) subscribeSession(first *domain.CallSession) (<-chan *domain.CallSession, func()) {
	sub := &sessionSub{ch: make(chan *domain.CallSession, 1)}
	sub.ch <- first.Clone()

	h.mu.Lock()
	set, ok := h.sessions[first.ID]
	if !ok {
		set = make(map[*sessionSub]struct{})
		h.sessions[first.ID] = set
	}
	set[sub] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if set, ok := h.sessions[first.ID]; ok {
				if _, ok := set[sub]; ok {
					delete(set, sub)
					close(sub.ch)
				}
				if len(set) == 0 {
					delete(h.sessions, first.ID)
				}
			}
		})
	}
	return sub.ch, cancel
}

func (h *hub) publishSession(snap *domain.CallSession) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.sessions[snap.ID] {
		sub.offer(snap.Clone())
	}
}

// dropCall closes every subscription of a removed call.
func (h *hub) dropCall(id domain.CallID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.sessions[id] {
		close(sub.ch)
	}
	delete(h.sessions, id)
	for sub := range h.envelopes[id] {
		sub.q.Close()
	}
	delete(h.envelopes, id)
}

func (h *hub) subscribeEnvelopes(id domain.CallID, recipient domain.ParticipantID, pending []domain.Envelope) (<-chan domain.Envelope, func()) {
	sub := &envelopeSub{recipient: recipient, q: util.NewQueue[domain.Envelope]()}
	for _, env := range pending {
		sub.q.Push(env)
	}

	h.mu.Lock()
	set, ok := h.envelopes[id]
	if !ok {
		set = make(map[*envelopeSub]struct{})
		h.envelopes[id] = set
	}
	set[sub] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			if set, ok := h.envelopes[id]; ok {
				delete(set, sub)
				if len(set) == 0 {
					delete(h.envelopes, id)
				}
			}
			h.mu.Unlock()
			sub.q.Close()
		})
	}
	return sub.q.Out(), cancel
}

func (h *hub) publishEnvelope(env domain.Envelope) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.envelopes[env.CallID] {
		if sub.recipient == env.Recipient {
			sub.q.Push(env)
		}
	}
}

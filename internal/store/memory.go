// Package store implements the call session document store: an in-memory
// backend for tests and single-process use, and a SQLite backend that persists
// across restarts. Both publish change notifications through the same hub.
package store

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/dkeye/huddle/internal/core"
	"github.com/dkeye/huddle/internal/domain"
	"github.com/rs/zerolog/log"
)

type quotaKey struct {
	owner domain.ParticipantID
	day   string
}

// Memory is a threadsafe in-memory store.
type Memory struct {
	mu        sync.RWMutex
	calls     map[domain.CallID]*domain.CallSession
	envelopes map[domain.CallID][]domain.Envelope
	quotas    map[quotaKey]int
	hub       *hub
}

var _ core.Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		calls:     make(map[domain.CallID]*domain.CallSession),
		envelopes: make(map[domain.CallID][]domain.Envelope),
		quotas:    make(map[quotaKey]int),
		hub:       newHub(),
	}
}

func (m *Memory) Close() error { return nil }

func (m *Memory) Session(_ context.Context, id domain.CallID) (*domain.CallSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.calls[id]
	if !ok {
		return nil, domain.ErrSessionNotFound
	}
	return sess.Clone(), nil
}

func (m *Memory) SubscribeSession(_ context.Context, id domain.CallID) (<-chan *domain.CallSession, func(), error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.calls[id]
	if !ok {
		return nil, nil, domain.ErrSessionNotFound
	}
	ch, cancel := m.hub.subscribeSession(sess)
	return ch, cancel, nil
}

// mutate applies fn to the stored session and publishes the result.
func (m *Memory) mutate(id domain.CallID, fn func(s *domain.CallSession)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.calls[id]
	if !ok {
		return domain.ErrSessionNotFound
	}
	fn(sess)
	m.hub.publishSession(sess)
	return nil
}

func (m *Memory) SetParticipant(_ context.Context, id domain.CallID, pid domain.ParticipantID, p domain.Participant) error {
	return m.mutate(id, func(s *domain.CallSession) { s.Active[pid] = p })
}

func (m *Memory) DeleteParticipant(_ context.Context, id domain.CallID, pid domain.ParticipantID) error {
	return m.mutate(id, func(s *domain.CallSession) { delete(s.Active, pid) })
}

func (m *Memory) SetWaiting(_ context.Context, id domain.CallID, pid domain.ParticipantID, w domain.WaitingEntry) error {
	return m.mutate(id, func(s *domain.CallSession) {
		// an admitted id never goes back to the waiting room
		if _, active := s.Active[pid]; !active {
			s.Waiting[pid] = w
		}
	})
}

func (m *Memory) DeleteWaiting(_ context.Context, id domain.CallID, pid domain.ParticipantID) error {
	return m.mutate(id, func(s *domain.CallSession) { delete(s.Waiting, pid) })
}

func (m *Memory) SetMute(_ context.Context, id domain.CallID, pid domain.ParticipantID, muted bool) error {
	return m.mutate(id, func(s *domain.CallSession) { s.Mute[pid] = muted })
}

func (m *Memory) Admit(_ context.Context, id domain.CallID, pid domain.ParticipantID, p domain.Participant) error {
	return m.mutate(id, func(s *domain.CallSession) {
		delete(s.Waiting, pid)
		s.Active[pid] = p
		s.Mute[pid] = false
	})
}

func (m *Memory) AppendEnvelope(_ context.Context, env domain.Envelope) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.calls[env.CallID]; !ok {
		return domain.ErrSessionNotFound
	}
	m.envelopes[env.CallID] = append(m.envelopes[env.CallID], env)
	m.hub.publishEnvelope(env)
	return nil
}

func (m *Memory) SubscribeEnvelopes(_ context.Context, id domain.CallID, recipient domain.ParticipantID) (<-chan domain.Envelope, func(), error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.calls[id]; !ok {
		return nil, nil, domain.ErrSessionNotFound
	}
	var pending []domain.Envelope
	for _, env := range m.envelopes[id] {
		if env.Recipient == recipient {
			pending = append(pending, env)
		}
	}
	ch, cancel := m.hub.subscribeEnvelopes(id, recipient, pending)
	return ch, cancel, nil
}

func (m *Memory) DeleteEnvelope(_ context.Context, id domain.CallID, recipient domain.ParticipantID, envID domain.EnvelopeID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.envelopes[id]
	i := slices.IndexFunc(list, func(e domain.Envelope) bool { return e.ID == envID && e.Recipient == recipient })
	if i < 0 {
		return domain.ErrEnvelopeNotFound
	}
	m.envelopes[id] = slices.Delete(list, i, i+1)
	return nil
}

func (m *Memory) CreateCall(_ context.Context, sess *domain.CallSession, limit int) (domain.Quota, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := quotaKey{owner: sess.OwnerID, day: domain.QuotaDay(sess.CreatedAt)}
	count := m.quotas[key]
	if count >= limit {
		return domain.Quota{OwnerID: key.owner, Day: key.day, Count: count}, domain.ErrQuotaExceeded
	}
	if _, exists := m.calls[sess.ID]; exists {
		return domain.Quota{}, fmt.Errorf("call %s already exists", sess.ID)
	}
	m.quotas[key] = count + 1
	m.calls[sess.ID] = sess.Clone()
	log.Info().Str("module", "store.memory").Str("call", sess.ID.String()).Str("owner", sess.OwnerID.String()).Int("quota", count+1).Msg("call created")
	return domain.Quota{OwnerID: key.owner, Day: key.day, Count: count + 1}, nil
}

func (m *Memory) Quota(_ context.Context, owner domain.ParticipantID, day string) (domain.Quota, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return domain.Quota{OwnerID: owner, Day: day, Count: m.quotas[quotaKey{owner: owner, day: day}]}, nil
}

func (m *Memory) PendingEnvelopes(_ context.Context, id domain.CallID) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.calls[id]; !ok {
		return 0, domain.ErrSessionNotFound
	}
	return len(m.envelopes[id]), nil
}

func (m *Memory) SweepEnvelopes(_ context.Context, olderThan time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for id, list := range m.envelopes {
		kept := list[:0]
		for _, env := range list {
			if env.CreatedAt.Before(olderThan) {
				removed++
				continue
			}
			kept = append(kept, env)
		}
		m.envelopes[id] = kept
	}
	return removed, nil
}

func (m *Memory) SweepSessions(_ context.Context, createdBefore, seenBefore time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for id, sess := range m.calls {
		if !sess.CreatedAt.Before(createdBefore) || seenSince(sess, seenBefore) {
			continue
		}
		delete(m.calls, id)
		delete(m.envelopes, id)
		m.hub.dropCall(id)
		removed++
	}
	return removed, nil
}

// seenSince reports whether any active participant heartbeated at or after t.
func seenSince(sess *domain.CallSession, t time.Time) bool {
	for _, p := range sess.Active {
		if !p.LastSeenAt.Before(t) {
			return true
		}
	}
	return false
}

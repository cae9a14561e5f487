package core

import (
	"context"
	"time"

	"github.com/dkeye/huddle/internal/domain"
)

// SessionStore is the subscribable document store a client coordinates through.
// Every write targets a single key of one table, except Admit which is atomic
// across the waiting room, active participants and mute tables.
type SessionStore interface {
	Session(ctx context.Context, id domain.CallID) (*domain.CallSession, error)
	// SubscribeSession delivers the current snapshot first, then one snapshot per change.
	// Snapshots may be coalesced; the latest always wins.
	SubscribeSession(ctx context.Context, id domain.CallID) (<-chan *domain.CallSession, func(), error)

	SetParticipant(ctx context.Context, id domain.CallID, pid domain.ParticipantID, p domain.Participant) error
	DeleteParticipant(ctx context.Context, id domain.CallID, pid domain.ParticipantID) error
	// SetWaiting is a no-op for an id that is already an active participant.
	SetWaiting(ctx context.Context, id domain.CallID, pid domain.ParticipantID, w domain.WaitingEntry) error
	DeleteWaiting(ctx context.Context, id domain.CallID, pid domain.ParticipantID) error
	SetMute(ctx context.Context, id domain.CallID, pid domain.ParticipantID, muted bool) error
	Admit(ctx context.Context, id domain.CallID, pid domain.ParticipantID, p domain.Participant) error

	AppendEnvelope(ctx context.Context, env domain.Envelope) error
	// SubscribeEnvelopes delivers pending envelopes for recipient first, then new ones in order.
	SubscribeEnvelopes(ctx context.Context, id domain.CallID, recipient domain.ParticipantID) (<-chan domain.Envelope, func(), error)
	// DeleteEnvelope removes envID only if it is addressed to recipient.
	DeleteEnvelope(ctx context.Context, id domain.CallID, recipient domain.ParticipantID, envID domain.EnvelopeID) error
}

// CallRepository is the server-side surface: transactional creation and bookkeeping.
type CallRepository interface {
	// CreateCall increments the owner's quota for the session's creation day and
	// stores the session in one transaction. Fails with domain.ErrQuotaExceeded
	// without writing anything once limit is reached.
	CreateCall(ctx context.Context, sess *domain.CallSession, limit int) (domain.Quota, error)
	Quota(ctx context.Context, owner domain.ParticipantID, day string) (domain.Quota, error)
	PendingEnvelopes(ctx context.Context, id domain.CallID) (int, error)
}

// Janitor removes documents nobody will ever delete.
type Janitor interface {
	SweepEnvelopes(ctx context.Context, olderThan time.Time) (int, error)
	// SweepSessions drops calls created before createdBefore in which no
	// participant heartbeated since seenBefore.
	SweepSessions(ctx context.Context, createdBefore, seenBefore time.Time) (int, error)
}

// Store is everything a server-side backend provides.
type Store interface {
	SessionStore
	CallRepository
	Janitor
	Close() error
}

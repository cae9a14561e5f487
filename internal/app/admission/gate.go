// Package admission resolves whether the local identity may enter a call and
// walks it through the waiting room.
package admission

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dkeye/huddle/internal/core"
	"github.com/dkeye/huddle/internal/domain"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type State int32

const (
	StateLoading State = iota
	StateDenied
	StateWaiting
	StateJoining
	StateActive
	StateLeft
)

func (s State) String() string {
	switch s {
	case StateLoading:
		return "loading"
	case StateDenied:
		return "denied"
	case StateWaiting:
		return "waiting"
	case StateJoining:
		return "joining"
	case StateActive:
		return "active"
	case StateLeft:
		return "left"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

var ErrInvalidTransition = errors.New("invalid admission transition")

// Gate is owned by a single coordination loop and is not safe for concurrent use.
type Gate struct {
	store  core.SessionStore
	call   domain.CallID
	self   domain.Identity
	state  State
	logger zerolog.Logger
}

func NewGate(store core.SessionStore, call domain.CallID, self domain.Identity) *Gate {
	return &Gate{
		store:  store,
		call:   call,
		self:   self,
		logger: log.With().Str("module", "admission").Str("call", call.String()).Str("self", self.ID.String()).Logger(),
	}
}

func (g *Gate) State() State { return g.state }

func (g *Gate) set(s State) {
	if g.state != s {
		g.logger.Info().Stringer("from", g.state).Stringer("to", s).Msg("admission state")
	}
	g.state = s
}

// Resolve leaves the loading state based on the first snapshot. sess is nil
// when the call does not exist. Only the waiting outcome writes to the store.
func (g *Gate) Resolve(ctx context.Context, sess *domain.CallSession) (State, error) {
	if g.state != StateLoading {
		return g.state, ErrInvalidTransition
	}
	switch {
	case sess == nil, !sess.IsAllowed(g.self):
		g.set(StateDenied)
		return g.state, domain.ErrAccessDenied
	case sess.IsActive(g.self.ID):
		g.set(StateActive)
	case sess.IsOwner(g.self.ID):
		g.set(StateJoining)
	default:
		g.set(StateWaiting)
		if sess.IsWaiting(g.self.ID) {
			return g.state, nil
		}
		w := domain.WaitingEntry{DisplayName: g.self.DisplayName}
		if err := g.store.SetWaiting(ctx, g.call, g.self.ID, w); err != nil {
			return g.state, fmt.Errorf("enter waiting room: %w", err)
		}
	}
	return g.state, nil
}

// Observe applies a later snapshot. It reports true when the owner admitted self.
func (g *Gate) Observe(sess *domain.CallSession) bool {
	if g.state != StateWaiting || sess == nil {
		return false
	}
	if !sess.IsWaiting(g.self.ID) && sess.IsActive(g.self.ID) {
		g.set(StateJoining)
		return true
	}
	return false
}

// Accept moves joining to active. acquire obtains local media; a refusal
// keeps the gate in joining so the user can retry. join performs the presence write.
func (g *Gate) Accept(
	ctx context.Context,
	acquire func(context.Context) (core.LocalMediaStream, error),
	join func(context.Context) error,
) (core.LocalMediaStream, error) {
	if g.state != StateJoining {
		return nil, ErrInvalidTransition
	}
	stream, err := acquire(ctx)
	if err != nil {
		g.logger.Warn().Err(err).Msg("media acquisition failed")
		if errors.Is(err, domain.ErrMediaAcquisition) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", domain.ErrMediaAcquisition, err)
	}
	if err := join(ctx); err != nil {
		stream.Stop()
		return nil, fmt.Errorf("join call: %w", err)
	}
	g.set(StateActive)
	return stream, nil
}

// Resume acquires media for a rejoin. On refusal the gate falls back to joining.
func (g *Gate) Resume(ctx context.Context, acquire func(context.Context) (core.LocalMediaStream, error)) (core.LocalMediaStream, error) {
	if g.state != StateActive {
		return nil, ErrInvalidTransition
	}
	stream, err := acquire(ctx)
	if err != nil {
		g.set(StateJoining)
		if errors.Is(err, domain.ErrMediaAcquisition) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", domain.ErrMediaAcquisition, err)
	}
	return stream, nil
}

// Decline abandons a pending entry. It never touches the store; removing a
// waiting entry is the caller's job.
func (g *Gate) Decline() error {
	switch g.state {
	case StateWaiting, StateJoining:
		g.set(StateLeft)
		return nil
	}
	return ErrInvalidTransition
}

// Leave marks the gate terminal. Presence cleanup is the caller's job.
func (g *Gate) Leave() {
	if g.state != StateDenied {
		g.set(StateLeft)
	}
}

// Admit moves id from the waiting room into the call. Only the owner may
// admit. The write is performed even for ids that are not waiting.
func Admit(ctx context.Context, store core.SessionStore, sess *domain.CallSession, actor, id domain.ParticipantID, displayName string, now time.Time) error {
	if sess == nil {
		return domain.ErrSessionNotFound
	}
	if !sess.IsOwner(actor) {
		return domain.ErrNotOwner
	}
	if displayName == "" {
		if w, ok := sess.Waiting[id]; ok {
			displayName = w.DisplayName
		} else if p, ok := sess.Active[id]; ok {
			displayName = p.DisplayName
		}
	}
	if displayName == "" {
		return domain.ErrUnknownParticipant
	}
	if err := store.Admit(ctx, sess.ID, id, domain.NewParticipant(displayName, now)); err != nil {
		return fmt.Errorf("admit %s: %w", id, err)
	}
	log.Info().Str("module", "admission").Str("call", sess.ID.String()).Str("participant", id.String()).Msg("admitted")
	return nil
}

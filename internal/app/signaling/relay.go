// Package signaling carries negotiation payloads between two participants
// through the call's envelope channel.
package signaling

import (
	"context"
	"errors"
	"fmt"

	"github.com/benbjohnson/clock"
	"github.com/dkeye/huddle/internal/core"
	"github.com/dkeye/huddle/internal/domain"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Relay sends envelopes from self and consumes the ones addressed to self.
type Relay struct {
	store  core.SessionStore
	call   domain.CallID
	self   domain.ParticipantID
	clock  clock.Clock
	logger zerolog.Logger
}

func NewRelay(store core.SessionStore, call domain.CallID, self domain.ParticipantID, clk clock.Clock) *Relay {
	if clk == nil {
		clk = clock.New()
	}
	return &Relay{
		store:  store,
		call:   call,
		self:   self,
		clock:  clk,
		logger: log.With().Str("module", "signaling").Str("call", call.String()).Str("self", self.String()).Logger(),
	}
}

// Send appends one envelope for to. Delivery is never confirmed to the sender.
func (r *Relay) Send(ctx context.Context, to domain.ParticipantID, payload domain.SignalPayload) error {
	env := domain.NewEnvelope(r.call, r.self, to, payload, r.clock.Now())
	if err := r.store.AppendEnvelope(ctx, env); err != nil {
		return fmt.Errorf("send %s to %s: %w", payload.Type, to, err)
	}
	r.logger.Debug().Str("peer", to.String()).Str("type", string(payload.Type)).Str("envelope", string(env.ID)).Msg("signal sent")
	return nil
}

// Subscribe yields envelopes addressed to self, pending ones first.
func (r *Relay) Subscribe(ctx context.Context) (<-chan domain.Envelope, func(), error) {
	return r.store.SubscribeEnvelopes(ctx, r.call, r.self)
}

// Ack deletes a processed envelope. It is called whatever the processing outcome was.
func (r *Relay) Ack(ctx context.Context, env domain.Envelope) {
	err := r.store.DeleteEnvelope(ctx, r.call, r.self, env.ID)
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrEnvelopeNotFound):
		r.logger.Debug().Str("envelope", string(env.ID)).Msg("envelope already gone")
	default:
		r.logger.Warn().Err(err).Str("envelope", string(env.ID)).Msg("envelope delete failed")
	}
}

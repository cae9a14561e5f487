// Package mute enforces who may change whose mute flag and applies the
// stored flags to local media.
package mute

import (
	"context"
	"fmt"

	"github.com/dkeye/huddle/internal/core"
	"github.com/dkeye/huddle/internal/domain"
	"github.com/rs/zerolog/log"
)

// Authorize checks a mute change before any write. Anyone may set their own
// flag either way; the owner may force another participant to muted only.
func Authorize(sess *domain.CallSession, actor, target domain.ParticipantID, muted bool) error {
	if sess == nil {
		return domain.ErrSessionNotFound
	}
	if actor == target {
		return nil
	}
	if sess.IsOwner(actor) && muted {
		return nil
	}
	return domain.ErrUnauthorizedMute
}

// Sync is the per-client view of the mute table.
type Sync struct {
	store core.SessionStore
	call  domain.CallID
	self  domain.ParticipantID
}

func NewSync(store core.SessionStore, call domain.CallID, self domain.ParticipantID) *Sync {
	return &Sync{store: store, call: call, self: self}
}

// Set writes target's flag when Authorize allows it.
func (s *Sync) Set(ctx context.Context, sess *domain.CallSession, target domain.ParticipantID, muted bool) error {
	if err := Authorize(sess, s.self, target, muted); err != nil {
		log.Warn().Str("module", "mute").Str("actor", s.self.String()).Str("target", target.String()).Bool("muted", muted).Msg("mute change rejected")
		return err
	}
	if err := s.store.SetMute(ctx, s.call, target, muted); err != nil {
		return fmt.Errorf("set mute for %s: %w", target, err)
	}
	return nil
}

// Toggle flips self's flag.
func (s *Sync) Toggle(ctx context.Context, sess *domain.CallSession) error {
	if sess == nil {
		return domain.ErrSessionNotFound
	}
	return s.Set(ctx, sess, s.self, !sess.IsMuted(s.self))
}

// Apply matches the local audio track to self's flag and returns the flags of
// everyone else for display.
func (s *Sync) Apply(sess *domain.CallSession, stream core.LocalMediaStream) map[domain.ParticipantID]bool {
	if sess == nil {
		return nil
	}
	if stream != nil {
		enabled := !sess.IsMuted(s.self)
		if stream.Enabled(core.MediaAudio) != enabled {
			stream.SetEnabled(core.MediaAudio, enabled)
			log.Info().Str("module", "mute").Str("self", s.self.String()).Bool("muted", !enabled).Msg("local audio updated")
		}
	}
	out := make(map[domain.ParticipantID]bool, len(sess.Active))
	for id := range sess.Active {
		if id != s.self {
			out[id] = sess.IsMuted(id)
		}
	}
	return out
}

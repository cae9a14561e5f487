// Package presence keeps the local participant's entry in the active
// participants table fresh and derives the live set from snapshots.
package presence

import (
	"context"
	"sort"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/dkeye/huddle/internal/core"
	"github.com/dkeye/huddle/internal/domain"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	DefaultHeartbeat = 30 * time.Second
	DefaultWindow    = 60 * time.Second
)

// Tracker is owned by a single coordination loop and is not safe for concurrent use.
type Tracker struct {
	store  core.SessionStore
	call   domain.CallID
	self   domain.Identity
	clock  clock.Clock
	window time.Duration

	listed bool
	logger zerolog.Logger
}

func NewTracker(store core.SessionStore, call domain.CallID, self domain.Identity, clk clock.Clock, window time.Duration) *Tracker {
	if clk == nil {
		clk = clock.New()
	}
	if window <= 0 {
		window = DefaultWindow
	}
	return &Tracker{
		store:  store,
		call:   call,
		self:   self,
		clock:  clk,
		window: window,
		logger: log.With().Str("module", "presence").Str("call", call.String()).Str("self", self.ID.String()).Logger(),
	}
}

// Join writes self into the active participants table with a fresh timestamp.
// Joining twice overwrites the same key.
func (t *Tracker) Join(ctx context.Context) error {
	p := domain.NewParticipant(t.self.DisplayName, t.clock.Now())
	if err := t.store.SetParticipant(ctx, t.call, t.self.ID, p); err != nil {
		return err
	}
	t.listed = true
	t.logger.Info().Msg("joined")
	return nil
}

// Observe records whether the latest snapshot still lists self as active.
func (t *Tracker) Observe(sess *domain.CallSession) {
	t.listed = sess != nil && sess.IsActive(t.self.ID)
}

// Beat refreshes lastSeenAt. It is a no-op once self has been removed.
func (t *Tracker) Beat(ctx context.Context) {
	if !t.listed {
		return
	}
	p := domain.NewParticipant(t.self.DisplayName, t.clock.Now())
	if err := t.store.SetParticipant(ctx, t.call, t.self.ID, p); err != nil {
		t.logger.Warn().Err(err).Msg("heartbeat write failed")
		return
	}
	t.logger.Debug().Msg("heartbeat")
}

// Leave removes self from the active participants table and the waiting room.
func (t *Tracker) Leave(ctx context.Context) {
	if err := t.store.DeleteParticipant(ctx, t.call, t.self.ID); err != nil {
		t.logger.Warn().Err(err).Msg("remove participant failed")
	}
	if err := t.store.DeleteWaiting(ctx, t.call, t.self.ID); err != nil {
		t.logger.Warn().Err(err).Msg("remove waiting entry failed")
	}
	t.listed = false
	t.logger.Info().Msg("left")
}

// Live returns the ids in sess whose heartbeat is within the staleness window, self included.
func (t *Tracker) Live(sess *domain.CallSession) []domain.ParticipantID {
	return Live(sess, t.clock.Now(), t.window)
}

// Peers is Live without self.
func (t *Tracker) Peers(sess *domain.CallSession) []domain.ParticipantID {
	live := t.Live(sess)
	out := live[:0]
	for _, id := range live {
		if id != t.self.ID {
			out = append(out, id)
		}
	}
	return out
}

// Live filters the active participants of sess to those seen within window of now, sorted by id.
func Live(sess *domain.CallSession, now time.Time, window time.Duration) []domain.ParticipantID {
	if sess == nil {
		return nil
	}
	out := make([]domain.ParticipantID, 0, len(sess.Active))
	for id, p := range sess.Active {
		if p.IsLive(now, window) {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

package calls

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/dkeye/huddle/internal/app/presence"
	"github.com/dkeye/huddle/internal/core"
	"github.com/rs/zerolog/log"
)

const (
	DefaultEnvelopeTTL   = 10 * time.Minute
	DefaultSessionTTL    = 24 * time.Hour
	DefaultSweepInterval = time.Minute
)

// Janitor deletes undelivered envelopes past EnvelopeTTL and calls past
// SessionTTL that nobody is in. A participant whose heartbeat is older than
// StaleAfter does not keep a call alive.
type Janitor struct {
	Store       core.Janitor
	Clock       clock.Clock
	EnvelopeTTL time.Duration
	SessionTTL  time.Duration
	StaleAfter  time.Duration
	Interval    time.Duration
}

func (j *Janitor) defaults() {
	if j.Clock == nil {
		j.Clock = clock.New()
	}
	if j.EnvelopeTTL <= 0 {
		j.EnvelopeTTL = DefaultEnvelopeTTL
	}
	if j.SessionTTL <= 0 {
		j.SessionTTL = DefaultSessionTTL
	}
	if j.StaleAfter <= 0 {
		j.StaleAfter = presence.DefaultWindow
	}
	if j.Interval <= 0 {
		j.Interval = DefaultSweepInterval
	}
}

// Sweep runs one pass and returns how many envelopes and sessions were removed.
func (j *Janitor) Sweep(ctx context.Context) (envelopes, sessions int) {
	j.defaults()
	now := j.Clock.Now()
	envelopes, err := j.Store.SweepEnvelopes(ctx, now.Add(-j.EnvelopeTTL))
	if err != nil {
		log.Warn().Err(err).Str("module", "janitor").Msg("envelope sweep failed")
	}
	sessions, err = j.Store.SweepSessions(ctx, now.Add(-j.SessionTTL), now.Add(-j.StaleAfter))
	if err != nil {
		log.Warn().Err(err).Str("module", "janitor").Msg("session sweep failed")
	}
	if envelopes > 0 || sessions > 0 {
		log.Info().Str("module", "janitor").Int("envelopes", envelopes).Int("sessions", sessions).Msg("swept")
	}
	return envelopes, sessions
}

// Run sweeps every Interval until ctx is done.
func (j *Janitor) Run(ctx context.Context) {
	j.defaults()
	t := j.Clock.Ticker(j.Interval)
	defer t.Stop()
	log.Info().Str("module", "janitor").Dur("interval", j.Interval).Msg("janitor started")
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			j.Sweep(ctx)
		}
	}
}

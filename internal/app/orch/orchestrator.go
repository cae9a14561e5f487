// Package orch runs the per-client coordination loop: one goroutine owns every
// piece of session-derived state and reacts to store snapshots, incoming
// envelopes, heartbeat ticks, transport callbacks and user commands.
package orch

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/dkeye/huddle/internal/app"
	"github.com/dkeye/huddle/internal/app/admission"
	"github.com/dkeye/huddle/internal/app/mesh"
	"github.com/dkeye/huddle/internal/app/mute"
	"github.com/dkeye/huddle/internal/app/presence"
	"github.com/dkeye/huddle/internal/app/signaling"
	"github.com/dkeye/huddle/internal/core"
	"github.com/dkeye/huddle/internal/domain"
	"github.com/dkeye/huddle/internal/notify"
	"github.com/dkeye/huddle/internal/util"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const leaveTimeout = 5 * time.Second

var ErrStopped = errors.New("call client stopped")

type Options struct {
	Self        domain.Identity
	CallID      domain.CallID
	Store       core.SessionStore
	Devices     core.MediaDevices
	Constraints core.Constraints
	Transport   core.PeerTransport
	Sink        core.MediaSink
	Clock       clock.Clock
	Policy      app.InitiatorPolicy
	Chime       *notify.Chime

	HeartbeatInterval time.Duration
	StalenessWindow   time.Duration
	// AutoAccept accepts as soon as the gate reaches joining.
	AutoAccept bool
}

type EventKind int

const (
	EventState EventKind = iota
	EventMute
	EventWaitingRoom
	EventLinks
	EventError
)

type Event struct {
	Kind    EventKind
	State   admission.State
	Mute    map[domain.ParticipantID]bool
	Waiting []domain.ParticipantID
	Links   []mesh.LinkInfo
	Err     error
}

type Orchestrator struct {
	opts     Options
	presence *presence.Tracker
	gate     *admission.Gate
	relay    *signaling.Relay
	mesh     *mesh.Manager
	mute     *mute.Sync

	inbox   *util.Queue[func(context.Context)]
	events  chan Event
	done    chan struct{}
	state   atomic.Int32
	current atomic.Pointer[domain.CallSession]

	// loop-owned
	session   *domain.CallSession
	sessions  <-chan *domain.CallSession
	unsubSess func()
	stream    core.LocalMediaStream
	envelopes <-chan domain.Envelope
	unsubEnv  func()
	waiting   int
	finished  bool
	declined  bool

	logger zerolog.Logger
}

func New(opts Options) (*Orchestrator, error) {
	if opts.Store == nil || opts.Transport == nil || opts.Devices == nil {
		return nil, errors.New("orch: store, transport and devices are required")
	}
	if opts.Self.ID == "" {
		return nil, domain.ErrParticipantIDEmpty
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = presence.DefaultHeartbeat
	}
	if opts.StalenessWindow <= 0 {
		opts.StalenessWindow = presence.DefaultWindow
	}
	if opts.Policy == nil {
		opts.Policy = app.TieBreakLowerID{}
	}
	if !opts.Constraints.Audio && !opts.Constraints.Video {
		opts.Constraints.Audio = true
	}

	o := &Orchestrator{
		opts:     opts,
		presence: presence.NewTracker(opts.Store, opts.CallID, opts.Self, opts.Clock, opts.StalenessWindow),
		gate:     admission.NewGate(opts.Store, opts.CallID, opts.Self),
		relay:    signaling.NewRelay(opts.Store, opts.CallID, opts.Self.ID, opts.Clock),
		mute:     mute.NewSync(opts.Store, opts.CallID, opts.Self.ID),
		inbox:    util.NewQueue[func(context.Context)](),
		events:   make(chan Event, 64),
		done:     make(chan struct{}),
		logger:   log.With().Str("module", "orch").Str("call", opts.CallID.String()).Str("self", opts.Self.ID.String()).Logger(),
	}
	o.mesh = mesh.NewManager(mesh.Config{
		Self:      opts.Self.ID,
		Transport: opts.Transport,
		Signaler:  o.relay,
		Sink:      opts.Sink,
		Policy:    opts.Policy,
		Post:      o.inbox.Push,
	})
	return o, nil
}

// Run drives the client until Leave, Decline, a terminal denial or ctx
// cancellation. Every exit path releases media, links and presence.
func (o *Orchestrator) Run(ctx context.Context) error {
	defer close(o.done)
	defer o.inbox.Close()

	sessions, unsub, err := o.opts.Store.SubscribeSession(ctx, o.opts.CallID)
	if err != nil {
		if errors.Is(err, domain.ErrSessionNotFound) {
			_, err = o.gate.Resolve(ctx, nil)
			o.publishState()
			return err
		}
		return fmt.Errorf("subscribe session: %w", err)
	}
	o.sessions, o.unsubSess = sessions, unsub
	defer func() {
		if o.unsubSess != nil {
			o.unsubSess()
		}
	}()
	defer o.teardown()

	ticker := o.opts.Clock.Ticker(o.opts.HeartbeatInterval)
	defer ticker.Stop()

	o.logger.Info().Msg("coordination loop started")
	for !o.finished {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case sess, ok := <-o.sessions:
			if !ok {
				if err := o.reopenSession(ctx); err != nil {
					return err
				}
				continue
			}
			if err := o.onSession(ctx, sess); err != nil {
				return err
			}
		case env, ok := <-o.envelopes:
			if !ok {
				o.logger.Warn().Msg("envelope stream ended, resubscribing on next tick")
				o.unsubEnv()
				o.envelopes, o.unsubEnv = nil, nil
				continue
			}
			o.mesh.HandleEnvelope(ctx, env)
			o.publishLinks()
		case <-ticker.C:
			if err := o.onTick(ctx); err != nil {
				return err
			}
		case fn, ok := <-o.inbox.Out():
			if !ok {
				return nil
			}
			fn(ctx)
			o.publishLinks()
		}
	}
	return nil
}

func (o *Orchestrator) onSession(ctx context.Context, sess *domain.CallSession) error {
	o.session = sess
	o.current.Store(sess)
	o.presence.Observe(sess)

	switch o.gate.State() {
	case admission.StateLoading:
		state, err := o.gate.Resolve(ctx, sess)
		o.publishState()
		if errors.Is(err, domain.ErrAccessDenied) {
			o.logger.Warn().Msg("access denied")
			return err
		}
		if err != nil {
			o.emitErr(err)
		}
		switch state {
		case admission.StateJoining:
			if o.opts.AutoAccept {
				_ = o.accept(ctx)
			}
		case admission.StateActive:
			o.resume(ctx)
		}
	case admission.StateWaiting:
		if o.gate.Observe(sess) {
			o.publishState()
			if o.opts.AutoAccept {
				_ = o.accept(ctx)
			}
		}
	}

	if o.gate.State() == admission.StateActive {
		o.emit(Event{Kind: EventMute, Mute: o.mute.Apply(sess, o.stream)})
		o.mesh.Reconcile(ctx, o.presence.Live(sess))
		o.publishLinks()
	}
	o.watchWaitingRoom(sess)
	return nil
}

func (o *Orchestrator) onTick(ctx context.Context) error {
	if o.sessions == nil {
		if err := o.reopenSession(ctx); err != nil {
			return err
		}
	}
	if o.gate.State() != admission.StateActive {
		return nil
	}
	if o.envelopes == nil {
		_ = o.subscribeEnvelopes(ctx)
	}
	o.presence.Beat(ctx)
	if o.session != nil {
		o.mesh.Reconcile(ctx, o.presence.Live(o.session))
		o.publishLinks()
	}
	return nil
}

// reopenSession follows a closed session stream. A removed call ends the
// loop; any other failure is retried on the next tick.
func (o *Orchestrator) reopenSession(ctx context.Context) error {
	if o.unsubSess != nil {
		o.unsubSess()
	}
	o.sessions, o.unsubSess = nil, nil

	sessions, unsub, err := o.opts.Store.SubscribeSession(ctx, o.opts.CallID)
	switch {
	case errors.Is(err, domain.ErrSessionNotFound):
		o.logger.Warn().Msg("call session removed")
		return err
	case err != nil:
		o.logger.Warn().Err(err).Msg("session stream lost, retrying on next tick")
		return nil
	}
	o.sessions, o.unsubSess = sessions, unsub
	o.logger.Info().Msg("session stream reopened")
	return nil
}

// subscribeEnvelopes opens the envelope stream. Unacked envelopes are
// delivered again, so nothing sent while it was down is lost.
func (o *Orchestrator) subscribeEnvelopes(ctx context.Context) error {
	envelopes, unsub, err := o.relay.Subscribe(ctx)
	if err != nil {
		o.logger.Error().Err(err).Msg("envelope subscription failed")
		o.emitErr(err)
		return err
	}
	o.envelopes, o.unsubEnv = envelopes, unsub
	return nil
}

// watchWaitingRoom rings the chime for the owner whenever someone new is waiting.
func (o *Orchestrator) watchWaitingRoom(sess *domain.CallSession) {
	if !sess.IsOwner(o.opts.Self.ID) {
		return
	}
	n := len(sess.Waiting)
	if n > o.waiting && o.opts.Chime != nil {
		o.opts.Chime.Play()
	}
	if n != o.waiting {
		ids := make([]domain.ParticipantID, 0, n)
		for id := range sess.Waiting {
			ids = append(ids, id)
		}
		o.emit(Event{Kind: EventWaitingRoom, Waiting: ids})
	}
	o.waiting = n
}

func (o *Orchestrator) acquire(ctx context.Context) (core.LocalMediaStream, error) {
	return o.opts.Devices.Acquire(ctx, o.opts.Constraints)
}

func (o *Orchestrator) accept(ctx context.Context) error {
	if o.opts.Chime != nil {
		o.opts.Chime.Init()
	}
	stream, err := o.gate.Accept(ctx, o.acquire, o.presence.Join)
	if err != nil {
		o.emitErr(err)
		return err
	}
	return o.activate(ctx, stream)
}

func (o *Orchestrator) resume(ctx context.Context) {
	stream, err := o.gate.Resume(ctx, o.acquire)
	if err != nil {
		o.emitErr(err)
		o.publishState()
		return
	}
	if err := o.presence.Join(ctx); err != nil {
		o.logger.Warn().Err(err).Msg("presence refresh on rejoin failed")
	}
	_ = o.activate(ctx, stream)
}

func (o *Orchestrator) activate(ctx context.Context, stream core.LocalMediaStream) error {
	o.stream = stream
	o.mesh.SetStream(stream)
	err := o.subscribeEnvelopes(ctx)
	o.publishState()
	o.logger.Info().Str("stream", stream.ID()).Msg("active")
	return err
}

// teardown is the single cancellation point.
func (o *Orchestrator) teardown() {
	if o.unsubEnv != nil {
		o.unsubEnv()
		o.unsubEnv = nil
		o.envelopes = nil
	}
	o.mesh.CloseAll()
	if o.stream != nil {
		o.stream.Stop()
		o.stream = nil
		o.mesh.SetStream(nil)
	}
	switch o.gate.State() {
	case admission.StateLoading, admission.StateDenied:
	default:
		if !o.declined {
			ctx, cancel := context.WithTimeout(context.Background(), leaveTimeout)
			o.presence.Leave(ctx)
			cancel()
		}
	}
	o.gate.Leave()
	o.publishState()
	o.logger.Info().Msg("coordination loop stopped")
}

func (o *Orchestrator) publishState() {
	s := o.gate.State()
	if admission.State(o.state.Swap(int32(s))) != s {
		o.emit(Event{Kind: EventState, State: s})
	}
}

func (o *Orchestrator) publishLinks() {
	o.emit(Event{Kind: EventLinks, Links: o.mesh.Links()})
}

func (o *Orchestrator) emitErr(err error) {
	o.emit(Event{Kind: EventError, Err: err})
}

func (o *Orchestrator) emit(ev Event) {
	select {
	case o.events <- ev:
	default:
		o.logger.Debug().Int("kind", int(ev.Kind)).Msg("event dropped, consumer too slow")
	}
}

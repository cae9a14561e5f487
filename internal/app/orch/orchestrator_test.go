package orch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/dkeye/huddle/internal/app"
	"github.com/dkeye/huddle/internal/app/admission"
	"github.com/dkeye/huddle/internal/app/mesh/meshtest"
	"github.com/dkeye/huddle/internal/app/presence"
	"github.com/dkeye/huddle/internal/core"
	"github.com/dkeye/huddle/internal/domain"
	"github.com/dkeye/huddle/internal/notify"
	"github.com/dkeye/huddle/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 3 * time.Second
	tick    = 10 * time.Millisecond
)

type client struct {
	*Orchestrator
	tr    *meshtest.Transport
	dev   *meshtest.Devices
	sink  *meshtest.Sink
	chime *notify.Chime
	errc  chan error
}

type world struct {
	t      *testing.T
	st     *store.Memory
	clk    *clock.Mock
	net    *meshtest.Network
	call   *domain.CallSession
	owner  domain.Identity
	// stores overrides the store a given client talks to
	stores map[string]core.SessionStore
}

// droppingStore ends the first session or envelope subscription right
// away, as a broken connection to a remote store would.
type droppingStore struct {
	*store.Memory
	dropSession   bool
	dropEnvelopes bool

	mu           sync.Mutex
	sessionSubs  int
	envelopeSubs int
}

func (d *droppingStore) SubscribeSession(ctx context.Context, id domain.CallID) (<-chan *domain.CallSession, func(), error) {
	ch, cancel, err := d.Memory.SubscribeSession(ctx, id)
	if err != nil {
		return ch, cancel, err
	}
	d.mu.Lock()
	d.sessionSubs++
	first := d.sessionSubs == 1
	d.mu.Unlock()
	if first && d.dropSession {
		cancel()
	}
	return ch, cancel, nil
}

func (d *droppingStore) SubscribeEnvelopes(ctx context.Context, id domain.CallID, recipient domain.ParticipantID) (<-chan domain.Envelope, func(), error) {
	ch, cancel, err := d.Memory.SubscribeEnvelopes(ctx, id, recipient)
	if err != nil {
		return ch, cancel, err
	}
	d.mu.Lock()
	d.envelopeSubs++
	first := d.envelopeSubs == 1
	d.mu.Unlock()
	if first && d.dropEnvelopes {
		cancel()
	}
	return ch, cancel, nil
}

func (d *droppingStore) subscriptions() (sessions, envelopes int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sessionSubs, d.envelopeSubs
}

func newWorld(t *testing.T, guests ...string) *world {
	t.Helper()
	w := &world{
		t:     t,
		st:     store.NewMemory(),
		clk:    clock.NewMock(),
		net:    meshtest.NewNetwork(),
		owner:  domain.Identity{ID: "owner", DisplayName: "Owner", Email: "owner@example.com"},
		stores: make(map[string]core.SessionStore),
	}
	allowed := make([]string, 0, len(guests))
	for _, g := range guests {
		allowed = append(allowed, g+"@example.com")
	}
	w.call = domain.NewCallSession(w.owner, "sync", allowed, w.clk.Now())
	_, err := w.st.CreateCall(context.Background(), w.call, 10)
	require.NoError(t, err)
	return w
}

func (w *world) identity(id string) domain.Identity {
	if domain.ParticipantID(id) == w.owner.ID {
		return w.owner
	}
	return domain.Identity{ID: domain.ParticipantID(id), DisplayName: id, Email: id + "@example.com"}
}

func (w *world) start(id string, policy app.InitiatorPolicy, autoAccept bool) *client {
	w.t.Helper()
	self := w.identity(id)
	var st core.SessionStore = w.st
	if override, ok := w.stores[id]; ok {
		st = override
	}
	c := &client{
		tr:    w.net.Transport(self.ID),
		dev:   &meshtest.Devices{},
		sink:  meshtest.NewSink(),
		chime: notify.NewChime(nil),
		errc:  make(chan error, 1),
	}
	o, err := New(Options{
		Self:       self,
		CallID:     w.call.ID,
		Store:      st,
		Devices:    c.dev,
		Transport:  c.tr,
		Sink:       c.sink,
		Clock:      w.clk,
		Policy:     policy,
		Chime:      c.chime,
		AutoAccept: autoAccept,
	})
	require.NoError(w.t, err)
	c.Orchestrator = o

	ctx, cancel := context.WithCancel(context.Background())
	go func() { c.errc <- o.Run(ctx) }()
	w.t.Cleanup(func() {
		cancel()
		select {
		case <-o.Done():
		case <-time.After(waitFor):
			w.t.Errorf("%s: loop did not stop", id)
		}
	})
	return c
}

func (w *world) snapshot() *domain.CallSession {
	w.t.Helper()
	sess, err := w.st.Session(context.Background(), w.call.ID)
	require.NoError(w.t, err)
	return sess
}

func (w *world) pending() int {
	n, err := w.st.PendingEnvelopes(context.Background(), w.call.ID)
	require.NoError(w.t, err)
	return n
}

func (w *world) seedActive(ids ...string) {
	for _, id := range ids {
		require.NoError(w.t, w.st.SetParticipant(context.Background(), w.call.ID, domain.ParticipantID(id), domain.NewParticipant(id, w.clk.Now())))
	}
}

func connected(c *client, n int) func() bool {
	return func() bool {
		links := c.Connections()
		if len(links) != n {
			return false
		}
		for _, l := range links {
			if l.State != "connected" {
				return false
			}
		}
		return true
	}
}

func TestOwnerAdmitsGuestScenario(t *testing.T) {
	w := newWorld(t, "guest")
	ctx := context.Background()

	owner := w.start("owner", app.TieBreakLowerID{}, true)
	require.Eventually(t, func() bool { return owner.State() == admission.StateActive }, waitFor, tick)

	guest := w.start("guest", app.TieBreakLowerID{}, false)
	require.Eventually(t, func() bool { return guest.State() == admission.StateWaiting }, waitFor, tick)
	assert.Contains(t, w.snapshot().Waiting, domain.ParticipantID("guest"))
	require.Eventually(t, func() bool { return owner.chime.Plays() == 1 }, waitFor, tick)

	require.Eventually(t, func() bool {
		s := owner.Session()
		return s != nil && s.IsWaiting("guest")
	}, waitFor, tick)
	require.NoError(t, owner.Admit(ctx, "guest"))
	sess := w.snapshot()
	assert.Empty(t, sess.Waiting)
	assert.Len(t, sess.Active, 2)

	require.Eventually(t, func() bool { return guest.State() == admission.StateJoining }, waitFor, tick)
	require.NoError(t, guest.Accept(ctx))
	assert.Equal(t, admission.StateActive, guest.State())

	require.Eventually(t, connected(owner, 1), waitFor, tick)
	require.Eventually(t, connected(guest, 1), waitFor, tick)
	require.Eventually(t, func() bool { return w.pending() == 0 }, waitFor, tick)

	// one offer and one answer: a single handle per side, the lower id initiating
	require.Len(t, guest.tr.Handles(), 1)
	require.Len(t, owner.tr.Handles(), 1)
	assert.True(t, guest.tr.Handles()[0].Initiator)
	assert.False(t, owner.tr.Handles()[0].Initiator)

	require.NoError(t, guest.Leave(ctx))
	assert.NoError(t, <-guest.errc)
	assert.False(t, w.snapshot().IsActive("guest"))
	assert.True(t, guest.dev.Streams()[0].Stopped())
	assert.Zero(t, guest.tr.Open())
	require.Eventually(t, connected(owner, 0), waitFor, tick)
}

func TestStrangerIsDenied(t *testing.T) {
	w := newWorld(t, "guest")
	stranger := w.start("mallory", app.TieBreakLowerID{}, true)

	select {
	case err := <-stranger.errc:
		assert.ErrorIs(t, err, domain.ErrAccessDenied)
	case <-time.After(waitFor):
		t.Fatal("stranger was not turned away")
	}
	assert.Equal(t, admission.StateDenied, stranger.State())
	sess := w.snapshot()
	assert.Empty(t, sess.Waiting)
	assert.Empty(t, sess.Active)
	assert.Empty(t, stranger.dev.Streams())
	assert.ErrorIs(t, stranger.Accept(context.Background()), ErrStopped)
}

func TestMissingCallIsDenied(t *testing.T) {
	w := newWorld(t)
	w.call = &domain.CallSession{ID: "gone"}
	c := w.start("owner", app.TieBreakLowerID{}, true)
	assert.ErrorIs(t, <-c.errc, domain.ErrAccessDenied)
	assert.Equal(t, admission.StateDenied, c.State())
}

func TestMeshConvergesToNMinusOne(t *testing.T) {
	ids := []string{"owner", "p1", "p2", "p3"}
	w := newWorld(t, ids[1:]...)
	w.seedActive(ids...)

	clients := make([]*client, 0, len(ids))
	for _, id := range ids {
		clients = append(clients, w.start(id, app.TieBreakLowerID{}, false))
	}
	for _, c := range clients {
		require.Eventually(t, connected(c, len(ids)-1), waitFor, tick, "%s", c.opts.Self.ID)
	}
	require.Eventually(t, func() bool { return w.pending() == 0 }, waitFor, tick)
	for _, c := range clients {
		assert.Len(t, c.tr.Handles(), len(ids)-1)
	}
}

func TestGlareLeavesOneLinkPerSide(t *testing.T) {
	w := newWorld(t, "guest")
	w.seedActive("owner", "guest")

	a := w.start("owner", app.InitiateAlways{}, false)
	b := w.start("guest", app.InitiateAlways{}, false)

	require.Eventually(t, func() bool {
		w.clk.Add(presence.DefaultHeartbeat)
		return w.pending() == 0 && connected(a, 1)() && connected(b, 1)()
	}, waitFor, tick)

	// no late envelope reopens a second link
	time.Sleep(200 * time.Millisecond)
	assert.Len(t, a.Connections(), 1)
	assert.Len(t, b.Connections(), 1)
	require.Len(t, a.tr.Live(), 1)
	require.Len(t, b.tr.Live(), 1)
	assert.Zero(t, w.pending())

	// the surviving links are the two ends of one connection
	left, right := a.tr.Live()[0], b.tr.Live()[0]
	assert.Same(t, right, left.Partner())
	assert.Same(t, left, right.Partner())
	assert.NotEqual(t, left.Initiator, right.Initiator)
}

func TestMediaRefusalKeepsJoining(t *testing.T) {
	w := newWorld(t)
	c := w.start("owner", app.TieBreakLowerID{}, false)
	c.dev.SetErr(domain.ErrMediaAcquisition)
	ctx := context.Background()

	require.Eventually(t, func() bool { return c.State() == admission.StateJoining }, waitFor, tick)
	assert.ErrorIs(t, c.Accept(ctx), domain.ErrMediaAcquisition)
	assert.Equal(t, admission.StateJoining, c.State())
	assert.Empty(t, w.snapshot().Active)

	c.dev.SetErr(nil)
	require.NoError(t, c.Accept(ctx))
	assert.Equal(t, admission.StateActive, c.State())
	assert.True(t, w.snapshot().IsActive("owner"))
}

func TestDeclineWritesNothing(t *testing.T) {
	w := newWorld(t)
	c := w.start("owner", app.TieBreakLowerID{}, false)
	require.Eventually(t, func() bool { return c.State() == admission.StateJoining }, waitFor, tick)

	require.NoError(t, c.Decline(context.Background()))
	assert.NoError(t, <-c.errc)
	assert.Equal(t, admission.StateLeft, c.State())
	sess := w.snapshot()
	assert.Empty(t, sess.Active)
	assert.Empty(t, sess.Waiting)
}

func TestDeclineFromWaitingRoomRemovesEntry(t *testing.T) {
	w := newWorld(t, "guest")
	c := w.start("guest", app.TieBreakLowerID{}, false)
	require.Eventually(t, func() bool { return c.State() == admission.StateWaiting }, waitFor, tick)
	require.True(t, w.snapshot().IsWaiting("guest"))

	require.NoError(t, c.Decline(context.Background()))
	assert.NoError(t, <-c.errc)
	assert.Equal(t, admission.StateLeft, c.State())
	sess := w.snapshot()
	assert.Empty(t, sess.Waiting)
	assert.Empty(t, sess.Active)
}

func TestEnvelopeStreamIsReopened(t *testing.T) {
	w := newWorld(t, "guest")
	w.seedActive("owner", "guest")
	flaky := &droppingStore{Memory: w.st, dropEnvelopes: true}
	w.stores["owner"] = flaky

	// owner answers, so its broken envelope stream would strand the guest's offer
	owner := w.start("owner", app.TieBreakLowerID{}, false)
	require.Eventually(t, func() bool { return owner.State() == admission.StateActive }, waitFor, tick)
	guest := w.start("guest", app.TieBreakLowerID{}, false)

	require.Eventually(t, func() bool {
		w.clk.Add(presence.DefaultHeartbeat)
		return connected(owner, 1)() && connected(guest, 1)() && w.pending() == 0
	}, waitFor, tick)
	_, envelopeSubs := flaky.subscriptions()
	assert.GreaterOrEqual(t, envelopeSubs, 2)
	assert.Equal(t, admission.StateActive, owner.State())
}

func TestSessionStreamDropIsNotFatal(t *testing.T) {
	w := newWorld(t, "guest")
	flaky := &droppingStore{Memory: w.st, dropSession: true}
	w.stores["guest"] = flaky
	ctx := context.Background()

	guest := w.start("guest", app.TieBreakLowerID{}, false)
	require.Eventually(t, func() bool { return guest.State() == admission.StateWaiting }, waitFor, tick)
	require.Eventually(t, func() bool {
		sessionSubs, _ := flaky.subscriptions()
		return sessionSubs >= 2
	}, waitFor, tick)

	require.NoError(t, admission.Admit(ctx, w.st, w.snapshot(), w.owner.ID, "guest", "", w.clk.Now()))
	require.Eventually(t, func() bool { return guest.State() == admission.StateJoining }, waitFor, tick)
	select {
	case err := <-guest.errc:
		t.Fatalf("loop ended: %v", err)
	default:
	}
}

func TestRemovedCallEndsLoop(t *testing.T) {
	w := newWorld(t)
	c := w.start("owner", app.TieBreakLowerID{}, true)
	require.Eventually(t, func() bool { return c.State() == admission.StateActive }, waitFor, tick)
	require.NoError(t, w.st.DeleteParticipant(context.Background(), w.call.ID, "owner"))

	_, err := w.st.SweepSessions(context.Background(), w.clk.Now().Add(time.Hour), w.clk.Now().Add(time.Hour))
	require.NoError(t, err)
	select {
	case err := <-c.errc:
		assert.ErrorIs(t, err, domain.ErrSessionNotFound)
	case <-time.After(waitFor):
		t.Fatal("loop kept running after the call was removed")
	}
}

func TestMuteFollowsStore(t *testing.T) {
	w := newWorld(t, "guest")
	w.seedActive("owner", "guest")
	ctx := context.Background()

	owner := w.start("owner", app.TieBreakLowerID{}, false)
	guest := w.start("guest", app.TieBreakLowerID{}, false)
	require.Eventually(t, func() bool {
		return owner.State() == admission.StateActive && guest.State() == admission.StateActive
	}, waitFor, tick)
	stream := guest.dev.Streams()[0]

	require.NoError(t, owner.SetMute(ctx, "guest", true))
	require.Eventually(t, func() bool { return !stream.Enabled(core.MediaAudio) }, waitFor, tick)

	require.Eventually(t, func() bool {
		s := guest.Session()
		return s != nil && s.IsMuted("guest")
	}, waitFor, tick)
	assert.ErrorIs(t, guest.SetMute(ctx, "owner", true), domain.ErrUnauthorizedMute)
	assert.ErrorIs(t, owner.SetMute(ctx, "guest", false), domain.ErrUnauthorizedMute)

	require.NoError(t, guest.ToggleMute(ctx))
	require.Eventually(t, func() bool { return stream.Enabled(core.MediaAudio) }, waitFor, tick)
	assert.False(t, w.snapshot().IsMuted("guest"))
}

func TestHeartbeatRefreshesPresence(t *testing.T) {
	w := newWorld(t)
	c := w.start("owner", app.TieBreakLowerID{}, true)
	require.Eventually(t, func() bool { return c.State() == admission.StateActive }, waitFor, tick)
	start := w.snapshot().Active["owner"].LastSeenAt

	require.Eventually(t, func() bool {
		w.clk.Add(30 * time.Second)
		return w.snapshot().Active["owner"].LastSeenAt.After(start)
	}, waitFor, tick)
}

func TestCancelReleasesEverything(t *testing.T) {
	w := newWorld(t)
	ctx, cancel := context.WithCancel(context.Background())
	dev := &meshtest.Devices{}
	o, err := New(Options{Self: w.owner, CallID: w.call.ID, Store: w.st, Devices: dev, Transport: meshtest.NewTransport(w.owner.ID), Clock: w.clk, AutoAccept: true})
	require.NoError(t, err)
	errc := make(chan error, 1)
	go func() { errc <- o.Run(ctx) }()

	require.Eventually(t, func() bool { return o.State() == admission.StateActive }, waitFor, tick)
	cancel()
	assert.ErrorIs(t, <-errc, context.Canceled)
	assert.True(t, dev.Streams()[0].Stopped())
	assert.Empty(t, w.snapshot().Active)
	assert.Equal(t, admission.StateLeft, o.State())
}

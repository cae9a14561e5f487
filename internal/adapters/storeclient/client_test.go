package storeclient

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	api "github.com/dkeye/huddle/internal/adapters/http"
	"github.com/dkeye/huddle/internal/app"
	"github.com/dkeye/huddle/internal/app/admission"
	"github.com/dkeye/huddle/internal/app/calls"
	"github.com/dkeye/huddle/internal/app/mesh/meshtest"
	"github.com/dkeye/huddle/internal/app/orch"
	"github.com/dkeye/huddle/internal/config"
	"github.com/dkeye/huddle/internal/domain"
	"github.com/dkeye/huddle/internal/notify"
	"github.com/dkeye/huddle/internal/store"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 5 * time.Second
	tick    = 10 * time.Millisecond
)

var (
	owner    = domain.Identity{ID: "owner", DisplayName: "Owner", Email: "owner@example.com"}
	guest    = domain.Identity{ID: "guest", DisplayName: "Guest", Email: "guest@example.com"}
	stranger = domain.Identity{ID: "mallory", DisplayName: "Mallory", Email: "mallory@example.com"}
)

type fixture struct {
	st  *store.Memory
	clk *clock.Mock
	url string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	st := store.NewMemory()
	clk := clock.NewMock()
	svc := calls.NewService(st, notify.LogNotifier{}, clk, 10, "")

	ctx, cancel := context.WithCancel(context.Background())
	r := api.SetupRouter(ctx, &config.Config{Mode: "test", Secret: "test-secret"}, api.Deps{Store: st, Calls: svc, Clock: clk})
	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		cancel()
		srv.Close()
	})
	return &fixture{st: st, clk: clk, url: srv.URL}
}

func (f *fixture) client(who domain.Identity) *Client { return New(f.url, who) }

func (f *fixture) startCall(t *testing.T) *domain.CallSession {
	t.Helper()
	sess, quota, err := f.client(owner).StartCall(context.Background(), "retro", []string{guest.Email})
	require.NoError(t, err)
	assert.Equal(t, 1, quota.Count)
	return sess
}

func TestErrorsMapToSentinels(t *testing.T) {
	f := newFixture(t)
	sess := f.startCall(t)
	ctx := context.Background()

	_, err := f.client(stranger).Session(ctx, sess.ID)
	assert.ErrorIs(t, err, domain.ErrAccessDenied)

	_, err = f.client(owner).Session(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)

	_, _, err = f.client(owner).SubscribeSession(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)

	_, _, err = f.client(stranger).SubscribeSession(ctx, sess.ID)
	assert.ErrorIs(t, err, domain.ErrAccessDenied)

	err = f.client(guest).SetMute(ctx, sess.ID, owner.ID, true)
	assert.ErrorIs(t, err, domain.ErrUnauthorizedMute)

	err = f.client(guest).Admit(ctx, sess.ID, guest.ID, domain.NewParticipant("Guest", f.clk.Now()))
	assert.ErrorIs(t, err, domain.ErrNotOwner)

	_, _, err = f.client(guest).SubscribeEnvelopes(ctx, sess.ID, owner.ID)
	assert.ErrorIs(t, err, domain.ErrAccessDenied)
}

func TestSessionSubscriptionFollowsWrites(t *testing.T) {
	f := newFixture(t)
	sess := f.startCall(t)
	ctx := context.Background()

	snaps, cancel, err := f.client(owner).SubscribeSession(ctx, sess.ID)
	require.NoError(t, err)
	defer cancel()

	first := <-snaps
	assert.Equal(t, sess.ID, first.ID)
	assert.Empty(t, first.Waiting)

	g := f.client(guest)
	require.NoError(t, g.SetWaiting(ctx, sess.ID, guest.ID, domain.WaitingEntry{DisplayName: "Guest"}))

	require.Eventually(t, func() bool {
		select {
		case s := <-snaps:
			return s.IsWaiting(guest.ID)
		default:
			return false
		}
	}, waitFor, tick)

	require.NoError(t, f.client(owner).Admit(ctx, sess.ID, guest.ID, domain.Participant{}))
	got, err := g.Session(ctx, sess.ID)
	require.NoError(t, err)
	assert.True(t, got.IsActive(guest.ID))
	assert.False(t, got.IsWaiting(guest.ID))
	assert.Equal(t, "Guest", got.Active[guest.ID].DisplayName)

	require.NoError(t, g.SetMute(ctx, sess.ID, guest.ID, true))
	got, err = g.Session(ctx, sess.ID)
	require.NoError(t, err)
	assert.True(t, got.IsMuted(guest.ID))
}

func TestSessionStreamClosesWhenCallRemoved(t *testing.T) {
	f := newFixture(t)
	sess := f.startCall(t)

	snaps, cancel, err := f.client(owner).SubscribeSession(context.Background(), sess.ID)
	require.NoError(t, err)
	defer cancel()
	<-snaps

	f.clk.Add(48 * time.Hour)
	n, err := f.st.SweepSessions(context.Background(), f.clk.Now().Add(-24*time.Hour), f.clk.Now().Add(-time.Minute))
	require.NoError(t, err)
	require.Equal(t, 1, n)

	require.Eventually(t, func() bool {
		select {
		case _, ok := <-snaps:
			return !ok
		default:
			return false
		}
	}, waitFor, tick)
}

func TestEnvelopesOverTheWire(t *testing.T) {
	f := newFixture(t)
	sess := f.startCall(t)
	ctx := context.Background()

	o := f.client(owner)
	g := f.client(guest)
	require.NoError(t, o.SetParticipant(ctx, sess.ID, owner.ID, domain.NewParticipant("Owner", f.clk.Now())))

	first := domain.NewEnvelope(sess.ID, owner.ID, guest.ID, domain.SignalPayload{Type: domain.SignalOffer, SDP: "one"}, f.clk.Now())
	require.NoError(t, o.AppendEnvelope(ctx, first))

	envs, cancel, err := g.SubscribeEnvelopes(ctx, sess.ID, guest.ID)
	require.NoError(t, err)
	defer cancel()

	second := domain.NewEnvelope(sess.ID, owner.ID, guest.ID, domain.SignalPayload{Type: domain.SignalOffer, SDP: "two"}, f.clk.Now())
	require.NoError(t, o.AppendEnvelope(ctx, second))

	var got []domain.Envelope
	for range 2 {
		select {
		case env := <-envs:
			got = append(got, env)
		case <-time.After(waitFor):
			t.Fatal("envelope not delivered")
		}
	}
	assert.Equal(t, "one", got[0].Payload.SDP)
	assert.Equal(t, "two", got[1].Payload.SDP)
	assert.Equal(t, owner.ID, got[0].Sender)

	assert.ErrorIs(t, o.DeleteEnvelope(ctx, sess.ID, guest.ID, got[0].ID), domain.ErrAccessDenied)
	require.NoError(t, g.DeleteEnvelope(ctx, sess.ID, guest.ID, got[0].ID))
	require.NoError(t, g.DeleteEnvelope(ctx, sess.ID, guest.ID, got[1].ID))
	assert.ErrorIs(t, g.DeleteEnvelope(ctx, sess.ID, guest.ID, got[0].ID), domain.ErrEnvelopeNotFound)

	stats, err := o.Stats(ctx, sess.ID)
	require.NoError(t, err)
	assert.Zero(t, stats.Pending)
}

func TestAdmissionOverTheWire(t *testing.T) {
	f := newFixture(t)
	sess := f.startCall(t)
	ctx := context.Background()

	network := meshtest.NewNetwork()
	run := func(self domain.Identity, autoAccept bool) (*orch.Orchestrator, *meshtest.Transport) {
		tr := network.Transport(self.ID)
		o, err := orch.New(orch.Options{
			Self:       self,
			CallID:     sess.ID,
			Store:      f.client(self),
			Devices:    &meshtest.Devices{},
			Transport:  tr,
			Sink:       meshtest.NewSink(),
			Clock:      f.clk,
			Policy:     app.TieBreakLowerID{},
			Chime:      notify.NewChime(nil),
			AutoAccept: autoAccept,
		})
		require.NoError(t, err)
		runCtx, cancel := context.WithCancel(context.Background())
		go func() { _ = o.Run(runCtx) }()
		t.Cleanup(func() {
			cancel()
			select {
			case <-o.Done():
			case <-time.After(waitFor):
				t.Errorf("%s: loop did not stop", self.ID)
			}
		})
		return o, tr
	}

	ownerLoop, _ := run(owner, true)
	require.Eventually(t, func() bool { return ownerLoop.State() == admission.StateActive }, waitFor, tick)

	guestLoop, guestTr := run(guest, false)
	require.Eventually(t, func() bool { return guestLoop.State() == admission.StateWaiting }, waitFor, tick)
	require.Eventually(t, func() bool {
		s := ownerLoop.Session()
		return s != nil && s.IsWaiting(guest.ID)
	}, waitFor, tick)

	require.NoError(t, ownerLoop.Admit(ctx, guest.ID))
	require.Eventually(t, func() bool { return guestLoop.State() == admission.StateJoining }, waitFor, tick)
	require.NoError(t, guestLoop.Accept(ctx))

	linked := func(o *orch.Orchestrator) func() bool {
		return func() bool {
			links := o.Connections()
			return len(links) == 1 && links[0].State == "connected"
		}
	}
	require.Eventually(t, linked(ownerLoop), waitFor, tick)
	require.Eventually(t, linked(guestLoop), waitFor, tick)
	require.Eventually(t, func() bool {
		n, err := f.st.PendingEnvelopes(ctx, sess.ID)
		return err == nil && n == 0
	}, waitFor, tick)
	require.Len(t, guestTr.Handles(), 1)
	assert.True(t, guestTr.Handles()[0].Initiator)

	require.NoError(t, guestLoop.Leave(ctx))
	snap, err := f.st.Session(ctx, sess.ID)
	require.NoError(t, err)
	assert.False(t, snap.IsActive(guest.ID))
}

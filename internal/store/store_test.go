package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/dkeye/huddle/internal/core"
	"github.com/dkeye/huddle/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)

func backends(t *testing.T) map[string]func(t *testing.T) core.Store {
	t.Helper()
	return map[string]func(t *testing.T) core.Store{
		"memory": func(t *testing.T) core.Store { return NewMemory() },
		"sqlite": func(t *testing.T) core.Store {
			s, err := OpenSQLite(filepath.Join(t.TempDir(), "huddle.db"))
			require.NoError(t, err)
			t.Cleanup(func() { _ = s.Close() })
			return s
		},
	}
}

func newCall(t *testing.T, s core.Store, owner string) *domain.CallSession {
	t.Helper()
	id, err := domain.NewIdentity(domain.ParticipantID(owner), owner, owner+"@example.com")
	require.NoError(t, err)
	sess := domain.NewCallSession(id, "standup", []string{"guest@example.com"}, t0)
	_, err = s.CreateCall(context.Background(), sess, 10)
	require.NoError(t, err)
	return sess
}

func recv[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v, ok := <-ch:
		require.True(t, ok, "channel closed")
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}
	var zero T
	return zero
}

func TestCreateCallRoundTrip(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			sess := newCall(t, s, "alice")

			got, err := s.Session(context.Background(), sess.ID)
			require.NoError(t, err)
			assert.Equal(t, sess.OwnerID, got.OwnerID)
			assert.Equal(t, "standup", got.Description)
			assert.ElementsMatch(t, []string{"alice@example.com", "guest@example.com"}, got.AllowedIdentities)
			assert.True(t, got.CreatedAt.Equal(t0))
			assert.Empty(t, got.Active)
			assert.Empty(t, got.Waiting)

			_, err = s.Session(context.Background(), "missing")
			assert.ErrorIs(t, err, domain.ErrSessionNotFound)
		})
	}
}

func TestQuotaEnforced(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			ctx := context.Background()
			owner, err := domain.NewIdentity("bob", "Bob", "bob@example.com")
			require.NoError(t, err)

			for i := 1; i <= 3; i++ {
				q, err := s.CreateCall(ctx, domain.NewCallSession(owner, "", nil, t0), 3)
				require.NoError(t, err)
				assert.Equal(t, i, q.Count)
			}

			rejected := domain.NewCallSession(owner, "", nil, t0)
			_, err = s.CreateCall(ctx, rejected, 3)
			require.ErrorIs(t, err, domain.ErrQuotaExceeded)
			_, err = s.Session(ctx, rejected.ID)
			assert.ErrorIs(t, err, domain.ErrSessionNotFound)

			q, err := s.Quota(ctx, owner.ID, domain.QuotaDay(t0))
			require.NoError(t, err)
			assert.Equal(t, 3, q.Count)

			// next day starts a fresh counter
			_, err = s.CreateCall(ctx, domain.NewCallSession(owner, "", nil, t0.Add(24*time.Hour)), 3)
			assert.NoError(t, err)
		})
	}
}

func TestSessionSubscriptionSeesWrites(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			ctx := context.Background()
			sess := newCall(t, s, "alice")

			ch, cancel, err := s.SubscribeSession(ctx, sess.ID)
			require.NoError(t, err)
			defer cancel()

			first := recv(t, ch)
			assert.Empty(t, first.Active)

			require.NoError(t, s.SetParticipant(ctx, sess.ID, "alice", domain.NewParticipant("Alice", t0)))
			require.Eventually(t, func() bool {
				select {
				case snap := <-ch:
					return snap.IsActive("alice")
				default:
					return false
				}
			}, 2*time.Second, 10*time.Millisecond)

			// joining twice leaves one entry
			require.NoError(t, s.SetParticipant(ctx, sess.ID, "alice", domain.NewParticipant("Alice", t0.Add(time.Second))))
			got, err := s.Session(ctx, sess.ID)
			require.NoError(t, err)
			assert.Len(t, got.Active, 1)
			assert.True(t, got.Active["alice"].LastSeenAt.Equal(t0.Add(time.Second)))

			assert.ErrorIs(t, s.SetMute(ctx, "missing", "alice", true), domain.ErrSessionNotFound)
		})
	}
}

func TestAdmitIsAtomic(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			ctx := context.Background()
			sess := newCall(t, s, "alice")
			require.NoError(t, s.SetWaiting(ctx, sess.ID, "guest", domain.WaitingEntry{DisplayName: "Guest"}))
			require.NoError(t, s.SetMute(ctx, sess.ID, "guest", true))

			ch, cancel, err := s.SubscribeSession(ctx, sess.ID)
			require.NoError(t, err)
			defer cancel()

			require.NoError(t, s.Admit(ctx, sess.ID, "guest", domain.NewParticipant("Guest", t0)))

			deadline := time.After(2 * time.Second)
			for {
				var snap *domain.CallSession
				select {
				case snap = <-ch:
				case <-deadline:
					t.Fatal("admit never observed")
				}
				waiting, active := snap.IsWaiting("guest"), snap.IsActive("guest")
				require.NotEqual(t, waiting, active, "guest must be in exactly one table")
				if active {
					assert.False(t, snap.IsMuted("guest"))
					return
				}
			}
		})
	}
}

func TestEnvelopesDeliveredOnceInOrder(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			ctx := context.Background()
			sess := newCall(t, s, "alice")

			offer := domain.NewEnvelope(sess.ID, "alice", "bob", domain.SignalPayload{Type: domain.SignalOffer, SDP: "v=0"}, t0)
			require.NoError(t, s.AppendEnvelope(ctx, offer))
			other := domain.NewEnvelope(sess.ID, "alice", "carol", domain.SignalPayload{Type: domain.SignalOffer}, t0)
			require.NoError(t, s.AppendEnvelope(ctx, other))

			ch, cancel, err := s.SubscribeEnvelopes(ctx, sess.ID, "bob")
			require.NoError(t, err)
			defer cancel()

			got := recv(t, ch)
			assert.Equal(t, offer.ID, got.ID)
			assert.Equal(t, domain.SignalOffer, got.Payload.Type)
			assert.Equal(t, "v=0", got.Payload.SDP)

			idx := uint16(0)
			mid := "0"
			cand := domain.NewEnvelope(sess.ID, "alice", "bob", domain.SignalPayload{
				Type:      domain.SignalCandidate,
				Candidate: &domain.Candidate{Candidate: "candidate:1 1 udp 1 127.0.0.1 5000 typ host", SDPMid: &mid, SDPMLineIndex: &idx},
			}, t0)
			require.NoError(t, s.AppendEnvelope(ctx, cand))
			got = recv(t, ch)
			require.NotNil(t, got.Payload.Candidate)
			assert.Equal(t, "0", *got.Payload.Candidate.SDPMid)

			n, err := s.PendingEnvelopes(ctx, sess.ID)
			require.NoError(t, err)
			assert.Equal(t, 3, n)

			// only the recipient acks
			assert.ErrorIs(t, s.DeleteEnvelope(ctx, sess.ID, "carol", offer.ID), domain.ErrEnvelopeNotFound)
			require.NoError(t, s.DeleteEnvelope(ctx, sess.ID, "bob", offer.ID))
			require.NoError(t, s.DeleteEnvelope(ctx, sess.ID, "bob", cand.ID))
			assert.ErrorIs(t, s.DeleteEnvelope(ctx, sess.ID, "bob", offer.ID), domain.ErrEnvelopeNotFound)

			n, err = s.PendingEnvelopes(ctx, sess.ID)
			require.NoError(t, err)
			assert.Equal(t, 1, n)
		})
	}
}

func TestSweeps(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			ctx := context.Background()
			abandoned := newCall(t, s, "alice")
			busy := newCall(t, s, "bob")
			require.NoError(t, s.SetParticipant(ctx, busy.ID, "bob", domain.NewParticipant("Bob", t0)))

			require.NoError(t, s.AppendEnvelope(ctx, domain.NewEnvelope(busy.ID, "bob", "x", domain.SignalPayload{Type: domain.SignalOffer}, t0)))
			require.NoError(t, s.AppendEnvelope(ctx, domain.NewEnvelope(busy.ID, "bob", "y", domain.SignalPayload{Type: domain.SignalOffer}, t0.Add(time.Hour))))

			n, err := s.SweepEnvelopes(ctx, t0.Add(10*time.Minute))
			require.NoError(t, err)
			assert.Equal(t, 1, n)

			ch, cancel, err := s.SubscribeSession(ctx, abandoned.ID)
			require.NoError(t, err)
			defer cancel()
			recv(t, ch)

			n, err = s.SweepSessions(ctx, t0.Add(25*time.Hour), t0.Add(-time.Minute))
			require.NoError(t, err)
			assert.Equal(t, 1, n)

			_, err = s.Session(ctx, abandoned.ID)
			assert.ErrorIs(t, err, domain.ErrSessionNotFound)
			_, err = s.Session(ctx, busy.ID)
			assert.NoError(t, err)

			select {
			case _, ok := <-ch:
				assert.False(t, ok)
			case <-time.After(2 * time.Second):
				t.Fatal("subscription not closed")
			}

			// a participant that stopped heartbeating no longer keeps the call
			n, err = s.SweepSessions(ctx, t0.Add(25*time.Hour), t0.Add(time.Minute))
			require.NoError(t, err)
			assert.Equal(t, 1, n)
			_, err = s.Session(ctx, busy.ID)
			assert.ErrorIs(t, err, domain.ErrSessionNotFound)
		})
	}
}

func TestWaitingNeverShadowsActive(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			ctx := context.Background()
			sess := newCall(t, s, "alice")

			require.NoError(t, s.Admit(ctx, sess.ID, "guest", domain.NewParticipant("Guest", t0)))
			// a late waiting write from a stale view is dropped
			require.NoError(t, s.SetWaiting(ctx, sess.ID, "guest", domain.WaitingEntry{DisplayName: "Guest"}))

			got, err := s.Session(ctx, sess.ID)
			require.NoError(t, err)
			assert.True(t, got.IsActive("guest"))
			assert.False(t, got.IsWaiting("guest"))

			require.NoError(t, s.SetWaiting(ctx, sess.ID, "other", domain.WaitingEntry{DisplayName: "Other"}))
			got, err = s.Session(ctx, sess.ID)
			require.NoError(t, err)
			assert.True(t, got.IsWaiting("other"))
		})
	}
}

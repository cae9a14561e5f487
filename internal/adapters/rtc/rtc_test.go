package rtc

import (
	"context"
	"testing"
	"time"

	"github.com/dkeye/huddle/internal/core"
	"github.com/dkeye/huddle/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDevicesRefuseDisallowedKinds(t *testing.T) {
	_, err := Devices{AllowAudio: false}.Acquire(context.Background(), core.Constraints{Audio: true})
	require.ErrorIs(t, err, domain.ErrMediaAcquisition)

	_, err = Devices{AllowAudio: true}.Acquire(context.Background(), core.Constraints{Audio: true, Video: true})
	require.ErrorIs(t, err, domain.ErrMediaAcquisition)
}

func TestLocalStreamEnableAndReplace(t *testing.T) {
	s, err := Devices{AllowAudio: true, AllowVideo: true}.Acquire(context.Background(), core.Constraints{Audio: true, Video: true})
	require.NoError(t, err)
	defer s.Stop()

	assert.Len(t, s.Tracks(), 2)
	assert.True(t, s.Enabled(core.MediaAudio))

	s.SetEnabled(core.MediaAudio, false)
	assert.False(t, s.Enabled(core.MediaAudio))
	assert.True(t, s.Enabled(core.MediaVideo))
	s.SetEnabled(core.MediaAudio, true)
	assert.True(t, s.Enabled(core.MediaAudio))

	old, _ := s.Track(core.MediaVideo)
	next, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "screen", s.ID())
	require.NoError(t, err)
	prev, err := s.ReplaceTrack(core.MediaVideo, next)
	require.NoError(t, err)
	assert.Equal(t, old, prev)
	cur, ok := s.Track(core.MediaVideo)
	require.True(t, ok)
	assert.Equal(t, "screen", cur.ID())

	s.Stop()
	s.Stop()
}

func TestReplaceMissingKindFails(t *testing.T) {
	s, err := Devices{AllowAudio: true}.Acquire(context.Background(), core.Constraints{Audio: true})
	require.NoError(t, err)
	defer s.Stop()

	next, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "screen", s.ID())
	require.NoError(t, err)
	_, err = s.ReplaceTrack(core.MediaVideo, next)
	assert.Error(t, err)
}

type fakeRemote struct{ id string }

func (f fakeRemote) ID() string           { return f.id }
func (f fakeRemote) Kind() core.MediaKind { return core.MediaAudio }

func TestSinkAttachDetach(t *testing.T) {
	s := NewSink()
	s.Attach("bob", fakeRemote{id: "a"})
	s.Attach("bob", fakeRemote{id: "b"})

	st, ok := s.Stats("bob")
	require.True(t, ok)
	assert.Equal(t, 2, st.Streams)
	assert.Zero(t, st.Packets)
	assert.ElementsMatch(t, []domain.ParticipantID{"bob"}, s.Peers())

	s.Detach("bob")
	s.Detach("bob")
	_, ok = s.Stats("bob")
	assert.False(t, ok)
}

func TestOfferAnswerExchange(t *testing.T) {
	tr := NewTransport(webrtc.Configuration{})
	devices := Devices{AllowAudio: true}

	streamA, err := devices.Acquire(context.Background(), core.Constraints{Audio: true})
	require.NoError(t, err)
	defer streamA.Stop()
	streamB, err := devices.Acquire(context.Background(), core.Constraints{Audio: true})
	require.NoError(t, err)
	defer streamB.Stop()

	offers := make(chan domain.SignalPayload, 1)
	answers := make(chan domain.SignalPayload, 1)

	a, err := tr.Create(core.PeerOptions{
		Peer:      "bob",
		Initiator: true,
		Stream:    streamA,
		Events:    core.PeerEvents{OnSignal: func(p domain.SignalPayload) { offers <- p }},
	})
	require.NoError(t, err)
	defer a.Close()

	b, err := tr.Create(core.PeerOptions{
		Peer:   "alice",
		Stream: streamB,
		Events: core.PeerEvents{OnSignal: func(p domain.SignalPayload) { answers <- p }},
	})
	require.NoError(t, err)
	defer b.Close()

	var offer domain.SignalPayload
	select {
	case offer = <-offers:
	case <-time.After(10 * time.Second):
		t.Fatal("no offer")
	}
	assert.Equal(t, domain.SignalOffer, offer.Type)
	assert.Contains(t, offer.SDP, "m=audio")

	require.NoError(t, b.Signal(offer))

	var answer domain.SignalPayload
	select {
	case answer = <-answers:
	case <-time.After(10 * time.Second):
		t.Fatal("no answer")
	}
	assert.Equal(t, domain.SignalAnswer, answer.Type)
	require.NoError(t, a.Signal(answer))

	next, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "mic2", "s")
	require.NoError(t, err)
	assert.NoError(t, a.ReplaceTrack(core.MediaAudio, next))
	assert.Error(t, a.ReplaceTrack(core.MediaVideo, next))
}

func TestSignalRejectsUnknownAndClosed(t *testing.T) {
	tr := NewTransport(webrtc.Configuration{})
	h, err := tr.Create(core.PeerOptions{Peer: "bob"})
	require.NoError(t, err)

	assert.Error(t, h.Signal(domain.SignalPayload{Type: "bogus"}))
	assert.NoError(t, h.Signal(domain.SignalPayload{Type: domain.SignalCandidate}))

	h.Close()
	h.Close()
	assert.Error(t, h.Signal(domain.SignalPayload{Type: domain.SignalAnswer}))
}

func TestConfigFromURLs(t *testing.T) {
	assert.Equal(t, DefaultWebRTCConfig(), ConfigFromURLs(nil))
	cfg := ConfigFromURLs([]string{"stun:example.org:3478"})
	require.Len(t, cfg.ICEServers, 1)
	assert.Equal(t, []string{"stun:example.org:3478"}, cfg.ICEServers[0].URLs)
}

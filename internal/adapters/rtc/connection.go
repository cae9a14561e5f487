// Package rtc implements the peer transport and local media on pion/webrtc.
// Negotiation is single shot: candidates are gathered before the offer or
// answer leaves, so no trickle messages are ever sent.
package rtc

import (
	"errors"
	"fmt"
	"sync"

	"github.com/dkeye/huddle/internal/core"
	"github.com/dkeye/huddle/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var ErrConnectionFailed = errors.New("peer connection failed")

func DefaultWebRTCConfig() webrtc.Configuration {
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{
				URLs: []string{"stun:stun.l.google.com:19302"},
			},
		},
	}
}

// ConfigFromURLs builds a configuration from ICE server URLs, falling back to the default STUN server.
func ConfigFromURLs(urls []string) webrtc.Configuration {
	if len(urls) == 0 {
		return DefaultWebRTCConfig()
	}
	return webrtc.Configuration{ICEServers: []webrtc.ICEServer{{URLs: urls}}}
}

type Option func(*Transport)

// WithSettingEngine tunes ICE and network behavior of every connection.
func WithSettingEngine(se webrtc.SettingEngine) Option {
	return func(t *Transport) { t.api = webrtc.NewAPI(webrtc.WithSettingEngine(se)) }
}

// Transport creates pion peer connections.
type Transport struct {
	cfg webrtc.Configuration
	api *webrtc.API
}

var _ core.PeerTransport = (*Transport)(nil)

func NewTransport(cfg webrtc.Configuration, opts ...Option) *Transport {
	t := &Transport{cfg: cfg}
	for _, o := range opts {
		o(t)
	}
	if t.api == nil {
		t.api = webrtc.NewAPI()
	}
	return t
}

func (t *Transport) Create(opts core.PeerOptions) (core.PeerHandle, error) {
	pc, err := t.api.NewPeerConnection(t.cfg)
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	c := &Connection{
		pc:      pc,
		peer:    opts.Peer,
		events:  opts.Events,
		senders: make(map[core.MediaKind]*webrtc.RTPSender),
		logger:  log.With().Str("module", "webrtc").Str("peer", opts.Peer.String()).Logger(),
	}
	if opts.Stream != nil {
		for _, track := range opts.Stream.Tracks() {
			sender, err := pc.AddTrack(track)
			if err != nil {
				_ = pc.Close()
				return nil, fmt.Errorf("add %s track: %w", track.Kind(), err)
			}
			c.senders[kindOf(track.Kind())] = sender
			go drainRTCP(sender)
		}
	}
	c.bind()
	if opts.Initiator {
		go c.offer()
	}
	return c, nil
}

// Connection is one pion peer connection toward a single participant.
type Connection struct {
	pc      *webrtc.PeerConnection
	peer    domain.ParticipantID
	events  core.PeerEvents
	senders map[core.MediaKind]*webrtc.RTPSender
	logger  zerolog.Logger

	mu     sync.Mutex
	closed bool
}

func (c *Connection) bind() {
	c.pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		c.logger.Debug().Str("ice_state", s.String()).Msg("ICE state")
	})

	c.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		c.logger.Info().Str("peer_connection_state", s.String()).Msg("Peer state")
		switch s {
		case webrtc.PeerConnectionStateFailed:
			if c.events.OnError != nil {
				c.events.OnError(ErrConnectionFailed)
			}
		case webrtc.PeerConnectionStateClosed:
			if !c.isClosed() && c.events.OnClose != nil {
				c.events.OnClose()
			}
		}
	})

	c.pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		c.logger.Info().
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Str("stream_id", track.StreamID()).
			Msg("OnTrack received")
		if c.events.OnStream != nil {
			c.events.OnStream(&RemoteTrack{Track: track, Receiver: receiver})
		}
	})
}

func (c *Connection) fail(err error) {
	c.logger.Error().Err(err).Msg("negotiation failed")
	if c.events.OnError != nil {
		c.events.OnError(err)
	}
}

// offer creates the local offer and emits it once ICE gathering completed.
func (c *Connection) offer() {
	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		c.fail(fmt.Errorf("create offer: %w", err))
		return
	}
	gatherComplete := webrtc.GatheringCompletePromise(c.pc)
	if err := c.pc.SetLocalDescription(offer); err != nil {
		c.fail(fmt.Errorf("set local offer: %w", err))
		return
	}
	<-gatherComplete
	c.emit(domain.SignalOffer)
}

func (c *Connection) answer() {
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		c.fail(fmt.Errorf("create answer: %w", err))
		return
	}
	gatherComplete := webrtc.GatheringCompletePromise(c.pc)
	if err := c.pc.SetLocalDescription(answer); err != nil {
		c.fail(fmt.Errorf("set local answer: %w", err))
		return
	}
	<-gatherComplete
	c.emit(domain.SignalAnswer)
}

func (c *Connection) emit(t domain.SignalType) {
	if c.isClosed() {
		return
	}
	desc := c.pc.LocalDescription()
	if desc == nil || c.events.OnSignal == nil {
		return
	}
	c.events.OnSignal(domain.SignalPayload{Type: t, SDP: desc.SDP})
}

// Signal applies remote negotiation data. An offer is answered asynchronously.
func (c *Connection) Signal(p domain.SignalPayload) error {
	if c.isClosed() {
		return errors.New("connection closed")
	}
	switch p.Type {
	case domain.SignalOffer:
		if err := c.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: p.SDP}); err != nil {
			return fmt.Errorf("apply offer: %w", err)
		}
		go c.answer()
	case domain.SignalAnswer:
		if err := c.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: p.SDP}); err != nil {
			return fmt.Errorf("apply answer: %w", err)
		}
	case domain.SignalCandidate:
		if p.Candidate == nil {
			return nil
		}
		return c.pc.AddICECandidate(webrtc.ICECandidateInit{
			Candidate:     p.Candidate.Candidate,
			SDPMid:        p.Candidate.SDPMid,
			SDPMLineIndex: p.Candidate.SDPMLineIndex,
		})
	default:
		return fmt.Errorf("unknown signal type %q", p.Type)
	}
	return nil
}

func (c *Connection) ReplaceTrack(kind core.MediaKind, track webrtc.TrackLocal) error {
	sender, ok := c.senders[kind]
	if !ok {
		return fmt.Errorf("no %s sender", kind)
	}
	return sender.ReplaceTrack(track)
}

func (c *Connection) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()
	if err := c.pc.Close(); err != nil {
		c.logger.Error().Err(err).Msg("close error")
		return
	}
	c.logger.Info().Msg("closed")
}

func (c *Connection) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// drainRTCP reads RTCP so interceptors keep working; it returns when the sender stops.
func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

func kindOf(k webrtc.RTPCodecType) core.MediaKind {
	if k == webrtc.RTPCodecTypeVideo {
		return core.MediaVideo
	}
	return core.MediaAudio
}

// RemoteTrack is inbound media of one link.
type RemoteTrack struct {
	Track    *webrtc.TrackRemote
	Receiver *webrtc.RTPReceiver
}

func (r *RemoteTrack) ID() string           { return r.Track.StreamID() + "/" + r.Track.ID() }
func (r *RemoteTrack) Kind() core.MediaKind { return kindOf(r.Track.Kind()) }

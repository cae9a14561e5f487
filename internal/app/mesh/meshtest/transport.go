// Package meshtest provides an in-process peer transport for exercising the
// mesh without real media. An initiator handle emits an offer on creation and
// applying an offer emits an answer. Transports taken from one Network pair
// up like real connections: both ends connect only once the initiator applies
// the answer of the very handle that took its offer. A standalone transport
// has no counterpart and connects each side as soon as its half of the
// negotiation is done.
package meshtest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/dkeye/huddle/internal/core"
	"github.com/dkeye/huddle/internal/domain"
	"github.com/pion/webrtc/v4"
)

var (
	ErrClosed          = errors.New("link closed")
	ErrUnexpectedOffer = errors.New("offer on initiating link")
	ErrNoOfferOut      = errors.New("answer without outstanding offer")
	ErrPeerGone        = errors.New("answering connection is gone")
)

// Network routes answers back to the handle that produced them.
type Network struct {
	mu      sync.Mutex
	seq     int
	handles map[string]*Handle
}

func NewNetwork() *Network {
	return &Network{handles: make(map[string]*Handle)}
}

func (n *Network) Transport(self domain.ParticipantID) *Transport {
	return &Transport{Self: self, net: n}
}

func (n *Network) register(h *Handle) string {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.seq++
	token := fmt.Sprintf("%s>%s#%d", h.self, h.Peer, n.seq)
	n.handles[token] = h
	return token
}

func (n *Network) lookup(token string) *Handle {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.handles[token]
}

type Transport struct {
	Self domain.ParticipantID

	net     *Network
	mu      sync.Mutex
	seq     int
	handles []*Handle
}

// NewTransport returns a standalone transport.
func NewTransport(self domain.ParticipantID) *Transport {
	return &Transport{Self: self}
}

func (t *Transport) Create(opts core.PeerOptions) (core.PeerHandle, error) {
	h := &Handle{Peer: opts.Peer, Initiator: opts.Initiator, self: t.Self, events: opts.Events, net: t.net}
	t.mu.Lock()
	t.seq++
	h.token = fmt.Sprintf("%s>%s#%d", t.Self, opts.Peer, t.seq)
	t.handles = append(t.handles, h)
	t.mu.Unlock()
	if t.net != nil {
		h.token = t.net.register(h)
	}
	if opts.Initiator {
		go h.emit(domain.SignalPayload{Type: domain.SignalOffer, SDP: "offer " + h.token})
	}
	return h, nil
}

// Handles returns every handle created so far, closed ones included.
func (t *Transport) Handles() []*Handle {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*Handle(nil), t.handles...)
}

// Open counts handles not yet closed.
func (t *Transport) Open() int {
	n := 0
	for _, h := range t.Handles() {
		if !h.Closed() {
			n++
		}
	}
	return n
}

// Live returns the handles not yet closed.
func (t *Transport) Live() []*Handle {
	var out []*Handle
	for _, h := range t.Handles() {
		if !h.Closed() {
			out = append(out, h)
		}
	}
	return out
}

type Handle struct {
	Peer      domain.ParticipantID
	Initiator bool

	self   domain.ParticipantID
	events core.PeerEvents
	net    *Network
	token  string

	mu       sync.Mutex
	closed   bool
	answered bool
	partner  *Handle
	replaced []core.MediaKind
}

func (h *Handle) emit(p domain.SignalPayload) {
	if h.events.OnSignal != nil {
		h.events.OnSignal(p)
	}
}

func (h *Handle) connected() {
	if h.events.OnStream != nil {
		h.events.OnStream(Stream{id: fmt.Sprintf("%s@%s", h.Peer, h.self), kind: core.MediaAudio})
	}
}

func (h *Handle) Signal(p domain.SignalPayload) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrClosed
	}
	switch p.Type {
	case domain.SignalOffer:
		if h.Initiator || h.answered {
			return ErrUnexpectedOffer
		}
		h.answered = true
		answer := domain.SignalPayload{Type: domain.SignalAnswer, SDP: fmt.Sprintf("answer %s %s", strings.TrimPrefix(p.SDP, "offer "), h.token)}
		standalone := h.net == nil
		go func() {
			h.emit(answer)
			if standalone {
				h.connected()
			}
		}()
	case domain.SignalAnswer:
		if !h.Initiator || h.answered {
			return ErrNoOfferOut
		}
		if h.net == nil {
			h.answered = true
			go h.connected()
			return nil
		}
		fields := strings.Fields(p.SDP)
		if len(fields) != 3 || fields[1] != h.token {
			return ErrNoOfferOut
		}
		h.answered = true
		peer := h.net.lookup(fields[2])
		if peer == nil || !peer.pair(h) {
			h.Fail(ErrPeerGone)
			return nil
		}
		h.partner = peer
		go h.connected()
		go peer.connected()
	case domain.SignalCandidate:
	}
	return nil
}

// pair binds the answering side to its initiator. It fails once h is closed.
func (h *Handle) pair(initiator *Handle) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.partner = initiator
	return true
}

// Partner is the handle on the other side once the pair connected.
func (h *Handle) Partner() *Handle {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.partner
}

func (h *Handle) ReplaceTrack(kind core.MediaKind, _ webrtc.TrackLocal) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrClosed
	}
	h.replaced = append(h.replaced, kind)
	return nil
}

// Close ends the link. A paired counterpart sees the connection fail.
func (h *Handle) Close() {
	h.mu.Lock()
	wasOpen := !h.closed
	h.closed = true
	partner := h.partner
	h.mu.Unlock()
	if wasOpen && partner != nil && !partner.Closed() {
		partner.Fail(ErrPeerGone)
	}
}

func (h *Handle) Closed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

func (h *Handle) Replaced() []core.MediaKind {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]core.MediaKind(nil), h.replaced...)
}

// Fail reports err from the transport side, as a dropped ICE connection would.
func (h *Handle) Fail(err error) {
	if h.events.OnError != nil {
		go h.events.OnError(err)
	}
}

type Stream struct {
	id   string
	kind core.MediaKind
}

func (s Stream) ID() string           { return s.id }
func (s Stream) Kind() core.MediaKind { return s.kind }

// Sink records attached peers.
type Sink struct {
	mu       sync.Mutex
	attached map[domain.ParticipantID]int
	detached []domain.ParticipantID
}

func NewSink() *Sink { return &Sink{attached: make(map[domain.ParticipantID]int)} }

func (s *Sink) Attach(peer domain.ParticipantID, _ core.RemoteStream) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attached[peer]++
}

func (s *Sink) Detach(peer domain.ParticipantID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.attached, peer)
	s.detached = append(s.detached, peer)
}

func (s *Sink) Attached(peer domain.ParticipantID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attached[peer] > 0
}

func (s *Sink) Detached() []domain.ParticipantID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.ParticipantID(nil), s.detached...)
}

// LocalStream is a LocalMediaStream with no real tracks.
type LocalStream struct {
	mu       sync.Mutex
	disabled map[core.MediaKind]bool
	stopped  bool
}

func NewLocalStream() *LocalStream {
	return &LocalStream{disabled: make(map[core.MediaKind]bool)}
}

func (l *LocalStream) ID() string                                     { return "local" }
func (l *LocalStream) Tracks() []webrtc.TrackLocal                    { return nil }
func (l *LocalStream) Track(core.MediaKind) (webrtc.TrackLocal, bool) { return nil, false }

func (l *LocalStream) SetEnabled(kind core.MediaKind, enabled bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.disabled[kind] = !enabled
}

func (l *LocalStream) Enabled(kind core.MediaKind) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return !l.disabled[kind]
}

func (l *LocalStream) ReplaceTrack(core.MediaKind, webrtc.TrackLocal) (webrtc.TrackLocal, error) {
	return nil, nil
}

func (l *LocalStream) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stopped = true
}

func (l *LocalStream) Stopped() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stopped
}

// Devices hands out LocalStreams, or Err when set.
type Devices struct {
	mu      sync.Mutex
	Err     error
	streams []*LocalStream
}

func (d *Devices) Acquire(_ context.Context, _ core.Constraints) (core.LocalMediaStream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.Err != nil {
		return nil, d.Err
	}
	s := NewLocalStream()
	d.streams = append(d.streams, s)
	return s, nil
}

func (d *Devices) Streams() []*LocalStream {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*LocalStream(nil), d.streams...)
}

func (d *Devices) SetErr(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Err = err
}

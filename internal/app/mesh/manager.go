// Package mesh keeps one peer link per live participant and routes
// negotiation envelopes to those links.
package mesh

import (
	"context"
	"fmt"

	"github.com/dkeye/huddle/internal/app"
	"github.com/dkeye/huddle/internal/core"
	"github.com/dkeye/huddle/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Signaler is the envelope channel as seen by the mesh.
type Signaler interface {
	Send(ctx context.Context, to domain.ParticipantID, payload domain.SignalPayload) error
	Ack(ctx context.Context, env domain.Envelope)
}

type Config struct {
	Self      domain.ParticipantID
	Transport core.PeerTransport
	Signaler  Signaler
	Sink      core.MediaSink
	Policy    app.InitiatorPolicy
	// Post hands a transport callback to the coordination loop. It must not block.
	Post func(func(ctx context.Context))
}

// Manager must only be driven from the coordination loop. Links and Count
// may be called from anywhere.
type Manager struct {
	cfg    Config
	stream core.LocalMediaStream
	links  *registry
	gen    uint64
	logger zerolog.Logger
}

func NewManager(cfg Config) *Manager {
	if cfg.Policy == nil {
		cfg.Policy = app.TieBreakLowerID{}
	}
	if cfg.Post == nil {
		cfg.Post = func(fn func(ctx context.Context)) { fn(context.Background()) }
	}
	return &Manager{
		cfg:    cfg,
		links:  newRegistry(),
		logger: log.With().Str("module", "mesh").Str("self", cfg.Self.String()).Logger(),
	}
}

// SetStream sets the outbound media every new link sends. The manager never stops it.
func (m *Manager) SetStream(s core.LocalMediaStream) { m.stream = s }

func (m *Manager) Count() int        { return m.links.Len() }
func (m *Manager) Links() []LinkInfo { return m.links.Snapshot() }

// Reconcile creates links to live peers that lack one (when self initiates
// toward them) and destroys links to peers that are no longer live.
func (m *Manager) Reconcile(ctx context.Context, live []domain.ParticipantID) {
	want := make(map[domain.ParticipantID]struct{}, len(live))
	for _, p := range live {
		if p == m.cfg.Self {
			continue
		}
		want[p] = struct{}{}
	}

	for _, p := range m.links.peers() {
		if _, ok := want[p]; !ok {
			m.logger.Info().Str("peer", p.String()).Msg("peer no longer live, closing link")
			m.destroy(p)
		}
	}

	if m.stream == nil {
		return
	}
	for _, p := range live {
		if _, ok := want[p]; !ok {
			continue
		}
		if _, ok := m.links.get(p); ok {
			continue
		}
		if !m.cfg.Policy.Initiates(m.cfg.Self, p) {
			continue
		}
		m.open(p, true)
	}
}

// HandleEnvelope applies one incoming envelope and acks it whatever the outcome.
// An offer always replaces the existing link for its sender.
func (m *Manager) HandleEnvelope(ctx context.Context, env domain.Envelope) {
	defer m.cfg.Signaler.Ack(ctx, env)

	logger := m.logger.With().Str("peer", env.Sender.String()).Str("type", string(env.Payload.Type)).Logger()
	if env.Sender == m.cfg.Self {
		logger.Warn().Msg("envelope from self discarded")
		return
	}

	if env.Payload.Type == domain.SignalOffer {
		if m.stream == nil {
			logger.Warn().Msg("offer received before local media, discarded")
			return
		}
		if _, ok := m.links.get(env.Sender); ok {
			logger.Info().Msg("offer replaces existing link")
			m.destroy(env.Sender)
		}
		e := m.open(env.Sender, false)
		if e == nil {
			return
		}
		m.links.setState(e, LinkNegotiating)
		if err := e.handle.Signal(env.Payload); err != nil {
			logger.Warn().Err(err).Msg("apply offer failed")
		}
		return
	}

	e, ok := m.links.get(env.Sender)
	if !ok {
		logger.Debug().Msg("no link for sender, discarded")
		return
	}
	if err := e.handle.Signal(env.Payload); err != nil {
		logger.Warn().Err(err).Msg("apply signal failed")
		if env.Payload.Type == domain.SignalAnswer && !e.initiator && e.state != LinkConnected {
			m.resolveCrossedOffers(e)
		}
		return
	}
	if env.Payload.Type == domain.SignalAnswer && e.state == LinkInitiating {
		m.links.setState(e, LinkNegotiating)
	}
}

// resolveCrossedOffers handles an answer landing on an unconnected inbound
// link. Both sides replaced their outbound link with the other's offer, so
// neither answer has an offer to match. The lower id offers again and the
// other side waits for that offer.
func (m *Manager) resolveCrossedOffers(e *linkEntry) {
	if !(app.TieBreakLowerID{}).Initiates(m.cfg.Self, e.peer) {
		m.logger.Info().Str("peer", e.peer.String()).Msg("crossed offers, waiting for peer to offer again")
		return
	}
	m.logger.Info().Str("peer", e.peer.String()).Msg("crossed offers, offering again")
	m.destroy(e.peer)
	m.open(e.peer, true)
}

// ReplaceTrack swaps the outbound track of kind on the shared stream and every link.
func (m *Manager) ReplaceTrack(kind core.MediaKind, track webrtc.TrackLocal) error {
	if m.stream == nil {
		return fmt.Errorf("replace %s track: no local media", kind)
	}
	if _, err := m.stream.ReplaceTrack(kind, track); err != nil {
		return fmt.Errorf("replace %s track: %w", kind, err)
	}
	for _, p := range m.links.peers() {
		e, ok := m.links.get(p)
		if !ok {
			continue
		}
		if err := e.handle.ReplaceTrack(kind, track); err != nil {
			m.logger.Warn().Err(err).Str("peer", p.String()).Str("kind", string(kind)).Msg("replace track failed")
		}
	}
	return nil
}

// CloseAll destroys every link.
func (m *Manager) CloseAll() {
	for _, p := range m.links.peers() {
		m.destroy(p)
	}
}

func (m *Manager) open(peer domain.ParticipantID, initiator bool) *linkEntry {
	m.gen++
	gen := m.gen
	e := &linkEntry{peer: peer, initiator: initiator, state: LinkInitiating, gen: gen}

	handle, err := m.cfg.Transport.Create(core.PeerOptions{
		Peer:      peer,
		Initiator: initiator,
		Stream:    m.stream,
		Events: core.PeerEvents{
			OnSignal: func(p domain.SignalPayload) {
				m.cfg.Post(func(ctx context.Context) { m.onSignal(ctx, peer, gen, p) })
			},
			OnStream: func(rs core.RemoteStream) {
				m.cfg.Post(func(context.Context) { m.onStream(peer, gen, rs) })
			},
			OnClose: func() {
				m.cfg.Post(func(context.Context) { m.onClose(peer, gen) })
			},
			OnError: func(err error) {
				m.cfg.Post(func(context.Context) { m.onError(peer, gen, err) })
			},
		},
	})
	if err != nil {
		m.logger.Error().Err(err).Str("peer", peer.String()).Bool("initiator", initiator).Msg("create link failed")
		return nil
	}
	e.handle = handle
	m.links.put(e)
	m.logger.Info().Str("peer", peer.String()).Bool("initiator", initiator).Uint64("gen", gen).Msg("link created")
	return e
}

func (m *Manager) destroy(peer domain.ParticipantID) {
	e, ok := m.links.remove(peer)
	if !ok {
		return
	}
	e.handle.Close()
	if m.cfg.Sink != nil {
		m.cfg.Sink.Detach(peer)
	}
	m.logger.Info().Str("peer", peer.String()).Uint64("gen", e.gen).Msg("link closed")
}

func (m *Manager) onSignal(ctx context.Context, peer domain.ParticipantID, gen uint64, p domain.SignalPayload) {
	e, ok := m.links.current(peer, gen)
	if !ok {
		return
	}
	if p.Type == domain.SignalOffer {
		m.links.setState(e, LinkNegotiating)
	}
	if err := m.cfg.Signaler.Send(ctx, peer, p); err != nil {
		m.logger.Warn().Err(err).Str("peer", peer.String()).Msg("send signal failed")
	}
}

func (m *Manager) onStream(peer domain.ParticipantID, gen uint64, rs core.RemoteStream) {
	e, ok := m.links.current(peer, gen)
	if !ok {
		return
	}
	m.links.setState(e, LinkConnected)
	if m.cfg.Sink != nil {
		m.cfg.Sink.Attach(peer, rs)
	}
	m.logger.Info().Str("peer", peer.String()).Str("stream", rs.ID()).Str("kind", string(rs.Kind())).Msg("remote stream")
}

func (m *Manager) onClose(peer domain.ParticipantID, gen uint64) {
	if _, ok := m.links.current(peer, gen); !ok {
		return
	}
	m.destroy(peer)
}

func (m *Manager) onError(peer domain.ParticipantID, gen uint64, err error) {
	if _, ok := m.links.current(peer, gen); !ok {
		return
	}
	m.logger.Warn().Err(err).Str("peer", peer.String()).Msg("link failed")
	m.destroy(peer)
}

package rtc

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/dkeye/huddle/internal/core"
	"github.com/dkeye/huddle/internal/domain"
	"github.com/pion/rtp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// drain reads one remote track until it ends or is detached.
type drain struct {
	stream  core.RemoteStream
	cancel  context.CancelFunc
	packets atomic.Uint64
	bytes   atomic.Uint64
}

func (d *drain) loop(ctx context.Context, rt *RemoteTrack, logger *zerolog.Logger) {
	for {
		select {
		case <-ctx.Done():
			logger.Debug().Msg("drain detached")
			return
		default:
		}
		pkt, _, err := rt.Track.ReadRTP()
		if err != nil {
			logger.Debug().Err(err).Msg("remote track ended")
			return
		}
		d.account(pkt)
	}
}

func (d *drain) account(pkt *rtp.Packet) {
	d.packets.Add(1)
	d.bytes.Add(uint64(len(pkt.Payload)))
}

type SinkStats struct {
	Streams int
	Packets uint64
	Bytes   uint64
}

// Sink consumes remote media per peer and keeps receive counters.
type Sink struct {
	mu     sync.RWMutex
	drains map[domain.ParticipantID][]*drain
}

var _ core.MediaSink = (*Sink)(nil)

func NewSink() *Sink {
	return &Sink{drains: make(map[domain.ParticipantID][]*drain)}
}

func (s *Sink) Attach(peer domain.ParticipantID, stream core.RemoteStream) {
	logger := log.With().
		Str("module", "sink").
		Str("peer", peer.String()).
		Str("stream", stream.ID()).
		Logger()

	ctx, cancel := context.WithCancel(context.Background())
	d := &drain{stream: stream, cancel: cancel}

	s.mu.Lock()
	s.drains[peer] = append(s.drains[peer], d)
	s.mu.Unlock()

	logger.Info().Str("kind", string(stream.Kind())).Msg("remote media attached")
	if rt, ok := stream.(*RemoteTrack); ok {
		go d.loop(ctx, rt, &logger)
	}
}

// Detach stops reading every stream of peer. The read loop exits once the
// owning connection closes the track.
func (s *Sink) Detach(peer domain.ParticipantID) {
	s.mu.Lock()
	drains, ok := s.drains[peer]
	delete(s.drains, peer)
	s.mu.Unlock()
	if !ok {
		return
	}
	for _, d := range drains {
		d.cancel()
	}
}

func (s *Sink) Peers() []domain.ParticipantID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.ParticipantID, 0, len(s.drains))
	for p := range s.drains {
		out = append(out, p)
	}
	return out
}

func (s *Sink) Stats(peer domain.ParticipantID) (SinkStats, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	drains, ok := s.drains[peer]
	if !ok {
		return SinkStats{}, false
	}
	st := SinkStats{Streams: len(drains)}
	for _, d := range drains {
		st.Packets += d.packets.Load()
		st.Bytes += d.bytes.Load()
	}
	return st, true
}

package rtc

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dkeye/huddle/internal/core"
	"github.com/dkeye/huddle/internal/domain"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/rs/zerolog/log"
)

const frameDuration = 20 * time.Millisecond

// opusSilence is a single 20ms opus frame of silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

type TrackState int32

const (
	TrackStateOk TrackState = iota
	TrackStateMuted
)

// localTrack is one outgoing sample track with an enable switch.
type localTrack struct {
	track *webrtc.TrackLocalStaticSample
	state atomic.Int32
}

func (lt *localTrack) State() TrackState { return TrackState(lt.state.Load()) }
func (lt *localTrack) MarkOk()           { lt.state.Store(int32(TrackStateOk)) }
func (lt *localTrack) MarkMuted()        { lt.state.Store(int32(TrackStateMuted)) }

// Devices produces synthetic capture: an opus silence source and an idle vp8 track.
// Disallowed kinds are refused the way a denied browser prompt would be.
type Devices struct {
	AllowAudio bool
	AllowVideo bool
}

var _ core.MediaDevices = Devices{}

func (d Devices) Acquire(ctx context.Context, c core.Constraints) (core.LocalMediaStream, error) {
	if c.Audio && !d.AllowAudio {
		return nil, fmt.Errorf("%w: audio not permitted", domain.ErrMediaAcquisition)
	}
	if c.Video && !d.AllowVideo {
		return nil, fmt.Errorf("%w: video not permitted", domain.ErrMediaAcquisition)
	}
	s := &LocalStream{
		id:     uuid.NewString(),
		tracks: make(map[core.MediaKind]*localTrack),
	}
	if c.Audio {
		t, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", s.id)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrMediaAcquisition, err)
		}
		s.tracks[core.MediaAudio] = &localTrack{track: t}
	}
	if c.Video {
		t, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", s.id)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrMediaAcquisition, err)
		}
		s.tracks[core.MediaVideo] = &localTrack{track: t}
	}
	pumpCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	if _, ok := s.tracks[core.MediaAudio]; ok {
		go s.pump(pumpCtx)
	}
	return s, nil
}

// LocalStream is the synthetic capture of one call instance.
type LocalStream struct {
	id     string
	mu     sync.RWMutex
	tracks map[core.MediaKind]*localTrack
	extra  map[core.MediaKind]webrtc.TrackLocal
	cancel context.CancelFunc
	once   sync.Once
}

func (s *LocalStream) ID() string { return s.id }

func (s *LocalStream) Tracks() []webrtc.TrackLocal {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]webrtc.TrackLocal, 0, len(s.tracks))
	for _, k := range []core.MediaKind{core.MediaAudio, core.MediaVideo} {
		if t, ok := s.track(k); ok {
			out = append(out, t)
		}
	}
	return out
}

func (s *LocalStream) Track(kind core.MediaKind) (webrtc.TrackLocal, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.track(kind)
}

func (s *LocalStream) track(kind core.MediaKind) (webrtc.TrackLocal, bool) {
	if t, ok := s.extra[kind]; ok {
		return t, true
	}
	lt, ok := s.tracks[kind]
	if !ok {
		return nil, false
	}
	return lt.track, true
}

func (s *LocalStream) SetEnabled(kind core.MediaKind, enabled bool) {
	s.mu.RLock()
	lt, ok := s.tracks[kind]
	s.mu.RUnlock()
	if !ok {
		return
	}
	if enabled {
		lt.MarkOk()
	} else {
		lt.MarkMuted()
	}
}

func (s *LocalStream) Enabled(kind core.MediaKind) bool {
	s.mu.RLock()
	lt, ok := s.tracks[kind]
	s.mu.RUnlock()
	return ok && lt.State() == TrackStateOk
}

// ReplaceTrack installs track for kind. Samples are still written only to
// the synthetic tracks; a replacement carries its own source.
func (s *LocalStream) ReplaceTrack(kind core.MediaKind, track webrtc.TrackLocal) (webrtc.TrackLocal, error) {
	if track == nil {
		return nil, fmt.Errorf("nil %s track", kind)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.track(kind)
	if !ok {
		return nil, fmt.Errorf("no %s track", kind)
	}
	if s.extra == nil {
		s.extra = make(map[core.MediaKind]webrtc.TrackLocal)
	}
	s.extra[kind] = track
	return prev, nil
}

func (s *LocalStream) Stop() {
	s.once.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
	})
}

// pump feeds silence frames while audio is enabled.
func (s *LocalStream) pump(ctx context.Context) {
	logger := log.With().Str("module", "media").Str("stream", s.id).Logger()
	ticker := time.NewTicker(frameDuration)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Debug().Msg("capture stopped")
			return
		case <-ticker.C:
		}
		s.mu.RLock()
		lt := s.tracks[core.MediaAudio]
		s.mu.RUnlock()
		if lt.State() != TrackStateOk {
			continue
		}
		if err := lt.track.WriteSample(media.Sample{Data: opusSilence, Duration: frameDuration}); err != nil {
			logger.Warn().Err(err).Msg("write sample")
		}
	}
}

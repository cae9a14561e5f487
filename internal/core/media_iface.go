package core

import (
	"context"

	"github.com/dkeye/huddle/internal/domain"
	"github.com/pion/webrtc/v4"
)

type MediaKind string

const (
	MediaAudio MediaKind = "audio"
	MediaVideo MediaKind = "video"
)

type Constraints struct {
	Audio bool
	Video bool
}

// MediaDevices acquires local capture. Refusal is reported as domain.ErrMediaAcquisition.
type MediaDevices interface {
	Acquire(ctx context.Context, c Constraints) (LocalMediaStream, error)
}

// LocalMediaStream is owned by one call instance and shared read-only by every peer connection.
type LocalMediaStream interface {
	ID() string
	Tracks() []webrtc.TrackLocal
	Track(kind MediaKind) (webrtc.TrackLocal, bool)
	SetEnabled(kind MediaKind, enabled bool)
	Enabled(kind MediaKind) bool
	// ReplaceTrack swaps the track of kind and returns the previous one.
	ReplaceTrack(kind MediaKind, track webrtc.TrackLocal) (webrtc.TrackLocal, error)
	// Stop should stop all underlying capture resources.
	Stop()
}

// RemoteStream is inbound media owned by a single peer connection.
type RemoteStream interface {
	ID() string
	Kind() MediaKind
}

// MediaSink consumes remote media per peer.
type MediaSink interface {
	Attach(peer domain.ParticipantID, stream RemoteStream)
	Detach(peer domain.ParticipantID)
}

package core

import (
	"github.com/dkeye/huddle/internal/domain"
	"github.com/pion/webrtc/v4"
)

// PeerEvents are invoked from transport goroutines; receivers must not block.
type PeerEvents struct {
	OnSignal func(domain.SignalPayload)
	OnStream func(RemoteStream)
	OnClose  func()
	OnError  func(error)
}

type PeerOptions struct {
	Peer      domain.ParticipantID
	Initiator bool
	Stream    LocalMediaStream
	Events    PeerEvents
}

// PeerHandle is one direct media link. Negotiation is single-shot: candidates
// travel inside the offer and answer.
type PeerHandle interface {
	// Signal applies incoming negotiation data.
	Signal(domain.SignalPayload) error
	ReplaceTrack(kind MediaKind, track webrtc.TrackLocal) error
	Close()
}

type PeerTransport interface {
	Create(opts PeerOptions) (PeerHandle, error)
}

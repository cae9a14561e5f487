package signal

import "github.com/dkeye/huddle/internal/domain"

type Topic string

const (
	TopicSession   Topic = "session"
	TopicEnvelopes Topic = "envelopes"
)

type FrameType string

const (
	FrameSession  FrameType = "session"
	FrameEnvelope FrameType = "envelope"
	// FrameClosed is the last frame of a stream whose call was removed.
	FrameClosed FrameType = "closed"
)

// Frame is one websocket message of a subscription stream.
type Frame struct {
	Type     FrameType           `json:"type"`
	Session  *domain.CallSession `json:"session,omitempty"`
	Envelope *domain.Envelope    `json:"envelope,omitempty"`
}

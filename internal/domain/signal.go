package domain

import (
	"time"

	"github.com/google/uuid"
)

type SignalType string

const (
	SignalOffer     SignalType = "offer"
	SignalAnswer    SignalType = "answer"
	SignalCandidate SignalType = "candidate"
)

// Candidate mirrors an ICE candidate init without depending on a transport library.
type Candidate struct {
	Candidate     string  `json:"candidate" msgpack:"candidate"`
	SDPMid        *string `json:"sdpMid,omitempty" msgpack:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty" msgpack:"sdpMLineIndex,omitempty"`
}

// SignalPayload is opaque negotiation data: an offer, an answer or a candidate.
type SignalPayload struct {
	Type      SignalType `json:"type" msgpack:"type"`
	SDP       string     `json:"sdp,omitempty" msgpack:"sdp,omitempty"`
	Candidate *Candidate `json:"candidate,omitempty" msgpack:"candidate,omitempty"`
}

type EnvelopeID string

// Envelope carries one payload from Sender to Recipient. Consumed once, then deleted.
type Envelope struct {
	ID        EnvelopeID    `json:"id"`
	CallID    CallID        `json:"callId"`
	Recipient ParticipantID `json:"recipientId"`
	Sender    ParticipantID `json:"senderId"`
	Payload   SignalPayload `json:"payload"`
	CreatedAt time.Time     `json:"createdAt"`
}

func NewEnvelope(call CallID, from, to ParticipantID, payload SignalPayload, now time.Time) Envelope {
	return Envelope{
		ID:        EnvelopeID(uuid.NewString()),
		CallID:    call,
		Recipient: to,
		Sender:    from,
		Payload:   payload,
		CreatedAt: now.UTC(),
	}
}

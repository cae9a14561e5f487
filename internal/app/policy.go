package app

import "github.com/dkeye/huddle/internal/domain"

// InitiatorPolicy decides which side of a pair creates the offer.
type InitiatorPolicy interface {
	Initiates(self, peer domain.ParticipantID) bool
}

// TieBreakLowerID lets the lexicographically lower id initiate, so a pair
// never produces two offers.
type TieBreakLowerID struct{}

func (TieBreakLowerID) Initiates(self, peer domain.ParticipantID) bool {
	return self < peer
}

// InitiateAlways makes both sides offer. The receiving side resolves the
// glare by keeping the last offer it received.
type InitiateAlways struct{}

func (InitiateAlways) Initiates(_, _ domain.ParticipantID) bool { return true }

// PolicyByName maps a config value to a policy. Unknown names get TieBreakLowerID.
func PolicyByName(name string) InitiatorPolicy {
	switch name {
	case "always":
		return InitiateAlways{}
	default:
		return TieBreakLowerID{}
	}
}

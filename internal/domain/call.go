package domain

import (
	"maps"
	"slices"
	"time"

	"github.com/google/uuid"
)

type CallID string

func (id CallID) String() string { return string(id) }

func NewCallID() CallID { return CallID(uuid.NewString()) }

// CallSession is the persisted record describing one call's membership and state.
// Active, Waiting and Mute are three independent key-value tables.
type CallSession struct {
	ID                CallID                         `json:"id"`
	OwnerID           ParticipantID                  `json:"ownerId"`
	OwnerName         string                         `json:"ownerName"`
	OwnerEmail        string                         `json:"ownerEmail"`
	Description       string                         `json:"description"`
	AllowedIdentities []string                       `json:"allowedIdentities"`
	CreatedAt         time.Time                      `json:"createdAt"`
	Active            map[ParticipantID]Participant  `json:"activeParticipants"`
	Waiting           map[ParticipantID]WaitingEntry `json:"waitingRoom"`
	Mute              map[ParticipantID]bool         `json:"muteStatus"`
}

// NewCallSession builds a session owned by owner. The owner email is always allowed.
func NewCallSession(owner Identity, description string, allowed []string, now time.Time) *CallSession {
	set := make([]string, 0, len(allowed)+1)
	for _, e := range append([]string{owner.Email}, allowed...) {
		e = NormalizeEmail(e)
		if e == "" || slices.Contains(set, e) {
			continue
		}
		set = append(set, e)
	}
	slices.Sort(set)
	return &CallSession{
		ID:                NewCallID(),
		OwnerID:           owner.ID,
		OwnerName:         owner.DisplayName,
		OwnerEmail:        NormalizeEmail(owner.Email),
		Description:       description,
		AllowedIdentities: set,
		CreatedAt:         now.UTC(),
		Active:            make(map[ParticipantID]Participant),
		Waiting:           make(map[ParticipantID]WaitingEntry),
		Mute:              make(map[ParticipantID]bool),
	}
}

func (s *CallSession) IsOwner(id ParticipantID) bool { return s.OwnerID == id }

// IsAllowed reports whether who may ever be admitted to this call.
func (s *CallSession) IsAllowed(who Identity) bool {
	if s.IsOwner(who.ID) {
		return true
	}
	email := NormalizeEmail(who.Email)
	if email == "" {
		return false
	}
	return slices.Contains(s.AllowedIdentities, email)
}

func (s *CallSession) IsActive(id ParticipantID) bool {
	_, ok := s.Active[id]
	return ok
}

func (s *CallSession) IsWaiting(id ParticipantID) bool {
	_, ok := s.Waiting[id]
	return ok
}

func (s *CallSession) IsMuted(id ParticipantID) bool { return s.Mute[id] }

// Clone returns a deep copy safe to hand to subscribers.
func (s *CallSession) Clone() *CallSession {
	if s == nil {
		return nil
	}
	out := *s
	out.AllowedIdentities = slices.Clone(s.AllowedIdentities)
	out.Active = maps.Clone(s.Active)
	out.Waiting = maps.Clone(s.Waiting)
	out.Mute = maps.Clone(s.Mute)
	if out.Active == nil {
		out.Active = make(map[ParticipantID]Participant)
	}
	if out.Waiting == nil {
		out.Waiting = make(map[ParticipantID]WaitingEntry)
	}
	if out.Mute == nil {
		out.Mute = make(map[ParticipantID]bool)
	}
	return &out
}

// Quota is the per-owner daily call creation counter.
type Quota struct {
	OwnerID ParticipantID `json:"ownerId"`
	Day     string        `json:"day"`
	Count   int           `json:"count"`
}

// QuotaDay is the calendar day a creation at t counts against.
func QuotaDay(t time.Time) string { return t.UTC().Format(time.DateOnly) }

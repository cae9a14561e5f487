package domain

import "time"

// Participant is an entry of the active participants table.
type Participant struct {
	DisplayName string    `json:"displayName"`
	LastSeenAt  time.Time `json:"lastSeenAt"`
}

// WaitingEntry is an entry of the waiting room table.
type WaitingEntry struct {
	DisplayName string `json:"displayName"`
}

// NewParticipant avoids raw literals in adapters and keeps construction obvious.
func NewParticipant(displayName string, seen time.Time) Participant {
	return Participant{DisplayName: displayName, LastSeenAt: seen.UTC()}
}

// IsLive reports whether the entry was refreshed within window of now.
func (p Participant) IsLive(now time.Time, window time.Duration) bool {
	return now.Sub(p.LastSeenAt) <= window
}

package pairing

import (
	"time"
)

const (
	// ActiveTTL is how long a pairing lives once a session settled over it.
	ActiveTTL = 30 * 24 * time.Hour
	// InactiveTTL bounds a freshly created pairing that nobody paired with.
	InactiveTTL = 5 * time.Minute
)

// Redirect describes how to reach the peer app outside the relay.
type Redirect struct {
	Native    string `json:"native,omitempty"`
	Universal string `json:"universal,omitempty"`
	LinkMode  bool   `json:"linkMode,omitempty"`
}

// Metadata identifies an application to its peer.
type Metadata struct {
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	URL         string    `json:"url,omitempty"`
	Icons       []string  `json:"icons,omitempty"`
	Redirect    *Redirect `json:"redirect,omitempty"`
}

// Pairing is one bootstrap channel. Active flips true the first time a
// session settles over it, which also extends the expiry to ActiveTTL.
type Pairing struct {
	Topic        string       `json:"topic"`
	Relay        RelayOptions `json:"relay"`
	Expiry       time.Time    `json:"expiry"`
	Active       bool         `json:"active"`
	Methods      []string     `json:"methods,omitempty"`
	PeerMetadata *Metadata    `json:"peerMetadata,omitempty"`
}

func (p Pairing) Expired(now time.Time) bool {
	return !p.Expiry.IsZero() && now.After(p.Expiry)
}

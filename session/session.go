// Package session implements the session lifecycle on top of the pairing
// bootstrap channel: proposal, settlement, namespace updates, expiry
// extension, requests, events, and teardown, dispatched over the relay or a
// link-mode deep link.
package session

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/quailyquaily/pairlink/namespaces"
	"github.com/quailyquaily/pairlink/pairing"
)

const (
	// MaxTTL caps how far ahead a session expiry may ever sit.
	MaxTTL = 7 * 24 * time.Hour
	// ProposalTTL bounds how long a proposal waits for approval.
	ProposalTTL = 5 * time.Minute
	// RequestTTL is the default lifetime of a session request.
	RequestTTL = 5 * time.Minute
)

// Stable wire reason codes.
const (
	ReasonUnauthorizedMethod    = 3001
	ReasonUnauthorizedEvent     = 3002
	ReasonUserRejected          = 5000
	ReasonUserDisconnected      = 6000
	ReasonSettlementFailed      = 7000
	ReasonSessionRequestExpired = 8000
)

var (
	ErrSessionNotFound    = errors.New("session: session not found")
	ErrProposalNotFound   = errors.New("session: proposal not found")
	ErrRequestNotFound    = errors.New("session: pending request not found")
	ErrNotController      = errors.New("session: operation requires the controller")
	ErrInvalidPermissions = errors.New("session: method not permitted by session namespaces")
	ErrInvalidEvent       = errors.New("session: event not permitted by session namespaces")
	ErrSessionExpired     = errors.New("session: session expired")
	ErrSettlementFailed   = errors.New("session: settlement rejected by peer")
)

// TransportType selects how frames for a session leave the process.
type TransportType string

const (
	TransportRelay    TransportType = "relay"
	TransportLinkMode TransportType = "link_mode"
)

// Participant is one side of a session.
type Participant struct {
	PublicKey string           `json:"publicKey"`
	Metadata  pairing.Metadata `json:"metadata"`
}

// Session is one settled (or settling) channel between two participants.
// Acknowledged is written true exactly once, when the proposer confirms the
// settlement; it never reverts.
type Session struct {
	Topic              string                         `json:"topic"`
	PairingTopic       string                         `json:"pairingTopic"`
	Relay              pairing.RelayOptions           `json:"relay"`
	Self               Participant                    `json:"self"`
	Peer               Participant                    `json:"peer"`
	Controller         bool                           `json:"controller"`
	Namespaces         map[string]namespaces.Session  `json:"namespaces"`
	RequiredNamespaces map[string]namespaces.Proposal `json:"requiredNamespaces,omitempty"`
	OptionalNamespaces map[string]namespaces.Proposal `json:"optionalNamespaces,omitempty"`
	Expiry             time.Time                      `json:"expiry"`
	Acknowledged       bool                           `json:"acknowledged"`
	Transport          TransportType                  `json:"transportType"`
}

func (s Session) Expired(now time.Time) bool {
	return !s.Expiry.IsZero() && now.After(s.Expiry)
}

// PeerSupportsLinkMode reports whether the peer advertised a link-mode
// capable universal link.
func (s Session) PeerSupportsLinkMode() bool {
	r := s.Peer.Metadata.Redirect
	return r != nil && r.LinkMode && r.Universal != ""
}

// Proposal is a stored wc_sessionPropose, on either side. The proposer keeps
// it to correlate the approval response; the responder keeps it until the
// user approves or rejects.
type Proposal struct {
	ID                 int64                          `json:"id"`
	PairingTopic       string                         `json:"pairingTopic"`
	Proposer           Participant                    `json:"proposer"`
	RequiredNamespaces map[string]namespaces.Proposal `json:"requiredNamespaces"`
	OptionalNamespaces map[string]namespaces.Proposal `json:"optionalNamespaces,omitempty"`
	Relays             []pairing.RelayOptions         `json:"relays"`
	Expiry             time.Time                      `json:"expiry"`

	// SessionTopic is set on the proposer once the approval response arrives
	// and the session topic is derived; it correlates the settle frame.
	SessionTopic string `json:"sessionTopic,omitempty"`
}

func (p Proposal) Expired(now time.Time) bool {
	return !p.Expiry.IsZero() && now.After(p.Expiry)
}

// PendingRequest is an inbound wc_sessionRequest awaiting a local response.
type PendingRequest struct {
	ID      int64           `json:"id"`
	Topic   string          `json:"topic"`
	ChainID string          `json:"chainId"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
	Expiry  time.Time       `json:"expiry"`
}

func (r PendingRequest) Expired(now time.Time) bool {
	return !r.Expiry.IsZero() && now.After(r.Expiry)
}

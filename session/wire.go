package session

import (
	"encoding/json"
	"time"

	"github.com/quailyquaily/pairlink/namespaces"
	"github.com/quailyquaily/pairlink/pairing"
)

// Session protocol wire methods. Proposals and their responses ride the
// pairing topic; everything else rides the session topic.
const (
	methodPropose = "wc_sessionPropose"
	methodSettle  = "wc_sessionSettle"
	methodUpdate  = "wc_sessionUpdate"
	methodExtend  = "wc_sessionExtend"
	methodRequest = "wc_sessionRequest"
	methodEvent   = "wc_sessionEvent"
	methodDelete  = "wc_sessionDelete"
	methodPing    = "wc_sessionPing"
)

// Relay publish tags, one per frame kind, response = request + 1.
const (
	tagPropose         = 1100
	tagProposeResponse = 1101
	tagSettle          = 1102
	tagSettleResponse  = 1103
	tagUpdate          = 1104
	tagUpdateResponse  = 1105
	tagExtend          = 1106
	tagExtendResponse  = 1107
	tagRequest         = 1108
	tagRequestResponse = 1109
	tagEvent           = 1110
	tagEventResponse   = 1111
	tagDelete          = 1112
	tagDeleteResponse  = 1113
	tagPing            = 1114
	tagPingResponse    = 1115
)

type proposeParams struct {
	Relays             []pairing.RelayOptions         `json:"relays"`
	Proposer           Participant                    `json:"proposer"`
	RequiredNamespaces map[string]namespaces.Proposal `json:"requiredNamespaces"`
	OptionalNamespaces map[string]namespaces.Proposal `json:"optionalNamespaces,omitempty"`
	ExpiryTimestamp    int64                          `json:"expiryTimestamp"`
}

// proposeResult is the approval response on the pairing topic; it carries the
// responder's agreement key so the proposer can derive the session topic.
type proposeResult struct {
	Relay              pairing.RelayOptions `json:"relay"`
	ResponderPublicKey string               `json:"responderPublicKey"`
}

type settleParams struct {
	Relay           pairing.RelayOptions          `json:"relay"`
	Controller      Participant                   `json:"controller"`
	Namespaces      map[string]namespaces.Session `json:"namespaces"`
	ExpiryTimestamp int64                         `json:"expiryTimestamp"`
}

type updateParams struct {
	Namespaces map[string]namespaces.Session `json:"namespaces"`
}

type extendParams struct {
	ExpiryTimestamp int64 `json:"expiryTimestamp"`
}

type requestParams struct {
	ChainID string      `json:"chainId"`
	Request requestBody `json:"request"`
}

type requestBody struct {
	Method          string          `json:"method"`
	Params          json.RawMessage `json:"params"`
	ExpiryTimestamp int64           `json:"expiryTimestamp,omitempty"`
}

type eventParams struct {
	ChainID string    `json:"chainId"`
	Event   eventBody `json:"event"`
}

type eventBody struct {
	Name string          `json:"name"`
	Data json.RawMessage `json:"data"`
}

type deleteParams struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func unixExpiry(ts int64) time.Time {
	if ts <= 0 {
		return time.Time{}
	}
	return time.Unix(ts, 0).UTC()
}

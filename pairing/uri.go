// Package pairing implements the out-of-band bootstrap channel: the wc: URI
// codec and the engine tracking pairing activation and expiry.
package pairing

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/quailyquaily/pairlink/keys"
)

const URIVersion = "2"

var ErrInvalidURI = fmt.Errorf("pairing: invalid uri")

// RelayOptions is the relay hint carried inside a pairing URI.
type RelayOptions struct {
	Protocol string `json:"protocol"`
	Data     string `json:"data,omitempty"`
}

// URI is the out-of-band pairing bootstrap token:
//
//	wc:<topic>@<version>?symKey=<hex>&relay-protocol=<name>[&relay-data=<d>][&methods=<m1>,<m2>]
type URI struct {
	Topic   string
	Version string
	SymKey  keys.SymKey
	Relay   RelayOptions
	Methods []string
}

func ParseURI(raw string) (URI, error) {
	raw = strings.TrimSpace(raw)
	if !strings.HasPrefix(raw, "wc:") {
		return URI{}, fmt.Errorf("%w: missing wc: scheme", ErrInvalidURI)
	}
	rest := strings.TrimPrefix(raw, "wc:")

	head, query, found := strings.Cut(rest, "?")
	if !found {
		return URI{}, fmt.Errorf("%w: missing query", ErrInvalidURI)
	}
	topic, version, found := strings.Cut(head, "@")
	if !found || strings.TrimSpace(topic) == "" || strings.TrimSpace(version) == "" {
		return URI{}, fmt.Errorf("%w: malformed topic@version", ErrInvalidURI)
	}

	values, err := url.ParseQuery(query)
	if err != nil {
		return URI{}, fmt.Errorf("%w: %v", ErrInvalidURI, err)
	}
	symKeyHex := values.Get("symKey")
	if symKeyHex == "" {
		return URI{}, fmt.Errorf("%w: symKey is required", ErrInvalidURI)
	}
	sym, err := keys.ParseSymKey(symKeyHex)
	if err != nil {
		return URI{}, fmt.Errorf("%w: %v", ErrInvalidURI, err)
	}
	protocol := values.Get("relay-protocol")
	if protocol == "" {
		return URI{}, fmt.Errorf("%w: relay-protocol is required", ErrInvalidURI)
	}

	out := URI{
		Topic:   topic,
		Version: version,
		SymKey:  sym,
		Relay:   RelayOptions{Protocol: protocol, Data: values.Get("relay-data")},
	}
	if methods := values.Get("methods"); methods != "" {
		for _, method := range strings.Split(methods, ",") {
			method = strings.TrimSpace(method)
			if method == "" {
				return URI{}, fmt.Errorf("%w: empty method entry", ErrInvalidURI)
			}
			out.Methods = append(out.Methods, method)
		}
	}
	return out, nil
}

// String renders the canonical form; ParseURI(u.String()) always yields u.
func (u URI) String() string {
	var b strings.Builder
	b.WriteString("wc:")
	b.WriteString(u.Topic)
	b.WriteString("@")
	b.WriteString(u.Version)
	b.WriteString("?symKey=")
	b.WriteString(u.SymKey.Hex())
	b.WriteString("&relay-protocol=")
	b.WriteString(url.QueryEscape(u.Relay.Protocol))
	if u.Relay.Data != "" {
		b.WriteString("&relay-data=")
		b.WriteString(url.QueryEscape(u.Relay.Data))
	}
	if len(u.Methods) > 0 {
		b.WriteString("&methods=")
		b.WriteString(url.QueryEscape(strings.Join(u.Methods, ",")))
	}
	return b.String()
}

package session

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/quailyquaily/pairlink/relay"
)

// LinkOpener hands a deep link to the platform. Implementations typically
// shell out to the OS or enqueue the URL for a host app.
type LinkOpener interface {
	OpenURL(ctx context.Context, rawURL string) error
}

const linkEnvelopeParam = "wc_ev"

var ErrLinkModeUnavailable = fmt.Errorf("session: link mode unavailable")

// dispatch sends a sealed frame through the session's transport. Sessions
// default to the relay; link-mode sessions ride the peer's universal link,
// where delivery is optimistic because there is no acknowledgement channel.
func (e *Engine) dispatch(ctx context.Context, s *Session, topic string, sealed string, opts relay.PublishOptions) error {
	if s != nil && s.Transport == TransportLinkMode {
		if e.opts.LinkOpener == nil || !s.PeerSupportsLinkMode() {
			return fmt.Errorf("%w: topic %s", ErrLinkModeUnavailable, topic)
		}
		return e.opts.LinkOpener.OpenURL(ctx, buildLinkURL(s.Peer.Metadata.Redirect.Universal, topic, sealed))
	}
	return e.opts.Relay.Publish(ctx, topic, sealed, opts)
}

// UpgradeTransport moves a session from the relay to link mode. There is no
// downgrade path; once both sides have exchanged a link-capable frame the
// relay is out of the loop for that session.
func (e *Engine) UpgradeTransport(ctx context.Context, topic string) error {
	s, err := e.liveSession(ctx, topic)
	if err != nil {
		return err
	}
	if s.Transport == TransportLinkMode {
		return nil
	}
	if e.opts.LinkOpener == nil || !s.PeerSupportsLinkMode() {
		return fmt.Errorf("%w: topic %s", ErrLinkModeUnavailable, topic)
	}
	s.Transport = TransportLinkMode
	return e.sessions.Set(ctx, topic, s)
}

// HandleLinkMessage ingests a deep link delivered by the platform. The
// sealed payload goes through the same decrypt/dedup/route path as a relay
// push, and a relay session receiving its first link frame upgrades.
func (e *Engine) HandleLinkMessage(ctx context.Context, rawURL string) (string, error) {
	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", fmt.Errorf("session: malformed link url: %w", err)
	}
	values := parsed.Query()
	sealed := values.Get(linkEnvelopeParam)
	topic := values.Get("topic")
	if sealed == "" || topic == "" {
		return "", fmt.Errorf("session: link url missing %s or topic", linkEnvelopeParam)
	}

	e.handleSealedMessage(ctx, topic, sealed)

	if s, ok, err := e.sessions.Get(ctx, topic); err == nil && ok && s.Transport == TransportRelay && s.PeerSupportsLinkMode() {
		s.Transport = TransportLinkMode
		if err := e.sessions.Set(ctx, topic, s); err != nil {
			e.opts.Logger.Warn("transport upgrade failed", "topic", topic, "err", err)
		}
	}
	return topic, nil
}

func buildLinkURL(universal string, topic string, sealed string) string {
	separator := "?"
	if strings.Contains(universal, "?") {
		separator = "&"
	}
	return universal + separator + linkEnvelopeParam + "=" + url.QueryEscape(sealed) + "&topic=" + url.QueryEscape(topic)
}

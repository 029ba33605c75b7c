package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"

	"github.com/quailyquaily/pairlink/internal/kvstore"
	"github.com/quailyquaily/pairlink/keys"
	"github.com/quailyquaily/pairlink/pairing"
	"github.com/quailyquaily/pairlink/relay"
	"github.com/quailyquaily/pairlink/rpc"
	"github.com/quailyquaily/pairlink/session"
)

// stack wires the full engine pipeline for the CLI commands.
type stack struct {
	Relay    *relay.Client
	Keys     *keys.Store
	History  *rpc.History
	Pairings *pairing.Engine
	Sessions *session.Engine
	Logger   *slog.Logger
}

func stackFromViper(logger *slog.Logger) (*stack, error) {
	backend, err := storeFromViper()
	if err != nil {
		return nil, err
	}
	keyStore, err := keys.NewStore(backend)
	if err != nil {
		return nil, err
	}
	history, err := rpc.NewHistory(backend)
	if err != nil {
		return nil, err
	}

	relayURL, err := relayURLFromViper()
	if err != nil {
		return nil, err
	}
	client, err := relay.NewClient(relay.Options{
		URL:     relayURL,
		Tracker: backend,
		History: history,
		Logger:  logger,
	})
	if err != nil {
		return nil, err
	}

	pairings, err := pairing.NewEngine(pairing.Options{
		Relay:   client,
		Keys:    keyStore,
		Store:   backend,
		History: history,
		Logger:  logger,
	})
	if err != nil {
		return nil, err
	}
	sessions, err := session.NewEngine(session.Options{
		Relay:    client,
		Keys:     keyStore,
		Store:    backend,
		History:  history,
		Pairings: pairings,
		Metadata: pairing.Metadata{
			Name: viper.GetString("metadata.name"),
			URL:  viper.GetString("metadata.url"),
		},
		Logger: logger,
	})
	if err != nil {
		return nil, err
	}

	return &stack{
		Relay:    client,
		Keys:     keyStore,
		History:  history,
		Pairings: pairings,
		Sessions: sessions,
		Logger:   logger,
	}, nil
}

func (s *stack) Close() {
	_ = s.Relay.Close()
}

func storeFromViper() (kvstore.Store, error) {
	if redisURL := strings.TrimSpace(viper.GetString("store.redis_url")); redisURL != "" {
		opts, err := redis.ParseURL(redisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		return kvstore.NewRedisStore(redis.NewClient(opts), viper.GetString("store.redis_prefix"))
	}

	dir := strings.TrimSpace(viper.GetString("store.dir"))
	if dir == "" {
		dir = "~/.pairlink"
	}
	if strings.HasPrefix(dir, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, err
		}
		dir = filepath.Join(home, strings.TrimPrefix(dir, "~"))
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	return kvstore.NewFileStore(dir)
}

// relayURLFromViper appends a per-process client id so relay-side logs can
// tell instances apart.
func relayURLFromViper() (string, error) {
	raw := strings.TrimSpace(viper.GetString("relay.url"))
	if raw == "" {
		return "", fmt.Errorf("relay.url is required")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse relay.url: %w", err)
	}
	values := parsed.Query()
	if values.Get("clientId") == "" {
		values.Set("clientId", uuid.NewString())
		parsed.RawQuery = values.Encode()
	}
	return parsed.String(), nil
}

// watchEvents logs every protocol event the engines surface.
func watchEvents(s *stack) {
	events := s.Sessions.Events()
	events.OnProposal(func(p session.Proposal) {
		s.Logger.Info("proposal received", "id", p.ID, "pairing_topic", p.PairingTopic, "proposer", p.Proposer.Metadata.Name)
	})
	events.OnProposalExpired(func(id int64) {
		s.Logger.Info("proposal expired", "id", id)
	})
	events.OnSessionSettled(func(sess session.Session) {
		s.Logger.Info("session settled", "topic", sess.Topic, "peer", sess.Peer.Metadata.Name)
	})
	events.OnSessionDeleted(func(topic string, code int, message string) {
		s.Logger.Info("session deleted", "topic", topic, "code", code, "message", message)
	})
	events.OnSessionExpired(func(topic string) {
		s.Logger.Info("session expired", "topic", topic)
	})
	events.OnRequest(func(r session.PendingRequest) {
		s.Logger.Info("session request", "id", r.ID, "topic", r.Topic, "method", r.Method, "chain", r.ChainID)
	})
	events.OnRequestExpired(func(r session.PendingRequest) {
		s.Logger.Info("session request expired", "id", r.ID, "topic", r.Topic)
	})
	events.OnEvent(func(topic string, chainID string, name string, data json.RawMessage) {
		s.Logger.Info("session event", "topic", topic, "chain", chainID, "name", name)
	})
	s.Pairings.OnDeleted(func(topic string) {
		s.Logger.Info("pairing deleted by peer", "topic", topic)
	})
	s.Pairings.OnExpired(func(topic string) {
		s.Logger.Info("pairing expired", "topic", topic)
	})
}

func runUntilInterrupt(ctx context.Context, s *stack) error {
	if err := s.Relay.Connect(ctx); err != nil {
		return err
	}
	watchEvents(s)
	s.Sessions.Run(ctx)
	return nil
}

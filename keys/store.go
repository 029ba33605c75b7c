package keys

import (
	"context"
	"fmt"
	"strings"

	"github.com/quailyquaily/pairlink/internal/kvstore"
)

const (
	symKeyPrefix    = "symkey/"
	agreementPrefix = "agreement/"
)

// Store persists per-topic symmetric keys and per-public-key agreement
// keypairs. Engines must call DeleteAll on pairing/session teardown so no
// orphaned key material survives the channel it protected.
type Store struct {
	backend kvstore.Store
}

func NewStore(backend kvstore.Store) (*Store, error) {
	if backend == nil {
		return nil, fmt.Errorf("keys: nil backend")
	}
	return &Store{backend: backend}, nil
}

func (s *Store) SetSymKey(ctx context.Context, topic string, sym SymKey) error {
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return fmt.Errorf("keys: topic is required")
	}
	return s.backend.Set(ctx, symKeyPrefix+topic, []byte(sym.Hex()))
}

func (s *Store) SymKey(ctx context.Context, topic string) (SymKey, bool, error) {
	raw, ok, err := s.backend.Get(ctx, symKeyPrefix+strings.TrimSpace(topic))
	if err != nil || !ok {
		return SymKey{}, false, err
	}
	sym, err := ParseSymKey(string(raw))
	if err != nil {
		return SymKey{}, false, err
	}
	return sym, true, nil
}

func (s *Store) SetAgreementKeypair(ctx context.Context, pair AgreementKeypair) error {
	return s.backend.Set(ctx, agreementPrefix+pair.Public.Hex(), []byte(pair.Private.Hex()))
}

func (s *Store) AgreementKeypair(ctx context.Context, pub PublicKey) (AgreementKeypair, bool, error) {
	raw, ok, err := s.backend.Get(ctx, agreementPrefix+pub.Hex())
	if err != nil || !ok {
		return AgreementKeypair{}, false, err
	}
	priv, err := ParsePrivateKey(string(raw))
	if err != nil {
		return AgreementKeypair{}, false, err
	}
	return AgreementKeypair{Public: pub, Private: priv}, true, nil
}

func (s *Store) DeleteAgreementKeypair(ctx context.Context, pub PublicKey) error {
	return s.backend.Delete(ctx, agreementPrefix+pub.Hex())
}

// DeleteAll removes the symmetric key for a topic.
func (s *Store) DeleteAll(ctx context.Context, topic string) error {
	return s.backend.Delete(ctx, symKeyPrefix+strings.TrimSpace(topic))
}

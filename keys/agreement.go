// Package keys implements the X25519 key agreement, symmetric key and topic
// derivation, and encrypted envelope codec shared by the pairing and session
// engines.
package keys

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

const KeyBytes = 32

type (
	PublicKey  [KeyBytes]byte
	PrivateKey [KeyBytes]byte
	SymKey     [KeyBytes]byte
)

// AgreementKeypair is an ephemeral X25519 key pair used once per proposal.
type AgreementKeypair struct {
	Public  PublicKey
	Private PrivateKey
}

// GenerateAgreementKeypair returns a fresh Curve25519 key pair. The private
// key is clamped per RFC 7748.
func GenerateAgreementKeypair() (AgreementKeypair, error) {
	var priv PrivateKey
	if _, err := rand.Read(priv[:]); err != nil {
		return AgreementKeypair{}, fmt.Errorf("keys: read random: %w", err)
	}
	priv[0] &= 248
	priv[31] &= 127
	priv[31] |= 64

	pubRaw, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return AgreementKeypair{}, fmt.Errorf("keys: derive public key: %w", err)
	}
	var pub PublicKey
	copy(pub[:], pubRaw)
	return AgreementKeypair{Public: pub, Private: priv}, nil
}

// SharedKey performs X25519 and expands the raw secret into the session
// symmetric key via HKDF-SHA256. The returned topic is the hex SHA-256 of
// the raw shared secret, so both peers derive the same session topic.
func SharedKey(priv PrivateKey, peerPub PublicKey) (SymKey, string, error) {
	secret, err := curve25519.X25519(priv[:], peerPub[:])
	if err != nil {
		return SymKey{}, "", fmt.Errorf("keys: x25519: %w", err)
	}

	topicSum := sha256.Sum256(secret)
	topic := hex.EncodeToString(topicSum[:])

	var sym SymKey
	reader := hkdf.New(sha256.New, secret, nil, nil)
	if _, err := io.ReadFull(reader, sym[:]); err != nil {
		return SymKey{}, "", fmt.Errorf("keys: hkdf expand: %w", err)
	}
	return sym, topic, nil
}

// GenerateSymKey returns a random symmetric key, used to seed pairings.
func GenerateSymKey() (SymKey, error) {
	var sym SymKey
	if _, err := rand.Read(sym[:]); err != nil {
		return SymKey{}, fmt.Errorf("keys: read random: %w", err)
	}
	return sym, nil
}

// TopicFromKey derives the relay topic addressed by a symmetric key.
func TopicFromKey(sym SymKey) string {
	sum := sha256.Sum256(sym[:])
	return hex.EncodeToString(sum[:])
}

func (k PublicKey) Hex() string  { return hex.EncodeToString(k[:]) }
func (k PrivateKey) Hex() string { return hex.EncodeToString(k[:]) }
func (k SymKey) Hex() string     { return hex.EncodeToString(k[:]) }

func ParsePublicKey(raw string) (PublicKey, error) {
	var out PublicKey
	if err := decodeHexKey(raw, out[:]); err != nil {
		return PublicKey{}, fmt.Errorf("keys: public key: %w", err)
	}
	return out, nil
}

func ParsePrivateKey(raw string) (PrivateKey, error) {
	var out PrivateKey
	if err := decodeHexKey(raw, out[:]); err != nil {
		return PrivateKey{}, fmt.Errorf("keys: private key: %w", err)
	}
	return out, nil
}

func ParseSymKey(raw string) (SymKey, error) {
	var out SymKey
	if err := decodeHexKey(raw, out[:]); err != nil {
		return SymKey{}, fmt.Errorf("keys: sym key: %w", err)
	}
	return out, nil
}

func decodeHexKey(raw string, dst []byte) error {
	decoded, err := hex.DecodeString(raw)
	if err != nil {
		return fmt.Errorf("hex decode failed: %w", err)
	}
	if len(decoded) != len(dst) {
		return fmt.Errorf("expected %d bytes, got %d", len(dst), len(decoded))
	}
	copy(dst, decoded)
	return nil
}

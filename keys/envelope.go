package keys

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// Envelope types. Type 0 carries ciphertext only; type 1 additionally
// carries the sender's agreement public key so the receiver can derive the
// shared key before opening.
const (
	EnvelopeType0 = byte(0)
	EnvelopeType1 = byte(1)
)

var ErrEnvelopeMalformed = fmt.Errorf("keys: malformed envelope")

// Seal encrypts plaintext under sym and returns the base64 wire form of a
// type 0 envelope.
func Seal(sym SymKey, plaintext []byte) (string, error) {
	sealed, err := seal(sym, plaintext, nil)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// SealWithSender builds a type 1 envelope embedding the sender public key.
func SealWithSender(sym SymKey, senderPub PublicKey, plaintext []byte) (string, error) {
	sealed, err := seal(sym, plaintext, senderPub[:])
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(sealed), nil
}

func seal(sym SymKey, plaintext []byte, senderPub []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(sym[:])
	if err != nil {
		return nil, fmt.Errorf("keys: init aead: %w", err)
	}
	nonce := make([]byte, chacha20poly1305.NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("keys: read nonce: %w", err)
	}

	header := []byte{EnvelopeType0}
	if senderPub != nil {
		header = append([]byte{EnvelopeType1}, senderPub...)
	}
	out := make([]byte, 0, len(header)+len(nonce)+len(plaintext)+aead.Overhead())
	out = append(out, header...)
	out = append(out, nonce...)
	out = append(out, aead.Seal(nil, nonce, plaintext, nil)...)
	return out, nil
}

// Open decrypts a sealed envelope. For type 1 envelopes the embedded sender
// public key is returned alongside the plaintext.
func Open(sym SymKey, sealed string) ([]byte, *PublicKey, error) {
	raw, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: base64 decode: %v", ErrEnvelopeMalformed, err)
	}
	if len(raw) < 1 {
		return nil, nil, fmt.Errorf("%w: empty", ErrEnvelopeMalformed)
	}

	var senderPub *PublicKey
	body := raw[1:]
	switch raw[0] {
	case EnvelopeType0:
	case EnvelopeType1:
		if len(body) < KeyBytes {
			return nil, nil, fmt.Errorf("%w: truncated sender key", ErrEnvelopeMalformed)
		}
		var pub PublicKey
		copy(pub[:], body[:KeyBytes])
		senderPub = &pub
		body = body[KeyBytes:]
	default:
		return nil, nil, fmt.Errorf("%w: unknown envelope type %d", ErrEnvelopeMalformed, raw[0])
	}

	if len(body) < chacha20poly1305.NonceSize {
		return nil, nil, fmt.Errorf("%w: truncated nonce", ErrEnvelopeMalformed)
	}
	nonce := body[:chacha20poly1305.NonceSize]
	ciphertext := body[chacha20poly1305.NonceSize:]

	aead, err := chacha20poly1305.New(sym[:])
	if err != nil {
		return nil, nil, fmt.Errorf("keys: init aead: %w", err)
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: decrypt failed", ErrEnvelopeMalformed)
	}
	return plaintext, senderPub, nil
}

// SenderPublicKey peeks at a sealed envelope without decrypting, returning
// the embedded sender key of a type 1 envelope. Used by the responder to
// derive the shared key for an incoming session settlement.
func SenderPublicKey(sealed string) (*PublicKey, error) {
	raw, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return nil, fmt.Errorf("%w: base64 decode: %v", ErrEnvelopeMalformed, err)
	}
	if len(raw) < 1 || raw[0] != EnvelopeType1 {
		return nil, nil
	}
	if len(raw) < 1+KeyBytes {
		return nil, fmt.Errorf("%w: truncated sender key", ErrEnvelopeMalformed)
	}
	var pub PublicKey
	copy(pub[:], raw[1:1+KeyBytes])
	return &pub, nil
}

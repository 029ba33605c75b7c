package keys

import (
	"bytes"
	"context"
	"testing"

	"github.com/quailyquaily/pairlink/internal/kvstore"
)

func TestSharedKey_BothSidesDeriveSameKeyAndTopic(t *testing.T) {
	alice, err := GenerateAgreementKeypair()
	if err != nil {
		t.Fatalf("GenerateAgreementKeypair() error = %v", err)
	}
	bob, err := GenerateAgreementKeypair()
	if err != nil {
		t.Fatalf("GenerateAgreementKeypair() error = %v", err)
	}

	symA, topicA, err := SharedKey(alice.Private, bob.Public)
	if err != nil {
		t.Fatalf("SharedKey(alice) error = %v", err)
	}
	symB, topicB, err := SharedKey(bob.Private, alice.Public)
	if err != nil {
		t.Fatalf("SharedKey(bob) error = %v", err)
	}
	if symA != symB {
		t.Fatalf("derived keys differ")
	}
	if topicA != topicB {
		t.Fatalf("derived topics differ: %q vs %q", topicA, topicB)
	}
	if len(topicA) != 64 {
		t.Fatalf("topic must be 32 hex bytes, got %d chars", len(topicA))
	}
}

func TestEnvelope_Type0RoundTrip(t *testing.T) {
	sym, err := GenerateSymKey()
	if err != nil {
		t.Fatalf("GenerateSymKey() error = %v", err)
	}
	sealed, err := Seal(sym, []byte(`{"id":1}`))
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}
	plaintext, senderPub, err := Open(sym, sealed)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if senderPub != nil {
		t.Fatalf("type 0 envelope must not carry a sender key")
	}
	if !bytes.Equal(plaintext, []byte(`{"id":1}`)) {
		t.Fatalf("plaintext mismatch: %s", plaintext)
	}
}

func TestEnvelope_Type1CarriesSenderKey(t *testing.T) {
	sym, _ := GenerateSymKey()
	sender, _ := GenerateAgreementKeypair()

	sealed, err := SealWithSender(sym, sender.Public, []byte("payload"))
	if err != nil {
		t.Fatalf("SealWithSender() error = %v", err)
	}

	peeked, err := SenderPublicKey(sealed)
	if err != nil {
		t.Fatalf("SenderPublicKey() error = %v", err)
	}
	if peeked == nil || *peeked != sender.Public {
		t.Fatalf("peeked sender key mismatch")
	}

	plaintext, senderPub, err := Open(sym, sealed)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if senderPub == nil || *senderPub != sender.Public {
		t.Fatalf("opened sender key mismatch")
	}
	if string(plaintext) != "payload" {
		t.Fatalf("plaintext mismatch: %s", plaintext)
	}
}

func TestEnvelope_OpenRejectsWrongKey(t *testing.T) {
	sym, _ := GenerateSymKey()
	other, _ := GenerateSymKey()
	sealed, _ := Seal(sym, []byte("secret"))
	if _, _, err := Open(other, sealed); err == nil {
		t.Fatalf("expected decrypt failure with wrong key")
	}
}

func TestEnvelope_OpenRejectsGarbage(t *testing.T) {
	sym, _ := GenerateSymKey()
	for _, sealed := range []string{"", "!!!", "AA", "Zm9v"} {
		if _, _, err := Open(sym, sealed); err == nil {
			t.Fatalf("Open(%q) expected error", sealed)
		}
	}
}

func TestStore_SymKeyLifecycle(t *testing.T) {
	backend, err := kvstore.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore() error = %v", err)
	}
	store, err := NewStore(backend)
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	ctx := context.Background()

	sym, _ := GenerateSymKey()
	topic := TopicFromKey(sym)
	if err := store.SetSymKey(ctx, topic, sym); err != nil {
		t.Fatalf("SetSymKey() error = %v", err)
	}
	got, ok, err := store.SymKey(ctx, topic)
	if err != nil || !ok {
		t.Fatalf("SymKey() = (%v, %v)", ok, err)
	}
	if got != sym {
		t.Fatalf("stored key mismatch")
	}
	if err := store.DeleteAll(ctx, topic); err != nil {
		t.Fatalf("DeleteAll() error = %v", err)
	}
	if _, ok, _ := store.SymKey(ctx, topic); ok {
		t.Fatalf("key material must be gone after DeleteAll")
	}
}

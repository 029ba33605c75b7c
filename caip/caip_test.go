package caip

import (
	"encoding/json"
	"testing"
)

func TestParseBlockchain_Valid(t *testing.T) {
	chain, err := ParseBlockchain("eip155:1")
	if err != nil {
		t.Fatalf("ParseBlockchain() error = %v", err)
	}
	if chain.Namespace != "eip155" || chain.Reference != "1" {
		t.Fatalf("unexpected parse result: %+v", chain)
	}
	if chain.String() != "eip155:1" {
		t.Fatalf("String() = %q", chain.String())
	}
}

func TestParseBlockchain_RejectsMalformed(t *testing.T) {
	cases := []string{
		"",
		"eip155",
		"eip155:1:extra",
		"EIP155:1",
		"ei:1",
		"eip155toolong:1",
		"eip155:",
		"eip155:reference-way-beyond-thirty-two-characters",
	}
	for _, raw := range cases {
		if _, err := ParseBlockchain(raw); err == nil {
			t.Fatalf("ParseBlockchain(%q) expected error", raw)
		}
	}
}

func TestParseAccount_Valid(t *testing.T) {
	account, err := ParseAccount("eip155:1:0xab16a96d359ec26a11e2c2b3d8f8b8942d5bfcdb")
	if err != nil {
		t.Fatalf("ParseAccount() error = %v", err)
	}
	if account.Blockchain().String() != "eip155:1" {
		t.Fatalf("Blockchain() = %q", account.Blockchain().String())
	}
	if account.Address != "0xab16a96d359ec26a11e2c2b3d8f8b8942d5bfcdb" {
		t.Fatalf("address mismatch: %q", account.Address)
	}
}

func TestParseAccount_RejectsMalformed(t *testing.T) {
	cases := []string{
		"",
		"eip155:1",
		"eip155:1:",
		"eip155::0xabc",
		"eip155:1:0xabc:extra",
	}
	for _, raw := range cases {
		if _, err := ParseAccount(raw); err == nil {
			t.Fatalf("ParseAccount(%q) expected error", raw)
		}
	}
}

func TestBlockchain_JSONRoundTrip(t *testing.T) {
	chain := Blockchain{Namespace: "cosmos", Reference: "cosmoshub-4"}
	raw, err := json.Marshal(chain)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	if string(raw) != `"cosmos:cosmoshub-4"` {
		t.Fatalf("unexpected encoding: %s", raw)
	}
	var decoded Blockchain
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if decoded != chain {
		t.Fatalf("round trip mismatch: %+v", decoded)
	}
}

func TestAccount_JSONRejectsInvalid(t *testing.T) {
	var account Account
	if err := json.Unmarshal([]byte(`"not-an-account"`), &account); err == nil {
		t.Fatalf("expected decode error for malformed account")
	}
}

package namespaces

import (
	"errors"
	"strings"
	"testing"

	"github.com/quailyquaily/pairlink/caip"
)

func chain(t *testing.T, raw string) caip.Blockchain {
	t.Helper()
	c, err := caip.ParseBlockchain(raw)
	if err != nil {
		t.Fatalf("ParseBlockchain(%q) error = %v", raw, err)
	}
	return c
}

func account(t *testing.T, raw string) caip.Account {
	t.Helper()
	a, err := caip.ParseAccount(raw)
	if err != nil {
		t.Fatalf("ParseAccount(%q) error = %v", raw, err)
	}
	return a
}

func TestValidateSessions_AccountMustMatchKey(t *testing.T) {
	sessions := map[string]Session{
		"eip155:1": {
			Accounts: []caip.Account{account(t, "eip155:137:0xabc")},
			Methods:  []string{"personal_sign"},
		},
	}
	if err := ValidateSessions(sessions); !errors.Is(err, ErrValidationFailed) {
		t.Fatalf("ValidateSessions() error = %v, want ErrValidationFailed", err)
	}
}

func TestValidateApproved_ReportsMissingMethod(t *testing.T) {
	required := map[string]Proposal{
		"eip155:1": {Methods: []string{"personal_sign", "eth_sendTransaction"}},
	}
	approved := map[string]Session{
		"eip155": {
			Accounts: []caip.Account{account(t, "eip155:1:0xabc")},
			Methods:  []string{"personal_sign"},
		},
	}
	err := ValidateApproved(approved, required)
	if !errors.Is(err, ErrValidationFailed) {
		t.Fatalf("ValidateApproved() error = %v, want ErrValidationFailed", err)
	}
	if !strings.Contains(err.Error(), "eth_sendTransaction") {
		t.Fatalf("error must name the unmet method: %v", err)
	}
}

func TestBuild_OutputAlwaysPassesValidateApproved(t *testing.T) {
	required := map[string]Proposal{
		"eip155": {
			Chains:  []caip.Blockchain{chain(t, "eip155:1"), chain(t, "eip155:137")},
			Methods: []string{"personal_sign"},
			Events:  []string{"chainChanged"},
		},
	}
	supported := Supported{
		Chains:  []caip.Blockchain{chain(t, "eip155:1"), chain(t, "eip155:137")},
		Methods: []string{"personal_sign", "eth_sendTransaction"},
		Events:  []string{"chainChanged", "accountsChanged"},
		Accounts: []caip.Account{
			account(t, "eip155:1:0xabc"),
			account(t, "eip155:137:0xabc"),
		},
	}

	built, err := Build(required, nil, supported)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if err := ValidateApproved(built, required); err != nil {
		t.Fatalf("Build() output failed ValidateApproved: %v", err)
	}
}

func TestBuild_AllOrNothingOnRequiredChainWithoutAccount(t *testing.T) {
	required := map[string]Proposal{
		"eip155": {
			Chains:  []caip.Blockchain{chain(t, "eip155:1"), chain(t, "eip155:137")},
			Methods: []string{"personal_sign"},
		},
	}
	supported := Supported{
		Chains:   []caip.Blockchain{chain(t, "eip155:1"), chain(t, "eip155:137")},
		Methods:  []string{"personal_sign"},
		Accounts: []caip.Account{account(t, "eip155:1:0xabc")}, // nothing on 137
	}

	if _, err := Build(required, nil, supported); !errors.Is(err, ErrBuildFailed) {
		t.Fatalf("Build() error = %v, want ErrBuildFailed", err)
	}
}

func TestBuild_RequiredMethodNotSupportedFails(t *testing.T) {
	required := map[string]Proposal{
		"eip155:1": {Methods: []string{"eth_signTypedData_v4"}},
	}
	supported := Supported{
		Chains:   []caip.Blockchain{chain(t, "eip155:1")},
		Methods:  []string{"personal_sign"},
		Accounts: []caip.Account{account(t, "eip155:1:0xabc")},
	}
	if _, err := Build(required, nil, supported); !errors.Is(err, ErrBuildFailed) {
		t.Fatalf("Build() error = %v, want ErrBuildFailed", err)
	}
}

func TestBuild_OptionalNamespacesAreBestEffort(t *testing.T) {
	required := map[string]Proposal{
		"eip155:1": {Methods: []string{"personal_sign"}},
	}
	optional := map[string]Proposal{
		"cosmos": {
			Chains:  []caip.Blockchain{chain(t, "cosmos:cosmoshub-4")},
			Methods: []string{"cosmos_signDirect"},
		},
		"eip155:137": {Methods: []string{"personal_sign", "eth_unsupported"}},
	}
	supported := Supported{
		Chains:  []caip.Blockchain{chain(t, "eip155:1"), chain(t, "eip155:137")},
		Methods: []string{"personal_sign"},
		Accounts: []caip.Account{
			account(t, "eip155:1:0xabc"),
			account(t, "eip155:137:0xabc"),
		},
	}

	built, err := Build(required, optional, supported)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if _, ok := built["cosmos"]; ok {
		t.Fatalf("unsatisfiable optional namespace must be dropped")
	}
	eip := built["eip155"]
	if len(eip.Accounts) != 2 {
		t.Fatalf("accounts = %v", eip.Accounts)
	}
	for _, method := range eip.Methods {
		if method == "eth_unsupported" {
			t.Fatalf("unsupported optional method must be filtered out")
		}
	}
}

func TestBuild_ChainKeyOverridesFamilyMethodsButFamilyChainsRemain(t *testing.T) {
	required := map[string]Proposal{
		"eip155": {
			Chains:  []caip.Blockchain{chain(t, "eip155:1"), chain(t, "eip155:137")},
			Methods: []string{"personal_sign"},
		},
		"eip155:1": {Methods: []string{"eth_sendTransaction"}},
	}
	supported := Supported{
		Chains:  []caip.Blockchain{chain(t, "eip155:1"), chain(t, "eip155:137")},
		Methods: []string{"personal_sign", "eth_sendTransaction"},
		Accounts: []caip.Account{
			account(t, "eip155:1:0xabc"),
			account(t, "eip155:137:0xabc"),
		},
	}

	built, err := Build(required, nil, supported)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	eip := built["eip155"]
	// Family chains all granted; the chain-keyed entry's method set applies
	// on top.
	if len(eip.Accounts) != 2 {
		t.Fatalf("family chains must still contribute accounts: %v", eip.Accounts)
	}
	var hasSend bool
	for _, method := range eip.Methods {
		if method == "eth_sendTransaction" {
			hasSend = true
		}
	}
	if !hasSend {
		t.Fatalf("chain-keyed methods must be present: %v", eip.Methods)
	}
}

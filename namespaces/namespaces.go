// Package namespaces implements CAIP-25 namespace validation and the
// deterministic auto-approval builder used during session negotiation.
package namespaces

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/quailyquaily/pairlink/caip"
)

var ErrValidationFailed = errors.New("namespaces: validation failed")

// Proposal is a capability request for one chain namespace. The map key it
// lives under is either a family key ("eip155", chains listed explicitly) or
// a chain key ("eip155:1", chains implied).
type Proposal struct {
	Chains  []caip.Blockchain `json:"chains,omitempty"`
	Methods []string          `json:"methods"`
	Events  []string          `json:"events"`
}

// Session is a negotiated capability grant.
type Session struct {
	Accounts []caip.Account `json:"accounts"`
	Methods  []string       `json:"methods"`
	Events   []string       `json:"events"`
}

// keyCoversChain reports whether a namespace map key applies to a chain: a
// chain key must match exactly, a family key must match the chain namespace.
func keyCoversChain(key string, chain caip.Blockchain) bool {
	if strings.Contains(key, ":") {
		return key == chain.String()
	}
	return key == chain.Namespace
}

// chainsOf returns the chains a proposal entry applies to: the key's own
// chain for chain keys, the explicit list for family keys.
func chainsOf(key string, proposal Proposal) ([]caip.Blockchain, error) {
	if strings.Contains(key, ":") {
		chain, err := caip.ParseBlockchain(key)
		if err != nil {
			return nil, fmt.Errorf("%w: key %q is not a chain identifier", ErrValidationFailed, key)
		}
		return []caip.Blockchain{chain}, nil
	}
	if len(proposal.Chains) == 0 {
		return nil, fmt.Errorf("%w: family key %q declares no chains", ErrValidationFailed, key)
	}
	for _, chain := range proposal.Chains {
		if chain.Namespace != key {
			return nil, fmt.Errorf("%w: chain %s does not belong to namespace %q", ErrValidationFailed, chain, key)
		}
	}
	return proposal.Chains, nil
}

// ValidateProposals checks that every proposal entry is well-formed.
func ValidateProposals(proposals map[string]Proposal) error {
	for key, proposal := range proposals {
		if _, err := chainsOf(key, proposal); err != nil {
			return err
		}
		if err := validateNames("method", proposal.Methods); err != nil {
			return fmt.Errorf("%w in namespace %q", err, key)
		}
		if err := validateNames("event", proposal.Events); err != nil {
			return fmt.Errorf("%w in namespace %q", err, key)
		}
	}
	return nil
}

// ValidateSessions checks that every account sits under a key that covers
// its chain and that no entry is empty.
func ValidateSessions(sessions map[string]Session) error {
	for key, session := range sessions {
		if len(session.Accounts) == 0 {
			return fmt.Errorf("%w: namespace %q grants no accounts", ErrValidationFailed, key)
		}
		for _, account := range session.Accounts {
			if err := account.Validate(); err != nil {
				return fmt.Errorf("%w: %v", ErrValidationFailed, err)
			}
			if !keyCoversChain(key, account.Blockchain()) {
				return fmt.Errorf("%w: account %s is not covered by namespace key %q", ErrValidationFailed, account, key)
			}
		}
		if err := validateNames("method", session.Methods); err != nil {
			return fmt.Errorf("%w in namespace %q", err, key)
		}
		if err := validateNames("event", session.Events); err != nil {
			return fmt.Errorf("%w in namespace %q", err, key)
		}
	}
	return nil
}

// ValidateApproved checks an approved grant against the original required
// proposals: methods and events must be supersets, and every required chain
// needs at least one granted account. Failures name the unmet entry.
func ValidateApproved(approved map[string]Session, required map[string]Proposal) error {
	if err := ValidateSessions(approved); err != nil {
		return err
	}
	for key, proposal := range required {
		chains, err := chainsOf(key, proposal)
		if err != nil {
			return err
		}

		grantedMethods := map[string]bool{}
		grantedEvents := map[string]bool{}
		accountChains := map[string]bool{}
		for approvedKey, session := range approved {
			if !keysShareFamily(approvedKey, key) {
				continue
			}
			for _, method := range session.Methods {
				grantedMethods[method] = true
			}
			for _, event := range session.Events {
				grantedEvents[event] = true
			}
			for _, account := range session.Accounts {
				accountChains[account.Blockchain().String()] = true
			}
		}

		for _, method := range proposal.Methods {
			if !grantedMethods[method] {
				return fmt.Errorf("%w: required method %q not granted for namespace %q", ErrValidationFailed, method, key)
			}
		}
		for _, event := range proposal.Events {
			if !grantedEvents[event] {
				return fmt.Errorf("%w: required event %q not granted for namespace %q", ErrValidationFailed, event, key)
			}
		}
		for _, chain := range chains {
			if !accountChains[chain.String()] {
				return fmt.Errorf("%w: required chain %s has no granted account", ErrValidationFailed, chain)
			}
		}
	}
	return nil
}

func keysShareFamily(a string, b string) bool {
	return familyOf(a) == familyOf(b)
}

func familyOf(key string) string {
	if idx := strings.Index(key, ":"); idx >= 0 {
		return key[:idx]
	}
	return key
}

func validateNames(kind string, names []string) error {
	for _, name := range names {
		trimmed := strings.TrimSpace(name)
		if trimmed == "" || trimmed != name || strings.ContainsAny(name, " \t\n") {
			return fmt.Errorf("%w: malformed %s %q", ErrValidationFailed, kind, name)
		}
	}
	return nil
}

func sortedUnique(values []string) []string {
	seen := map[string]bool{}
	out := make([]string, 0, len(values))
	for _, value := range values {
		if !seen[value] {
			seen[value] = true
			out = append(out, value)
		}
	}
	sort.Strings(out)
	return out
}

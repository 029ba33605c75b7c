package namespaces

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/quailyquaily/pairlink/caip"
)

var ErrBuildFailed = errors.New("namespaces: auto build failed")

// Supported describes what the responder side can grant.
type Supported struct {
	Chains   []caip.Blockchain
	Methods  []string
	Events   []string
	Accounts []caip.Account
}

// chainRequirement is one chain's effective requested capability set after
// resolving the family-vs-chain key precedence.
type chainRequirement struct {
	chain    caip.Blockchain
	methods  []string
	events   []string
	required bool
}

// Build runs the deterministic auto-approval: required entries are
// all-or-nothing (an unsupported chain, method, event, or a chain with no
// supported account fails the whole build), optional entries are best-effort
// and silently dropped where unsatisfiable. When a chain key and its family
// key both apply to one chain, the chain key's methods and events win, but
// the family entry still contributes its own chains.
func Build(required map[string]Proposal, optional map[string]Proposal, supported Supported) (map[string]Session, error) {
	if err := ValidateProposals(required); err != nil {
		return nil, err
	}
	if err := ValidateProposals(optional); err != nil {
		return nil, err
	}

	requirements, err := flatten(required, true, nil)
	if err != nil {
		return nil, err
	}
	requirements, err = flatten(optional, false, requirements)
	if err != nil {
		return nil, err
	}

	supportedChains := map[string]bool{}
	for _, chain := range supported.Chains {
		supportedChains[chain.String()] = true
	}
	supportedMethods := map[string]bool{}
	for _, method := range supported.Methods {
		supportedMethods[method] = true
	}
	supportedEvents := map[string]bool{}
	for _, event := range supported.Events {
		supportedEvents[event] = true
	}
	accountsByChain := map[string][]caip.Account{}
	for _, account := range supported.Accounts {
		chainID := account.Blockchain().String()
		accountsByChain[chainID] = append(accountsByChain[chainID], account)
	}

	built := map[string]*Session{}
	for _, req := range requirements {
		chainID := req.chain.String()
		accounts := accountsByChain[chainID]

		if req.required {
			if !supportedChains[chainID] {
				return nil, fmt.Errorf("%w: required chain %s is not supported", ErrBuildFailed, chainID)
			}
			for _, method := range req.methods {
				if !supportedMethods[method] {
					return nil, fmt.Errorf("%w: required method %q is not supported on %s", ErrBuildFailed, method, chainID)
				}
			}
			for _, event := range req.events {
				if !supportedEvents[event] {
					return nil, fmt.Errorf("%w: required event %q is not supported on %s", ErrBuildFailed, event, chainID)
				}
			}
			if len(accounts) == 0 {
				return nil, fmt.Errorf("%w: required chain %s has no supported account", ErrBuildFailed, chainID)
			}
		} else {
			if !supportedChains[chainID] || len(accounts) == 0 {
				continue
			}
		}

		methods := req.methods
		events := req.events
		if !req.required {
			methods = intersect(methods, supportedMethods)
			events = intersect(events, supportedEvents)
		}

		family := req.chain.Namespace
		entry := built[family]
		if entry == nil {
			entry = &Session{}
			built[family] = entry
		}
		entry.Accounts = appendMissingAccounts(entry.Accounts, accounts)
		entry.Methods = append(entry.Methods, methods...)
		entry.Events = append(entry.Events, events...)
	}

	out := make(map[string]Session, len(built))
	for family, entry := range built {
		out[family] = Session{
			Accounts: sortAccounts(entry.Accounts),
			Methods:  sortedUnique(entry.Methods),
			Events:   sortedUnique(entry.Events),
		}
	}
	return out, nil
}

// flatten expands proposal entries into per-chain requirements, resolving
// the chain-key-beats-family-key precedence for methods and events.
func flatten(proposals map[string]Proposal, required bool, into []chainRequirement) ([]chainRequirement, error) {
	byChain := map[string]int{}
	for i, req := range into {
		if req.required == required {
			byChain[req.chain.String()] = i
		}
	}

	// Family keys first so chain keys override them afterwards.
	keys := make([]string, 0, len(proposals))
	for key := range proposals {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		iSpecific := strings.Contains(keys[i], ":")
		jSpecific := strings.Contains(keys[j], ":")
		if iSpecific != jSpecific {
			return !iSpecific
		}
		return keys[i] < keys[j]
	})

	for _, key := range keys {
		proposal := proposals[key]
		chains, err := chainsOf(key, proposal)
		if err != nil {
			return nil, err
		}
		specific := strings.Contains(key, ":")
		for _, chain := range chains {
			chainID := chain.String()
			if idx, exists := byChain[chainID]; exists {
				if specific {
					into[idx].methods = proposal.Methods
					into[idx].events = proposal.Events
				}
				continue
			}
			into = append(into, chainRequirement{
				chain:    chain,
				methods:  proposal.Methods,
				events:   proposal.Events,
				required: required,
			})
			byChain[chainID] = len(into) - 1
		}
	}
	return into, nil
}

func intersect(values []string, allowed map[string]bool) []string {
	out := make([]string, 0, len(values))
	for _, value := range values {
		if allowed[value] {
			out = append(out, value)
		}
	}
	return out
}

func appendMissingAccounts(existing []caip.Account, add []caip.Account) []caip.Account {
	seen := map[string]bool{}
	for _, account := range existing {
		seen[account.String()] = true
	}
	for _, account := range add {
		if !seen[account.String()] {
			existing = append(existing, account)
			seen[account.String()] = true
		}
	}
	return existing
}

func sortAccounts(accounts []caip.Account) []caip.Account {
	sort.Slice(accounts, func(i, j int) bool {
		return accounts[i].String() < accounts[j].String()
	})
	return accounts
}

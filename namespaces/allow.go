package namespaces

import (
	"github.com/quailyquaily/pairlink/caip"
)

// AllowsMethod reports whether a granted namespace map permits a method on a
// chain. A chain-keyed entry takes precedence over its family entry.
func AllowsMethod(sessions map[string]Session, chain caip.Blockchain, method string) bool {
	return allows(sessions, chain, func(s Session) []string { return s.Methods }, method)
}

// AllowsEvent reports whether a granted namespace map permits an event on a
// chain.
func AllowsEvent(sessions map[string]Session, chain caip.Blockchain, event string) bool {
	return allows(sessions, chain, func(s Session) []string { return s.Events }, event)
}

func allows(sessions map[string]Session, chain caip.Blockchain, pick func(Session) []string, name string) bool {
	if entry, ok := sessions[chain.String()]; ok {
		return contains(pick(entry), name) && hasAccountOn(entry, chain)
	}
	entry, ok := sessions[chain.Namespace]
	if !ok {
		return false
	}
	return contains(pick(entry), name) && hasAccountOn(entry, chain)
}

func hasAccountOn(entry Session, chain caip.Blockchain) bool {
	for _, account := range entry.Accounts {
		if account.Blockchain() == chain {
			return true
		}
	}
	return false
}

func contains(values []string, name string) bool {
	for _, value := range values {
		if value == name {
			return true
		}
	}
	return false
}

package relay

import (
	"strings"
)

// Wire method prefixes per relay deployment generation.
const (
	PrefixIrn     = "irn"
	PrefixIridium = "iridium"
)

type subscribeParams struct {
	Topic string `json:"topic"`
}

type publishParams struct {
	Topic   string `json:"topic"`
	Message string `json:"message"`
	TTL     int64  `json:"ttl"`
	Tag     int    `json:"tag"`
	Prompt  bool   `json:"prompt"`
}

type unsubscribeParams struct {
	ID    string `json:"id"`
	Topic string `json:"topic"`
}

type subscriptionData struct {
	Topic   string `json:"topic"`
	Message string `json:"message"`
}

type subscriptionParams struct {
	ID   string           `json:"id"`
	Data subscriptionData `json:"data"`
}

func normalizePrefix(prefix string) string {
	switch strings.TrimSpace(strings.ToLower(prefix)) {
	case "", PrefixIrn:
		return PrefixIrn
	case PrefixIridium:
		return PrefixIridium
	default:
		return strings.TrimSpace(strings.ToLower(prefix))
	}
}

func (c *Client) method(name string) string {
	return c.opts.MethodPrefix + "_" + name
}

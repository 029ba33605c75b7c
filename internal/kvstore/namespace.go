package kvstore

import (
	"context"
	"strings"
)

// namespaced scopes a Store under a key prefix so independent record types
// can share one backend without their key spaces bleeding into each other's
// scans.
type namespaced struct {
	backend Store
	prefix  string
}

// Namespaced returns a view of backend where every key lives under prefix.
// A trailing separator is appended when missing.
func Namespaced(backend Store, prefix string) Store {
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &namespaced{backend: backend, prefix: prefix}
}

func (n *namespaced) Get(ctx context.Context, key string) ([]byte, bool, error) {
	return n.backend.Get(ctx, n.prefix+key)
}

func (n *namespaced) Set(ctx context.Context, key string, value []byte) error {
	return n.backend.Set(ctx, n.prefix+key, value)
}

func (n *namespaced) Delete(ctx context.Context, key string) error {
	return n.backend.Delete(ctx, n.prefix+key)
}

func (n *namespaced) Keys(ctx context.Context, prefix string) ([]string, error) {
	keys, err := n.backend.Keys(ctx, n.prefix+prefix)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(keys))
	for _, key := range keys {
		out = append(out, strings.TrimPrefix(key, n.prefix))
	}
	return out, nil
}

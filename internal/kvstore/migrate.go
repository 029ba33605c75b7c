package kvstore

import (
	"context"
	"fmt"
)

// Migrate copies every entry from one storage scope into another. Entries
// already present in the destination are left untouched, so re-running a
// partially completed migration never duplicates or overwrites state.
func Migrate(ctx context.Context, from Store, to Store) (int, error) {
	if from == nil || to == nil {
		return 0, fmt.Errorf("kvstore: migrate requires both stores")
	}
	keys, err := from.Keys(ctx, "")
	if err != nil {
		return 0, err
	}
	copied := 0
	for _, key := range keys {
		if _, exists, err := to.Get(ctx, key); err != nil {
			return copied, err
		} else if exists {
			continue
		}
		value, ok, err := from.Get(ctx, key)
		if err != nil {
			return copied, err
		}
		if !ok {
			continue
		}
		if err := to.Set(ctx, key, value); err != nil {
			return copied, err
		}
		copied++
	}
	return copied, nil
}

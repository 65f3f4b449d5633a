package state

import (
	"context"
	"strings"

	"github.com/goccy/go-json"
)

type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
	Close() error
}

type Entry struct {
	Key   string
	Value string
}

// Lister is implemented by stores that can enumerate keys by prefix, newest
// key last.
type Lister interface {
	List(ctx context.Context, prefix string, limit int) ([]Entry, error)
}

func loadJSON[T any](ctx context.Context, store Store, key string) (T, bool, error) {
	var out T
	if store == nil {
		return out, false, nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	raw, ok, err := store.Get(ctx, key)
	if err != nil {
		return out, false, err
	}
	if !ok || strings.TrimSpace(raw) == "" {
		return out, false, nil
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return out, false, err
	}
	return out, true, nil
}

func saveJSON(ctx context.Context, store Store, key string, v any) error {
	if store == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return store.Set(ctx, key, string(payload))
}

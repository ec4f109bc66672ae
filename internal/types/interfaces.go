// internal/types/interfaces.go
package types

import (
	"context"
	"errors"
)

var ErrNotFound = errors.New("not found")

// KV stores opaque blobs by key. Get returns ErrNotFound for absent keys.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	Close() error
}

type ActivityJournal interface {
	Append(ctx context.Context, entry *ActivityEntry) error
	Tail(ctx context.Context, sessionID SessionID, limit int) ([]*ActivityEntry, error)
	Count(ctx context.Context, sessionID SessionID) (int64, error)
	Sessions(ctx context.Context) ([]SessionID, error)
}

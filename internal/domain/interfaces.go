package domain

import (
	"context"
	"time"
)

// KVStore is the local durable store consumed by the engine. Implementations
// must be safe for concurrent use. Get returns found=false for absent keys.
type KVStore interface {
	Get(ctx context.Context, key string) (value []byte, found bool, err error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Keys(ctx context.Context, prefix string) ([]string, error)
	Close() error
}

// UploadMeta travels with the payload on every upload attempt.
type UploadMeta struct {
	SavedAt time.Time
	Attempt int
}

// RemoteStore uploads an opaque named blob and returns the remote identifier.
// Each attempt is a full re-upload; there is no resume contract.
type RemoteStore interface {
	Upload(ctx context.Context, itemID string, meta UploadMeta, payload []byte) (remoteID string, err error)
	// Authenticated reports whether the store currently holds usable
	// credentials. Batch passes are skipped while it returns false.
	Authenticated() bool
}

// Clock abstracts time.Now so record timestamps are testable.
type Clock interface {
	Now() time.Time
}

// SystemClock is the wall-clock Clock used outside tests.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

package store

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"driftsync/internal/domain"

	"github.com/rs/zerolog"
)

const failoverRecoveryWindow = time.Minute

// FailoverKV serves from a primary KVStore and degrades to a fallback when
// the primary errors, probing the primary again after a recovery window.
// Writes made while degraded live only in the fallback, so pair a remote
// primary with a fallback the process owns (memory) and treat degradation as
// an availability trade, not durability.
type FailoverKV struct {
	primary  domain.KVStore
	fallback domain.KVStore
	logger   zerolog.Logger

	isDown    atomic.Bool
	mu        sync.Mutex
	lastCheck time.Time
}

func NewFailoverKV(primary, fallback domain.KVStore, logger zerolog.Logger) *FailoverKV {
	return &FailoverKV{primary: primary, fallback: fallback, logger: logger}
}

// usePrimary reports whether this call should go to the primary, flipping the
// health flag back after a successful recovery probe is due.
func (f *FailoverKV) usePrimary() bool {
	if !f.isDown.Load() {
		return true
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if time.Since(f.lastCheck) > failoverRecoveryWindow {
		f.lastCheck = time.Now()
		return true
	}
	return false
}

func (f *FailoverKV) markDown(err error) {
	f.logger.Error().Err(err).Msg("primary store failed, serving from fallback")
	f.isDown.Store(true)
	f.mu.Lock()
	f.lastCheck = time.Now()
	f.mu.Unlock()
}

func (f *FailoverKV) markUp() {
	if f.isDown.CompareAndSwap(true, false) {
		f.logger.Info().Msg("primary store recovered")
	}
}

func (f *FailoverKV) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if f.usePrimary() {
		v, ok, err := f.primary.Get(ctx, key)
		if err == nil {
			f.markUp()
			return v, ok, nil
		}
		f.markDown(err)
	}
	return f.fallback.Get(ctx, key)
}

func (f *FailoverKV) Set(ctx context.Context, key string, value []byte) error {
	if f.usePrimary() {
		if err := f.primary.Set(ctx, key, value); err == nil {
			f.markUp()
			return nil
		} else {
			f.markDown(err)
		}
	}
	return f.fallback.Set(ctx, key, value)
}

func (f *FailoverKV) Delete(ctx context.Context, key string) error {
	if f.usePrimary() {
		if err := f.primary.Delete(ctx, key); err == nil {
			f.markUp()
			return nil
		} else {
			f.markDown(err)
		}
	}
	return f.fallback.Delete(ctx, key)
}

func (f *FailoverKV) Keys(ctx context.Context, prefix string) ([]string, error) {
	if f.usePrimary() {
		keys, err := f.primary.Keys(ctx, prefix)
		if err == nil {
			f.markUp()
			return keys, nil
		}
		f.markDown(err)
	}
	return f.fallback.Keys(ctx, prefix)
}

func (f *FailoverKV) Close() error {
	err := f.primary.Close()
	if ferr := f.fallback.Close(); err == nil {
		err = ferr
	}
	return err
}

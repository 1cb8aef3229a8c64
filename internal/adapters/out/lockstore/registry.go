// Package lockstore implements the resource lock registry over the durable
// kvlock ledger. The ledger is authoritative across restarts; reloading it
// at startup restores every lock held when the process died.
package lockstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/bindery-io/bindery/internal/boundaries/out"
	"github.com/bindery-io/bindery/internal/domain"
	"github.com/bindery-io/bindery/pkg/kvlock"
)

// Ensure Registry implements out.LockRegistry.
var _ out.LockRegistry = (*Registry)(nil)

// Registry serializes index mutations per canonical reference.
type Registry struct {
	ledger *kvlock.Ledger
	nowFn  func() time.Time
}

// New opens the lock ledger in dir.
func New(dir string) (*Registry, error) {
	ledger, err := kvlock.Open(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock ledger: %w", err)
	}
	return &Registry{ledger: ledger, nowFn: time.Now}, nil
}

// Acquire takes the lock for holder, with a single winner under contention.
func (r *Registry) Acquire(_ context.Context, key, holder string) error {
	err := r.ledger.TryAcquire(key, holder, r.nowFn().UTC())
	if err != nil {
		if errors.Is(err, kvlock.ErrHeld) {
			return fmt.Errorf("%w: %s", domain.ErrLockHeld, key)
		}
		return err
	}

	log.Debug().
		Str("lock_key", key).
		Str("holder", holder).
		Msg("Lock acquired")
	return nil
}

// Release frees the lock when holder owns it.
func (r *Registry) Release(_ context.Context, key, holder string) error {
	if err := r.ledger.Release(key, holder); err != nil {
		if errors.Is(err, kvlock.ErrNotHolder) {
			return fmt.Errorf("%w: %s by %s", domain.ErrNotHolder, key, holder)
		}
		return err
	}

	log.Debug().
		Str("lock_key", key).
		Str("holder", holder).
		Msg("Lock released")
	return nil
}

// Snapshot returns all live locks.
func (r *Registry) Snapshot(_ context.Context) ([]out.LockInfo, error) {
	entries, err := r.ledger.Entries()
	if err != nil {
		return nil, err
	}

	locks := make([]out.LockInfo, 0, len(entries))
	for _, e := range entries {
		locks = append(locks, out.LockInfo{Key: e.Key, Holder: e.Holder, AcquiredAt: e.AcquiredAt})
	}
	return locks, nil
}

// ForceRelease frees a key while holder still owns it and reports whether
// a live lock was displaced. Reserved for the recovery sweeper; every
// displacement is logged for audit.
func (r *Registry) ForceRelease(_ context.Context, key, holder string) (bool, error) {
	entry, displaced, err := r.ledger.ForceRelease(key, holder)
	if err != nil {
		return false, err
	}
	if !displaced {
		return false, nil
	}

	log.Warn().
		Str("lock_key", key).
		Str("holder", entry.Holder).
		Dur("held_for", r.nowFn().Sub(entry.AcquiredAt)).
		Msg("Lock reclaimed from non-releasing holder")
	return true, nil
}

// Close releases the ledger.
func (r *Registry) Close() error {
	return r.ledger.Close()
}

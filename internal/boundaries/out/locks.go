package out

import (
	"context"
	"time"
)

// LockInfo describes one live lock in the registry.
type LockInfo struct {
	Key        string
	Holder     string
	AcquiredAt time.Time
}

// LockRegistry defines the contract for mutual exclusion on canonical
// image references. At most one live holder exists per key at any instant;
// acquisition is atomic with a single winner and no wait queue. Losers do
// not block and retry on a later dispatch cycle.
type LockRegistry interface {
	// Acquire takes the lock for holder. Returns domain.ErrLockHeld when
	// another holder owns the key.
	Acquire(ctx context.Context, key, holder string) error

	// Release frees the lock if holder owns it. Returns domain.ErrNotHolder
	// when the key is free or owned by someone else.
	Release(ctx context.Context, key, holder string) error

	// Snapshot returns all live locks.
	Snapshot(ctx context.Context) ([]LockInfo, error)

	// ForceRelease frees a key while holder still owns it and reports
	// whether a live lock was displaced. The expected holder guards the
	// delete: a key that was released and re-acquired since the caller
	// observed it is left alone. This is the reclamation path reserved
	// for the recovery sweeper; every displacement is recorded for audit.
	ForceRelease(ctx context.Context, key, holder string) (bool, error)

	// Close releases the underlying ledger.
	Close() error
}

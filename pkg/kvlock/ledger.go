// Package kvlock provides a durable, single-winner lock ledger backed by
// Starskey. Each key holds at most one live entry; acquisition is decided
// inside a storage transaction so concurrent acquirers for the same key
// see exactly one winner. The ledger survives process restarts and is
// scanned on startup to rebuild in-memory state.
package kvlock

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/starskey-io/starskey"
)

var (
	// ErrHeld is returned when a key already has a live holder.
	ErrHeld = errors.New("kvlock: key already held")

	// ErrNotHolder is returned when a release names a holder that does not
	// own the key.
	ErrNotHolder = errors.New("kvlock: not the holder")
)

// Entry is one live lock in the ledger.
type Entry struct {
	Key        string    `json:"-"`
	Holder     string    `json:"holder"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// Ledger is a durable lock table. All mutations are serialized; the
// process owning the ledger directory is the only writer.
type Ledger struct {
	db *starskey.Starskey
	mu sync.Mutex
}

// Open opens (or creates) a ledger in dir.
func Open(dir string) (*Ledger, error) {
	db, err := starskey.Open(&starskey.Config{
		Permission:        0755,
		Directory:         dir,
		FlushThreshold:    16 * 1024 * 1024,
		MaxLevel:          3,
		SizeFactor:        10,
		BloomFilter:       true,
		SuRF:              false,
		Logging:           true,
		Compression:       true,
		CompressionOption: starskey.SnappyCompression,
	})
	if err != nil {
		return nil, fmt.Errorf("kvlock: open %s: %w", dir, err)
	}

	log.Info("Initialized lock ledger with Starskey backend", "path", dir)
	return &Ledger{db: db}, nil
}

// TryAcquire records holder as the owner of key. Exactly one concurrent
// caller wins; the rest get ErrHeld carrying no further claim.
func (l *Ledger) TryAcquire(key, holder string, now time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var held *Entry
	err := l.db.Update(func(txn *starskey.Txn) error {
		k := []byte(key)

		value, err := txn.Get(k)
		if err == nil && value != nil {
			var entry Entry
			if err := json.Unmarshal(value, &entry); err == nil {
				held = &entry
				return nil
			}
			// corrupted entry: treat as free and overwrite below
			log.Warn("Discarding unreadable lock entry", "key", key)
		}

		data, err := json.Marshal(Entry{Holder: holder, AcquiredAt: now})
		if err != nil {
			return err
		}
		txn.Put(k, data)
		return nil
	})
	if err != nil {
		return fmt.Errorf("kvlock: acquire %s: %w", key, err)
	}
	if held != nil {
		log.Debug("Lock denied", "key", key, "holder", holder, "owner", held.Holder)
		return fmt.Errorf("%w by %s", ErrHeld, held.Holder)
	}

	log.Debug("Lock acquired", "key", key, "holder", holder)
	return nil
}

// Release frees key if holder owns it.
func (l *Ledger) Release(key, holder string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok, err := l.get(key)
	if err != nil {
		return err
	}
	if !ok || entry.Holder != holder {
		return ErrNotHolder
	}

	if err := l.db.Delete([]byte(key)); err != nil {
		return fmt.Errorf("kvlock: release %s: %w", key, err)
	}
	log.Debug("Lock released", "key", key, "holder", holder)
	return nil
}

// ForceRelease frees key only while holder still owns it and returns the
// displaced entry for the caller's audit trail. The compare-and-delete
// keeps a reclamation decided from a stale view from displacing a lock
// the key has since been re-acquired under. Freeing an already-free or
// re-acquired key is not an error.
func (l *Ledger) ForceRelease(key, holder string) (Entry, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok, err := l.get(key)
	if err != nil {
		return Entry{}, false, err
	}
	if !ok {
		return Entry{}, false, nil
	}
	if entry.Holder != holder {
		log.Debug("Force release skipped, key re-acquired", "key", key, "expected", holder, "owner", entry.Holder)
		return Entry{}, false, nil
	}

	if err := l.db.Delete([]byte(key)); err != nil {
		return Entry{}, false, fmt.Errorf("kvlock: force release %s: %w", key, err)
	}
	log.Info("Lock forcibly released", "key", key, "holder", entry.Holder, "held_since", entry.AcquiredAt)
	return entry, true, nil
}

// Holder returns the live entry for key, if any.
func (l *Ledger) Holder(key string) (Entry, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.get(key)
}

// Entries returns every live lock in the ledger.
func (l *Ledger) Entries() ([]Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	// FilterKeys is the only scan Starskey offers; results alternate
	// key, value.
	results, err := l.db.FilterKeys(func(key []byte) bool { return true })
	if err != nil {
		return nil, fmt.Errorf("kvlock: scan: %w", err)
	}

	entries := make([]Entry, 0, len(results)/2)
	for i := 0; i+1 < len(results); i += 2 {
		var entry Entry
		if err := json.Unmarshal(results[i+1], &entry); err != nil {
			log.Debug("Skipping unreadable lock entry", "key", string(results[i]), "error", err)
			continue
		}
		entry.Key = string(results[i])
		entries = append(entries, entry)
	}
	return entries, nil
}

func (l *Ledger) get(key string) (Entry, bool, error) {
	value, err := l.db.Get([]byte(key))
	if err != nil || value == nil {
		return Entry{}, false, nil
	}

	var entry Entry
	if err := json.Unmarshal(value, &entry); err != nil {
		return Entry{}, false, fmt.Errorf("kvlock: decode %s: %w", key, err)
	}
	entry.Key = key
	return entry, true, nil
}

// Close closes the underlying Starskey database.
func (l *Ledger) Close() error {
	log.Debug("Closing lock ledger")
	return l.db.Close()
}

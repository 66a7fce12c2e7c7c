package adapter

import (
	"context"
	"sync"

	"github.com/mirkobrombin/go-warmlock/v1/lock"
)

// Entry is the shared cached value together with its absolute expiry in
// epoch milliseconds.
type Entry struct {
	Key    string
	Value  string
	Expiry int64
}

// Acquisition is the outcome of a conditional lock acquisition.
type Acquisition struct {
	// Acquired is true when the caller now holds the lock.
	Acquired bool
	// HeldUntil is the deadline of the lock that defeated the condition.
	// It is only meaningful when Known is true.
	HeldUntil int64
	// Holder identifies the acquisition that owns the lock.
	Holder string
	// Known is false when the defeating lock vanished before it could be
	// read back.
	Known bool
}

// Acquired returns a successful acquisition owned by holder.
func Acquired(heldUntil int64, holder string) Acquisition {
	return Acquisition{Acquired: true, HeldUntil: heldUntil, Holder: holder, Known: true}
}

// Contended returns a failed acquisition defeated by a lock held until heldUntil.
func Contended(heldUntil int64, holder string) Acquisition {
	return Acquisition{HeldUntil: heldUntil, Holder: holder, Known: true}
}

// ContendedUnknown returns a failed acquisition whose defeating lock is gone.
func ContendedUnknown() Acquisition {
	return Acquisition{}
}

// Reclaimable reports whether the defeating lock may be taken over at now.
// A lock that vanished is always reclaimable.
func (a Acquisition) Reclaimable(now int64) bool {
	if a.Acquired {
		return false
	}
	return !a.Known || lock.Reclaimable(a.HeldUntil, now)
}

// Store abstracts the strongly consistent key-value store that holds entries
// and their guard locks.
type Store interface {
	// ReadEntry retrieves the entry for key. The boolean return indicates
	// whether the entry was found. Reads may be eventually consistent.
	ReadEntry(ctx context.Context, key string) (Entry, bool, error)
	// TryAcquireLock atomically creates or takes over the lock at lockKey
	// with deadline heldUntil, provided no lock exists or the existing one
	// has a deadline strictly before now. Stores compare against the now
	// supplied by the caller, so clock skew between callers larger than the
	// lock duration can let two callers hold the same lock.
	TryAcquireLock(ctx context.Context, lockKey string, heldUntil, now int64) (Acquisition, error)
	// ReleaseLock deletes the lock at lockKey when its deadline still equals
	// heldUntil. Releasing a missing or superseded lock is not an error.
	ReleaseLock(ctx context.Context, lockKey string, heldUntil int64) error
	// WriteEntry unconditionally overwrites the entry for key.
	WriteEntry(ctx context.Context, key, value string, expiry int64) error
}

type lockRecord struct {
	heldUntil int64
	holder    string
}

// InMemoryStore is a Store implementation backed by maps. It is safe for
// concurrent use and mainly intended for tests and single-process setups.
type InMemoryStore struct {
	mu      sync.Mutex
	entries map[string]Entry
	locks   map[string]lockRecord
	clock   func() int64
}

// InMemoryOption configures an InMemoryStore.
type InMemoryOption func(*InMemoryStore)

// WithClock makes the store evaluate lock conditions against its own clock
// instead of the now supplied by the caller.
func WithClock(now func() int64) InMemoryOption {
	return func(s *InMemoryStore) {
		s.clock = now
	}
}

// NewInMemoryStore returns a new InMemoryStore.
func NewInMemoryStore(opts ...InMemoryOption) *InMemoryStore {
	s := &InMemoryStore{
		entries: make(map[string]Entry),
		locks:   make(map[string]lockRecord),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ReadEntry implements Store.ReadEntry.
func (s *InMemoryStore) ReadEntry(ctx context.Context, key string) (Entry, bool, error) {
	if err := ctx.Err(); err != nil {
		return Entry{}, false, err
	}
	s.mu.Lock()
	e, ok := s.entries[key]
	s.mu.Unlock()
	return e, ok, nil
}

// TryAcquireLock implements Store.TryAcquireLock.
func (s *InMemoryStore) TryAcquireLock(ctx context.Context, lockKey string, heldUntil, now int64) (Acquisition, error) {
	if err := ctx.Err(); err != nil {
		return Acquisition{}, err
	}
	if s.clock != nil {
		now = s.clock()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.locks[lockKey]; ok && cur.heldUntil >= now {
		return Contended(cur.heldUntil, cur.holder), nil
	}
	holder := lock.NewHolder()
	s.locks[lockKey] = lockRecord{heldUntil: heldUntil, holder: holder}
	return Acquired(heldUntil, holder), nil
}

// ReleaseLock implements Store.ReleaseLock.
func (s *InMemoryStore) ReleaseLock(ctx context.Context, lockKey string, heldUntil int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	if cur, ok := s.locks[lockKey]; ok && cur.heldUntil == heldUntil {
		delete(s.locks, lockKey)
	}
	s.mu.Unlock()
	return nil
}

// WriteEntry implements Store.WriteEntry.
func (s *InMemoryStore) WriteEntry(ctx context.Context, key, value string, expiry int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	s.entries[key] = Entry{Key: key, Value: value, Expiry: expiry}
	s.mu.Unlock()
	return nil
}

// LockDeadline returns the deadline of the lock at lockKey, if present.
// It exists for tests and diagnostics; the protocol never reads locks.
func (s *InMemoryStore) LockDeadline(lockKey string) (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.locks[lockKey]
	return cur.heldUntil, ok
}

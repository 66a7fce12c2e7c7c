// Package storetest provides a conformance suite for adapter.Store
// implementations. Every backend runs the same suite so the coordinator can
// rely on identical acquire, contend, reclaim and release semantics.
package storetest

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mirkobrombin/go-warmlock/v1/adapter"
)

// Factory returns an empty store. It is called once per subtest.
type Factory func(t *testing.T) adapter.Store

const now = int64(1_700_000_000_000)

// Run executes the conformance suite against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("ReadMissing", func(t *testing.T) {
		s := newStore(t)
		_, ok, err := s.ReadEntry(context.Background(), "missing")
		require.NoError(t, err)
		require.False(t, ok)
	})

	t.Run("WriteReadRoundTrip", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		value := "eyJhbGciOi.tök€n/+=\n"
		require.NoError(t, s.WriteEntry(ctx, "token", value, now+1000))
		e, ok, err := s.ReadEntry(ctx, "token")
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, "token", e.Key)
		require.Equal(t, value, e.Value)
		require.Equal(t, now+1000, e.Expiry)
	})

	t.Run("WriteOverwrites", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.WriteEntry(ctx, "token", "v1", now+1000))
		require.NoError(t, s.WriteEntry(ctx, "token", "v2", now-1000))
		e, ok, err := s.ReadEntry(ctx, "token")
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, "v2", e.Value)
		require.Equal(t, now-1000, e.Expiry)
	})

	t.Run("AcquireFree", func(t *testing.T) {
		s := newStore(t)
		a, err := s.TryAcquireLock(context.Background(), "token:initial", now+5000, now)
		require.NoError(t, err)
		require.True(t, a.Acquired)
		require.Equal(t, now+5000, a.HeldUntil)
		require.NotEmpty(t, a.Holder)
	})

	t.Run("AcquireContended", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		first, err := s.TryAcquireLock(ctx, "token:initial", now+5000, now)
		require.NoError(t, err)
		require.True(t, first.Acquired)

		second, err := s.TryAcquireLock(ctx, "token:initial", now+6000, now+1000)
		require.NoError(t, err)
		require.False(t, second.Acquired)
		require.True(t, second.Known)
		require.Equal(t, now+5000, second.HeldUntil)
		require.Equal(t, first.Holder, second.Holder)
		require.False(t, second.Reclaimable(now+1000))
	})

	t.Run("AcquireAtDeadlineIsContendedButReclaimable", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		_, err := s.TryAcquireLock(ctx, "token:initial", now+5000, now)
		require.NoError(t, err)

		a, err := s.TryAcquireLock(ctx, "token:initial", now+10000, now+5000)
		require.NoError(t, err)
		require.False(t, a.Acquired)
		require.Equal(t, now+5000, a.HeldUntil)
		require.True(t, a.Reclaimable(now+5000))
	})

	t.Run("AcquireExpired", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		first, err := s.TryAcquireLock(ctx, "token:initial", now+5000, now)
		require.NoError(t, err)

		a, err := s.TryAcquireLock(ctx, "token:initial", now+11000, now+6000)
		require.NoError(t, err)
		require.True(t, a.Acquired)
		require.Equal(t, now+11000, a.HeldUntil)
		require.NotEqual(t, first.Holder, a.Holder)
	})

	t.Run("LocksArePerKey", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		a, err := s.TryAcquireLock(ctx, "token:1000", now+5000, now)
		require.NoError(t, err)
		require.True(t, a.Acquired)
		b, err := s.TryAcquireLock(ctx, "token:2000", now+5000, now)
		require.NoError(t, err)
		require.True(t, b.Acquired)
	})

	t.Run("EntryKeyEqualToLockKey", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		held, err := s.TryAcquireLock(ctx, "svc:initial", now+5000, now)
		require.NoError(t, err)
		require.True(t, held.Acquired)

		_, ok, err := s.ReadEntry(ctx, "svc:initial")
		require.NoError(t, err)
		require.False(t, ok, "a lock must not be readable as an entry")

		require.NoError(t, s.WriteEntry(ctx, "svc:initial", "v", now+9999))
		again, err := s.TryAcquireLock(ctx, "svc:initial", now+6000, now+1)
		require.NoError(t, err)
		require.False(t, again.Acquired, "writing an entry must not replace a live lock")
		require.Equal(t, now+5000, again.HeldUntil)

		e, ok, err := s.ReadEntry(ctx, "svc:initial")
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, "v", e.Value)
		require.Equal(t, now+9999, e.Expiry)
	})

	t.Run("ReleaseIsFenced", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		_, err := s.TryAcquireLock(ctx, "token:initial", now+5000, now)
		require.NoError(t, err)

		require.NoError(t, s.ReleaseLock(ctx, "token:initial", now+4999))
		a, err := s.TryAcquireLock(ctx, "token:initial", now+6000, now+1000)
		require.NoError(t, err)
		require.False(t, a.Acquired, "release with a stale deadline must not delete the lock")

		require.NoError(t, s.ReleaseLock(ctx, "token:initial", now+5000))
		a, err = s.TryAcquireLock(ctx, "token:initial", now+6000, now+1000)
		require.NoError(t, err)
		require.True(t, a.Acquired)
	})

	t.Run("ReleaseMissingIsIdempotent", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.ReleaseLock(ctx, "token:initial", now))
		require.NoError(t, s.ReleaseLock(ctx, "token:initial", now))
	})

	t.Run("ConcurrentAcquireSingleWinner", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		const callers = 16
		var (
			wg   sync.WaitGroup
			wins atomic.Int32
			errs = make(chan error, callers)
		)
		for i := 0; i < callers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				a, err := s.TryAcquireLock(ctx, "token:initial", now+5000, now)
				if err != nil {
					errs <- err
					return
				}
				if a.Acquired {
					wins.Add(1)
				}
			}()
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			require.NoError(t, err)
		}
		require.Equal(t, int32(1), wins.Load())
	})
}

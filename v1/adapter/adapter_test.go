package adapter_test

import (
	"context"
	"testing"

	"github.com/mirkobrombin/go-warmlock/v1/adapter"
	"github.com/mirkobrombin/go-warmlock/v1/adapter/storetest"
)

func TestInMemoryStoreConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) adapter.Store {
		return adapter.NewInMemoryStore()
	})
}

func TestInMemoryStoreUsesOwnClock(t *testing.T) {
	storeNow := int64(1000)
	s := adapter.NewInMemoryStore(adapter.WithClock(func() int64 { return storeNow }))
	ctx := context.Background()

	if a, err := s.TryAcquireLock(ctx, "k:initial", 2000, 1000); err != nil || !a.Acquired {
		t.Fatalf("acquire: %+v err %v", a, err)
	}
	// The caller believes the lock expired, the store does not.
	a, err := s.TryAcquireLock(ctx, "k:initial", 9000, 5000)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if a.Acquired {
		t.Fatal("store clock should have kept the lock")
	}
	if !a.Reclaimable(5000) {
		t.Fatal("caller should see the lock as reclaimable")
	}
	storeNow = 2001
	if a, err := s.TryAcquireLock(ctx, "k:initial", 9000, 5000); err != nil || !a.Acquired {
		t.Fatalf("acquire after store clock advanced: %+v err %v", a, err)
	}
	if d, ok := s.LockDeadline("k:initial"); !ok || d != 9000 {
		t.Fatalf("LockDeadline: %d ok=%v", d, ok)
	}
}

func TestInMemoryStoreCancelledContext(t *testing.T) {
	s := adapter.NewInMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, _, err := s.ReadEntry(ctx, "k"); err == nil {
		t.Fatal("expected context error from ReadEntry")
	}
	if _, err := s.TryAcquireLock(ctx, "k:initial", 2, 1); err == nil {
		t.Fatal("expected context error from TryAcquireLock")
	}
	if err := s.WriteEntry(ctx, "k", "v", 2); err == nil {
		t.Fatal("expected context error from WriteEntry")
	}
	if err := s.ReleaseLock(ctx, "k:initial", 2); err == nil {
		t.Fatal("expected context error from ReleaseLock")
	}
}

func TestAcquisitionReclaimable(t *testing.T) {
	if adapter.Acquired(10, "h").Reclaimable(100) {
		t.Fatal("an acquired lock is never reclaimable by its own caller")
	}
	if !adapter.ContendedUnknown().Reclaimable(0) {
		t.Fatal("a vanished lock is reclaimable")
	}
	if adapter.Contended(10, "h").Reclaimable(9) {
		t.Fatal("a live lock is not reclaimable")
	}
}

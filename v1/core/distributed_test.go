package core

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"

	"github.com/mirkobrombin/go-warmlock/v1/adapter"
	"github.com/mirkobrombin/go-warmlock/v1/lock"
)

func TestDistributedCoordinatorsShareOneProducer(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	defer mr.Close()

	const nodes = 3
	coords := make([]*Coordinator, nodes)
	for i := range coords {
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		defer client.Close()
		coords[i] = New(adapter.NewRedisStore(client), WithOnContention(ContentionReturnEmpty))
	}

	now := lock.Now()
	expiry := now + time.Hour.Milliseconds()
	var calls atomic.Int64
	produce := func(ctx context.Context) (string, int64, error) {
		calls.Add(1)
		time.Sleep(20 * time.Millisecond)
		return "shared", expiry, nil
	}

	var wg sync.WaitGroup
	var served atomic.Int64
	errs := make(chan error, 30)
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func(c *Coordinator) {
			defer wg.Done()
			v, ok, err := c.Resolve(context.Background(), "token", now, produce)
			if err != nil {
				errs <- err
				return
			}
			if ok {
				if v != "shared" {
					t.Errorf("unexpected value %q", v)
				}
				served.Add(1)
			}
		}(coords[i%nodes])
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("resolve: %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("expected one producer call across nodes, got %d", calls.Load())
	}
	if served.Load() < 1 {
		t.Fatal("expected the winner to be served")
	}

	// Every node now sees the fresh entry.
	for i, c := range coords {
		v, ok, err := c.Resolve(context.Background(), "token", now+1, produce)
		if err != nil || !ok || v != "shared" {
			t.Fatalf("node %d: %q %v %v", i, v, ok, err)
		}
	}
	if calls.Load() != 1 {
		t.Fatalf("expected no further producer calls, got %d", calls.Load())
	}
}

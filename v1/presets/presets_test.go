package presets

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"

	"github.com/mirkobrombin/go-warmlock/v1/core"
	"github.com/mirkobrombin/go-warmlock/v1/lock"
)

func produce(value string, expiry int64) core.Producer {
	return func(ctx context.Context) (string, int64, error) {
		return value, expiry, nil
	}
}

func resolveTwice(t *testing.T, s *Stack) {
	t.Helper()
	ctx := context.Background()
	now := lock.Now()
	expiry := now + time.Hour.Milliseconds()

	v, ok, err := s.Resolve(ctx, "foo", now, produce("bar", expiry))
	if err != nil || !ok || v != "bar" {
		t.Fatalf("first resolve: %q %v %v", v, ok, err)
	}
	v, _, err = s.Resolve(ctx, "foo", now+1, produce("baz", expiry))
	if err != nil || v != "bar" {
		t.Fatalf("second resolve: %q %v", v, err)
	}
	e, found, err := s.Store.ReadEntry(ctx, "foo")
	if err != nil || !found || e.Expiry != expiry {
		t.Fatalf("read entry: %+v %v %v", e, found, err)
	}
}

func TestNewInMemory(t *testing.T) {
	s := NewInMemory(core.WithRefreshWindow(time.Minute))
	defer s.Close()
	resolveTwice(t, s)
}

func TestNewRedis(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	defer mr.Close()

	s := NewRedis(RedisOptions{Addr: mr.Addr(), Prefix: "test:"})
	defer s.Close()
	resolveTwice(t, s)
	if !mr.Exists("test:entry:foo") {
		t.Fatal("expected entry under custom prefix")
	}
}

func TestNewSQLite(t *testing.T) {
	s, err := NewSQL(SQLOptions{
		Driver: "sqlite",
		DSN:    "file:" + uuid.NewString() + "?mode=memory&cache=shared",
	})
	if err != nil {
		t.Fatalf("NewSQL: %v", err)
	}
	defer s.Close()
	resolveTwice(t, s)
}

func TestNewSQLUnknownDriver(t *testing.T) {
	if _, err := NewSQL(SQLOptions{Driver: "oracle"}); err == nil {
		t.Fatal("expected error for unknown driver")
	}
}

func TestNewDynamoRequiresRegion(t *testing.T) {
	if _, err := NewDynamo(context.Background(), DynamoOptions{Table: "t"}); err == nil {
		t.Fatal("expected error without region")
	}
}

func TestNewDynamoRequiresTable(t *testing.T) {
	if _, err := NewDynamo(context.Background(), DynamoOptions{Region: "eu-west-1", Endpoint: "localhost:8000"}); err == nil {
		t.Fatal("expected error without table")
	}
}

func TestNewEtcdRequiresEndpoints(t *testing.T) {
	if _, err := NewEtcd(EtcdOptions{}); err == nil {
		t.Fatal("expected error without endpoints")
	}
}

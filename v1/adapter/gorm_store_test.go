package adapter_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/mirkobrombin/go-warmlock/v1/adapter"
	"github.com/mirkobrombin/go-warmlock/v1/adapter/storetest"
	wlerrors "github.com/mirkobrombin/go-warmlock/v1/errors"
)

func openGormDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("failed to connect database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("db handle: %v", err)
	}
	// sqlite serializes writers; a single connection avoids lock errors.
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	return db
}

func newGormStore(t *testing.T, opts ...adapter.GormOption) (*adapter.GormStore, *gorm.DB) {
	t.Helper()
	db := openGormDB(t)
	s, err := adapter.NewGormStore(db, opts...)
	if err != nil {
		t.Fatalf("NewGormStore: %v", err)
	}
	return s, db
}

func TestGormStoreConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) adapter.Store {
		s, _ := newGormStore(t)
		return s
	})
}

func TestGormStoreCustomTables(t *testing.T) {
	s, db := newGormStore(t, adapter.WithGormTableNames("tokens", "token_locks"))
	ctx := context.Background()
	if !db.Migrator().HasTable("tokens") || !db.Migrator().HasTable("token_locks") {
		t.Fatal("expected custom tables to be created")
	}
	if err := s.WriteEntry(ctx, "foo", "bar", 10); err != nil {
		t.Fatalf("WriteEntry: %v", err)
	}
	var count int64
	if err := db.Table("tokens").Count(&count).Error; err != nil || count != 1 {
		t.Fatalf("expected 1 row in tokens, got %d err %v", count, err)
	}
}

func TestGormStoreReopenKeepsData(t *testing.T) {
	db := openGormDB(t)
	ctx := context.Background()
	s1, err := adapter.NewGormStore(db)
	if err != nil {
		t.Fatalf("NewGormStore: %v", err)
	}
	if err := s1.WriteEntry(ctx, "foo", "bar", 10); err != nil {
		t.Fatalf("WriteEntry: %v", err)
	}
	s2, err := adapter.NewGormStore(db)
	if err != nil {
		t.Fatalf("NewGormStore: %v", err)
	}
	if e, ok, err := s2.ReadEntry(ctx, "foo"); err != nil || !ok || e.Value != "bar" {
		t.Fatalf("ReadEntry: %+v ok=%v err=%v", e, ok, err)
	}
}

func TestGormStoreTimeout(t *testing.T) {
	s, _ := newGormStore(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	time.Sleep(time.Millisecond)
	if _, _, err := s.ReadEntry(ctx, "foo"); !errors.Is(err, wlerrors.ErrTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
	if _, err := s.TryAcquireLock(ctx, "foo:initial", 2, 1); !errors.Is(err, wlerrors.ErrTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
}

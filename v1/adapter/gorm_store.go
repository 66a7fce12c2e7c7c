package adapter

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	wlerrors "github.com/mirkobrombin/go-warmlock/v1/errors"
	"github.com/mirkobrombin/go-warmlock/v1/lock"
)

const (
	defaultGormEntryTable = "warmlock_entries"
	defaultGormLockTable  = "warmlock_locks"
	defaultGormOpTimeout  = 5 * time.Second
)

// gormEntry is the row model for cached entries.
type gormEntry struct {
	Key    string `gorm:"primaryKey;column:key_id"`
	Value  string `gorm:"column:value"`
	Expiry int64  `gorm:"column:expiry"`
}

// gormLock is the row model for guard locks.
type gormLock struct {
	LockKey   string `gorm:"primaryKey;column:lock_key"`
	HeldUntil int64  `gorm:"column:held_until"`
	Holder    string `gorm:"column:holder"`
}

// GormStore implements Store on top of a SQL database through GORM.
// Acquisition relies only on single-statement atomicity (a conditional
// UPDATE followed by an INSERT that ignores conflicts), so it works on every
// dialect GORM supports.
type GormStore struct {
	db         *gorm.DB
	entryTable string
	lockTable  string
	timeout    time.Duration
}

// GormOption configures a GormStore.
type GormOption func(*gormStoreOptions)

type gormStoreOptions struct {
	entryTable string
	lockTable  string
	timeout    time.Duration
}

// WithGormTableNames sets the entry and lock table names. Empty names keep
// the defaults.
func WithGormTableNames(entries, locks string) GormOption {
	return func(o *gormStoreOptions) {
		if entries != "" {
			o.entryTable = entries
		}
		if locks != "" {
			o.lockTable = locks
		}
	}
}

// WithGormTimeout sets the operation timeout for GORM calls.
func WithGormTimeout(d time.Duration) GormOption {
	return func(o *gormStoreOptions) {
		o.timeout = d
	}
}

// NewGormStore returns a new GormStore using the provided GORM DB connection.
// Missing tables are created.
func NewGormStore(db *gorm.DB, opts ...GormOption) (*GormStore, error) {
	o := gormStoreOptions{
		entryTable: defaultGormEntryTable,
		lockTable:  defaultGormLockTable,
		timeout:    defaultGormOpTimeout,
	}
	for _, opt := range opts {
		opt(&o)
	}

	if !db.Migrator().HasTable(o.entryTable) {
		if err := db.Table(o.entryTable).AutoMigrate(&gormEntry{}); err != nil {
			return nil, err
		}
	}
	if !db.Migrator().HasTable(o.lockTable) {
		if err := db.Table(o.lockTable).AutoMigrate(&gormLock{}); err != nil {
			return nil, err
		}
	}

	return &GormStore{
		db:         db,
		entryTable: o.entryTable,
		lockTable:  o.lockTable,
		timeout:    o.timeout,
	}, nil
}

func translateGormErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return wlerrors.ErrTimeout
	}
	return err
}

// ReadEntry implements Store.ReadEntry.
func (s *GormStore) ReadEntry(ctx context.Context, key string) (Entry, bool, error) {
	if err := ctx.Err(); err != nil {
		return Entry{}, false, translateGormErr(err)
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var row gormEntry
	err := s.db.WithContext(cctx).Table(s.entryTable).Where("key_id = ?", key).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, translateGormErr(err)
	}
	return Entry{Key: row.Key, Value: row.Value, Expiry: row.Expiry}, true, nil
}

// TryAcquireLock implements Store.TryAcquireLock.
func (s *GormStore) TryAcquireLock(ctx context.Context, lockKey string, heldUntil, now int64) (Acquisition, error) {
	if err := ctx.Err(); err != nil {
		return Acquisition{}, translateGormErr(err)
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	db := s.db.WithContext(cctx)
	holder := lock.NewHolder()

	// Take over an expired lock.
	res := db.Table(s.lockTable).
		Where("lock_key = ? AND held_until < ?", lockKey, now).
		Updates(map[string]any{"held_until": heldUntil, "holder": holder})
	if res.Error != nil {
		return Acquisition{}, translateGormErr(res.Error)
	}
	if res.RowsAffected == 1 {
		return Acquired(heldUntil, holder), nil
	}

	// Create a missing lock.
	res = db.Table(s.lockTable).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "lock_key"}}, DoNothing: true}).
		Create(&gormLock{LockKey: lockKey, HeldUntil: heldUntil, Holder: holder})
	if res.Error != nil {
		return Acquisition{}, translateGormErr(res.Error)
	}
	if res.RowsAffected == 1 {
		return Acquired(heldUntil, holder), nil
	}

	// Report the lock that defeated both statements.
	var cur gormLock
	err := db.Table(s.lockTable).Where("lock_key = ?", lockKey).Take(&cur).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ContendedUnknown(), nil
	}
	if err != nil {
		return Acquisition{}, translateGormErr(err)
	}
	return Contended(cur.HeldUntil, cur.Holder), nil
}

// ReleaseLock implements Store.ReleaseLock.
func (s *GormStore) ReleaseLock(ctx context.Context, lockKey string, heldUntil int64) error {
	if err := ctx.Err(); err != nil {
		return translateGormErr(err)
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	err := s.db.WithContext(cctx).Table(s.lockTable).
		Where("lock_key = ? AND held_until = ?", lockKey, heldUntil).
		Delete(&gormLock{}).Error
	return translateGormErr(err)
}

// WriteEntry implements Store.WriteEntry.
func (s *GormStore) WriteEntry(ctx context.Context, key, value string, expiry int64) error {
	if err := ctx.Err(); err != nil {
		return translateGormErr(err)
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	row := gormEntry{Key: key, Value: value, Expiry: expiry}
	err := s.db.WithContext(cctx).Table(s.entryTable).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "expiry"}),
	}).Create(&row).Error
	return translateGormErr(err)
}

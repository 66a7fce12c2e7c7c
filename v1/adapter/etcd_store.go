package adapter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	wlerrors "github.com/mirkobrombin/go-warmlock/v1/errors"
	"github.com/mirkobrombin/go-warmlock/v1/lock"
)

const (
	defaultEtcdPrefix    = "/warmlock/"
	defaultEtcdOpTimeout = 5 * time.Second
)

type etcdEntry struct {
	Value  string `json:"value"`
	Expiry int64  `json:"expiry"`
}

type etcdLock struct {
	HeldUntil int64  `json:"held_until"`
	Holder    string `json:"holder"`
}

// EtcdStore implements Store on etcd. Lock acquisition is a revision-guarded
// transaction: create when absent, or overwrite the exact revision that was
// observed to be expired.
type EtcdStore struct {
	kv      clientv3.KV
	prefix  string
	timeout time.Duration
}

// EtcdOption configures an EtcdStore.
type EtcdOption func(*etcdStoreOptions)

type etcdStoreOptions struct {
	prefix  string
	timeout time.Duration
}

// WithEtcdPrefix sets the key prefix used for entries and locks.
func WithEtcdPrefix(p string) EtcdOption {
	return func(o *etcdStoreOptions) {
		o.prefix = p
	}
}

// WithEtcdTimeout sets the operation timeout for etcd calls.
func WithEtcdTimeout(d time.Duration) EtcdOption {
	return func(o *etcdStoreOptions) {
		o.timeout = d
	}
}

// NewEtcdStore returns an EtcdStore. kv is usually a *clientv3.Client.
func NewEtcdStore(kv clientv3.KV, opts ...EtcdOption) *EtcdStore {
	o := etcdStoreOptions{prefix: defaultEtcdPrefix, timeout: defaultEtcdOpTimeout}
	for _, opt := range opts {
		opt(&o)
	}
	return &EtcdStore{kv: kv, prefix: o.prefix, timeout: o.timeout}
}

func (s *EtcdStore) entryKey(key string) string {
	return s.prefix + "entries/" + key
}

func (s *EtcdStore) lockKey(lockKey string) string {
	return s.prefix + "locks/" + lockKey
}

func translateEtcdErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return wlerrors.ErrTimeout
	}
	return err
}

// ReadEntry implements Store.ReadEntry.
func (s *EtcdStore) ReadEntry(ctx context.Context, key string) (Entry, bool, error) {
	if err := ctx.Err(); err != nil {
		return Entry{}, false, translateEtcdErr(err)
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	resp, err := s.kv.Get(cctx, s.entryKey(key))
	if err != nil {
		return Entry{}, false, translateEtcdErr(err)
	}
	if len(resp.Kvs) == 0 {
		return Entry{}, false, nil
	}
	var e etcdEntry
	if err := json.Unmarshal(resp.Kvs[0].Value, &e); err != nil {
		return Entry{}, false, fmt.Errorf("etcd: decode entry %q: %w", key, err)
	}
	return Entry{Key: key, Value: e.Value, Expiry: e.Expiry}, true, nil
}

// TryAcquireLock implements Store.TryAcquireLock.
func (s *EtcdStore) TryAcquireLock(ctx context.Context, lockKey string, heldUntil, now int64) (Acquisition, error) {
	if err := ctx.Err(); err != nil {
		return Acquisition{}, translateEtcdErr(err)
	}
	holder := lock.NewHolder()
	val, err := json.Marshal(etcdLock{HeldUntil: heldUntil, Holder: holder})
	if err != nil {
		return Acquisition{}, err
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	k := s.lockKey(lockKey)

	resp, err := s.kv.Txn(cctx).
		If(clientv3.Compare(clientv3.CreateRevision(k), "=", 0)).
		Then(clientv3.OpPut(k, string(val))).
		Else(clientv3.OpGet(k)).
		Commit()
	if err != nil {
		return Acquisition{}, translateEtcdErr(err)
	}
	if resp.Succeeded {
		return Acquired(heldUntil, holder), nil
	}
	cur, rev, ok, err := decodeEtcdLock(resp)
	if err != nil || !ok {
		return ContendedUnknown(), err
	}
	if cur.HeldUntil >= now {
		return Contended(cur.HeldUntil, cur.Holder), nil
	}

	// The observed lock expired; replace exactly that revision.
	resp, err = s.kv.Txn(cctx).
		If(clientv3.Compare(clientv3.ModRevision(k), "=", rev)).
		Then(clientv3.OpPut(k, string(val))).
		Else(clientv3.OpGet(k)).
		Commit()
	if err != nil {
		return Acquisition{}, translateEtcdErr(err)
	}
	if resp.Succeeded {
		return Acquired(heldUntil, holder), nil
	}
	cur, _, ok, err = decodeEtcdLock(resp)
	if err != nil || !ok {
		return ContendedUnknown(), err
	}
	return Contended(cur.HeldUntil, cur.Holder), nil
}

func decodeEtcdLock(resp *clientv3.TxnResponse) (etcdLock, int64, bool, error) {
	if len(resp.Responses) == 0 {
		return etcdLock{}, 0, false, nil
	}
	rng := resp.Responses[0].GetResponseRange()
	if rng == nil || len(rng.Kvs) == 0 {
		return etcdLock{}, 0, false, nil
	}
	var l etcdLock
	if err := json.Unmarshal(rng.Kvs[0].Value, &l); err != nil {
		return etcdLock{}, 0, false, fmt.Errorf("etcd: decode lock %q: %w", rng.Kvs[0].Key, err)
	}
	return l, rng.Kvs[0].ModRevision, true, nil
}

// ReleaseLock implements Store.ReleaseLock.
func (s *EtcdStore) ReleaseLock(ctx context.Context, lockKey string, heldUntil int64) error {
	if err := ctx.Err(); err != nil {
		return translateEtcdErr(err)
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	k := s.lockKey(lockKey)
	resp, err := s.kv.Get(cctx, k)
	if err != nil {
		return translateEtcdErr(err)
	}
	if len(resp.Kvs) == 0 {
		return nil
	}
	var cur etcdLock
	if err := json.Unmarshal(resp.Kvs[0].Value, &cur); err != nil {
		return fmt.Errorf("etcd: decode lock %q: %w", lockKey, err)
	}
	if cur.HeldUntil != heldUntil {
		return nil
	}
	_, err = s.kv.Txn(cctx).
		If(clientv3.Compare(clientv3.ModRevision(k), "=", resp.Kvs[0].ModRevision)).
		Then(clientv3.OpDelete(k)).
		Commit()
	return translateEtcdErr(err)
}

// WriteEntry implements Store.WriteEntry.
func (s *EtcdStore) WriteEntry(ctx context.Context, key, value string, expiry int64) error {
	if err := ctx.Err(); err != nil {
		return translateEtcdErr(err)
	}
	val, err := json.Marshal(etcdEntry{Value: value, Expiry: expiry})
	if err != nil {
		return err
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if _, err := s.kv.Put(cctx, s.entryKey(key), string(val)); err != nil {
		return translateEtcdErr(err)
	}
	return nil
}

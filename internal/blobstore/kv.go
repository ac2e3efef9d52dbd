package blobstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

// KV stores blobs in a JetStream key-value bucket. Runtimes on the same bus
// can reach the bucket, but a note state is owned by whichever one holds its
// lock.
type KV struct {
	kv    nats.KeyValue
	lease time.Duration
	clock func() time.Time
}

// OpenKV binds to bucket, creating it when it does not exist yet.
func OpenKV(js nats.JetStreamContext, bucket string) (*KV, error) {
	kv, err := js.KeyValue(bucket)
	if errors.Is(err, nats.ErrBucketNotFound) {
		kv, err = js.CreateKeyValue(&nats.KeyValueConfig{
			Bucket:      bucket,
			Description: "persisted note state",
			History:     1,
		})
	}
	if err != nil {
		return nil, fmt.Errorf("bind kv bucket %s: %w", bucket, err)
	}
	return &KV{kv: kv, lease: defaultLockLease, clock: time.Now}, nil
}

func (k *KV) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entry, err := k.kv.Get(key)
	if errors.Is(err, nats.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read kv %s: %w", key, err)
	}
	return entry.Value(), nil
}

func (k *KV) Put(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := k.kv.Put(key, value); err != nil {
		return fmt.Errorf("write kv %s: %w", key, err)
	}
	return nil
}

// Lock claims key through a lease stored under "<key>.lock". The lease is
// renewed until unlock, so a runtime that dies holding it frees the key once
// the lease runs out.
func (k *KV) Lock(ctx context.Context, key string) (func() error, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	lockKey := key + ".lock"
	owner := uuid.NewString()
	rev, err := k.claim(lockKey, owner)
	if err != nil {
		return nil, err
	}

	// rev is only touched by the renew loop and, after it stops, by release.
	renew := func() error {
		next, err := k.kv.Update(lockKey, k.leaseFor(owner), rev)
		if err != nil {
			return err
		}
		rev = next
		return nil
	}
	release := func() error {
		// A stale rev means the lease was taken over and is left alone.
		if err := k.kv.Delete(lockKey, nats.LastRevision(rev)); err != nil {
			return fmt.Errorf("release kv lock %s: %w", lockKey, err)
		}
		return nil
	}
	return holdLease(k.lease/3, renew, release), nil
}

func (k *KV) leaseFor(owner string) []byte {
	data, _ := json.Marshal(lockLease{Owner: owner, Expires: k.clock().Add(k.lease).UTC()})
	return data
}

// claim creates the lease, or takes over one that has expired.
func (k *KV) claim(lockKey, owner string) (uint64, error) {
	rev, createErr := k.kv.Create(lockKey, k.leaseFor(owner))
	if createErr == nil {
		return rev, nil
	}
	entry, err := k.kv.Get(lockKey)
	if err != nil {
		return 0, fmt.Errorf("create kv lock %s: %w", lockKey, createErr)
	}
	var held lockLease
	if err := json.Unmarshal(entry.Value(), &held); err == nil && k.clock().Before(held.Expires) {
		return 0, lockedUntil(lockKey, held.Expires)
	}
	rev, err = k.kv.Update(lockKey, k.leaseFor(owner), entry.Revision())
	if err != nil {
		return 0, fmt.Errorf("%w: %s taken over concurrently", ErrLocked, lockKey)
	}
	return rev, nil
}

func (k *KV) Close() error { return nil }

package campaign

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"newsletter/internal/domain"
	"newsletter/internal/store/memstore"
)

func newRedisLocker(t *testing.T, ttl time.Duration) (*RedisLocker, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisLocker(client, ttl), mr
}

func TestRedisLocker(t *testing.T) {
	ctx := context.Background()
	l, mr := newRedisLocker(t, time.Minute)

	ok, err := l.Acquire(ctx, "c1", "run-a")
	if err != nil || !ok {
		t.Fatalf("expected run-a to acquire, got %v %v", ok, err)
	}
	if ok, _ := l.Acquire(ctx, "c1", "run-b"); ok {
		t.Fatalf("expected run-b to be refused while run-a holds the lock")
	}
	if ok, _ := l.Acquire(ctx, "c2", "run-b"); !ok {
		t.Fatalf("locks are per campaign; expected run-b to acquire c2")
	}

	// only the owner can release
	if err := l.Release(ctx, "c1", "run-b"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if !mr.Exists("lock:campaign-run:c1") {
		t.Fatalf("non-owner release must not delete the lock")
	}
	if err := l.Extend(ctx, "c1", "run-b"); !errors.Is(err, domain.ErrLockLost) {
		t.Fatalf("expected ErrLockLost for non-owner extend, got %v", err)
	}
	if err := l.Extend(ctx, "c1", "run-a"); err != nil {
		t.Fatalf("owner extend: %v", err)
	}

	if err := l.Release(ctx, "c1", "run-a"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if ok, _ := l.Acquire(ctx, "c1", "run-b"); !ok {
		t.Fatalf("expected run-b to acquire after release")
	}
}

func TestRedisLockerExpiredOwnerCannotReleaseSuccessor(t *testing.T) {
	ctx := context.Background()
	l, mr := newRedisLocker(t, time.Second)

	if ok, _ := l.Acquire(ctx, "c1", "run-a"); !ok {
		t.Fatalf("expected acquire")
	}
	mr.FastForward(2 * time.Second)
	if ok, _ := l.Acquire(ctx, "c1", "run-b"); !ok {
		t.Fatalf("expected acquire after ttl expiry")
	}

	if err := l.Release(ctx, "c1", "run-a"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if got, _ := mr.Get("lock:campaign-run:c1"); got != "run-b" {
		t.Fatalf("expected run-b to keep the lock, got %q", got)
	}
	if err := l.Extend(ctx, "c1", "run-a"); !errors.Is(err, domain.ErrLockLost) {
		t.Fatalf("expected ErrLockLost, got %v", err)
	}
}

func TestStoreLockerOwner(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	st.PutCampaign(domain.Campaign{ID: "c1", Status: domain.CampaignDraft})
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l := &StoreLocker{Store: st, TTL: time.Minute, Now: func() time.Time { return now }}

	if ok, err := l.Acquire(ctx, "c1", "run-a"); err != nil || !ok {
		t.Fatalf("expected run-a to acquire, got %v %v", ok, err)
	}
	if ok, _ := l.Acquire(ctx, "c1", "run-b"); ok {
		t.Fatalf("expected run-b to be refused")
	}

	now = now.Add(2 * time.Minute)
	if ok, _ := l.Acquire(ctx, "c1", "run-b"); !ok {
		t.Fatalf("expected run-b to take the expired lock")
	}
	if err := l.Release(ctx, "c1", "run-a"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := l.Extend(ctx, "c1", "run-a"); !errors.Is(err, domain.ErrLockLost) {
		t.Fatalf("expected ErrLockLost, got %v", err)
	}
	c, _, _ := st.GetCampaign(ctx, "c1")
	if c.LockOwner != "run-b" || c.LockedUntil == nil {
		t.Fatalf("expected run-b to still hold the lock, got %+v", c)
	}
}

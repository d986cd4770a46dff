package campaign

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"newsletter/internal/domain"
	"newsletter/internal/store"
	"newsletter/internal/util"
)

// Locker guards a campaign against two concurrent dispatch runs. The owner is the run id; only the
// owner can extend or release, so a run whose lock expired cannot free a lock taken by the next run.
type Locker interface {
	// Acquire returns false without error when another run holds the lock.
	Acquire(ctx context.Context, campaignID, owner string) (bool, error)
	// Extend pushes the expiry forward for long runs. It fails with domain.ErrLockLost when owner
	// no longer holds the lock.
	Extend(ctx context.Context, campaignID, owner string) error
	Release(ctx context.Context, campaignID, owner string) error
}

type LockStore interface {
	ClaimRunLock(ctx context.Context, in store.LockClaim) (bool, error)
	ExtendRunLock(ctx context.Context, in store.LockClaim) error
	ReleaseRunLock(ctx context.Context, campaignID, owner string) error
}

// StoreLocker keeps the lock in the campaign row's locked_until and lock_owner columns.
type StoreLocker struct {
	Store LockStore
	TTL   time.Duration
	Now   func() time.Time
}

func (l *StoreLocker) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return util.NowUTC()
}

func (l *StoreLocker) Acquire(ctx context.Context, campaignID, owner string) (bool, error) {
	return l.Store.ClaimRunLock(ctx, store.LockClaim{CampaignID: campaignID, Owner: owner, Now: l.now(), TTL: l.TTL})
}

func (l *StoreLocker) Extend(ctx context.Context, campaignID, owner string) error {
	return l.Store.ExtendRunLock(ctx, store.LockClaim{CampaignID: campaignID, Owner: owner, Now: l.now(), TTL: l.TTL})
}

func (l *StoreLocker) Release(ctx context.Context, campaignID, owner string) error {
	return l.Store.ReleaseRunLock(ctx, campaignID, owner)
}

var (
	releaseScript = redis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("del", KEYS[1])
		else
			return 0
		end
	`)
	extendScript = redis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("pexpire", KEYS[1], ARGV[2])
		else
			return 0
		end
	`)
)

// RedisLocker uses SET NX PX with the run id as value; extend and release compare it in a script.
type RedisLocker struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisLocker(client *redis.Client, ttl time.Duration) *RedisLocker {
	return &RedisLocker{client: client, ttl: ttl}
}

func redisKey(campaignID string) string { return "lock:campaign-run:" + campaignID }

func (l *RedisLocker) Acquire(ctx context.Context, campaignID, owner string) (bool, error) {
	ok, err := l.client.SetNX(ctx, redisKey(campaignID), owner, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire lock %s: %w", campaignID, err)
	}
	return ok, nil
}

func (l *RedisLocker) Extend(ctx context.Context, campaignID, owner string) error {
	n, err := extendScript.Run(ctx, l.client, []string{redisKey(campaignID)}, owner, l.ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("extend lock %s: %w", campaignID, err)
	}
	if n == 0 {
		return fmt.Errorf("extend lock %s: %w", campaignID, domain.ErrLockLost)
	}
	return nil
}

func (l *RedisLocker) Release(ctx context.Context, campaignID, owner string) error {
	_, err := releaseScript.Run(ctx, l.client, []string{redisKey(campaignID)}, owner).Result()
	return err
}

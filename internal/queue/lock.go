package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// TenantLock is a per-tenant lease in Redis that keeps sync runs from
// overlapping when more than one process drains the same queue.
type TenantLock struct {
	client redis.UniversalClient
	prefix string
	owner  string
	ttl    time.Duration
}

// NewTenantLock builds a lock whose holder identity is owner.
func NewTenantLock(client redis.UniversalClient, prefix, owner string, ttl time.Duration) *TenantLock {
	if prefix == "" {
		prefix = "offline"
	}
	if owner == "" {
		owner = uuid.NewString()
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &TenantLock{client: client, prefix: prefix, owner: owner, ttl: ttl}
}

func (l *TenantLock) key(tenantID string) string {
	return fmt.Sprintf("%s:lock:%s", l.prefix, tenantID)
}

// TryLock acquires the tenant lease without waiting. The returned release
// function only deletes the lease if it is still held by this owner.
func (l *TenantLock) TryLock(ctx context.Context, tenantID string) (func(context.Context) error, bool, error) {
	key := l.key(tenantID)
	ok, err := l.client.SetNX(ctx, key, l.owner, l.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("acquire tenant lock %s: %w", key, err)
	}
	if !ok {
		return nil, false, nil
	}
	release := func(ctx context.Context) error {
		res, err := unlockScript.Run(ctx, l.client, []string{key}, l.owner).Int64()
		if err != nil {
			return fmt.Errorf("release tenant lock %s: %w", key, err)
		}
		if res == 0 {
			return fmt.Errorf("release tenant lock %s: lease expired or held by another owner", key)
		}
		return nil
	}
	return release, true, nil
}

var unlockScript = redis.NewScript(`
if redis.call('get', KEYS[1]) == ARGV[1] then return redis.call('del', KEYS[1]) else return 0 end
`)

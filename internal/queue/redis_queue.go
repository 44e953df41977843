// Package queue keeps the offline mutation queue in Redis and provides the
// Redis-backed tenant lock used when several sync processes share one queue.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"offline-sync-engine/internal/config"
	"offline-sync-engine/internal/models"
	"offline-sync-engine/internal/store"
)

// RedisStore coordinates per-tenant order, syncing and failed sets plus one hash per item.
//
// Key layout under prefix p:
//
//	p:tenants               set of tenants with queued work
//	p:t:{tenant}:seq        sequence counter
//	p:t:{tenant}:order      zset id scored by seq
//	p:t:{tenant}:syncing    ids currently handed to apply
//	p:t:{tenant}:failed     ids parked after a permanent failure
//	p:t:{tenant}:item:{id}  item hash
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisClient builds a client from config.
func NewRedisClient(cfg config.Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
}

// NewRedisStore builds a queue store on an existing client.
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "offline"
	}
	return &RedisStore{client: client, prefix: prefix}
}

// Ping verifies the server is reachable.
func (q *RedisStore) Ping(ctx context.Context) error {
	if err := q.client.Ping(ctx).Err(); err != nil {
		return models.NewStorageError("connect", err)
	}
	return nil
}

func (q *RedisStore) Close() {
	_ = q.client.Close()
}

func (q *RedisStore) tenantsKey() string { return q.prefix + ":tenants" }

func (q *RedisStore) tenantKey(tenantID, suffix string) string {
	return fmt.Sprintf("%s:t:%s:%s", q.prefix, tenantID, suffix)
}

func (q *RedisStore) itemPrefix(tenantID string) string { return q.tenantKey(tenantID, "item:") }

func (q *RedisStore) itemKey(tenantID, id string) string { return q.itemPrefix(tenantID) + id }

// Enqueue assigns the tenant's next sequence number and persists the item atomically.
func (q *RedisStore) Enqueue(ctx context.Context, in models.QueueItemInput) (models.QueueItem, error) {
	if err := in.Validate(); err != nil {
		return models.QueueItem{}, err
	}
	data := in.RecordData
	if data == nil {
		data = map[string]any{}
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return models.QueueItem{}, fmt.Errorf("%w: marshal record_data: %v", models.ErrInvalidItem, err)
	}

	now := time.Now().UTC()
	item := in.NewItem(store.NewItemID(), 0, now)
	keys := []string{
		q.tenantKey(item.TenantID, "seq"),
		q.tenantKey(item.TenantID, "order"),
		q.tenantsKey(),
		q.itemKey(item.TenantID, item.ID),
	}
	args := []any{
		item.ID, item.TenantID,
		"id", item.ID,
		"tenant_id", item.TenantID,
		"user_id", item.UserID,
		"table_name", item.TableName,
		"operation_type", string(item.Operation),
		"record_id", deref(item.RecordID),
		"local_ref", deref(item.LocalRef),
		"record_data", string(raw),
		"status", string(models.StatusPending),
		"attempt_count", 0,
		"last_error", "",
		"created_at", now.UnixNano(),
		"updated_at", now.UnixNano(),
	}
	seq, err := enqueueScript.Run(ctx, q.client, keys, args...).Int64()
	if err != nil {
		return models.QueueItem{}, models.NewStorageError("enqueue", err)
	}
	item.Seq = seq
	return item, nil
}

// ListPending returns pending and failed items of the tenant in replay order.
func (q *RedisStore) ListPending(ctx context.Context, tenantID string) ([]models.QueueItem, error) {
	items, err := q.listOrdered(ctx, tenantID)
	if err != nil {
		return nil, models.NewStorageError("list pending", err)
	}
	out := make([]models.QueueItem, 0, len(items))
	for _, it := range items {
		if it.Visible() {
			out = append(out, it)
		}
	}
	return out, nil
}

// ListFailed returns the tenant's items awaiting operator intervention.
func (q *RedisStore) ListFailed(ctx context.Context, tenantID string) ([]models.QueueItem, error) {
	items, err := q.listOrdered(ctx, tenantID)
	if err != nil {
		return nil, models.NewStorageError("list failed", err)
	}
	out := make([]models.QueueItem, 0)
	for _, it := range items {
		if it.Status == models.StatusFailed {
			out = append(out, it)
		}
	}
	return out, nil
}

func (q *RedisStore) listOrdered(ctx context.Context, tenantID string) ([]models.QueueItem, error) {
	ids, err := q.client.ZRange(ctx, q.tenantKey(tenantID, "order"), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return []models.QueueItem{}, nil
	}
	pipe := q.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, 0, len(ids))
	for _, id := range ids {
		cmds = append(cmds, pipe.HGetAll(ctx, q.itemKey(tenantID, id)))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	items := make([]models.QueueItem, 0, len(ids))
	for _, c := range cmds {
		fields := c.Val()
		// Removed between ZRANGE and HGETALL.
		if len(fields) == 0 {
			continue
		}
		item, err := decodeItem(fields)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, nil
}

// Get fetches one item of the tenant.
func (q *RedisStore) Get(ctx context.Context, tenantID, id string) (models.QueueItem, error) {
	fields, err := q.client.HGetAll(ctx, q.itemKey(tenantID, id)).Result()
	if err != nil {
		return models.QueueItem{}, models.NewStorageError("get", err)
	}
	if len(fields) == 0 {
		return models.QueueItem{}, models.ErrNotFound
	}
	item, err := decodeItem(fields)
	if err != nil {
		return models.QueueItem{}, models.NewStorageError("get", err)
	}
	return item, nil
}

func (q *RedisStore) transitionKeys(tenantID, id string) []string {
	return []string{
		q.itemKey(tenantID, id),
		q.tenantKey(tenantID, "syncing"),
		q.tenantKey(tenantID, "failed"),
		q.tenantKey(tenantID, "order"),
	}
}

// MarkSyncing flags an item as handed to the remote apply call.
func (q *RedisStore) MarkSyncing(ctx context.Context, tenantID, id string) error {
	return q.run(ctx, "mark syncing", markSyncingScript, q.transitionKeys(tenantID, id), id, nowNano())
}

// MarkPending reverts a syncing item after a transient failure and counts the attempt.
func (q *RedisStore) MarkPending(ctx context.Context, tenantID, id, reason string) error {
	return q.run(ctx, "mark pending", markPendingScript, q.transitionKeys(tenantID, id), id, reason, nowNano())
}

// MarkFailed parks an item after a permanent failure.
func (q *RedisStore) MarkFailed(ctx context.Context, tenantID, id, reason string) error {
	return q.run(ctx, "mark failed", markFailedScript, q.transitionKeys(tenantID, id), id, reason, nowNano())
}

// Remove deletes an item; removing a missing item is a no-op.
func (q *RedisStore) Remove(ctx context.Context, tenantID, id string) error {
	pipe := q.client.TxPipeline()
	pipe.Del(ctx, q.itemKey(tenantID, id))
	pipe.ZRem(ctx, q.tenantKey(tenantID, "order"), id)
	pipe.SRem(ctx, q.tenantKey(tenantID, "syncing"), id)
	pipe.SRem(ctx, q.tenantKey(tenantID, "failed"), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return models.NewStorageError("remove", err)
	}
	return nil
}

// Retry moves a failed item back to pending with a fresh attempt count.
func (q *RedisStore) Retry(ctx context.Context, tenantID, id string) error {
	n, err := retryScript.Run(ctx, q.client, q.transitionKeys(tenantID, id), id, nowNano()).Int64()
	if err != nil {
		return models.NewStorageError("retry", err)
	}
	if n == 0 {
		return models.ErrNotFound
	}
	return nil
}

// ResolveLocalRef stamps the real record id onto queued items that referenced a temporary one.
func (q *RedisStore) ResolveLocalRef(ctx context.Context, tenantID, localRef, recordID string) (int, error) {
	n, err := resolveScript.Run(ctx, q.client, []string{q.tenantKey(tenantID, "order")},
		q.itemPrefix(tenantID), localRef, recordID, nowNano()).Int64()
	if err != nil {
		return 0, models.NewStorageError("resolve local ref", err)
	}
	return int(n), nil
}

// Count returns the number of pending and failed items for the tenant.
func (q *RedisStore) Count(ctx context.Context, tenantID string) (int, error) {
	pipe := q.client.TxPipeline()
	total := pipe.ZCard(ctx, q.tenantKey(tenantID, "order"))
	syncing := pipe.SCard(ctx, q.tenantKey(tenantID, "syncing"))
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, models.NewStorageError("count", err)
	}
	n := total.Val() - syncing.Val()
	if n < 0 {
		n = 0
	}
	return int(n), nil
}

// RecoverSyncing returns items interrupted mid-apply by a crash to pending, across all tenants.
func (q *RedisStore) RecoverSyncing(ctx context.Context, staleAfter time.Duration) (int, error) {
	now := nowNano()
	cutoff := now - staleAfter.Nanoseconds()
	tenants, err := q.client.SMembers(ctx, q.tenantsKey()).Result()
	if err != nil {
		return 0, models.NewStorageError("recover syncing", err)
	}
	recovered := 0
	for _, tenant := range tenants {
		n, err := recoverScript.Run(ctx, q.client, []string{q.tenantKey(tenant, "syncing")}, q.itemPrefix(tenant), now, cutoff).Int64()
		if err != nil {
			return recovered, models.NewStorageError("recover syncing", err)
		}
		recovered += int(n)
	}
	return recovered, nil
}

func (q *RedisStore) run(ctx context.Context, op string, script *redis.Script, keys []string, args ...any) error {
	if err := script.Run(ctx, q.client, keys, args...).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return models.NewStorageError(op, err)
	}
	return nil
}

func decodeItem(f map[string]string) (models.QueueItem, error) {
	item := models.QueueItem{
		ID:        f["id"],
		TenantID:  f["tenant_id"],
		UserID:    f["user_id"],
		TableName: f["table_name"],
		Operation: models.OperationType(f["operation_type"]),
		RecordID:  models.StringPtr(f["record_id"]),
		LocalRef:  models.StringPtr(f["local_ref"]),
		Status:    models.SyncStatus(f["status"]),
		LastError: models.StringPtr(f["last_error"]),
	}
	var err error
	if item.Seq, err = strconv.ParseInt(f["seq"], 10, 64); err != nil {
		return models.QueueItem{}, fmt.Errorf("item %s: bad seq: %w", item.ID, err)
	}
	if v := f["attempt_count"]; v != "" {
		if item.AttemptCount, err = strconv.Atoi(v); err != nil {
			return models.QueueItem{}, fmt.Errorf("item %s: bad attempt_count: %w", item.ID, err)
		}
	}
	item.CreatedAt = unixNano(f["created_at"])
	item.UpdatedAt = unixNano(f["updated_at"])
	if raw := f["record_data"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &item.RecordData); err != nil {
			return models.QueueItem{}, fmt.Errorf("item %s: unmarshal record_data: %w", item.ID, err)
		}
	}
	return item, nil
}

func unixNano(v string) time.Time {
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func nowNano() int64 { return time.Now().UTC().UnixNano() }

func deref(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}
// KEYS: seq, order, tenants, item. ARGV: id, tenant, field/value pairs.
var enqueueScript = redis.NewScript(`
local seq = redis.call('INCR', KEYS[1])
redis.call('HSET', KEYS[4], 'seq', seq, unpack(ARGV, 3))
redis.call('ZADD', KEYS[2], seq, ARGV[1])
redis.call('SADD', KEYS[3], ARGV[2])
return seq
`)

// Transition scripts share KEYS: item, syncing, failed, order.
var markSyncingScript = redis.NewScript(`
local st = redis.call('HGET', KEYS[1], 'status')
if st ~= 'pending' and st ~= 'failed' then return 0 end
redis.call('HSET', KEYS[1], 'status', 'syncing', 'updated_at', ARGV[2])
redis.call('SADD', KEYS[2], ARGV[1])
redis.call('SREM', KEYS[3], ARGV[1])
return 1
`)

var markPendingScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'status') ~= 'syncing' then return 0 end
redis.call('HSET', KEYS[1], 'status', 'pending', 'last_error', ARGV[2], 'updated_at', ARGV[3])
redis.call('HINCRBY', KEYS[1], 'attempt_count', 1)
redis.call('SREM', KEYS[2], ARGV[1])
return 1
`)

var markFailedScript = redis.NewScript(`
local st = redis.call('HGET', KEYS[1], 'status')
if not st or st == 'failed' then return 0 end
redis.call('HSET', KEYS[1], 'status', 'failed', 'last_error', ARGV[2], 'updated_at', ARGV[3])
redis.call('HINCRBY', KEYS[1], 'attempt_count', 1)
redis.call('SREM', KEYS[2], ARGV[1])
redis.call('SADD', KEYS[3], ARGV[1])
return 1
`)

var retryScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'status') ~= 'failed' then return 0 end
redis.call('HSET', KEYS[1], 'status', 'pending', 'attempt_count', 0, 'last_error', '', 'updated_at', ARGV[2])
redis.call('SREM', KEYS[3], ARGV[1])
return 1
`)

// KEYS: order. ARGV: item key prefix, local ref, record id, now.
var resolveScript = redis.NewScript(`
local ids = redis.call('ZRANGE', KEYS[1], 0, -1)
local n = 0
for _, id in ipairs(ids) do
  local key = ARGV[1] .. id
  local f = redis.call('HMGET', key, 'local_ref', 'record_id', 'operation_type')
  if f[1] == ARGV[2] and (not f[2] or f[2] == '') and f[3] ~= 'create' then
    redis.call('HSET', key, 'record_id', ARGV[3], 'updated_at', ARGV[4])
    n = n + 1
  end
end
return n
`)

// KEYS: syncing. ARGV: item key prefix, now, cutoff.
var recoverScript = redis.NewScript(`
local ids = redis.call('SMEMBERS', KEYS[1])
local cutoff = tonumber(ARGV[3])
local n = 0
for _, id in ipairs(ids) do
  local key = ARGV[1] .. id
  local f = redis.call('HMGET', key, 'status', 'updated_at')
  if f[1] ~= 'syncing' then
    redis.call('SREM', KEYS[1], id)
  elseif (tonumber(f[2]) or 0) <= cutoff then
    redis.call('HSET', key, 'status', 'pending', 'updated_at', ARGV[2])
    redis.call('SREM', KEYS[1], id)
    n = n + 1
  end
end
return n
`)

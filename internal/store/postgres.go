package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"offline-sync-engine/internal/models"
)

// PostgresStore wraps pgxpool for queue persistence.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgres creates a pooled connection to Postgres and verifies it is reachable.
func NewPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, models.NewStorageError("connect", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, models.NewStorageError("connect", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// RunMigrations applies the embedded Postgres schema.
func (s *PostgresStore) RunMigrations(ctx context.Context) error {
	return runMigrations(ctx, "postgres", func(ctx context.Context, sql string) error {
		_, err := s.pool.Exec(ctx, sql)
		return err
	})
}

const pgItemColumns = `seq, id, tenant_id, user_id, table_name, operation_type, record_id, local_ref,
	record_data, sync_status, attempt_count, last_error, created_at, updated_at`

// Enqueue inserts a pending item; the sequence key is assigned by the database.
func (s *PostgresStore) Enqueue(ctx context.Context, in models.QueueItemInput) (models.QueueItem, error) {
	raw, err := prepareEnqueue(in)
	if err != nil {
		return models.QueueItem{}, err
	}
	now := nowUTC()
	item := in.NewItem(NewItemID(), 0, now)

	err = s.pool.QueryRow(ctx, `
		INSERT INTO offline_queue (id, tenant_id, user_id, table_name, operation_type, record_id, local_ref, record_data, sync_status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)
		RETURNING seq
	`, item.ID, item.TenantID, item.UserID, item.TableName, string(item.Operation), item.RecordID, item.LocalRef, raw, string(models.StatusPending), now).Scan(&item.Seq)
	if err != nil {
		return models.QueueItem{}, models.NewStorageError("enqueue", err)
	}
	return item, nil
}

// ListPending returns pending and failed items of the tenant in replay order.
func (s *PostgresStore) ListPending(ctx context.Context, tenantID string) ([]models.QueueItem, error) {
	return s.list(ctx, "list pending", `
		SELECT `+pgItemColumns+`
		FROM offline_queue
		WHERE tenant_id = $1 AND sync_status IN ('pending', 'failed')
		ORDER BY seq ASC
	`, tenantID)
}

// ListFailed returns the tenant's items awaiting operator intervention.
func (s *PostgresStore) ListFailed(ctx context.Context, tenantID string) ([]models.QueueItem, error) {
	return s.list(ctx, "list failed", `
		SELECT `+pgItemColumns+`
		FROM offline_queue
		WHERE tenant_id = $1 AND sync_status = 'failed'
		ORDER BY seq ASC
	`, tenantID)
}

func (s *PostgresStore) list(ctx context.Context, op, query string, args ...any) ([]models.QueueItem, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, models.NewStorageError(op, err)
	}
	defer rows.Close()

	items := make([]models.QueueItem, 0)
	for rows.Next() {
		item, err := scanPgItem(rows)
		if err != nil {
			return nil, models.NewStorageError(op, err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, models.NewStorageError(op, err)
	}
	return items, nil
}

// Get fetches one item of the tenant.
func (s *PostgresStore) Get(ctx context.Context, tenantID, id string) (models.QueueItem, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+pgItemColumns+`
		FROM offline_queue WHERE tenant_id = $1 AND id = $2
	`, tenantID, id)
	item, err := scanPgItem(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.QueueItem{}, models.ErrNotFound
	}
	if err != nil {
		return models.QueueItem{}, models.NewStorageError("get", err)
	}
	return item, nil
}

// MarkSyncing flags an item as handed to the remote apply call.
func (s *PostgresStore) MarkSyncing(ctx context.Context, tenantID, id string) error {
	return s.exec(ctx, "mark syncing", `
		UPDATE offline_queue SET sync_status = 'syncing', updated_at = NOW()
		WHERE tenant_id = $1 AND id = $2 AND sync_status IN ('pending', 'failed')
	`, tenantID, id)
}

// MarkPending reverts a syncing item after a transient failure and counts the attempt.
func (s *PostgresStore) MarkPending(ctx context.Context, tenantID, id, reason string) error {
	return s.exec(ctx, "mark pending", `
		UPDATE offline_queue
		SET sync_status = 'pending', attempt_count = attempt_count + 1, last_error = $3, updated_at = NOW()
		WHERE tenant_id = $1 AND id = $2 AND sync_status = 'syncing'
	`, tenantID, id, emptyToNull(reason))
}

// MarkFailed parks an item after a permanent failure.
func (s *PostgresStore) MarkFailed(ctx context.Context, tenantID, id, reason string) error {
	return s.exec(ctx, "mark failed", `
		UPDATE offline_queue
		SET sync_status = 'failed', attempt_count = attempt_count + 1, last_error = $3, updated_at = NOW()
		WHERE tenant_id = $1 AND id = $2 AND sync_status <> 'failed'
	`, tenantID, id, emptyToNull(reason))
}

// Remove deletes an item; removing a missing item is a no-op.
func (s *PostgresStore) Remove(ctx context.Context, tenantID, id string) error {
	return s.exec(ctx, "remove", `DELETE FROM offline_queue WHERE tenant_id = $1 AND id = $2`, tenantID, id)
}

// Retry moves a failed item back to pending with a fresh attempt count.
func (s *PostgresStore) Retry(ctx context.Context, tenantID, id string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE offline_queue
		SET sync_status = 'pending', attempt_count = 0, last_error = NULL, updated_at = NOW()
		WHERE tenant_id = $1 AND id = $2 AND sync_status = 'failed'
	`, tenantID, id)
	if err != nil {
		return models.NewStorageError("retry", err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}

// ResolveLocalRef stamps the real record id onto queued items that referenced a temporary one.
func (s *PostgresStore) ResolveLocalRef(ctx context.Context, tenantID, localRef, recordID string) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE offline_queue SET record_id = $3, updated_at = NOW()
		WHERE tenant_id = $1 AND local_ref = $2 AND record_id IS NULL AND operation_type <> 'create'
	`, tenantID, localRef, recordID)
	if err != nil {
		return 0, models.NewStorageError("resolve local ref", err)
	}
	return int(tag.RowsAffected()), nil
}

// Count returns the number of pending and failed items for the tenant.
func (s *PostgresStore) Count(ctx context.Context, tenantID string) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM offline_queue WHERE tenant_id = $1 AND sync_status IN ('pending', 'failed')
	`, tenantID).Scan(&n); err != nil {
		return 0, models.NewStorageError("count", err)
	}
	return n, nil
}

// RecoverSyncing returns items interrupted mid-apply by a crash to pending.
// Staleness is judged by the database clock, shared by every process.
func (s *PostgresStore) RecoverSyncing(ctx context.Context, staleAfter time.Duration) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE offline_queue SET sync_status = 'pending', updated_at = NOW()
		WHERE sync_status = 'syncing' AND updated_at <= NOW() - make_interval(secs => $1::float8)
	`, staleAfter.Seconds())
	if err != nil {
		return 0, models.NewStorageError("recover syncing", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) exec(ctx context.Context, op, query string, args ...any) error {
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return models.NewStorageError(op, err)
	}
	return nil
}

func scanPgItem(row pgx.Row) (models.QueueItem, error) {
	var (
		item      models.QueueItem
		op        string
		status    string
		recordID  pgtype.Text
		localRef  pgtype.Text
		lastErr   pgtype.Text
		raw       []byte
		createdAt time.Time
		updatedAt time.Time
	)
	if err := row.Scan(&item.Seq, &item.ID, &item.TenantID, &item.UserID, &item.TableName, &op, &recordID, &localRef,
		&raw, &status, &item.AttemptCount, &lastErr, &createdAt, &updatedAt); err != nil {
		return models.QueueItem{}, err
	}
	data, err := decodeRecordData(raw)
	if err != nil {
		return models.QueueItem{}, err
	}
	item.Operation = models.OperationType(op)
	item.Status = models.SyncStatus(status)
	item.RecordID = textPtr(recordID)
	item.LocalRef = textPtr(localRef)
	item.LastError = textPtr(lastErr)
	item.RecordData = data
	item.CreatedAt = createdAt.UTC()
	item.UpdatedAt = updatedAt.UTC()
	return item, nil
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func emptyToNull(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

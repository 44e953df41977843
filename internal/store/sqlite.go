package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"offline-sync-engine/internal/models"
)

// SQLiteStore keeps the queue in a single local database file, the natural
// home for a client that must survive restarts without any server.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens (creating if needed) the queue database at path and applies the schema.
func NewSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, models.NewStorageError("open", fmt.Errorf("create data dir: %w", err))
		}
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, models.NewStorageError("open", err)
	}
	// A single connection serializes writers and keeps each transition atomic.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, models.NewStorageError("open", err)
	}
	s := &SQLiteStore{db: db}
	if err := runMigrations(ctx, "sqlite", func(ctx context.Context, q string) error {
		_, err := db.ExecContext(ctx, q)
		return err
	}); err != nil {
		db.Close()
		return nil, models.NewStorageError("migrate", err)
	}
	return s, nil
}

func (s *SQLiteStore) Close() {
	if s.db != nil {
		_ = s.db.Close()
	}
}

const sqliteItemColumns = `seq, id, tenant_id, user_id, table_name, operation_type, record_id, local_ref,
	record_data, sync_status, attempt_count, last_error, created_at, updated_at`

func (s *SQLiteStore) Enqueue(ctx context.Context, in models.QueueItemInput) (models.QueueItem, error) {
	raw, err := prepareEnqueue(in)
	if err != nil {
		return models.QueueItem{}, err
	}
	now := nowUTC()
	item := in.NewItem(NewItemID(), 0, now)

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO offline_queue (id, tenant_id, user_id, table_name, operation_type, record_id, local_ref, record_data, sync_status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, item.ID, item.TenantID, item.UserID, item.TableName, string(item.Operation), item.RecordID, item.LocalRef,
		string(raw), string(models.StatusPending), now.UnixNano(), now.UnixNano())
	if err != nil {
		return models.QueueItem{}, models.NewStorageError("enqueue", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return models.QueueItem{}, models.NewStorageError("enqueue", err)
	}
	item.Seq = seq
	return item, nil
}

func (s *SQLiteStore) ListPending(ctx context.Context, tenantID string) ([]models.QueueItem, error) {
	return s.list(ctx, "list pending", `
		SELECT `+sqliteItemColumns+`
		FROM offline_queue
		WHERE tenant_id = ? AND sync_status IN ('pending', 'failed')
		ORDER BY seq ASC
	`, tenantID)
}

func (s *SQLiteStore) ListFailed(ctx context.Context, tenantID string) ([]models.QueueItem, error) {
	return s.list(ctx, "list failed", `
		SELECT `+sqliteItemColumns+`
		FROM offline_queue
		WHERE tenant_id = ? AND sync_status = 'failed'
		ORDER BY seq ASC
	`, tenantID)
}

func (s *SQLiteStore) list(ctx context.Context, op, query string, args ...any) ([]models.QueueItem, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, models.NewStorageError(op, err)
	}
	defer rows.Close()

	items := make([]models.QueueItem, 0)
	for rows.Next() {
		item, err := scanSQLiteItem(rows)
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

func (s *SQLiteStore) Get(ctx context.Context, tenantID, id string) (models.QueueItem, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+sqliteItemColumns+`
		FROM offline_queue WHERE tenant_id = ? AND id = ?
	`, tenantID, id)
	item, err := scanSQLiteItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.QueueItem{}, models.ErrNotFound
	}
	if err != nil {
		return models.QueueItem{}, models.NewStorageError("get", err)
	}
	return item, nil
}

func (s *SQLiteStore) MarkSyncing(ctx context.Context, tenantID, id string) error {
	_, err := s.exec(ctx, "mark syncing", `
		UPDATE offline_queue SET sync_status = 'syncing', updated_at = ?
		WHERE tenant_id = ? AND id = ? AND sync_status IN ('pending', 'failed')
	`, nowUTC().UnixNano(), tenantID, id)
	return err
}

func (s *SQLiteStore) MarkPending(ctx context.Context, tenantID, id, reason string) error {
	_, err := s.exec(ctx, "mark pending", `
		UPDATE offline_queue
		SET sync_status = 'pending', attempt_count = attempt_count + 1, last_error = ?, updated_at = ?
		WHERE tenant_id = ? AND id = ? AND sync_status = 'syncing'
	`, emptyToNull(reason), nowUTC().UnixNano(), tenantID, id)
	return err
}

func (s *SQLiteStore) MarkFailed(ctx context.Context, tenantID, id, reason string) error {
	_, err := s.exec(ctx, "mark failed", `
		UPDATE offline_queue
		SET sync_status = 'failed', attempt_count = attempt_count + 1, last_error = ?, updated_at = ?
		WHERE tenant_id = ? AND id = ? AND sync_status <> 'failed'
	`, emptyToNull(reason), nowUTC().UnixNano(), tenantID, id)
	return err
}

func (s *SQLiteStore) Remove(ctx context.Context, tenantID, id string) error {
	_, err := s.exec(ctx, "remove", `DELETE FROM offline_queue WHERE tenant_id = ? AND id = ?`, tenantID, id)
	return err
}

func (s *SQLiteStore) Retry(ctx context.Context, tenantID, id string) error {
	n, err := s.exec(ctx, "retry", `
		UPDATE offline_queue
		SET sync_status = 'pending', attempt_count = 0, last_error = NULL, updated_at = ?
		WHERE tenant_id = ? AND id = ? AND sync_status = 'failed'
	`, nowUTC().UnixNano(), tenantID, id)
	if err != nil {
		return err
	}
	if n == 0 {
		return models.ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) ResolveLocalRef(ctx context.Context, tenantID, localRef, recordID string) (int, error) {
	n, err := s.exec(ctx, "resolve local ref", `
		UPDATE offline_queue SET record_id = ?, updated_at = ?
		WHERE tenant_id = ? AND local_ref = ? AND record_id IS NULL AND operation_type <> 'create'
	`, recordID, nowUTC().UnixNano(), tenantID, localRef)
	return int(n), err
}

func (s *SQLiteStore) Count(ctx context.Context, tenantID string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM offline_queue WHERE tenant_id = ? AND sync_status IN ('pending', 'failed')
	`, tenantID).Scan(&n); err != nil {
		return 0, models.NewStorageError("count", err)
	}
	return n, nil
}

func (s *SQLiteStore) RecoverSyncing(ctx context.Context, staleAfter time.Duration) (int, error) {
	now := nowUTC()
	n, err := s.exec(ctx, "recover syncing", `
		UPDATE offline_queue SET sync_status = 'pending', updated_at = ?
		WHERE sync_status = 'syncing' AND updated_at <= ?
	`, now.UnixNano(), now.Add(-staleAfter).UnixNano())
	return int(n), err
}

func (s *SQLiteStore) exec(ctx context.Context, op, query string, args ...any) (int64, error) {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, models.NewStorageError(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, models.NewStorageError(op, err)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteItem(row rowScanner) (models.QueueItem, error) {
	var (
		item      models.QueueItem
		op        string
		status    string
		recordID  sql.NullString
		localRef  sql.NullString
		lastErr   sql.NullString
		raw       string
		createdAt int64
		updatedAt int64
	)
	if err := row.Scan(&item.Seq, &item.ID, &item.TenantID, &item.UserID, &item.TableName, &op, &recordID, &localRef,
		&raw, &status, &item.AttemptCount, &lastErr, &createdAt, &updatedAt); err != nil {
		return models.QueueItem{}, err
	}
	data, err := decodeRecordData([]byte(raw))
	if err != nil {
		return models.QueueItem{}, err
	}
	item.Operation = models.OperationType(op)
	item.Status = models.SyncStatus(status)
	item.RecordID = nullPtr(recordID)
	item.LocalRef = nullPtr(localRef)
	item.LastError = nullPtr(lastErr)
	item.RecordData = data
	item.CreatedAt = time.Unix(0, createdAt).UTC()
	item.UpdatedAt = time.Unix(0, updatedAt).UTC()
	return item, nil
}

func nullPtr(v sql.NullString) *string {
	if v.Valid {
		return &v.String
	}
	return nil
}

// Package store persists the offline mutation queue in relational backends.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"offline-sync-engine/internal/models"
)

// QueueStore is the durable, tenant-scoped log of pending mutations.
// Every mutating call is confirmed by the backing medium before it returns.
type QueueStore interface {
	Enqueue(ctx context.Context, in models.QueueItemInput) (models.QueueItem, error)
	ListPending(ctx context.Context, tenantID string) ([]models.QueueItem, error)
	ListFailed(ctx context.Context, tenantID string) ([]models.QueueItem, error)
	Get(ctx context.Context, tenantID, id string) (models.QueueItem, error)
	MarkSyncing(ctx context.Context, tenantID, id string) error
	MarkPending(ctx context.Context, tenantID, id, reason string) error
	MarkFailed(ctx context.Context, tenantID, id, reason string) error
	Remove(ctx context.Context, tenantID, id string) error
	Retry(ctx context.Context, tenantID, id string) error
	ResolveLocalRef(ctx context.Context, tenantID, localRef, recordID string) (int, error)
	Count(ctx context.Context, tenantID string) (int, error)
	// RecoverSyncing returns syncing items untouched for at least staleAfter
	// to pending. Zero recovers every syncing item.
	RecoverSyncing(ctx context.Context, staleAfter time.Duration) (int, error)
	Close()
}

// NewItemID returns a time-ordered identifier for a queue item.
func NewItemID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}

func prepareEnqueue(in models.QueueItemInput) ([]byte, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	data := in.RecordData
	if data == nil {
		data = map[string]any{}
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("%w: marshal record_data: %v", models.ErrInvalidItem, err)
	}
	return raw, nil
}

func decodeRecordData(raw []byte) (map[string]any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var data map[string]any
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("unmarshal record_data: %w", err)
	}
	return data, nil
}

func nowUTC() time.Time {
	return time.Now().UTC()
}

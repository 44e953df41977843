package models

import (
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// SyncStatus enumerates lifecycle states of a queued mutation.
type SyncStatus string

const (
	StatusPending SyncStatus = "pending"
	StatusSyncing SyncStatus = "syncing"
	StatusFailed  SyncStatus = "failed"
)

// OperationType is the kind of write a queue item replays.
type OperationType string

const (
	OpCreate OperationType = "create"
	OpUpdate OperationType = "update"
	OpDelete OperationType = "delete"
)

// QueueItem is one deferred local mutation awaiting remote application.
type QueueItem struct {
	ID           string         `json:"id"`
	Seq          int64          `json:"seq"`
	TenantID     string         `json:"tenant_id"`
	UserID       string         `json:"user_id"`
	TableName    string         `json:"table_name"`
	Operation    OperationType  `json:"operation_type"`
	RecordID     *string        `json:"record_id,omitempty"`
	LocalRef     *string        `json:"local_ref,omitempty"`
	RecordData   map[string]any `json:"record_data,omitempty"`
	Status       SyncStatus     `json:"sync_status"`
	AttemptCount int            `json:"attempt_count"`
	LastError    *string        `json:"last_error,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// Visible reports whether the item counts as undelivered work for listings and badges.
func (i QueueItem) Visible() bool {
	return i.Status == StatusPending || i.Status == StatusFailed
}

// QueueItemInput collects the caller-supplied fields of a new queue item.
type QueueItemInput struct {
	TenantID   string         `json:"tenant_id"`
	UserID     string         `json:"user_id"`
	TableName  string         `json:"table_name"`
	Operation  OperationType  `json:"operation_type"`
	RecordID   *string        `json:"record_id,omitempty"`
	LocalRef   *string        `json:"local_ref,omitempty"`
	RecordData map[string]any `json:"record_data,omitempty"`
}

// Validate checks the input before it reaches storage.
func (in QueueItemInput) Validate() error {
	err := validation.ValidateStruct(&in,
		validation.Field(&in.TenantID, validation.Required),
		validation.Field(&in.UserID, validation.Required),
		validation.Field(&in.TableName, validation.Required, validation.Length(1, 128)),
		validation.Field(&in.Operation, validation.Required, validation.In(OpCreate, OpUpdate, OpDelete)),
		validation.Field(&in.RecordData, validation.When(in.Operation != OpDelete, validation.Required)),
	)
	if err != nil {
		return &ValidationError{Err: err}
	}
	if in.Operation != OpCreate && empty(in.RecordID) && empty(in.LocalRef) {
		return &ValidationError{Err: validation.Errors{
			"record_id": validation.NewError("validation_record_ref", "record_id or local_ref is required for "+string(in.Operation)),
		}}
	}
	return nil
}

// NewItem builds a pending item from the input with the given identity stamps.
func (in QueueItemInput) NewItem(id string, seq int64, now time.Time) QueueItem {
	return QueueItem{
		ID:         id,
		Seq:        seq,
		TenantID:   in.TenantID,
		UserID:     in.UserID,
		TableName:  in.TableName,
		Operation:  in.Operation,
		RecordID:   emptyToNil(in.RecordID),
		LocalRef:   emptyToNil(in.LocalRef),
		RecordData: in.RecordData,
		Status:     StatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

func empty(v *string) bool {
	return v == nil || *v == ""
}

func emptyToNil(v *string) *string {
	if empty(v) {
		return nil
	}
	s := *v
	return &s
}

// StringPtr returns a pointer to v, or nil when v is empty.
func StringPtr(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

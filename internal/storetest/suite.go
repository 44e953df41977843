// Package storetest is a conformance suite every QueueStore backend runs.
package storetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"offline-sync-engine/internal/models"
	"offline-sync-engine/internal/store"
)

// Factory returns an empty store; the suite closes it.
type Factory func(t *testing.T) store.QueueStore

// Run executes the suite. Each subtest gets a fresh store from newStore.
func Run(t *testing.T, newStore Factory) {
	cases := []struct {
		name string
		fn   func(t *testing.T, s store.QueueStore)
	}{
		{"EnqueueAssignsIdentity", testEnqueueAssignsIdentity},
		{"EnqueueRejectsInvalid", testEnqueueRejectsInvalid},
		{"ListPendingOrderAndIsolation", testListPendingOrderAndIsolation},
		{"ListPendingRestartable", testListPendingRestartable},
		{"Transitions", testTransitions},
		{"RemoveIdempotent", testRemoveIdempotent},
		{"Retry", testRetry},
		{"ResolveLocalRef", testResolveLocalRef},
		{"RecoverSyncing", testRecoverSyncing},
		{"RecoverSyncingLeavesFreshItems", testRecoverSyncingLeavesFreshItems},
		{"GetNotFound", testGetNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := newStore(t)
			defer s.Close()
			tc.fn(t, s)
		})
	}
}

// Input is a valid create for tenant t on the partners table.
func Input(tenant string, data map[string]any) models.QueueItemInput {
	return models.QueueItemInput{
		TenantID:   tenant,
		UserID:     "user-1",
		TableName:  "partners",
		Operation:  models.OpCreate,
		RecordData: data,
	}
}

func enqueue(t *testing.T, s store.QueueStore, in models.QueueItemInput) models.QueueItem {
	t.Helper()
	item, err := s.Enqueue(context.Background(), in)
	require.NoError(t, err)
	return item
}

func testEnqueueAssignsIdentity(t *testing.T, s store.QueueStore) {
	ctx := context.Background()
	item := enqueue(t, s, Input("t1", map[string]any{"name": "Acme"}))

	assert.NotEmpty(t, item.ID)
	assert.Positive(t, item.Seq)
	assert.False(t, item.CreatedAt.IsZero())
	assert.Equal(t, models.StatusPending, item.Status)
	assert.Nil(t, item.RecordID)

	got, err := s.Get(ctx, "t1", item.ID)
	require.NoError(t, err)
	assert.Equal(t, item.ID, got.ID)
	assert.Equal(t, item.Seq, got.Seq)
	assert.Equal(t, "partners", got.TableName)
	assert.Equal(t, models.OpCreate, got.Operation)
	assert.Equal(t, "Acme", got.RecordData["name"])
	assert.Equal(t, "user-1", got.UserID)
}

func testEnqueueRejectsInvalid(t *testing.T, s store.QueueStore) {
	ctx := context.Background()
	_, err := s.Enqueue(ctx, models.QueueItemInput{TenantID: "t1", UserID: "u", TableName: "partners", Operation: models.OpUpdate,
		RecordData: map[string]any{"name": "x"}})
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrInvalidItem))
	assert.False(t, models.IsStorageError(err))

	n, err := s.Count(ctx, "t1")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func testListPendingOrderAndIsolation(t *testing.T, s store.QueueStore) {
	ctx := context.Background()
	var want []string
	for i := 0; i < 5; i++ {
		want = append(want, enqueue(t, s, Input("t1", map[string]any{"n": i})).ID)
		enqueue(t, s, Input("t2", map[string]any{"n": i}))
	}

	items, err := s.ListPending(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, items, 5)
	for i, it := range items {
		assert.Equal(t, want[i], it.ID)
		assert.Equal(t, "t1", it.TenantID)
		if i > 0 {
			assert.Greater(t, it.Seq, items[i-1].Seq)
		}
	}

	_, err = s.Get(ctx, "t2", want[0])
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func testListPendingRestartable(t *testing.T, s store.QueueStore) {
	ctx := context.Background()
	enqueue(t, s, Input("t1", map[string]any{"n": 1}))
	enqueue(t, s, Input("t1", map[string]any{"n": 2}))

	first, err := s.ListPending(ctx, "t1")
	require.NoError(t, err)
	second, err := s.ListPending(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func testTransitions(t *testing.T, s store.QueueStore) {
	ctx := context.Background()
	a := enqueue(t, s, Input("t1", map[string]any{"n": 1}))
	b := enqueue(t, s, Input("t1", map[string]any{"n": 2}))

	require.NoError(t, s.MarkSyncing(ctx, "t1", a.ID))
	n, err := s.Count(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 1, n, "syncing items are not counted")

	pending, err := s.ListPending(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, b.ID, pending[0].ID)

	require.NoError(t, s.MarkPending(ctx, "t1", a.ID, "network down"))
	got, err := s.Get(ctx, "t1", a.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, got.Status)
	assert.Equal(t, 1, got.AttemptCount)
	require.NotNil(t, got.LastError)
	assert.Equal(t, "network down", *got.LastError)

	// Pending is only reachable from syncing.
	require.NoError(t, s.MarkPending(ctx, "t1", a.ID, "again"))
	got, err = s.Get(ctx, "t1", a.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.AttemptCount)

	require.NoError(t, s.MarkSyncing(ctx, "t1", b.ID))
	require.NoError(t, s.MarkFailed(ctx, "t1", b.ID, "rejected"))
	require.NoError(t, s.MarkFailed(ctx, "t1", b.ID, "rejected"))
	got, err = s.Get(ctx, "t1", b.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.Equal(t, 1, got.AttemptCount)

	n, err = s.Count(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	failed, err := s.ListFailed(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, b.ID, failed[0].ID)

	// Transitions on unknown ids are no-ops.
	require.NoError(t, s.MarkSyncing(ctx, "t1", "missing"))
	require.NoError(t, s.MarkFailed(ctx, "t1", "missing", "x"))
	require.NoError(t, s.MarkPending(ctx, "t1", "missing", "x"))
}

func testRemoveIdempotent(t *testing.T, s store.QueueStore) {
	ctx := context.Background()
	a := enqueue(t, s, Input("t1", map[string]any{"n": 1}))
	enqueue(t, s, Input("t1", map[string]any{"n": 2}))

	require.NoError(t, s.Remove(ctx, "t1", a.ID))
	n, err := s.Count(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, s.Remove(ctx, "t1", a.ID))
	n, err = s.Count(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = s.Get(ctx, "t1", a.ID)
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func testRetry(t *testing.T, s store.QueueStore) {
	ctx := context.Background()
	a := enqueue(t, s, Input("t1", map[string]any{"n": 1}))

	assert.ErrorIs(t, s.Retry(ctx, "t1", a.ID), models.ErrNotFound, "only failed items can be retried")

	require.NoError(t, s.MarkSyncing(ctx, "t1", a.ID))
	require.NoError(t, s.MarkFailed(ctx, "t1", a.ID, "rejected"))
	require.NoError(t, s.Retry(ctx, "t1", a.ID))

	got, err := s.Get(ctx, "t1", a.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, got.Status)
	assert.Zero(t, got.AttemptCount)
	assert.Nil(t, got.LastError)

	failed, err := s.ListFailed(ctx, "t1")
	require.NoError(t, err)
	assert.Empty(t, failed)
}

func testResolveLocalRef(t *testing.T, s store.QueueStore) {
	ctx := context.Background()
	ref := "tmp-1"
	create := Input("t1", map[string]any{"name": "Acme"})
	create.LocalRef = &ref
	enqueue(t, s, create)

	update := Input("t1", map[string]any{"name": "Acme Ltd"})
	update.Operation = models.OpUpdate
	update.LocalRef = &ref
	u := enqueue(t, s, update)

	del := Input("t2", nil)
	del.Operation = models.OpDelete
	del.LocalRef = &ref
	other := enqueue(t, s, del)

	n, err := s.ResolveLocalRef(ctx, "t1", ref, "real-42")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := s.Get(ctx, "t1", u.ID)
	require.NoError(t, err)
	require.NotNil(t, got.RecordID)
	assert.Equal(t, "real-42", *got.RecordID)

	got, err = s.Get(ctx, "t2", other.ID)
	require.NoError(t, err)
	assert.Nil(t, got.RecordID, "other tenants are untouched")
}

func testRecoverSyncing(t *testing.T, s store.QueueStore) {
	ctx := context.Background()
	a := enqueue(t, s, Input("t1", map[string]any{"n": 1}))
	b := enqueue(t, s, Input("t2", map[string]any{"n": 1}))
	require.NoError(t, s.MarkSyncing(ctx, "t1", a.ID))
	require.NoError(t, s.MarkSyncing(ctx, "t2", b.ID))

	n, err := s.RecoverSyncing(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	for _, tenant := range []string{"t1", "t2"} {
		c, err := s.Count(ctx, tenant)
		require.NoError(t, err)
		assert.Equal(t, 1, c)
	}
}

func testRecoverSyncingLeavesFreshItems(t *testing.T, s store.QueueStore) {
	ctx := context.Background()
	a := enqueue(t, s, Input("t1", map[string]any{"n": 1}))
	b := enqueue(t, s, Input("t1", map[string]any{"n": 2}))
	require.NoError(t, s.MarkSyncing(ctx, "t1", a.ID))

	// Another process is applying a right now.
	n, err := s.RecoverSyncing(ctx, time.Hour)
	require.NoError(t, err)
	assert.Zero(t, n)

	got, err := s.Get(ctx, "t1", a.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusSyncing, got.Status)
	pending, err := s.ListPending(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, b.ID, pending[0].ID)

	// Once the owner can no longer be working on it, it is recovered.
	time.Sleep(5 * time.Millisecond)
	n, err = s.RecoverSyncing(ctx, time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	pending, err = s.ListPending(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, a.ID, pending[0].ID)
}

func testGetNotFound(t *testing.T, s store.QueueStore) {
	_, err := s.Get(context.Background(), "t1", "nope")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

package offline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"offline-sync-engine/internal/archive"
	"offline-sync-engine/internal/models"
	"offline-sync-engine/internal/store"
	"offline-sync-engine/internal/storetest"
	"offline-sync-engine/internal/syncer"
)

func newStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	st, err := store.NewSQLite(context.Background(), filepath.Join(t.TempDir(), "queue.db"))
	require.NoError(t, err)
	t.Cleanup(st.Close)
	return st
}

func newService(t *testing.T, st store.QueueStore, mod func(*Options)) *Service {
	t.Helper()
	logger, _ := test.NewNullLogger()
	opts := Options{
		Store:          st,
		DebounceWindow: 5 * time.Millisecond,
		BackoffInitial: 10 * time.Millisecond,
		BackoffMax:     40 * time.Millisecond,
		ConnectRetry:   time.Second,
		Logger:         logger,
	}
	if mod != nil {
		mod(&opts)
	}
	svc, err := Init(context.Background(), opts)
	require.NoError(t, err)
	t.Cleanup(svc.Close)
	return svc
}

type applied struct {
	mu   sync.Mutex
	seen []string
}

func (a *applied) names() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.seen...)
}

func (a *applied) ok(_ context.Context, item models.QueueItem) syncer.ApplyResult {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.seen = append(a.seen, item.RecordData["name"].(string))
	return syncer.Success("")
}

func pending(t *testing.T, svc *Service, tenant string) func() bool {
	return func() bool {
		n, err := svc.GetPendingCount(context.Background(), tenant)
		require.NoError(t, err)
		return n == 0
	}
}

func TestInitRequiresStore(t *testing.T) {
	_, err := Init(context.Background(), Options{})
	assert.Error(t, err)
}

func TestInitRecoversInterruptedItems(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)
	item, err := st.Enqueue(ctx, storetest.Input("svc-recover", map[string]any{"name": "a"}))
	require.NoError(t, err)
	require.NoError(t, st.MarkSyncing(ctx, "svc-recover", item.ID))

	svc := newService(t, st, nil)

	got, err := st.Get(ctx, "svc-recover", item.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, got.Status)
	n, err := svc.GetPendingCount(ctx, "svc-recover")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestInitLeavesFreshSyncingItemsOnSharedStore(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)
	item, err := st.Enqueue(ctx, storetest.Input("svc-shared", map[string]any{"name": "a"}))
	require.NoError(t, err)
	require.NoError(t, st.MarkSyncing(ctx, "svc-shared", item.ID))

	newService(t, st, func(o *Options) { o.SkipRecovery = true })
	svc := newService(t, st, func(o *Options) { o.RecoverStaleAfter = time.Hour })

	got, err := st.Get(ctx, "svc-shared", item.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusSyncing, got.Status)

	// Online notifications sweep again; by then the owner is long gone.
	svc.recoverStale = time.Millisecond
	time.Sleep(5 * time.Millisecond)
	svc.syncAll()
	got, err = st.Get(ctx, "svc-shared", item.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, got.Status)
}

func TestWatchedTenantSyncsWhenBackendReturns(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)
	svc := newService(t, st, nil)
	require.False(t, svc.IsOnline())

	for _, name := range []string{"a", "b", "c"} {
		_, err := svc.Enqueue(ctx, storetest.Input("svc-watch", map[string]any{"name": name}))
		require.NoError(t, err)
	}

	rec := &applied{}
	require.NoError(t, svc.Watch("svc-watch", "user-1", rec.ok))
	time.Sleep(30 * time.Millisecond)
	assert.Empty(t, rec.names(), "nothing syncs while offline")

	svc.SetOnline(true)
	require.Eventually(t, pending(t, svc, "svc-watch"), 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"a", "b", "c"}, rec.names())
}

func TestEnqueueWhileOnlineSyncsWatchedTenant(t *testing.T) {
	ctx := context.Background()
	svc := newService(t, newStore(t), nil)
	rec := &applied{}
	require.NoError(t, svc.Watch("svc-live", "user-1", rec.ok))
	svc.SetOnline(true)
	require.Eventually(t, svc.IsOnline, time.Second, 5*time.Millisecond)

	_, err := svc.Enqueue(ctx, storetest.Input("svc-live", map[string]any{"name": "x"}))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(rec.names()) == 1 }, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, pending(t, svc, "svc-live"), 2*time.Second, 10*time.Millisecond)
}

func TestHaltedRunIsRetriedAfterBackoff(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)
	svc := newService(t, st, nil)

	_, err := svc.Enqueue(ctx, storetest.Input("svc-retry", map[string]any{"name": "a"}))
	require.NoError(t, err)

	var calls atomic.Int32
	apply := func(_ context.Context, item models.QueueItem) syncer.ApplyResult {
		if calls.Add(1) <= 2 {
			return syncer.Transient(errors.New("503 from backend"))
		}
		return syncer.Success("")
	}
	require.NoError(t, svc.Watch("svc-retry", "user-1", apply))
	svc.SetOnline(true)

	require.Eventually(t, pending(t, svc, "svc-retry"), 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(3), calls.Load())
}

func TestTriggerSyncProbesBackend(t *testing.T) {
	ctx := context.Background()
	var reachable atomic.Bool
	probe := func(context.Context) (bool, error) {
		if !reachable.Load() {
			return false, errors.New("connection refused")
		}
		return true, nil
	}
	svc := newService(t, newStore(t), func(o *Options) {
		o.Probe = probe
		o.ProbeInterval = time.Hour
	})

	_, err := svc.Enqueue(ctx, storetest.Input("svc-trigger", map[string]any{"name": "a"}))
	require.NoError(t, err)
	rec := &applied{}
	require.NoError(t, svc.Watch("svc-trigger", "user-1", rec.ok))

	assert.False(t, svc.TriggerSync(ctx))
	assert.False(t, svc.IsOnline())

	reachable.Store(true)
	assert.True(t, svc.TriggerSync(ctx))
	require.Eventually(t, pending(t, svc, "svc-trigger"), 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"a"}, rec.names())
}

func TestOperatorFailedItemLifecycle(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	svc := newService(t, newStore(t), func(o *Options) {
		o.Archiver = archive.New(&archive.LocalUploader{BaseDir: dir})
	})

	bad, err := svc.Enqueue(ctx, storetest.Input("svc-ops", map[string]any{"name": "dup"}))
	require.NoError(t, err)
	other, err := svc.Enqueue(ctx, storetest.Input("svc-ops", map[string]any{"name": "rejected"}))
	require.NoError(t, err)

	reject := func(context.Context, models.QueueItem) syncer.ApplyResult {
		return syncer.Permanent(errors.New("duplicate key"))
	}
	res, err := svc.SyncOfflineData(ctx, reject, "svc-ops", "user-1")
	require.NoError(t, err)
	assert.Equal(t, syncer.Result{Failed: 2}, res)

	failed, err := svc.ListFailed(ctx, "svc-ops")
	require.NoError(t, err)
	require.Len(t, failed, 2)
	assert.Equal(t, "duplicate key", *failed[0].LastError)

	// Discard archives the snapshot and drops the item.
	loc, err := svc.DiscardFailed(ctx, "svc-ops", bad.ID, "auditor")
	require.NoError(t, err)
	_, err = os.Stat(loc)
	require.NoError(t, err)

	_, err = svc.DiscardFailed(ctx, "svc-ops", bad.ID, "auditor")
	assert.ErrorIs(t, err, models.ErrNotFound)

	// Retry puts the other one back in line.
	require.NoError(t, svc.RetryFailed(ctx, "svc-ops", other.ID))
	_, err = svc.DiscardFailed(ctx, "svc-ops", other.ID, "auditor")
	assert.ErrorIs(t, err, ErrNotFailed)

	rec := &applied{}
	res, err = svc.SyncOfflineData(ctx, rec.ok, "svc-ops", "user-1")
	require.NoError(t, err)
	assert.Equal(t, syncer.Result{Synced: 1}, res)
	assert.Equal(t, []string{"rejected"}, rec.names())
}

func TestEnqueueRejectsInvalidInput(t *testing.T) {
	svc := newService(t, newStore(t), nil)
	_, err := svc.Enqueue(context.Background(), models.QueueItemInput{TenantID: "svc-bad"})
	assert.ErrorIs(t, err, models.ErrInvalidItem)
}

func TestClosedServiceRefusesWork(t *testing.T) {
	svc := newService(t, newStore(t), nil)
	svc.Close()
	svc.Close()

	rec := &applied{}
	_, err := svc.SyncOfflineData(context.Background(), rec.ok, "svc-closed", "user-1")
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, svc.Watch("svc-closed", "user-1", rec.ok), ErrClosed)
	assert.False(t, svc.TriggerSync(context.Background()))
}

func TestRetryDelayGrowsWithAttempts(t *testing.T) {
	s := &Service{backoffInitial: 100 * time.Millisecond, backoffMax: time.Second}

	first := s.retryDelay(1)
	assert.GreaterOrEqual(t, first, 50*time.Millisecond)
	assert.LessOrEqual(t, first, 150*time.Millisecond)

	third := s.retryDelay(3)
	assert.GreaterOrEqual(t, third, 200*time.Millisecond)
	assert.LessOrEqual(t, third, 600*time.Millisecond)

	capped := s.retryDelay(50)
	assert.LessOrEqual(t, capped, 1500*time.Millisecond)
}

package bootstrap

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"offline-sync-engine/internal/config"
	"offline-sync-engine/internal/models"
	"offline-sync-engine/internal/queue"
	"offline-sync-engine/internal/store"
	"offline-sync-engine/internal/storetest"
	"offline-sync-engine/internal/syncer"
)

func testConfig(t *testing.T) config.Config {
	return config.Config{
		QueueBackend: config.BackendSQLite,
		SQLitePath:   filepath.Join(t.TempDir(), "queue.db"),
		RedisPrefix:  "boot",
		ConnectRetry: 200 * time.Millisecond,
		ApplyTimeout: time.Second,
		ArchiveDir:   t.TempDir(),
		LockTTL:      time.Minute,

		RecoverOnStart: true,
	}
}

func TestNeedsRedis(t *testing.T) {
	cfg := config.Config{QueueBackend: config.BackendSQLite}
	assert.False(t, NeedsRedis(cfg))
	cfg.RateLimitCapacity = 10
	assert.True(t, NeedsRedis(cfg))
	assert.True(t, NeedsRedis(config.Config{QueueBackend: config.BackendRedis}))
	assert.True(t, NeedsRedis(config.Config{DistributedLock: true}))
}

func TestOpenStoreSQLite(t *testing.T) {
	logger, _ := test.NewNullLogger()
	st, err := OpenStore(context.Background(), testConfig(t), nil, logger)
	require.NoError(t, err)
	defer st.Close()
	_, ok := st.(*store.SQLiteStore)
	assert.True(t, ok)
}

func TestOpenStoreRedis(t *testing.T) {
	ctx := context.Background()
	logger, _ := test.NewNullLogger()
	mr := miniredis.RunT(t)
	cfg := testConfig(t)
	cfg.QueueBackend = config.BackendRedis
	cfg.RedisAddr = mr.Addr()

	rdb, err := OpenRedis(ctx, cfg, logger)
	require.NoError(t, err)
	st, err := OpenStore(ctx, cfg, rdb, logger)
	require.NoError(t, err)
	defer st.Close()
	_, ok := st.(*queue.RedisStore)
	require.True(t, ok)

	_, err = st.Enqueue(ctx, storetest.Input("boot-acme", map[string]any{"name": "a"}))
	require.NoError(t, err)
	assert.True(t, mr.Exists("boot:t:boot-acme:order"))

	_, err = OpenStore(ctx, cfg, nil, logger)
	assert.Error(t, err)
}

func TestOpenRedisGivesUp(t *testing.T) {
	logger, _ := test.NewNullLogger()
	mr := miniredis.RunT(t)
	cfg := testConfig(t)
	cfg.RedisAddr = mr.Addr()
	mr.Close()

	_, err := OpenRedis(context.Background(), cfg, logger)
	assert.ErrorContains(t, err, "connect redis")
}

func TestStartServiceSyncsThroughDispatcher(t *testing.T) {
	ctx := context.Background()
	logger, _ := test.NewNullLogger()

	var created int
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet:
			w.WriteHeader(http.StatusOK)
		case r.Method == http.MethodPost && r.URL.Path == "/rest/v1/partners":
			created++
			w.WriteHeader(http.StatusCreated)
			_, _ = w.Write([]byte(`[{"id":"p-1"}]`))
		default:
			w.WriteHeader(http.StatusBadRequest)
		}
	}))
	defer backend.Close()

	mr := miniredis.RunT(t)
	cfg := testConfig(t)
	cfg.RemoteBaseURL = backend.URL + "/rest/v1"
	cfg.HealthURL = backend.URL + "/rest/v1/"
	cfg.ProbeInterval = time.Hour
	cfg.ProbeTimeout = time.Second
	cfg.Tables = []string{"partners"}
	cfg.DistributedLock = true
	cfg.RedisAddr = mr.Addr()

	rdb, err := OpenRedis(ctx, cfg, logger)
	require.NoError(t, err)
	defer rdb.Close()
	st, err := OpenStore(ctx, cfg, rdb, logger)
	require.NoError(t, err)
	defer st.Close()

	svc, err := StartService(ctx, cfg, st, rdb, logger)
	require.NoError(t, err)
	defer svc.Close()

	_, err = svc.Enqueue(ctx, storetest.Input("boot-acme", map[string]any{"name": "a"}))
	require.NoError(t, err)
	in := storetest.Input("boot-acme", map[string]any{"amount": 10})
	in.TableName = "ledger_entries"
	_, err = svc.Enqueue(ctx, in)
	require.NoError(t, err)

	res, err := svc.SyncOfflineData(ctx, NewDispatcher(cfg).Apply, "boot-acme", "user-1")
	require.NoError(t, err)
	assert.Equal(t, syncer.Result{Synced: 1, Failed: 1}, res, "unconfigured tables are rejected")
	assert.Equal(t, 1, created)

	failed, err := svc.ListFailed(ctx, "boot-acme")
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, models.StatusFailed, failed[0].Status)
	assert.False(t, mr.Exists("boot:lock:boot-acme"), "lock released after the run")
}

func TestRecoverStaleAfter(t *testing.T) {
	cfg := config.Config{QueueBackend: config.BackendSQLite, ApplyTimeout: 15 * time.Second}
	assert.Zero(t, RecoverStaleAfter(cfg))

	cfg.QueueBackend = config.BackendPostgres
	assert.Equal(t, 75*time.Second, RecoverStaleAfter(cfg))
	cfg.RecoverStaleAfter = time.Hour
	assert.Equal(t, time.Hour, RecoverStaleAfter(cfg))
}

func TestStartServiceLeavesOtherProcessesInFlightItems(t *testing.T) {
	ctx := context.Background()
	logger, _ := test.NewNullLogger()
	mr := miniredis.RunT(t)
	cfg := testConfig(t)
	cfg.QueueBackend = config.BackendRedis
	cfg.RedisAddr = mr.Addr()

	rdb, err := OpenRedis(ctx, cfg, logger)
	require.NoError(t, err)
	defer rdb.Close()
	st, err := OpenStore(ctx, cfg, rdb, logger)
	require.NoError(t, err)
	defer st.Close()

	// A running worker is applying item right now.
	item, err := st.Enqueue(ctx, storetest.Input("boot-acme", map[string]any{"name": "a"}))
	require.NoError(t, err)
	require.NoError(t, st.MarkSyncing(ctx, "boot-acme", item.ID))

	for i := 0; i < 2; i++ {
		svc, err := StartService(ctx, cfg, st, rdb, logger)
		require.NoError(t, err)
		svc.Close()
	}
	got, err := st.Get(ctx, "boot-acme", item.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusSyncing, got.Status)

	// Abandoned long enough, it is picked up again.
	cfg.RecoverStaleAfter = time.Millisecond
	time.Sleep(5 * time.Millisecond)
	svc, err := StartService(ctx, cfg, st, rdb, logger)
	require.NoError(t, err)
	svc.Close()
	got, err = st.Get(ctx, "boot-acme", item.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, got.Status)
}

package remote

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"offline-sync-engine/internal/models"
	"offline-sync-engine/internal/syncer"
)

type capture struct {
	method string
	path   string
	query  string
	header http.Header
	body   map[string]any
}

func newBackend(t *testing.T, status int, respBody string, got *capture) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got.method = r.Method
		got.path = r.URL.Path
		got.query = r.URL.RawQuery
		got.header = r.Header.Clone()
		raw, _ := io.ReadAll(r.Body)
		if len(raw) > 0 {
			_ = json.Unmarshal(raw, &got.body)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(respBody))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func item(op models.OperationType, recordID string) models.QueueItem {
	it := models.QueueItem{
		ID:         "q-1",
		TenantID:   "acme",
		UserID:     "user-7",
		TableName:  "partners",
		Operation:  op,
		RecordData: map[string]any{"name": "Acme d.o.o."},
	}
	if recordID != "" {
		it.RecordID = &recordID
	}
	return it
}

func TestRESTApplierCreateReturnsRemoteID(t *testing.T) {
	var got capture
	srv := newBackend(t, http.StatusCreated, `[{"id":"p-42","name":"Acme d.o.o."}]`, &got)
	a := NewRESTApplier(srv.URL+"/", "secret")

	ctx := syncer.WithActingUser(context.Background(), "user-9")
	res := a.Apply(ctx, item(models.OpCreate, ""))

	require.Equal(t, syncer.ApplySuccess, res.Status, "err: %v", res.Err)
	assert.Equal(t, "p-42", res.RecordID)
	assert.Equal(t, http.MethodPost, got.method)
	assert.Equal(t, "/partners", got.path)
	assert.Equal(t, "Acme d.o.o.", got.body["name"])
	assert.Equal(t, "secret", got.header.Get("apikey"))
	assert.Equal(t, "Bearer secret", got.header.Get("Authorization"))
	assert.Equal(t, "acme", got.header.Get(HeaderTenant))
	assert.Equal(t, "user-9", got.header.Get(HeaderActingUser))
	assert.Equal(t, "return=representation", got.header.Get("Prefer"))
}

func TestRESTApplierCreateNumericID(t *testing.T) {
	var got capture
	srv := newBackend(t, http.StatusCreated, `{"id":1234567}`, &got)
	res := NewRESTApplier(srv.URL, "").Apply(context.Background(), item(models.OpCreate, ""))
	require.Equal(t, syncer.ApplySuccess, res.Status)
	assert.Equal(t, "1234567", res.RecordID)
	assert.Equal(t, "user-7", got.header.Get(HeaderActingUser), "falls back to the item's author")
}

func TestRESTApplierCreateKeepsBigintIDExact(t *testing.T) {
	var got capture
	srv := newBackend(t, http.StatusCreated, `[{"id":9007199254740993}]`, &got)
	res := NewRESTApplier(srv.URL, "").Apply(context.Background(), item(models.OpCreate, ""))
	require.Equal(t, syncer.ApplySuccess, res.Status)
	assert.Equal(t, "9007199254740993", res.RecordID)
}

func TestRESTApplierUpdateOrDeleteOfMissingRowIsPermanent(t *testing.T) {
	for _, op := range []models.OperationType{models.OpUpdate, models.OpDelete} {
		t.Run(string(op), func(t *testing.T) {
			var got capture
			srv := newBackend(t, http.StatusOK, `[]`, &got)
			res := NewRESTApplier(srv.URL, "").Apply(context.Background(), item(op, "p-404"))
			assert.Equal(t, syncer.ApplyPermanent, res.Status)
			assert.ErrorIs(t, res.Err, ErrNoRows)
			assert.Equal(t, "return=representation", got.header.Get("Prefer"))
		})
	}

	var got capture
	srv := newBackend(t, http.StatusOK, `[{"id":"p-1","name":"Acme d.o.o."}]`, &got)
	res := NewRESTApplier(srv.URL, "").Apply(context.Background(), item(models.OpUpdate, "p-1"))
	require.Equal(t, syncer.ApplySuccess, res.Status)
	assert.Equal(t, "p-1", res.RecordID)
}

func TestRESTApplierUpdateAndDelete(t *testing.T) {
	var got capture
	srv := newBackend(t, http.StatusNoContent, ``, &got)
	a := NewRESTApplier(srv.URL, "")

	res := a.Apply(context.Background(), item(models.OpUpdate, "p-1"))
	require.Equal(t, syncer.ApplySuccess, res.Status)
	assert.Equal(t, "p-1", res.RecordID)
	assert.Equal(t, http.MethodPatch, got.method)
	assert.Equal(t, "id=eq.p-1", got.query)
	assert.Equal(t, "Acme d.o.o.", got.body["name"])

	got = capture{}
	res = a.Apply(context.Background(), item(models.OpDelete, "p-1"))
	require.Equal(t, syncer.ApplySuccess, res.Status)
	assert.Equal(t, http.MethodDelete, got.method)
	assert.Equal(t, "id=eq.p-1", got.query)
	assert.Nil(t, got.body)
}

func TestRESTApplierClassification(t *testing.T) {
	cases := []struct {
		name   string
		op     models.OperationType
		status int
		want   syncer.ApplyStatus
	}{
		{"bad request", models.OpCreate, http.StatusBadRequest, syncer.ApplyPermanent},
		{"constraint violation", models.OpCreate, http.StatusConflict, syncer.ApplyPermanent},
		{"forbidden", models.OpUpdate, http.StatusForbidden, syncer.ApplyPermanent},
		{"update missing record", models.OpUpdate, http.StatusNotFound, syncer.ApplyPermanent},
		{"delete missing record", models.OpDelete, http.StatusNotFound, syncer.ApplyPermanent},
		{"request timeout", models.OpCreate, http.StatusRequestTimeout, syncer.ApplyTransient},
		{"throttled", models.OpCreate, http.StatusTooManyRequests, syncer.ApplyTransient},
		{"server error", models.OpUpdate, http.StatusInternalServerError, syncer.ApplyTransient},
		{"gateway", models.OpDelete, http.StatusBadGateway, syncer.ApplyTransient},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var got capture
			srv := newBackend(t, tc.status, `{"message":"nope"}`, &got)
			res := NewRESTApplier(srv.URL, "").Apply(context.Background(), item(tc.op, "p-1"))
			assert.Equal(t, tc.want, res.Status)

			var se *StatusError
			require.True(t, errors.As(res.Err, &se))
			assert.Equal(t, tc.status, se.Code)
			assert.Contains(t, se.Error(), "nope")
		})
	}
}

func TestRESTApplierNetworkErrorsAreTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	base := srv.URL
	srv.Close()

	res := NewRESTApplier(base, "").Apply(context.Background(), item(models.OpCreate, ""))
	assert.Equal(t, syncer.ApplyTransient, res.Status)
	assert.Error(t, res.Err)
}

func TestRESTApplierTimeoutIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	res := NewRESTApplier(srv.URL, "").Apply(ctx, item(models.OpCreate, ""))
	assert.Equal(t, syncer.ApplyTransient, res.Status)
}

func TestRESTApplierRejectsUnusableItems(t *testing.T) {
	a := NewRESTApplier("http://127.0.0.1:1", "")

	res := a.Apply(context.Background(), item(models.OpUpdate, ""))
	assert.Equal(t, syncer.ApplyPermanent, res.Status)

	res = a.Apply(context.Background(), item(models.OperationType("upsert"), "p-1"))
	assert.Equal(t, syncer.ApplyPermanent, res.Status)
}

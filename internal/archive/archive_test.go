package archive

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"offline-sync-engine/internal/config"
	"offline-sync-engine/internal/models"
)

func failedItem() models.QueueItem {
	return models.QueueItem{
		ID:           "0190-abc",
		Seq:          42,
		TenantID:     "acme",
		UserID:       "user-1",
		TableName:    "invoices_in",
		Operation:    models.OpCreate,
		RecordData:   map[string]any{"number": "R-17"},
		Status:       models.StatusFailed,
		AttemptCount: 3,
		LastError:    models.StringPtr("duplicate invoice number"),
	}
}

func TestArchiveWritesLocalRecord(t *testing.T) {
	dir := t.TempDir()
	a := New(&LocalUploader{BaseDir: dir})
	a.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }

	loc, err := a.Archive(context.Background(), failedItem(), "operator")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "acme", "invoices_in", "00000000000000000042-0190-abc.json"), loc)

	raw, err := os.ReadFile(loc)
	require.NoError(t, err)
	var rec Record
	require.NoError(t, json.Unmarshal(raw, &rec))
	assert.Equal(t, "0190-abc", rec.Item.ID)
	assert.Equal(t, "duplicate invoice number", *rec.Item.LastError)
	assert.Equal(t, "operator", rec.DiscardedBy)
	assert.True(t, rec.DiscardedAt.Equal(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)))
}

func TestKeyStaysInsideArchive(t *testing.T) {
	it := failedItem()
	it.TenantID = "../../etc"
	key := Key(it)
	assert.False(t, strings.HasPrefix(key, ".."), key)
	assert.False(t, strings.HasPrefix(key, "/"), key)
}

type brokenUploader struct{}

func (brokenUploader) Upload(context.Context, string, []byte, string) (string, error) {
	return "", errors.New("bucket gone")
}

func TestArchiveSurfacesUploadErrors(t *testing.T) {
	_, err := New(brokenUploader{}).Archive(context.Background(), failedItem(), "")
	assert.ErrorContains(t, err, "bucket gone")

	var nilArchiver *Archiver
	_, err = nilArchiver.Archive(context.Background(), failedItem(), "")
	assert.Error(t, err)
}

func TestNewFromConfigDefaultsToLocal(t *testing.T) {
	dir := t.TempDir()
	a, err := NewFromConfig(context.Background(), config.Config{ArchiveDir: dir})
	require.NoError(t, err)

	loc, err := a.Archive(context.Background(), failedItem(), "")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(loc, dir))
}

func TestS3UploaderPutsObject(t *testing.T) {
	var (
		mu     sync.Mutex
		method string
		path   string
		ctype  string
		body   []byte
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		method, path, ctype = r.Method, r.URL.Path, r.Header.Get("Content-Type")
		body, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := s3.New(s3.Options{
		Region:       "us-east-1",
		BaseEndpoint: aws.String(srv.URL),
		UsePathStyle: true,
		Credentials:  aws.AnonymousCredentials{},
	})
	a := New(NewS3Uploader(client, "dead-letters"))

	loc, err := a.Archive(context.Background(), failedItem(), "")
	require.NoError(t, err)
	assert.Equal(t, "s3://dead-letters/acme/invoices_in/00000000000000000042-0190-abc.json", loc)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, http.MethodPut, method)
	assert.Equal(t, "/dead-letters/acme/invoices_in/00000000000000000042-0190-abc.json", path)
	assert.Equal(t, "application/json", ctype)
	assert.Contains(t, string(body), "R-17")
}

package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"offline-sync-engine/internal/models"
	"offline-sync-engine/internal/syncer"
)

// Headers carried on every request so the backend can scope and audit the write.
const (
	HeaderTenant     = "X-Tenant-ID"
	HeaderActingUser = "X-Acting-User"
)

// ErrNoRows means an update or delete matched no remote row.
var ErrNoRows = errors.New("no remote row matches the record id")

// RESTApplier talks to a PostgREST-style interface: POST creates, PATCH
// updates and DELETE deletes rows of /{table} filtered by id.
type RESTApplier struct {
	baseURL    string
	apiKey     string
	idColumn   string
	httpClient *http.Client
}

// RESTOption customizes a RESTApplier.
type RESTOption func(*RESTApplier)

// WithHTTPClient replaces the default client.
func WithHTTPClient(c *http.Client) RESTOption {
	return func(a *RESTApplier) {
		if c != nil {
			a.httpClient = c
		}
	}
}

// WithIDColumn changes the primary key column used in filters and responses.
func WithIDColumn(col string) RESTOption {
	return func(a *RESTApplier) {
		if col != "" {
			a.idColumn = col
		}
	}
}

func NewRESTApplier(baseURL, apiKey string, opts ...RESTOption) *RESTApplier {
	a := &RESTApplier{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		idColumn:   "id",
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Apply replays one item. Network errors, timeouts, 408, 429 and 5xx are
// transient; any other rejection is permanent.
func (a *RESTApplier) Apply(ctx context.Context, item models.QueueItem) syncer.ApplyResult {
	req, err := a.buildRequest(ctx, item)
	if err != nil {
		return syncer.Permanent(err)
	}
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return syncer.Transient(fmt.Errorf("%s %s: %w", req.Method, item.TableName, err))
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return syncer.Transient(fmt.Errorf("read response: %w", err))
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		statusErr := &StatusError{Method: req.Method, Table: item.TableName, Code: resp.StatusCode, Body: snippet(body)}
		if retryable(resp.StatusCode) {
			return syncer.Transient(statusErr)
		}
		return syncer.Permanent(statusErr)
	}

	rows, answered := decodeRows(body)
	if item.Operation != models.OpCreate {
		// The filter matched nothing: the record is gone remotely.
		if answered && len(rows) == 0 {
			return syncer.Permanent(fmt.Errorf("%s %s id=%s: %w", req.Method, item.TableName, deref(item.RecordID), ErrNoRows))
		}
		return syncer.Success(deref(item.RecordID))
	}
	var id string
	if len(rows) > 0 {
		id = formatID(rows[0][a.idColumn])
	}
	if id == "" {
		id = formatID(item.RecordData[a.idColumn])
	}
	return syncer.Success(id)
}

func (a *RESTApplier) buildRequest(ctx context.Context, item models.QueueItem) (*http.Request, error) {
	endpoint := a.baseURL + "/" + url.PathEscape(item.TableName)

	var (
		method string
		body   io.Reader
	)
	switch item.Operation {
	case models.OpCreate:
		method = http.MethodPost
	case models.OpUpdate:
		method = http.MethodPatch
	case models.OpDelete:
		method = http.MethodDelete
	default:
		return nil, fmt.Errorf("unsupported operation %q", item.Operation)
	}
	if item.Operation != models.OpCreate {
		if item.RecordID == nil || *item.RecordID == "" {
			return nil, errors.New("record id is required for " + string(item.Operation))
		}
		endpoint += "?" + url.Values{a.idColumn: {"eq." + *item.RecordID}}.Encode()
	}
	if item.Operation != models.OpDelete {
		raw, err := json.Marshal(item.RecordData)
		if err != nil {
			return nil, fmt.Errorf("marshal record_data: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Prefer", "return=representation")
	if a.apiKey != "" {
		req.Header.Set("apikey", a.apiKey)
		req.Header.Set("Authorization", "Bearer "+a.apiKey)
	}
	req.Header.Set(HeaderTenant, item.TenantID)
	user := syncer.ActingUser(ctx)
	if user == "" {
		user = item.UserID
	}
	req.Header.Set(HeaderActingUser, user)
	return req, nil
}

// decodeRows reads an object or an array of rows. Numbers stay json.Number
// so bigint ids survive. answered is false when the body holds no rows
// document, as when the server ignores the representation preference.
func decodeRows(body []byte) (rows []map[string]any, answered bool) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, false
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if body[0] == '[' {
		if err := dec.Decode(&rows); err != nil {
			return nil, false
		}
		return rows, true
	}
	var row map[string]any
	if err := dec.Decode(&row); err != nil {
		return nil, false
	}
	return []map[string]any{row}, true
}

func formatID(v any) string {
	switch id := v.(type) {
	case nil:
		return ""
	case json.Number:
		return id.String()
	case float64:
		return strconv.FormatFloat(id, 'f', -1, 64)
	case string:
		return id
	default:
		return fmt.Sprint(id)
	}
}

// StatusError is a non-2xx answer from the remote service.
type StatusError struct {
	Method string
	Table  string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s %s: status %d", e.Method, e.Table, e.Code)
	}
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Table, e.Code, e.Body)
}

func retryable(code int) bool {
	return code == http.StatusRequestTimeout || code == http.StatusTooManyRequests || code >= http.StatusInternalServerError
}

func snippet(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > 512 {
		s = s[:512]
	}
	return s
}

func deref(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}

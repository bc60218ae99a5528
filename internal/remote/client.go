// Package remote is the HTTP client for the remote authority, a
// PostgREST-style REST backend.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ashureev/pccare/internal/domain"
)

const (
	maxResponseSize  int64 = 8 << 20
	maxErrorBodySize int64 = 4 << 10
	defaultTimeout         = 15 * time.Second

	// pgForeignKeyViolation is the Postgres error code PostgREST relays when
	// an insert references a row that does not exist.
	pgForeignKeyViolation = "23503"
)

// Options configures a Client.
type Options struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	Timeout     time.Duration
	HTTPClient  *http.Client
	Logger      *slog.Logger
}

// Client talks to the remote authority. Every request carries the API key
// header and a bearer credential.
type Client struct {
	baseURL string
	apiKey  string
	bearer  string
	http    *http.Client
	logger  *slog.Logger
}

// New creates a Client. The bearer credential defaults to the API key.
func New(opts Options) *Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	bearer := opts.BearerToken
	if bearer == "" {
		bearer = opts.APIKey
	}
	return &Client{
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		apiKey:  opts.APIKey,
		bearer:  bearer,
		http:    httpClient,
		logger:  logger,
	}
}

// Configured reports whether a base URL is set.
func (c *Client) Configured() bool {
	return c.baseURL != ""
}

// Probe checks that the remote answers at all. Any status below 500 counts
// as reachable.
func (c *Client) Probe(ctx context.Context) error {
	const op = "probe"
	if !c.Configured() {
		return &ConnectivityError{Op: op, Err: ErrNotConfigured}
	}
	req, err := c.newRequest(ctx, http.MethodGet, "/", nil, nil)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	res, err := c.http.Do(req)
	if err != nil {
		return &ConnectivityError{Op: op, Err: err}
	}
	defer drain(res.Body)
	if res.StatusCode >= http.StatusInternalServerError {
		return &ConnectivityError{Op: op, Err: fmt.Errorf("http %d", res.StatusCode)}
	}
	return nil
}

// FetchOperations returns the active operation catalog.
func (c *Client) FetchOperations(ctx context.Context) ([]domain.Operation, error) {
	q := url.Values{}
	q.Set("active", "eq.true")
	q.Set("select", "*")

	var rows []operationRow
	if err := c.do(ctx, "fetch operations", http.MethodGet, "/operations", q, nil, &rows, nil); err != nil {
		return nil, err
	}

	ops := make([]domain.Operation, 0, len(rows))
	for _, r := range rows {
		if r.Slug == "" {
			c.logger.Warn("Skipping remote operation without slug", "name", r.Name)
			continue
		}
		ops = append(ops, r.toDomain())
	}
	return ops, nil
}

// LookupDevice resolves the remote device id for an opaque device token.
func (c *Client) LookupDevice(ctx context.Context, token string) (string, error) {
	q := url.Values{}
	q.Set("token", "eq."+token)
	q.Set("select", "id")

	var rows []struct {
		ID string `json:"id"`
	}
	if err := c.do(ctx, "lookup device", http.MethodGet, "/devices", q, nil, &rows, nil); err != nil {
		return "", err
	}
	if len(rows) == 0 || rows[0].ID == "" {
		return "", ErrDeviceUnknown
	}
	return rows[0].ID, nil
}

// FetchPendingExecution returns the newest pending request for deviceID, or nil.
func (c *Client) FetchPendingExecution(ctx context.Context, deviceID string) (*domain.RemoteExecution, error) {
	q := url.Values{}
	q.Set("device_id", "eq."+deviceID)
	q.Set("status", "eq.pending")
	q.Set("order", "created_at.desc")
	q.Set("limit", "1")
	q.Set("select", "*,operation:operations(*)")

	var rows []executionRow
	if err := c.do(ctx, "fetch pending execution", http.MethodGet, "/remote_executions", q, nil, &rows, nil); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	if rows[0].ID == "" {
		return nil, &ProtocolError{Op: "fetch pending execution", StatusCode: http.StatusOK, Err: errors.New("request without id")}
	}
	return rows[0].toDomain(), nil
}

// PatchExecution reports a status change for request id.
func (c *Client) PatchExecution(ctx context.Context, id string, patch ExecutionPatch) error {
	q := url.Values{}
	q.Set("id", "eq."+id)
	return c.do(ctx, "patch execution", http.MethodPatch, "/remote_executions", q, patch, nil,
		map[string]string{"Prefer": "return=minimal"})
}

// PushTelemetry appends one telemetry sample keyed by its client id.
func (c *Client) PushTelemetry(ctx context.Context, deviceID string, s domain.TelemetrySample) error {
	row := telemetryRow{
		ClientID:     s.ClientID,
		DeviceID:     deviceID,
		CPUUsage:     s.CPUPercent,
		MemoryUsage:  s.MemoryPercent,
		DiskUsage:    s.DiskPercent,
		HealthScore:  s.HealthScore,
		HealthStatus: s.HealthStatus,
		RecordedAt:   s.RecordedAt.UTC(),
	}
	return c.insert(ctx, "push telemetry", "/telemetry_samples", row)
}

// PushConversation appends one conversation entry keyed by its client id.
func (c *Client) PushConversation(ctx context.Context, deviceID string, e domain.ConversationEntry) error {
	row := conversationRow{
		ClientID:  e.ClientID,
		DeviceID:  deviceID,
		Role:      e.Role,
		Content:   e.Content,
		CreatedAt: e.CreatedAt.UTC(),
	}
	return c.insert(ctx, "push conversation", "/conversation_entries", row)
}

// SubmitSupportRequest delivers a buffered support request.
func (c *Client) SubmitSupportRequest(ctx context.Context, deviceID string, r domain.SupportRequest) error {
	row := supportRow{
		ClientID:  r.ClientID,
		DeviceID:  deviceID,
		Subject:   r.Subject,
		Message:   r.Message,
		Contact:   r.Contact,
		CreatedAt: r.CreatedAt.UTC(),
	}
	return c.insert(ctx, "submit support request", "/support_requests", row)
}

// FetchSettings returns the device's remotely managed settings.
func (c *Client) FetchSettings(ctx context.Context, deviceID string) (map[string]string, error) {
	q := url.Values{}
	q.Set("device_id", "eq."+deviceID)
	q.Set("select", "key,value")

	var rows []settingRow
	if err := c.do(ctx, "fetch settings", http.MethodGet, "/device_settings", q, nil, &rows, nil); err != nil {
		return nil, err
	}
	out := make(map[string]string, len(rows))
	for _, r := range rows {
		if r.Key != "" {
			out[r.Key] = r.Value
		}
	}
	return out, nil
}

// insert posts a row that the remote deduplicates on client_id, so a retry
// after a lost acknowledgment does not create a second row.
func (c *Client) insert(ctx context.Context, op, path string, row any) error {
	q := url.Values{}
	q.Set("on_conflict", "client_id")
	err := c.do(ctx, op, http.MethodPost, path, q, row, nil,
		map[string]string{"Prefer": "resolution=ignore-duplicates,return=minimal"})

	// Every inserted row references the device, so a foreign key violation
	// means the cached device id no longer exists remotely.
	var pe *ProtocolError
	if errors.As(err, &pe) && pe.StatusCode == http.StatusConflict && errorCode(pe.Body) == pgForeignKeyViolation {
		pe.Err = ErrDeviceUnknown
	}
	return err
}

func errorCode(body string) string {
	var e struct {
		Code string `json:"code"`
	}
	if json.Unmarshal([]byte(body), &e) != nil {
		return ""
	}
	return e.Code
}

func (c *Client) newRequest(ctx context.Context, method, path string, query url.Values, body any) (*http.Request, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode body: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("apikey", c.apiKey)
	req.Header.Set("Authorization", "Bearer "+c.bearer)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

func (c *Client) do(ctx context.Context, op, method, path string, query url.Values, body, out any, headers map[string]string) error {
	if !c.Configured() {
		return &ConnectivityError{Op: op, Err: ErrNotConfigured}
	}

	req, err := c.newRequest(ctx, method, path, query, body)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	start := time.Now()
	res, err := c.http.Do(req)
	if err != nil {
		return &ConnectivityError{Op: op, Err: err}
	}
	defer drain(res.Body)

	c.logger.Debug("Remote request", "op", op, "method", method, "path", path,
		"status", res.StatusCode, "duration", time.Since(start))

	if res.StatusCode/100 != 2 {
		data, _ := io.ReadAll(io.LimitReader(res.Body, maxErrorBodySize))
		return &ProtocolError{Op: op, StatusCode: res.StatusCode, Body: strings.TrimSpace(string(data))}
	}
	if out == nil {
		return nil
	}

	data, err := io.ReadAll(io.LimitReader(res.Body, maxResponseSize))
	if err != nil {
		return &ConnectivityError{Op: op, Err: fmt.Errorf("read body: %w", err)}
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &ProtocolError{Op: op, StatusCode: res.StatusCode, Err: fmt.Errorf("decode body: %w", err)}
	}
	return nil
}

func drain(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(body, maxResponseSize))
	_ = body.Close()
}

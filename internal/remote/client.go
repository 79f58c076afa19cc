// Package remote implements the HTTP client for the family sync backend.
// It translates queued operations into conditional writes and exposes the
// change feed used to pull remote edits.
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
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"

	"github.com/hearthkit/hearthsync/internal/config"
	"github.com/hearthkit/hearthsync/internal/loggy"
	"github.com/hearthkit/hearthsync/internal/queue"
)

// pullMaxRetries bounds transient retries inside a single Pull call
const pullMaxRetries = 3

// PushStatus classifies the backend's answer to a pushed operation
type PushStatus string

const (
	// PushAccepted means the write was applied and a new version assigned
	PushAccepted PushStatus = "accepted"
	// PushConflict means the base version no longer matches the document
	PushConflict PushStatus = "conflict"
	// PushRejected means the backend refused the operation outright
	PushRejected PushStatus = "rejected"
)

// Document is the backend's representation of a synced document
type Document struct {
	Collection string         `json:"collection"`
	DocumentID string         `json:"document_id"`
	Fields     map[string]any `json:"fields"`
	Version    int64          `json:"version"`
	Deleted    bool           `json:"deleted"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// PushResult carries the outcome of a single push attempt
type PushResult struct {
	Status PushStatus
	// NewVersion is the version assigned by an accepted write
	NewVersion int64
	// Remote is the document's current server state on a version conflict
	Remote *Document
	// Reason explains a rejection
	Reason string
	// Bytes is the size of the request body sent upstream
	Bytes int64
}

// Change is one entry from a collection's change feed
type Change struct {
	DocumentID string         `json:"document_id"`
	Fields     map[string]any `json:"fields"`
	Version    int64          `json:"version"`
	Deleted    bool           `json:"deleted"`
	UpdatedAt  time.Time      `json:"updated_at"`
	// SourceDeviceID identifies the device that produced the change
	SourceDeviceID string `json:"source_device_id,omitempty"`
}

// PullResult is one page of a collection's change feed
type PullResult struct {
	Changes    []Change `json:"changes"`
	NextCursor string   `json:"next_cursor"`
	HasMore    bool     `json:"has_more"`
	// Bytes is the size of the feed page as received
	Bytes int64 `json:"-"`
}

// APIError represents a structured error response from the backend
type APIError struct {
	StatusCode int    `json:"-"`
	Code       string `json:"code"`
	Message    string `json:"message"`
}

// Error implements the error interface
func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("backend error (HTTP %d, %s): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("backend error (HTTP %d): %s", e.StatusCode, e.Message)
}

// TransportError wraps a transient failure reaching the backend. The
// engine treats it as retryable and leaves the operation queued.
type TransportError struct {
	Op         string
	StatusCode int
	Err        error
}

// Error implements the error interface
func (e *TransportError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s: transient backend failure (HTTP %d): %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error
func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err is a retryable transport failure
func IsTransient(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// Client talks to the family sync backend over HTTP
type Client struct {
	baseURL    string
	token      string
	familyID   string
	deviceID   string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *loggy.Logger
}

// NewClient creates a new backend client from server configuration
func NewClient(cfg config.ServerConfig, logger *loggy.Logger) *Client {
	return &Client{
		baseURL:  cfg.URL,
		token:    cfg.Token,
		familyID: cfg.FamilyID,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		limiter: rate.NewLimiter(rate.Limit(cfg.PushesPerSecond), cfg.PushBurst),
		logger:  logger,
	}
}

// SetToken replaces the bearer token used for authentication
func (c *Client) SetToken(token string) {
	c.token = token
}

// SetDeviceID sets the device identifier attached to pushed operations
func (c *Client) SetDeviceID(deviceID string) {
	c.deviceID = deviceID
}

type pushRequest struct {
	OperationID string         `json:"operation_id"`
	Kind        string         `json:"kind"`
	Fields      map[string]any `json:"fields,omitempty"`
	BaseVersion *int64         `json:"base_version,omitempty"`
	DeviceID    string         `json:"device_id,omitempty"`
}

type pushResponse struct {
	Version  int64     `json:"version"`
	Document *Document `json:"document,omitempty"`
}

// Push sends a single queued operation as a conditional write. A version
// mismatch is reported through the result, not as an error, so the caller
// can hand it to conflict resolution.
func (c *Client) Push(ctx context.Context, op *queue.Operation) (*PushResult, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, &TransportError{Op: "push", Err: err}
	}

	method := http.MethodPut
	if op.Kind == queue.KindDelete {
		method = http.MethodDelete
	}

	encoded, err := json.Marshal(pushRequest{
		OperationID: op.ID,
		Kind:        string(op.Kind),
		Fields:      op.Payload,
		BaseVersion: op.BaseVersion,
		DeviceID:    c.deviceID,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding push request: %w", err)
	}
	sent := int64(len(encoded))

	endpoint := fmt.Sprintf("%s/v1/sync/%s/%s",
		c.baseURL, url.PathEscape(op.Collection), url.PathEscape(op.DocumentID))

	resp, raw, err := c.doRequest(ctx, method, endpoint, encoded)
	if err != nil {
		return nil, &TransportError{Op: "push", Err: err}
	}

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated:
		var pr pushResponse
		if err := json.Unmarshal(raw, &pr); err != nil {
			return nil, fmt.Errorf("decoding push response: %w", err)
		}
		return &PushResult{Status: PushAccepted, NewVersion: pr.Version, Bytes: sent}, nil

	case resp.StatusCode == http.StatusConflict || resp.StatusCode == http.StatusPreconditionFailed:
		var pr pushResponse
		if err := json.Unmarshal(raw, &pr); err != nil {
			return nil, fmt.Errorf("decoding conflict response: %w", err)
		}
		if pr.Document == nil {
			return nil, fmt.Errorf("conflict response missing document state")
		}
		return &PushResult{Status: PushConflict, Remote: pr.Document, Bytes: sent}, nil

	case isTransientStatus(resp.StatusCode):
		return nil, &TransportError{
			Op:         "push",
			StatusCode: resp.StatusCode,
			Err:        parseAPIError(resp.StatusCode, raw),
		}

	default:
		apiErr := parseAPIError(resp.StatusCode, raw)
		c.logger.Warn("push rejected by backend",
			"collection", op.Collection,
			"document_id", op.DocumentID,
			"status", resp.StatusCode,
		)
		return &PushResult{Status: PushRejected, Reason: apiErr.Error(), Bytes: sent}, nil
	}
}

// Pull fetches one page of a collection's change feed starting after the
// given cursor. Transient failures are retried with exponential backoff
// before the error surfaces.
func (c *Client) Pull(ctx context.Context, collection, cursor string, limit int) (*PullResult, error) {
	endpoint := fmt.Sprintf("%s/v1/sync/%s", c.baseURL, url.PathEscape(collection))

	params := url.Values{}
	if cursor != "" {
		params.Set("cursor", cursor)
	}
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}

	var result *PullResult
	operation := func() error {
		resp, raw, err := c.doRequest(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return &TransportError{Op: "pull", Err: err}
		}

		if resp.StatusCode != http.StatusOK {
			apiErr := parseAPIError(resp.StatusCode, raw)
			if isTransientStatus(resp.StatusCode) {
				return &TransportError{Op: "pull", StatusCode: resp.StatusCode, Err: apiErr}
			}
			return backoff.Permanent(apiErr)
		}

		var pr PullResult
		if err := json.Unmarshal(raw, &pr); err != nil {
			return backoff.Permanent(fmt.Errorf("decoding pull response: %w", err))
		}
		pr.Bytes = int64(len(raw))
		result = &pr
		return nil
	}

	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), pullMaxRetries), ctx)
	if err := backoff.Retry(operation, b); err != nil {
		return nil, fmt.Errorf("pulling %s changes: %w", collection, err)
	}

	return result, nil
}

// Ping checks whether the backend answers at all. Used by the network
// monitor as its reachability probe.
func (c *Client) Ping(ctx context.Context) error {
	resp, _, err := c.doRequest(ctx, http.MethodGet, c.baseURL+"/v1/ping", nil)
	if err != nil {
		return &TransportError{Op: "ping", Err: err}
	}
	if resp.StatusCode >= http.StatusInternalServerError {
		return &TransportError{Op: "ping", StatusCode: resp.StatusCode, Err: errors.New("backend unavailable")}
	}
	return nil
}

// doRequest executes one HTTP request and returns the response with its
// fully read body
func (c *Client) doRequest(ctx context.Context, method, endpoint string, body []byte) (*http.Response, []byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, nil, fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if c.familyID != "" {
		req.Header.Set("X-Family-ID", c.familyID)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("reading response body: %w", err)
	}

	return resp, raw, nil
}

// isTransientStatus reports whether a status code warrants a retry
func isTransientStatus(code int) bool {
	switch code {
	case http.StatusRequestTimeout, http.StatusTooManyRequests:
		return true
	}
	return code >= http.StatusInternalServerError
}

// parseAPIError decodes a structured error body, falling back to the raw
// text when the backend returned something unexpected
func parseAPIError(statusCode int, raw []byte) *APIError {
	apiErr := &APIError{StatusCode: statusCode}
	if err := json.Unmarshal(raw, apiErr); err != nil || apiErr.Message == "" {
		apiErr.Message = string(raw)
		if apiErr.Message == "" {
			apiErr.Message = http.StatusText(statusCode)
		}
	}
	return apiErr
}

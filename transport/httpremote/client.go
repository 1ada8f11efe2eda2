// Package httpremote implements the statesync RemoteSource over a JSON HTTP
// API. The server exposes three endpoints:
//
//	GET  /v1/state         returns all authoritative records
//	GET  /v1/state/version returns the opaque version marker of the copy
//	POST /v1/state         accepts pushed records
//
// HasUpdates compares the server's version marker against the one seen at
// the last successful fetch, so polling stays a single cheap request.
package httpremote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/lucidjournal/statesync"
	syncErrors "github.com/lucidjournal/statesync/errors"
)

// Limits bounds response sizes.
type Limits struct {
	// MaxBodyBytes caps a response body read. Default 8MB.
	MaxBodyBytes int64
}

// Client is an HTTP RemoteSource.
type Client struct {
	baseURL string
	http    *http.Client
	limits  Limits

	mu             sync.Mutex
	fetchedVersion string // version marker at last successful FetchAll
}

var _ statesync.RemoteSource = (*Client)(nil)

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithLimits sets response size limits.
func WithLimits(l Limits) Option {
	return func(c *Client) { c.limits = l }
}

// NewClient creates a Client for the given base URL.
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 30 * time.Second},
		limits:  Limits{MaxBodyBytes: 8 << 20},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type versionResponse struct {
	Version string `json:"version"`
}

// HasUpdates reports whether the authoritative copy changed since the last
// successful FetchAll. Before any fetch it reports true, so a fresh client
// always pulls once.
func (c *Client) HasUpdates(ctx context.Context) (bool, error) {
	var vr versionResponse
	if err := c.getJSON(ctx, "/v1/state/version", &vr); err != nil {
		return false, syncErrors.NewNetworkError(syncErrors.OpPull, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fetchedVersion == "" {
		return true, nil
	}
	return vr.Version != c.fetchedVersion, nil
}

type stateResponse struct {
	Version string                 `json:"version"`
	Records []statesync.CoreRecord `json:"records"`
}

// FetchAll retrieves all authoritative records and remembers the version
// marker they came with.
func (c *Client) FetchAll(ctx context.Context) ([]statesync.CoreRecord, error) {
	var sr stateResponse
	if err := c.getJSON(ctx, "/v1/state", &sr); err != nil {
		return nil, syncErrors.NewNetworkError(syncErrors.OpPull, err)
	}

	c.mu.Lock()
	c.fetchedVersion = sr.Version
	c.mu.Unlock()

	return sr.Records, nil
}

type pushRequest struct {
	Records []statesync.CoreRecord `json:"records"`
}

// Push transmits records to the authoritative store.
func (c *Client) Push(ctx context.Context, records []statesync.CoreRecord) error {
	if len(records) == 0 {
		return nil
	}

	body, err := json.Marshal(pushRequest{Records: records})
	if err != nil {
		return syncErrors.NewValidationError(syncErrors.OpPush, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/v1/state", bytes.NewReader(body))
	if err != nil {
		return syncErrors.NewNetworkError(syncErrors.OpPush, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return syncErrors.NewNetworkError(syncErrors.OpPush, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, c.limits.MaxBodyBytes))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return syncErrors.NewNetworkError(syncErrors.OpPush,
			fmt.Errorf("push: unexpected status %d", resp.StatusCode))
	}
	return nil
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, c.limits.MaxBodyBytes))
		return fmt.Errorf("%s: unexpected status %d", path, resp.StatusCode)
	}

	body := io.LimitReader(resp.Body, c.limits.MaxBodyBytes)
	return json.NewDecoder(body).Decode(out)
}

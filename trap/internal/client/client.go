// Package client talks to a running trap engine's HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/telhawk-systems/telhawk-trap/common/httputil"
	"github.com/telhawk-systems/telhawk-trap/trap/internal/handlers"
	"github.com/telhawk-systems/telhawk-trap/trap/internal/models"
	"github.com/telhawk-systems/telhawk-trap/trap/internal/service"
)

type Client struct {
	baseURL string
	token   string
	client  *http.Client
}

func New(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

// SendEvents posts raw records as newline-delimited JSON.
func (c *Client) SendEvents(ctx context.Context, records []map[string]any) (*service.BatchResult, error) {
	var body bytes.Buffer
	enc := json.NewEncoder(&body)
	for _, r := range records {
		if err := enc.Encode(r); err != nil {
			return nil, err
		}
	}

	req, err := c.newRequest(ctx, http.MethodPost, "/api/v1/events", &body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-ndjson")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var res service.BatchResult
	if resp.StatusCode == http.StatusAccepted || resp.StatusCode == http.StatusBadRequest {
		if err := json.NewDecoder(resp.Body).Decode(&res); err == nil && (res.Accepted > 0 || res.Rejected > 0) {
			return &res, nil
		}
	}
	return nil, apiError(resp)
}

// Download is an export attachment.
type Download struct {
	Filename   string
	Body       []byte
	FlushError string
}

// Export fetches an on-demand export in format, narrowed by f.
func (c *Client) Export(ctx context.Context, format string, f models.Filter) (*Download, error) {
	params := f.Values()
	params.Set("format", format)
	req, err := c.newRequest(ctx, http.MethodGet, "/api/v1/export?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, apiError(resp)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	d := &Download{Body: body, FlushError: resp.Header.Get(handlers.HeaderFlushError)}
	if _, params, err := mime.ParseMediaType(resp.Header.Get("Content-Disposition")); err == nil {
		d.Filename = params["filename"]
	}
	return d, nil
}

// Stats fetches the engine's stats report.
func (c *Client) Stats(ctx context.Context) (*service.StatsReport, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/api/v1/stats", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, apiError(resp)
	}
	var rep service.StatsReport
	if err := json.NewDecoder(resp.Body).Decode(&rep); err != nil {
		return nil, fmt.Errorf("decode stats: %w", err)
	}
	return &rep, nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

func apiError(resp *http.Response) error {
	var e httputil.ErrorResponse
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if json.Unmarshal(data, &e) == nil && e.Error != "" {
		if e.Details != "" {
			return fmt.Errorf("%s: %s (status %d)", e.Error, e.Details, resp.StatusCode)
		}
		return fmt.Errorf("%s (status %d)", e.Error, resp.StatusCode)
	}
	return fmt.Errorf("request failed with status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
}

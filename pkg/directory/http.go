package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// HTTPClient reads records from a remote directory service.
type HTTPClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewHTTPClient creates a client for the directory service at baseURL.
func NewHTTPClient(baseURL string) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 5 * time.Second,
		},
	}
}

// Lookup fetches the record of imsi and returns one of its fields.
func (c *HTTPClient) Lookup(ctx context.Context, imsi, field string) (string, error) {
	record, err := c.Get(ctx, imsi)
	if err != nil {
		return "", err
	}

	value, ok := record.Fields[field]
	if !ok || value == "" {
		return "", fmt.Errorf("%w: %s/%s", ErrNotFound, imsi, field)
	}
	return value, nil
}

// Get fetches the whole record of imsi.
func (c *HTTPClient) Get(ctx context.Context, imsi string) (*Record, error) {
	reqURL := c.baseURL + "/api/v1/records/" + url.PathEscape(imsi)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, imsi)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("get record failed with status %d", resp.StatusCode)
	}

	var record Record
	if err := json.NewDecoder(resp.Body).Decode(&record); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &record, nil
}

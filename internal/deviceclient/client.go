package deviceclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Client is a minimal HTTP client for a feeder device on the local network.
type Client struct {
	baseURL string
	client  *http.Client
}

// NewClient constructs a device client for the given base URL
// (e.g. "http://192.168.1.50").
func NewClient(baseURL string) (*Client, error) {
	if baseURL == "" {
		return nil, errors.New("deviceclient: empty base url")
	}
	if !strings.HasPrefix(baseURL, "http://") && !strings.HasPrefix(baseURL, "https://") {
		baseURL = "http://" + baseURL
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 3 * time.Second},
	}, nil
}

// Ping verifies connectivity by requesting the device's /ping endpoint.
func (c *Client) Ping(ctx context.Context) bool {
	if c == nil || c.client == nil {
		return false
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/ping", c.baseURL), nil)
	if err != nil {
		return false
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

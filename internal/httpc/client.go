// Package httpc is the HTTP client for the bridge's REST API.
// Use it instead of http.DefaultClient so every request has a timeout.
package httpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/teslashibe/go-rmi/pkg/bridge"
)

// Default timeouts for HTTP operations.
const (
	DefaultTimeout        = 10 * time.Second
	DefaultConnectTimeout = 5 * time.Second
	DefaultKeepAlive      = 30 * time.Second
)

// NewClient creates an HTTP client with the specified timeout.
func NewClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   DefaultConnectTimeout,
				KeepAlive: DefaultKeepAlive,
			}).DialContext,
			MaxIdleConnsPerHost: 2,
			IdleConnTimeout:     90 * time.Second,
		},
	}
}

// Bridge talks to the /api routes of a bridge.
type Bridge struct {
	base string
	hc   *http.Client
}

// NewBridge returns a client for the bridge at bridgeURL. WebSocket URLs
// are accepted and mapped to their HTTP equivalents.
func NewBridge(bridgeURL string, hc *http.Client) (*Bridge, error) {
	u, err := url.Parse(bridgeURL)
	if err != nil {
		return nil, fmt.Errorf("invalid bridge URL: %w", err)
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	case "http", "https":
	default:
		return nil, fmt.Errorf("invalid bridge URL %q: unsupported scheme", bridgeURL)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("invalid bridge URL %q: missing host", bridgeURL)
	}
	if hc == nil {
		hc = NewClient(DefaultTimeout)
	}
	u.Path = strings.TrimSuffix(u.Path, "/ws")
	u.RawQuery = ""
	return &Bridge{base: strings.TrimSuffix(u.String(), "/") + "/api", hc: hc}, nil
}

// Base returns the API root.
func (b *Bridge) Base() string {
	return b.base
}

// Stats fetches the bridge counters.
func (b *Bridge) Stats(ctx context.Context) (bridge.Stats, error) {
	var stats bridge.Stats
	err := b.do(ctx, http.MethodGet, "/stats", nil, &stats)
	return stats, err
}

// Peers lists the connected peers.
func (b *Bridge) Peers(ctx context.Context) ([]bridge.PeerInfo, error) {
	var resp struct {
		Peers []bridge.PeerInfo `json:"peers"`
		Count int               `json:"count"`
	}
	if err := b.do(ctx, http.MethodGet, "/peers", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Peers, nil
}

// Publish injects payload on topic and returns how many subscribers got it.
func (b *Bridge) Publish(ctx context.Context, topic string, payload []byte) (int, error) {
	var resp struct {
		Delivered int `json:"delivered"`
	}
	path := "/publish?topic=" + url.QueryEscape(topic)
	if err := b.do(ctx, http.MethodPost, path, payload, &resp); err != nil {
		return 0, err
	}
	return resp.Delivered, nil
}

func (b *Bridge) do(ctx context.Context, method, path string, body []byte, out any) error {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, b.base+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := b.hc.Do(req)
	if err != nil {
		return fmt.Errorf("bridge %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("bridge %s %s: read body: %w", method, path, err)
	}
	if resp.StatusCode != http.StatusOK {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("bridge %s %s: %d: %s", method, path, resp.StatusCode, apiErr.Error)
		}
		return fmt.Errorf("bridge %s %s: unexpected status %d", method, path, resp.StatusCode)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("bridge %s %s: decode: %w", method, path, err)
	}
	return nil
}

// Package doh talks to a DNS-over-HTTPS resolver: raw DNS messages for the
// UDP bridge and JSON A lookups for the NAT64 fallback.
package doh

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

const (
	DefaultEndpoint = "https://1.1.1.1/dns-query"
	DefaultTimeout  = 10 * time.Second

	ContentTypeDNSMessage = "application/dns-message"
	ContentTypeDNSJSON    = "application/dns-json"
)

// maxResponseSize bounds a DoH response body.
const maxResponseSize = 64 * 1024

const (
	TypeA = 1
)

type Client struct {
	endpoint string
	http     *http.Client
}

type ClientConfig struct {
	Endpoint string
	Timeout  time.Duration
	// HTTPClient replaces the default client.
	HTTPClient *http.Client
}

func New(cfg *ClientConfig) *Client {
	endpoint := DefaultEndpoint
	if cfg != nil && cfg.Endpoint != "" {
		endpoint = cfg.Endpoint
	}

	timeout := DefaultTimeout
	if cfg != nil && cfg.Timeout != 0 {
		timeout = cfg.Timeout
	}

	client := &http.Client{Timeout: timeout}
	if cfg != nil && cfg.HTTPClient != nil {
		client = cfg.HTTPClient
	}

	return &Client{
		endpoint: endpoint,
		http:     client,
	}
}

func (c *Client) Endpoint() string {
	return c.endpoint
}

// Exchange posts a wire-format DNS query and returns the wire-format answer.
func (c *Client) Exchange(ctx context.Context, query []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(query))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", ContentTypeDNSMessage)
	req.Header.Set("Accept", ContentTypeDNSMessage)

	return c.do(req)
}

// Answer is one record of a JSON DoH response.
type Answer struct {
	Name string `json:"name"`
	Type int    `json:"type"`
	TTL  int    `json:"TTL"`
	Data string `json:"data"`
}

type jsonResponse struct {
	Status int      `json:"Status"`
	Answer []Answer `json:"Answer"`
}

// Lookup asks for records of the given type in JSON form.
func (c *Client) Lookup(ctx context.Context, name string, typ string) ([]Answer, error) {
	u, err := url.Parse(c.endpoint)
	if err != nil {
		return nil, err
	}
	query := u.Query()
	query.Set("name", name)
	query.Set("type", typ)
	u.RawQuery = query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", ContentTypeDNSJSON)

	body, err := c.do(req)
	if err != nil {
		return nil, err
	}

	var response jsonResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("failed to decode json response: %v", err)
	}

	return response.Answer, nil
}

func (c *Client) do(req *http.Request) ([]byte, error) {
	response, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d from %s", response.StatusCode, c.endpoint)
	}

	return io.ReadAll(io.LimitReader(response.Body, maxResponseSize))
}

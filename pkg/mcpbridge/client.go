// Package mcpbridge exposes the gateway's agent API as Model Context
// Protocol tools. Every tool call is forwarded over HTTP with the agent's
// bearer token, so authentication, rate limits and policy apply per call.
package mcpbridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/VancouverCanada/openport/pkg/apierror"
)

const defaultTimeout = 30 * time.Second

// Client calls the gateway agent API.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewClient returns a client for the gateway at baseURL. token may be empty
// for unauthenticated probes such as Health.
func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: defaultTimeout},
	}
}

// WithHTTPClient replaces the transport client.
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	c.http = hc
	return c
}

type envelope struct {
	OK      bool            `json:"ok"`
	Code    string          `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
	Details map[string]any  `json:"details"`
}

// Do sends one request and returns the envelope data. A failure envelope is
// returned as an *apierror.Error carrying the gateway's status and code.
func (c *Client) Do(ctx context.Context, method, path string, query url.Values, body any) (json.RawMessage, error) {
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, fmt.Errorf("%s %s: decode response (status %d): %w", method, path, resp.StatusCode, err)
	}
	if !env.OK {
		return nil, &apierror.Error{
			Status:  resp.StatusCode,
			Code:    env.Code,
			Message: env.Message,
			Details: env.Details,
		}
	}
	return env.Data, nil
}

// Health probes /healthz.
func (c *Client) Health(ctx context.Context) error {
	data, err := c.Do(ctx, http.MethodGet, "/healthz", nil, nil)
	if err != nil {
		return err
	}
	var body struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		return fmt.Errorf("decode health: %w", err)
	}
	if body.Status != "ok" {
		return fmt.Errorf("gateway unhealthy: %q", body.Status)
	}
	return nil
}

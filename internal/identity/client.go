package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/valyala/fasthttp"
)

// Client resolves capability checks against the member-services identity
// API over HTTP.
type Client struct {
	baseURL string
	client  *fasthttp.Client
	timeout time.Duration
}

type ClientConfig struct {
	BaseURL  string
	Timeout  time.Duration
	MaxConns int
}

func NewClient(cfg ClientConfig) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.MaxConns <= 0 {
		cfg.MaxConns = 100
	}
	return &Client{
		baseURL: cfg.BaseURL,
		timeout: cfg.Timeout,
		client: &fasthttp.Client{
			MaxConnsPerHost:     cfg.MaxConns,
			ReadTimeout:         cfg.Timeout,
			WriteTimeout:        cfg.Timeout,
			MaxIdleConnDuration: 60 * time.Second,
		},
	}
}

type capabilityResponse struct {
	Allowed bool `json:"allowed"`
}

// Authorize asks whether the user holds the capability on the target. A
// non-200 answer or transport failure is returned as an error so callers
// can distinguish "denied" from "could not check".
func (c *Client) Authorize(ctx context.Context, userID string, capability Capability, targetID string) (bool, error) {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	uri := fmt.Sprintf("%s/api/v1/users/%s/capabilities?capability=%s&target_id=%s",
		c.baseURL, url.PathEscape(userID), url.QueryEscape(string(capability)), url.QueryEscape(targetID))
	req.SetRequestURI(uri)
	req.Header.SetMethod(fasthttp.MethodGet)
	req.Header.Set("Accept", "application/json")

	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	if err := c.client.DoDeadline(req, resp, deadline); err != nil {
		return false, fmt.Errorf("identity lookup for user %s: %w", userID, err)
	}
	if resp.StatusCode() != fasthttp.StatusOK {
		return false, fmt.Errorf("identity lookup for user %s: status %d", userID, resp.StatusCode())
	}

	var body capabilityResponse
	if err := json.Unmarshal(resp.Body(), &body); err != nil {
		return false, fmt.Errorf("identity lookup for user %s: decode: %w", userID, err)
	}
	return body.Allowed, nil
}

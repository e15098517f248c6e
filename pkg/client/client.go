// Package client is a small HTTP client for the vigil daemon's control API,
// used by the CLI and embeddable in other tools.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/loykin/vigil/internal/service"
)

// Client talks to a running vigil daemon.
type Client struct {
	baseURL string
	client  *http.Client
}

// Config holds client configuration.
type Config struct {
	BaseURL string
	Timeout time.Duration
}

// New creates a client. Timeout defaults to 10s.
func New(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: cfg.BaseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

type apiError struct {
	Error string `json:"error"`
}

func (c *Client) do(ctx context.Context, method, path string, q url.Values, out any) error {
	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		var ae apiError
		if json.Unmarshal(body, &ae) == nil && ae.Error != "" {
			return fmt.Errorf("%s", ae.Error)
		}
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	if out != nil {
		return json.Unmarshal(body, out)
	}
	return nil
}

func (c *Client) Start(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodPost, "/start", url.Values{"name": {name}}, nil)
}

func (c *Client) Stop(ctx context.Context, name string, force bool) error {
	q := url.Values{"name": {name}}
	if force {
		q.Set("force", "true")
	}
	return c.do(ctx, http.MethodPost, "/stop", q, nil)
}

func (c *Client) Restart(ctx context.Context, name string, force bool) error {
	q := url.Values{"name": {name}}
	if force {
		q.Set("force", "true")
	}
	return c.do(ctx, http.MethodPost, "/restart", q, nil)
}

func (c *Client) ResetFailure(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodPost, "/reset", url.Values{"name": {name}}, nil)
}

func (c *Client) Status(ctx context.Context, name string) (service.Status, error) {
	var st service.Status
	err := c.do(ctx, http.MethodGet, "/status", url.Values{"name": {name}}, &st)
	return st, err
}

func (c *Client) StatusAll(ctx context.Context) ([]service.Status, error) {
	var sts []service.Status
	err := c.do(ctx, http.MethodGet, "/status", nil, &sts)
	return sts, err
}

func (c *Client) Active(ctx context.Context) ([]string, error) {
	var names []string
	err := c.do(ctx, http.MethodGet, "/active", nil, &names)
	return names, err
}

type logsResp struct {
	Name  string   `json:"name"`
	Lines []string `json:"lines"`
}

func (c *Client) LogsSince(ctx context.Context, name string, since time.Time) ([]string, error) {
	q := url.Values{"name": {name}}
	if !since.IsZero() {
		q.Set("since", since.Format(time.RFC3339))
	}
	var lr logsResp
	if err := c.do(ctx, http.MethodGet, "/logs", q, &lr); err != nil {
		return nil, err
	}
	return lr.Lines, nil
}

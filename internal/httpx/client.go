package httpx

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	clierr "github.com/ggonzalez94/defi-advisor/internal/errors"
	"github.com/ggonzalez94/defi-advisor/internal/retry"
	"github.com/ggonzalez94/defi-advisor/internal/version"
)

// Client performs JSON requests against data providers. Retries are
// delegated to a retry.Orchestrator so providers and the completion service
// share one backoff policy. Client errors and undecodable bodies fail fast.
type Client struct {
	httpClient *http.Client
	retry      *retry.Orchestrator
	userAgent  string
}

func New(timeout time.Duration, orch *retry.Orchestrator) *Client {
	if orch == nil {
		orch = retry.New("portfolio provider", retry.Policy{MaxAttempts: 1})
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		retry:      orch,
		userAgent:  version.CLIName + "/" + version.CLIVersion,
	}
}

func (c *Client) DoJSON(ctx context.Context, req *http.Request, out any) (http.Header, error) {
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", "application/json")
	}
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	var header http.Header
	err := c.retry.Execute(ctx, func(ctx context.Context, _ int) error {
		h, err := c.attempt(ctx, req, out)
		header = h
		return err
	})
	return header, err
}

func (c *Client) attempt(ctx context.Context, req *http.Request, out any) (http.Header, error) {
	cloneReq := req.Clone(ctx)
	if req.Body != nil && req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, clierr.Wrap(clierr.CodeInternal, "clone request body", err)
		}
		cloneReq.Body = body
	}

	resp, err := c.httpClient.Do(cloneReq)
	if err != nil {
		return nil, mapNetError(err)
	}

	buf, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return resp.Header, clierr.Wrap(clierr.CodeUnavailable, "read provider response", readErr)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return resp.Header, clierr.New(clierr.CodeRateLimited, "provider rate limited request")
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return resp.Header, clierr.New(clierr.CodeAuth, "provider authentication failed")
	case resp.StatusCode >= http.StatusInternalServerError:
		return resp.Header, clierr.New(clierr.CodeUnavailable, fmt.Sprintf("provider unavailable (status %d)", resp.StatusCode))
	case resp.StatusCode == http.StatusNotFound:
		return resp.Header, backoff.Permanent(clierr.New(clierr.CodeUnsupported, "provider endpoint not found"))
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return resp.Header, backoff.Permanent(clierr.New(clierr.CodeUnsupported, fmt.Sprintf("provider returned unexpected status %d", resp.StatusCode)))
	}

	if out == nil {
		return resp.Header, nil
	}
	if len(bytes.TrimSpace(buf)) == 0 {
		return resp.Header, clierr.New(clierr.CodeUnavailable, "provider returned empty response")
	}
	if err := json.Unmarshal(buf, out); err != nil {
		return resp.Header, backoff.Permanent(clierr.Wrap(clierr.CodeParse, "decode provider JSON", err))
	}
	return resp.Header, nil
}

func GetJSON(ctx context.Context, c *Client, url string, headers map[string]string, out any) (http.Header, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeInternal, "build request", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return c.DoJSON(ctx, req, out)
}

func mapNetError(err error) error {
	if nerr, ok := err.(net.Error); ok && nerr.Timeout() {
		return clierr.Wrap(clierr.CodeUnavailable, "provider timeout", err)
	}
	return clierr.Wrap(clierr.CodeUnavailable, "provider request failed", err)
}

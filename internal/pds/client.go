// Package pds implements the JSON-over-HTTPS protocol client used
// against both hosting servers. Every operation funnels through a
// uniform rate-limit-aware retry wrapper.
package pds

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// TokenSource supplies the bearer token for authenticated operations.
// Implemented by the session manager; a StaticToken covers one-off
// tokens such as service-auth grants.
type TokenSource interface {
	AccessToken(ctx context.Context) (string, error)
}

// StaticToken is a TokenSource returning a fixed token.
type StaticToken string

// AccessToken implements TokenSource.
func (t StaticToken) AccessToken(context.Context) (string, error) {
	return string(t), nil
}

const (
	defaultRetries    = 4
	baseRetryDelay    = time.Second
	maxJitterFraction = 0.25
)

// Client issues protocol operations against a single server.
type Client struct {
	host    string
	http    *http.Client
	auth    TokenSource
	retries int

	// sleep is swapped out by tests to observe backoff without waiting.
	sleep func(ctx context.Context, d time.Duration) error
}

// Option configures a Client.
type Option func(*Client)

// WithAuth sets the bearer token source for authenticated operations.
func WithAuth(src TokenSource) Option {
	return func(c *Client) { c.auth = src }
}

// WithRetries overrides the rate-limit retry budget.
func WithRetries(n int) Option {
	return func(c *Client) { c.retries = n }
}

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// NewClient creates a protocol client for the given server host.
func NewClient(host string, opts ...Option) *Client {
	c := &Client{
		host:    strings.TrimSuffix(host, "/"),
		http:    &http.Client{Timeout: 5 * time.Minute},
		retries: defaultRetries,
		sleep:   sleepCtx,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Host returns the server address this client talks to.
func (c *Client) Host() string {
	return c.host
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type request struct {
	method string
	nsid   string
	params url.Values

	// body must be seekable: the retry wrapper rewinds it before every
	// attempt so a retried request carries the full payload again.
	body        io.ReadSeeker
	jsonBody    interface{}
	contentType string

	// authOverride replaces the client's token source for this one
	// call (service-auth grants, one-off bearer tokens).
	authOverride TokenSource
	noAuth       bool
}

// do executes a request through the retry wrapper, decoding a JSON
// response into out when out is non-nil. Only rate-limit errors are
// retried here; everything else propagates immediately.
func (c *Client) do(ctx context.Context, req request, out interface{}) error {
	var lastErr error
	for attempt := 0; attempt <= c.retries; attempt++ {
		err := c.once(ctx, req, out)
		if err == nil {
			return nil
		}
		lastErr = err

		pe, ok := AsError(err)
		if !ok || pe.Code != CodeRateLimitExceeded || attempt == c.retries {
			return err
		}

		delay := retryDelay(pe.RetryAfter, attempt)
		logrus.WithFields(logrus.Fields{
			"host":    c.host,
			"nsid":    req.nsid,
			"attempt": attempt + 1,
			"delay":   delay,
		}).Warn("Rate limited, backing off")

		if err := c.sleep(ctx, delay); err != nil {
			return fmt.Errorf("backoff interrupted: %w", err)
		}
	}
	return lastErr
}

// retryDelay computes the backoff before the next attempt: the server
// hint when present, otherwise an exponentially growing delay, either
// way stretched by up to 25% random jitter.
func retryDelay(hint time.Duration, attempt int) time.Duration {
	delay := hint
	if delay <= 0 {
		delay = baseRetryDelay << uint(attempt)
	}
	jitter := time.Duration(rand.Float64() * maxJitterFraction * float64(delay))
	return delay + jitter
}

func (c *Client) once(ctx context.Context, req request, out interface{}) error {
	resp, err := c.roundTrip(ctx, req)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close() // Close errors are not critical
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeError(resp)
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", req.nsid, err)
	}
	return nil
}

// stream executes a request and hands the raw response body to the
// caller. Rate-limit retries apply to request establishment only; once
// the body is streaming the caller owns it.
func (c *Client) stream(ctx context.Context, req request) (io.ReadCloser, int64, error) {
	var lastErr error
	for attempt := 0; attempt <= c.retries; attempt++ {
		resp, err := c.roundTrip(ctx, req)
		if err != nil {
			return nil, 0, err
		}
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return resp.Body, resp.ContentLength, nil
		}

		err = decodeError(resp)
		_ = resp.Body.Close() // Close errors are not critical
		lastErr = err

		pe, ok := AsError(err)
		if !ok || pe.Code != CodeRateLimitExceeded || attempt == c.retries {
			return nil, 0, err
		}
		if err := c.sleep(ctx, retryDelay(pe.RetryAfter, attempt)); err != nil {
			return nil, 0, fmt.Errorf("backoff interrupted: %w", err)
		}
	}
	return nil, 0, lastErr
}

func (c *Client) roundTrip(ctx context.Context, req request) (*http.Response, error) {
	u := c.host + "/xrpc/" + req.nsid
	if len(req.params) > 0 {
		u += "?" + req.params.Encode()
	}

	var body io.Reader
	contentType := req.contentType
	switch {
	case req.jsonBody != nil:
		buf, err := json.Marshal(req.jsonBody)
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s request: %w", req.nsid, err)
		}
		body = bytes.NewReader(buf)
		contentType = "application/json"
	case req.body != nil:
		// A previous attempt may have consumed the body.
		if _, err := req.body.Seek(0, io.SeekStart); err != nil {
			return nil, fmt.Errorf("failed to rewind %s request body: %w", req.nsid, err)
		}
		body = req.body
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.method, u, body)
	if err != nil {
		return nil, fmt.Errorf("failed to build %s request: %w", req.nsid, err)
	}
	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}

	if !req.noAuth {
		src := c.auth
		if req.authOverride != nil {
			src = req.authOverride
		}
		if src != nil {
			token, err := src.AccessToken(ctx)
			if err != nil {
				return nil, fmt.Errorf("failed to obtain access token: %w", err)
			}
			if token != "" {
				httpReq.Header.Set("Authorization", "Bearer "+token)
			}
		}
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request %s failed: %w", req.nsid, err)
	}
	return resp, nil
}

// decodeError turns a non-2xx response into a tagged *Error. The
// response body is consumed.
func decodeError(resp *http.Response) error {
	var body struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	_ = json.NewDecoder(io.LimitReader(resp.Body, 64*1024)).Decode(&body)

	code := body.Error
	if code == "" {
		switch resp.StatusCode {
		case http.StatusTooManyRequests:
			code = CodeRateLimitExceeded
		case http.StatusUnauthorized:
			code = CodeAuthRequired
		default:
			code = http.StatusText(resp.StatusCode)
		}
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		code = CodeRateLimitExceeded
	}

	pe := &Error{
		Code:       code,
		Message:    body.Message,
		StatusCode: resp.StatusCode,
	}
	if ra := resp.Header.Get("Retry-After"); ra != "" {
		if secs, err := strconv.Atoi(ra); err == nil && secs > 0 {
			pe.RetryAfter = time.Duration(secs) * time.Second
		}
	}
	return pe
}

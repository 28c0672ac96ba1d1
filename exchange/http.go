package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"
)

const (
	userAgent        = "datacollector/1.0"
	fetchAttempts    = 3
	fetchRetryPause  = 2 * time.Second
	defaultTimeout   = 10 * time.Second
	maxErrorBodySize = 512
)

type userAgentTransport struct {
	agent string
	base  http.RoundTripper
}

func (t userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("User-Agent", t.agent)
	return t.base.RoundTrip(req)
}

// NewHTTPClient returns a pooled client with the given request timeout.
func NewHTTPClient(timeout time.Duration) *http.Client {
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        32,
		MaxIdleConnsPerHost: 8,
		IdleConnTimeout:     90 * time.Second,
		DisableCompression:  false,
	}
	return &http.Client{
		Timeout:   durationOr(timeout, defaultTimeout),
		Transport: userAgentTransport{agent: userAgent, base: transport},
	}
}

// StatusError is an unexpected HTTP status.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.Code, e.Body)
}

// retryPause is swapped by tests.
var retryPause = fetchRetryPause

// FetchJSON issues req and decodes the JSON body into out. Connection level
// failures are retried up to three times with a short pause; HTTP status
// errors are returned immediately.
func FetchJSON(ctx context.Context, client *http.Client, newReq func(context.Context) (*http.Request, error), out interface{}) error {
	var lastErr error
	for attempt := 1; attempt <= fetchAttempts; attempt++ {
		req, err := newReq(ctx)
		if err != nil {
			return err
		}
		lastErr = doJSON(client, req, out)
		if lastErr == nil || !isConnectionError(lastErr) || attempt == fetchAttempts {
			return lastErr
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryPause):
		}
	}
	return lastErr
}

// GetJSON is FetchJSON for a plain GET with optional headers.
func GetJSON(ctx context.Context, client *http.Client, rawURL string, headers http.Header, out interface{}) error {
	return FetchJSON(ctx, client, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return nil, err
		}
		for k, vs := range headers {
			for _, v := range vs {
				req.Header.Add(k, v)
			}
		}
		req.Header.Set("Accept", "application/json")
		return req, nil
	}, out)
}

func doJSON(client *http.Client, req *http.Request, out interface{}) error {
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
		return &StatusError{Code: resp.StatusCode, Body: string(body)}
	}

	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func isConnectionError(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

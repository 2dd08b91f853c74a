package gateway

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	DefaultRetryAttempts = 2
	DefaultRetryDelay    = 500 * time.Millisecond
	DefaultHTTPTimeout   = 10 * time.Second
)

// Transport sends gateway API requests, retrying network errors, HTTP 429
// and 5xx responses a bounded number of times with a fixed delay. Callers
// must send the same idempotency key on every attempt.
type Transport struct {
	Client        *http.Client
	RetryAttempts int
	RetryDelay    time.Duration
}

// NewTransport returns a Transport with default retry settings. A nil
// client gets a default one with a 10s timeout.
func NewTransport(client *http.Client) *Transport {
	if client == nil {
		client = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Transport{Client: client, RetryAttempts: DefaultRetryAttempts, RetryDelay: DefaultRetryDelay}
}

// Response is a fully read gateway response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// OK reports a 2xx status.
func (r *Response) OK() bool { return r.StatusCode >= 200 && r.StatusCode < 300 }

// Retryable reports whether the status is worth another attempt.
func Retryable(status int) bool {
	return status == http.StatusTooManyRequests || status >= http.StatusInternalServerError
}

// Do sends the request built by newReq. newReq is called once per attempt so
// the body can be replayed. When every attempt fails at the network level Do
// returns the last error and a nil response. When retries are exhausted on a
// retryable status the last response is returned without error; callers
// classify it.
func (t *Transport) Do(ctx context.Context, newReq func(ctx context.Context) (*http.Request, error)) (*Response, error) {
	var lastErr error
	var last *Response

	for attempt := 0; attempt <= t.RetryAttempts; attempt++ {
		if attempt > 0 {
			if err := sleep(ctx, t.RetryDelay); err != nil {
				if last != nil {
					return last, nil
				}
				if lastErr == nil {
					lastErr = err
				}
				return nil, lastErr
			}
		}

		req, err := newReq(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to create http request: %w", err)
		}

		resp, err := t.Client.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("http client error on attempt %d: %w", attempt+1, err)
			continue
		}

		body, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			lastErr = fmt.Errorf("failed to read response body on attempt %d: %w", attempt+1, readErr)
			continue
		}

		last = &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: body}
		lastErr = nil
		if Retryable(resp.StatusCode) && attempt < t.RetryAttempts {
			continue
		}
		return last, nil
	}

	if last != nil && lastErr == nil {
		return last, nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no response received after retries")
	}
	return nil, lastErr
}

// sleep waits for d or until ctx is done, whichever comes first.
func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// JSONRequest returns a request factory for a JSON body.
func JSONRequest(method, url string, body []byte, header http.Header) func(ctx context.Context) (*http.Request, error) {
	return func(ctx context.Context) (*http.Request, error) {
		var rdr io.Reader
		if body != nil {
			rdr = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, url, rdr)
		if err != nil {
			return nil, err
		}
		for k, vs := range header {
			for _, v := range vs {
				req.Header.Add(k, v)
			}
		}
		if body != nil && req.Header.Get("Content-Type") == "" {
			req.Header.Set("Content-Type", "application/json")
		}
		return req, nil
	}
}

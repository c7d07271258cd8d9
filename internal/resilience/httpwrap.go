package resilience

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// HTTPClient wraps an http.Client with retry, timeout and circuit-breaker logic.
type HTTPClient struct {
	Client      *http.Client
	Breaker     *Breaker
	BaseBackoff time.Duration
	MaxAttempts int
	Jitter      float64
	Timeout     time.Duration
	Target      string
	Logger      *zerolog.Logger
	// Retryable decides whether an attempt outcome warrants another attempt.
	// Defaults to RetryServerErrors.
	Retryable func(*http.Response, error) bool
	// Sleep waits between attempts. Defaults to a context-aware timer.
	Sleep func(context.Context, time.Duration) error
}

// RetryServerErrors retries transport failures and 5xx responses.
func RetryServerErrors(resp *http.Response, err error) bool {
	if err != nil {
		return true
	}
	return resp.StatusCode >= http.StatusInternalServerError
}

// RetryStatus retries only the listed response statuses; transport errors are
// terminal.
func RetryStatus(codes ...int) func(*http.Response, error) bool {
	return func(resp *http.Response, err error) bool {
		if err != nil || resp == nil {
			return false
		}
		for _, code := range codes {
			if resp.StatusCode == code {
				return true
			}
		}
		return false
	}
}

// SleepContext blocks for d or until ctx is done.
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Do executes the request applying retry semantics. The request body is
// buffered so every attempt can replay it. When retries are exhausted on a
// retryable response, that last response is returned so the caller can
// inspect its status. An open breaker yields ErrOpenCircuit.
func (cl HTTPClient) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	if cl.Client == nil {
		return nil, errors.New("resilience: http client not configured")
	}
	maxAttempts := cl.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	baseBackoff := cl.BaseBackoff
	if baseBackoff <= 0 {
		baseBackoff = 100 * time.Millisecond
	}
	retryable := cl.Retryable
	if retryable == nil {
		retryable = RetryServerErrors
	}
	sleep := cl.Sleep
	if sleep == nil {
		sleep = SleepContext
	}
	logger := cl.logger()

	originalBody, err := ensureReplayableBody(req)
	if err != nil {
		return nil, err
	}

	for attempt := 1; ; attempt++ {
		if cl.Breaker != nil && !cl.Breaker.Allow(ctx) {
			return nil, ErrOpenCircuit
		}
		attemptReq, err := cloneRequestWithContext(ctx, req, originalBody)
		if err != nil {
			return nil, err
		}
		resp, err := cl.doOnce(ctx, attemptReq)
		if cl.Breaker != nil {
			cl.Breaker.Report(ctx, reportable(ctx, resp, err))
		}

		last := attempt >= maxAttempts
		if !retryable(resp, err) || last {
			if err != nil {
				return nil, err
			}
			return resp, nil
		}

		wait := Backoff(baseBackoff, attempt, cl.Jitter)
		evt := logger.Warn().Str("target", cl.Target).Int("attempt", attempt).Dur("backoff", wait)
		if err != nil {
			evt = evt.Err(err)
		} else {
			evt = evt.Int("status", resp.StatusCode)
			drainAndClose(resp)
		}
		evt.Msg("upstream_retry")

		if err := sleep(ctx, wait); err != nil {
			return nil, err
		}
	}
}

func (cl HTTPClient) doOnce(ctx context.Context, req *http.Request) (*http.Response, error) {
	timeout := cl.Timeout
	if timeout <= 0 {
		timeout = cl.Client.Timeout
	}
	if timeout <= 0 {
		return cl.Client.Do(req.WithContext(ctx))
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	resp, err := cl.Client.Do(req.WithContext(callCtx))
	if err != nil {
		cancel()
		return nil, err
	}
	// the attempt deadline must outlive Do so the caller can still read the body
	resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

func (cl HTTPClient) logger() *zerolog.Logger {
	if cl.Logger == nil {
		nop := zerolog.Nop()
		return &nop
	}
	return cl.Logger
}

// reportable maps an attempt outcome to breaker success. Caller cancellation
// says nothing about upstream health.
func reportable(ctx context.Context, resp *http.Response, err error) bool {
	if err != nil {
		return ctx.Err() != nil
	}
	return resp.StatusCode < http.StatusInternalServerError
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}

func drainAndClose(resp *http.Response) {
	if resp == nil || resp.Body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	_ = resp.Body.Close()
}

func ensureReplayableBody(req *http.Request) ([]byte, error) {
	if req.Body == nil || req.Body == http.NoBody {
		return nil, nil
	}
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, err
		}
		defer func() { _ = body.Close() }()
		data, err := io.ReadAll(body)
		if err != nil {
			return nil, err
		}
		return data, nil
	}
	data, err := io.ReadAll(req.Body)
	if err != nil {
		return nil, err
	}
	_ = req.Body.Close()
	return data, nil
}

func cloneRequestWithContext(ctx context.Context, req *http.Request, body []byte) (*http.Request, error) {
	clone := req.Clone(ctx)
	if body != nil {
		clone.Body = io.NopCloser(bytes.NewReader(body))
		clone.GetBody = func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(body)), nil
		}
		clone.ContentLength = int64(len(body))
	}
	return clone, nil
}

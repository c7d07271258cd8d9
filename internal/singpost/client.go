// Package singpost speaks the SingPost ItemTrackingDetails XML API.
package singpost

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/noah-isme/parcel-tracker/internal/obs"
	"github.com/noah-isme/parcel-tracker/internal/resilience"
	"github.com/noah-isme/parcel-tracker/internal/tracking"
)

const (
	ProductionURL = "https://api.singpost.com/sp/ItemTrackingDetails"
	SandboxURL    = "https://api.qa.singpost.com/sp/ItemTrackingDetails"

	DefaultBatchSize   = 10
	DefaultTimeout     = 30 * time.Second
	DefaultRetryBase   = 5 * time.Second
	DefaultMaxAttempts = 3

	maxBodyBytes = 4 << 20
	providerName = string(tracking.ProviderSingPost)
)

// Config holds credentials and tuning. It is read once by New.
type Config struct {
	APIKey     string
	SystemID   string
	Production bool
	// BaseURL overrides the production/sandbox endpoint.
	BaseURL     string
	Timeout     time.Duration
	RetryBase   time.Duration
	MaxAttempts int
	BatchSize   int
}

// Endpoint resolves the URL requests are posted to.
func (c Config) Endpoint() string {
	if base := strings.TrimSpace(c.BaseURL); base != "" {
		return base
	}
	if c.Production {
		return ProductionURL
	}
	return SandboxURL
}

// RateGate is the limiter contract the client consults per tracking number.
// Reserve checks and records a whole batch atomically, returning a zero wait
// for each admitted key.
type RateGate interface {
	Reserve(keys []string) []time.Duration
}

// Client tracks batches of numbers in one XML round trip each.
type Client struct {
	cfg      Config
	endpoint string
	gate     RateGate
	http     resilience.HTTPClient
	logger   zerolog.Logger
}

// Option customises a Client.
type Option func(*Client)

// WithHTTPClient replaces the outbound http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http.Client = hc
		}
	}
}

// WithBreaker guards the endpoint with a circuit breaker.
func WithBreaker(b *resilience.Breaker) Option {
	return func(c *Client) { c.http.Breaker = b }
}

// WithLogger sets the client logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
		c.http.Logger = &c.logger
	}
}

// WithSleep replaces the wait between 429 retries.
func WithSleep(sleep func(context.Context, time.Duration) error) Option {
	return func(c *Client) { c.http.Sleep = sleep }
}

// New builds a client. A missing API key is allowed: Track then answers
// "not configured" without touching the network. An unusable endpoint URL is
// a construction error. gate may be nil to disable local rate limiting.
func New(cfg Config, gate RateGate, opts ...Option) (*Client, error) {
	endpoint := cfg.Endpoint()
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("singpost: parse endpoint: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("singpost: endpoint must be an absolute http(s) URL, got %q", endpoint)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = DefaultRetryBase
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	cfg.APIKey = strings.TrimSpace(cfg.APIKey)

	c := &Client{
		cfg:      cfg,
		endpoint: endpoint,
		gate:     gate,
		logger:   zerolog.Nop(),
		http: resilience.HTTPClient{
			Client: &http.Client{
				Transport: meteredTransport{next: otelhttp.NewTransport(http.DefaultTransport)},
			},
			BaseBackoff: cfg.RetryBase,
			MaxAttempts: cfg.MaxAttempts,
			Timeout:     cfg.Timeout,
			Target:      providerName,
			Retryable:   resilience.RetryStatus(http.StatusTooManyRequests),
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Configured reports whether credentials are present.
func (c *Client) Configured() bool {
	return c != nil && c.cfg.APIKey != ""
}

// Endpoint returns the URL requests are posted to.
func (c *Client) Endpoint() string { return c.endpoint }

// Track looks up numbers and returns exactly one result per input, in input
// order. Failures are carried in Result.Err; Track itself never fails.
func (c *Client) Track(ctx context.Context, numbers []string, opts tracking.TrackOptions) []tracking.Result {
	results := make([]tracking.Result, len(numbers))
	if len(numbers) == 0 {
		return results
	}
	if !c.Configured() {
		for i, n := range numbers {
			results[i] = tracking.Failed(strings.TrimSpace(n), tracking.NotConfigured())
		}
		return results
	}

	allowed := make([]int, 0, len(numbers))
	if opts.BypassRateLimit || c.gate == nil {
		for i := range numbers {
			allowed = append(allowed, i)
		}
	} else {
		keys := make([]string, len(numbers))
		for i, n := range numbers {
			keys[i] = normalize(n)
		}
		for i, wait := range c.gate.Reserve(keys) {
			if wait > 0 {
				results[i] = tracking.Failed(strings.TrimSpace(numbers[i]), tracking.RateLimited(wait))
				continue
			}
			allowed = append(allowed, i)
		}
	}
	if len(allowed) == 0 {
		c.logger.Debug().Int("numbers", len(numbers)).Msg("singpost_all_rate_limited")
		return results
	}

	for start := 0; start < len(allowed); start += c.cfg.BatchSize {
		end := start + c.cfg.BatchSize
		if end > len(allowed) {
			end = len(allowed)
		}
		chunk := allowed[start:end]
		batch := make([]string, len(chunk))
		for j, i := range chunk {
			batch[j] = strings.TrimSpace(numbers[i])
		}

		began := time.Now()
		decoded, failure := c.fetch(ctx, batch)
		for j, i := range chunk {
			switch {
			case failure != nil:
				results[i] = tracking.Failed(batch[j], failure)
			default:
				res, ok := decoded[normalize(batch[j])]
				if !ok {
					res = tracking.Failed(batch[j], tracking.NotFound())
				}
				res.TrackingNumber = batch[j]
				results[i] = res
			}
			obs.ObserveTracking(providerName, outcome(results[i]), obs.DurationMillis(time.Since(began)))
		}
	}
	return results
}

func (c *Client) fetch(ctx context.Context, numbers []string) (map[string]tracking.Result, *tracking.Error) {
	body, err := encodeRequest(c.cfg.SystemID, numbers)
	if err != nil {
		return nil, tracking.Internal(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, tracking.Internal(err)
	}
	// the API expects the bare key, not a Bearer or Basic scheme
	req.Header.Set("Authorization", c.cfg.APIKey)
	req.Header.Set("Content-Type", "application/xml")
	req.Header.Set("Accept", "application/xml")

	c.logger.Debug().Int("numbers", len(numbers)).Str("endpoint", c.endpoint).Msg("singpost_request")
	resp, err := c.http.Do(ctx, req)
	if err != nil {
		failure := classifyTransportError(ctx, err)
		c.logger.Warn().Err(err).Str("kind", string(failure.Kind)).Msg("singpost_request_failed")
		return nil, failure
	}
	defer func() { _ = resp.Body.Close() }()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusTooManyRequests:
		c.logger.Warn().Int("attempts", c.cfg.MaxAttempts).Msg("singpost_rate_limit_exhausted")
		return nil, tracking.UpstreamRateLimited()
	default:
		c.logger.Warn().Int("status", resp.StatusCode).Msg("singpost_http_error")
		return nil, tracking.HTTPStatus(resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, classifyTransportError(ctx, err)
	}
	decoded, failure := decodeResponse(bytes.NewReader(data))
	if failure != nil {
		c.logger.Warn().Str("kind", string(failure.Kind)).Str("error", failure.Error()).Msg("singpost_decode_failed")
		return nil, failure
	}
	return decoded, nil
}

func classifyTransportError(ctx context.Context, err error) *tracking.Error {
	if errors.Is(err, resilience.ErrOpenCircuit) {
		return tracking.CircuitOpen(err)
	}
	if errors.Is(ctx.Err(), context.Canceled) {
		return tracking.Canceled(err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return tracking.Timeout(err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return tracking.Timeout(err)
	}
	return &tracking.Error{Kind: tracking.KindHTTP, Message: "API error: " + err.Error(), Err: err}
}

func outcome(r tracking.Result) string {
	if r.Err == nil {
		return "success"
	}
	return string(r.Err.Kind)
}

// meteredTransport counts every outbound attempt, retries included.
type meteredTransport struct {
	next http.RoundTripper
}

func (t meteredTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.next.RoundTrip(req)
	status := "error"
	if err == nil {
		status = strconv.Itoa(resp.StatusCode)
	}
	obs.ObserveUpstreamAttempt(providerName, status)
	return resp, err
}

// Package ship24 tracks parcels by driving a browser against a public
// multi-carrier tracking page.
package ship24

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/noah-isme/parcel-tracker/internal/carrier"
	"github.com/noah-isme/parcel-tracker/internal/obs"
	"github.com/noah-isme/parcel-tracker/internal/tracking"
)

// MaxEvents caps how many event rows a response carries.
const MaxEvents = 10

const providerName = string(tracking.ProviderShip24)

var errEmptyNumber = errors.New("empty tracking number")

// Client runs one browser session per lookup. Failures are never retried.
type Client struct {
	launcher    Launcher
	logger      zerolog.Logger
	now         func() time.Time
	concurrency int
}

// Option customises a Client.
type Option func(*Client)

// WithLogger sets the client logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithClock replaces time.Now for LastUpdated stamps.
func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		if now != nil {
			c.now = now
		}
	}
}

// WithConcurrency caps how many sessions TrackMultiple keeps open at once.
// Zero or less means one session per number.
func WithConcurrency(n int) Option {
	return func(c *Client) { c.concurrency = n }
}

// New builds a client over launcher.
func New(launcher Launcher, opts ...Option) *Client {
	c := &Client{launcher: launcher, logger: zerolog.Nop(), now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Track looks up a single number. The session is closed exactly once before
// Track returns, on every path including panics inside the session.
func (c *Client) Track(ctx context.Context, number, carrierHint string) (resp tracking.Response) {
	number = strings.TrimSpace(number)
	began := time.Now()
	sessionID := uuid.NewString()
	logger := c.logger.With().Str("session_id", sessionID).Str("tracking_number", number).Logger()

	defer func() {
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Msg("scrape_panic")
			resp = c.failed(number, carrierHint, tracking.ScrapeFailure(fmt.Errorf("panic: %v", r)))
		}
		result := "success"
		if !resp.Success {
			result = string(resp.ErrorKind)
		}
		obs.ObserveTracking(providerName, result, obs.DurationMillis(time.Since(began)))
	}()

	if number == "" {
		return c.failed(number, carrierHint, tracking.ScrapeFailure(errEmptyNumber))
	}
	if c.launcher == nil {
		return c.failed(number, carrierHint, tracking.NotConfigured())
	}

	session, err := c.launcher.Launch(ctx)
	if err != nil {
		logger.Warn().Err(err).Msg("scrape_launch_failed")
		return c.failed(number, carrierHint, tracking.ScrapeFailure(err))
	}
	obs.ScrapeSessionOpened()
	defer func() {
		if err := session.Close(); err != nil {
			logger.Warn().Err(err).Msg("scrape_close_failed")
		}
		obs.ScrapeSessionClosed()
	}()

	raw, err := session.SubmitAndScrape(ctx, number)
	if err != nil {
		logger.Warn().Err(err).Msg("scrape_failed")
		return c.failed(number, carrierHint, tracking.ScrapeFailure(err))
	}
	logger.Debug().Int("events", len(raw.Events)).Dur("elapsed", time.Since(began)).Msg("scrape_complete")
	return c.normalize(number, carrierHint, raw)
}

// TrackMultiple runs Track for every number concurrently and returns responses
// in input order. carrierHint applies to every number and may be empty.
func (c *Client) TrackMultiple(ctx context.Context, numbers []string, carrierHint string) []tracking.Response {
	out := make([]tracking.Response, len(numbers))
	var g errgroup.Group
	if c.concurrency > 0 {
		g.SetLimit(c.concurrency)
	}
	for i, number := range numbers {
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					out[i] = c.failed(strings.TrimSpace(number), carrierHint, tracking.ScrapeFailure(fmt.Errorf("panic: %v", r)))
				}
			}()
			out[i] = c.Track(ctx, number, carrierHint)
			return nil
		})
	}
	_ = g.Wait()
	return out
}

func (c *Client) normalize(number, carrierHint string, raw RawFields) tracking.Response {
	events := raw.Events
	if len(events) > MaxEvents {
		events = events[:MaxEvents]
	}
	checkpoints := make([]tracking.Checkpoint, 0, len(events))
	for _, ev := range events {
		status := strings.TrimSpace(ev.Status)
		if status == "" {
			status = "Unknown"
		}
		checkpoints = append(checkpoints, tracking.Checkpoint{
			Date:        strings.TrimSpace(ev.Date),
			Time:        strings.TrimSpace(ev.Time),
			Status:      status,
			Description: status,
			Location:    strings.TrimSpace(ev.Location),
		})
	}

	status := strings.TrimSpace(raw.Status)
	if status == "" {
		status = "Unknown"
	}
	return tracking.Response{
		Success:           true,
		TrackingNumber:    number,
		Carrier:           c.carrierName(raw.Carrier, carrierHint),
		Provider:          tracking.ProviderShip24,
		Status:            status,
		Events:            checkpoints,
		CurrentLocation:   tracking.StringPtr(raw.Location),
		EstimatedDelivery: tracking.StringPtr(raw.EstimatedDelivery),
		LastUpdated:       c.now(),
	}
}

func (c *Client) failed(number, carrierHint string, err *tracking.Error) tracking.Response {
	return tracking.FailedResponse(number, c.carrierName("", carrierHint), tracking.ProviderShip24, err, c.now())
}

func (c *Client) carrierName(scraped, hint string) string {
	if v := strings.TrimSpace(scraped); v != "" {
		return v
	}
	if hint = strings.ToLower(strings.TrimSpace(hint)); hint != "" {
		return carrier.DisplayName(hint)
	}
	return "Unknown"
}

package tracking

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/noah-isme/parcel-tracker/internal/carrier"
)

const (
	// DefaultMaxBatch bounds TrackMany input after blanks are dropped.
	DefaultMaxBatch = 20
	// DefaultCallTimeout bounds a single backend dispatch.
	DefaultCallTimeout = 30 * time.Second
)

// Hints steer provider selection for a lookup. All fields are optional.
type Hints struct {
	Carrier  string `json:"carrier,omitempty"`
	Method   string `json:"method,omitempty"`
	Provider string `json:"provider,omitempty"`
}

// Orchestrator is the public tracking entry point. It picks a backend per
// number and never fails a call because of a single item.
type Orchestrator struct {
	Structured      StructuredTracker
	Scraper         PageTracker
	DefaultProvider Provider
	// MaxBatch defaults to DefaultMaxBatch.
	MaxBatch    int
	CallTimeout time.Duration
	Logger      zerolog.Logger
	Now         func() time.Time
}

// DetectCarrier returns the carrier identifier inferred from number.
func (o *Orchestrator) DetectCarrier(number string) string {
	return carrier.Detect(number)
}

// ManualLinks returns public tracking pages for number, independent of any
// backend.
func (o *Orchestrator) ManualLinks(number string) map[string]string {
	return carrier.ManualLinks(number)
}

// ResolveProvider applies the selection order: explicit provider, method,
// carrier hint, detected carrier, then the configured default.
func (o *Orchestrator) ResolveProvider(number string, hints Hints) Provider {
	if p := ParseProvider(hints.Provider); p != "" {
		return p
	}
	switch strings.ToLower(strings.TrimSpace(hints.Method)) {
	case "api":
		return ProviderSingPost
	case "scrape", "browser":
		return ProviderShip24
	}
	if p := ProviderForCarrier(hints.Carrier); p != "" {
		return p
	}
	if p := ProviderForCarrier(carrier.Detect(number)); p != "" {
		return p
	}
	if o.DefaultProvider != "" {
		return o.DefaultProvider
	}
	return ProviderSingPost
}

// TrackOne tracks a single number. Failed responses always carry manual links.
func (o *Orchestrator) TrackOne(ctx context.Context, number string, hints Hints) Response {
	number = strings.TrimSpace(number)
	provider := o.ResolveProvider(number, hints)
	if number == "" {
		return o.finish(FailedResponse(number, "", provider, NotFound(), o.now()), number, provider)
	}

	ctx, cancel := o.callContext(ctx)
	defer cancel()

	var resp Response
	if provider == ProviderShip24 {
		resp = o.trackPages(ctx, []string{number}, hints)[0]
	} else {
		resp = o.trackStructured(ctx, []string{number}, hints)[0]
	}
	return o.finish(resp, number, provider)
}

// TrackMany trims and drops blank numbers and keeps at most MaxBatch. Numbers
// bound for the structured backend go out as one batch; scraped numbers fan
// out one session each. Output order equals the order of the kept inputs.
func (o *Orchestrator) TrackMany(ctx context.Context, numbers []string, hints Hints) []Response {
	limit := o.MaxBatch
	if limit <= 0 {
		limit = DefaultMaxBatch
	}
	kept := make([]string, 0, len(numbers))
	for _, n := range numbers {
		n = strings.TrimSpace(n)
		if n == "" {
			continue
		}
		if len(kept) == limit {
			o.Logger.Warn().Int("requested", len(numbers)).Int("limit", limit).Msg("tracking_batch_truncated")
			break
		}
		kept = append(kept, n)
	}

	out := make([]Response, len(kept))
	groups := map[Provider][]int{}
	for i, n := range kept {
		p := o.ResolveProvider(n, hints)
		if p != ProviderShip24 {
			p = ProviderSingPost
		}
		groups[p] = append(groups[p], i)
	}

	ctx, cancel := o.callContext(ctx)
	defer cancel()

	var g errgroup.Group
	for provider, idx := range groups {
		track := o.trackStructured
		if provider == ProviderShip24 {
			track = o.trackPages
		}
		g.Go(func() error {
			batch := make([]string, len(idx))
			for j, i := range idx {
				batch[j] = kept[i]
			}
			for j, resp := range track(ctx, batch, hints) {
				out[idx[j]] = o.finish(resp, batch[j], provider)
			}
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// trackStructured returns one response per number, in order.
func (o *Orchestrator) trackStructured(ctx context.Context, numbers []string, hints Hints) (out []Response) {
	out = make([]Response, len(numbers))
	if o.Structured == nil {
		for i, n := range numbers {
			out[i] = FailedResponse(n, "SingPost", ProviderSingPost, NotConfigured(), o.now())
		}
		return out
	}
	defer func() {
		if r := recover(); r != nil {
			o.Logger.Error().Interface("panic", r).Int("numbers", len(numbers)).Msg("tracking_dispatch_panic")
			for i, n := range numbers {
				out[i] = FailedResponse(n, o.carrierName(n, hints), ProviderSingPost, Internal(fmt.Errorf("panic: %v", r)), o.now())
			}
		}
	}()

	results := o.Structured.Track(ctx, numbers, TrackOptions{})
	for i, n := range numbers {
		if i >= len(results) {
			out[i] = FailedResponse(n, "SingPost", ProviderSingPost, NotFound(), o.now())
			continue
		}
		out[i] = o.fromResult(results[i])
		if out[i].TrackingNumber == "" {
			out[i].TrackingNumber = n
		}
	}
	return out
}

// trackPages returns one response per number, in order.
func (o *Orchestrator) trackPages(ctx context.Context, numbers []string, hints Hints) (out []Response) {
	out = make([]Response, len(numbers))
	if o.Scraper == nil {
		for i, n := range numbers {
			out[i] = FailedResponse(n, o.carrierName(n, hints), ProviderShip24, NotConfigured(), o.now())
		}
		return out
	}
	defer func() {
		if r := recover(); r != nil {
			o.Logger.Error().Interface("panic", r).Int("numbers", len(numbers)).Msg("tracking_dispatch_panic")
			for i, n := range numbers {
				out[i] = FailedResponse(n, o.carrierName(n, hints), ProviderShip24, Internal(fmt.Errorf("panic: %v", r)), o.now())
			}
		}
	}()

	if len(numbers) == 1 {
		out[0] = o.Scraper.Track(ctx, numbers[0], hints.Carrier)
		return out
	}
	results := o.Scraper.TrackMultiple(ctx, numbers, hints.Carrier)
	for i, n := range numbers {
		if i >= len(results) {
			out[i] = FailedResponse(n, o.carrierName(n, hints), ProviderShip24, NotFound(), o.now())
			continue
		}
		out[i] = results[i]
	}
	return out
}

func (o *Orchestrator) finish(resp Response, number string, provider Provider) Response {
	if resp.Success {
		return resp
	}
	resp.ManualLinks = carrier.ManualLinks(number)
	o.Logger.Info().
		Str("tracking_number", number).
		Str("provider", string(provider)).
		Str("error_kind", string(resp.ErrorKind)).
		Msg("tracking_failed")
	return resp
}

func (o *Orchestrator) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	timeout := o.CallTimeout
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	return context.WithTimeout(ctx, timeout)
}

func (o *Orchestrator) carrierName(number string, hints Hints) string {
	id := strings.ToLower(strings.TrimSpace(hints.Carrier))
	if id == "" {
		id = carrier.Detect(number)
	}
	return carrier.DisplayName(id)
}

func (o *Orchestrator) fromResult(r Result) Response {
	if r.Err != nil || !r.Found {
		err := r.Err
		if err == nil {
			err = NotFound()
		}
		return FailedResponse(r.TrackingNumber, "SingPost", ProviderSingPost, err, o.now())
	}
	events := make([]Checkpoint, 0, len(r.Events))
	for _, ev := range r.Events {
		events = append(events, Checkpoint{
			Date:        ev.Date,
			Time:        ev.Time,
			Status:      ev.StatusDescription,
			Description: ev.StatusDescription,
			Code:        ev.StatusCode,
		})
	}
	status := "Unknown"
	if len(events) > 0 && events[0].Status != "" {
		status = events[0].Status
	}
	received := r.WasPhysicallyReceived
	return Response{
		Success:               true,
		TrackingNumber:        r.TrackingNumber,
		Carrier:               "SingPost",
		Provider:              ProviderSingPost,
		Status:                status,
		Events:                events,
		LastUpdated:           o.now(),
		WasPhysicallyReceived: &received,
	}
}

func (o *Orchestrator) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now()
}

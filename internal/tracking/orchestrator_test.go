package tracking_test

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/parcel-tracker/internal/ratelimit"
	"github.com/noah-isme/parcel-tracker/internal/singpost"
	"github.com/noah-isme/parcel-tracker/internal/tracking"
)

type stubStructured struct {
	mu    sync.Mutex
	calls [][]string
	fn    func(number string) tracking.Result
}

func (s *stubStructured) Track(_ context.Context, numbers []string, _ tracking.TrackOptions) []tracking.Result {
	s.mu.Lock()
	s.calls = append(s.calls, numbers)
	s.mu.Unlock()
	out := make([]tracking.Result, len(numbers))
	for i, n := range numbers {
		out[i] = s.fn(n)
	}
	return out
}

type stubScraper struct {
	calls   int32
	mu      sync.Mutex
	batches [][]string
	fn      func(number, hint string) tracking.Response
}

func (s *stubScraper) Track(_ context.Context, number, hint string) tracking.Response {
	atomic.AddInt32(&s.calls, 1)
	return s.fn(number, hint)
}

func (s *stubScraper) TrackMultiple(ctx context.Context, numbers []string, hint string) []tracking.Response {
	s.mu.Lock()
	s.batches = append(s.batches, numbers)
	s.mu.Unlock()
	out := make([]tracking.Response, len(numbers))
	for i, n := range numbers {
		out[i] = s.Track(ctx, n, hint)
	}
	return out
}

func found(number string, codes ...string) tracking.Result {
	events := make([]tracking.Event, 0, len(codes))
	for _, code := range codes {
		events = append(events, tracking.Event{StatusCode: code, StatusDescription: "status " + code, Date: "2024-01-02", Time: "10:00:00"})
	}
	received := false
	for _, code := range codes {
		if code != "IR" {
			received = true
		}
	}
	return tracking.Result{TrackingNumber: number, Found: true, Events: events, WasPhysicallyReceived: received}
}

var now = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func TestResolveProvider(t *testing.T) {
	o := &tracking.Orchestrator{DefaultProvider: tracking.ProviderShip24}
	cases := []struct {
		name   string
		number string
		hints  tracking.Hints
		want   tracking.Provider
	}{
		{"explicit provider wins", "1Z999AA10123456784", tracking.Hints{Provider: "singpost", Method: "scrape"}, tracking.ProviderSingPost},
		{"method api", "1Z999AA10123456784", tracking.Hints{Method: "api"}, tracking.ProviderSingPost},
		{"method browser", "RR123456785SG", tracking.Hints{Method: "browser"}, tracking.ProviderShip24},
		{"carrier hint", "whatever", tracking.Hints{Carrier: "SingPost"}, tracking.ProviderSingPost},
		{"detected singpost", "RR123456785SG", tracking.Hints{}, tracking.ProviderSingPost},
		{"detected other carrier", "1Z999AA10123456784", tracking.Hints{}, tracking.ProviderShip24},
		{"unknown uses default", "???", tracking.Hints{}, tracking.ProviderShip24},
		{"unknown provider hint ignored", "RR123456785SG", tracking.Hints{Provider: "nope"}, tracking.ProviderSingPost},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, o.ResolveProvider(tc.number, tc.hints))
		})
	}

	require.Equal(t, tracking.ProviderSingPost, (&tracking.Orchestrator{}).ResolveProvider("???", tracking.Hints{}))
}

func TestTrackOneConvertsStructuredResult(t *testing.T) {
	structured := &stubStructured{fn: func(n string) tracking.Result { return found(n, "D", "IR") }}
	o := &tracking.Orchestrator{Structured: structured, Now: func() time.Time { return now }}

	resp := o.TrackOne(context.Background(), " RR123456785SG ", tracking.Hints{})
	require.True(t, resp.Success)
	require.Equal(t, "RR123456785SG", resp.TrackingNumber)
	require.Equal(t, "SingPost", resp.Carrier)
	require.Equal(t, tracking.ProviderSingPost, resp.Provider)
	require.Equal(t, "status D", resp.Status)
	require.Len(t, resp.Events, 2)
	require.Equal(t, "D", resp.Events[0].Code)
	require.Equal(t, "10:00:00", resp.Events[0].Time)
	require.NotNil(t, resp.WasPhysicallyReceived)
	require.True(t, *resp.WasPhysicallyReceived)
	require.Nil(t, resp.ErrorMessage)
	require.Empty(t, resp.ManualLinks)
	require.Equal(t, now, resp.LastUpdated)
	require.Equal(t, [][]string{{"RR123456785SG"}}, structured.calls)
}

func TestTrackOneFailureCarriesManualLinks(t *testing.T) {
	structured := &stubStructured{fn: func(n string) tracking.Result {
		return tracking.Failed(n, tracking.HTTPStatus(http.StatusBadGateway))
	}}
	o := &tracking.Orchestrator{Structured: structured}

	resp := o.TrackOne(context.Background(), "RR123456785SG", tracking.Hints{})
	require.False(t, resp.Success)
	require.Equal(t, "Error", resp.Status)
	require.Equal(t, tracking.KindHTTP, resp.ErrorKind)
	require.Equal(t, "API error: HTTP 502", *resp.ErrorMessage)
	require.NotEmpty(t, resp.ManualLinks)
	require.Contains(t, resp.ManualLinks, "SingPost")
}

func TestTrackOneRecoversBackendPanic(t *testing.T) {
	scraper := &stubScraper{fn: func(string, string) tracking.Response { panic("driver exploded") }}
	o := &tracking.Orchestrator{Scraper: scraper}

	var resp tracking.Response
	require.NotPanics(t, func() {
		resp = o.TrackOne(context.Background(), "1Z999AA10123456784", tracking.Hints{})
	})
	require.False(t, resp.Success)
	require.Equal(t, tracking.KindInternal, resp.ErrorKind)
	require.Equal(t, "UPS", resp.Carrier)
	require.Contains(t, *resp.ErrorMessage, "driver exploded")
	require.NotEmpty(t, resp.ManualLinks)
}

func TestTrackOneMissingBackend(t *testing.T) {
	o := &tracking.Orchestrator{}
	resp := o.TrackOne(context.Background(), "1Z999AA10123456784", tracking.Hints{})
	require.False(t, resp.Success)
	require.Equal(t, tracking.KindNotConfigured, resp.ErrorKind)
	require.NotEmpty(t, resp.ManualLinks)
}

func TestTrackOnePassesCarrierHintToScraper(t *testing.T) {
	var gotHint string
	scraper := &stubScraper{fn: func(n, hint string) tracking.Response {
		gotHint = hint
		return tracking.Response{Success: true, TrackingNumber: n, Carrier: "DHL", Status: "Delivered"}
	}}
	o := &tracking.Orchestrator{Scraper: scraper}

	resp := o.TrackOne(context.Background(), "1234567890", tracking.Hints{Carrier: "dhl"})
	require.True(t, resp.Success)
	require.Equal(t, "dhl", gotHint)
	require.Nil(t, resp.ManualLinks)
}

func TestTrackManyPreservesOrderWithFailingMiddle(t *testing.T) {
	structured := &stubStructured{fn: func(n string) tracking.Result {
		switch n {
		case "A":
			time.Sleep(20 * time.Millisecond)
		case "B":
			return tracking.Failed(n, tracking.Timeout(nil))
		}
		return found(n, "IR")
	}}
	o := &tracking.Orchestrator{Structured: structured, DefaultProvider: tracking.ProviderSingPost}

	out := o.TrackMany(context.Background(), []string{"A", "B", "C"}, tracking.Hints{})
	require.Len(t, out, 3)
	require.Equal(t, "A", out[0].TrackingNumber)
	require.True(t, out[0].Success)
	require.False(t, *out[0].WasPhysicallyReceived)

	require.Equal(t, "B", out[1].TrackingNumber)
	require.False(t, out[1].Success)
	require.Equal(t, "request timed out", *out[1].ErrorMessage)

	require.Equal(t, "C", out[2].TrackingNumber)
	require.True(t, out[2].Success)
}

func TestTrackManyDropsBlanksAndCaps(t *testing.T) {
	structured := &stubStructured{fn: func(n string) tracking.Result { return found(n, "D") }}
	o := &tracking.Orchestrator{Structured: structured, DefaultProvider: tracking.ProviderSingPost}

	numbers := []string{"", "  "}
	for i := 0; i < 30; i++ {
		numbers = append(numbers, fmt.Sprintf(" N%02d ", i), "")
	}
	out := o.TrackMany(context.Background(), numbers, tracking.Hints{})
	require.Len(t, out, tracking.DefaultMaxBatch)
	for i, resp := range out {
		require.Equal(t, fmt.Sprintf("N%02d", i), resp.TrackingNumber)
	}
	require.Len(t, structured.calls, 1)
	require.Len(t, structured.calls[0], tracking.DefaultMaxBatch)

	require.Empty(t, o.TrackMany(context.Background(), []string{"", " "}, tracking.Hints{}))
}

func TestTrackManyGroupsNumbersByProvider(t *testing.T) {
	structured := &stubStructured{fn: func(n string) tracking.Result { return found(n, "D") }}
	scraper := &stubScraper{fn: func(n, hint string) tracking.Response {
		return tracking.Response{Success: true, TrackingNumber: n, Carrier: "UPS", Provider: tracking.ProviderShip24, Status: "Delivered"}
	}}
	o := &tracking.Orchestrator{Structured: structured, Scraper: scraper}

	numbers := []string{"RR123456785SG", "1Z999AA10123456784", "RR523456785SG", "1Z999AA10123456795", "SPNDD123456789"}
	out := o.TrackMany(context.Background(), numbers, tracking.Hints{})
	require.Len(t, out, len(numbers))
	for i, resp := range out {
		require.True(t, resp.Success)
		require.Equal(t, numbers[i], resp.TrackingNumber)
	}
	require.Equal(t, tracking.ProviderSingPost, out[0].Provider)
	require.Equal(t, tracking.ProviderShip24, out[1].Provider)

	require.Equal(t, [][]string{{"RR123456785SG", "RR523456785SG", "SPNDD123456789"}}, structured.calls)
	require.Equal(t, [][]string{{"1Z999AA10123456784", "1Z999AA10123456795"}}, scraper.batches)
}

// echoFound answers every requested number with one delivered event.
func echoFound(w http.ResponseWriter, r *http.Request) {
	data, _ := io.ReadAll(r.Body)
	var items strings.Builder
	for _, part := range strings.Split(string(data), "<TrackingNumber>")[1:] {
		number := part[:strings.Index(part, "<")]
		fmt.Fprintf(&items, `<ItemTrackingDetail><TrackingNumber>%s</TrackingNumber><TrackingNumberFound>true</TrackingNumberFound>
<DeliveryStatusDetails><DeliveryStatusDetail><Date>2024-02-03T14:02:11</Date><StatusDescription>Delivered</StatusDescription><StatusCode>D</StatusCode></DeliveryStatusDetail></DeliveryStatusDetails>
</ItemTrackingDetail>`, number)
	}
	w.Header().Set("Content-Type", "application/xml")
	fmt.Fprintf(w, `<ItemTrackingDetailsResponse><Status><ErrorCode>0</ErrorCode></Status><ItemsTrackingDetailList>%s</ItemsTrackingDetailList></ItemTrackingDetailsResponse>`, items.String())
}

func TestTrackManySendsSingPostNumbersInOneRequest(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		echoFound(w, r)
	}))
	defer server.Close()

	limiter := ratelimit.NewLimiter(0, 0)
	client, err := singpost.New(singpost.Config{APIKey: "k", BaseURL: server.URL}, limiter, singpost.WithHTTPClient(server.Client()))
	require.NoError(t, err)
	o := &tracking.Orchestrator{Structured: client}

	numbers := []string{"RR123456785SG", "RR223456785SG", "RR323456785SG", "RR423456785SG", "RR523456785SG"}
	out := o.TrackMany(context.Background(), numbers, tracking.Hints{})
	require.Len(t, out, len(numbers))
	for i, resp := range out {
		require.True(t, resp.Success, "number %s: %v", numbers[i], resp.ErrorMessage)
		require.Equal(t, numbers[i], resp.TrackingNumber)
		require.Equal(t, "Delivered", resp.Status)
	}
	require.EqualValues(t, 1, atomic.LoadInt32(&calls))

	again := o.TrackMany(context.Background(), numbers[:1], tracking.Hints{})
	require.Equal(t, tracking.KindRateLimited, again[0].ErrorKind)
	require.NotEmpty(t, again[0].ManualLinks)
	require.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

func TestTrackManyWithoutAPIKeyMakesNoCalls(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client, err := singpost.New(singpost.Config{BaseURL: server.URL}, nil, singpost.WithHTTPClient(server.Client()))
	require.NoError(t, err)
	o := &tracking.Orchestrator{Structured: client, DefaultProvider: tracking.ProviderSingPost}

	out := o.TrackMany(context.Background(), []string{"RR123456785SG", "XX1", "SPNDD123456789"}, tracking.Hints{Method: "api"})
	require.Len(t, out, 3)
	for _, resp := range out {
		require.False(t, resp.Success)
		require.Equal(t, tracking.KindNotConfigured, resp.ErrorKind)
		require.Equal(t, "not configured", *resp.ErrorMessage)
		require.NotEmpty(t, resp.ManualLinks)
	}
	require.Zero(t, atomic.LoadInt32(&calls))
}

func TestOrchestratorHelpers(t *testing.T) {
	o := &tracking.Orchestrator{}
	require.Equal(t, "ups", o.DetectCarrier("1z999aa10123456784"))
	require.Equal(t, "unknown", o.DetectCarrier(""))
	require.Contains(t, o.ManualLinks("RR123456785SG"), "Ship24")
}

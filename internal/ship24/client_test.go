package ship24_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/parcel-tracker/internal/ship24"
	"github.com/noah-isme/parcel-tracker/internal/tracking"
)

type fakeSession struct {
	closes int32
	scrape func(ctx context.Context, number string) (ship24.RawFields, error)
}

func (s *fakeSession) SubmitAndScrape(ctx context.Context, number string) (ship24.RawFields, error) {
	return s.scrape(ctx, number)
}

func (s *fakeSession) Close() error {
	atomic.AddInt32(&s.closes, 1)
	return nil
}

type fakeLauncher struct {
	mu        sync.Mutex
	sessions  []*fakeSession
	launchErr error
	scrape    func(ctx context.Context, number string) (ship24.RawFields, error)
}

func (l *fakeLauncher) Launch(context.Context) (ship24.Session, error) {
	if l.launchErr != nil {
		return nil, l.launchErr
	}
	s := &fakeSession{scrape: l.scrape}
	l.mu.Lock()
	l.sessions = append(l.sessions, s)
	l.mu.Unlock()
	return s, nil
}

func (l *fakeLauncher) requireAllClosedOnce(t *testing.T) {
	t.Helper()
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, s := range l.sessions {
		require.EqualValues(t, 1, atomic.LoadInt32(&s.closes), "session %d", i)
	}
}

var fixedNow = time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC)

func TestTrackNormalizesScrapedFields(t *testing.T) {
	events := make([]ship24.RawEvent, 14)
	for i := range events {
		events[i] = ship24.RawEvent{Date: fmt.Sprintf("2024-05-%02d", i+1), Status: fmt.Sprintf("step %d", i)}
	}
	launcher := &fakeLauncher{scrape: func(_ context.Context, number string) (ship24.RawFields, error) {
		require.Equal(t, "1Z999AA10123456784", number)
		return ship24.RawFields{
			Carrier:           "UPS",
			Status:            " In Transit ",
			Location:          "Louisville, KY",
			EstimatedDelivery: "",
			Events:            events,
		}, nil
	}}
	client := ship24.New(launcher, ship24.WithClock(func() time.Time { return fixedNow }))

	resp := client.Track(context.Background(), " 1Z999AA10123456784 ", "")
	require.True(t, resp.Success)
	require.Equal(t, tracking.ProviderShip24, resp.Provider)
	require.Equal(t, "UPS", resp.Carrier)
	require.Equal(t, "In Transit", resp.Status)
	require.Len(t, resp.Events, ship24.MaxEvents)
	require.Equal(t, "step 0", resp.Events[0].Status)
	require.NotNil(t, resp.CurrentLocation)
	require.Equal(t, "Louisville, KY", *resp.CurrentLocation)
	require.Nil(t, resp.EstimatedDelivery)
	require.Nil(t, resp.ErrorMessage)
	require.Equal(t, fixedNow, resp.LastUpdated)
	launcher.requireAllClosedOnce(t)
}

func TestTrackMissingFieldsFallBackToUnknown(t *testing.T) {
	launcher := &fakeLauncher{scrape: func(context.Context, string) (ship24.RawFields, error) {
		return ship24.RawFields{Events: []ship24.RawEvent{{Date: "2024-01-01"}}}, nil
	}}
	client := ship24.New(launcher)

	resp := client.Track(context.Background(), "JT0123456789012", "")
	require.True(t, resp.Success)
	require.Equal(t, "Unknown", resp.Carrier)
	require.Equal(t, "Unknown", resp.Status)
	require.Equal(t, "Unknown", resp.Events[0].Status)
	require.Nil(t, resp.CurrentLocation)

	hinted := client.Track(context.Background(), "JT0123456789012", "jnt")
	require.Equal(t, "J&T Express", hinted.Carrier)
}

func TestTrackScrapeErrorClosesSession(t *testing.T) {
	launcher := &fakeLauncher{scrape: func(context.Context, string) (ship24.RawFields, error) {
		return ship24.RawFields{}, errors.New("input not found")
	}}
	client := ship24.New(launcher)

	resp := client.Track(context.Background(), "RR123456785SG", "singpost")
	require.False(t, resp.Success)
	require.Equal(t, tracking.KindScrapeFailure, resp.ErrorKind)
	require.Equal(t, "SingPost", resp.Carrier)
	require.NotNil(t, resp.ErrorMessage)
	require.Contains(t, *resp.ErrorMessage, "input not found")
	require.Empty(t, resp.Events)
	require.Len(t, launcher.sessions, 1)
	launcher.requireAllClosedOnce(t)
}

func TestTrackPanicClosesSessionExactlyOnce(t *testing.T) {
	launcher := &fakeLauncher{scrape: func(context.Context, string) (ship24.RawFields, error) {
		panic("page crashed")
	}}
	client := ship24.New(launcher)

	var resp tracking.Response
	require.NotPanics(t, func() {
		resp = client.Track(context.Background(), "RR123456785SG", "")
	})
	require.False(t, resp.Success)
	require.Equal(t, tracking.KindScrapeFailure, resp.ErrorKind)
	require.Contains(t, *resp.ErrorMessage, "page crashed")
	require.Len(t, launcher.sessions, 1)
	launcher.requireAllClosedOnce(t)
}

func TestTrackCanceledContextStillCloses(t *testing.T) {
	launcher := &fakeLauncher{scrape: func(ctx context.Context, _ string) (ship24.RawFields, error) {
		<-ctx.Done()
		return ship24.RawFields{}, ctx.Err()
	}}
	client := ship24.New(launcher)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	resp := client.Track(ctx, "RR123456785SG", "")
	require.False(t, resp.Success)
	require.Equal(t, tracking.KindScrapeFailure, resp.ErrorKind)
	launcher.requireAllClosedOnce(t)
}

func TestTrackLaunchFailure(t *testing.T) {
	launcher := &fakeLauncher{launchErr: errors.New("chrome not found")}
	client := ship24.New(launcher)

	resp := client.Track(context.Background(), "RR123456785SG", "")
	require.False(t, resp.Success)
	require.Equal(t, tracking.KindScrapeFailure, resp.ErrorKind)
	require.Contains(t, *resp.ErrorMessage, "chrome not found")
	require.Empty(t, launcher.sessions)
}

func TestTrackMultiplePreservesOrder(t *testing.T) {
	launcher := &fakeLauncher{scrape: func(_ context.Context, number string) (ship24.RawFields, error) {
		switch number {
		case "B":
			return ship24.RawFields{}, errors.New("no results")
		case "C":
			panic("boom")
		case "A":
			time.Sleep(20 * time.Millisecond)
		}
		return ship24.RawFields{Carrier: "Carrier " + number, Status: "Delivered"}, nil
	}}
	client := ship24.New(launcher)

	numbers := []string{"A", "B", "C", "D"}
	out := client.TrackMultiple(context.Background(), numbers, "")
	require.Len(t, out, len(numbers))
	for i, resp := range out {
		require.Equal(t, numbers[i], resp.TrackingNumber)
	}
	require.True(t, out[0].Success)
	require.Equal(t, "Carrier A", out[0].Carrier)
	require.False(t, out[1].Success)
	require.False(t, out[2].Success)
	require.True(t, strings.Contains(*out[2].ErrorMessage, "boom"))
	require.True(t, out[3].Success)
	require.Len(t, launcher.sessions, 4)
	launcher.requireAllClosedOnce(t)
}

func TestTrackMultipleBoundsOpenSessions(t *testing.T) {
	var open, peak int32
	launcher := &fakeLauncher{scrape: func(_ context.Context, number string) (ship24.RawFields, error) {
		cur := atomic.AddInt32(&open, 1)
		for {
			prev := atomic.LoadInt32(&peak)
			if cur <= prev || atomic.CompareAndSwapInt32(&peak, prev, cur) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		atomic.AddInt32(&open, -1)
		return ship24.RawFields{Status: "In transit"}, nil
	}}
	client := ship24.New(launcher, ship24.WithConcurrency(2))

	numbers := make([]string, 6)
	for i := range numbers {
		numbers[i] = fmt.Sprintf("N%d", i)
	}
	out := client.TrackMultiple(context.Background(), numbers, "dhl")
	require.Len(t, out, len(numbers))
	for i, resp := range out {
		require.True(t, resp.Success)
		require.Equal(t, numbers[i], resp.TrackingNumber)
		require.Equal(t, "DHL", resp.Carrier)
	}
	require.LessOrEqual(t, atomic.LoadInt32(&peak), int32(2))
	launcher.requireAllClosedOnce(t)
}

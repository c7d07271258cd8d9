package jobs_test

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/parcel-tracker/internal/jobs"
	"github.com/noah-isme/parcel-tracker/internal/lock"
	"github.com/noah-isme/parcel-tracker/internal/trackcache"
	"github.com/noah-isme/parcel-tracker/internal/tracking"
)

type fakeTracker struct {
	mu      sync.Mutex
	numbers []string
	hints   tracking.Hints
}

func (f *fakeTracker) TrackMany(_ context.Context, numbers []string, hints tracking.Hints) []tracking.Response {
	f.mu.Lock()
	f.numbers = append([]string(nil), numbers...)
	f.hints = hints
	f.mu.Unlock()
	out := make([]tracking.Response, len(numbers))
	for i, n := range numbers {
		if strings.HasPrefix(n, "BAD") {
			msg := "not found in response"
			out[i] = tracking.Response{TrackingNumber: n, Provider: tracking.ProviderSingPost, Status: "Error", ErrorMessage: &msg}
			continue
		}
		out[i] = tracking.Response{Success: true, TrackingNumber: n, Provider: tracking.ProviderSingPost, Carrier: "SingPost", Status: "Delivered"}
	}
	return out
}

type fakeTaskClient struct {
	task *asynq.Task
	opts []asynq.Option
	err  error
}

func (f *fakeTaskClient) EnqueueContext(_ context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	f.task = task
	f.opts = opts
	if f.err != nil {
		return nil, f.err
	}
	return &asynq.TaskInfo{ID: "task-1", Type: task.Type(), Payload: task.Payload()}, nil
}

type failingStore struct{}

func (failingStore) PutAll(context.Context, []tracking.Response) (int, error) {
	return 0, errors.New("redis down")
}

func TestNewRefreshTaskValidates(t *testing.T) {
	task, err := jobs.NewRefreshTask(jobs.RefreshPayload{Numbers: []string{" RR123456785SG "}, Method: "API"})
	require.NoError(t, err)
	require.Equal(t, jobs.TypeRefresh, task.Type())

	var decoded jobs.RefreshPayload
	require.NoError(t, json.Unmarshal(task.Payload(), &decoded))
	require.Equal(t, []string{"RR123456785SG"}, decoded.Numbers)
	require.Equal(t, "api", decoded.Method)

	tooMany := make([]string, 21)
	for i := range tooMany {
		tooMany[i] = "N"
	}
	invalid := []jobs.RefreshPayload{
		{},
		{Numbers: []string{}},
		{Numbers: []string{"A", "  "}},
		{Numbers: tooMany},
		{Numbers: []string{"A"}, Method: "carrier-pigeon"},
	}
	for _, p := range invalid {
		_, err := jobs.NewRefreshTask(p)
		require.ErrorIs(t, err, jobs.ErrInvalidPayload)
	}
}

func TestEnqueueRefresh(t *testing.T) {
	client := &fakeTaskClient{}
	enq := jobs.Enqueuer{Client: client, Queue: "critical"}
	require.True(t, enq.Enabled())

	id, err := enq.EnqueueRefresh(context.Background(), jobs.RefreshPayload{Numbers: []string{"A1"}, Carrier: "singpost"})
	require.NoError(t, err)
	require.Equal(t, "task-1", id)
	require.Equal(t, jobs.TypeRefresh, client.task.Type())

	client.err = errors.New("redis down")
	_, err = enq.EnqueueRefresh(context.Background(), jobs.RefreshPayload{Numbers: []string{"A1"}})
	require.ErrorContains(t, err, "redis down")

	_, err = jobs.Enqueuer{}.EnqueueRefresh(context.Background(), jobs.RefreshPayload{Numbers: []string{"A1"}})
	require.Error(t, err)
	require.False(t, jobs.Enqueuer{}.Enabled())
}

func TestRefreshHandlerCachesSuccesses(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	cache := trackcache.New(rdb, time.Minute)

	tracker := &fakeTracker{}
	handler := jobs.RefreshHandler{Tracker: tracker, Store: cache}

	task, err := jobs.NewRefreshTask(jobs.RefreshPayload{Numbers: []string{"GOOD1", "BAD2"}, Provider: "singpost"})
	require.NoError(t, err)
	require.NoError(t, handler.ProcessTask(context.Background(), task))

	require.Equal(t, []string{"GOOD1", "BAD2"}, tracker.numbers)
	require.Equal(t, "singpost", tracker.hints.Provider)
	require.True(t, mr.Exists(trackcache.Key(tracking.ProviderSingPost, "GOOD1")))
	require.False(t, mr.Exists(trackcache.Key(tracking.ProviderSingPost, "BAD2")))
}

func TestRefreshHandlerSkipsRetryOnBadPayload(t *testing.T) {
	handler := jobs.RefreshHandler{Tracker: &fakeTracker{}}

	err := handler.ProcessTask(context.Background(), asynq.NewTask(jobs.TypeRefresh, []byte("{nope")))
	require.ErrorIs(t, err, asynq.SkipRetry)
	require.ErrorIs(t, err, jobs.ErrInvalidPayload)

	err = handler.ProcessTask(context.Background(), asynq.NewTask(jobs.TypeRefresh, []byte(`{"numbers":[]}`)))
	require.ErrorIs(t, err, asynq.SkipRetry)
}

func TestRefreshHandlerRetriesStoreFailure(t *testing.T) {
	handler := jobs.RefreshHandler{Tracker: &fakeTracker{}, Store: failingStore{}}
	task, err := jobs.NewRefreshTask(jobs.RefreshPayload{Numbers: []string{"GOOD1"}})
	require.NoError(t, err)

	err = handler.ProcessTask(context.Background(), task)
	require.Error(t, err)
	require.NotErrorIs(t, err, asynq.SkipRetry)
}

func TestServeMuxRoutesRefresh(t *testing.T) {
	tracker := &fakeTracker{}
	mux := jobs.NewServeMux(jobs.RefreshHandler{Tracker: tracker})
	task, err := jobs.NewRefreshTask(jobs.RefreshPayload{Numbers: []string{"GOOD1"}})
	require.NoError(t, err)
	require.NoError(t, mux.ProcessTask(context.Background(), task))
	require.Equal(t, []string{"GOOD1"}, tracker.numbers)
}

func TestRefreshHandlerDropsTaskWhileLeaseHeld(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	locker := lock.Locker{R: rdb}

	tracker := &fakeTracker{}
	handler := jobs.RefreshHandler{Tracker: tracker, Guard: locker}
	first, err := jobs.NewRefreshTask(jobs.RefreshPayload{Numbers: []string{"GOOD1", "good2"}})
	require.NoError(t, err)
	reordered, err := jobs.NewRefreshTask(jobs.RefreshPayload{Numbers: []string{"GOOD2", "GOOD1"}})
	require.NoError(t, err)

	var nested error
	outer := jobs.RefreshHandler{
		Tracker: trackerFunc(func(ctx context.Context, numbers []string, hints tracking.Hints) []tracking.Response {
			nested = handler.ProcessTask(ctx, reordered)
			return nil
		}),
		Guard: locker,
	}
	require.NoError(t, outer.ProcessTask(context.Background(), first))
	require.NoError(t, nested)
	require.Empty(t, tracker.numbers, "overlapping refresh must be dropped")

	require.NoError(t, handler.ProcessTask(context.Background(), reordered))
	require.Equal(t, []string{"GOOD2", "GOOD1"}, tracker.numbers)
	require.Empty(t, mr.Keys())
}

type trackerFunc func(ctx context.Context, numbers []string, hints tracking.Hints) []tracking.Response

func (f trackerFunc) TrackMany(ctx context.Context, numbers []string, hints tracking.Hints) []tracking.Response {
	return f(ctx, numbers, hints)
}

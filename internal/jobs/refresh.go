// Package jobs defines background tasks processed by the worker.
package jobs

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/noah-isme/parcel-tracker/internal/tracking"
)

// TypeRefresh re-tracks numbers and refreshes the response cache.
const TypeRefresh = "tracking:refresh"

const (
	// DefaultQueue is the asynq queue refresh tasks are placed on.
	DefaultQueue       = "tracking"
	defaultMaxRetry    = 3
	defaultTaskTimeout = 2 * time.Minute
)

// ErrInvalidPayload marks payloads that can never succeed.
var ErrInvalidPayload = errors.New("jobs: invalid refresh payload")

var validate = validator.New()

// RefreshPayload is the JSON body of a TypeRefresh task.
type RefreshPayload struct {
	Numbers  []string `json:"numbers" validate:"required,min=1,max=20,dive,required"`
	Carrier  string   `json:"carrier,omitempty" validate:"max=32"`
	Method   string   `json:"method,omitempty" validate:"omitempty,oneof=api scrape browser"`
	Provider string   `json:"provider,omitempty" validate:"max=32"`
}

// Hints returns the provider selection hints carried by the payload.
func (p RefreshPayload) Hints() tracking.Hints {
	return tracking.Hints{Carrier: p.Carrier, Method: p.Method, Provider: p.Provider}
}

func (p RefreshPayload) normalized() RefreshPayload {
	numbers := make([]string, len(p.Numbers))
	for i, n := range p.Numbers {
		numbers[i] = strings.TrimSpace(n)
	}
	p.Numbers = numbers
	p.Method = strings.ToLower(strings.TrimSpace(p.Method))
	p.Carrier = strings.TrimSpace(p.Carrier)
	p.Provider = strings.TrimSpace(p.Provider)
	return p
}

// Validate checks the payload after trimming whitespace from every field.
func (p RefreshPayload) Validate() error {
	if err := validate.Struct(p.normalized()); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return nil
}

// NewRefreshTask builds a TypeRefresh task for p.
func NewRefreshTask(p RefreshPayload, opts ...asynq.Option) (*asynq.Task, error) {
	p = p.normalized()
	if err := p.Validate(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("jobs: encode refresh payload: %w", err)
	}
	base := []asynq.Option{
		asynq.TaskID(uuid.NewString()),
		asynq.Queue(DefaultQueue),
		asynq.MaxRetry(defaultMaxRetry),
		asynq.Timeout(defaultTaskTimeout),
	}
	return asynq.NewTask(TypeRefresh, data, append(base, opts...)...), nil
}

// TaskClient is the subset of *asynq.Client used to publish tasks.
type TaskClient interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// Enqueuer publishes refresh tasks.
type Enqueuer struct {
	Client TaskClient
	Queue  string
}

// Enabled reports whether a task client is configured.
func (e Enqueuer) Enabled() bool { return e.Client != nil }

// EnqueueRefresh publishes a refresh for p and returns the task id.
func (e Enqueuer) EnqueueRefresh(ctx context.Context, p RefreshPayload) (string, error) {
	if e.Client == nil {
		return "", errors.New("jobs: task client not configured")
	}
	var opts []asynq.Option
	if e.Queue != "" {
		opts = append(opts, asynq.Queue(e.Queue))
	}
	task, err := NewRefreshTask(p, opts...)
	if err != nil {
		return "", err
	}
	info, err := e.Client.EnqueueContext(ctx, task)
	if err != nil {
		return "", fmt.Errorf("jobs: enqueue refresh: %w", err)
	}
	return info.ID, nil
}

// Tracker is the orchestrator contract the handler needs.
type Tracker interface {
	TrackMany(ctx context.Context, numbers []string, hints tracking.Hints) []tracking.Response
}

// ResponseStore persists fresh responses.
type ResponseStore interface {
	PutAll(ctx context.Context, responses []tracking.Response) (int, error)
}

// Guard runs fn unless another holder owns name, as lock.Locker does.
type Guard interface {
	TryRun(ctx context.Context, name string, ttl time.Duration, fn func(context.Context) error) (bool, error)
}

// RefreshHandler processes TypeRefresh tasks. When Guard is set, a task whose
// numbers are already being refreshed elsewhere is dropped.
type RefreshHandler struct {
	Tracker Tracker
	Store   ResponseStore
	Guard   Guard
	Logger  zerolog.Logger
}

// leaseName identifies a payload independently of number order and casing.
func leaseName(p RefreshPayload) string {
	numbers := make([]string, len(p.Numbers))
	for i, n := range p.Numbers {
		numbers[i] = strings.ToUpper(n)
	}
	slices.Sort(numbers)
	sum := sha256.Sum256([]byte(strings.Join(numbers, ",") + "|" + p.Carrier + "|" + p.Method + "|" + p.Provider))
	return "refresh:" + hex.EncodeToString(sum[:16])
}

// ProcessTask implements asynq.Handler. Malformed payloads are not retried.
// Per-number tracking failures are not task failures; only cache write errors
// are, so asynq retries them.
func (h RefreshHandler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var p RefreshPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("%w: %v: %w", ErrInvalidPayload, err, asynq.SkipRetry)
	}
	if err := p.Validate(); err != nil {
		return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
	}
	p = p.normalized()

	if h.Guard == nil {
		return h.refresh(ctx, p)
	}
	ran, err := h.Guard.TryRun(ctx, leaseName(p), defaultTaskTimeout, func(ctx context.Context) error {
		return h.refresh(ctx, p)
	})
	if err != nil {
		return err
	}
	if !ran {
		h.Logger.Info().Int("numbers", len(p.Numbers)).Msg("refresh_skipped_in_progress")
	}
	return nil
}

func (h RefreshHandler) refresh(ctx context.Context, p RefreshPayload) error {
	began := time.Now()
	responses := h.Tracker.TrackMany(ctx, p.Numbers, p.Hints())
	succeeded := 0
	for _, resp := range responses {
		if resp.Success {
			succeeded++
		}
	}

	written := 0
	if h.Store != nil {
		n, err := h.Store.PutAll(ctx, responses)
		written = n
		if err != nil {
			h.Logger.Error().Err(err).Int("written", n).Msg("refresh_cache_write_failed")
			return fmt.Errorf("jobs: store refreshed responses: %w", err)
		}
	}
	h.Logger.Info().
		Int("numbers", len(p.Numbers)).
		Int("succeeded", succeeded).
		Int("cached", written).
		Dur("elapsed", time.Since(began)).
		Msg("refresh_complete")
	return nil
}

// NewServeMux routes every task type this package defines.
func NewServeMux(refresh RefreshHandler) *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.Handle(TypeRefresh, refresh)
	return mux
}

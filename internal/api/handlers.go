// Package api exposes the tracking orchestrator over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/noah-isme/parcel-tracker/internal/carrier"
	"github.com/noah-isme/parcel-tracker/internal/common"
	"github.com/noah-isme/parcel-tracker/internal/jobs"
	"github.com/noah-isme/parcel-tracker/internal/tracking"
)

const maxBodyBytes = 64 << 10

// Tracker is the orchestrator surface the handlers use.
type Tracker interface {
	TrackOne(ctx context.Context, number string, hints tracking.Hints) tracking.Response
	TrackMany(ctx context.Context, numbers []string, hints tracking.Hints) []tracking.Response
	ResolveProvider(number string, hints tracking.Hints) tracking.Provider
	DetectCarrier(number string) string
	ManualLinks(number string) map[string]string
}

// Cache stores successful responses between requests.
type Cache interface {
	Get(ctx context.Context, provider tracking.Provider, number string) (tracking.Response, bool, error)
	Put(ctx context.Context, resp tracking.Response) error
	PutAll(ctx context.Context, responses []tracking.Response) (int, error)
}

// Refresher schedules background refreshes.
type Refresher interface {
	Enabled() bool
	EnqueueRefresh(ctx context.Context, p jobs.RefreshPayload) (string, error)
}

// Handler serves the /v1 tracking endpoints.
type Handler struct {
	tracker   Tracker
	cache     Cache
	refresher Refresher
	logger    zerolog.Logger
	validate  *validator.Validate
}

// HandlerConfig configures the Handler dependencies. Cache and Refresher are
// optional.
type HandlerConfig struct {
	Tracker   Tracker
	Cache     Cache
	Refresher Refresher
	Logger    *zerolog.Logger
}

// NewHandler constructs a Handler.
func NewHandler(cfg HandlerConfig) *Handler {
	logger := zerolog.Nop()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	return &Handler{
		tracker:   cfg.Tracker,
		cache:     cfg.Cache,
		refresher: cfg.Refresher,
		logger:    logger,
		validate:  newValidator(),
	}
}

func newValidator() *validator.Validate {
	v := validator.New()
	if err := v.RegisterValidation("tracking_numbers", trackingNumbers); err != nil {
		panic(err)
	}
	return v
}

// trackingNumbers accepts between one and DefaultMaxBatch non-blank entries.
// Blank entries are dropped downstream and do not count.
func trackingNumbers(fl validator.FieldLevel) bool {
	numbers, ok := fl.Field().Interface().([]string)
	if !ok {
		return false
	}
	n := 0
	for _, number := range numbers {
		if strings.TrimSpace(number) != "" {
			n++
		}
	}
	return n >= 1 && n <= tracking.DefaultMaxBatch
}

// Routes mounts the tracking endpoints on r. refreshMiddleware wraps the
// refresh endpoint only.
func (h *Handler) Routes(r chi.Router, refreshMiddleware ...func(http.Handler) http.Handler) {
	r.Get("/tracking/{number}", h.Track)
	r.Get("/tracking/{number}/links", h.Links)
	r.Post("/tracking/batch", h.Batch)
	r.With(refreshMiddleware...).Post("/tracking/refresh", h.Refresh)
	r.Get("/carriers/detect/{number}", h.Detect)
}

type batchRequest struct {
	Numbers  []string `json:"numbers" validate:"required,tracking_numbers"`
	Carrier  string   `json:"carrier" validate:"max=32"`
	Method   string   `json:"method" validate:"omitempty,oneof=api scrape browser"`
	Provider string   `json:"provider" validate:"max=32"`
}

func (b batchRequest) hints() tracking.Hints {
	return tracking.Hints{Carrier: b.Carrier, Method: strings.ToLower(b.Method), Provider: b.Provider}
}

// Track handles GET /v1/tracking/{number}. Successful responses are served
// from cache unless refresh=true.
func (h *Handler) Track(w http.ResponseWriter, r *http.Request) {
	if h.tracker == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "tracking not configured", nil)
		return
	}
	number := strings.TrimSpace(chi.URLParam(r, "number"))
	if number == "" {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "tracking number is required", nil)
		return
	}
	q := r.URL.Query()
	hints := tracking.Hints{
		Carrier:  q.Get("carrier"),
		Method:   strings.ToLower(q.Get("method")),
		Provider: q.Get("provider"),
	}
	refresh, _ := strconv.ParseBool(q.Get("refresh"))

	ctx := r.Context()
	provider := h.tracker.ResolveProvider(number, hints)
	if !refresh && h.cache != nil {
		cached, ok, err := h.cache.Get(ctx, provider, number)
		if err != nil {
			h.logger.Warn().Err(err).Str("tracking_number", number).Msg("tracking_cache_read_failed")
		}
		if ok {
			w.Header().Set("X-Cache", "HIT")
			common.Data(w, http.StatusOK, cached)
			return
		}
	}

	resp := h.tracker.TrackOne(ctx, number, hints)
	if resp.Success && h.cache != nil {
		if err := h.cache.Put(ctx, resp); err != nil {
			h.logger.Warn().Err(err).Str("tracking_number", number).Msg("tracking_cache_write_failed")
		}
	}
	w.Header().Set("X-Cache", "MISS")
	common.Data(w, http.StatusOK, resp)
}

// Batch handles POST /v1/tracking/batch.
func (h *Handler) Batch(w http.ResponseWriter, r *http.Request) {
	if h.tracker == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "tracking not configured", nil)
		return
	}
	var req batchRequest
	if err := h.decode(w, r, &req); err != nil {
		common.WriteError(w, err)
		return
	}
	out := h.tracker.TrackMany(r.Context(), req.Numbers, req.hints())
	if h.cache != nil {
		if _, err := h.cache.PutAll(r.Context(), out); err != nil {
			h.logger.Warn().Err(err).Int("numbers", len(out)).Msg("tracking_cache_write_failed")
		}
	}
	common.Data(w, http.StatusOK, out)
}

// Refresh handles POST /v1/tracking/refresh by scheduling a background job.
func (h *Handler) Refresh(w http.ResponseWriter, r *http.Request) {
	if h.refresher == nil || !h.refresher.Enabled() {
		common.JSONError(w, http.StatusServiceUnavailable, "QUEUE_UNAVAILABLE", "background refresh is not configured", nil)
		return
	}
	var req batchRequest
	if err := h.decode(w, r, &req); err != nil {
		common.WriteError(w, err)
		return
	}
	id, err := h.refresher.EnqueueRefresh(r.Context(), jobs.RefreshPayload{
		Numbers:  req.Numbers,
		Carrier:  req.Carrier,
		Method:   req.Method,
		Provider: req.Provider,
	})
	if err != nil {
		if errors.Is(err, jobs.ErrInvalidPayload) {
			common.WriteError(w, common.NewAppError("VALIDATION_ERROR", err.Error(), http.StatusBadRequest, err))
			return
		}
		h.logger.Error().Err(err).Msg("tracking_refresh_enqueue_failed")
		common.JSONError(w, http.StatusServiceUnavailable, "QUEUE_UNAVAILABLE", "failed to schedule refresh", nil)
		return
	}
	common.Data(w, http.StatusAccepted, map[string]any{"taskId": id, "numbers": len(req.Numbers)})
}

// Detect handles GET /v1/carriers/detect/{number}.
func (h *Handler) Detect(w http.ResponseWriter, r *http.Request) {
	if h.tracker == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "tracking not configured", nil)
		return
	}
	number := chi.URLParam(r, "number")
	id := h.tracker.DetectCarrier(number)
	common.Data(w, http.StatusOK, map[string]any{
		"trackingNumber": carrier.Normalize(number),
		"carrier":        id,
		"carrierName":    carrier.DisplayName(id),
		"provider":       h.tracker.ResolveProvider(number, tracking.Hints{}),
	})
}

// Links handles GET /v1/tracking/{number}/links.
func (h *Handler) Links(w http.ResponseWriter, r *http.Request) {
	if h.tracker == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "tracking not configured", nil)
		return
	}
	common.Data(w, http.StatusOK, h.tracker.ManualLinks(chi.URLParam(r, "number")))
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst *batchRequest) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return common.NewAppError("BAD_REQUEST", "invalid request body", http.StatusBadRequest, err)
	}
	if err := h.validate.Struct(dst); err != nil {
		return &common.AppError{
			Code:       "VALIDATION_ERROR",
			Message:    "invalid request body",
			HTTPStatus: http.StatusBadRequest,
			Err:        err,
			Details:    validationDetails(err),
		}
	}
	return nil
}

func validationDetails(err error) map[string]string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return nil
	}
	out := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		out[strings.ToLower(fe.Field())] = fmt.Sprintf("failed %s", fe.Tag())
	}
	return out
}

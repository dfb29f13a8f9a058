// Package api is the read-only HTTP surface: model listings, forecasts and
// box metadata. Forecast payloads are cached in Redis so a dashboard reload
// never triggers a fresh feature build.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/redis/go-redis/v9"
	"goa.design/clue/health"
	"goa.design/clue/log"

	"thermocast/internal/metrics"
	"thermocast/internal/registry"
	"thermocast/internal/store"
)

const (
	defaultCacheTTL     = time.Minute
	predictionsCacheKey = "thermocast:predictions:v1"
)

// Storage is the store subset the API reads from.
type Storage interface {
	ListBoxes(ctx context.Context, limit int) ([]store.Box, error)
	ListSensors(ctx context.Context, boxID string) ([]store.Sensor, error)
	ListTrainedModels(ctx context.Context, limit int) ([]store.TrainedModel, error)
	ReadDailySummary(ctx context.Context, sensorID string, from, to time.Time) ([]store.DailySummary, error)
}

// Forecaster is the registry subset the API serves forecasts from.
type Forecaster interface {
	Forecast(ctx context.Context) (*registry.Prediction, error)
	HistoricalPredictions(ctx context.Context, horizon int) (*registry.BackTest, error)
	Ping(ctx context.Context) error
}

// Options configures the handler.
type Options struct {
	Storage    Storage
	Forecaster Forecaster
	// Redis caches forecast payloads; nil disables caching.
	Redis *redis.Client
	// Metrics serves /metrics when set.
	Metrics *metrics.Metrics
	// Pingers back the liveness endpoint.
	Pingers []health.Pinger
	// CacheTTL bounds forecast staleness, one minute by default.
	CacheTTL time.Duration
}

type handler struct {
	storage    Storage
	forecaster Forecaster
	redis      *redis.Client
	cacheTTL   time.Duration
}

// NewHandler assembles the router.
func NewHandler(ctx context.Context, opts Options) http.Handler {
	h := &handler{
		storage:    opts.Storage,
		forecaster: opts.Forecaster,
		redis:      opts.Redis,
		cacheTTL:   opts.CacheTTL,
	}
	if h.cacheTTL <= 0 {
		h.cacheTTL = defaultCacheTTL
	}

	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet},
	}))
	r.Use(log.HTTP(ctx))

	livez := health.Handler(health.NewChecker(opts.Pingers...))
	r.Get("/healthz", livez)
	r.Get("/health/liveness", livez)
	r.Get("/health/readiness", h.readiness)
	if opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", opts.Metrics.Handler())
	}
	r.Get("/models", h.listModels)
	r.Get("/models/{horizon}/historical_predictions", h.historicalPredictions)
	r.Get("/predictions", h.predictions)
	r.Get("/boxes", h.listBoxes)
	r.Get("/boxes/{boxID}/sensors", h.listSensors)
	r.Get("/sensors/{sensorID}/daily_summary", h.dailySummary)
	return r
}

func (h *handler) readiness(w http.ResponseWriter, r *http.Request) {
	if err := h.forecaster.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not ready",
			"reason": err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (h *handler) listModels(w http.ResponseWriter, r *http.Request) {
	models, err := h.storage.ListTrainedModels(r.Context(), 100)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if models == nil {
		models = []store.TrainedModel{}
	}
	writeJSON(w, http.StatusOK, models)
}

func (h *handler) historicalPredictions(w http.ResponseWriter, r *http.Request) {
	horizon, err := strconv.Atoi(chi.URLParam(r, "horizon"))
	if err != nil || horizon < 1 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "horizon must be a positive integer"})
		return
	}
	bt, err := h.forecaster.HistoricalPredictions(r.Context(), horizon)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "no model for this horizon"})
			return
		}
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, bt)
}

// plotPoint is one point of the dashboard payload; Kind separates the
// measured tail from the forecast.
type plotPoint struct {
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
	Kind      string    `json:"type"`
}

type predictionsResponse struct {
	PlotData    []plotPoint `json:"plot_data"`
	LastUpdated *time.Time  `json:"last_updated,omitempty"`
	// Message carries advisory notes about the payload, empty on the normal
	// path.
	Message string `json:"message,omitempty"`
}

func (h *handler) predictions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.redis != nil {
		if cached, err := h.redis.Get(ctx, predictionsCacheKey).Bytes(); err == nil {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("X-Cache", "hit")
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write(cached)
			return
		}
	}

	pred, err := h.forecaster.Forecast(ctx)
	if err != nil {
		if errors.Is(err, registry.ErrNoModels) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "no trained models available yet"})
			return
		}
		writeError(w, r, err)
		return
	}

	resp := predictionsResponse{PlotData: make([]plotPoint, 0, len(pred.Historical)+len(pred.Predicted))}
	for _, p := range pred.Historical {
		resp.PlotData = append(resp.PlotData, plotPoint{Timestamp: p.Time, Value: p.Value, Kind: "historical"})
	}
	for _, p := range pred.Predicted {
		resp.PlotData = append(resp.PlotData, plotPoint{Timestamp: p.Time, Value: p.Value, Kind: "predicted"})
	}
	basedOn := pred.BasedOn
	resp.LastUpdated = &basedOn
	if len(pred.Historical) == 0 {
		resp.Message = "no recent measurements to plot"
	}

	body, err := json.Marshal(resp)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if h.redis != nil {
		if err := h.redis.Set(ctx, predictionsCacheKey, body, h.cacheTTL).Err(); err != nil {
			log.Warn(ctx, log.KV{K: "msg", V: "cache forecast payload"}, log.KV{K: "error", V: err.Error()})
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

func (h *handler) listBoxes(w http.ResponseWriter, r *http.Request) {
	boxes, err := h.storage.ListBoxes(r.Context(), 100)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if boxes == nil {
		boxes = []store.Box{}
	}
	writeJSON(w, http.StatusOK, boxes)
}

func (h *handler) listSensors(w http.ResponseWriter, r *http.Request) {
	sensors, err := h.storage.ListSensors(r.Context(), chi.URLParam(r, "boxID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if sensors == nil {
		sensors = []store.Sensor{}
	}
	writeJSON(w, http.StatusOK, sensors)
}

func (h *handler) dailySummary(w http.ResponseWriter, r *http.Request) {
	days := 7
	if v := r.URL.Query().Get("days"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 365 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "days must be between 1 and 365"})
			return
		}
		days = n
	}
	to := time.Now().UTC()
	from := to.AddDate(0, 0, -days)
	summaries, err := h.storage.ReadDailySummary(r.Context(), chi.URLParam(r, "sensorID"), from, to)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if summaries == nil {
		summaries = []store.DailySummary{}
	}
	writeJSON(w, http.StatusOK, summaries)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	log.Error(r.Context(), err, log.KV{K: "msg", V: "request failed"}, log.KV{K: "path", V: r.URL.Path})
	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
}

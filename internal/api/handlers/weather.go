package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/gometeo/weathergw/internal/cache"
	"github.com/gometeo/weathergw/internal/metrics"
	"github.com/gometeo/weathergw/internal/model"
)

const (
	defaultHistoryLimit = 50
	readinessTimeout    = 2 * time.Second
)

var validate = validator.New()

// HistoryStore is the read side of the history store.
type HistoryStore interface {
	QueryHistory(ctx context.Context, city string, limit int, maxAgeHours *int) ([]model.WeatherRecord, error)
	QueryLatestByKey(ctx context.Context, cacheKey string) (*model.WeatherRecord, error)
	Ping(ctx context.Context) error
}

// WeatherClient is the RPC service as seen from the gateway.
type WeatherClient interface {
	GetCurrentWeather(ctx context.Context, city string) (*model.CurrentWeather, error)
	GetForecast(ctx context.Context, city string) (*model.Forecast, error)
}

type WeatherHandler struct {
	store   HistoryStore
	client  WeatherClient
	ttl     time.Duration
	now     func() time.Time
	logger  *zap.SugaredLogger
	metrics *metrics.Metrics
}

// NewWeatherHandler wires the handler. client may be nil, in which case history
// is served without refreshing and forecasts fail with 500.
func NewWeatherHandler(store HistoryStore, client WeatherClient, ttl time.Duration, logger *zap.SugaredLogger, m *metrics.Metrics) *WeatherHandler {
	return &WeatherHandler{
		store:   store,
		client:  client,
		ttl:     ttl,
		now:     time.Now,
		logger:  logger,
		metrics: m,
	}
}

// WithClock swaps the clock used for the staleness check. Tests only.
func (h *WeatherHandler) WithClock(now func() time.Time) *WeatherHandler {
	h.now = now
	return h
}

type historyQuery struct {
	City  string `validate:"required"`
	Hours *int   `validate:"omitempty,gt=0"`
	Limit int    `validate:"gt=0"`
}

type forecastQuery struct {
	City string `validate:"required"`
}

// GetHistory serves GET /api/weather. When the newest stored record for the
// city is stale it asks the RPC service to refresh before reading history.
func (h *WeatherHandler) GetHistory(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	q, msg, ok := parseHistoryQuery(r)
	if !ok {
		sendError(w, http.StatusBadRequest, msg, "")
		return
	}
	key := cache.Key(q.City)

	// Staleness is judged on the unfiltered latest record so a narrow hours
	// window cannot hide it.
	var refreshed *model.CurrentWeather
	if h.isStale(ctx, key) {
		if h.client == nil {
			h.logger.Warnw("History is stale but no weather service is configured", "city", q.City)
		} else {
			current, err := h.client.GetCurrentWeather(ctx, q.City)
			if err != nil {
				h.logger.Errorw("Failed to refresh weather", "city", q.City, "error", err)
				sendUpstreamError(w, err)
				return
			}
			refreshed = current
		}
	}

	history, err := h.store.QueryHistory(ctx, q.City, q.Limit, q.Hours)
	if err != nil {
		h.metrics.StoreErrors.WithLabelValues("history").Inc()
		if refreshed == nil {
			h.logger.Errorw("Failed to read history", "city", q.City, "error", err)
			sendError(w, http.StatusInternalServerError, "Database error", err.Error())
			return
		}
		h.logger.Warnw("Failed to read history, returning refreshed record only", "city", q.City, "error", err)
		history = []model.WeatherRecord{refreshed.ToRecord(key)}
	}
	if history == nil {
		history = []model.WeatherRecord{}
	}

	sendJSON(w, http.StatusOK, model.HistoryResponse{
		City:  q.City,
		Count: len(history),
		Hours: q.Hours,
		Limit: q.Limit,
		Data:  history,
	})

	h.logger.Infow("History served",
		"city", q.City,
		"count", len(history),
		"refreshed", refreshed != nil,
		"duration_ms", time.Since(start).Milliseconds())
}

// GetForecast serves GET /api/forecast.
func (h *WeatherHandler) GetForecast(w http.ResponseWriter, r *http.Request) {
	q := forecastQuery{City: strings.TrimSpace(r.URL.Query().Get("city"))}
	if err := validate.Struct(q); err != nil {
		sendError(w, http.StatusBadRequest, "Missing 'city' query parameter", "")
		return
	}
	if h.client == nil {
		sendError(w, http.StatusInternalServerError, "Weather service not configured", "")
		return
	}

	forecast, err := h.client.GetForecast(r.Context(), q.City)
	if err != nil {
		h.logger.Errorw("Failed to fetch forecast", "city", q.City, "error", err)
		sendUpstreamError(w, err)
		return
	}

	city := forecast.City
	if city == "" {
		city = q.City
	}
	entries := forecast.Entries
	if entries == nil {
		entries = []model.ForecastEntry{}
	}
	sendJSON(w, http.StatusOK, model.ForecastResponse{
		City:  city,
		Count: len(entries),
		Data:  entries,
	})
}

// HealthCheck reports liveness only; it does not probe dependencies.
func (h *WeatherHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	sendJSON(w, http.StatusOK, model.HealthResponse{Status: "ok"})
}

// ReadinessCheck serves GET /api/ready and reports whether the history store answers.
func (h *WeatherHandler) ReadinessCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readinessTimeout)
	defer cancel()

	if err := h.store.Ping(ctx); err != nil {
		h.logger.Errorw("Readiness check: history store unavailable", "error", err)
		sendJSON(w, http.StatusServiceUnavailable, model.HealthResponse{Status: "degraded", Store: "unhealthy"})
		return
	}
	sendJSON(w, http.StatusOK, model.HealthResponse{Status: "ok", Store: "healthy"})
}

func (h *WeatherHandler) isStale(ctx context.Context, key string) bool {
	latest, err := h.store.QueryLatestByKey(ctx, key)
	if err != nil {
		h.logger.Warnw("Failed to read latest record, treating as stale", "key", key, "error", err)
		h.metrics.StoreErrors.WithLabelValues("latest").Inc()
		return true
	}
	return !cache.IsFresh(latest, h.ttl, h.now())
}

// parseHistoryQuery returns the validated query, or a client-facing message.
func parseHistoryQuery(r *http.Request) (historyQuery, string, bool) {
	values := r.URL.Query()
	q := historyQuery{
		City:  strings.TrimSpace(values.Get("city")),
		Limit: defaultHistoryLimit,
	}
	if q.City == "" {
		return q, "Missing 'city' query parameter", false
	}

	if raw := values.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return q, "'limit' must be a positive integer", false
		}
		q.Limit = n
	}
	if raw := values.Get("hours"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return q, "'hours' must be a positive integer", false
		}
		q.Hours = &n
	}

	if err := validate.Struct(q); err != nil {
		if fields, ok := err.(validator.ValidationErrors); ok && len(fields) > 0 {
			return q, "'" + strings.ToLower(fields[0].Field()) + "' must be a positive integer", false
		}
		return q, err.Error(), false
	}
	return q, "", true
}

func sendJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func sendError(w http.ResponseWriter, status int, errorMsg, details string) {
	sendJSON(w, status, model.ErrorResponse{
		Error:   errorMsg,
		Details: details,
	})
}

// sendUpstreamError reports a failed RPC as 502 with its status code and message.
func sendUpstreamError(w http.ResponseWriter, err error) {
	st := status.Convert(err)
	sendJSON(w, http.StatusBadGateway, model.ErrorResponse{
		Error:   "Weather service error",
		Code:    codeName(st.Code()),
		Details: st.Message(),
	})
}

// codeName renders a status code the way gRPC spells it on the wire, e.g. NOT_FOUND.
func codeName(c codes.Code) string {
	name := c.String()
	var b strings.Builder
	for i, r := range name {
		if i > 0 && unicode.IsUpper(r) && unicode.IsLower(rune(name[i-1])) {
			b.WriteByte('_')
		}
		b.WriteRune(unicode.ToUpper(r))
	}
	return b.String()
}

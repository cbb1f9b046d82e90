package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/gometeo/weathergw/internal/metrics"
	"github.com/gometeo/weathergw/internal/model"
)

const (
	// maxErrorBody caps how much of an error response is kept for diagnostics.
	maxErrorBody = 2048
	// defaultTimeout applies when Config.Timeout is unset.
	defaultTimeout = 5 * time.Second
)

// Current is the extracted current-conditions payload. Name is empty when the
// provider did not report one.
type Current struct {
	Name               string
	TemperatureCelsius float64
	Description        string
	Humidity           int
	WindSpeed          float64
}

type Config struct {
	APIKey        string
	BaseURL       string
	Timeout       time.Duration
	ForecastSteps int
	// RateLimitRPS of zero disables outbound rate limiting.
	RateLimitRPS   float64
	RateLimitBurst int
}

// OpenWeather talks to the OpenWeatherMap 2.5 API. Calls are never retried.
type OpenWeather struct {
	cfg     Config
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
	limiter *rate.Limiter
	logger  *zap.SugaredLogger
	metrics *metrics.Metrics
}

func NewOpenWeather(cfg Config, logger *zap.SugaredLogger, m *metrics.Metrics) *OpenWeather {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	p := &OpenWeather{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		logger:  logger,
		metrics: m,
	}

	p.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "openweather",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warnw("Provider circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
	})

	if cfg.RateLimitRPS > 0 {
		burst := cfg.RateLimitBurst
		if burst < 1 {
			burst = 1
		}
		p.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), burst)
	}
	return p
}

// FetchCurrent returns the current conditions for city.
func (p *OpenWeather) FetchCurrent(ctx context.Context, city string) (*Current, error) {
	body, err := p.get(ctx, "current", "/weather", city)
	if err != nil {
		return nil, err
	}

	var data map[string]any
	if err := json.Unmarshal(body, &data); err != nil {
		return nil, fmt.Errorf("%w: decode current weather: %v", ErrUnavailable, err)
	}

	main := object(data["main"])
	wind := object(data["wind"])

	cur := &Current{
		Name:               textOr(data["name"], ""),
		TemperatureCelsius: numberOr(main["temp"], 0),
		Description:        firstDescription(data["weather"]),
		Humidity:           int(numberOr(main["humidity"], 0)),
		WindSpeed:          numberOr(wind["speed"], 0),
	}
	return cur, nil
}

// FetchForecast returns at most cfg.ForecastSteps 3-hour steps in provider order.
func (p *OpenWeather) FetchForecast(ctx context.Context, city string) (*model.Forecast, error) {
	body, err := p.get(ctx, "forecast", "/forecast", city)
	if err != nil {
		return nil, err
	}

	var data map[string]any
	if err := json.Unmarshal(body, &data); err != nil {
		return nil, fmt.Errorf("%w: decode forecast: %v", ErrUnavailable, err)
	}

	list, _ := data["list"].([]any)
	if steps := p.cfg.ForecastSteps; steps >= 0 && len(list) > steps {
		list = list[:steps]
	}

	forecast := &model.Forecast{
		City:    textOr(object(data["city"])["name"], city),
		Entries: make([]model.ForecastEntry, 0, len(list)),
	}
	for _, raw := range list {
		item := object(raw)
		main := object(item["main"])
		forecast.Entries = append(forecast.Entries, model.ForecastEntry{
			Timestamp:          textOr(item["dt_txt"], ""),
			TemperatureCelsius: numberOr(main["temp"], 0),
			Description:        firstDescription(item["weather"]),
			Humidity:           int(numberOr(main["humidity"], 0)),
			WindSpeed:          numberOr(object(item["wind"])["speed"], 0),
		})
	}
	return forecast, nil
}

func (p *OpenWeather) get(ctx context.Context, op, path, city string) (body []byte, err error) {
	start := time.Now()
	defer func() {
		p.metrics.ProviderRequests.WithLabelValues(op, outcome(err)).Inc()
		p.metrics.ProviderLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}()

	if p.cfg.APIKey == "" {
		return nil, ErrNotConfigured
	}

	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("%w: rate limit wait: %v", ErrUnavailable, err)
		}
	}

	params := url.Values{}
	params.Set("q", city)
	params.Set("appid", p.cfg.APIKey)
	params.Set("units", "metric")
	endpoint := strings.TrimRight(p.cfg.BaseURL, "/") + path + "?" + params.Encode()

	// A 404 is a valid answer, not a provider fault, so it never counts against the breaker.
	notFound := false
	result, err := p.breaker.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return nil, fmt.Errorf("build request: %w", err)
		}

		resp, err := p.client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("%w: Error calling OpenWeatherMap: %v", ErrUnavailable, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusNotFound {
			notFound = true
			return nil, nil
		}
		if resp.StatusCode != http.StatusOK {
			snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
			return nil, &StatusError{Status: resp.StatusCode, Body: string(snippet)}
		}

		b, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("%w: read response: %v", ErrUnavailable, err)
		}
		return b, nil
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if err != nil {
		p.logger.Warnw("Provider request failed", "operation", op, "city", city, "error", err)
		return nil, err
	}
	if notFound {
		return nil, ErrCityNotFound
	}
	return result.([]byte), nil
}

func object(v any) map[string]any {
	m, _ := v.(map[string]any)
	return m
}

func numberOr(v any, def float64) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case string:
		if f, err := strconv.ParseFloat(strings.TrimSpace(n), 64); err == nil {
			return f
		}
	}
	return def
}

func textOr(v any, def string) string {
	if s, ok := v.(string); ok && s != "" {
		return s
	}
	return def
}

func firstDescription(v any) string {
	items, _ := v.([]any)
	if len(items) == 0 {
		return "n/a"
	}
	return textOr(object(items[0])["description"], "n/a")
}

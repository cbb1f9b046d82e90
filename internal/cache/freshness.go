// Package cache decides whether the newest stored observation for a key can be
// served as-is or must be refreshed from the provider.
//
// The history store is the cache: there is no separate cache tier, no write-back,
// no negative caching, and no locking. Two concurrent misses for one key both
// refresh and both append; the newest created_at wins on the next read.
package cache

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/gometeo/weathergw/internal/metrics"
	"github.com/gometeo/weathergw/internal/model"
)

// LatestReader is the slice of the history store the cache needs.
type LatestReader interface {
	QueryLatestByKey(ctx context.Context, cacheKey string) (*model.WeatherRecord, error)
}

// Key normalizes a city name into the cache key: trimmed and lower-cased.
func Key(city string) string {
	return strings.ToLower(strings.TrimSpace(city))
}

// IsFresh reports whether rec exists, carries a created_at, and is at most ttl old at now.
func IsFresh(rec *model.WeatherRecord, ttl time.Duration, now time.Time) bool {
	if rec == nil || rec.CreatedAt == nil {
		return false
	}
	age := model.EpochSeconds(now) - *rec.CreatedAt
	return age <= ttl.Seconds()
}

type Freshness struct {
	store   LatestReader
	ttl     time.Duration
	now     func() time.Time
	logger  *zap.SugaredLogger
	metrics *metrics.Metrics
}

func New(store LatestReader, ttl time.Duration, logger *zap.SugaredLogger, m *metrics.Metrics) *Freshness {
	return &Freshness{
		store:   store,
		ttl:     ttl,
		now:     time.Now,
		logger:  logger,
		metrics: m,
	}
}

// WithClock swaps the clock. Tests only.
func (f *Freshness) WithClock(now func() time.Time) *Freshness {
	f.now = now
	return f
}

func (f *Freshness) TTL() time.Duration { return f.ttl }

// Lookup returns the stored observation for cacheKey when it is still fresh.
// Store failures count as a miss so the caller refreshes instead of failing.
func (f *Freshness) Lookup(ctx context.Context, cacheKey, fallbackCity string) (*model.CurrentWeather, bool) {
	rec, err := f.store.QueryLatestByKey(ctx, cacheKey)
	if err != nil {
		f.logger.Warnw("Failed to read cache record", "key", cacheKey, "error", err)
		f.metrics.StoreErrors.WithLabelValues("latest").Inc()
		return f.miss()
	}
	if rec == nil {
		f.logger.Infow("No cache record", "city", fallbackCity)
		return f.miss()
	}
	if rec.CreatedAt == nil {
		f.logger.Infow("Cache record has no created_at, skipping", "city", fallbackCity)
		return f.miss()
	}

	now := f.now()
	age := model.EpochSeconds(now) - *rec.CreatedAt
	if !IsFresh(rec, f.ttl, now) {
		f.logger.Infow("Cache expired",
			"city", fallbackCity,
			"age_s", age,
			"ttl_s", f.ttl.Seconds())
		return f.miss()
	}

	f.logger.Infow("Using cached weather", "city", fallbackCity, "age_s", age)
	f.metrics.CacheLookups.WithLabelValues("hit").Inc()
	return hydrate(rec, fallbackCity, now), true
}

func (f *Freshness) miss() (*model.CurrentWeather, bool) {
	f.metrics.CacheLookups.WithLabelValues("miss").Inc()
	return nil, false
}

// hydrate turns a stored record back into the response shape.
func hydrate(rec *model.WeatherRecord, fallbackCity string, now time.Time) *model.CurrentWeather {
	city := rec.City
	if city == "" {
		city = fallbackCity
	}
	ts := rec.Timestamp
	if ts == "" {
		ts = model.FormatTimestamp(now)
	}
	return &model.CurrentWeather{
		City:               city,
		TemperatureCelsius: rec.TemperatureCelsius,
		Description:        rec.Description,
		Humidity:           rec.Humidity,
		WindSpeed:          rec.WindSpeed,
		Timestamp:          ts,
	}
}

package storage

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode"

	"go.uber.org/zap"

	"github.com/gometeo/weathergw/internal/cache"
	"github.com/gometeo/weathergw/internal/config"
	"github.com/gometeo/weathergw/internal/model"
)

// Store is the append-only weather history. It doubles as the freshness cache:
// the current value for a key is the record with the largest created_at.
type Store interface {
	// Insert appends rec, stamping created_at with the store clock.
	Insert(ctx context.Context, rec model.WeatherRecord) error
	// QueryHistory returns at most limit records for city, newest first.
	// A nil maxAgeHours disables the age filter.
	QueryHistory(ctx context.Context, city string, limit int, maxAgeHours *int) ([]model.WeatherRecord, error)
	// QueryLatestByKey returns the newest record for an exact cache key, or nil.
	QueryLatestByKey(ctx context.Context, cacheKey string) (*model.WeatherRecord, error)
	Ping(ctx context.Context) error
	Close() error
}

// Options are shared by every backend.
type Options struct {
	// LegacyCityMatch also matches rows written before cache keys existed,
	// by raw city equality against a few case variants of the query.
	LegacyCityMatch bool
	Now             func() time.Time
	Logger          *zap.SugaredLogger
}

func (o Options) withDefaults() Options {
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop().Sugar()
	}
	return o
}

// CacheKey normalizes a city name into the key used for every freshness lookup.
func CacheKey(city string) string {
	return cache.Key(city)
}

// Open connects the backend selected by cfg.StoreDriver.
func Open(ctx context.Context, cfg *config.Config, logger *zap.SugaredLogger) (Store, error) {
	opts := Options{LegacyCityMatch: cfg.LegacyCityMatch, Logger: logger}

	switch cfg.StoreDriver {
	case "mongo":
		return NewMongo(ctx, cfg.MongoURI, cfg.MongoDatabase, cfg.MongoCollection, opts)
	case "postgres":
		return NewPostgres(ctx, cfg.DBDSN, opts)
	case "redis":
		return NewRedis(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, opts)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
}

// stamp sets created_at last so nothing copied into rec earlier can override it.
func stamp(rec model.WeatherRecord, now time.Time) model.WeatherRecord {
	createdAt := model.EpochSeconds(now)
	rec.CreatedAt = &createdAt
	return rec
}

// cutoff converts an hours window into the minimum created_at, or nil for no window.
func cutoff(now time.Time, maxAgeHours *int) *float64 {
	if maxAgeHours == nil {
		return nil
	}
	c := model.EpochSeconds(now) - float64(*maxAgeHours)*3600
	return &c
}

// legacyCityVariants lists the raw city spellings older rows may carry:
// the trimmed input, capitalized, lower-cased and upper-cased, without duplicates.
func legacyCityVariants(city string) []string {
	city = strings.TrimSpace(city)
	if city == "" {
		return nil
	}
	candidates := []string{city, capitalize(city), strings.ToLower(city), strings.ToUpper(city)}

	seen := make(map[string]struct{}, len(candidates))
	out := make([]string, 0, len(candidates))
	for _, c := range candidates {
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	return out
}

func capitalize(s string) string {
	r := []rune(strings.ToLower(s))
	if len(r) == 0 {
		return s
	}
	r[0] = unicode.ToUpper(r[0])
	return string(r)
}

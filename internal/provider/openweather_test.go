package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gometeo/weathergw/internal/logger"
	"github.com/gometeo/weathergw/internal/metrics"
)

const currentBody = `{
	"name": "Bucharest",
	"main": {"temp": 21.5, "humidity": 40},
	"weather": [{"description": "clear sky"}],
	"wind": {"speed": 3.2}
}`

func newTestProvider(t *testing.T, handler http.HandlerFunc, mutate ...func(*Config)) (*OpenWeather, *metrics.Metrics) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cfg := Config{
		APIKey:        "test-key",
		BaseURL:       srv.URL,
		Timeout:       2 * time.Second,
		ForecastSteps: 8,
	}
	for _, fn := range mutate {
		fn(&cfg)
	}
	m := metrics.Nop()
	return NewOpenWeather(cfg, logger.Nop(), m), m
}

func TestFetchCurrent_Success(t *testing.T) {
	p, m := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/weather", r.URL.Path)
		assert.Equal(t, "Bucharest", r.URL.Query().Get("q"))
		assert.Equal(t, "test-key", r.URL.Query().Get("appid"))
		assert.Equal(t, "metric", r.URL.Query().Get("units"))
		fmt.Fprint(w, currentBody)
	})

	got, err := p.FetchCurrent(context.Background(), "Bucharest")
	require.NoError(t, err)
	assert.Equal(t, &Current{
		Name:               "Bucharest",
		TemperatureCelsius: 21.5,
		Description:        "clear sky",
		Humidity:           40,
		WindSpeed:          3.2,
	}, got)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ProviderRequests.WithLabelValues("current", "ok")))
}

func TestFetchCurrent_DefaultsForMissingFields(t *testing.T) {
	tests := []struct {
		name string
		body string
		want Current
	}{
		{"empty object", `{}`, Current{Description: "n/a"}},
		{"empty weather list", `{"name":"Cluj","weather":[]}`, Current{Name: "Cluj", Description: "n/a"}},
		{"wrong types", `{"main":{"temp":"12.5","humidity":"x"},"wind":[]}`, Current{TemperatureCelsius: 12.5, Description: "n/a"}},
		{"partial main", `{"main":{"humidity":77.0}}`, Current{Humidity: 77, Description: "n/a"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, _ := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
				fmt.Fprint(w, tt.body)
			})
			got, err := p.FetchCurrent(context.Background(), "x")
			require.NoError(t, err)
			assert.Equal(t, tt.want, *got)
		})
	}
}

func TestFetchCurrent_ErrorOutcomes(t *testing.T) {
	t.Run("not found", func(t *testing.T) {
		p, m := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, `{"cod":"404","message":"city not found"}`, http.StatusNotFound)
		})
		_, err := p.FetchCurrent(context.Background(), "Atlantis")
		assert.ErrorIs(t, err, ErrCityNotFound)
		assert.Equal(t, "City not found", err.Error())
		assert.Equal(t, 1.0, testutil.ToFloat64(m.ProviderRequests.WithLabelValues("current", "not_found")))
	})

	t.Run("server error keeps status and body", func(t *testing.T) {
		p, _ := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "internal server error", http.StatusInternalServerError)
		})
		_, err := p.FetchCurrent(context.Background(), "Bucharest")
		require.ErrorIs(t, err, ErrUnavailable)

		var se *StatusError
		require.True(t, errors.As(err, &se))
		assert.Equal(t, http.StatusInternalServerError, se.Status)
		assert.Contains(t, se.Body, "internal server error")
		assert.Contains(t, err.Error(), "OpenWeatherMap API error: 500")
	})

	t.Run("missing api key never calls out", func(t *testing.T) {
		var calls int32
		p, _ := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&calls, 1)
		}, func(c *Config) { c.APIKey = "" })

		_, err := p.FetchCurrent(context.Background(), "Bucharest")
		assert.ErrorIs(t, err, ErrNotConfigured)
		assert.Contains(t, err.Error(), "OPENWEATHER_API_KEY")
		assert.Zero(t, atomic.LoadInt32(&calls))
	})

	t.Run("timeout is unavailable", func(t *testing.T) {
		p, _ := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
			time.Sleep(200 * time.Millisecond)
			fmt.Fprint(w, currentBody)
		}, func(c *Config) { c.Timeout = 20 * time.Millisecond })

		_, err := p.FetchCurrent(context.Background(), "Bucharest")
		assert.ErrorIs(t, err, ErrUnavailable)
		assert.Contains(t, err.Error(), "Error calling OpenWeatherMap")
	})

	t.Run("undecodable body is unavailable", func(t *testing.T) {
		p, _ := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, "<html>")
		})
		_, err := p.FetchCurrent(context.Background(), "Bucharest")
		assert.ErrorIs(t, err, ErrUnavailable)
	})
}

func TestNewOpenWeather_ZeroTimeoutUsesDefault(t *testing.T) {
	for _, timeout := range []time.Duration{0, -time.Second} {
		p, m := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, currentBody)
		}, func(c *Config) { c.Timeout = timeout })

		assert.Equal(t, defaultTimeout, p.cfg.Timeout)
		assert.Equal(t, defaultTimeout, p.client.Timeout)

		got, err := p.FetchCurrent(context.Background(), "Bucharest")
		require.NoError(t, err)
		assert.Equal(t, "Bucharest", got.Name)
		assert.Equal(t, 1.0, testutil.ToFloat64(m.ProviderRequests.WithLabelValues("current", "ok")))
	}
}

func TestCircuitBreaker(t *testing.T) {
	var calls int32
	p, _ := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		if r.URL.Query().Get("q") == "Atlantis" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusBadGateway)
	})
	ctx := context.Background()

	// Not-found answers are healthy responses.
	for i := 0; i < 10; i++ {
		_, err := p.FetchCurrent(ctx, "Atlantis")
		require.ErrorIs(t, err, ErrCityNotFound)
	}

	// Default settings trip after more than five consecutive failures.
	for i := 0; i < 6; i++ {
		_, err := p.FetchCurrent(ctx, "Bucharest")
		require.ErrorIs(t, err, ErrUnavailable)
	}
	before := atomic.LoadInt32(&calls)

	_, err := p.FetchCurrent(ctx, "Bucharest")
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, before, atomic.LoadInt32(&calls), "open breaker must short-circuit")
}

func TestFetchForecast(t *testing.T) {
	entry := func(i int) string {
		return fmt.Sprintf(`{"dt_txt":"2023-11-15 %02d:00:00","main":{"temp":%d,"humidity":50},"weather":[{"description":"step %d"}],"wind":{"speed":1.5}}`, i*3, i, i)
	}
	body := func(n int) string {
		items := make([]string, n)
		for i := range items {
			items[i] = entry(i)
		}
		return `{"city":{"name":"Bucharest"},"list":[` + strings.Join(items, ",") + `]}`
	}

	tests := []struct {
		name     string
		provided int
		steps    int
		want     int
	}{
		{"truncates to steps", 40, 8, 8},
		{"fewer than steps", 3, 8, 3},
		{"custom steps", 40, 2, 2},
		{"empty list", 0, 8, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, _ := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/forecast", r.URL.Path)
				fmt.Fprint(w, body(tt.provided))
			}, func(c *Config) { c.ForecastSteps = tt.steps })

			got, err := p.FetchForecast(context.Background(), "bucharest")
			require.NoError(t, err)
			assert.Equal(t, "Bucharest", got.City)
			require.Len(t, got.Entries, tt.want)
			for i, e := range got.Entries {
				assert.Equal(t, fmt.Sprintf("2023-11-15 %02d:00:00", i*3), e.Timestamp)
				assert.Equal(t, float64(i), e.TemperatureCelsius)
				assert.Equal(t, fmt.Sprintf("step %d", i), e.Description)
				assert.Equal(t, 50, e.Humidity)
				assert.Equal(t, 1.5, e.WindSpeed)
			}
		})
	}
}

func TestFetchForecast_Fallbacks(t *testing.T) {
	p, _ := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"list":[{}]}`)
	})

	got, err := p.FetchForecast(context.Background(), "Cluj")
	require.NoError(t, err)
	assert.Equal(t, "Cluj", got.City)
	require.Len(t, got.Entries, 1)
	assert.Equal(t, "", got.Entries[0].Timestamp)
	assert.Equal(t, "n/a", got.Entries[0].Description)
}

func TestFetchForecast_NotFound(t *testing.T) {
	p, _ := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	_, err := p.FetchForecast(context.Background(), "Atlantis")
	assert.ErrorIs(t, err, ErrCityNotFound)
}

func TestRateLimiter_WaitBoundedByTimeout(t *testing.T) {
	p, _ := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, currentBody)
	}, func(c *Config) {
		c.RateLimitRPS = 0.001
		c.RateLimitBurst = 1
		c.Timeout = 50 * time.Millisecond
	})
	ctx := context.Background()

	_, err := p.FetchCurrent(ctx, "Bucharest")
	require.NoError(t, err)

	_, err = p.FetchCurrent(ctx, "Bucharest")
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Contains(t, err.Error(), "rate limit")
}

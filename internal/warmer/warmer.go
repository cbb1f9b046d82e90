// Package warmer keeps a fixed set of cities fresh by calling GetCurrentWeather
// on an interval, so user requests for them are served from the store.
package warmer

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-co-op/gocron"
	"go.uber.org/zap"

	"github.com/gometeo/weathergw/internal/model"
)

const callTimeout = 30 * time.Second

// WeatherClient is the RPC surface the warmer drives.
type WeatherClient interface {
	GetCurrentWeather(ctx context.Context, city string) (*model.CurrentWeather, error)
}

type Warmer struct {
	scheduler *gocron.Scheduler
	client    WeatherClient
	cities    []string
	interval  time.Duration
	logger    *zap.SugaredLogger
}

func New(client WeatherClient, cities []string, interval time.Duration, logger *zap.SugaredLogger) *Warmer {
	return &Warmer{
		scheduler: gocron.NewScheduler(time.UTC),
		client:    client,
		cities:    cities,
		interval:  interval,
		logger:    logger,
	}
}

// Start schedules RunOnce every interval, starting now. Runs never overlap.
func (w *Warmer) Start() error {
	if len(w.cities) == 0 {
		w.logger.Warnw("No cities configured, nothing to warm")
		return nil
	}

	_, err := w.scheduler.Every(w.interval).SingletonMode().Do(func() {
		w.RunOnce(context.Background())
	})
	if err != nil {
		return err
	}

	w.scheduler.StartAsync()
	w.logger.Infow("Warmer started", "cities", len(w.cities), "interval", w.interval.String())
	return nil
}

func (w *Warmer) Stop() {
	w.scheduler.Stop()
}

// RunOnce requests every city concurrently and returns how many succeeded.
func (w *Warmer) RunOnce(ctx context.Context) int {
	start := time.Now()
	var ok atomic.Int32
	var wg sync.WaitGroup

	for _, city := range w.cities {
		wg.Add(1)
		go func(city string) {
			defer wg.Done()

			ctx, cancel := context.WithTimeout(ctx, callTimeout)
			defer cancel()

			weather, err := w.client.GetCurrentWeather(ctx, city)
			if err != nil {
				w.logger.Warnw("Warm request failed", "city", city, "error", err)
				return
			}
			ok.Add(1)
			w.logger.Debugw("City warmed", "city", weather.City, "timestamp", weather.Timestamp)
		}(city)
	}
	wg.Wait()

	warmed := int(ok.Load())
	w.logger.Infow("Warm run completed",
		"warmed", warmed,
		"failed", len(w.cities)-warmed,
		"duration_ms", time.Since(start).Milliseconds())
	return warmed
}

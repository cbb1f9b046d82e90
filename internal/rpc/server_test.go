package rpc

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/gometeo/weathergw/internal/cache"
	"github.com/gometeo/weathergw/internal/logger"
	"github.com/gometeo/weathergw/internal/metrics"
	"github.com/gometeo/weathergw/internal/model"
	"github.com/gometeo/weathergw/internal/provider"
)

const testKey = "secret"

var now = time.Unix(1_700_000_000, 0)

type memoryStore struct {
	mu        sync.Mutex
	records   []model.WeatherRecord
	insertErr error
	latestErr error
}

func (s *memoryStore) Insert(_ context.Context, rec model.WeatherRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.insertErr != nil {
		return s.insertErr
	}
	createdAt := model.EpochSeconds(now)
	rec.CreatedAt = &createdAt
	s.records = append(s.records, rec)
	return nil
}

func (s *memoryStore) QueryLatestByKey(_ context.Context, key string) (*model.WeatherRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.latestErr != nil {
		return nil, s.latestErr
	}
	var latest *model.WeatherRecord
	for i := range s.records {
		r := s.records[i]
		if r.CacheKey != key || r.CreatedAt == nil {
			continue
		}
		if latest == nil || *r.CreatedAt > *latest.CreatedAt {
			latest = &r
		}
	}
	return latest, nil
}

func (s *memoryStore) inserted() []model.WeatherRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.WeatherRecord(nil), s.records...)
}

type fakeProvider struct {
	mu           sync.Mutex
	current      *provider.Current
	forecast     *model.Forecast
	err          error
	delay        time.Duration
	currentCalls []string
}

func (p *fakeProvider) FetchCurrent(ctx context.Context, city string) (*provider.Current, error) {
	if p.delay > 0 {
		select {
		case <-time.After(p.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.currentCalls = append(p.currentCalls, city)
	if p.err != nil {
		return nil, p.err
	}
	return p.current, nil
}

func (p *fakeProvider) FetchForecast(_ context.Context, city string) (*model.Forecast, error) {
	if p.err != nil {
		return nil, p.err
	}
	return p.forecast, nil
}

func (p *fakeProvider) calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.currentCalls)
}

type recordingPublisher struct {
	mu      sync.Mutex
	keys    []string
	ctxErrs []error
	err     error
	// release, when set, holds every publish until it is closed or the
	// publish context ends.
	release chan struct{}
}

func (p *recordingPublisher) PublishRefreshed(ctx context.Context, key string, _ model.CurrentWeather) error {
	if p.release != nil {
		select {
		case <-p.release:
		case <-ctx.Done():
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.keys = append(p.keys, key)
	p.ctxErrs = append(p.ctxErrs, ctx.Err())
	if err := ctx.Err(); err != nil {
		return err
	}
	return p.err
}

func (p *recordingPublisher) published() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.keys...)
}

func (p *recordingPublisher) contextErrors() []error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]error(nil), p.ctxErrs...)
}

func (p *recordingPublisher) Close() error { return nil }

type harness struct {
	store     *memoryStore
	provider  *fakeProvider
	publisher *recordingPublisher
	metrics   *metrics.Metrics
	server    *Server
}

func newHarness() *harness {
	h := &harness{
		store: &memoryStore{},
		provider: &fakeProvider{current: &provider.Current{
			Name:               "Bucharest",
			TemperatureCelsius: 18.25,
			Description:        "few clouds",
			Humidity:           55,
			WindSpeed:          4.1,
		}},
		publisher: &recordingPublisher{},
		metrics:   metrics.Nop(),
	}
	log := logger.Nop()
	fresh := cache.New(h.store, 300*time.Second, log, h.metrics).WithClock(func() time.Time { return now })
	h.server = NewServer(fresh, h.provider, h.store, h.publisher, log, h.metrics).
		WithClock(func() time.Time { return now })
	return h
}

// dial serves h over an in-memory listener with serverKey expected and
// returns a client sending clientKey.
func (h *harness) dial(t *testing.T, serverKey, clientKey string) *Client {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	g := NewGRPCServer(h.server, serverKey)
	go func() { _ = g.Serve(lis) }()
	t.Cleanup(g.Stop)

	client, err := NewClient("passthrough:///bufnet", clientKey,
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func storedBucharest(age time.Duration) model.WeatherRecord {
	createdAt := model.EpochSeconds(now.Add(-age))
	return model.WeatherRecord{
		CacheKey:           "bucharest",
		City:               "Bucharest",
		TemperatureCelsius: 21.5,
		Description:        "clear sky",
		Humidity:           40,
		WindSpeed:          3.2,
		Timestamp:          "2023-11-14T22:12:20Z",
		CreatedAt:          &createdAt,
	}
}

func assertCode(t *testing.T, err error, code codes.Code, msg string) {
	t.Helper()
	require.Error(t, err)
	st, ok := status.FromError(err)
	require.True(t, ok, "not a status error: %v", err)
	assert.Equal(t, code, st.Code())
	if msg != "" {
		assert.Equal(t, msg, st.Message())
	}
}

func TestGetCurrentWeather_FreshHitSkipsProvider(t *testing.T) {
	h := newHarness()
	h.store.records = []model.WeatherRecord{storedBucharest(60 * time.Second)}
	client := h.dial(t, testKey, testKey)

	got, err := client.GetCurrentWeather(context.Background(), "  BUCHAREST ")
	require.NoError(t, err)
	assert.Equal(t, &model.CurrentWeather{
		City:               "Bucharest",
		TemperatureCelsius: 21.5,
		Description:        "clear sky",
		Humidity:           40,
		WindSpeed:          3.2,
		Timestamp:          "2023-11-14T22:12:20Z",
	}, got)
	assert.Zero(t, h.provider.calls())
	assert.Len(t, h.store.inserted(), 1)
	h.server.Drain()
	assert.Empty(t, h.publisher.published())
}

func TestGetCurrentWeather_StaleRefreshes(t *testing.T) {
	h := newHarness()
	h.store.records = []model.WeatherRecord{storedBucharest(400 * time.Second)}
	client := h.dial(t, testKey, testKey)

	got, err := client.GetCurrentWeather(context.Background(), "Bucharest")
	require.NoError(t, err)
	assert.Equal(t, &model.CurrentWeather{
		City:               "Bucharest",
		TemperatureCelsius: 18.25,
		Description:        "few clouds",
		Humidity:           55,
		WindSpeed:          4.1,
		Timestamp:          "2023-11-14T22:13:20Z",
	}, got)
	assert.Equal(t, []string{"Bucharest"}, h.provider.currentCalls)

	records := h.store.inserted()
	require.Len(t, records, 2)
	last := records[1]
	assert.Equal(t, "bucharest", last.CacheKey)
	assert.Equal(t, "Bucharest", last.City)
	assert.Equal(t, 18.25, last.TemperatureCelsius)
	require.NotNil(t, last.CreatedAt)
	assert.Equal(t, model.EpochSeconds(now), *last.CreatedAt)
	h.server.Drain()
	assert.Equal(t, []string{"bucharest"}, h.publisher.published())

	// The refreshed record now serves the next call.
	_, err = client.GetCurrentWeather(context.Background(), "bucharest")
	require.NoError(t, err)
	assert.Equal(t, 1, h.provider.calls())
}

func TestGetCurrentWeather_MissingNameFallsBackToRequest(t *testing.T) {
	h := newHarness()
	h.provider.current = &provider.Current{Description: "n/a"}
	client := h.dial(t, testKey, testKey)

	got, err := client.GetCurrentWeather(context.Background(), " Cluj-Napoca ")
	require.NoError(t, err)
	assert.Equal(t, "Cluj-Napoca", got.City)
	assert.Equal(t, "cluj-napoca", h.store.inserted()[0].CacheKey)
}

func TestGetCurrentWeather_ProviderOutcomes(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code codes.Code
		msg  string
	}{
		{"city not found", provider.ErrCityNotFound, codes.NotFound, "City not found"},
		{"provider not configured", provider.ErrNotConfigured, codes.Unavailable, "Missing OPENWEATHER_API_KEY"},
		{"provider error status", &provider.StatusError{Status: 500, Body: "boom"}, codes.Unavailable, "OpenWeatherMap API error: 500 - boom"},
		{"transport failure", errors.New("dial tcp: connection refused"), codes.Unavailable, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness()
			h.provider.err = tt.err
			client := h.dial(t, testKey, testKey)

			_, err := client.GetCurrentWeather(context.Background(), "Atlantis")
			assertCode(t, err, tt.code, tt.msg)
			assert.Empty(t, h.store.inserted())
			h.server.Drain()
			assert.Empty(t, h.publisher.published())
		})
	}
}

func TestGetCurrentWeather_SideEffectFailuresAreSwallowed(t *testing.T) {
	h := newHarness()
	h.store.insertErr = errors.New("disk full")
	h.store.latestErr = errors.New("connection reset")
	h.publisher.err = errors.New("no brokers")
	client := h.dial(t, testKey, testKey)

	got, err := client.GetCurrentWeather(context.Background(), "Bucharest")
	require.NoError(t, err)
	assert.Equal(t, 18.25, got.TemperatureCelsius)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.StoreErrors.WithLabelValues("insert")))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.StoreErrors.WithLabelValues("latest")))
	h.server.Drain()
	assert.Equal(t, []string{"bucharest"}, h.publisher.published())
}

func TestGetCurrentWeather_SlowPublisherDoesNotHoldResponse(t *testing.T) {
	h := newHarness()
	h.publisher.release = make(chan struct{})
	client := h.dial(t, testKey, testKey)

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	got, err := client.GetCurrentWeather(ctx, "Bucharest")
	require.NoError(t, err)
	assert.Equal(t, 18.25, got.TemperatureCelsius)
	assert.Len(t, h.store.inserted(), 1)
	assert.Empty(t, h.publisher.published(), "publish must still be pending")

	// The RPC has finished, so its context is done; the publish must not be.
	close(h.publisher.release)
	h.server.Drain()
	assert.Equal(t, []string{"bucharest"}, h.publisher.published())
	assert.Equal(t, []error{nil}, h.publisher.contextErrors())
}

func TestGetCurrentWeather_StuckPublisherGivesUp(t *testing.T) {
	h := newHarness()
	h.publisher.release = make(chan struct{})
	h.server.publishTimeout = 50 * time.Millisecond
	client := h.dial(t, testKey, testKey)

	_, err := client.GetCurrentWeather(context.Background(), "Bucharest")
	require.NoError(t, err)

	h.server.Drain()
	errs := h.publisher.contextErrors()
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], context.DeadlineExceeded)
}

func TestGetCurrentWeather_RefreshSurvivesCallerDeadline(t *testing.T) {
	h := newHarness()
	h.provider.delay = 300 * time.Millisecond
	client := h.dial(t, testKey, testKey)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := client.GetCurrentWeather(ctx, "Bucharest")
	assertCode(t, err, codes.DeadlineExceeded, "")

	require.Eventually(t, func() bool {
		return len(h.store.inserted()) == 1
	}, 2*time.Second, 20*time.Millisecond)
	assert.Equal(t, "bucharest", h.store.inserted()[0].CacheKey)

	h.server.Drain()
	assert.Equal(t, []string{"bucharest"}, h.publisher.published())
}

func TestValidation_EmptyCity(t *testing.T) {
	h := newHarness()
	client := h.dial(t, testKey, testKey)

	for _, city := range []string{"", "   "} {
		_, err := client.GetCurrentWeather(context.Background(), city)
		assertCode(t, err, codes.InvalidArgument, "City name must not be empty")

		_, err = client.GetForecast(context.Background(), city)
		assertCode(t, err, codes.InvalidArgument, "City name must not be empty")
	}
	assert.Zero(t, h.provider.calls())
}

func TestAuth(t *testing.T) {
	tests := []struct {
		name      string
		serverKey string
		clientKey string
		code      codes.Code
		msg       string
	}{
		{"missing key", testKey, "", codes.Unauthenticated, "Missing x-api-key"},
		{"wrong key", testKey, "nope", codes.PermissionDenied, "Invalid x-api-key"},
		{"server key unset", "", testKey, codes.Unavailable, "Missing GRPC_API_KEY"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness()
			client := h.dial(t, tt.serverKey, tt.clientKey)

			_, err := client.GetCurrentWeather(context.Background(), "Bucharest")
			assertCode(t, err, tt.code, tt.msg)

			_, err = client.GetForecast(context.Background(), "Bucharest")
			assertCode(t, err, tt.code, tt.msg)

			assert.Zero(t, h.provider.calls())
			assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.RPCRequests.WithLabelValues("GetCurrentWeather", tt.code.String())))
		})
	}
}

func TestGetForecast(t *testing.T) {
	h := newHarness()
	h.provider.forecast = &model.Forecast{
		City: "Bucharest",
		Entries: []model.ForecastEntry{
			{Timestamp: "2023-11-15 00:00:00", TemperatureCelsius: 5, Description: "mist", Humidity: 90, WindSpeed: 1},
			{Timestamp: "2023-11-15 03:00:00", TemperatureCelsius: 4, Description: "fog", Humidity: 95, WindSpeed: 0.5},
		},
	}
	client := h.dial(t, testKey, testKey)

	got, err := client.GetForecast(context.Background(), "Bucharest")
	require.NoError(t, err)
	assert.Equal(t, h.provider.forecast, got)
	assert.Empty(t, h.store.inserted(), "forecasts are not persisted")
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.RPCRequests.WithLabelValues("GetForecast", "OK")))

	h.provider.err = provider.ErrCityNotFound
	_, err = client.GetForecast(context.Background(), "Atlantis")
	assertCode(t, err, codes.NotFound, "City not found")
}

package provider

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConfigured means no provider API key is set. Nothing was sent.
	ErrNotConfigured = errors.New("Missing OPENWEATHER_API_KEY")
	// ErrCityNotFound is the provider's explicit 404.
	ErrCityNotFound = errors.New("City not found")
	// ErrUnavailable covers transport failures, timeouts and unexpected statuses.
	ErrUnavailable = errors.New("weather provider unavailable")
)

// StatusError is a non-200, non-404 provider response.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("OpenWeatherMap API error: %d - %s", e.Status, e.Body)
}

func (e *StatusError) Unwrap() error { return ErrUnavailable }

// outcome labels an error for metrics.
func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrCityNotFound):
		return "not_found"
	case errors.Is(err, ErrNotConfigured):
		return "not_configured"
	default:
		return "unavailable"
	}
}

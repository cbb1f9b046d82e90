package model

import "time"

// TimestampLayout is the ISO-8601 UTC layout used for observation timestamps.
const TimestampLayout = "2006-01-02T15:04:05Z"

// WeatherRecord is one stored observation for one city.
// CreatedAt is owned by the store and is nil on legacy rows that never had it.
type WeatherRecord struct {
	CacheKey           string   `json:"cache_key" bson:"cache_key"`
	City               string   `json:"city" bson:"city"`
	TemperatureCelsius float64  `json:"temperature_celsius" bson:"temperature_celsius"`
	Description        string   `json:"description" bson:"description"`
	Humidity           int      `json:"humidity" bson:"humidity"`
	WindSpeed          float64  `json:"wind_speed" bson:"wind_speed"`
	Timestamp          string   `json:"timestamp" bson:"timestamp"`
	CreatedAt          *float64 `json:"created_at" bson:"created_at"`
}

// CurrentWeather is the response shape of GetCurrentWeather.
type CurrentWeather struct {
	City               string  `json:"city"`
	TemperatureCelsius float64 `json:"temperature_celsius"`
	Description        string  `json:"description"`
	Humidity           int     `json:"humidity"`
	WindSpeed          float64 `json:"wind_speed"`
	Timestamp          string  `json:"timestamp"`
}

// ToRecord builds the record persisted for a fetched observation.
// CreatedAt is left nil; the store assigns it.
func (c CurrentWeather) ToRecord(cacheKey string) WeatherRecord {
	return WeatherRecord{
		CacheKey:           cacheKey,
		City:               c.City,
		TemperatureCelsius: c.TemperatureCelsius,
		Description:        c.Description,
		Humidity:           c.Humidity,
		WindSpeed:          c.WindSpeed,
		Timestamp:          c.Timestamp,
	}
}

// ForecastEntry is one forecast step.
type ForecastEntry struct {
	Timestamp          string  `json:"timestamp"`
	TemperatureCelsius float64 `json:"temperature_celsius"`
	Description        string  `json:"description"`
	Humidity           int     `json:"humidity"`
	WindSpeed          float64 `json:"wind_speed"`
}

// Forecast is the response shape of GetForecast. Entries are chronological.
type Forecast struct {
	City    string          `json:"city"`
	Entries []ForecastEntry `json:"entries"`
}

// WeatherRefreshed is published after a successful upstream fetch.
type WeatherRefreshed struct {
	ID         string         `json:"id"`
	CacheKey   string         `json:"cache_key"`
	Weather    CurrentWeather `json:"weather"`
	OccurredAt time.Time      `json:"occurred_at"`
}

// FormatTimestamp renders t in TimestampLayout.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// EpochSeconds converts t to fractional epoch seconds, the unit of CreatedAt.
func EpochSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

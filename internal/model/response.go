package model

// ErrorResponse is the gateway's error body. Code and Details are set when an
// upstream RPC failed.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}

// HistoryResponse is the body of GET /api/weather. Hours is null when no window was requested.
type HistoryResponse struct {
	City  string          `json:"city"`
	Count int             `json:"count"`
	Hours *int            `json:"hours"`
	Limit int             `json:"limit"`
	Data  []WeatherRecord `json:"data"`
}

// ForecastResponse is the body of GET /api/forecast.
type ForecastResponse struct {
	City  string          `json:"city"`
	Count int             `json:"count"`
	Data  []ForecastEntry `json:"data"`
}

// HealthResponse is the liveness and readiness body. Store is only set by readiness.
type HealthResponse struct {
	Status string `json:"status"`
	Store  string `json:"store,omitempty"`
}

package models

import "time"

// Coordinates are only ever produced by a successful geocoding lookup.
type Coordinates struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

type HourlyPoint struct {
	Time         time.Time `json:"time"`
	TemperatureC float64   `json:"temperature"`
}

// Forecast is the result of one geocoding + weather round trip. Hourly holds at most
// 24 points in chronological order. FromCache is set only on copies served from cache.
type Forecast struct {
	PostalCode          string        `json:"postalCode"`
	CountryCode         string        `json:"countryCode"`
	Coordinates         Coordinates   `json:"coordinates"`
	CurrentTemperatureC float64       `json:"currentTemperature"`
	HighTemperatureC    float64       `json:"highTemperature"`
	LowTemperatureC     float64       `json:"lowTemperature"`
	Hourly              []HourlyPoint `json:"hourlyForecast"`
	GeneratedAt         time.Time     `json:"timestamp"`
	FromCache           bool          `json:"fromCache"`
}

// Location is a (postal code, country) pair as configured for warming and metrics.
type Location struct {
	PostalCode  string `yaml:"postal_code" json:"postalCode"`
	CountryCode string `yaml:"country_code" json:"countryCode"`
}

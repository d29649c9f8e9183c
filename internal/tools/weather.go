package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

const (
	geocodeEndpoint  = "https://geocoding-api.open-meteo.com/v1/search"
	forecastEndpoint = "https://api.open-meteo.com/v1/forecast"
)

type geoPoint struct {
	Name      string
	Country   string
	Latitude  float64
	Longitude float64
}

// weather geocodes a free-text location and fetches current conditions.
// An unknown location is reported as text so the model can ask the user
// to clarify instead of the turn failing.
func (r *Registry) weather(ctx context.Context, location string) (string, error) {
	location = strings.TrimSpace(location)
	if location == "" {
		return "", fmt.Errorf("empty location")
	}
	pt, ok, err := r.geocode(ctx, location)
	if err != nil {
		return "", err
	}
	if !ok {
		return "location not found", nil
	}

	q := url.Values{}
	q.Set("latitude", fmt.Sprintf("%.4f", pt.Latitude))
	q.Set("longitude", fmt.Sprintf("%.4f", pt.Longitude))
	q.Set("current", "temperature_2m,apparent_temperature,relative_humidity_2m,wind_speed_10m,weather_code")
	body, err := r.getJSON(ctx, forecastEndpoint+"?"+q.Encode())
	if err != nil {
		return "", fmt.Errorf("fetch conditions: %w", err)
	}

	var parsed struct {
		Current struct {
			Temperature float64 `json:"temperature_2m"`
			FeelsLike   float64 `json:"apparent_temperature"`
			Humidity    float64 `json:"relative_humidity_2m"`
			WindSpeed   float64 `json:"wind_speed_10m"`
			WeatherCode int     `json:"weather_code"`
		} `json:"current"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("decode conditions: %w", err)
	}
	c := parsed.Current
	return fmt.Sprintf("%s, %s: %s, %.1f°C (feels like %.1f°C), humidity %.0f%%, wind %.1f km/h",
		pt.Name, pt.Country, describeWeatherCode(c.WeatherCode), c.Temperature, c.FeelsLike, c.Humidity, c.WindSpeed), nil
}

func (r *Registry) geocode(ctx context.Context, location string) (geoPoint, bool, error) {
	key := strings.ToLower(location)
	if cached, found := r.geocache.Get(key); found {
		pt := cached.(geoPoint)
		return pt, true, nil
	}

	q := url.Values{}
	q.Set("name", location)
	q.Set("count", "1")
	body, err := r.getJSON(ctx, geocodeEndpoint+"?"+q.Encode())
	if err != nil {
		return geoPoint{}, false, fmt.Errorf("geocode: %w", err)
	}

	var parsed struct {
		Results []struct {
			Name      string  `json:"name"`
			Country   string  `json:"country"`
			Latitude  float64 `json:"latitude"`
			Longitude float64 `json:"longitude"`
		} `json:"results"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return geoPoint{}, false, fmt.Errorf("decode geocode response: %w", err)
	}
	if len(parsed.Results) == 0 {
		return geoPoint{}, false, nil
	}
	res := parsed.Results[0]
	pt := geoPoint{Name: res.Name, Country: res.Country, Latitude: res.Latitude, Longitude: res.Longitude}
	r.geocache.SetDefault(key, pt)
	return pt, true, nil
}

func (r *Registry) getJSON(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := r.httpc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}
	return body, nil
}

// describeWeatherCode maps WMO weather codes to short phrases.
func describeWeatherCode(code int) string {
	switch {
	case code == 0:
		return "clear sky"
	case code <= 3:
		return "partly cloudy"
	case code == 45 || code == 48:
		return "fog"
	case code >= 51 && code <= 57:
		return "drizzle"
	case code >= 61 && code <= 67:
		return "rain"
	case code >= 71 && code <= 77:
		return "snow"
	case code >= 80 && code <= 82:
		return "rain showers"
	case code == 85 || code == 86:
		return "snow showers"
	case code >= 95:
		return "thunderstorm"
	}
	return "unknown conditions"
}

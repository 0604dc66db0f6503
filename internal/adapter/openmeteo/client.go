// Package openmeteo fetches observations from the Open-Meteo forecast API.
package openmeteo

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/couchcryptid/crop-risk-alerts/internal/domain"
	"github.com/couchcryptid/crop-risk-alerts/internal/observability"
)

// DefaultBaseURL is the public Open-Meteo forecast endpoint.
const DefaultBaseURL = "https://api.open-meteo.com/v1/forecast"

const (
	currentVars = "temperature_2m,relative_humidity_2m,rain,precipitation,wind_speed_10m"
	hourlyVars  = "temperature_2m,relative_humidity_2m,rain,precipitation_probability,wind_speed_10m"
)

// Client implements domain.WeatherSource using the Open-Meteo forecast API.
type Client struct {
	httpClient *http.Client
	baseURL    string
	logger     *slog.Logger
	metrics    *observability.Metrics
}

// NewClient creates an Open-Meteo client. An empty baseURL selects the public
// endpoint.
func NewClient(baseURL string, timeout time.Duration, logger *slog.Logger, metrics *observability.Metrics) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		httpClient: &http.Client{
			Timeout: timeout,
		},
		baseURL: baseURL,
		logger:  logger,
		metrics: metrics,
	}
}

// Fetch returns the current conditions at a coordinate, the first hourly
// precipitation probability, and the number of consecutive rainy days in the
// three-day forecast starting today.
func (c *Client) Fetch(ctx context.Context, lat, lon float64) (domain.Observation, error) {
	params := url.Values{
		"latitude":      {strconv.FormatFloat(lat, 'f', 4, 64)},
		"longitude":     {strconv.FormatFloat(lon, 'f', 4, 64)},
		"current":       {currentVars},
		"hourly":        {hourlyVars},
		"forecast_days": {"3"},
		"timezone":      {"auto"},
	}

	start := time.Now()
	resp, err := c.doRequest(ctx, c.baseURL+"?"+params.Encode())
	c.metrics.WeatherAPIDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		c.metrics.WeatherRequests.WithLabelValues("error").Inc()
		c.logger.Warn("weather fetch failed", "lat", lat, "lon", lon, "error", err)
		return domain.Observation{}, err
	}
	c.metrics.WeatherRequests.WithLabelValues("success").Inc()

	obs := domain.Observation{
		Temperature:         resp.Current.Temperature,
		Humidity:            resp.Current.Humidity,
		RainfallMM:          resp.Current.Rain,
		WindSpeed:           resp.Current.WindSpeed,
		ConsecutiveRainDays: consecutiveRainDays(resp.Hourly.Time, resp.Hourly.Rain),
	}
	if len(resp.Hourly.PrecipitationProbability) > 0 && resp.Hourly.PrecipitationProbability[0] != nil {
		obs.RainProbability = *resp.Hourly.PrecipitationProbability[0]
	}
	return obs, nil
}

func (c *Client) doRequest(ctx context.Context, fullURL string) (response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return response{}, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return response{}, fmt.Errorf("forecast request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<10))
		return response{}, fmt.Errorf("open-meteo API error: status %d: %s", resp.StatusCode, body)
	}

	var out response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return response{}, fmt.Errorf("decode response: %w", err)
	}
	return out, nil
}

// consecutiveRainDays counts days, in forecast order from the first, that
// have any hour with rain, stopping at the first dry day.
func consecutiveRainDays(times []string, rain []*float64) int {
	var days []string
	wet := make(map[string]bool)
	for i, t := range times {
		day, _, _ := strings.Cut(t, "T")
		if _, seen := wet[day]; !seen {
			days = append(days, day)
			wet[day] = false
		}
		if i < len(rain) && rain[i] != nil && *rain[i] > 0 {
			wet[day] = true
		}
	}

	n := 0
	for _, day := range days {
		if !wet[day] {
			break
		}
		n++
	}
	return n
}

// Open-Meteo API response types.

type response struct {
	Current current `json:"current"`
	Hourly  hourly  `json:"hourly"`
}

type current struct {
	Temperature float64 `json:"temperature_2m"`
	Humidity    float64 `json:"relative_humidity_2m"`
	Rain        float64 `json:"rain"`
	WindSpeed   float64 `json:"wind_speed_10m"`
}

type hourly struct {
	Time                     []string   `json:"time"`
	Rain                     []*float64 `json:"rain"`
	PrecipitationProbability []*float64 `json:"precipitation_probability"`
}

package alerting

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/couchcryptid/crop-risk-alerts/internal/domain"
)

// Evaluator grades an observation for a crop.
type Evaluator interface {
	Evaluate(obs domain.Observation, crop string) domain.Verdict
}

// Alerter runs the alert pipeline for a verdict.
type Alerter interface {
	Dispatch(ctx context.Context, sub domain.Subscription, obs domain.Observation, v domain.Verdict) error
}

// Assessment is an observation with its verdict.
type Assessment struct {
	Weather domain.Observation `json:"weather"`
	Risk    domain.Verdict     `json:"risk"`
}

// Service answers on-demand risk requests.
type Service struct {
	weather domain.WeatherSource
	rules   Evaluator
	alerter Alerter
	logger  *slog.Logger
}

// NewService creates a Service.
func NewService(weather domain.WeatherSource, rules Evaluator, alerter Alerter, logger *slog.Logger) *Service {
	return &Service{weather: weather, rules: rules, alerter: alerter, logger: logger}
}

// EvaluateRisk fetches a fresh observation and grades it. A fetch failure is
// returned. High and critical verdicts are also dispatched; dispatch failures
// are logged and do not fail the call.
func (s *Service) EvaluateRisk(ctx context.Context, lat, lon float64, crop, recipient string) (Assessment, error) {
	if crop == "" {
		crop = domain.GenericCrop
	}
	obs, err := s.weather.Fetch(ctx, lat, lon)
	if err != nil {
		return Assessment{}, fmt.Errorf("fetch weather: %w", err)
	}

	a := s.Assess(obs, crop)
	if a.Risk.Severity.Alerting() {
		sub := domain.Subscription{RecipientID: recipient, Lat: lat, Lon: lon, Crop: crop}
		if err := s.alerter.Dispatch(ctx, sub, obs, a.Risk); err != nil {
			s.logger.Warn("dispatch on-demand alert failed", "user_id", recipient, "risk", a.Risk.Risk, "error", err)
		}
	}
	return a, nil
}

// Assess grades a caller-supplied observation without fetching or alerting.
func (s *Service) Assess(obs domain.Observation, crop string) Assessment {
	if crop == "" {
		crop = domain.GenericCrop
	}
	return Assessment{Weather: obs, Risk: s.rules.Evaluate(obs, crop)}
}

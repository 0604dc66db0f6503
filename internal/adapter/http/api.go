package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/couchcryptid/crop-risk-alerts/internal/alerting"
	"github.com/couchcryptid/crop-risk-alerts/internal/domain"
	"github.com/couchcryptid/crop-risk-alerts/internal/governance"
	sharedobs "github.com/couchcryptid/storm-data-shared/observability"
)

const maxBodyBytes = 1 << 16

func writeError(w http.ResponseWriter, status int, msg string) {
	sharedobs.WriteJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleCurrentWeather(w http.ResponseWriter, r *http.Request) {
	lat, lon, err := parseCoordinates(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	obs, err := s.deps.Weather.Fetch(r.Context(), lat, lon)
	if err != nil {
		s.logger.Warn("current weather failed", "lat", lat, "lon", lon, "error", err)
		writeError(w, http.StatusBadGateway, "weather data unavailable")
		return
	}
	sharedobs.WriteJSON(w, http.StatusOK, obs)
}

func (s *Server) handleRisk(w http.ResponseWriter, r *http.Request) {
	lat, lon, err := parseCoordinates(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	q := r.URL.Query()
	a, err := s.deps.Risk.EvaluateRisk(r.Context(), lat, lon, q.Get("crop"), q.Get("user_id"))
	if err != nil {
		s.logger.Warn("risk evaluation failed", "lat", lat, "lon", lon, "error", err)
		writeError(w, http.StatusBadGateway, "weather data unavailable")
		return
	}
	sharedobs.WriteJSON(w, http.StatusOK, a)
}

type riskTestRequest struct {
	Weather *domain.Observation `json:"weather"`
	Crop    string              `json:"crop"`
}

// handleRiskTest grades a supplied observation without fetching or alerting.
func (s *Server) handleRiskTest(w http.ResponseWriter, r *http.Request) {
	var req riskTestRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Weather == nil {
		writeError(w, http.StatusBadRequest, "weather object missing")
		return
	}
	sharedobs.WriteJSON(w, http.StatusOK, s.deps.Risk.Assess(*req.Weather, req.Crop))
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	sharedobs.WriteJSON(w, http.StatusOK, s.deps.Registry.Stats())
}

// handleFarmDeleted closes the live connections backed by a deleted farm.
func (s *Server) handleFarmDeleted(w http.ResponseWriter, r *http.Request) {
	recipient := strings.TrimSpace(r.URL.Query().Get("user_id"))
	if recipient == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	lat, lon, err := parseCoordinates(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	closed := s.deps.Registry.DisconnectByRecipientAndLocation(r.Context(), recipient, lat, lon, r.URL.Query().Get("crop"))
	sharedobs.WriteJSON(w, http.StatusOK, map[string]int{"closed": closed})
}

type pushTokenRequest struct {
	UserID string `json:"user_id"`
	Name   string `json:"name"`
	Token  string `json:"token"`
}

func (s *Server) handleRegisterToken(w http.ResponseWriter, r *http.Request) {
	var req pushTokenRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	err := s.deps.Tokens.Register(r.Context(), alerting.Recipient{ID: req.UserID, Name: req.Name, Token: req.Token})
	switch {
	case errors.Is(err, alerting.ErrInvalidRecipient):
		writeError(w, http.StatusBadRequest, err.Error())
	case err != nil:
		s.logger.Error("register push token failed", "user_id", req.UserID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to update push token")
	default:
		sharedobs.WriteJSON(w, http.StatusOK, map[string]string{
			"message": "push token updated",
			"user_id": strings.TrimSpace(req.UserID),
		})
	}
}

func (s *Server) handleForgetToken(w http.ResponseWriter, r *http.Request) {
	recipient := strings.TrimSpace(r.URL.Query().Get("user_id"))
	if recipient == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	if err := s.deps.Tokens.Forget(r.Context(), recipient); err != nil {
		s.logger.Error("delete push token failed", "user_id", recipient, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to delete push token")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type notificationRequest struct {
	UserID   string            `json:"user_id"`
	Title    string            `json:"title"`
	Body     string            `json:"body"`
	Type     string            `json:"type"`
	Severity string            `json:"severity"`
	FarmName string            `json:"farm_name"`
	Crop     string            `json:"crop"`
	Data     map[string]string `json:"data"`
	Force    bool              `json:"force"`
}

// handleNotify sends a push through governance. Low and medium weather
// notifications are queued for the recipient's next digest.
func (s *Server) handleNotify(w http.ResponseWriter, r *http.Request) {
	var req notificationRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var sev domain.Severity
	if req.Severity != "" {
		parsed, err := domain.ParseSeverity(req.Severity)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		sev = parsed
	}
	typ := strings.ToLower(strings.TrimSpace(req.Type))
	switch typ {
	case "", governance.TypeWeather, governance.TypeDisease, governance.TypeAction:
	default:
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown notification type %q", req.Type))
		return
	}

	recipient := strings.TrimSpace(req.UserID)
	out, err := s.deps.Notifications.Notify(r.Context(), alerting.NotificationRequest{
		Recipient: recipient,
		Type:      typ,
		Severity:  sev,
		Title:     strings.TrimSpace(req.Title),
		Body:      strings.TrimSpace(req.Body),
		Location:  req.FarmName,
		Crop:      req.Crop,
		Data:      req.Data,
		Force:     req.Force,
	})
	switch {
	case errors.Is(err, alerting.ErrInvalidNotification):
		writeError(w, http.StatusBadRequest, "user_id, title and body are required")
	case errors.Is(err, alerting.ErrPushRejected):
		s.logger.Warn("notification rejected", "user_id", recipient, "error", err)
		writeError(w, http.StatusBadGateway, err.Error())
	case err != nil:
		s.logger.Error("send notification failed", "user_id", recipient, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to send notification")
	case out.Status == alerting.OutcomeNoTarget:
		writeError(w, http.StatusNotFound, "no push token registered for user")
	case out.Status == alerting.OutcomeBatched:
		sharedobs.WriteJSON(w, http.StatusAccepted, out)
	default:
		sharedobs.WriteJSON(w, http.StatusOK, out)
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func parseCoordinates(r *http.Request) (lat, lon float64, err error) {
	q := r.URL.Query()
	lat, err = parseFloatParam(q.Get("lat"), "lat", 90)
	if err != nil {
		return 0, 0, err
	}
	lon, err = parseFloatParam(q.Get("lon"), "lon", 180)
	if err != nil {
		return 0, 0, err
	}
	return lat, lon, nil
}

func parseFloatParam(raw, name string, limit float64) (float64, error) {
	if raw == "" {
		return 0, fmt.Errorf("%s is required", name)
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsNaN(v) {
		return 0, fmt.Errorf("%s must be a number", name)
	}
	if v < -limit || v > limit {
		return 0, fmt.Errorf("%s must be between %g and %g", name, -limit, limit)
	}
	return v, nil
}

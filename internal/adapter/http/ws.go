package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/couchcryptid/crop-risk-alerts/internal/registry"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const (
	pingInterval = 30 * time.Second
	writeTimeout = 5 * time.Second
)

// wsConn adapts a WebSocket to registry.Conn.
type wsConn struct {
	conn *websocket.Conn
}

func (c *wsConn) Send(ctx context.Context, msg []byte) error {
	return c.conn.Write(ctx, websocket.MessageText, msg)
}

func (c *wsConn) Close(reason string) error {
	if reason == "" {
		reason = "connection closed"
	}
	return c.conn.Close(websocket.StatusNormalClosure, reason)
}

// Client protocol messages.

type connectionMessage struct {
	Type         string           `json:"type"`
	Message      string           `json:"message"`
	ConnectionID string           `json:"connection_id"`
	Subscription subscriptionInfo `json:"subscription"`
}

type subscriptionInfo struct {
	Lat    *float64 `json:"lat"`
	Lon    *float64 `json:"lon"`
	Crop   string   `json:"crop"`
	UserID string   `json:"user_id,omitempty"`
}

type pongMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type actionRequest struct {
	Action string   `json:"action"`
	Type   string   `json:"type"`
	Lat    *float64 `json:"lat"`
	Lon    *float64 `json:"lon"`
	Crop   string   `json:"crop"`
}

type actionReply struct {
	Type    string `json:"type"`
	Status  string `json:"status"`
	Action  string `json:"action"`
	Message string `json:"message"`
}

var pong = pongMessage{Type: "pong", Message: "Connection alive"}

// handleWeatherAlerts upgrades to a WebSocket, registers the connection and
// serves it until either side closes.
func (s *Server) handleWeatherAlerts(w http.ResponseWriter, r *http.Request) {
	req, err := parseConnectRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.deps.AllowedOrigins})
	if err != nil {
		s.logger.Warn("websocket accept failed", "error", err)
		return
	}

	s.mu.Lock()
	if s.closing.Err() != nil {
		s.mu.Unlock()
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		return
	}
	s.wsClients.Add(1)
	s.mu.Unlock()
	defer s.wsClients.Done()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	stop := context.AfterFunc(s.closing, cancel)
	defer stop()

	id := s.deps.Registry.Connect(ctx, &wsConn{conn: conn}, req)
	defer s.deps.Registry.Disconnect(context.WithoutCancel(ctx), id)

	err = writeJSON(ctx, conn, connectionMessage{
		Type:         "connection",
		Message:      "Connected to weather alerts",
		ConnectionID: id,
		Subscription: subscriptionInfo{Lat: req.Lat, Lon: req.Lon, Crop: req.Crop, UserID: req.RecipientID},
	})
	if err != nil {
		s.logger.Debug("send connection message failed", "connection_id", id, "error", err)
		return
	}

	go s.pingLoop(ctx, cancel, conn, id)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			s.logger.Debug("websocket read ended", "connection_id", id, "close_status", websocket.CloseStatus(err), "error", err)
			return
		}
		if err := writeJSON(ctx, conn, s.handleClientMessage(ctx, id, data)); err != nil {
			s.logger.Debug("websocket reply failed", "connection_id", id, "error", err)
			return
		}
	}
}

// handleClientMessage answers an inbound frame. Anything that is not a
// subscription action counts as a liveness ping.
func (s *Server) handleClientMessage(ctx context.Context, id string, data []byte) any {
	var req actionRequest
	if err := json.Unmarshal(data, &req); err != nil || req.Action == "" {
		return pong
	}

	reply := actionReply{Type: "subscription", Status: "success", Action: req.Action}
	msg, err := s.applyAction(ctx, id, req)
	if err != nil {
		reply.Status = "error"
		reply.Message = err.Error()
		return reply
	}
	reply.Message = msg
	return reply
}

func (s *Server) applyAction(ctx context.Context, id string, req actionRequest) (string, error) {
	subscribe := req.Action == "subscribe"
	if !subscribe && req.Action != "unsubscribe" {
		return "", fmt.Errorf("unknown action %q", req.Action)
	}

	switch req.Type {
	case "location":
		if req.Lat == nil || req.Lon == nil {
			return "", errors.New("lat and lon are required")
		}
		lat, lon := *req.Lat, *req.Lon
		if lat < -90 || lat > 90 || lon < -180 || lon > 180 {
			return "", errors.New("coordinates out of range")
		}
		if subscribe {
			if err := s.deps.Registry.SubscribeLocation(ctx, id, lat, lon); err != nil {
				return "", err
			}
			return fmt.Sprintf("Subscribed to location %g, %g", lat, lon), nil
		}
		if err := s.deps.Registry.UnsubscribeLocation(ctx, id, lat, lon); err != nil {
			return "", err
		}
		return fmt.Sprintf("Unsubscribed from location %g, %g", lat, lon), nil

	case "crop":
		crop := strings.TrimSpace(req.Crop)
		if crop == "" {
			return "", errors.New("crop is required")
		}
		if subscribe {
			if err := s.deps.Registry.SubscribeCrop(id, crop); err != nil {
				return "", err
			}
			return "Subscribed to crop " + crop, nil
		}
		if err := s.deps.Registry.UnsubscribeCrop(id, crop); err != nil {
			return "", err
		}
		return "Unsubscribed from crop " + crop, nil

	default:
		return "", fmt.Errorf("unknown subscription type %q", req.Type)
	}
}

func (s *Server) pingLoop(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, id string) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pctx, pcancel := context.WithTimeout(ctx, writeTimeout)
			err := conn.Ping(pctx)
			pcancel()
			if err != nil {
				s.logger.Debug("websocket ping failed", "connection_id", id, "error", err)
				cancel()
				return
			}
		}
	}
}

func writeJSON(ctx context.Context, conn *websocket.Conn, v any) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, v)
}

// parseConnectRequest reads the subscription from the upgrade query. A
// connection may omit both coordinates and subscribe to a location later.
func parseConnectRequest(r *http.Request) (registry.ConnectRequest, error) {
	q := r.URL.Query()
	req := registry.ConnectRequest{
		RecipientID: strings.TrimSpace(q.Get("user_id")),
		Crop:        strings.TrimSpace(q.Get("crop")),
		Label:       strings.TrimSpace(q.Get("farm_name")),
	}
	if q.Get("lat") == "" && q.Get("lon") == "" {
		return req, nil
	}
	lat, lon, err := parseCoordinates(r)
	if err != nil {
		return registry.ConnectRequest{}, err
	}
	req.Lat, req.Lon = &lat, &lon
	return req, nil
}

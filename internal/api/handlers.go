package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"nvxroute-bus/config"
	"nvxroute-bus/internal/broker"
	"nvxroute-bus/internal/route"
)

const maxRouteBody = 4 << 10

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

type healthResponse struct {
	Status      string                 `json:"status"`
	Connected   bool                   `json:"connected"`
	Bus         broker.ConnectionState `json:"bus"`
	Subscribers int                    `json:"subscribers"`
	Consuming   int                    `json:"consuming"`
}

type routeResponse struct {
	SourceID      int    `json:"sourceId"`
	DestinationID int    `json:"destinationId"`
	Status        string `json:"status"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: http.StatusText(status), Message: msg})
}

// handleHealth reports 503 while the bus is down
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	subs := s.bus.Subscribers()
	resp := healthResponse{
		Status:      "ok",
		Connected:   s.bus.Connected(),
		Bus:         s.bus.ConnectionState(),
		Subscribers: len(subs),
	}
	for _, sub := range subs {
		if sub.State == route.StateConsuming {
			resp.Consuming++
		}
	}

	status := http.StatusOK
	if !resp.Connected {
		resp.Status = "degraded"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

// handleConfig returns the running configuration with credentials removed
func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, redacted(s.cfg))
}

func redacted(cfg *config.Config) config.Config {
	out := *cfg
	if out.Bus.Password != "" {
		out.Bus.Password = "********"
	}
	return out
}

func (s *Server) handleSubscribers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.bus.Subscribers())
}

func (s *Server) handleEndpoints(w http.ResponseWriter, r *http.Request) {
	if s.endpoints == nil {
		writeJSON(w, http.StatusOK, []struct{}{})
		return
	}
	writeJSON(w, http.StatusOK, s.endpoints.Endpoints())
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if s.stats == nil {
		writeError(w, http.StatusNotFound, "statistics are not collected")
		return
	}
	writeJSON(w, http.StatusOK, s.stats.GetStats())
}

// handleRoute publishes a routing change. The body uses the bus wire format;
// a timestamp in the request is ignored and replaced on publish.
func (s *Server) handleRoute(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRouteBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	req, err := route.DecodeEvent(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	err = s.bus.NotifyRoutingChange(r.Context(), req.SourceID, req.DestinationID)
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, routeResponse{
			SourceID:      req.SourceID,
			DestinationID: req.DestinationID,
			Status:        "published",
		})
	case errors.Is(err, route.ErrUnknownSource), errors.Is(err, route.ErrUnknownDestination):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, broker.ErrSessionClosed), errors.Is(err, broker.ErrConnectionClosed):
		s.logger.Warn("route request while bus is down",
			"sourceId", req.SourceID,
			"destinationId", req.DestinationID,
			"error", err)
		writeError(w, http.StatusServiceUnavailable, "bus is not connected")
	default:
		s.logger.Error("failed to publish route request",
			"sourceId", req.SourceID,
			"destinationId", req.DestinationID,
			"error", err)
		writeError(w, http.StatusBadGateway, "failed to publish routing change")
	}
}

package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/render"
	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/lorawan-gateway/internal/auth"
	"github.com/lorawan-server/lorawan-gateway/internal/failover"
	"github.com/lorawan-server/lorawan-gateway/internal/forwarder"
	"github.com/lorawan-server/lorawan-gateway/internal/models"
	"github.com/lorawan-server/lorawan-gateway/internal/netif"
	"github.com/lorawan-server/lorawan-gateway/internal/radio"
	"github.com/lorawan-server/lorawan-gateway/internal/storage"
)

const (
	defaultEventLimit = 50
	maxEventLimit     = 500
)

// HandleHealth is the public liveness probe
func (s *RESTServer) HandleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, r, http.StatusOK, map[string]interface{}{
		"status": "healthy",
		"time":   time.Now(),
	})
}

// HandleLogin exchanges the admin credentials for a token
func (s *RESTServer) HandleLogin(w http.ResponseWriter, r *http.Request) {
	if s.auth == nil {
		s.respondError(w, r, http.StatusNotFound, "authentication disabled")
		return
	}

	var req struct {
		Username string `json:"username" validate:"required"`
		Password string `json:"password" validate:"required"`
	}
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		s.respondError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.validator.Validate(req); err != nil {
		s.respondError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	token, err := s.auth.Login(req.Username, req.Password)
	if errors.Is(err, auth.ErrInvalidCredentials) {
		log.Warn().Str("username", req.Username).Msg("Login rejected")
		s.respondError(w, r, http.StatusUnauthorized, "invalid credentials")
		return
	}
	if err != nil {
		s.respondError(w, r, http.StatusInternalServerError, "failed to generate token")
		return
	}

	s.respondJSON(w, r, http.StatusOK, map[string]interface{}{
		"access_token": token,
		"expires_in":   int(s.auth.TTL().Seconds()),
		"token_type":   "Bearer",
	})
}

// StatusResponse is the combined gateway document
type StatusResponse struct {
	Uptime    int64            `json:"uptime"` // seconds
	Network   failover.Status  `json:"network"`
	Forwarder forwarder.Status `json:"forwarder"`
	Radio     RadioStatus      `json:"radio"`
}

// RadioStatus is the modem configuration with its counters
type RadioStatus struct {
	Frequency       uint32      `json:"frequency"`
	SpreadingFactor int         `json:"spreadingFactor"`
	Bandwidth       float64     `json:"bandwidth"`
	CodingRate      int         `json:"codingRate"`
	TxPower         int         `json:"txPower"`
	Stats           radio.Stats `json:"stats"`
}

func (s *RESTServer) HandleStatus(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{
		Uptime:    int64(time.Since(s.started) / time.Second),
		Network:   s.deps.Network.Status(),
		Forwarder: s.deps.Forwarder.Status(),
	}
	if s.deps.Radio != nil {
		rs := s.deps.Radio.Settings()
		resp.Radio = RadioStatus{
			Frequency:       rs.Frequency,
			SpreadingFactor: rs.SpreadingFactor,
			Bandwidth:       rs.Bandwidth,
			CodingRate:      rs.CodingRate,
			TxPower:         rs.TxPower,
			Stats:           s.deps.Radio.Stats(),
		}
	}
	s.respondJSON(w, r, http.StatusOK, resp)
}

func (s *RESTServer) HandleNetworkStatus(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, r, http.StatusOK, s.deps.Network.Status())
}

func (s *RESTServer) HandleNetworkHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, r, http.StatusOK, s.deps.Network.Health())
}

// HandleForceInterface pins the active interface
func (s *RESTServer) HandleForceInterface(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Interface string `json:"interface" validate:"required"`
	}
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		s.respondError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.validator.Validate(req); err != nil {
		s.respondError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	typ, err := netif.ParseType(req.Interface)
	if err != nil {
		s.respondError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.deps.Network.ForceInterface(typ); err != nil {
		if errors.Is(err, failover.ErrUnavailable) {
			s.respondError(w, r, http.StatusConflict, req.Interface+" is not available")
			return
		}
		s.respondError(w, r, http.StatusInternalServerError, err.Error())
		return
	}

	s.record(r, models.NewEvent(models.EventTypeModeChange, models.EventLevelInfo, "FORCE",
		"interface forced to "+req.Interface).With("interface", req.Interface))
	s.respondJSON(w, r, http.StatusOK, s.deps.Network.Status())
}

// HandleAutoMode resumes automatic interface selection
func (s *RESTServer) HandleAutoMode(w http.ResponseWriter, r *http.Request) {
	s.deps.Network.SetAutoMode()
	s.record(r, models.NewEvent(models.EventTypeModeChange, models.EventLevelInfo, "AUTO",
		"automatic interface selection"))
	s.respondJSON(w, r, http.StatusOK, s.deps.Network.Status())
}

// HandleReconnect drops the active interface and reconnects Ethernet
func (s *RESTServer) HandleReconnect(w http.ResponseWriter, r *http.Request) {
	err := s.deps.Network.Reconnect()

	level, code := models.EventLevelInfo, "OK"
	if err != nil {
		level, code = models.EventLevelWarning, "FAILED"
	}
	e := models.NewEvent(models.EventTypeReconnect, level, code, "operator reconnect")
	if err != nil {
		e.With("error", err.Error())
	}
	s.record(r, e)

	if err != nil {
		s.respondError(w, r, http.StatusServiceUnavailable, err.Error())
		return
	}
	s.respondJSON(w, r, http.StatusOK, s.deps.Network.Status())
}

func (s *RESTServer) HandleForwarderStats(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, r, http.StatusOK, s.deps.Forwarder.Stats())
}

// HandleListEvents lists journal entries, newest first
func (s *RESTServer) HandleListEvents(w http.ResponseWriter, r *http.Request) {
	if s.deps.Events == nil {
		s.respondError(w, r, http.StatusNotFound, "event journal disabled")
		return
	}

	q := r.URL.Query()
	var filters storage.EventFilters
	if v := q.Get("type"); v != "" {
		typ, ok := models.ParseEventType(v)
		if !ok {
			s.respondError(w, r, http.StatusBadRequest, "unknown event type")
			return
		}
		filters.Type = &typ
	}

	limit, err := queryInt(q.Get("limit"), defaultEventLimit)
	if err != nil || limit < 1 {
		s.respondError(w, r, http.StatusBadRequest, "invalid limit")
		return
	}
	if limit > maxEventLimit {
		limit = maxEventLimit
	}
	offset, err := queryInt(q.Get("offset"), 0)
	if err != nil || offset < 0 {
		s.respondError(w, r, http.StatusBadRequest, "invalid offset")
		return
	}

	events, total, err := s.deps.Events.ListEvents(r.Context(), filters, limit, offset)
	if err != nil {
		log.Error().Err(err).Msg("Failed to list events")
		s.respondError(w, r, http.StatusInternalServerError, "failed to list events")
		return
	}
	if events == nil {
		events = []*models.Event{}
	}

	s.respondJSON(w, r, http.StatusOK, map[string]interface{}{
		"events": events,
		"total":  total,
		"limit":  limit,
		"offset": offset,
	})
}

func (s *RESTServer) record(r *http.Request, e *models.Event) {
	if s.deps.Recorder == nil {
		return
	}
	if c, ok := claimsFrom(r.Context()); ok {
		e.With("user", c.Username)
	}
	s.deps.Recorder.Record(e)
}

func queryInt(s string, def int) (int, error) {
	if s == "" {
		return def, nil
	}
	return strconv.Atoi(s)
}

func (s *RESTServer) respondJSON(w http.ResponseWriter, r *http.Request, status int, payload interface{}) {
	render.Status(r, status)
	render.JSON(w, r, payload)
}

func (s *RESTServer) respondError(w http.ResponseWriter, r *http.Request, status int, message string) {
	s.respondJSON(w, r, status, map[string]string{
		"error": message,
	})
}

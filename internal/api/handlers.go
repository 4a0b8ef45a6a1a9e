package api

import (
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lorawan-node/lorawan-node-agent/internal/agent"
	"github.com/lorawan-node/lorawan-node-agent/internal/mac"
	"github.com/lorawan-node/lorawan-node-agent/internal/models"
	"github.com/lorawan-node/lorawan-node-agent/internal/storage"
)

// ========== Auth handlers ==========

// HandleLogin handles admin login
func (s *RESTServer) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username" validate:"required"`
		Password string `json:"password" validate:"required"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := s.validator.Validate(req); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	if req.Username != s.config.API.AdminUsername {
		s.respondError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	// Verify password
	if !s.auth.VerifyPassword(req.Password, s.config.API.AdminPasswordHash) {
		s.respondError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	// Generate tokens
	accessToken, refreshToken, err := s.auth.GenerateTokenPair(req.Username)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, "failed to generate tokens")
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"access_token":  accessToken,
		"refresh_token": refreshToken,
		"expires_in":    int(s.config.JWT.AccessTokenTTL.Seconds()),
		"token_type":    "Bearer",
	})
}

// HandleRefresh handles token refresh
func (s *RESTServer) HandleRefresh(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RefreshToken string `json:"refresh_token" validate:"required"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	// Refresh token
	accessToken, refreshToken, err := s.auth.RefreshToken(req.RefreshToken)
	if err != nil {
		s.respondError(w, http.StatusUnauthorized, "invalid refresh token")
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"access_token":  accessToken,
		"refresh_token": refreshToken,
		"expires_in":    int(s.config.JWT.AccessTokenTTL.Seconds()),
		"token_type":    "Bearer",
	})
}

// ========== Device handlers ==========

// HandleStatus reports the device runtime state
func (s *RESTServer) HandleStatus(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, s.agent.Status())
}

// HandleJoin triggers a join attempt
func (s *RESTServer) HandleJoin(w http.ResponseWriter, r *http.Request) {
	result, err := s.agent.Join(r.Context())
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	status := http.StatusOK
	switch result {
	case mac.Busy:
		status = http.StatusConflict
	case mac.Restricted:
		status = http.StatusTooManyRequests
	case mac.JoinFailed:
		status = http.StatusBadGateway
	}

	s.respondJSON(w, status, map[string]interface{}{
		"result":  result.String(),
		"joined":  result == mac.JoinSucceeded,
		"devAddr": s.agent.Status().DevAddr,
	})
}

// HandleSendUplink schedules an uplink and waits for its outcome
func (s *RESTServer) HandleSendUplink(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Data      string `json:"data"` // hex encoded
		Port      *uint8 `json:"port" validate:"min=1,max=223"`
		Confirmed *bool  `json:"confirmed"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := s.validator.Validate(req); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	data, err := hex.DecodeString(req.Data)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "data must be hex encoded")
		return
	}

	result, frame, err := s.agent.SendUplink(r.Context(), data, req.Port, req.Confirmed)
	if err != nil {
		switch err {
		case agent.ErrBusy:
			s.respondError(w, http.StatusConflict, err.Error())
		case agent.ErrNotJoined:
			s.respondError(w, http.StatusPreconditionFailed, err.Error())
		default:
			s.respondError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"result": result.String(),
		"frame":  frame,
	})
}

// HandleLastDownlink returns the most recently received downlink
func (s *RESTServer) HandleLastDownlink(w http.ResponseWriter, r *http.Request) {
	rx := s.agent.LastRx()
	if rx.Payload == nil && rx.Port == 0 {
		s.respondError(w, http.StatusNotFound, "no downlink received yet")
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"port":     rx.Port,
		"data":     hex.EncodeToString(rx.Payload),
		"rssi":     rx.RSSI,
		"snr":      rx.SNR,
		"dataRate": rx.Datarate,
		"ack":      rx.Ack,
	})
}

// HandleTriggerLinkCheck queues a link check for the next uplink
func (s *RESTServer) HandleTriggerLinkCheck(w http.ResponseWriter, r *http.Request) {
	s.agent.TriggerLinkCheck()
	s.respondJSON(w, http.StatusAccepted, map[string]string{
		"status": "link check queued for next uplink",
	})
}

// HandleGetLinkCheck returns the cached link check answer
func (s *RESTServer) HandleGetLinkCheck(w http.ResponseWriter, r *http.Request) {
	info := s.agent.LinkCheck()
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"available": info.Available,
		"margin":    info.DemodMargin,
		"gateways":  info.NbGateways,
	})
}

// HandleGetMACSettings returns the runtime MAC settings
func (s *RESTServer) HandleGetMACSettings(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, s.agent.GetMACSettings())
}

// HandleUpdateMACSettings applies runtime MAC settings
func (s *RESTServer) HandleUpdateMACSettings(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DataRate  *uint8 `json:"dataRate" validate:"max=15"`
		ADR       *bool  `json:"adr"`
		Port      *uint8 `json:"port" validate:"min=1,max=223"`
		Confirmed *bool  `json:"confirmed"`
		Retries   *uint8 `json:"retries" validate:"min=1"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := s.validator.Validate(req); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.agent.ApplyMACSettings(agent.MACSettings{
		DataRate:  req.DataRate,
		ADR:       req.ADR,
		Port:      req.Port,
		Confirmed: req.Confirmed,
		Retries:   req.Retries,
	})

	s.respondJSON(w, http.StatusOK, s.agent.GetMACSettings())
}

// ========== History handlers ==========

// HandleListEvents lists event log entries
func (s *RESTServer) HandleListEvents(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		s.respondError(w, http.StatusServiceUnavailable, "no store configured")
		return
	}

	ctx := r.Context()
	limit, offset := paginationParams(r)

	var filters storage.EventLogFilters
	if t := r.URL.Query().Get("type"); t != "" {
		eventType := models.EventType(t)
		filters.Type = &eventType
	}
	if l := r.URL.Query().Get("level"); l != "" {
		level := models.EventLevel(l)
		filters.Level = &level
	}

	events, total, err := s.store.ListEventLogs(ctx, filters, limit, offset)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"events": events,
		"total":  total,
	})
}

// HandleListUplinkFrames lists sent uplink frames
func (s *RESTServer) HandleListUplinkFrames(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		s.respondError(w, http.StatusServiceUnavailable, "no store configured")
		return
	}

	limit, offset := paginationParams(r)

	frames, total, err := s.store.ListUplinkFrames(r.Context(), s.agent.DevEUI(), limit, offset)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"frames": frames,
		"total":  total,
	})
}

// HandleListDownlinkFrames lists received downlink frames
func (s *RESTServer) HandleListDownlinkFrames(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		s.respondError(w, http.StatusServiceUnavailable, "no store configured")
		return
	}

	limit, offset := paginationParams(r)

	frames, total, err := s.store.ListDownlinkFrames(r.Context(), s.agent.DevEUI(), limit, offset)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"frames": frames,
		"total":  total,
	})
}

// ========== Helper methods ==========

// HandleHealth health check
func (s *RESTServer) HandleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"status": "healthy",
		"time":   time.Now(),
	})
}

// HandleRoot root handler
func (s *RESTServer) HandleRoot(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"service": s.config.Agent.Name,
		"version": s.config.Agent.Version,
		"health":  "/api/v1/health",
	})
}

// respondJSON responds with JSON
func (s *RESTServer) respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal response")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(response)
}

// respondError responds with error
func (s *RESTServer) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{
		"error": message,
	})
}

func paginationParams(r *http.Request) (int, int) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 500 {
		limit = 20
	}
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

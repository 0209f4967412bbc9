//
//
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/tunnel-broadcast/amrc/internal/audit"
	"github.com/tunnel-broadcast/amrc/internal/auth"
	"github.com/tunnel-broadcast/amrc/internal/bus"
	"github.com/tunnel-broadcast/amrc/internal/scpi"
)

const apiV1 = "/api/v1"

// defaultEventLimit bounds GET /events without a limit parameter.
const defaultEventLimit = 100

// RegisterRoutes registers all v1 endpoints.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	read := s.protect(auth.ScopeRead)
	control := s.protect(auth.ScopeControl)
	stream := s.protect(auth.ScopeTelemetry)

	// Health endpoint (no auth required)
	mux.HandleFunc(apiV1+"/health", s.handleHealth)

	mux.HandleFunc(apiV1+"/state", read(s.handleState))
	mux.HandleFunc(apiV1+"/events", read(s.handleEvents))
	mux.HandleFunc(apiV1+"/identity", read(s.handleIdentity))
	mux.HandleFunc(apiV1+"/audio", read(s.handleAudioStatus))

	mux.HandleFunc(apiV1+"/telemetry", stream(s.handleTelemetry))
	mux.HandleFunc(apiV1+"/ws", stream(s.handleWebSocket))

	mux.HandleFunc(apiV1+"/connect", control(s.handleConnect))
	mux.HandleFunc(apiV1+"/disconnect", control(s.handleDisconnect))
	mux.HandleFunc(apiV1+"/channels/{id}/{attr}", control(s.handleChannel))
	mux.HandleFunc(apiV1+"/audio/load", control(s.handleAudioLoad))
	mux.HandleFunc(apiV1+"/source", control(s.handleSource))
	mux.HandleFunc(apiV1+"/message", control(s.handleMessage))
	mux.HandleFunc(apiV1+"/broadcast", control(s.handleBroadcast))
	mux.HandleFunc(apiV1+"/watchdog/reset", control(s.handleWatchdogReset))
	mux.HandleFunc(apiV1+"/watchdog/enabled", control(s.handleWatchdogEnabled))

	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics)
	}
}

// protect wraps a handler with authentication, a scope check and the audit
// user for the request.
func (s *Server) protect(scope string) func(http.HandlerFunc) http.HandlerFunc {
	return func(next http.HandlerFunc) http.HandlerFunc {
		withUser := func(w http.ResponseWriter, r *http.Request) {
			if claims := auth.GetClaimsFromRequest(r); claims != nil {
				r = r.WithContext(audit.WithUser(r.Context(), claims.Subject))
			}
			next(w, r)
		}
		return s.authMiddleware.RequireAuth(s.authMiddleware.RequireScope(scope)(withUser))
	}
}

func allowMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method == method {
		return true
	}
	w.Header().Set("Allow", method)
	WriteError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED",
		fmt.Sprintf("Only %s method is allowed", method), nil)
	return false
}

// decodeStrict decodes a single JSON object, rejecting unknown fields and
// trailing data. An empty body is accepted when allowEmpty is set.
func decodeStrict(r *http.Request, v interface{}, allowEmpty bool) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) && allowEmpty {
			return nil
		}
		return fmt.Errorf("%w: %v", ErrBadRequest, err)
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return fmt.Errorf("%w: trailing data after JSON object", ErrBadRequest)
	}
	return nil
}

// handleHealth handles GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}

	health := map[string]interface{}{
		"status":    "ok",
		"uptimeSec": time.Since(s.startTime).Seconds(),
		"version":   Version,
	}
	if s.control != nil {
		health["connection"] = s.control.ConnectionState()
	}
	WriteSuccess(w, health)
}

// handleState handles GET /state
func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	WriteSuccess(w, map[string]interface{}{
		"connection": s.control.ConnectionState(),
		"addr":       s.control.DeviceAddr(),
		"device":     s.control.Snapshot(),
		"pending":    s.control.Pending(),
	})
}

// handleEvents handles GET /events?limit=&type=
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}

	limit := defaultEventLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			WriteError(w, http.StatusBadRequest, "BAD_REQUEST", "limit must be a non-negative integer", nil)
			return
		}
		limit = n
	}

	var events []bus.Event
	if t := r.URL.Query().Get("type"); t != "" {
		events = s.events.RecentOfType(bus.Type(t), limit)
	} else {
		events = s.events.Recent(limit)
	}
	if events == nil {
		events = []bus.Event{}
	}
	WriteSuccess(w, events)
}

// handleIdentity handles GET /identity (*IDN?)
func (s *Server) handleIdentity(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	id, err := s.control.QueryIdentity(r.Context())
	if err != nil {
		writeAPIError(w, err)
		return
	}
	WriteSuccess(w, map[string]interface{}{"identity": id})
}

// handleAudioStatus handles GET /audio (AUDIO:STATUS?)
func (s *Server) handleAudioStatus(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	status, err := s.control.QueryAudioStatus(r.Context())
	if err != nil {
		writeAPIError(w, err)
		return
	}
	WriteSuccess(w, map[string]interface{}{"status": status})
}

// handleAudioLoad handles POST /audio/load {path}
func (s *Server) handleAudioLoad(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	var req struct {
		Path string `json:"path"`
	}
	if err := decodeStrict(r, &req, false); err != nil {
		writeAPIError(w, err)
		return
	}
	if err := s.control.LoadAudio(r.Context(), req.Path); err != nil {
		writeAPIError(w, err)
		return
	}
	WriteAccepted(w, map[string]interface{}{"path": req.Path})
}

// handleTelemetry handles GET /telemetry (SSE)
func (s *Server) handleTelemetry(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	if s.telemetryHub == nil {
		WriteError(w, http.StatusServiceUnavailable, "UNAVAILABLE", "Telemetry service not available", nil)
		return
	}
	if err := s.telemetryHub.Subscribe(r.Context(), w, r); err != nil {
		s.logger.Debug().Err(err).Msg("Telemetry stream ended")
	}
}

// handleWebSocket handles GET /ws
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.telemetryHub == nil {
		WriteError(w, http.StatusServiceUnavailable, "UNAVAILABLE", "Telemetry service not available", nil)
		return
	}
	s.telemetryHub.ServeWS(w, r)
}

// handleConnect handles POST /connect {host,port}
func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	var req struct {
		Host string `json:"host"`
		Port int    `json:"port"`
	}
	if err := decodeStrict(r, &req, true); err != nil {
		writeAPIError(w, err)
		return
	}
	if req.Port < 0 || req.Port > 65535 {
		WriteError(w, http.StatusBadRequest, "BAD_REQUEST", "port out of range", nil)
		return
	}
	if err := s.control.Connect(req.Host, req.Port); err != nil {
		writeAPIError(w, err)
		return
	}
	WriteAccepted(w, map[string]interface{}{"connection": s.control.ConnectionState()})
}

// handleDisconnect handles POST /disconnect
func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	if err := s.control.Disconnect(r.Context()); err != nil {
		writeAPIError(w, err)
		return
	}
	WriteSuccess(w, map[string]interface{}{"connection": s.control.ConnectionState()})
}

func channelID(r *http.Request) (int, error) {
	id, err := strconv.Atoi(r.PathValue("id"))
	if err != nil {
		return 0, fmt.Errorf("%w: channel id %q", ErrBadRequest, r.PathValue("id"))
	}
	return id, nil
}

// handleChannel routes the /channels/{id}/{attr} family. A literal
// "preset" segment would collide with {id} as a separate mux pattern.
func (s *Server) handleChannel(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.PathValue("id") == "preset":
		s.handleChannelPreset(w, r)
	case r.PathValue("attr") == "frequency":
		s.handleChannelFrequency(w, r)
	case r.PathValue("attr") == "enabled":
		s.handleChannelEnabled(w, r)
	default:
		WriteError(w, http.StatusNotFound, "NOT_FOUND", "no such channel resource", nil)
	}
}

// handleChannelPreset handles POST /channels/preset/{count}
func (s *Server) handleChannelPreset(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	count, err := strconv.Atoi(r.PathValue("attr"))
	if err != nil {
		writeAPIError(w, fmt.Errorf("%w: preset count %q", ErrBadRequest, r.PathValue("attr")))
		return
	}
	ids, err := s.control.EnablePresetChannels(r.Context(), count)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	WriteAccepted(w, map[string]interface{}{"count": count, "channels": ids})
}

// handleChannelFrequency handles POST /channels/{id}/frequency {hz}
func (s *Server) handleChannelFrequency(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	id, err := channelID(r)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	var req struct {
		Hz *uint32 `json:"hz"`
	}
	if err := decodeStrict(r, &req, false); err != nil {
		writeAPIError(w, err)
		return
	}
	if req.Hz == nil {
		WriteError(w, http.StatusBadRequest, "BAD_REQUEST", "hz is required", nil)
		return
	}
	if err := s.control.SetChannelFrequency(r.Context(), id, *req.Hz); err != nil {
		writeAPIError(w, err)
		return
	}
	WriteAccepted(w, map[string]interface{}{"channel": id, "hz": *req.Hz})
}

// handleChannelEnabled handles POST /channels/{id}/enabled {enabled}
func (s *Server) handleChannelEnabled(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	id, err := channelID(r)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	enabled, ok := decodeFlag(w, r, "enabled")
	if !ok {
		return
	}
	if err := s.control.SetChannelEnabled(r.Context(), id, enabled); err != nil {
		writeAPIError(w, err)
		return
	}
	WriteAccepted(w, map[string]interface{}{"channel": id, "enabled": enabled})
}

// handleSource handles POST /source {source}
func (s *Server) handleSource(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	var req struct {
		Source string `json:"source"`
	}
	if err := decodeStrict(r, &req, false); err != nil {
		writeAPIError(w, err)
		return
	}
	src, err := scpi.ParseSource(req.Source)
	if err != nil {
		WriteError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error(), nil)
		return
	}
	if err := s.control.SetSource(r.Context(), src); err != nil {
		writeAPIError(w, err)
		return
	}
	WriteAccepted(w, map[string]interface{}{"source": src})
}

// handleMessage handles POST /message {id}
func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	var req struct {
		ID *int `json:"id"`
	}
	if err := decodeStrict(r, &req, false); err != nil {
		writeAPIError(w, err)
		return
	}
	if req.ID == nil {
		WriteError(w, http.StatusBadRequest, "BAD_REQUEST", "id is required", nil)
		return
	}
	if err := s.control.SetMessage(r.Context(), *req.ID); err != nil {
		writeAPIError(w, err)
		return
	}
	WriteAccepted(w, map[string]interface{}{"messageId": *req.ID})
}

// handleBroadcast handles POST /broadcast {active}
func (s *Server) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	active, ok := decodeFlag(w, r, "active")
	if !ok {
		return
	}
	if err := s.control.SetBroadcast(r.Context(), active); err != nil {
		writeAPIError(w, err)
		return
	}
	WriteAccepted(w, map[string]interface{}{
		"active":         active,
		"broadcastState": s.control.Snapshot().Broadcast,
	})
}

// handleWatchdogReset handles POST /watchdog/reset
func (s *Server) handleWatchdogReset(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	if err := s.control.ResetWatchdog(r.Context()); err != nil {
		writeAPIError(w, err)
		return
	}
	WriteAccepted(w, map[string]interface{}{"watchdog": s.control.Snapshot().Watchdog})
}

// handleWatchdogEnabled handles POST /watchdog/enabled {enabled}
func (s *Server) handleWatchdogEnabled(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	enabled, ok := decodeFlag(w, r, "enabled")
	if !ok {
		return
	}
	if err := s.control.SetWatchdogEnabled(r.Context(), enabled); err != nil {
		writeAPIError(w, err)
		return
	}
	WriteAccepted(w, map[string]interface{}{"enabled": enabled})
}

// decodeFlag reads a body of the form {"<field>": bool}. It writes the
// error response itself.
func decodeFlag(w http.ResponseWriter, r *http.Request, field string) (bool, bool) {
	var req map[string]*bool
	if err := decodeStrict(r, &req, false); err != nil {
		writeAPIError(w, err)
		return false, false
	}
	v, ok := req[field]
	if !ok || v == nil || len(req) != 1 {
		WriteError(w, http.StatusBadRequest, "BAD_REQUEST", field+" is required", nil)
		return false, false
	}
	return *v, true
}

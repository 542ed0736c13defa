package api

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/banshee-data/sbuslink/internal/db"
	"github.com/banshee-data/sbuslink/internal/httputil"
	"github.com/banshee-data/sbuslink/internal/sbus"
	"github.com/banshee-data/sbuslink/internal/serialmux"
	"github.com/banshee-data/sbuslink/internal/units"
)

// ANSI escape codes for cyan and reset
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

// FrameAPI is the JSON shape served for recorded frames. Channel values are
// converted from the raw 11-bit counts stored in the database into the
// server's configured units, so the struct carries float64 values.
type FrameAPI struct {
	SessionID  string      `json:"session_id"`
	RecordedAt int64       `json:"recorded_at"`
	Channels   [16]float64 `json:"channels"`
	Flags      sbus.Flags  `json:"flags"`
}

// frameToAPI applies unit conversion to each channel of a stored frame
func (s *Server) frameToAPI(f db.Frame) FrameAPI {
	out := FrameAPI{
		SessionID:  f.SessionID,
		RecordedAt: f.RecordedAt,
		Flags:      f.Flags,
	}
	for i, raw := range f.Channels {
		out.Channels[i] = units.ConvertChannel(raw, s.units)
	}
	return out
}

type Server struct {
	m     serialmux.SerialMuxInterface
	db    *db.DB
	units string

	// portFactory opens ports for the serial test endpoint. Tests swap in
	// a mock factory so the handler can run without hardware.
	portFactory serialmux.SerialPortFactory
}

func NewServer(m serialmux.SerialMuxInterface, db *db.DB, units string) *Server {
	return &Server{
		m:           m,
		db:          db,
		units:       units,
		portFactory: serialmux.NewRealSerialPortFactory(),
	}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400 && statusCode < 500:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 500:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, query, status, and duration
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		log.Printf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/events", s.streamFrames)
	mux.HandleFunc("/api/channels", s.showChannels)
	mux.HandleFunc("/api/frames", s.listFrames)
	mux.HandleFunc("/api/link", s.showLinkStats)
	mux.HandleFunc("/api/sessions", s.listSessions)
	mux.HandleFunc("/api/send", s.sendFrameHandler)
	mux.HandleFunc("/api/config", s.showConfig)
	mux.HandleFunc("/api/serial/configs", s.handleSerialConfigsOrCreate)
	mux.HandleFunc("/api/serial/configs/", s.handleSerialConfigByID)
	mux.HandleFunc("/api/serial/models", s.handleReceiverModels)
	mux.HandleFunc("/api/serial/reload", s.handleSerialReload)
	mux.HandleFunc("/api/serial/test", s.handleSerialTest)
	mux.HandleFunc("/api/serial/devices", s.handleSerialDevices)
	mux.HandleFunc("/charts/channels", s.chartChannels)
	mux.HandleFunc("/charts/link", s.chartLinkHealth)
	return mux
}

func (s *Server) writeJSONError(w http.ResponseWriter, status int, msg string) {
	httputil.WriteJSONError(w, status, msg)
}

// resolveSession picks the session for a query: the explicit session parameter
// if given, otherwise the currently open session. Returns an empty string when
// neither exists.
func (s *Server) resolveSession(r *http.Request) (string, error) {
	if id := r.URL.Query().Get("session"); id != "" {
		return id, nil
	}
	active, err := s.db.ActiveSession()
	if err != nil {
		return "", err
	}
	if active == nil {
		return "", nil
	}
	return active.ID, nil
}

// ChannelsResponse is the JSON shape for /api/channels: the most recent frame
// with channel values converted to the server's configured units.
type ChannelsResponse struct {
	SessionID  string      `json:"session_id"`
	RecordedAt int64       `json:"recorded_at"`
	AgeMs      int64       `json:"age_ms"`
	Units      string      `json:"units"`
	Channels   [16]float64 `json:"channels"`
	Flags      sbus.Flags  `json:"flags"`
}

func (s *Server) showChannels(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	sessionID, err := s.resolveSession(r)
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError,
			fmt.Sprintf("Failed to resolve session: %v", err))
		return
	}
	if sessionID == "" {
		s.writeJSONError(w, http.StatusNotFound, "No active session")
		return
	}

	frame, err := s.db.LatestFrame(sessionID)
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError,
			fmt.Sprintf("Failed to retrieve latest frame: %v", err))
		return
	}
	if frame == nil {
		s.writeJSONError(w, http.StatusNotFound, "No frames recorded for session")
		return
	}

	api := s.frameToAPI(*frame)
	resp := ChannelsResponse{
		SessionID:  api.SessionID,
		RecordedAt: api.RecordedAt,
		AgeMs:      time.Now().UnixMilli() - frame.RecordedAt,
		Units:      s.units,
		Channels:   api.Channels,
		Flags:      api.Flags,
	}

	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, "Failed to write channels")
		return
	}
}

func (s *Server) listFrames(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	limit := 100 // default value
	if l := r.URL.Query().Get("limit"); l != "" {
		parsedLimit, err := strconv.Atoi(l)
		if err != nil || parsedLimit < 1 {
			s.writeJSONError(w, http.StatusBadRequest, "Invalid 'limit' parameter")
			return
		}
		limit = parsedLimit
	}

	sessionID, err := s.resolveSession(r)
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError,
			fmt.Sprintf("Failed to resolve session: %v", err))
		return
	}
	if sessionID == "" {
		s.writeJSONError(w, http.StatusNotFound, "No active session")
		return
	}

	frames, err := s.db.RecentFrames(sessionID, limit)
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError,
			fmt.Sprintf("Failed to retrieve frames: %v", err))
		return
	}

	// without the FrameAPI struct the response would expose the raw channel
	// counts regardless of the configured units. we control the output
	// format with the FrameAPI struct.
	apiFrames := make([]FrameAPI, len(frames))
	for i, f := range frames {
		apiFrames[i] = s.frameToAPI(f)
	}

	if err := json.NewEncoder(w).Encode(apiFrames); err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, "Failed to write frames")
		return
	}
}

// LinkResponse pairs the live decoder counters from the running mux with the
// latest snapshot persisted for the session, so clients can see both the
// instantaneous state and the recorded history point.
type LinkResponse struct {
	Live      sbus.LinkStats      `json:"live"`
	Persisted *db.LinkStatsRecord `json:"persisted,omitempty"`
}

func (s *Server) showLinkStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	resp := LinkResponse{Live: s.m.LinkStats()}

	sessionID, err := s.resolveSession(r)
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError,
			fmt.Sprintf("Failed to resolve session: %v", err))
		return
	}
	if sessionID != "" {
		persisted, err := s.db.LatestLinkStats(sessionID)
		if err != nil {
			s.writeJSONError(w, http.StatusInternalServerError,
				fmt.Sprintf("Failed to retrieve link stats: %v", err))
			return
		}
		resp.Persisted = persisted
	}

	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, "Failed to write link stats")
		return
	}
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	limit := 50 // default value
	if l := r.URL.Query().Get("limit"); l != "" {
		parsedLimit, err := strconv.Atoi(l)
		if err != nil || parsedLimit < 1 {
			s.writeJSONError(w, http.StatusBadRequest, "Invalid 'limit' parameter")
			return
		}
		limit = parsedLimit
	}

	sessions, err := s.db.Sessions(limit)
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError,
			fmt.Sprintf("Failed to retrieve sessions: %v", err))
		return
	}

	if err := json.NewEncoder(w).Encode(sessions); err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, "Failed to write sessions")
		return
	}
}

// SendFrameRequest is the request body for /api/send. Channels may be given in
// any supported unit; missing trailing channels default to the stick centre.
type SendFrameRequest struct {
	Channels  []float64 `json:"channels"`
	Units     string    `json:"units,omitempty"`
	D1        bool      `json:"d1,omitempty"`
	D2        bool      `json:"d2,omitempty"`
	FrameLost bool      `json:"frame_lost,omitempty"`
	Failsafe  bool      `json:"failsafe,omitempty"`
}

// SendFrameResponse echoes the raw packet that was written to the port.
type SendFrameResponse struct {
	Sent     bool       `json:"sent"`
	Channels [16]uint16 `json:"channels"`
	Flags    sbus.Flags `json:"flags"`
}

func (s *Server) sendFrameHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodPost {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	var req SendFrameRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSONError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if len(req.Channels) > 16 {
		s.writeJSONError(w, http.StatusBadRequest, "Too many channels: at most 16")
		return
	}

	sourceUnits := req.Units
	if sourceUnits == "" {
		sourceUnits = units.RAW
	}
	if !units.IsValid(sourceUnits) {
		s.writeJSONError(w, http.StatusBadRequest,
			fmt.Sprintf("Invalid units %q: must be one of %s", req.Units, units.GetValidUnitsString()))
		return
	}

	var p sbus.Packet
	for i := range p.Channels {
		p.Channels[i] = units.NominalMid
	}
	for i, value := range req.Channels {
		// Raw values must already be in range; converted values are
		// clamped by RawFromValue.
		if sourceUnits == units.RAW && (value < units.RawMin || value > units.RawMax) {
			s.writeJSONError(w, http.StatusBadRequest,
				fmt.Sprintf("Invalid value for channel %d: raw values must be 0-2047", i+1))
			return
		}
		p.Channels[i] = units.RawFromValue(value, sourceUnits)
	}
	p.Flags.D1 = req.D1
	p.Flags.D2 = req.D2
	p.Flags.FrameLost = req.FrameLost
	p.Flags.Failsafe = req.Failsafe

	if err := s.m.SendFrame(p); err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, "Failed to send frame")
		return
	}

	resp := SendFrameResponse{
		Sent:     true,
		Channels: p.Channels,
		Flags:    p.Flags,
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, "Failed to write response")
		return
	}
}

func (s *Server) showConfig(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	config := map[string]interface{}{
		"units": s.units,
	}

	if err := json.NewEncoder(w).Encode(config); err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, "Failed to write config")
		return
	}
}

// streamFrames issues Server-Sent Events (SSE) carrying each decoded frame as
// JSON, via a subscription on the running mux.
func (s *Server) streamFrames(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable buffering for nginx

	id, c := s.m.Subscribe()
	defer s.m.Unsubscribe(id)

	// Send initial ping to establish connection
	w.Write([]byte(": ping\n\n"))
	flusher.Flush()

	for {
		select {
		case p, ok := <-c:
			if !ok {
				// Channel closed, exit gracefully
				return
			}
			payload, err := json.Marshal(p)
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
				return
			}
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

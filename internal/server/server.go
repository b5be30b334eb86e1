package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"io/fs"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/shaunagostinho/goobd/internal/catalog"
	"github.com/shaunagostinho/goobd/internal/codec"
	"github.com/shaunagostinho/goobd/internal/dtc"
	"github.com/shaunagostinho/goobd/internal/ecu"
	"github.com/shaunagostinho/goobd/internal/logger"
)

// Server polls the diagnostic handler and broadcasts readings to WebSocket
// clients.
type Server struct {
	cfg     *Config
	handler ecu.Handler
	webFS   fs.FS
	logger  *logger.Logger

	clients   map[*wsClient]struct{}
	clientsMu sync.RWMutex

	statusMu sync.Mutex
	status   StatusData

	upgrader websocket.Upgrader
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// Frame is the JSON structure sent to all WebSocket clients.
type Frame struct {
	Readings []codec.Reading `json:"readings,omitempty"`
	Status   *StatusData     `json:"status,omitempty"`
	Codes    []dtc.Code      `json:"codes,omitempty"`
	Stamp    int64           `json:"stamp"` // Unix ms
}

// StatusData describes the adapter connection.
type StatusData struct {
	Adapter    string     `json:"adapter"`
	State      ecu.Status `json:"state"`
	Message    string     `json:"message,omitempty"`
	Parameters []string   `json:"parameters,omitempty"`
}

// New creates a new Server with the handler selected by cfg.
func New(cfg *Config, webFS fs.FS) (*Server, error) {
	s := newServer(cfg, webFS)
	h, err := cfg.NewHandler(ecu.Callbacks{OnStatus: s.onStatus})
	if err != nil {
		return nil, err
	}
	s.handler = h
	s.status = StatusData{Adapter: h.Name(), State: h.State()}
	return s, nil
}

func newServer(cfg *Config, webFS fs.FS) *Server {
	return &Server{
		cfg:   cfg,
		webFS: webFS,
		logger: logger.New(logger.Config{
			Enabled:    cfg.Record.Enabled,
			Path:       cfg.Record.Path,
			IntervalMs: cfg.Record.Interval,
		}),
		clients: make(map[*wsClient]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Routes returns the HTTP handler for the web UI, WebSocket and API.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	// Serve embedded web files
	if s.webFS != nil {
		mux.Handle("/", http.FileServer(http.FS(s.webFS)))
	}

	// WebSocket endpoint
	mux.HandleFunc("/ws", s.handleWS)

	mux.HandleFunc("/api/config", s.handleConfig)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/ports", s.handlePorts)
	mux.HandleFunc("/api/read", s.handleRead)
	mux.HandleFunc("/api/dtc", s.handleDTC)
	mux.HandleFunc("/api/dtc/clear", s.handleClearDTC)
	mux.HandleFunc("/api/record", s.handleRecord)
	return mux
}

// Run starts the HTTP server and the polling loop.
func (s *Server) Run(ctx context.Context) error {
	go s.pollLoop(ctx)

	srv := &http.Server{
		Addr:    s.cfg.Server.ListenAddr,
		Handler: s.Routes(),
	}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()

	log.Info().Str("addr", s.cfg.Server.ListenAddr).Msg("server listening")
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) onStatus(state ecu.Status, message string) {
	s.statusMu.Lock()
	s.status.State = state
	s.status.Message = message
	s.statusMu.Unlock()

	snap := s.statusSnapshot()
	s.broadcast(Frame{Status: &snap, Stamp: time.Now().UnixMilli()})
}

func (s *Server) statusSnapshot() StatusData {
	s.statusMu.Lock()
	st := s.status
	s.statusMu.Unlock()
	if s.handler != nil && s.handler.IsConnected() {
		st.Parameters = s.handler.SupportedParameters()
	}
	return st
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("ws upgrade error")
		return
	}

	client := &wsClient{
		conn: conn,
		send: make(chan []byte, 64),
	}

	s.clientsMu.Lock()
	s.clients[client] = struct{}{}
	n := len(s.clients)
	s.clientsMu.Unlock()

	log.Debug().Int("clients", n).Msg("ws client connected")

	// Send current status first
	snap := s.statusSnapshot()
	if data, err := json.Marshal(Frame{Status: &snap, Stamp: time.Now().UnixMilli()}); err == nil {
		client.send <- data
	}

	// Writer goroutine
	go func() {
		defer conn.Close()
		for msg := range client.send {
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				break
			}
		}
	}()

	// Reader goroutine (keep-alive, detects close)
	go func() {
		defer func() {
			s.clientsMu.Lock()
			delete(s.clients, client)
			close(client.send)
			n := len(s.clients)
			s.clientsMu.Unlock()
			log.Debug().Int("clients", n).Msg("ws client disconnected")
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		data, err := s.cfg.ToJSON()
		if err != nil {
			http.Error(w, err.Error(), 500)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(data)

	case http.MethodPost:
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "bad request", 400)
			return
		}
		if err := s.cfg.UpdateFromJSON(body); err != nil {
			http.Error(w, err.Error(), 400)
			return
		}
		if err := s.cfg.Save(); err != nil {
			log.Warn().Err(err).Msg("config save failed")
		}
		s.cfg.mu.RLock()
		enabled := s.cfg.Record.Enabled
		s.cfg.mu.RUnlock()
		s.logger.SetEnabled(enabled)
		writeJSON(w, map[string]string{"status": "ok"})

	default:
		http.Error(w, "method not allowed", 405)
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.statusSnapshot())
}

func (s *Server) handlePorts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string][]string{"ports": s.handler.AvailablePorts()})
}

func (s *Server) handleRead(w http.ResponseWriter, r *http.Request) {
	reading, err := s.handler.Read(r.Context(), r.URL.Query().Get("name"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, reading)
}

func (s *Server) handleDTC(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", 405)
		return
	}
	codes, err := s.handler.DiagnosticCodes(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if codes == nil {
		codes = []dtc.Code{}
	}
	s.broadcast(Frame{Codes: codes, Stamp: time.Now().UnixMilli()})
	writeJSON(w, map[string][]dtc.Code{"codes": codes})
}

func (s *Server) handleClearDTC(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", 405)
		return
	}
	ok, err := s.handler.ClearDiagnosticCodes(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	log.Info().Bool("cleared", ok).Msg("diagnostic codes clear requested")
	writeJSON(w, map[string]bool{"cleared": ok})
}

func (s *Server) handleRecord(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
	case http.MethodPost:
		var req struct {
			Enabled bool `json:"enabled"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request", 400)
			return
		}
		s.logger.SetEnabled(req.Enabled)
	default:
		http.Error(w, "method not allowed", 405)
		return
	}
	writeJSON(w, map[string]interface{}{"enabled": s.logger.IsEnabled(), "file": s.logger.Path()})
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	code := http.StatusBadGateway
	switch {
	case errors.Is(err, ecu.ErrNotConnected):
		code = http.StatusServiceUnavailable
	case errors.Is(err, catalog.ErrNotSupported):
		code = http.StatusNotFound
	}
	http.Error(w, err.Error(), code)
}

// pollLoop keeps the handler connected and broadcasts each polling pass.
func (s *Server) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.PollInterval())
	defer ticker.Stop()
	defer s.logger.Close()
	defer s.handler.Disconnect()

	for {
		if !s.handler.IsConnected() {
			if err := s.connect(ctx); err != nil {
				return
			}
			s.logger.SetColumns(s.handler.SupportedParameters())
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		readings, err := s.handler.Update(ctx)
		if err != nil {
			log.Debug().Err(err).Msg("poll failed")
			continue
		}
		if len(readings) == 0 {
			continue
		}
		s.broadcast(Frame{Readings: readings, Stamp: time.Now().UnixMilli()})
		s.logger.Record(readings)
	}
}

func (s *Server) connect(ctx context.Context) error {
	opts, err := s.cfg.HandlerOptions()
	if err != nil {
		log.Error().Err(err).Msg("invalid adapter options")
		<-ctx.Done()
		return ctx.Err()
	}
	s.cfg.mu.RLock()
	port := s.cfg.Adapter.Port
	s.cfg.mu.RUnlock()
	return ConnectWithRetry(ctx, s.handler, port, opts, 0)
}

func (s *Server) broadcast(frame Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}

	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	for client := range s.clients {
		select {
		case client.send <- data:
		default:
			// Client too slow, skip
		}
	}
}

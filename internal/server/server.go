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

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/phuslu/log"

	"github.com/shaunagostinho/trackagent/internal/journal"
	"github.com/shaunagostinho/trackagent/internal/status"
	"github.com/shaunagostinho/trackagent/internal/tracking"
)

// Agent is the running delivery pipeline.
type Agent interface {
	Snapshot() tracking.Snapshot
}

// Backlog reports how many records are waiting in the queue.
type Backlog interface {
	Len(ctx context.Context) (int, error)
}

// Fallback reports whether the hybrid source is on cell positioning.
type Fallback interface {
	Fallback() bool
}

// Deps are the components the status server reports on. Journal and
// Fallback may be nil.
type Deps struct {
	Agent    Agent
	Queue    Backlog
	Fallback Fallback
	Journal  *journal.Journal
	Status   *status.Channel
	Web      fs.FS
}

// Server exposes agent status over HTTP and pushes status messages to
// WebSocket clients.
type Server struct {
	cfg  *Config
	deps Deps

	clients   map[*wsClient]struct{}
	clientsMu sync.RWMutex

	upgrader websocket.Upgrader
	router   chi.Router

	log log.Logger
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// Frame is the JSON structure sent to WebSocket clients.
type Frame struct {
	Status  *Report         `json:"status,omitempty"`
	Message *status.Message `json:"message,omitempty"`
	Stamp   int64           `json:"stamp"` // Unix ms
}

// Report is the body of GET /api/status.
type Report struct {
	DeviceID string            `json:"deviceId"`
	Provider string            `json:"provider"`
	Fallback bool              `json:"fallback"`
	Queued   int               `json:"queued"`
	Agent    tracking.Snapshot `json:"agent"`
	Recent   []status.Message  `json:"recent"`
}

// New creates a new Server.
func New(cfg *Config, deps Deps) *Server {
	s := &Server{
		cfg:     cfg,
		deps:    deps,
		clients: make(map[*wsClient]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	s.log = log.DefaultLogger
	s.log.Context = log.NewContext(nil).Str("module", "status-server").Value()

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/api/status", s.handleStatus)
	r.Get("/api/config", s.handleGetConfig)
	r.Post("/api/config", s.handlePostConfig)
	r.Get("/ws", s.handleWS)
	if deps.Web != nil {
		r.Handle("/*", http.FileServer(http.FS(deps.Web)))
	}
	s.router = r

	if deps.Status != nil {
		deps.Status.Subscribe("status-server", s.forward)
	}
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

// Run serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	addr := s.cfg.Snapshot().Status.ListenAddr
	srv := &http.Server{
		Addr:           addr,
		Handler:        s.router,
		ReadTimeout:    10 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	go func() {
		<-ctx.Done()
		if s.deps.Status != nil {
			s.deps.Status.Unsubscribe("status-server")
		}
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
		s.closeClients()
	}()

	s.log.Info().Str("addr", addr).Msg("listening")
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) report(ctx context.Context) Report {
	settings := s.cfg.Snapshot()
	rep := Report{
		DeviceID: settings.DeviceID,
		Provider: settings.Tracking.Provider,
		Recent:   []status.Message{},
	}
	if s.deps.Agent != nil {
		rep.Agent = s.deps.Agent.Snapshot()
	}
	if s.deps.Fallback != nil {
		rep.Fallback = s.deps.Fallback.Fallback()
	}
	if s.deps.Queue != nil {
		n, err := s.deps.Queue.Len(ctx)
		if err != nil {
			s.log.Warn().Err(err).Msg("queue length")
		}
		rep.Queued = n
	}
	if s.deps.Status != nil {
		rep.Recent = s.deps.Status.Recent()
	}
	return rep
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.report(r.Context()))
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	data, err := s.cfg.ToJSON()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

// handlePostConfig merges a partial config. The device id and journal
// switch apply immediately; everything else on the next start.
func (s *Server) handlePostConfig(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if err := s.cfg.UpdateFromJSON(body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.cfg.Save(); err != nil {
		s.log.Error().Err(err).Msg("config save failed")
	}
	if s.deps.Journal != nil {
		s.deps.Journal.SetEnabled(s.cfg.Snapshot().Logging.Journal)
	}
	s.log.Info().Str("device_id", s.cfg.DeviceID()).Msg("config updated")

	rep := s.report(r.Context())
	s.broadcast(Frame{Status: &rep, Stamp: time.Now().UnixMilli()})
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("ws upgrade")
		return
	}

	client := &wsClient{
		conn: conn,
		send: make(chan []byte, 64),
	}

	rep := s.report(r.Context())
	if data, err := json.Marshal(Frame{Status: &rep, Stamp: time.Now().UnixMilli()}); err == nil {
		client.send <- data
	}

	s.clientsMu.Lock()
	s.clients[client] = struct{}{}
	n := len(s.clients)
	s.clientsMu.Unlock()
	s.log.Debug().Int("clients", n).Msg("ws client connected")

	go func() {
		defer conn.Close()
		for msg := range client.send {
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				break
			}
		}
	}()

	go func() {
		defer s.drop(client)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (s *Server) drop(c *wsClient) {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	if _, ok := s.clients[c]; !ok {
		return
	}
	delete(s.clients, c)
	close(c.send)
	s.log.Debug().Int("clients", len(s.clients)).Msg("ws client disconnected")
}

func (s *Server) closeClients() {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	for c := range s.clients {
		delete(s.clients, c)
		close(c.send)
	}
}

// forward runs on the publisher's goroutine and must not block.
func (s *Server) forward(m status.Message) {
	s.broadcast(Frame{Message: &m, Stamp: m.Time.UnixMilli()})
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

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

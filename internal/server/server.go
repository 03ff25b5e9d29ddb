package server

import (
	"context"
	"encoding/json"
	"io"
	"io/fs"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shaunagostinho/rfsurvey/internal/sample"
	"github.com/shaunagostinho/rfsurvey/internal/survey"
)

// Pipeline is the part of survey.Controller the server drives.
type Pipeline interface {
	Dispatch(line string) (string, error)
	Status() survey.Status
	Subscribe(survey.Observer)
}

// Server exposes pipeline control and a live sample feed to the operator.
type Server struct {
	cfg      *Config
	pipeline Pipeline
	gatherer prometheus.Gatherer
	webFS    fs.FS

	clients   map[*wsClient]struct{}
	clientsMu sync.RWMutex

	upgrader websocket.Upgrader
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// Frame is the JSON structure sent to all WebSocket clients. Sample frames
// carry Dir, Run and Sample; status frames carry Status.
type Frame struct {
	Dir    string         `json:"dir,omitempty"`
	Run    string         `json:"run,omitempty"`
	Sample *sample.Record `json:"sample,omitempty"`
	Status *survey.Status `json:"status,omitempty"`
	Stamp  int64          `json:"stamp"` // Unix ms
}

// New creates a Server and subscribes it to p's samples. A nil gatherer
// serves the default registry on /metrics; a nil webFS serves no page.
func New(cfg *Config, p Pipeline, gatherer prometheus.Gatherer, webFS fs.FS) *Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	s := &Server{
		cfg:      cfg,
		pipeline: p,
		gatherer: gatherer,
		webFS:    webFS,
		clients:  make(map[*wsClient]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	p.Subscribe(s.onSample)
	return s
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Serve embedded web files
	if s.webFS != nil {
		mux.Handle("/", http.FileServer(http.FS(s.webFS)))
	}

	// WebSocket endpoint
	mux.HandleFunc("/ws", s.handleWS)

	// Pipeline API
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/command", s.requireAuth(s.handleCommand))

	// Config API
	mux.HandleFunc("/api/config", s.requireAuth(s.handleConfig))

	mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	return mux
}

// Run serves HTTP until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	s.cfg.mu.RLock()
	addr := s.cfg.Server.ListenAddr
	s.cfg.mu.RUnlock()

	srv := &http.Server{
		Addr:    addr,
		Handler: s.Handler(),
	}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()

	log.Printf("[server] listening on %s", addr)
	if err := srv.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[ws] upgrade error: %v", err)
		return
	}

	client := &wsClient{
		conn: conn,
		send: make(chan []byte, 64),
	}

	// Initial status, queued before the client can receive broadcasts
	if data, err := json.Marshal(s.statusFrame()); err == nil {
		client.send <- data
	}

	s.clientsMu.Lock()
	s.clients[client] = struct{}{}
	n := len(s.clients)
	s.clientsMu.Unlock()

	log.Printf("[ws] client connected (%d total)", n)

	// Writer goroutine
	go func() {
		defer conn.Close()
		for msg := range client.send {
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				break
			}
		}
	}()

	// Reader goroutine (keep-alive, detects disconnect)
	go func() {
		defer func() {
			s.clientsMu.Lock()
			delete(s.clients, client)
			n := len(s.clients)
			close(client.send)
			s.clientsMu.Unlock()
			log.Printf("[ws] client disconnected (%d total)", n)
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", 405)
		return
	}
	writeJSON(w, http.StatusOK, s.pipeline.Status())
}

type commandRequest struct {
	Command string `json:"command"`
}

type commandResponse struct {
	Result string `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", 405)
		return
	}
	var req commandRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 4096)).Decode(&req); err != nil {
		http.Error(w, "bad request", 400)
		return
	}

	out, err := s.pipeline.Dispatch(req.Command)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, commandResponse{Result: out, Error: err.Error()})
		return
	}
	log.Printf("[server] command %q: %s", req.Command, out)
	s.broadcast(s.statusFrame())
	writeJSON(w, http.StatusOK, commandResponse{Result: out})
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
			log.Printf("[config] save failed: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))

	default:
		http.Error(w, "method not allowed", 405)
	}
}

func (s *Server) onSample(ev survey.Event) {
	r := ev.Sample
	s.broadcast(Frame{Dir: ev.Dir, Run: ev.Run, Sample: &r, Stamp: ev.Stamp})
}

func (s *Server) statusFrame() Frame {
	st := s.pipeline.Status()
	return Frame{Status: &st, Stamp: time.Now().UnixMilli()}
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

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

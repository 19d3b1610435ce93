package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/openagentos/agentos/internal/bus"
	"github.com/openagentos/agentos/internal/config"
	"github.com/openagentos/agentos/pkg/protocol"
)

// Task abilities invoked by the ingress. The transport reaches the task
// manager only through the bus.
const (
	spawnAbility = "task:spawn"
	sendAbility  = "task:send"
)

// Server is the user-facing HTTP surface: message ingress plus the SSE
// and WebSocket stream endpoints.
type Server struct {
	cfg     config.ServerConfig
	bus     *bus.Bus
	table   *Table
	logger  *slog.Logger
	limiter *rate.Limiter

	heartbeat  time.Duration
	httpServer *http.Server
}

func NewServer(cfg config.ServerConfig, b *bus.Bus, table *Table, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:       cfg,
		bus:       b,
		table:     table,
		logger:    logger,
		heartbeat: 30 * time.Second,
	}
	if cfg.HeartbeatInterval > 0 {
		s.heartbeat = time.Duration(cfg.HeartbeatInterval) * time.Second
	}
	if cfg.RateLimitRPM > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(float64(cfg.RateLimitRPM)/60), cfg.RateLimitRPM)
	}
	return s
}

// Handler builds the route table. Every response carries permissive CORS
// headers and OPTIONS preflight is accepted on any path.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /send", s.handleSend)
	mux.HandleFunc("GET /stream/", s.handleStream)
	mux.HandleFunc("GET /ws/", s.handleWebSocket)
	mux.HandleFunc("GET /health", s.handleHealth)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		mux.ServeHTTP(w, r)
	})
}

// Start binds the listener and serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.httpServer = &http.Server{Addr: addr, Handler: s.Handler()}

	s.logger.Info("transport starting", "addr", addr)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
		s.table.Close()
	}()

	if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("transport server: %w", err)
	}
	return nil
}

// StartTestServer serves on a random loopback port for integration tests.
func StartTestServer(s *Server, ctx context.Context) (addr string, start func()) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		panic("listen: " + err.Error())
	}
	s.httpServer = &http.Server{Handler: s.Handler()}
	start = func() {
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			s.httpServer.Shutdown(shutdownCtx)
			s.table.Close()
		}()
		s.httpServer.Serve(ln)
	}
	return ln.Addr().String(), start
}

type sendRequest struct {
	Message string `json:"message"`
	TaskID  string `json:"taskId"`
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	if s.limiter != nil && !s.limiter.Allow() {
		writeError(w, http.StatusTooManyRequests, "RATE_LIMITED", "too many requests")
		return
	}

	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION", "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		writeError(w, http.StatusBadRequest, "VALIDATION", "message must be a non-empty string")
		return
	}

	if req.TaskID == "" {
		s.spawn(w, r, req.Message)
		return
	}

	input, _ := json.Marshal(map[string]string{"receiverId": req.TaskID, "message": req.Message})
	res := s.bus.Invoke(r.Context(), sendAbility, uuid.NewString(), bus.CallerSystem, input)
	switch res.Status {
	case bus.StatusSuccess:
		writeJSON(w, http.StatusOK, map[string]string{"taskId": req.TaskID, "status": "running"})
	case bus.StatusError, bus.StatusInvalidInput:
		writeError(w, http.StatusBadRequest, "SEND_FAILED", res.ErrMsg)
	default:
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", res.ErrMsg)
	}
}

func (s *Server) spawn(w http.ResponseWriter, r *http.Request, goal string) {
	input, _ := json.Marshal(map[string]string{"goal": goal})
	res := s.bus.Invoke(r.Context(), spawnAbility, uuid.NewString(), bus.CallerSystem, input)
	if !res.OK() {
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", res.ErrMsg)
		return
	}
	var out struct {
		TaskID string `json:"taskId"`
	}
	if err := res.Bind(&out); err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"taskId": out.TaskID, "status": "running"})
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	taskID := strings.TrimPrefix(r.URL.Path, "/stream/")
	if taskID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Missing taskId"})
		return
	}
	if strings.Contains(taskID, "/") {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid taskId"})
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sub := s.table.Subscribe(taskID)
	defer s.table.Unsubscribe(sub)
	s.table.Dispatch(taskID, protocol.Event{
		Type:    protocol.EventStart,
		Payload: protocol.StartPayload{TaskID: taskID},
	})
	s.logger.Info("stream subscribed", "taskId", taskID)

	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			s.logger.Info("stream closed by client", "taskId", taskID)
			return
		case ev, ok := <-sub.Events():
			if !ok {
				// Replaced by a newer subscriber or shutting down.
				return
			}
			if err := writeSSE(w, ev); err != nil {
				return
			}
			flusher.Flush()
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": heartbeat\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"ok","protocol":%d}`, protocol.ProtocolVersion)
}

func writeSSE(w http.ResponseWriter, ev protocol.Event) error {
	data, err := json.Marshal(ev.Payload)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
	return err
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]string{"code": code, "message": message},
	})
}

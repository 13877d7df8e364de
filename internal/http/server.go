// Package http serves the bridge status surface and Prometheus metrics.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/laolin5564/openclaw-wechat/internal/bridge"
	. "github.com/laolin5564/openclaw-wechat/internal/logging"
)

// DefaultListen is the status surface address when none is configured.
const DefaultListen = "127.0.0.1:18790"

// StatusSource reports the current bridge state.
type StatusSource interface {
	Status() bridge.Report
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Listen  string       // Address to listen on (e.g., "127.0.0.1:18790", ":0")
	Metrics http.Handler // Served at /metrics; omitted when nil
}

// Server represents the HTTP server
type Server struct {
	server   *http.Server
	source   StatusSource
	listener net.Listener
	wg       sync.WaitGroup
	once     sync.Once
}

// NewServer creates a new HTTP server instance
func NewServer(cfg ServerConfig, source StatusSource) *Server {
	listen := cfg.Listen
	if listen == "" {
		listen = DefaultListen
	}
	s := &Server{source: source}
	s.server = &http.Server{
		Addr:              listen,
		Handler:           s.routes(cfg.Metrics),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	return s
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

func (s *Server) routes(metrics http.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(logRequest)
	r.Use(chimw.Recoverer)
	r.Use(stripHeaders)

	r.Get("/status", s.handleStatus)
	r.Get("/healthz", handleHealthz)
	if metrics != nil {
		r.Handle("/metrics", metrics)
	}
	return r
}

// Start binds the listener and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return err
	}
	s.listener = ln

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		L_info("http: server starting", "addr", ln.Addr().String())

		err := s.server.Serve(ln)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			L_error("http: server error", "error", err)
		}
	}()
	return nil
}

// Addr returns the bound address once started, else the configured one.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.server.Addr
}

// Stop gracefully shuts down the HTTP server
func (s *Server) Stop() error {
	var err error
	s.once.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err = s.server.Shutdown(ctx); err != nil {
			L_error("http: shutdown error", "error", err)
			return
		}
		s.wg.Wait()
		L_info("http: server stopped")
	})
	return err
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.source.Status())
}

func handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		L_debug("http: encode response failed", "error", err)
	}
}

// logRequest logs each request at trace level
func logRequest(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		L_trace("http: request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"requestId", chimw.GetReqID(r.Context()),
			"duration", time.Since(start))
	})
}

// stripHeaders removes fingerprinting headers
func stripHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Del("Server")
		w.Header().Del("X-Powered-By")
		next.ServeHTTP(w, r)
	})
}

// FetchStatus reads the status endpoint of a running bridge.
func FetchStatus(ctx context.Context, addr string) (bridge.Report, error) {
	var report bridge.Report
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+addr+"/status", nil)
	if err != nil {
		return report, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return report, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return report, errors.New("http: status endpoint returned " + resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		return report, err
	}
	return report, nil
}

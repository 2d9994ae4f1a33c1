package obs

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
)

const DefaultListenAddr = ":9464"

// StatusFunc returns a JSON-serializable snapshot.
type StatusFunc func(ctx context.Context) (any, error)

// HealthFunc returns nil while the service is healthy.
type HealthFunc func(ctx context.Context) error

type ServerOption struct {
	Addr     string
	Gatherer prometheus.Gatherer
	Status   StatusFunc
	Health   HealthFunc
}

// NewHandler builds the ops routes: /metrics, /healthz and /status.
func NewHandler(opt ServerOption) http.Handler {
	gatherer := opt.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(traced)

	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		if opt.Health != nil {
			if err := opt.Health(req.Context()); err != nil {
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "error": err.Error()})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/status", func(w http.ResponseWriter, req *http.Request) {
		if opt.Status == nil {
			http.NotFound(w, req)
			return
		}
		st, err := opt.Status(req.Context())
		if err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, st)
	})
	return r
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logs.Warnf("ops: encode response, err: %+v", err)
	}
}

// Server serves the ops routes until its context ends.
type Server struct {
	srv *http.Server
}

func NewServer(opt ServerOption) *Server {
	addr := opt.Addr
	if addr == "" {
		addr = DefaultListenAddr
	}
	return &Server{srv: &http.Server{
		Addr:              addr,
		Handler:           NewHandler(opt),
		ReadHeaderTimeout: 5 * time.Second,
	}}
}

// Run listens until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errc := make(chan error, 1)
	go func() {
		logs.Infof("ops: listening on %s", s.srv.Addr)
		errc <- s.srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if err == http.ErrServerClosed {
			return nil
		}
		return errors.Wrap(err, "ops server")
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "shutdown ops server")
	}
	<-errc
	return nil
}

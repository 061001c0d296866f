package sys

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Pinger is satisfied by *Database.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthParams wires the health server to the running bot.
type HealthParams struct {
	DB       Pinger
	Sessions func() int
	Backlog  func() int
	Gatherer prometheus.Gatherer
}

type healthStatus struct {
	Status   string `json:"status"`
	Database string `json:"database"`
	Sessions int    `json:"sessions"`
	Backlog  int    `json:"backlog"`
	Uptime   string `json:"uptime"`
}

// NewHealthRouter serves /health and /metrics.
func NewHealthRouter(params HealthParams) http.Handler {
	if params.Gatherer == nil {
		params.Gatherer = prometheus.DefaultGatherer
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(httprate.Limit(60, time.Minute, httprate.WithKeyFuncs(httprate.KeyByIP)))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		status := healthStatus{Status: "ok", Database: "ok", Uptime: time.Since(StartupTime).Round(time.Second).String()}
		code := http.StatusOK

		if params.DB != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := params.DB.Ping(ctx); err != nil {
				LogWarn(MsgHealthDatabaseDown, err)
				status.Status = "degraded"
				status.Database = "unreachable"
				code = http.StatusServiceUnavailable
			}
		}
		if params.Sessions != nil {
			status.Sessions = params.Sessions()
		}
		if params.Backlog != nil {
			status.Backlog = params.Backlog()
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(status)
	})
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(params.Gatherer, promhttp.HandlerOpts{}))

	return r
}

// ServeHealth listens on addr until ctx is done. An empty addr disables the server.
func ServeHealth(ctx context.Context, addr string, handler http.Handler) error {
	if addr == "" {
		return nil
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		LogError(MsgHealthFailed, err)
		return err
	}

	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	LogHealth(MsgHealthListening, ln.Addr().String())

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		LogError(MsgHealthFailed, err)
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		LogHealth(MsgHealthStopped)
		return err
	}
}

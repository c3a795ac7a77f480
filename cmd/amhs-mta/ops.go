package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/caio-sobreiro/amhsnet/config"
)

// newOpsRouter serves Prometheus metrics and a health check that pings the
// message store.
func newOpsRouter(cfg config.MetricsConfig, ping func(context.Context) error) *mux.Router {
	router := mux.NewRouter()
	router.Handle(cfg.Path, promhttp.Handler()).Methods(http.MethodGet)
	router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status, code := "healthy", http.StatusOK
		storage := "connected"
		if err := ping(ctx); err != nil {
			status, code = "unhealthy", http.StatusServiceUnavailable
			storage = "error"
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"status":  status,
			"service": "amhs-mta",
			"storage": storage,
			"version": version,
		})
	}).Methods(http.MethodGet)
	return router
}

// serveOps runs the operations HTTP listener until ctx is done
func serveOps(ctx context.Context, cfg config.MetricsConfig, ping func(context.Context) error, log *slog.Logger) error {
	srv := &http.Server{
		Addr:              cfg.Address,
		Handler:           newOpsRouter(cfg, ping),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("Operations HTTP listening", "address", cfg.Address, "metrics_path", cfg.Path)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

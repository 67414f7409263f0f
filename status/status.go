// Package status serves the local diagnostics endpoint: a JSON
// snapshot of the engine plus the Prometheus metric registry.
package status

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"trailbot/config"
	"trailbot/engine"
	"trailbot/logging"
	"trailbot/metrics"
)

type statusResponse struct {
	Time time.Time `json:"time"`
	engine.Snapshot
}

// StartServer starts a local HTTP status server for diagnostics.
// Returns nil when the server is disabled in the configuration.
func StartServer(cfg *config.Config, eng *engine.Engine, m *metrics.Metrics, logger logging.LoggerInterface) *http.Server {
	addr := strings.TrimSpace(cfg.StatusAddr)
	if addr == "" || strings.EqualFold(addr, "off") || strings.EqualFold(addr, "disabled") {
		logger.Info("Status server disabled")
		return nil
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		resp := statusResponse{
			Time:     time.Now(),
			Snapshot: eng.Status(),
		}
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(resp); err != nil {
			http.Error(w, "failed to encode status", http.StatusInternalServerError)
			return
		}
	})
	if m != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{}))
	}

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("Status server listening on %s", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Status server error: %v", err)
		}
	}()

	return server
}

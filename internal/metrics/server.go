package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const shutdownGrace = 5 * time.Second

// Serve runs the /metrics endpoint on ln until ctx is done.
func (m *Metrics) Serve(ctx context.Context, ln net.Listener, log *slog.Logger) error {
	if log == nil {
		log = slog.Default()
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: shutdownGrace}

	served := make(chan error, 1)
	go func() { served <- srv.Serve(ln) }()
	log.Info("Metrics endpoint is up", "addr", ln.Addr().String(), "path", "/metrics")

	select {
	case err := <-served:
		return fmt.Errorf("metrics endpoint failed: %w", err)
	case <-ctx.Done():
	}

	log.Info("Stopping metrics endpoint...")
	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(stopCtx); err != nil {
		return fmt.Errorf("failed to stop metrics endpoint: %w", err)
	}
	if err := <-served; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Package observability exposes the OpenTelemetry metrics of the agent in
// the Prometheus format.
package observability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/sdk/metric"
)

// InitMetrics installs a global meter provider backed by a Prometheus
// exporter. It returns the /metrics handler and the provider shutdown.
func InitMetrics() (http.Handler, func(context.Context) error, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, nil, fmt.Errorf("creating prometheus exporter: %w", err)
	}

	provider := metric.NewMeterProvider(
		metric.WithReader(exporter),
	)
	otel.SetMeterProvider(provider)

	return promhttp.Handler(), provider.Shutdown, nil
}

// Server serves /metrics on a dedicated listener.
type Server struct {
	srv      *http.Server
	shutdown func(context.Context) error
	done     chan error
}

// Serve initializes the metrics and starts serving them on addr.
func Serve(ctx context.Context, addr string) (*Server, error) {
	handler, shutdown, err := InitMetrics()
	if err != nil {
		return nil, err
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.Join(fmt.Errorf("listening on %s: %w", addr, err), shutdown(ctx))
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)
	s := &Server{
		srv: &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		shutdown: shutdown,
		done:     make(chan error, 1),
	}
	go func() {
		err := s.srv.Serve(ln)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		s.done <- err
	}()
	slog.InfoContext(ctx, "metrics listening", "addr", ln.Addr().String())
	return s, nil
}

// Close stops the server and the meter provider.
func (s *Server) Close(ctx context.Context) error {
	err := s.srv.Shutdown(ctx)
	return errors.Join(err, <-s.done, s.shutdown(ctx))
}

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/glimte/sensorbridge"
	"github.com/glimte/sensorbridge/config"
	"github.com/glimte/sensorbridge/contracts"
	"github.com/glimte/sensorbridge/health"
	"github.com/glimte/sensorbridge/metrics"
)

// globalFlags are the root persistent flags; set values override the config
type globalFlags struct {
	configPath string
	transport  string
	url        string
	logLevel   string
	logFile    string
}

func (f *globalFlags) load() (*config.Config, error) {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return nil, err
	}
	if f.transport != "" {
		cfg.Transport.Kind = f.transport
	}
	if f.url != "" {
		cfg.Transport.URL = f.url
	}
	if f.logLevel != "" {
		cfg.Log.Level = f.logLevel
	}
	if f.logFile != "" {
		cfg.Log.File = f.logFile
	}
	return cfg, cfg.Validate()
}

// session is one started client plus its logging and metrics endpoint
type session struct {
	client *sensorbridge.Client
	logger *slog.Logger
	server *http.Server
	logs   io.Closer
}

func openSession(ctx context.Context, flags *globalFlags, cb contracts.IndicationCallback) (*session, error) {
	cfg, err := flags.load()
	if err != nil {
		return nil, err
	}

	logger, logs, err := newLogger(cfg.Log)
	if err != nil {
		return nil, err
	}
	s := &session{logger: logger, logs: logs}

	opts := []sensorbridge.ClientOption{sensorbridge.WithLogger(logger)}
	var reg *prometheus.Registry
	if cfg.Metrics.Addr != "" {
		reg = prometheus.NewRegistry()
		collector, err := metrics.NewPrometheusCollector(reg)
		if err != nil {
			logs.Close()
			return nil, err
		}
		opts = append(opts, sensorbridge.WithMetrics(collector))
	}

	s.client, err = sensorbridge.NewClient(cfg, opts...)
	if err != nil {
		logs.Close()
		return nil, err
	}

	if reg != nil {
		s.serve(cfg.Metrics.Addr, reg)
	}

	if err := s.client.Start(ctx, cb); err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to start bridge: %w", err)
	}
	return s, nil
}

func (s *session) serve(addr string, reg *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.Handle("/health", health.NewHandler(s.client.Health(), 5*time.Second))
	mux.Handle("/live", health.LivenessHandler())

	s.server = &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("metrics server stopped", "addr", addr, "error", err)
		}
	}()
	s.logger.Info("serving metrics", "addr", addr)
}

// Close stops everything the session started
func (s *session) Close() error {
	var errs []error
	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		errs = append(errs, s.server.Shutdown(ctx))
		cancel()
	}
	errs = append(errs, s.client.Close(), s.logs.Close())
	return errors.Join(errs...)
}

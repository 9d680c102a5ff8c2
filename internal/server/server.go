// ============================================================================
// Jobserver Server — Process Wiring
// ============================================================================
//
// Package: internal/server
// File: server.go
// Purpose: Owns the listener, dispatcher, scheduler, and metrics gauges for
// one running jobserverd process, and their coordinated startup/shutdown.
//
// Load config, build the core components, start background loops, accept
// connections until told to stop.
//
// ============================================================================

// Package server ties the registry, dispatcher, scheduler, and metrics
// together into one runnable jobserverd process.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/hollow-creek/jobserver/internal/config"
	"github.com/hollow-creek/jobserver/internal/dispatcher"
	"github.com/hollow-creek/jobserver/internal/metrics"
	"github.com/hollow-creek/jobserver/internal/registry"
	"github.com/hollow-creek/jobserver/internal/runner"
	"github.com/hollow-creek/jobserver/internal/scheduler"
)

var log = slog.Default()

// gaugeSamplePeriod is how often Server refreshes the machine/job gauges.
// Finer-grained than the scheduler tick would just burn CPU on a metric no
// scrape interval notices.
const gaugeSamplePeriod = 5 * time.Second

// Server owns every long-lived component of one jobserverd instance.
type Server struct {
	cfg   *config.Config
	reg   *registry.Registry
	disp  *dispatcher.Dispatcher
	sched *scheduler.Scheduler
	met   *metrics.Collector

	ln net.Listener
}

// New builds a Server from cfg but does not yet bind a listener or start
// background loops; call Run for that.
func New(cfg *config.Config) *Server {
	reg := registry.New()

	var met *metrics.Collector
	if cfg.Metrics.Enabled {
		met = metrics.NewCollector()
	}

	runnerCfg := runner.Config{
		RunnerPath:     cfg.Runner.Path,
		LogDir:         cfg.Runner.LogDir,
		RemoteCopyTool: cfg.Runner.RemoteCopyTool,
	}

	period := cfg.Runner.SchedulerPeriod
	if period <= 0 {
		period = time.Second
	}

	return &Server{
		cfg:   cfg,
		reg:   reg,
		disp:  dispatcher.New(reg, met),
		sched: scheduler.New(reg, runnerCfg, period, met),
		met:   met,
	}
}

// Run binds the listener, starts the scheduler and optional metrics HTTP
// server, and accepts connections until ctx is cancelled. It returns as soon
// as the listener closes; it does not wait for the scheduler, the gauge
// sampler, the metrics server or in-flight connection handlers to finish.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Server.Addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.Server.Addr, err)
	}
	s.ln = ln
	log.Info("jobserver listening", "addr", ln.Addr().String())

	go s.sched.Run(ctx)

	if s.met != nil {
		s.runMetricsServer(ctx)
	}

	go s.sampleGauges(ctx)

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				log.Warn("accept failed", "err", err)
				return err
			}
		}
		go s.disp.Handle(conn)
	}
}

// runMetricsServer starts the Prometheus /metrics endpoint in the
// background. Listener failures are logged, not fatal: a server that can't
// expose metrics should still serve jobs.
func (s *Server) runMetricsServer(ctx context.Context) {
	addr := fmt.Sprintf(":%d", s.cfg.Metrics.Port)
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	httpSrv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		log.Info("metrics server listening", "addr", addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Warn("metrics server error", "err", err)
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(shutdownCtx)
	}()
}

// sampleGauges periodically refreshes the idle/busy machine and waiting job
// gauges from the registry's point-in-time counts.
func (s *Server) sampleGauges(ctx context.Context) {
	if s.met == nil {
		return
	}
	ticker := time.NewTicker(gaugeSamplePeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			idle, busy, waiting := s.reg.Stats()
			s.met.UpdateMachineStats(idle, busy)
			s.met.UpdateJobStats(waiting)
		}
	}
}

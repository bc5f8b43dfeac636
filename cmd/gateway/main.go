package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	_ "go.uber.org/automaxprocs"

	"candlegate/config"
	"candlegate/internal/dedup"
	"candlegate/internal/gateway"
	"candlegate/internal/logger"
	"candlegate/internal/manager"
	"candlegate/internal/metrics"
	"candlegate/internal/quotequeue"
	"candlegate/internal/restpool"
	"candlegate/internal/upstream"
)

const (
	exitConfigError = 1
	exitBindError   = 2
)

func main() {
	// A .env file is a convenience for local runs; absence is fine.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitConfigError)
	}

	log := logger.Init("candlegate", logger.ParseLevel(cfg.LogLevel))
	log.Info("starting", "ws_port", cfg.WSPort, "health_port", cfg.HealthCheckPort)

	// ---- Shared pipeline pieces ----
	queue := quotequeue.New(cfg.ClosedQueueMaxsize, cfg.OpenQueueMaxsize, cfg.ProducerBlockLimit)
	dd := dedup.New(cfg.DedupWindow, cfg.DedupMaxEntries)
	pool := restpool.New(cfg.RestPoolConnections, cfg.RestPoolMaxsize, cfg.RestTimeout)

	reg := prometheus.NewRegistry()
	met := metrics.NewMetrics(reg)
	met.RegisterQueueStats(
		func() float64 { return float64(queue.ClosedDepth()) },
		func() float64 { return float64(queue.OpenDepth()) },
		func() float64 { return float64(queue.BlockingEvents()) },
		func() float64 { return float64(queue.OpenDropped()) },
		func() float64 { return float64(dd.FilteredCount()) },
	)
	health := metrics.NewHealthStatus()

	// ---- Upstream session manager ----
	mgr := manager.New(manager.Config{
		MaxSymbolsPerSession: cfg.MaxSymbolPerWS,
		MaxConnsPerExchange:  cfg.MaxConnPerExchange,
		Session: upstream.Config{
			InactivityTimeout: cfg.InactivityTimeout,
			ReconnectDelay:    cfg.ReconnectDelay,
			PingInterval:      cfg.WSPingInterval,
			PingTimeout:       cfg.WSPingTimeout,
		},
		BreakerThreshold: cfg.BreakerFailureThreshold,
		BreakerBase:      cfg.BreakerRecoveryTimeout,
		BreakerMax:       cfg.BreakerMaxBackoff,
		BreakerHalfOpen:  cfg.BreakerHalfOpenCalls,
	}, queue, dd, pool, met, health, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	mgr.Start(ctx)

	// ---- Downstream subscriber server ----
	gw := gateway.NewServer(gateway.ServerConfig{
		Addr:             net.JoinHostPort(cfg.WSHost, strconv.Itoa(cfg.WSPort)),
		SubscribeTimeout: cfg.SubscribeTimeout,
		BufferMax:        cfg.SubscriberBufferMax,
		Policy:           gateway.OverflowPolicy(cfg.OverflowPolicy),
	}, mgr, met, log)
	if err := gw.Start(); err != nil {
		log.Error("subscriber listener bind failed", "error", err)
		os.Exit(exitBindError)
	}

	// ---- Health/metrics surface ----
	var metricsSrv *metrics.Server
	if cfg.HealthCheckEnabled {
		metricsSrv = metrics.NewServer(
			net.JoinHostPort(cfg.WSHost, strconv.Itoa(cfg.HealthCheckPort)), reg, health, log)
		if err := metricsSrv.Start(); err != nil {
			log.Error("health listener bind failed", "error", err)
			os.Exit(exitBindError)
		}
	}

	log.Info("gateway ready")

	// ---- Graceful shutdown ----
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("shutdown signal received", "signal", sig.String())

	// A second signal aborts the drain.
	go func() {
		<-sigCh
		log.Warn("second signal, exiting immediately")
		os.Exit(1)
	}()

	drainCtx, drainCancel := context.WithTimeout(context.Background(), cfg.DrainTimeout)
	defer drainCancel()

	if err := gw.Stop(drainCtx); err != nil {
		log.Warn("subscriber drain incomplete", "error", err)
	}
	mgr.Close()
	cancel()
	if metricsSrv != nil {
		metricsSrv.Stop(drainCtx)
	}

	log.Info("shutdown complete")
}

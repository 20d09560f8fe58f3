// File: cmd/syncpulse/main.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// syncpulse serves marketplace sync events to dashboard clients over
// WebSocket, with metrics and health on a separate ops endpoint.

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/momentics/syncpulse-ws/control"
	"github.com/momentics/syncpulse-ws/provider"
	"github.com/momentics/syncpulse-ws/server"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	listen := flag.String("listen", "", "override listen address, e.g. 0.0.0.0:8080")
	flag.Parse()

	if err := run(*configPath, *listen); err != nil {
		fmt.Fprintln(os.Stderr, "syncpulse:", err)
		os.Exit(1)
	}
}

func run(configPath, listen string) error {
	cfg, err := control.LoadConfig(configPath)
	if err != nil {
		return err
	}
	if listen != "" {
		cfg.ListenAddr = listen
	}

	log, level, err := control.NewLogger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	defer log.Sync() //nolint:errcheck

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := control.NewMetrics(reg)

	mem := provider.NewMemory(cfg.Marketplaces,
		provider.WithLogger(log.Named("provider")),
		provider.WithStats(metrics),
		provider.WithSyncDuration(cfg.SyncDuration),
	)
	defer mem.Close()
	data := provider.NewGuard(mem, provider.GuardConfig{
		FailureThreshold: cfg.ProviderFailureThreshold,
		OpenDelay:        cfg.ProviderOpenDelay,
		Logger:           log.Named("guard"),
		Observer:         metrics.ObserveProvider,
	})

	probes := control.NewDebugProbes()
	control.RegisterPlatformProbes(probes)
	probes.RegisterProbe("provider.syncs_running", func() any { return mem.Running() })
	probes.RegisterProbe("provider.circuit_open", func() any { return data.Open() })

	srv := server.New(server.Config{
		ListenAddr:        cfg.ListenAddr,
		HandshakeTimeout:  cfg.HandshakeTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		BroadcastInterval: cfg.BroadcastInterval,
		TickResolution:    cfg.TickResolution,
		TCPUserTimeout:    cfg.TCPUserTimeout,
		MaxFramePayload:   cfg.MaxFramePayload,
		MaxClients:        cfg.MaxClients,
		SendBacklog:       cfg.SendBacklog,
		RateLimit:         cfg.RateLimit,
		RateBurst:         cfg.RateBurst,
	}, data,
		server.WithLogger(log),
		server.WithMetrics(metrics),
		server.WithProbes(probes),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go reloadLevelOnHangup(ctx, configPath, level, log)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.ListenAndServe(ctx); err != nil {
			return fmt.Errorf("websocket listener: %w", err)
		}
		return nil
	})
	if cfg.OpsAddr != "" {
		ops := control.NewOpsServer(control.OpsConfig{
			Addr:     cfg.OpsAddr,
			Gatherer: reg,
			Probes:   probes,
			Clients:  metrics,
			Logger:   log.Named("ops"),
		})
		g.Go(func() error {
			if err := ops.Run(ctx); err != nil {
				return fmt.Errorf("ops endpoint: %w", err)
			}
			return nil
		})
	}

	err = g.Wait()
	log.Info("final report",
		zap.Uint64("connections_served", metrics.ConnectionsServed()),
		zap.Uint64("messages_processed", metrics.MessagesProcessed()),
		zap.Uint64("errors", metrics.ErrorsCount()))
	return err
}

// reloadLevelOnHangup re-reads the log level on SIGHUP.
func reloadLevelOnHangup(ctx context.Context, configPath string, level zap.AtomicLevel, log *zap.Logger) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			cfg, err := control.LoadConfig(configPath)
			if err != nil {
				log.Warn("reload skipped", zap.Error(err))
				continue
			}
			if err := control.SetLevel(level, cfg.LogLevel); err != nil {
				log.Warn("reload skipped", zap.Error(err))
				continue
			}
			log.Info("log level reloaded", zap.String("level", cfg.LogLevel))
		}
	}
}

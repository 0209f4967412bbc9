// Package main implements the transmitter-side SCPI server.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/tunnel-broadcast/amrc/internal/config"
	"github.com/tunnel-broadcast/amrc/internal/device"
	"github.com/tunnel-broadcast/amrc/internal/logger"
	"github.com/tunnel-broadcast/amrc/internal/metrics"
)

func main() {
	var (
		configPath = pflag.StringP("config", "c", "", "path to the server YAML configuration")
		addr       = pflag.String("addr", "", "control listen address (overrides listen.addr)")
		backend    = pflag.String("backend", "", "register backend: sim or devmem")
		debug      = pflag.Bool("debug", false, "human-readable debug logging")
	)
	pflag.Parse()

	// Step 1: Load configuration
	cfg, err := config.LoadDevice(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if *addr != "" {
		cfg.Listen.Addr = *addr
	}
	if *backend != "" {
		cfg.Hardware.Backend = *backend
	}
	if *debug {
		cfg.Logging.Debug = true
	}

	// Step 2: Initialize logging
	log, logCloser, err := logger.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logging: %v\n", err)
		os.Exit(1)
	}
	defer logCloser.Close()

	if err := run(cfg, log); err != nil {
		log.Error().Err(err).Msg("SCPI server stopped with error")
		logCloser.Close()
		os.Exit(1)
	}
}

func run(cfg *config.DeviceConfig, log zerolog.Logger) error {
	log.Info().Str("identity", cfg.Hardware.Identity).Str("backend", cfg.Hardware.Backend).Msg("Starting AM transmitter SCPI server")

	// Step 3: Initialize metrics registry
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewDevice(reg)

	// Step 4: Open the register window
	regs, err := device.OpenRegisters(cfg.Hardware)
	if err != nil {
		return fmt.Errorf("failed to open registers: %w", err)
	}
	defer regs.Close()
	if cfg.Hardware.Backend == config.BackendSim {
		log.Warn().Msg("Running with simulated registers, RF hardware is not driven")
	}

	// Step 5: Initialize the audio loader and transmitter
	loader := device.NewLoader(cfg.Audio.Loader, cfg.Audio.Timeout, m.RecordAudioLoad, logger.WithComponent(log, "loader"))
	defer loader.Close()
	for id, path := range cfg.Audio.Files {
		_, statErr := os.Stat(path)
		log.Info().Int("message", id).Str("file", path).Bool("present", statErr == nil).Msg("Audio file")
	}

	tx, err := device.NewTransmitter(regs, cfg, loader, m, logger.WithComponent(log, "transmitter"))
	if err != nil {
		return err
	}

	// Step 6: Create control server
	server, err := device.NewServer(tx, cfg.Listen, m, logger.WithComponent(log, "server"))
	if err != nil {
		return err
	}
	l, err := net.Listen("tcp", cfg.Listen.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.Listen.Addr, err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		tx.Run(gctx, cfg.Watchdog.CheckInterval)
		return nil
	})
	g.Go(func() error {
		return server.Serve(gctx, l)
	})

	// Step 7: Serve metrics when configured
	if cfg.Metrics.Addr != "" {
		metricsServer := &http.Server{
			Addr:              cfg.Metrics.Addr,
			Handler:           metrics.Handler(reg),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			log.Info().Str("addr", cfg.Metrics.Addr).Msg("Metrics listening")
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server failed: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return metricsServer.Shutdown(shutdownCtx)
		})
	}

	waitErr := g.Wait()

	// RF off on the way out.
	if err := tx.SetOutput(false); err != nil {
		log.Error().Err(err).Msg("Failed to disable RF on shutdown")
	}
	log.Info().Msg("SCPI server shutdown complete")
	return waitErr
}

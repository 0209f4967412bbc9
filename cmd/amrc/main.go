// Package main implements the AM transmitter controller entry point.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/tunnel-broadcast/amrc/internal/api"
	"github.com/tunnel-broadcast/amrc/internal/audit"
	"github.com/tunnel-broadcast/amrc/internal/auth"
	"github.com/tunnel-broadcast/amrc/internal/bridge"
	"github.com/tunnel-broadcast/amrc/internal/config"
	"github.com/tunnel-broadcast/amrc/internal/controller"
	"github.com/tunnel-broadcast/amrc/internal/logger"
	"github.com/tunnel-broadcast/amrc/internal/metrics"
	"github.com/tunnel-broadcast/amrc/internal/telemetry"
)

func main() {
	var (
		configPath = pflag.StringP("config", "c", "", "path to the controller YAML configuration")
		addr       = pflag.String("addr", "", "HTTP API listen address (overrides api.addr)")
		device     = pflag.String("device", "", "transmitter host:port (overrides device.host/port)")
		connect    = pflag.Bool("connect", false, "connect to the transmitter at startup")
		debug      = pflag.Bool("debug", false, "human-readable debug logging")
		issueFor   = pflag.String("issue-token", "", "print a signed token for this subject and exit")
		roles      = pflag.StringSlice("roles", []string{auth.RoleController}, "roles of an issued token")
		scopes     = pflag.StringSlice("scopes", []string{auth.ScopeRead, auth.ScopeControl, auth.ScopeTelemetry}, "scopes of an issued token")
		tokenTTL   = pflag.Duration("token-ttl", 24*time.Hour, "lifetime of an issued token")
	)
	pflag.Parse()

	// Step 1: Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if *addr != "" {
		cfg.API.Addr = *addr
	}
	if *device != "" {
		if err := overrideDevice(cfg, *device); err != nil {
			fmt.Fprintf(os.Stderr, "Invalid --device: %v\n", err)
			os.Exit(1)
		}
	}
	if *connect {
		cfg.Device.AutoConnect = true
	}
	if *debug {
		cfg.Logging.Debug = true
	}

	if *issueFor != "" {
		if err := issueToken(cfg.API.JWTSecret, *issueFor, *roles, *scopes, *tokenTTL); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to issue token: %v\n", err)
			os.Exit(1)
		}
		return
	}

	// Step 2: Initialize logging
	log, logCloser, err := logger.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logging: %v\n", err)
		os.Exit(1)
	}
	defer logCloser.Close()

	if err := run(cfg, log); err != nil {
		log.Error().Err(err).Msg("Controller stopped with error")
		logCloser.Close()
		os.Exit(1)
	}
}

func run(cfg *config.Config, log zerolog.Logger) error {
	log.Info().Str("version", api.Version).Str("device", cfg.Device.Addr()).Msg("Starting AM transmitter controller")

	// Step 3: Initialize metrics registry
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	recorder := metrics.NewController(reg)

	// Step 4: Initialize audit logger
	auditLogger, err := audit.NewLogger(cfg.Audit, logger.WithComponent(log, "audit"))
	if err != nil {
		return fmt.Errorf("failed to initialize audit logger: %w", err)
	}
	defer auditLogger.Close()

	// Step 5: Assemble the control core
	ctrl := controller.New(cfg, log,
		controller.WithRecorder(recorder),
		controller.WithAuditLogger(auditLogger),
	)
	defer recorder.Attach(ctrl.Bus())()
	defer auditLogger.Attach(ctrl.Bus())()

	// Step 6: Initialize telemetry hub
	hub := telemetry.NewHub(ctrl.Bus(), func() interface{} { return ctrl.Snapshot() }, telemetry.Config{
		HeartbeatInterval: cfg.API.StreamHeartbeat,
		ClientBuffer:      cfg.API.StreamBuffer,
	}, logger.WithComponent(log, "telemetry"))
	hub.Start()
	defer hub.Stop()

	// Step 7: Initialize authentication
	var verifier *auth.Verifier
	if cfg.API.JWTSecret != "" {
		verifier, err = auth.NewVerifier(cfg.API.JWTSecret)
		if err != nil {
			return fmt.Errorf("failed to initialize auth: %w", err)
		}
	} else {
		log.Warn().Msg("No JWT secret configured, API authentication disabled")
	}

	// Step 8: Create API server
	server := api.NewServer(ctrl, ctrl.Bus(), hub, metrics.Handler(reg), auth.NewMiddleware(verifier), cfg.API, logger.WithComponent(log, "api"))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return server.Start(cfg.API.Addr)
	})

	// Step 9: Start the MQTT bridge when a broker is configured
	if cfg.MQTT.Broker != "" {
		client, err := bridge.Dial(cfg.MQTT, logger.WithComponent(log, "mqtt"))
		if err != nil {
			return fmt.Errorf("failed to initialize MQTT bridge: %w", err)
		}
		defer client.Close()
		br := bridge.New(client, cfg.MQTT.TopicPrefix, cfg.MQTT.QoS, func() interface{} { return ctrl.Snapshot() }, logger.WithComponent(log, "bridge"))
		g.Go(func() error {
			br.Run(gctx, ctrl.Bus())
			return nil
		})
	}

	// Step 10: Connect when configured to
	if err := ctrl.Start(); err != nil {
		log.Warn().Err(err).Msg("Auto-connect failed")
	}
	log.Info().Str("addr", cfg.API.Addr).Msg("Controller started")

	// Graceful shutdown
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := ctrl.Disconnect(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("Disconnect failed during shutdown")
		}
		hub.Stop()
		return server.Stop(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info().Msg("Controller shutdown complete")
	return nil
}

func overrideDevice(cfg *config.Config, hostport string) error {
	host, port, ok := strings.Cut(hostport, ":")
	if !ok {
		cfg.Device.Host = hostport
		return nil
	}
	var p int
	if _, err := fmt.Sscanf(port, "%d", &p); err != nil || p <= 0 || p > 65535 {
		return fmt.Errorf("bad port %q", port)
	}
	cfg.Device.Host = host
	cfg.Device.Port = p
	return nil
}

func issueToken(secret, subject string, roles, scopes []string, ttl time.Duration) error {
	v, err := auth.NewVerifier(secret)
	if err != nil {
		return err
	}
	token, err := v.IssueToken(subject, roles, scopes, ttl)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}

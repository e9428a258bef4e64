// Command conductor runs the workflow orchestration plane: Capability
// Registry, Health Monitor, Circuit-Breaker Bank, Dispatcher, Template
// Expander, Workflow Supervisor, and the Submission/Registration HTTP
// front end, wired from one process-wide Config.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-redis/redis/v8"

	"github.com/flowforge/conductor/breaker"
	"github.com/flowforge/conductor/core"
	"github.com/flowforge/conductor/dispatch"
	"github.com/flowforge/conductor/eventbus"
	"github.com/flowforge/conductor/httpapi"
	"github.com/flowforge/conductor/registry"
	"github.com/flowforge/conductor/supervisor"
	"github.com/flowforge/conductor/telemetry"
	"github.com/flowforge/conductor/template"
	"github.com/flowforge/conductor/webhook"
)

func main() {
	cfg, err := core.NewConfig()
	if err != nil {
		log.Fatalf("conductor: failed to load configuration: %v", err)
	}
	logger := cfg.Logger()

	reg := registry.New(registry.Config{
		DefaultTTL:        cfg.Registry.DefaultTTL,
		DefaultWeight:     cfg.Registry.DefaultWeight,
		ExpirySweepPeriod: cfg.Registry.ExpirySweepPeriod,
		Logger:            logger,
	})
	defer reg.Close()

	health := registry.NewHealthMonitor(reg, registry.HealthConfig{
		ProbeInterval:       cfg.Health.ProbeInterval,
		ProbeTimeout:        cfg.Health.ProbeTimeout,
		SuccessesToHealthy:  cfg.Health.SuccessesToHealthy,
		FailuresToUnhealthy: cfg.Health.FailuresToUnhealthy,
		Logger:              logger,
	})

	bank := breaker.NewBank(breaker.Config{
		WindowDuration:          cfg.Breaker.WindowDuration,
		MinRequests:             cfg.Breaker.VolumeThreshold,
		FailureThresholdPercent: float64(cfg.Breaker.FailureThreshold),
		RecoveryTimeout:         cfg.Breaker.SleepWindow,
		HalfOpenMaxInFlight:     cfg.Breaker.HalfOpenMaxInFlight,
		Logger:                  logger,
	})
	reg.OnExpire(bank.Remove)

	var telem core.Telemetry = &core.NoOpTelemetry{}
	if cfg.Telemetry.Enabled && cfg.Telemetry.TracingEnabled {
		provider, err := telemetry.NewProvider(telemetry.Config{
			ServiceName: cfg.Telemetry.ServiceName,
			Endpoint:    cfg.Telemetry.Endpoint,
			Insecure:    cfg.Telemetry.Insecure,
			Stdout:      cfg.Development.Enabled,
		})
		if err != nil {
			log.Fatalf("conductor: failed to initialize telemetry: %v", err)
		}
		defer provider.Shutdown(context.Background())
		telem = provider
	}

	dispatcher := dispatch.New(reg, bank, dispatch.Config{
		CallTimeout:          cfg.Dispatch.CallTimeout,
		MaxRetries:           cfg.Dispatch.MaxRetries,
		RetryBaseDelay:       cfg.Dispatch.RetryBaseDelay,
		RetryMaxDelay:        cfg.Dispatch.RetryMaxDelay,
		RetryFactor:          cfg.Dispatch.RetryFactor,
		RetryJitter:          cfg.Dispatch.RetryJitter,
		Balancer:             dispatch.Policy(cfg.Dispatch.Balancer),
		MaxInFlightGlobal:    cfg.Dispatch.MaxInFlightGlobal,
		MaxInFlightPerServer: cfg.Dispatch.MaxInFlightPerServer,
		Logger:               logger,
		Telemetry:            telem,
	})

	catalog, err := template.NewBuiltinCatalog()
	if err != nil {
		log.Fatalf("conductor: failed to load workflow templates: %v", err)
	}

	var publisher eventbus.Publisher = eventbus.NoOp{}
	if cfg.EventBus.Enabled {
		opt, err := redis.ParseURL(cfg.EventBus.RedisURL)
		if err != nil {
			log.Fatalf("conductor: invalid event bus redis url: %v", err)
		}
		publisher = eventbus.NewRedisPublisher(redis.NewClient(opt), logger)
	}

	sup := supervisor.New(catalog, dispatcher, supervisor.Config{
		MaxConcurrentWorkflows: cfg.Supervisor.MaxConcurrentWorkflows,
		TerminalRetention:      cfg.Supervisor.TerminalRetention,
		EventChannel:           cfg.EventBus.Channel,
		Publisher:              publisher,
		Webhook:                webhook.NewHTTPNotifier(webhook.Config{Logger: logger}),
		Logger:                 logger,
		Telemetry:              telem,
	})
	defer sup.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	health.Start(ctx)
	defer health.Stop()

	api := httpapi.NewServer(sup, reg, httpapi.Config{
		Logger:         logger,
		Telemetry:      telem,
		DevMode:        cfg.Development.Enabled,
		AllowedOrigins: cfg.HTTP.CORS.AllowedOrigins,
	})

	addr := cfg.Address
	if addr == "" {
		addr = ":8080"
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           api,
		ReadTimeout:       cfg.HTTP.ReadTimeout,
		ReadHeaderTimeout: cfg.HTTP.ReadHeaderTimeout,
		WriteTimeout:      cfg.HTTP.WriteTimeout,
		IdleTimeout:       cfg.HTTP.IdleTimeout,
		MaxHeaderBytes:    cfg.HTTP.MaxHeaderBytes,
	}

	go func() {
		logger.Info("conductor: listening", map[string]interface{}{"addr": addr})
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("conductor: http server error: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Info("conductor: shutting down", nil)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("conductor: graceful shutdown failed", map[string]interface{}{"error": err.Error()})
	}
}

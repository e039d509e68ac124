// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/robofleet/RoboFleet/pkg/logging"
	"github.com/robofleet/RoboFleet/services/canary/clients"
	"github.com/robofleet/RoboFleet/services/canary/config"
	"github.com/robofleet/RoboFleet/services/canary/engine"
	"github.com/robofleet/RoboFleet/services/canary/observability"
	"github.com/robofleet/RoboFleet/services/canary/routes"
	"github.com/robofleet/RoboFleet/services/canary/storage/badger"
)

func initTracer(otelEndpoint string) (func(context.Context), error) {
	ctx := context.Background()

	conn, err := grpc.NewClient(otelEndpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}
	traceExporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, err
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String("canary-service")))
	if err != nil {
		return nil, err
	}
	bsp := sdktrace.NewBatchSpanProcessor(traceExporter)
	traceProvider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(bsp))
	otel.SetTracerProvider(traceProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.
		TraceContext{}, propagation.Baggage{}))

	return func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, time.Second*5)
		defer cancel()
		if err := traceExporter.Shutdown(ctx); err != nil {
			slog.Error("failed to shutdown OTLP exporter", "error", err)
		}
	}, nil
}

func main() {
	cfg := config.FromEnv()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.Level()}))
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}
	cfg.LogConfig()

	// --- Init the tracer ---
	cleanup, err := initTracer(cfg.OTELEndpoint)
	if err != nil {
		log.Fatalf("failed to setup the OTLP tracer: %v", err)
	}
	defer cleanup(context.Background())

	observability.InitMetrics()

	// --- Deployment store ---
	dbCfg := badger.DefaultConfig()
	dbCfg.Path = cfg.DBPath
	dbCfg.Logger = logger
	db, err := badger.OpenDB(dbCfg)
	if err != nil {
		log.Fatalf("failed to open deployment store: %v", err)
	}
	defer db.Close()
	registry := badger.NewDeploymentRegistry(db)
	defer registry.Close()

	// --- Audit log ---
	var audit *logging.Logger
	if cfg.AuditLogDir != "" {
		audit = logging.New(logging.Config{
			Level:   logging.LevelInfo,
			LogDir:  cfg.AuditLogDir,
			Service: "canary",
			JSON:    true,
		})
		defer audit.Close()
	}

	// --- Engine wiring ---
	commander := clients.NewRobotCommanderClient(cfg.RobotGatewayURL, cfg.UpstreamTimeout)
	pool := engine.NewDeployPool(commander, registry, cfg.PoolSize)
	pool.SetMetrics(observability.Default)
	broadcaster := engine.NewEventBroadcaster()
	defer broadcaster.Close()

	sm := engine.NewStateMachine(engine.StateMachineConfig{
		Registry:      registry,
		Models:        clients.NewModelRegistryClient(cfg.ModelRegistryURL, cfg.UpstreamTimeout),
		Fleet:         clients.NewFleetRegistryClient(cfg.FleetRegistryURL, cfg.UpstreamTimeout),
		Router:        clients.NewTrafficRouterClient(cfg.TrafficRouterURL, cfg.UpstreamTimeout),
		Pool:          pool,
		Aggregator:    engine.NewMetricsAggregator(cfg.MetricsWindow),
		Guard:         engine.NewRollbackGuard(cfg.MinSampleSize),
		Broadcaster:   broadcaster,
		Metrics:       observability.Default,
		Audit:         audit,
		RollbackGrace: cfg.RollbackGrace,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	scheduler := engine.NewStageScheduler(sm, observability.Default,
		engine.SchedulerConfig{Interval: cfg.SchedulerInterval})
	if err := scheduler.Start(ctx); err != nil {
		log.Fatalf("failed to start stage scheduler: %v", err)
	}
	defer scheduler.Stop()

	router := gin.Default()
	router.Use(otelgin.Middleware("canary-service"))
	routes.SetupRoutes(router, sm, broadcaster, db)

	srv := &http.Server{Addr: ":" + cfg.Port, Handler: router}
	go func() {
		slog.Info("starting the canary server", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("failed to start server: %v", err)
		}
	}()

	<-ctx.Done()
	slog.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown failed", "error", err)
	}
	pool.Wait()
}

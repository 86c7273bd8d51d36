// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package collab assembles the collaborative document hub.
//
// The hub keeps replicas of the same document converged across
// websocket clients:
//
//	┌──────────┐   frames   ┌─────┐  updates  ┌─────────┐  entries  ┌────────┐
//	│ websocket├───────────►│ hub ├──────────►│ persist ├──────────►│ badger │
//	│ clients  │◄───────────┤     │◄──────────┤         │◄──────────┤        │
//	└──────────┘  broadcast └──┬──┘   state   └─────────┘  replay   └────────┘
//	                           │
//	                      ┌────┴────┐
//	                      │  rooms  │  presence + fan-out
//	                      └─────────┘
//
// This package only wires the components together: construction order,
// background sweeps, tracing, and graceful shutdown. The protocol, the
// rooms, and the persistence policy live in their subpackages.
package collab

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
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

	"github.com/AleutianAI/AleutianSync/pkg/logging"
	"github.com/AleutianAI/AleutianSync/services/collab/config"
	"github.com/AleutianAI/AleutianSync/services/collab/engine"
	"github.com/AleutianAI/AleutianSync/services/collab/hub"
	"github.com/AleutianAI/AleutianSync/services/collab/persist"
	"github.com/AleutianAI/AleutianSync/services/collab/room"
	"github.com/AleutianAI/AleutianSync/services/collab/storage"
	"github.com/AleutianAI/AleutianSync/services/collab/telemetry"
)

// Service is the hub lifecycle contract.
//
// Thread Safety: implementations are safe for concurrent use. Run
// blocks and must be called at most once per instance.
type Service interface {
	// Run starts the HTTP server and blocks until a shutdown signal
	// or a fatal server error.
	Run() error

	// Router returns the gin engine, for integration tests that want
	// direct HTTP access.
	Router() *gin.Engine
}

type service struct {
	cfg           config.Config
	logger        *logging.Logger
	router        *gin.Engine
	db            *storage.DB
	manager       *persist.Manager
	registry      *room.Registry
	tracerCleanup func(context.Context)
}

// New wires the full hub from configuration: storage, persistence,
// rooms, websocket handler, metrics, and optional tracing.
//
// Inputs:
//   - cfg: Validated configuration, usually from config.Load.
//
// Outputs:
//   - Service: Ready to Run.
//   - error: Non-nil if storage or tracing initialization fails.
func New(cfg config.Config) (Service, error) {
	logger := logging.New(logging.Config{
		Level:   logging.ParseLevel(cfg.Observability.LogLevel),
		LogDir:  cfg.Observability.LogDir,
		Service: cfg.Observability.ServiceName,
		JSON:    cfg.Observability.LogJSON,
	})
	slogger := logger.Slog()

	s := &service{cfg: cfg, logger: logger}

	if cfg.Observability.TracingEnabled {
		cleanup, err := initTracer(cfg.Observability)
		if err != nil {
			return nil, fmt.Errorf("initialize tracer: %w", err)
		}
		s.tracerCleanup = cleanup
	}

	storageCfg := storage.DefaultConfig(cfg.Storage.DataDir)
	if cfg.Storage.InMemory {
		storageCfg = storage.InMemoryConfig()
	}
	storageCfg.SyncWrites = cfg.Storage.SyncWrites
	storageCfg.GCInterval = cfg.Storage.GCInterval
	storageCfg.GCDiscardRatio = cfg.Storage.GCDiscardRatio
	storageCfg.Logger = slogger

	db, err := storage.OpenDB(storageCfg)
	if err != nil {
		s.cleanup()
		return nil, fmt.Errorf("open document store: %w", err)
	}
	s.db = db

	metrics := telemetry.New()

	s.manager = persist.NewManager(persist.Config{
		SnapshotInterval:    cfg.Persistence.SnapshotInterval,
		SnapshotKeep:        cfg.Persistence.SnapshotKeep,
		Retention:           cfg.Persistence.Retention,
		RetentionSweepEvery: cfg.Persistence.RetentionSweepEvery,
		IdleEviction:        cfg.Persistence.IdleEviction,
		Logger:              slogger,
	}, storage.NewStore(db, slogger), engine.AutomergeFactory{}, metrics, slogger)

	s.registry = room.NewRegistry(metrics, slogger,
		func(documentID string) { s.manager.MarkActive(documentID) },
		func(documentID string) { s.manager.MarkIdle(documentID) })

	gin.SetMode(gin.ReleaseMode)
	s.router = gin.New()
	s.router.Use(gin.Recovery())
	if cfg.Observability.TracingEnabled {
		s.router.Use(otelgin.Middleware(cfg.Observability.ServiceName))
	}
	hub.New(s.registry, s.manager, &cfg.ACL, metrics, slogger).Routes(s.router)

	return s, nil
}

func (s *service) Run() error {
	defer s.cleanup()

	s.manager.StartSweeps()
	s.registry.StartSweep(s.cfg.Rooms.LivenessSweepEvery)

	srv := &http.Server{
		Addr:    s.cfg.Server.ListenAddr,
		Handler: s.router,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		s.logger.Slog().Info("collab hub listening", "addr", s.cfg.Server.ListenAddr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server: %w", err)
	case <-ctx.Done():
	}

	s.logger.Slog().Info("shutdown signal received, draining connections")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func (s *service) Router() *gin.Engine {
	return s.router
}

// cleanup tears components down in dependency order: sessions first,
// then the persistence engine, then the store under it.
func (s *service) cleanup() {
	if s.registry != nil {
		s.registry.Close()
	}
	if s.manager != nil {
		s.manager.Close()
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Slog().Warn("document store close error", "error", err.Error())
		}
	}
	if s.tracerCleanup != nil {
		s.tracerCleanup(context.Background())
	}
	_ = s.logger.Close()
}

// initTracer sets up the OTLP trace exporter. Uses an insecure gRPC
// connection, appropriate for internal collector endpoints.
func initTracer(cfg config.ObservabilityConfig) (func(context.Context), error) {
	ctx := context.Background()

	conn, err := grpc.NewClient(cfg.OTLPEndpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("create gRPC connection: %w", err)
	}

	traceExporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, fmt.Errorf("create trace exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String(cfg.ServiceName)))
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	bsp := sdktrace.NewBatchSpanProcessor(traceExporter)
	traceProvider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(bsp))

	otel.SetTracerProvider(traceProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))

	return func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := traceExporter.Shutdown(ctx); err != nil {
			slog.Error("failed to shutdown OTLP exporter", "error", err)
		}
	}, nil
}

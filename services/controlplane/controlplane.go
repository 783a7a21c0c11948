// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package controlplane assembles the Resonate HTTP control plane: the music
// publish pipeline, the study-set generator, and the scrobble resolver
// behind one gin router.
//
// Construction is degradation-tolerant. A missing uploader endpoint leaves
// publish routes responding config_missing, a missing chain RPC disables
// register/finalize the same way, and a missing LLM backend removes the
// study-set route. Only the relational store is mandatory.
package controlplane

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/AleutianAI/Resonate/services/chain"
	"github.com/AleutianAI/Resonate/services/controlplane/middleware"
	"github.com/AleutianAI/Resonate/services/controlplane/observability"
	"github.com/AleutianAI/Resonate/services/controlplane/routes"
	"github.com/AleutianAI/Resonate/services/llm"
	"github.com/AleutianAI/Resonate/services/moderation"
	"github.com/AleutianAI/Resonate/services/publish"
	"github.com/AleutianAI/Resonate/services/resolver"
	"github.com/AleutianAI/Resonate/services/studyset"
	"github.com/AleutianAI/Resonate/services/uploader"
)

// Config holds the control-plane configuration. Zero values fall back to
// defaults in New; DatabaseURL is the only required field.
type Config struct {
	// Port is the HTTP listen port. Default: 12300.
	Port int

	// DatabaseURL is the postgres connection string.
	DatabaseURL string

	// LLMBackend selects the chat-completion client: "openai" or "ollama".
	// Empty disables the study-set route.
	LLMBackend string

	// ResolverCachePath is the badger directory for the lookup cache.
	// Default: ./data/resolver-cache. Empty string plus InMemoryCache false
	// still gets the default; resolution works without a cache if opening
	// fails.
	ResolverCachePath string

	// OTelEndpoint is the OTLP collector address. Default:
	// resonate-otel-collector:4317.
	OTelEndpoint string

	// GinMode sets the gin framework mode ("debug", "release", "test").
	GinMode string

	// EnableMetrics registers the Prometheus instruments. Disabled in tests
	// to avoid duplicate registration.
	EnableMetrics bool
}

// Service is the runnable control plane.
type Service struct {
	config        Config
	router        *gin.Engine
	db            *sqlx.DB
	cache         *resolver.Cache
	tracerCleanup func(context.Context)
	log           *slog.Logger
}

// ConfigFromEnv populates Config from the environment.
func ConfigFromEnv() Config {
	port := 0
	fmt.Sscanf(os.Getenv("CONTROLPLANE_PORT"), "%d", &port)
	return Config{
		Port:              port,
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		LLMBackend:        os.Getenv("LLM_BACKEND_TYPE"),
		ResolverCachePath: os.Getenv("RESOLVER_CACHE_PATH"),
		OTelEndpoint:      os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		GinMode:           os.Getenv("GIN_MODE"),
		EnableMetrics:     true,
	}
}

// New wires the control plane. The returned Service owns the database
// handle and resolver cache and releases them when Run returns.
func New(cfg Config) (*Service, error) {
	if cfg.Port == 0 {
		cfg.Port = 12300
	}
	if cfg.OTelEndpoint == "" {
		cfg.OTelEndpoint = "resonate-otel-collector:4317"
	}
	if cfg.ResolverCachePath == "" {
		cfg.ResolverCachePath = "./data/resolver-cache"
	}
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("database url is required")
	}
	if cfg.GinMode != "" {
		gin.SetMode(cfg.GinMode)
	}

	s := &Service{config: cfg, log: slog.Default()}

	cleanup, err := initTracer(cfg.OTelEndpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracer: %w", err)
	}
	s.tracerCleanup = cleanup

	if cfg.EnableMetrics {
		observability.InitMetrics()
	}

	s.db, err = sqlx.Connect("postgres", cfg.DatabaseURL)
	if err != nil {
		s.cleanup()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	uploads := uploader.NewFromEnv()

	var registry publish.Registrar
	if chainClient, err := chain.NewFromEnv(); err != nil {
		s.log.Warn("chain adapter unavailable, register and finalize disabled", "error", err)
	} else {
		registry = chainClient
	}

	machine := publish.NewMachine(publish.NewSQLStore(s.db), uploads, registry, s.log)
	if moderator, err := moderation.New(); err != nil {
		s.log.Warn("moderation rules failed to load, lyrics scan disabled", "error", err)
	} else {
		machine = machine.WithModeration(moderator)
	}

	var generator *studyset.Pipeline
	if client, err := newLLMClient(cfg.LLMBackend); err != nil {
		s.log.Warn("LLM backend unavailable, study-set route disabled", "error", err)
	} else if client != nil {
		generator = studyset.NewPipeline(client, llm.GenerationParams{}, s.log)
	}

	cache, err := resolver.OpenCache(resolver.CacheConfig{
		Path: cfg.ResolverCachePath, Logger: s.log,
	})
	if err != nil {
		s.log.Warn("resolver cache unavailable, lookups run uncached", "error", err)
		cache = nil
	}
	s.cache = cache
	tracks := resolver.NewFromEnv(cache, s.log)

	router := gin.Default()
	router.Use(otelgin.Middleware("resonate-controlplane"))
	deps := routes.Deps{
		Publish:  machine,
		Resolver: tracks,
		Decode:   middleware.BareAddressDecoder,
	}
	if generator != nil {
		deps.StudySet = generator
	}
	routes.SetupRoutes(router, deps)
	s.router = router
	return s, nil
}

// Run starts the HTTP server and blocks until it stops.
func (s *Service) Run() error {
	defer s.cleanup()
	s.log.Info("starting control plane", "port", s.config.Port)
	return s.router.Run(fmt.Sprintf(":%d", s.config.Port))
}

// Router exposes the configured engine for integration tests.
func (s *Service) Router() *gin.Engine { return s.router }

func (s *Service) cleanup() {
	if s.cache != nil {
		if err := s.cache.Close(); err != nil {
			s.log.Warn("failed to close resolver cache", "error", err)
		}
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.log.Warn("failed to close database handle", "error", err)
		}
	}
	if s.tracerCleanup != nil {
		s.tracerCleanup(context.Background())
	}
}

func newLLMClient(backend string) (llm.LLMClient, error) {
	switch backend {
	case "":
		return nil, nil
	case "openai":
		return llm.NewOpenAIClient()
	case "ollama":
		return llm.NewOllamaClient()
	default:
		return nil, fmt.Errorf("unknown LLM backend %q", backend)
	}
}

// initTracer sets up the OTLP span exporter against the collector.
func initTracer(endpoint string) (func(context.Context), error) {
	ctx := context.Background()

	conn, err := grpc.NewClient(endpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}
	exporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, err
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String("resonate-controlplane")))
	if err != nil {
		return nil, err
	}
	provider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(sdktrace.NewBatchSpanProcessor(exporter)))
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))

	return func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := exporter.Shutdown(ctx); err != nil {
			slog.Error("failed to shut down OTLP exporter", "error", err)
		}
	}, nil
}

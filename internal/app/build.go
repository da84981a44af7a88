// Package app wires the engine's components into a runnable server.
package app

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ent0n29/parley/internal/auth"
	"github.com/ent0n29/parley/internal/config"
	"github.com/ent0n29/parley/internal/gateway"
	"github.com/ent0n29/parley/internal/observability"
	"github.com/ent0n29/parley/internal/pipeline"
	"github.com/ent0n29/parley/internal/session"
)

type BuildResult struct {
	Config   config.Config
	Gateway  *gateway.Server
	Registry *session.Registry
	Pipeline pipeline.Pipeline
	Metrics  *observability.Metrics

	// Cleanup releases external resources (DB pool). Call on shutdown.
	Cleanup func()
}

func Build(ctx context.Context, cfg config.Config, log *zap.Logger) (*BuildResult, error) {
	if log == nil {
		log = zap.NewNop()
	}
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	authenticator, closeAuth, err := auth.NewAuthenticator(ctx, cfg.DatabaseURL, cfg.APIKeys, cfg.AllowAnyKey)
	if err != nil {
		return nil, fmt.Errorf("authenticator init failed: %w", err)
	}

	registry := session.NewRegistry(authenticator, cfg.SessionTimeout, log)
	registry.SetDestroyHook(func(_ *session.Session, reason string) {
		if reason == session.ReasonExpired {
			metrics.SessionEvents.WithLabelValues("expired").Inc()
		} else {
			metrics.SessionEvents.WithLabelValues("destroyed").Inc()
		}
		metrics.ActiveSessions.Set(float64(registry.Count()))
	})

	var pipe pipeline.Pipeline
	switch cfg.PipelineMode {
	case "mock":
		pipe = pipeline.NewMockPipeline()
	case "echo":
		pipe = pipeline.NewEchoPipeline(20 * time.Millisecond)
	default:
		closeAuth()
		return nil, fmt.Errorf("invalid PIPELINE_MODE: %q (expected echo|mock)", cfg.PipelineMode)
	}

	srv := gateway.New(cfg, registry, pipe, metrics, log)

	return &BuildResult{
		Config:   cfg,
		Gateway:  srv,
		Registry: registry,
		Pipeline: pipe,
		Metrics:  metrics,
		Cleanup:  closeAuth,
	}, nil
}

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/zen-systems/routegate/pkg/audit"
	"github.com/zen-systems/routegate/pkg/config"
	"github.com/zen-systems/routegate/pkg/dispatch"
	"github.com/zen-systems/routegate/pkg/heuristics"
	"github.com/zen-systems/routegate/pkg/roles"
	"github.com/zen-systems/routegate/pkg/router"
	"github.com/zen-systems/routegate/pkg/routing"
	"github.com/zen-systems/routegate/pkg/telemetry"
)

// app is everything a command needs, built once per invocation.
type app struct {
	cfg      *config.Config
	router   *router.Router
	logger   *slog.Logger
	shutdown telemetry.Shutdown
}

func setup(ctx context.Context) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)

	shutdown, err := telemetry.Init(ctx, cfg.OTLPEndpoint, "routegate", version, cfg.OTLPInsecure)
	if err != nil {
		return nil, err
	}
	metrics, err := telemetry.NewMetrics(telemetry.Meter())
	if err != nil {
		_ = shutdown(ctx)
		return nil, err
	}

	sink, err := buildSink(cfg, logger)
	if err != nil {
		_ = shutdown(ctx)
		return nil, err
	}

	aliases, err := config.LoadAliasesWithFallback(cfg.ConfigDir, "configs/models.yaml")
	if err != nil {
		logger.Warn("model aliases not loaded", "error", err)
		aliases = nil
	}

	r, err := router.New(cfg.RoutingConfig, cfg,
		router.WithLogger(logger),
		router.WithMetrics(metrics),
		router.WithAudit(sink),
		router.WithAliases(aliases),
	)
	if err != nil {
		_ = sink.Close()
		_ = shutdown(ctx)
		return nil, err
	}

	return &app{cfg: cfg, router: r, logger: logger, shutdown: shutdown}, nil
}

func (rt *app) close() {
	if err := rt.router.Close(); err != nil {
		rt.logger.Warn("closing audit sink", "error", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rt.shutdown(ctx); err != nil {
		rt.logger.Warn("telemetry shutdown", "error", err)
	}
}

// heuristicContext builds the task context from the request flags.
func (rt *app) heuristicContext(task string) (heuristics.Context, error) {
	hctx := heuristics.Context{TaskDescription: task, Files: filesFlag}
	if roleFlag != "" {
		role, err := roles.Parse(roleFlag)
		if err != nil {
			return heuristics.Context{}, err
		}
		hctx.Role = &role
	}
	return hctx, nil
}

// request builds a routing request from the request flags. Without --role
// the registry's current role is used.
func (rt *app) request(task string) (routing.Request, error) {
	hctx, err := rt.heuristicContext(task)
	if err != nil {
		return routing.Request{}, err
	}
	role := rt.router.Registry().GetCurrentRole()
	if hctx.Role != nil {
		role = *hctx.Role
	}
	return rt.router.Request(role, hctx, overrideFlag), nil
}

func newLogger(level string) (*slog.Logger, error) {
	level = strings.TrimSpace(level)
	if level == "" {
		level = "info"
	}
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})), nil
}

// buildSink fans audit records out to the log and to whichever file and
// SQLite destinations are configured. Disk sinks are written in the
// background so routing never waits on them.
func buildSink(cfg *config.Config, logger *slog.Logger) (audit.Sink, error) {
	sinks := audit.Multi{audit.NewLogSink(logger)}
	if cfg.AuditDir != "" {
		fs, err := audit.NewFileSink(cfg.AuditDir)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, audit.NewAsync(fs, audit.DefaultQueueSize, logger))
	}
	if cfg.AuditDB != "" {
		store, err := audit.OpenSQLite(cfg.AuditDB)
		if err != nil {
			_ = sinks.Close()
			return nil, err
		}
		sinks = append(sinks, audit.NewAsync(store, audit.DefaultQueueSize, logger))
	}
	return sinks, nil
}

func retryConfig(rc config.RetryConfig) dispatch.RetryConfig {
	return dispatch.RetryConfig{
		MaxRetries:  rc.Retries(),
		BaseBackoff: time.Duration(rc.BaseBackoffMs) * time.Millisecond,
		MaxBackoff:  time.Duration(rc.MaxBackoffMs) * time.Millisecond,
	}
}

// Package bootstrap builds the service and its backends from configuration
// for the server and worker binaries.
package bootstrap

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/openredact/clinical/internal/config"
	"github.com/openredact/clinical/internal/ner"
	"github.com/openredact/clinical/internal/pii"
	"github.com/openredact/clinical/internal/service"
	"github.com/openredact/clinical/internal/storage"
	"github.com/openredact/clinical/internal/storage/clickhouse"
	"github.com/openredact/clinical/internal/storage/memory"
	"github.com/openredact/clinical/internal/storage/postgres"
	"github.com/openredact/clinical/internal/storage/redis"
)

// Runtime holds the built service and the backends it was wired to.
// Redis and ClickHouse are nil when disabled.
type Runtime struct {
	Service    *service.Service
	Redis      *redis.Client
	ClickHouse *clickhouse.Client

	closers []func()
}

// Build connects the configured backends and creates the service. On error
// everything opened so far is closed.
func Build(ctx context.Context, cfg *config.Config, log *zap.Logger) (_ *Runtime, err error) {
	rt := &Runtime{}
	defer func() {
		if err != nil {
			rt.Close()
		}
	}()

	limits := cfg.Limits.Limits
	var blacklist, whitelist storage.ListStore
	var templates storage.TemplateStore

	switch cfg.Storage.Driver {
	case config.DriverPostgres:
		pg, err := postgres.NewClient(ctx, cfg.Storage.Postgres, limits, log)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to postgres: %w", err)
		}
		rt.closers = append(rt.closers, pg.Close)
		if err := pg.InitSchema(ctx); err != nil {
			return nil, fmt.Errorf("failed to init postgres schema: %w", err)
		}
		blacklist = pg.Lists(storage.KindBlacklist)
		whitelist = pg.Lists(storage.KindWhitelist)
		templates = pg.Templates()
	default:
		blacklist = memory.NewListStore(limits)
		whitelist = memory.NewListStore(limits)
		templates = memory.NewTemplateStore(limits)
	}

	var sinks []service.AuditSink

	if cfg.Redis.Enabled {
		rc, err := redis.NewClient(cfg.Redis.Config, log)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		rt.Redis = rc
		rt.closers = append(rt.closers, func() { rc.Close() })
		sinks = append(sinks, rc)
	}

	if cfg.ClickHouse.Enabled {
		ch, err := clickhouse.NewClient(cfg.ClickHouse.Config, log)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to clickhouse: %w", err)
		}
		rt.ClickHouse = ch
		rt.closers = append(rt.closers, func() { ch.Close() })
		if err := ch.InitSchema(ctx); err != nil {
			return nil, fmt.Errorf("failed to init clickhouse schema: %w", err)
		}
		sinks = append(sinks, ch)
	}

	sources, err := ner.FromConfig(cfg.NER.Sources, log)
	if err != nil {
		return nil, err
	}
	detector, err := pii.NewDetector(cfg.Detector)
	if err != nil {
		return nil, fmt.Errorf("invalid detector config: %w", err)
	}

	svc, err := service.New(ctx, service.Config{
		Detector:     detector,
		Sources:      sources,
		Blacklist:    blacklist,
		Whitelist:    whitelist,
		Templates:    templates,
		Sinks:        sinks,
		Default:      cfg.Defaults.Mechanism,
		MaxTextRunes: cfg.Limits.MaxTextRunes,
		MaxBatchSize: cfg.Limits.MaxBatchSize,
		Pool:         cfg.Pipeline,
		Logger:       log,
	})
	if err != nil {
		return nil, err
	}
	rt.Service = svc
	rt.closers = append(rt.closers, svc.Close)

	log.Info("Backends ready",
		zap.String("storage", cfg.Storage.Driver),
		zap.Bool("redis", rt.Redis != nil),
		zap.Bool("clickhouse", rt.ClickHouse != nil),
		zap.Int("ner_sources", len(sources)),
	)
	return rt, nil
}

// Close releases everything in reverse order of creation.
func (rt *Runtime) Close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		rt.closers[i]()
	}
	rt.closers = nil
}

package app

import (
	"context"
	"fmt"
	"strings"

	goredis "github.com/redis/go-redis/v9"

	"github.com/yungbote/neurobridge-contentgen/internal/artifacts"
	"github.com/yungbote/neurobridge-contentgen/internal/data/db"
	"github.com/yungbote/neurobridge-contentgen/internal/observability"
	"github.com/yungbote/neurobridge-contentgen/internal/pipeline/catalog"
	"github.com/yungbote/neurobridge-contentgen/internal/platform/logger"
	"github.com/yungbote/neurobridge-contentgen/internal/platform/openai"
	"github.com/yungbote/neurobridge-contentgen/internal/platform/redisclient"
	"github.com/yungbote/neurobridge-contentgen/internal/queue"
)

type Clients struct {
	DB        *db.Service
	Redis     *goredis.Client
	Broker    queue.Broker
	Artifacts artifacts.Store
	// OpenAI is nil when no API key is configured; only the worker requires it.
	OpenAI openai.Client
}

func wireClients(ctx context.Context, log *logger.Logger, cfg Config, cat *catalog.Catalog, metrics *observability.Metrics) (Clients, error) {
	log.Info("Wiring clients...")
	var out Clients

	// Postgres / sqlite
	dbs, err := db.Open(cfg.DB, log)
	if err != nil {
		return out, fmt.Errorf("init database: %w", err)
	}
	out.DB = dbs
	if err := db.AutoMigrateAll(dbs.DB()); err != nil {
		out.Close(log)
		return Clients{}, fmt.Errorf("database automigrate: %w", err)
	}

	// Redis
	if strings.TrimSpace(cfg.Redis.Addr) != "" {
		rdb, err := redisclient.New(ctx, cfg.Redis)
		if err != nil {
			out.Close(log)
			return Clients{}, fmt.Errorf("init redis: %w", err)
		}
		out.Redis = rdb
		qcfg := queue.RedisConfigFromEnv(cfg.Orchestrator.InstanceID, cfg.Orchestrator.MaxLease(cat))
		broker, err := queue.NewRedisBroker(ctx, rdb, qcfg, log)
		if err != nil {
			out.Close(log)
			return Clients{}, fmt.Errorf("init redis broker: %w", err)
		}
		out.Broker = broker
	} else {
		log.Warn("REDIS_ADDR not set; using in-process queue")
		out.Broker = queue.NewMemoryBroker()
	}

	// Artifacts
	store, err := resolveArtifactStore(ctx, log, cfg.Artifacts)
	if err != nil {
		out.Close(log)
		return Clients{}, err
	}
	out.Artifacts = store

	// OpenAI
	if strings.TrimSpace(cfg.OpenAI.APIKey) != "" {
		client, err := openai.NewClient(cfg.OpenAI, log, metrics)
		if err != nil {
			out.Close(log)
			return Clients{}, fmt.Errorf("init openai client: %w", err)
		}
		out.OpenAI = client
	} else {
		log.Warn("OPENAI_API_KEY not set; provider-backed stages are unavailable")
	}
	return out, nil
}

func (c *Clients) Close(log *logger.Logger) {
	if c.Broker != nil {
		if err := c.Broker.Close(); err != nil {
			log.Warn("broker close failed", "error", err)
		}
	}
	if closer, ok := c.Artifacts.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			log.Warn("artifact store close failed", "error", err)
		}
	}
	if c.Redis != nil {
		if err := c.Redis.Close(); err != nil {
			log.Warn("redis close failed", "error", err)
		}
	}
	if c.DB != nil {
		if err := c.DB.Close(); err != nil {
			log.Warn("database close failed", "error", err)
		}
	}
}

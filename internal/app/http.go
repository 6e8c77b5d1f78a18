package app

import (
	"context"

	"github.com/yungbote/neurobridge-contentgen/internal/http"
	httpH "github.com/yungbote/neurobridge-contentgen/internal/http/handlers"
	"github.com/yungbote/neurobridge-contentgen/internal/observability"
	"github.com/yungbote/neurobridge-contentgen/internal/platform/logger"
)

type Handlers struct {
	Health   *httpH.HealthHandler
	Requests *httpH.RequestHandler
}

func wireHandlers(log *logger.Logger, clients Clients, services Services) Handlers {
	log.Info("Wiring handlers...")
	checks := map[string]httpH.Pinger{
		"database": func(ctx context.Context) error {
			sqlDB, err := clients.DB.DB().DB()
			if err != nil {
				return err
			}
			return sqlDB.PingContext(ctx)
		},
	}
	if clients.Redis != nil {
		checks["redis"] = func(ctx context.Context) error {
			return clients.Redis.Ping(ctx).Err()
		}
	}
	return Handlers{
		Health:   httpH.NewHealthHandler(checks),
		Requests: httpH.NewRequestHandler(services.Requests),
	}
}

func wireServer(log *logger.Logger, cfg Config, metrics *observability.Metrics, handlers Handlers) *http.Server {
	return http.NewServer(http.RouterConfig{
		Log:            log,
		Metrics:        metrics,
		ServiceName:    cfg.ServiceName,
		RequestHandler: handlers.Requests,
		HealthHandler:  handlers.Health,
	})
}

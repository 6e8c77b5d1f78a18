package orchestrator

import (
	"context"
	"time"

	"github.com/yungbote/neurobridge-contentgen/internal/data/repos/ledger"
	"github.com/yungbote/neurobridge-contentgen/internal/platform/dbctx"
	"github.com/yungbote/neurobridge-contentgen/internal/platform/envutil"
	"github.com/yungbote/neurobridge-contentgen/internal/platform/logger"
	"github.com/yungbote/neurobridge-contentgen/internal/queue"
)

type SweeperConfig struct {
	Interval time.Duration
	// IdleFor is how long an unclaimed, due request may sit before it is republished.
	IdleFor time.Duration
	Batch   int
}

func SweeperConfigFromEnv() SweeperConfig {
	return SweeperConfig{
		Interval: envutil.Duration("SWEEP_INTERVAL", time.Minute),
		IdleFor:  envutil.Duration("SWEEP_IDLE_FOR", 5*time.Minute),
		Batch:    envutil.Int("SWEEP_BATCH", 100),
	}
}

// Sweeper republishes requests whose queue message was lost: an expired lease
// nobody reclaimed, or a pending retry whose redelivery never arrived. A
// duplicate publish is harmless since the claim decides who works. A republished
// row waits another IdleFor before it is considered again.
type Sweeper struct {
	log    *logger.Logger
	ledger ledger.Repo
	broker queue.Broker
	cfg    SweeperConfig
}

func NewSweeper(repo ledger.Repo, broker queue.Broker, cfg SweeperConfig, baseLog *logger.Logger) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.IdleFor <= 0 {
		cfg.IdleFor = 5 * time.Minute
	}
	if baseLog == nil {
		baseLog = logger.Nop()
	}
	return &Sweeper{log: baseLog.With("component", "StaleSweeper"), ledger: repo, broker: broker, cfg: cfg}
}

func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := s.SweepOnce(ctx); err != nil {
				s.log.Warn("stale sweep failed", "error", err)
			} else if n > 0 {
				s.log.Info("republished stale requests", "count", n)
			}
		}
	}
}

func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	rows, err := s.ledger.ListStale(dbctx.New(ctx), s.cfg.IdleFor, s.cfg.Batch)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, row := range rows {
		body, err := queue.Encode(queue.FromRequest(row))
		if err != nil {
			s.log.Warn("cannot re-encode stale request", "correlation_id", row.CorrelationID, "error", err)
			continue
		}
		if err := s.broker.Publish(ctx, body); err != nil {
			return n, err
		}
		if _, err := s.ledger.MarkRepublished(dbctx.New(ctx), row.ID); err != nil {
			s.log.Warn("cannot stamp republished request", "correlation_id", row.CorrelationID, "error", err)
		}
		n++
	}
	return n, nil
}

package orchestrator

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/yungbote/neurobridge-contentgen/internal/platform/envutil"
	"github.com/yungbote/neurobridge-contentgen/internal/platform/logger"
	"github.com/yungbote/neurobridge-contentgen/internal/queue"
)

type PoolConfig struct {
	Concurrency int
	// FetchWait is how long a blocking fetch waits for work before looping.
	FetchWait time.Duration
	// ErrorBackoff is the pause after a broker fetch fails.
	ErrorBackoff time.Duration
}

func PoolConfigFromEnv() PoolConfig {
	return PoolConfig{
		Concurrency:  envutil.Int("WORKER_CONCURRENCY", 4),
		FetchWait:    envutil.Duration("WORKER_FETCH_WAIT", 5*time.Second),
		ErrorBackoff: envutil.Duration("WORKER_ERROR_BACKOFF", time.Second),
	}
}

func (c PoolConfig) withDefaults() PoolConfig {
	if c.Concurrency < 1 {
		c.Concurrency = 1
	}
	if c.FetchWait <= 0 {
		c.FetchWait = 5 * time.Second
	}
	if c.ErrorBackoff <= 0 {
		c.ErrorBackoff = time.Second
	}
	return c
}

// Handler is the per-delivery entry point; *Orchestrator satisfies it.
type Handler interface {
	Handle(ctx context.Context, d queue.Delivery) (Outcome, error)
}

// Pool runs Concurrency loops, each fetching one delivery at a time from the broker.
type Pool struct {
	log     *logger.Logger
	broker  queue.Broker
	handler Handler
	cfg     PoolConfig
}

func NewPool(broker queue.Broker, handler Handler, cfg PoolConfig, baseLog *logger.Logger) *Pool {
	if baseLog == nil {
		baseLog = logger.Nop()
	}
	return &Pool{
		log:     baseLog.With("component", "WorkerPool"),
		broker:  broker,
		handler: handler,
		cfg:     cfg.withDefaults(),
	}
}

// Stats counts settled deliveries by outcome.
type Stats struct {
	mu       sync.Mutex
	Outcomes map[Outcome]int
	Errors   int
}

func (s *Stats) add(o Outcome, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Outcomes == nil {
		s.Outcomes = map[Outcome]int{}
	}
	if o != "" {
		s.Outcomes[o]++
	}
	if err != nil {
		s.Errors++
	}
}

func (s *Stats) Total() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.Outcomes {
		n += c
	}
	return n
}

func (s *Stats) Count(o Outcome) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Outcomes[o]
}

// Run blocks until ctx is cancelled. A handler error never stops the pool.
func (p *Pool) Run(ctx context.Context) error {
	p.log.Info("starting worker pool", "concurrency", p.cfg.Concurrency)
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < p.cfg.Concurrency; i++ {
		workerID := i + 1
		g.Go(func() error {
			p.runLoop(gctx, workerID)
			return nil
		})
	}
	err := g.Wait()
	p.log.Info("worker pool stopped")
	return err
}

// Drain processes whatever is ready right now and returns once the broker has
// nothing left to hand out, or after limit deliveries when limit > 0. Deliveries
// rescheduled for later stay on the broker for the next drain.
func (p *Pool) Drain(ctx context.Context, limit int) (*Stats, error) {
	stats := &Stats{}
	budget := &drainBudget{limit: limit}
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < p.cfg.Concurrency; i++ {
		workerID := i + 1
		g.Go(func() error {
			return p.drainLoop(gctx, workerID, stats, budget)
		})
	}
	err := g.Wait()
	p.log.Info("drain finished", "processed", stats.Total(), "errors", stats.Errors)
	return stats, err
}

// drainBudget caps deliveries handed out by Drain. A slot is reserved before a
// fetch and returned when the fetch yields nothing, so only real deliveries count.
type drainBudget struct {
	mu    sync.Mutex
	limit int
	taken int
}

func (b *drainBudget) reserve() bool {
	if b.limit <= 0 {
		return true
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.taken >= b.limit {
		return false
	}
	b.taken++
	return true
}

func (b *drainBudget) refund() {
	if b.limit <= 0 {
		return
	}
	b.mu.Lock()
	b.taken--
	b.mu.Unlock()
}

func (p *Pool) drainLoop(ctx context.Context, workerID int, stats *Stats, budget *drainBudget) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !budget.reserve() {
			return nil
		}
		ds, err := p.broker.Fetch(ctx, 1, 0)
		if err != nil {
			budget.refund()
			return err
		}
		if len(ds) == 0 {
			budget.refund()
			return nil
		}
		p.handle(ctx, workerID, ds[0], stats)
	}
}

func (p *Pool) runLoop(ctx context.Context, workerID int) {
	for {
		if ctx.Err() != nil {
			p.log.Debug("worker loop stopped", "worker_id", workerID)
			return
		}
		ds, err := p.broker.Fetch(ctx, 1, p.cfg.FetchWait)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, queue.ErrClosed) {
				return
			}
			p.log.Warn("fetch failed", "worker_id", workerID, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.cfg.ErrorBackoff):
			}
			continue
		}
		for _, d := range ds {
			p.handle(ctx, workerID, d, nil)
		}
	}
}

func (p *Pool) handle(ctx context.Context, workerID int, d queue.Delivery, stats *Stats) {
	outcome, err := p.handler.Handle(ctx, d)
	if err != nil {
		p.log.Warn("delivery handling failed", "worker_id", workerID, "delivery_id", d.ID(), "outcome", outcome, "error", err)
	} else {
		p.log.Debug("delivery settled", "worker_id", workerID, "delivery_id", d.ID(), "outcome", outcome)
	}
	if stats != nil {
		stats.add(outcome, err)
	}
}

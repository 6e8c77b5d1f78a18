package retrieval

import (
	"context"
	"fmt"
	"strings"

	"github.com/yungbote/neurobridge-contentgen/internal/platform/envutil"
	"github.com/yungbote/neurobridge-contentgen/internal/platform/logger"
)

const (
	DegradedNoEmbedding   = "embedding_unavailable"
	DegradedNoMatches     = "no_matches"
	DegradedLowSimilarity = "below_threshold"
)

type Config struct {
	TopK      int
	Threshold float64
	Breaker   BreakerConfig
}

func ConfigFromEnv() Config {
	return Config{
		TopK:      envutil.Int("RETRIEVAL_TOP_K", 5),
		Threshold: envutil.Float("RETRIEVAL_MIN_SIMILARITY", 0.2),
		Breaker: BreakerConfig{
			Timeout:          envutil.Duration("EMBEDDING_TIMEOUT", 0),
			FailureThreshold: uint32(envutil.Int("EMBEDDING_BREAKER_FAILURES", 0)),
			OpenFor:          envutil.Duration("EMBEDDING_BREAKER_OPEN_FOR", 0),
		},
	}
}

// Query describes what to look for. Topic, Subject and GradeLevel narrow the
// candidate set when they match anything.
type Query struct {
	Text       string
	Topic      string
	Subject    string
	GradeLevel int
	K          int
}

// Result never signals a thin corpus as an error: callers proceed with
// whatever matched and surface Degraded instead.
type Result struct {
	Matches        []Match
	Degraded       bool
	DegradedReason string
}

type Engine struct {
	log       *logger.Logger
	searcher  Searcher
	embedder  *guardedEmbedder
	topK      int
	threshold float64
}

// NewEngine builds an engine over searcher. A nil embedder means queries are
// always pseudo-embedded.
func NewEngine(searcher Searcher, embedder Embedder, cfg Config, log *logger.Logger) *Engine {
	if log == nil {
		log = logger.Nop()
	}
	if cfg.TopK <= 0 {
		cfg.TopK = 5
	}
	e := &Engine{log: log, searcher: searcher, topK: cfg.TopK, threshold: cfg.Threshold}
	if embedder != nil {
		e.embedder = newGuardedEmbedder(embedder, cfg.Breaker, log)
	}
	return e
}

func (e *Engine) Retrieve(ctx context.Context, q Query) (Result, error) {
	if strings.TrimSpace(q.Text) == "" {
		return Result{}, fmt.Errorf("retrieve: empty query")
	}
	dim := e.searcher.Dim()
	if dim == 0 {
		return Result{Degraded: true, DegradedReason: DegradedNoMatches}, nil
	}

	var (
		vec    []float32
		reason string
	)
	if e.embedder != nil {
		v, err := e.embedder.embed(ctx, q.Text, dim)
		switch {
		case err == nil:
			vec = v
		case ctx.Err() != nil:
			return Result{}, ctx.Err()
		default:
			e.log.Warn("query embedding failed; using lexical fallback",
				"error", err, "breaker_open", breakerOpen(err))
		}
	}
	if vec == nil {
		vec = PseudoEmbed(q.Text, dim)
		reason = DegradedNoEmbedding
	}

	res, err := e.search(ctx, vec, q)
	if err != nil {
		return Result{}, err
	}
	if reason != "" && !res.Degraded {
		res.Degraded = true
		res.DegradedReason = reason
	}
	return res, nil
}

// RetrieveVector searches with a caller-supplied embedding.
func (e *Engine) RetrieveVector(ctx context.Context, vec []float32, q Query) (Result, error) {
	if e.searcher.Dim() == 0 {
		return Result{Degraded: true, DegradedReason: DegradedNoMatches}, nil
	}
	return e.search(ctx, vec, q)
}

func (e *Engine) search(ctx context.Context, vec []float32, q Query) (Result, error) {
	k := q.K
	if k <= 0 {
		k = e.topK
	}
	matches, err := e.searcher.Search(ctx, vec, Filter{Topic: q.Topic, Subject: q.Subject, Grade: q.GradeLevel}, k)
	if err != nil {
		return Result{}, err
	}
	if len(matches) == 0 {
		return Result{Degraded: true, DegradedReason: DegradedNoMatches}, nil
	}
	kept := matches[:0:0]
	for _, m := range matches {
		if m.Similarity >= e.threshold {
			kept = append(kept, m)
		}
	}
	if len(kept) == 0 {
		// nothing cleared the bar; hand back the best we have, flagged
		return Result{Matches: matches, Degraded: true, DegradedReason: DegradedLowSimilarity}, nil
	}
	return Result{Matches: kept}, nil
}

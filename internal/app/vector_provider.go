package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/yungbote/neurobridge-contentgen/internal/platform/logger"
	"github.com/yungbote/neurobridge-contentgen/internal/retrieval"
)

type VectorProviderBootstrapErrorCode string

const (
	VectorProviderBootstrapErrorCorpusLoadFailed VectorProviderBootstrapErrorCode = "corpus_load_failed"
	VectorProviderBootstrapCodeEmptyCorpus       VectorProviderBootstrapErrorCode = "empty_corpus"
	VectorProviderBootstrapCodeNoEmbedder        VectorProviderBootstrapErrorCode = "disabled_missing_embedder"
)

type VectorProviderBootstrapError struct {
	Code   VectorProviderBootstrapErrorCode
	Corpus string
	Cause  error
}

func (e *VectorProviderBootstrapError) Error() string {
	if e == nil {
		return "retrieval bootstrap failed"
	}
	return fmt.Sprintf("retrieval bootstrap failed (code=%s corpus=%q): %v", e.Code, e.Corpus, e.Cause)
}

func (e *VectorProviderBootstrapError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// resolveRetrievalEngine loads the reference corpus once and wraps it in the
// similarity engine. An empty CORPUS_PATH is allowed; retrieval then always
// reports degraded context. A nil embedder means queries use the local hash
// embedding.
func resolveRetrievalEngine(
	ctx context.Context,
	log *logger.Logger,
	cfg Config,
	opener retrieval.Opener,
	embedder retrieval.Embedder,
) (*retrieval.Engine, error) {
	ref := strings.TrimSpace(cfg.CorpusPath)
	var (
		corpus *retrieval.Corpus
		err    error
	)
	if ref == "" {
		log.Warn("Retrieval corpus not configured; context will be degraded",
			"code", VectorProviderBootstrapCodeEmptyCorpus,
		)
		corpus, err = retrieval.NewCorpus(nil)
	} else {
		corpus, err = retrieval.LoadCorpusRef(ctx, opener, ref)
	}
	if err != nil {
		bootErr := &VectorProviderBootstrapError{Code: VectorProviderBootstrapErrorCorpusLoadFailed, Corpus: ref, Cause: err}
		log.Error("Retrieval corpus load failed", "corpus", ref, "error_code", bootErr.Code, "error", err)
		return nil, bootErr
	}
	if embedder == nil {
		log.Warn("Query embedding provider disabled; using hash embedding",
			"code", VectorProviderBootstrapCodeNoEmbedder,
		)
	}
	log.Info("Retrieval corpus loaded", "corpus", ref, "entries", corpus.Len(), "dim", corpus.Dim())
	return retrieval.NewEngine(retrieval.NewBruteForce(corpus), embedder, cfg.Retrieval, log), nil
}

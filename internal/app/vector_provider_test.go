package app

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/yungbote/neurobridge-contentgen/internal/artifacts"
	"github.com/yungbote/neurobridge-contentgen/internal/platform/logger"
	"github.com/yungbote/neurobridge-contentgen/internal/retrieval"
)

func writeCorpus(t *testing.T, dir string, entries []retrieval.CorpusEntry) string {
	t.Helper()
	var b strings.Builder
	for _, e := range entries {
		raw, err := json.Marshal(e)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		b.Write(raw)
		b.WriteByte('\n')
	}
	path := filepath.Join(dir, "corpus.jsonl")
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		t.Fatalf("write corpus: %v", err)
	}
	return path
}

func testOpener(t *testing.T, dir string) corpusOpener {
	t.Helper()
	store, err := artifacts.NewLocalStore(dir)
	if err != nil {
		t.Fatalf("local store: %v", err)
	}
	return corpusOpener{store: store, log: logger.Nop()}
}

func TestResolveRetrievalEngineLoadsCorpus(t *testing.T) {
	dir := t.TempDir()
	path := writeCorpus(t, dir, []retrieval.CorpusEntry{
		{ID: "a", Embedding: retrieval.PseudoEmbed("photosynthesis light plants", 16), Text: "Plants use light.", Subject: "biology", GradeBand: "6-8"},
		{ID: "b", Embedding: retrieval.PseudoEmbed("volcano lava eruption", 16), Text: "Volcanoes erupt.", Subject: "geology", GradeBand: "6-8"},
	})
	cfg := Config{CorpusPath: path, Retrieval: retrieval.Config{TopK: 1, Threshold: -1}}

	engine, err := resolveRetrievalEngine(context.Background(), logger.Nop(), cfg, testOpener(t, dir), nil)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	res, err := engine.Retrieve(context.Background(), retrieval.Query{Text: "photosynthesis light plants"})
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(res.Matches) != 1 || res.Matches[0].Entry.ID != "a" {
		t.Fatalf("matches: want=[a] got=%+v", res.Matches)
	}
	if !res.Degraded || res.DegradedReason != retrieval.DegradedNoEmbedding {
		t.Fatalf("degraded: want=%s got=%v/%s", retrieval.DegradedNoEmbedding, res.Degraded, res.DegradedReason)
	}
}

func TestResolveRetrievalEngineWithoutCorpusDegrades(t *testing.T) {
	engine, err := resolveRetrievalEngine(context.Background(), logger.Nop(), Config{}, testOpener(t, t.TempDir()), nil)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	res, err := engine.Retrieve(context.Background(), retrieval.Query{Text: "anything"})
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if !res.Degraded || len(res.Matches) != 0 {
		t.Fatalf("empty corpus: want degraded with no matches got=%+v", res)
	}
}

func TestResolveRetrievalEngineMissingCorpus(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{CorpusPath: filepath.Join(dir, "missing.jsonl")}
	_, err := resolveRetrievalEngine(context.Background(), logger.Nop(), cfg, testOpener(t, dir), nil)
	var got *VectorProviderBootstrapError
	if !errors.As(err, &got) {
		t.Fatalf("expected VectorProviderBootstrapError, got=%T (%v)", err, err)
	}
	if got.Code != VectorProviderBootstrapErrorCorpusLoadFailed {
		t.Fatalf("code: want=%q got=%q", VectorProviderBootstrapErrorCorpusLoadFailed, got.Code)
	}
}

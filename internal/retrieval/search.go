package retrieval

import (
	"container/heap"
	"context"
	"fmt"
	"sort"
)

type Match struct {
	Entry      *CorpusEntry
	Similarity float64
}

// Searcher ranks corpus entries against a query vector. BruteForce is the
// in-process implementation; an approximate-nearest-neighbour service can
// satisfy the same interface once the corpus outgrows a linear scan.
type Searcher interface {
	Search(ctx context.Context, vector []float32, filter Filter, k int) ([]Match, error)
	Dim() int
}

type BruteForce struct {
	corpus *Corpus
}

func NewBruteForce(c *Corpus) *BruteForce { return &BruteForce{corpus: c} }

func (b *BruteForce) Dim() int { return b.corpus.Dim() }

// Search scores candidates by cosine similarity and returns the top k, ties
// broken by ingestion order. A filter that matches nothing falls back to the
// whole corpus.
func (b *BruteForce) Search(ctx context.Context, vector []float32, filter Filter, k int) ([]Match, error) {
	if k <= 0 || b.corpus.Len() == 0 {
		return nil, nil
	}
	if len(vector) != b.corpus.Dim() {
		return nil, fmt.Errorf("query dimension %d, corpus dimension %d", len(vector), b.corpus.Dim())
	}
	qn := norm(vector)

	candidates := b.corpus.entries
	if !filter.empty() {
		filtered := make([]*CorpusEntry, 0, len(candidates))
		for _, e := range candidates {
			if filter.matches(e) {
				filtered = append(filtered, e)
			}
		}
		if len(filtered) > 0 {
			candidates = filtered
		}
	}

	h := &matchHeap{}
	for i, e := range candidates {
		if i%4096 == 0 && ctx.Err() != nil {
			return nil, ctx.Err()
		}
		m := Match{Entry: e, Similarity: cosine(vector, qn, e)}
		if h.Len() < k {
			heap.Push(h, m)
		} else if better(m, (*h)[0]) {
			(*h)[0] = m
			heap.Fix(h, 0)
		}
	}

	out := make([]Match, h.Len())
	copy(out, *h)
	sort.Slice(out, func(i, j int) bool { return better(out[i], out[j]) })
	return out, nil
}

func cosine(q []float32, qn float64, e *CorpusEntry) float64 {
	if qn == 0 || e.norm == 0 {
		return 0
	}
	var dot float64
	for i := range q {
		dot += float64(q[i]) * float64(e.Embedding[i])
	}
	return dot / (qn * e.norm)
}

// better orders by similarity, then by earlier ingestion.
func better(a, b Match) bool {
	if a.Similarity != b.Similarity {
		return a.Similarity > b.Similarity
	}
	return a.Entry.Order < b.Entry.Order
}

// matchHeap keeps the current worst of the top k at the root.
type matchHeap []Match

func (h matchHeap) Len() int            { return len(h) }
func (h matchHeap) Less(i, j int) bool  { return better(h[j], h[i]) }
func (h matchHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *matchHeap) Push(x interface{}) { *h = append(*h, x.(Match)) }
func (h *matchHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

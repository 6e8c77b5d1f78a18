package retrieval

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
)

// CorpusEntry is one reference passage with its precomputed embedding.
type CorpusEntry struct {
	ID        string    `json:"id"`
	Embedding []float32 `json:"embedding"`
	Text      string    `json:"text"`
	Subject   string    `json:"subject"`
	Topic     string    `json:"topic,omitempty"`
	GradeBand string    `json:"grade_band"`

	// Order is the ingestion position; lower wins similarity ties.
	Order int `json:"-"`
	norm  float64
}

// Corpus is loaded once and never mutated afterwards, so concurrent searches
// share it without locking.
type Corpus struct {
	entries []*CorpusEntry
	dim     int
}

// NewCorpus validates entries and fixes their ingestion order.
func NewCorpus(entries []CorpusEntry) (*Corpus, error) {
	c := &Corpus{entries: make([]*CorpusEntry, 0, len(entries))}
	seen := make(map[string]bool, len(entries))
	for i := range entries {
		e := entries[i]
		if strings.TrimSpace(e.ID) == "" {
			return nil, fmt.Errorf("corpus entry %d: missing id", i)
		}
		if seen[e.ID] {
			return nil, fmt.Errorf("corpus entry %q: duplicate id", e.ID)
		}
		if len(e.Embedding) == 0 {
			return nil, fmt.Errorf("corpus entry %q: empty embedding", e.ID)
		}
		if c.dim == 0 {
			c.dim = len(e.Embedding)
		} else if len(e.Embedding) != c.dim {
			return nil, fmt.Errorf("corpus entry %q: dimension %d, want %d", e.ID, len(e.Embedding), c.dim)
		}
		seen[e.ID] = true
		e.Order = i
		e.norm = norm(e.Embedding)
		c.entries = append(c.entries, &e)
	}
	return c, nil
}

// LoadCorpus reads a JSON array or JSON-lines stream of entries.
func LoadCorpus(r io.Reader) (*Corpus, error) {
	br := bufio.NewReader(r)
	first, err := peekNonSpace(br)
	if err == io.EOF {
		return NewCorpus(nil)
	}
	if err != nil {
		return nil, err
	}

	var entries []CorpusEntry
	if first == '[' {
		if err := json.NewDecoder(br).Decode(&entries); err != nil {
			return nil, fmt.Errorf("decode corpus array: %w", err)
		}
		return NewCorpus(entries)
	}

	sc := bufio.NewScanner(br)
	sc.Buffer(make([]byte, 0, 1<<20), 64<<20)
	line := 0
	for sc.Scan() {
		line++
		raw := bytes.TrimSpace(sc.Bytes())
		if len(raw) == 0 {
			continue
		}
		var e CorpusEntry
		if err := json.Unmarshal(raw, &e); err != nil {
			return nil, fmt.Errorf("decode corpus line %d: %w", line, err)
		}
		entries = append(entries, e)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read corpus: %w", err)
	}
	return NewCorpus(entries)
}

func peekNonSpace(br *bufio.Reader) (byte, error) {
	for {
		b, err := br.ReadByte()
		if err != nil {
			return 0, err
		}
		if b == ' ' || b == '\n' || b == '\r' || b == '\t' {
			continue
		}
		if err := br.UnreadByte(); err != nil {
			return 0, err
		}
		return b, nil
	}
}

func (c *Corpus) Len() int { return len(c.entries) }

// Dim is the embedding dimension, 0 for an empty corpus.
func (c *Corpus) Dim() int { return c.dim }

// Filter narrows candidates before scoring. Zero values match everything.
type Filter struct {
	Topic   string
	Subject string
	Grade   int
}

func (f Filter) empty() bool {
	return strings.TrimSpace(f.Topic) == "" && strings.TrimSpace(f.Subject) == "" && f.Grade <= 0
}

func (f Filter) matches(e *CorpusEntry) bool {
	if t := strings.TrimSpace(f.Topic); t != "" {
		if !strings.EqualFold(t, e.Topic) && !strings.EqualFold(t, e.Subject) {
			return false
		}
	}
	if s := strings.TrimSpace(f.Subject); s != "" && !strings.EqualFold(s, e.Subject) {
		return false
	}
	if f.Grade > 0 {
		if lo, hi, ok := parseGradeBand(e.GradeBand); ok && (f.Grade < lo || f.Grade > hi) {
			return false
		}
	}
	return true
}

// parseGradeBand accepts "9", "9-12" and "K-5" (K is grade 0).
func parseGradeBand(band string) (int, int, bool) {
	band = strings.TrimSpace(strings.ToUpper(band))
	if band == "" {
		return 0, 0, false
	}
	parts := strings.SplitN(band, "-", 2)
	lo, ok := parseGrade(parts[0])
	if !ok {
		return 0, 0, false
	}
	if len(parts) == 1 {
		return lo, lo, true
	}
	hi, ok := parseGrade(parts[1])
	if !ok || hi < lo {
		return 0, 0, false
	}
	return lo, hi, true
}

func parseGrade(s string) (int, bool) {
	s = strings.TrimSpace(s)
	if s == "K" {
		return 0, true
	}
	n, err := strconv.Atoi(s)
	return n, err == nil
}

func norm(v []float32) float64 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}

// Opener reads a corpus object by reference; artifacts.Store satisfies it.
type Opener interface {
	Open(ctx context.Context, ref string) (io.ReadCloser, error)
}

// LoadCorpusRef loads the corpus once at startup from a local path or gs:// ref.
func LoadCorpusRef(ctx context.Context, o Opener, ref string) (*Corpus, error) {
	rc, err := o.Open(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("open corpus %s: %w", ref, err)
	}
	defer rc.Close()
	return LoadCorpus(rc)
}

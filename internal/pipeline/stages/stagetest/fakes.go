// Package stagetest provides in-memory collaborators for exercising the
// pipeline without external providers.
package stagetest

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/yungbote/neurobridge-contentgen/internal/clarifier"
	"github.com/yungbote/neurobridge-contentgen/internal/domain/content"
	"github.com/yungbote/neurobridge-contentgen/internal/pipeline/stages"
	"github.com/yungbote/neurobridge-contentgen/internal/platform/logger"
	"github.com/yungbote/neurobridge-contentgen/internal/retrieval"
)

// Fakes implements every provider interface the processors need. Fail hooks
// let a test inject an error into a single stage's provider call.
type Fakes struct {
	mu    sync.Mutex
	calls map[string]int

	Confidence float64

	FailNLU    func(call int) error
	FailScript func(call int) error
	FailSpeech func(call int) error
	FailVideo  func(call int) error

	Store *MemStore
}

func New() *Fakes {
	return &Fakes{calls: map[string]int{}, Confidence: 0.9, Store: NewMemStore()}
}

func (f *Fakes) hit(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[name]++
	return f.calls[name]
}

func (f *Fakes) Calls(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[name]
}

func (f *Fakes) ExtractTopic(ctx context.Context, query string, grade int) (content.Topic, error) {
	n := f.hit("nlu")
	if f.FailNLU != nil {
		if err := f.FailNLU(n); err != nil {
			return content.Topic{}, err
		}
	}
	name := strings.TrimSpace(strings.TrimPrefix(strings.ToLower(query), "explain "))
	return content.Topic{
		ID:         strings.ReplaceAll(name, " ", "-"),
		Name:       name,
		Subject:    "biology",
		Keywords:   []string{name},
		Confidence: f.Confidence,
	}, nil
}

func (f *Fakes) GenerateScript(ctx context.Context, req stages.ScriptRequest) (stages.Script, error) {
	n := f.hit("script")
	if f.FailScript != nil {
		if err := f.FailScript(n); err != nil {
			return stages.Script{}, err
		}
	}
	return stages.Script{
		Title:   "All about " + req.Topic.Name,
		Summary: "A short lesson.",
		Sections: []stages.Section{
			{Heading: "What it is", Narration: "Plants turn light into chemical energy."},
			{Heading: "Why it matters", Narration: "Almost every food chain starts with this process."},
		},
	}, nil
}

func (f *Fakes) Synthesize(ctx context.Context, text string) (stages.Media, error) {
	n := f.hit("speech")
	if f.FailSpeech != nil {
		if err := f.FailSpeech(n); err != nil {
			return stages.Media{}, err
		}
	}
	return stages.Media{Bytes: []byte("ID3audio"), MimeType: "audio/mpeg"}, nil
}

func (f *Fakes) GenerateVideo(ctx context.Context, req stages.VideoRequest) (stages.Media, error) {
	n := f.hit("video")
	if f.FailVideo != nil {
		if err := f.FailVideo(n); err != nil {
			return stages.Media{}, err
		}
	}
	return stages.Media{Bytes: []byte("MP4video"), MimeType: "video/mp4"}, nil
}

// Deps wires the fakes, a small in-memory corpus and a heuristic clarifier.
func (f *Fakes) Deps() stages.Deps {
	corpus, err := retrieval.NewCorpus([]retrieval.CorpusEntry{
		{ID: "bio-1", Embedding: retrieval.PseudoEmbed("photosynthesis light energy plants", 32), Text: "Photosynthesis converts light energy into glucose.", Subject: "biology", Topic: "photosynthesis", GradeBand: "6-12"},
		{ID: "bio-2", Embedding: retrieval.PseudoEmbed("cell respiration mitochondria", 32), Text: "Cells release energy through respiration.", Subject: "biology", GradeBand: "6-12"},
	})
	if err != nil {
		panic(err)
	}
	engine := retrieval.NewEngine(retrieval.NewBruteForce(corpus), nil, retrieval.Config{TopK: 2, Threshold: -1}, logger.Nop())
	return stages.Deps{
		Log:       logger.Nop(),
		NLU:       f,
		Clarifier: clarifier.New(nil, clarifier.Config{MinConfidence: 0.5}, logger.Nop()),
		Retriever: engine,
		Scripts:   f,
		Speech:    f,
		Video:     f,
		Store:     f.Store,
		KeyPrefix: "test",
	}
}

// MemStore is an artifact store that keeps objects in a map.
type MemStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	FailPut func(key string) error
}

func NewMemStore() *MemStore { return &MemStore{objects: map[string][]byte{}} }

func (m *MemStore) Put(ctx context.Context, key string, r io.Reader, contentType string) (string, error) {
	if m.FailPut != nil {
		if err := m.FailPut(key); err != nil {
			return "", err
		}
	}
	b, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = b
	return "mem://" + key, nil
}

func (m *MemStore) Get(key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.objects[key]
	return b, ok
}

func (m *MemStore) Keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.objects))
	for k := range m.objects {
		out = append(out, k)
	}
	return out
}

// Err is a convenience for fail hooks that should fail every call.
func Err(err error) func(int) error {
	return func(int) error { return err }
}

// ErrFirst fails the first n calls with err and succeeds afterwards.
func ErrFirst(n int, err error) func(int) error {
	return func(call int) error {
		if call <= n {
			return fmt.Errorf("call %d: %w", call, err)
		}
		return nil
	}
}

package stages_test

import (
	"bytes"
	"context"
	"errors"
	"image/png"
	"strings"
	"testing"

	"github.com/yungbote/neurobridge-contentgen/internal/domain/content"
	"github.com/yungbote/neurobridge-contentgen/internal/pipeline/stages"
	"github.com/yungbote/neurobridge-contentgen/internal/pipeline/stages/stagetest"
	"github.com/yungbote/neurobridge-contentgen/internal/pkg/apperr"
	"github.com/yungbote/neurobridge-contentgen/internal/retrieval"
)

type statusErr struct{ code int }

func (e statusErr) Error() string       { return "upstream status" }
func (e statusErr) HTTPStatusCode() int { return e.code }

func newSet(t *testing.T, d stages.Deps) stages.Set {
	t.Helper()
	set, err := stages.NewSet(d)
	if err != nil {
		t.Fatalf("NewSet: %v", err)
	}
	return set
}

func baseState(ms ...content.Modality) stages.State {
	return stages.State{
		CorrelationID: "r1",
		StudentID:     "s1",
		Query:         "explain photosynthesis",
		GradeLevel:    9,
		Modalities:    ms,
	}
}

func run(t *testing.T, set stages.Set, st stages.State, order ...content.Status) stages.State {
	t.Helper()
	for _, name := range order {
		next, err := set[name].Process(context.Background(), st)
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		st = next.MarkDone(string(name))
	}
	return st
}

func TestFullVideoRun(t *testing.T) {
	f := stagetest.New()
	set := newSet(t, f.Deps())
	st := run(t, set, baseState(content.ModalityText, content.ModalityAudio, content.ModalityVideo),
		content.StatusValidating,
		content.StatusRetrievingContext,
		content.StatusGeneratingScript,
		content.StatusSynthesizingAudio,
		content.StatusAssemblingVisual,
		content.StatusFinalizing,
	)

	if st.Topic == nil || st.Topic.Name != "photosynthesis" {
		t.Fatalf("topic: got %+v", st.Topic)
	}
	if len(st.Passages) == 0 || st.Passages[0].ID != "bio-1" {
		t.Fatalf("passages: want bio-1 first, got %+v", st.Passages)
	}
	if !st.Degraded || st.DegradedReason != retrieval.DegradedNoEmbedding {
		t.Fatalf("degraded: engine without embedder should flag embedding_unavailable, got %q", st.DegradedReason)
	}
	for _, k := range []string{"text", "audio", "video", "script", "manifest", "slide_01", "slide_02"} {
		if st.Artifacts[k] == "" {
			t.Fatalf("artifact %s missing: %v", k, st.Artifacts)
		}
	}
	if len(st.Completed) != 6 || !st.Done("finalizing") {
		t.Fatalf("completed: %v", st.Completed)
	}

	raw, ok := f.Store.Get("test/r1/slides/01.png")
	if !ok {
		t.Fatalf("slide not stored; keys=%v", f.Store.Keys())
	}
	img, err := png.Decode(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("slide png: %v", err)
	}
	if b := img.Bounds(); b.Dx() != 1280 || b.Dy() != 720 {
		t.Fatalf("slide size: want=1280x720 got=%dx%d", b.Dx(), b.Dy())
	}
}

func TestNLULowConfidenceNeedsClarification(t *testing.T) {
	f := stagetest.New()
	f.Confidence = 0.1
	set := newSet(t, f.Deps())
	_, err := set[content.StatusValidating].Process(context.Background(), baseState(content.ModalityText))
	if apperr.ClassOf(err) != apperr.ClassValidation {
		t.Fatalf("class: want=validation got=%s (%v)", apperr.ClassOf(err), err)
	}
	if !strings.Contains(err.Error(), "clarification needed") || !strings.Contains(err.Error(), "Did you mean") {
		t.Fatalf("reason should carry the questions: %v", err)
	}
}

func TestNLUValidatesInput(t *testing.T) {
	set := newSet(t, stagetest.New().Deps())
	st := baseState(content.ModalityText)
	st.Query = "   "
	if _, err := set[content.StatusValidating].Process(context.Background(), st); apperr.ClassOf(err) != apperr.ClassValidation {
		t.Fatalf("empty query: want validation got=%v", err)
	}
	st = baseState(content.ModalityText)
	st.GradeLevel = 13
	if _, err := set[content.StatusValidating].Process(context.Background(), st); apperr.ClassOf(err) != apperr.ClassValidation {
		t.Fatalf("bad grade: want validation got=%v", err)
	}
}

func TestUpstreamErrorsAreClassified(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want apperr.Class
	}{
		{"rate limited", statusErr{429}, apperr.ClassCapacity},
		{"unavailable", statusErr{503}, apperr.ClassTransient},
		{"deadline", context.DeadlineExceeded, apperr.ClassTransient},
		{"bad request", statusErr{400}, apperr.ClassValidation},
		{"refused", apperr.Wrap(apperr.ErrSafetyRejection, "", "", "refused", nil), apperr.ClassSafety},
	}
	for _, tc := range cases {
		f := stagetest.New()
		f.FailScript = stagetest.Err(tc.err)
		set := newSet(t, f.Deps())
		st := run(t, set, baseState(content.ModalityText), content.StatusValidating, content.StatusRetrievingContext)
		_, err := set[content.StatusGeneratingScript].Process(context.Background(), st)
		if got := apperr.ClassOf(err); got != tc.want {
			t.Fatalf("%s: want=%s got=%s (%v)", tc.name, tc.want, got, err)
		}
	}
}

type lowRetriever struct{}

func (lowRetriever) Retrieve(ctx context.Context, q retrieval.Query) (retrieval.Result, error) {
	return retrieval.Result{
		Matches:        []retrieval.Match{{Entry: &retrieval.CorpusEntry{ID: "x", Text: "unrelated"}, Similarity: 0.01}},
		Degraded:       true,
		DegradedReason: retrieval.DegradedLowSimilarity,
	}, nil
}

func TestContextBelowThresholdIsDegradedNotFailed(t *testing.T) {
	d := stagetest.New().Deps()
	d.Retriever = lowRetriever{}
	set := newSet(t, d)
	st, err := set[content.StatusRetrievingContext].Process(context.Background(), baseState(content.ModalityText))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if len(st.Passages) != 0 || !st.Degraded || st.DegradedReason != retrieval.DegradedLowSimilarity {
		t.Fatalf("want empty degraded context, got passages=%d degraded=%v", len(st.Passages), st.Degraded)
	}
}

func TestBudgetEnforce(t *testing.T) {
	b := stages.Budget{MaxSeconds: 4, WordsPerMinute: 60}
	s := b.Enforce(stages.Script{Sections: []stages.Section{
		{Narration: "one two three"},
		{Narration: ""},
		{Narration: "four five six"},
		{Narration: "seven"},
	}})
	if s.WordCount != 4 || !s.Trimmed || len(s.Sections) != 2 {
		t.Fatalf("enforce: words=%d trimmed=%v sections=%d", s.WordCount, s.Trimmed, len(s.Sections))
	}
	if s.Sections[1].Narration != "four" || s.EstimatedSeconds != 4 {
		t.Fatalf("cut: got %q at %.1fs", s.Sections[1].Narration, s.EstimatedSeconds)
	}
}

func TestFinalizeRequiresArtifacts(t *testing.T) {
	set := newSet(t, stagetest.New().Deps())
	st := baseState(content.ModalityText, content.ModalityVideo)
	st.Artifacts = map[string]string{"text": "mem://t"}
	_, err := set[content.StatusFinalizing].Process(context.Background(), st)
	if apperr.ClassOf(err) != apperr.ClassPermanent {
		t.Fatalf("missing video: want permanent got=%v", err)
	}
}

func TestStoreFailureIsTransient(t *testing.T) {
	f := stagetest.New()
	set := newSet(t, f.Deps())
	st := run(t, set, baseState(content.ModalityText), content.StatusValidating, content.StatusRetrievingContext, content.StatusGeneratingScript)
	f.Store.FailPut = func(string) error { return errors.New("bucket unavailable") }
	_, err := set[content.StatusSynthesizingAudio].Process(context.Background(), st)
	if apperr.ClassOf(err) != apperr.ClassTransient {
		t.Fatalf("store failure: want transient got=%v", err)
	}
}

func TestStateCheckpointRoundTrip(t *testing.T) {
	st := baseState(content.ModalityAudio).MarkDone("validating")
	raw, err := st.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	back, err := stages.DecodeState(raw)
	if err != nil {
		t.Fatalf("DecodeState: %v", err)
	}
	if !back.Done("validating") || back.Done("finalizing") || back.Modalities[0] != content.ModalityAudio {
		t.Fatalf("checkpoint: %+v", back)
	}
}

package stages

import (
	"context"
	"fmt"
	"io"

	"github.com/yungbote/neurobridge-contentgen/internal/clarifier"
	"github.com/yungbote/neurobridge-contentgen/internal/domain/content"
	"github.com/yungbote/neurobridge-contentgen/internal/platform/logger"
	"github.com/yungbote/neurobridge-contentgen/internal/retrieval"
)

// Processor is one pipeline stage: a transform of State with no memory of
// earlier requests. Retriable reports whether the stage may be re-run after a
// transient failure.
type Processor interface {
	Name() string
	Retriable() bool
	Process(ctx context.Context, st State) (State, error)
}

type Retriever interface {
	Retrieve(ctx context.Context, q retrieval.Query) (retrieval.Result, error)
}

type Clarifier interface {
	Assess(query string, gradeLevel int, topic *content.Topic) clarifier.Result
	MinConfidence() float64
}

type ScriptRequest struct {
	Query             string
	GradeLevel        int
	Topic             content.Topic
	Passages          []Passage
	PreferredModality string
	MaxWords          int
}

type ScriptGenerator interface {
	GenerateScript(ctx context.Context, req ScriptRequest) (Script, error)
}

type Media struct {
	Bytes    []byte
	MimeType string
}

type SpeechSynthesizer interface {
	Synthesize(ctx context.Context, text string) (Media, error)
}

type VideoRequest struct {
	Title           string
	Prompt          string
	DurationSeconds int
}

type VideoGenerator interface {
	GenerateVideo(ctx context.Context, req VideoRequest) (Media, error)
}

// ArtifactStore is the subset of artifacts.Store the processors write to.
type ArtifactStore interface {
	Put(ctx context.Context, key string, r io.Reader, contentType string) (string, error)
}

type Deps struct {
	Log       *logger.Logger
	NLU       clarifier.TopicExtractor
	Clarifier Clarifier
	Retriever Retriever
	Scripts   ScriptGenerator
	Speech    SpeechSynthesizer
	Video     VideoGenerator
	Store     ArtifactStore
	Budget    Budget
	Slides    *SlideRenderer
	KeyPrefix string
}

func (d Deps) validate() error {
	switch {
	case d.NLU == nil:
		return fmt.Errorf("stages: NLU is required")
	case d.Clarifier == nil:
		return fmt.Errorf("stages: Clarifier is required")
	case d.Retriever == nil:
		return fmt.Errorf("stages: Retriever is required")
	case d.Scripts == nil:
		return fmt.Errorf("stages: ScriptGenerator is required")
	case d.Speech == nil:
		return fmt.Errorf("stages: SpeechSynthesizer is required")
	case d.Video == nil:
		return fmt.Errorf("stages: VideoGenerator is required")
	case d.Store == nil:
		return fmt.Errorf("stages: ArtifactStore is required")
	}
	return nil
}

// Set maps each pipeline state to the processor that runs it.
type Set map[content.Status]Processor

// NewSet builds the standard processors for every pipeline stage.
func NewSet(d Deps) (Set, error) {
	if err := d.validate(); err != nil {
		return nil, err
	}
	if d.Log == nil {
		d.Log = logger.Nop()
	}
	if d.Slides == nil {
		d.Slides = NewSlideRenderer(nil)
	}
	d.Budget = d.Budget.withDefaults()
	return Set{
		content.StatusValidating:        &nluStage{deps: d},
		content.StatusRetrievingContext: &contextStage{deps: d},
		content.StatusGeneratingScript:  &scriptStage{deps: d},
		content.StatusSynthesizingAudio: &narrationStage{deps: d},
		content.StatusAssemblingVisual:  &visualStage{deps: d},
		content.StatusFinalizing:        &finalizeStage{deps: d},
	}, nil
}

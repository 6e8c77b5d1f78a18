package stages

import (
	"encoding/json"

	"github.com/yungbote/neurobridge-contentgen/internal/domain/content"
)

// State is the context that accumulates as a request moves through the
// pipeline. It is checkpointed after every successful stage so a retry resumes
// where the failure happened.
type State struct {
	RequestID         string             `json:"request_id"`
	CorrelationID     string             `json:"correlation_id"`
	StudentID         string             `json:"student_id"`
	Query             string             `json:"query"`
	GradeLevel        int                `json:"grade_level"`
	Modalities        content.Modalities `json:"modalities"`
	PreferredModality string             `json:"preferred_modality,omitempty"`

	Topic          *content.Topic `json:"topic,omitempty"`
	Passages       []Passage      `json:"passages,omitempty"`
	Degraded       bool           `json:"degraded,omitempty"`
	DegradedReason string         `json:"degraded_reason,omitempty"`
	Script         *Script        `json:"script,omitempty"`
	Audio          *Audio         `json:"audio,omitempty"`
	Visual         *Visual        `json:"visual,omitempty"`

	Artifacts map[string]string `json:"artifacts,omitempty"`
	Completed []string          `json:"completed,omitempty"`
}

type Passage struct {
	ID         string  `json:"id"`
	Text       string  `json:"text"`
	Subject    string  `json:"subject,omitempty"`
	Similarity float64 `json:"similarity"`
}

type Section struct {
	Heading   string `json:"heading"`
	Narration string `json:"narration"`
}

type Script struct {
	Title            string    `json:"title"`
	Summary          string    `json:"summary"`
	Sections         []Section `json:"sections"`
	WordCount        int       `json:"word_count"`
	EstimatedSeconds float64   `json:"estimated_seconds"`
	Trimmed          bool      `json:"trimmed,omitempty"`
}

type Audio struct {
	Ref             string  `json:"ref"`
	MimeType        string  `json:"mime_type"`
	DurationSeconds float64 `json:"duration_seconds"`
}

type Visual struct {
	VideoRef  string   `json:"video_ref"`
	SlideRefs []string `json:"slide_refs"`
}

func (s State) Done(stage string) bool {
	for _, c := range s.Completed {
		if c == stage {
			return true
		}
	}
	return false
}

// MarkDone returns a copy of s with stage recorded as completed.
func (s State) MarkDone(stage string) State {
	if s.Done(stage) {
		return s
	}
	s.Completed = append(append([]string(nil), s.Completed...), stage)
	return s
}

func (s State) withArtifact(name, ref string) State {
	next := make(map[string]string, len(s.Artifacts)+1)
	for k, v := range s.Artifacts {
		next[k] = v
	}
	next[name] = ref
	s.Artifacts = next
	return s
}

func (s State) Encode() ([]byte, error) { return json.Marshal(s) }

func DecodeState(b []byte) (State, error) {
	var s State
	err := json.Unmarshal(b, &s)
	return s, err
}

// NarrationText joins every section's narration in order.
func (s *Script) NarrationText() string {
	if s == nil {
		return ""
	}
	out := make([]byte, 0, 256)
	for i, sec := range s.Sections {
		if i > 0 {
			out = append(out, "\n\n"...)
		}
		out = append(out, sec.Narration...)
	}
	return string(out)
}

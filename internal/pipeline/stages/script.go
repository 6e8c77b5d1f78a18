package stages

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/yungbote/neurobridge-contentgen/internal/artifacts"
	"github.com/yungbote/neurobridge-contentgen/internal/domain/content"
	"github.com/yungbote/neurobridge-contentgen/internal/pkg/apperr"
)

type scriptStage struct{ deps Deps }

func (s *scriptStage) Name() string    { return string(content.StatusGeneratingScript) }
func (s *scriptStage) Retriable() bool { return true }

func (s *scriptStage) Process(ctx context.Context, st State) (State, error) {
	req := ScriptRequest{
		Query:             st.Query,
		GradeLevel:        st.GradeLevel,
		Passages:          st.Passages,
		PreferredModality: st.PreferredModality,
		MaxWords:          s.deps.Budget.MaxWords(),
	}
	if st.Topic != nil {
		req.Topic = *st.Topic
	}

	script, err := s.deps.Scripts.GenerateScript(ctx, req)
	if err != nil {
		return st, apperr.FromUpstream(s.Name(), "generate script", err)
	}
	script = s.deps.Budget.Enforce(script)
	if script.WordCount == 0 {
		return st, apperr.Validation(s.Name(), "generated script has no narration")
	}
	if strings.TrimSpace(script.Title) == "" && st.Topic != nil {
		script.Title = st.Topic.Name
	}
	if script.Trimmed {
		s.deps.Log.Info("script trimmed to budget", "correlation_id", st.CorrelationID, "words", script.WordCount)
	}

	raw, err := json.MarshalIndent(script, "", "  ")
	if err != nil {
		return st, fmt.Errorf("encode script: %w", err)
	}
	ref, err := putArtifact(ctx, s.deps, st.CorrelationID, "script.json", raw)
	if err != nil {
		return st, apperr.Wrap(apperr.ErrTransient, s.Name(), "store script", "", err)
	}
	textRef, err := putArtifact(ctx, s.deps, st.CorrelationID, "script.md", []byte(renderMarkdown(script)))
	if err != nil {
		return st, apperr.Wrap(apperr.ErrTransient, s.Name(), "store text", "", err)
	}

	st.Script = &script
	st = st.withArtifact("script", ref)
	st = st.withArtifact(string(content.ModalityText), textRef)
	return st, nil
}

func renderMarkdown(s Script) string {
	var b strings.Builder
	b.WriteString("# ")
	b.WriteString(s.Title)
	b.WriteString("\n\n")
	if s.Summary != "" {
		b.WriteString(s.Summary)
		b.WriteString("\n\n")
	}
	for _, sec := range s.Sections {
		if sec.Heading != "" {
			b.WriteString("## ")
			b.WriteString(sec.Heading)
			b.WriteString("\n\n")
		}
		b.WriteString(sec.Narration)
		b.WriteString("\n\n")
	}
	return strings.TrimSpace(b.String()) + "\n"
}

func putArtifact(ctx context.Context, d Deps, correlationID, name string, body []byte) (string, error) {
	key := artifacts.Key(d.KeyPrefix, correlationID, name)
	return d.Store.Put(ctx, key, bytes.NewReader(body), artifacts.ContentTypeForKey(key))
}

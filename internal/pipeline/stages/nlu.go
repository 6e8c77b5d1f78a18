package stages

import (
	"context"
	"strings"

	"github.com/yungbote/neurobridge-contentgen/internal/domain/content"
	"github.com/yungbote/neurobridge-contentgen/internal/pkg/apperr"
)

type nluStage struct{ deps Deps }

func (s *nluStage) Name() string    { return string(content.StatusValidating) }
func (s *nluStage) Retriable() bool { return true }

func (s *nluStage) Process(ctx context.Context, st State) (State, error) {
	q := strings.TrimSpace(st.Query)
	if q == "" {
		return st, apperr.Validation(s.Name(), "query is empty")
	}
	if st.GradeLevel < 0 || st.GradeLevel > 12 {
		return st, apperr.Validation(s.Name(), "grade level must be between 0 and 12")
	}

	topic, err := s.deps.NLU.ExtractTopic(ctx, q, st.GradeLevel)
	if err != nil {
		return st, apperr.FromUpstream(s.Name(), "extract topic", err)
	}
	if topic.Confidence < s.deps.Clarifier.MinConfidence() {
		res := s.deps.Clarifier.Assess(q, st.GradeLevel, &topic)
		if res.NeedsClarification {
			return st, apperr.Wrap(apperr.ErrValidation, s.Name(), "clarification needed", strings.Join(res.Questions, " "), nil)
		}
	}
	st.Topic = &topic
	return st, nil
}

package stages

import (
	"context"
	"strings"

	"github.com/yungbote/neurobridge-contentgen/internal/domain/content"
	"github.com/yungbote/neurobridge-contentgen/internal/pkg/apperr"
	"github.com/yungbote/neurobridge-contentgen/internal/retrieval"
)

type contextStage struct{ deps Deps }

func (s *contextStage) Name() string    { return string(content.StatusRetrievingContext) }
func (s *contextStage) Retriable() bool { return true }

func (s *contextStage) Process(ctx context.Context, st State) (State, error) {
	q := retrieval.Query{Text: st.Query, GradeLevel: st.GradeLevel}
	if st.Topic != nil {
		q.Topic = st.Topic.Name
		q.Subject = st.Topic.Subject
		if len(st.Topic.Keywords) > 0 {
			q.Text = st.Query + " " + strings.Join(st.Topic.Keywords, " ")
		}
	}

	res, err := s.deps.Retriever.Retrieve(ctx, q)
	if err != nil {
		return st, apperr.FromUpstream(s.Name(), "retrieve", err)
	}

	st.Passages = nil
	if res.DegradedReason != retrieval.DegradedLowSimilarity {
		for _, m := range res.Matches {
			st.Passages = append(st.Passages, Passage{
				ID:         m.Entry.ID,
				Text:       m.Entry.Text,
				Subject:    m.Entry.Subject,
				Similarity: m.Similarity,
			})
		}
	}
	if res.Degraded {
		st.Degraded = true
		st.DegradedReason = res.DegradedReason
		s.deps.Log.Info("retrieval degraded", "correlation_id", st.CorrelationID, "reason", res.DegradedReason)
	}
	return st, nil
}

package stages

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/yungbote/neurobridge-contentgen/internal/domain/content"
	"github.com/yungbote/neurobridge-contentgen/internal/pkg/apperr"
)

type finalizeStage struct{ deps Deps }

func (s *finalizeStage) Name() string    { return string(content.StatusFinalizing) }
func (s *finalizeStage) Retriable() bool { return true }

type manifest struct {
	CorrelationID  string            `json:"correlation_id"`
	Title          string            `json:"title"`
	Topic          string            `json:"topic,omitempty"`
	Modalities     []string          `json:"modalities"`
	Degraded       bool              `json:"degraded"`
	DegradedReason string            `json:"degraded_reason,omitempty"`
	Artifacts      map[string]string `json:"artifacts"`
	Sources        []string          `json:"sources,omitempty"`
}

// Process checks every requested modality produced an artifact and writes a
// manifest alongside them. Marking the request completed is the caller's job.
func (s *finalizeStage) Process(ctx context.Context, st State) (State, error) {
	for _, m := range st.Modalities {
		if st.Artifacts[string(m)] == "" {
			return st, apperr.Wrap(apperr.ErrPermanent, s.Name(), "", fmt.Sprintf("missing %s artifact", m), nil)
		}
	}

	man := manifest{
		CorrelationID:  st.CorrelationID,
		Modalities:     st.Modalities.Strings(),
		Degraded:       st.Degraded,
		DegradedReason: st.DegradedReason,
		Artifacts:      st.Artifacts,
	}
	if st.Script != nil {
		man.Title = st.Script.Title
	}
	if st.Topic != nil {
		man.Topic = st.Topic.Name
	}
	for _, p := range st.Passages {
		man.Sources = append(man.Sources, p.ID)
	}
	sort.Strings(man.Sources)

	raw, err := json.MarshalIndent(man, "", "  ")
	if err != nil {
		return st, fmt.Errorf("encode manifest: %w", err)
	}
	ref, err := putArtifact(ctx, s.deps, st.CorrelationID, "manifest.json", raw)
	if err != nil {
		return st, apperr.Wrap(apperr.ErrTransient, s.Name(), "store manifest", "", err)
	}
	return st.withArtifact("manifest", ref), nil
}

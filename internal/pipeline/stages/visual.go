package stages

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/yungbote/neurobridge-contentgen/internal/domain/content"
	"github.com/yungbote/neurobridge-contentgen/internal/pkg/apperr"
)

type visualStage struct{ deps Deps }

func (s *visualStage) Name() string    { return string(content.StatusAssemblingVisual) }
func (s *visualStage) Retriable() bool { return true }

func (s *visualStage) Process(ctx context.Context, st State) (State, error) {
	if st.Script == nil || len(st.Script.Sections) == 0 {
		return st, apperr.Validation(s.Name(), "no script to visualise")
	}

	slides := make([]string, 0, len(st.Script.Sections))
	for i, sec := range st.Script.Sections {
		png, err := s.deps.Slides.Render(st.Script.Title, sec, i+1, len(st.Script.Sections))
		if err != nil {
			return st, fmt.Errorf("render slide %d: %w", i+1, err)
		}
		ref, err := putArtifact(ctx, s.deps, st.CorrelationID, fmt.Sprintf("slides/%02d.png", i+1), png)
		if err != nil {
			return st, apperr.Wrap(apperr.ErrTransient, s.Name(), "store slide", "", err)
		}
		slides = append(slides, ref)
	}

	seconds := int(st.Script.EstimatedSeconds)
	if st.Audio != nil && st.Audio.DurationSeconds > 0 {
		seconds = int(math.Ceil(st.Audio.DurationSeconds))
	}
	video, err := s.deps.Video.GenerateVideo(ctx, VideoRequest{
		Title:           st.Script.Title,
		Prompt:          videoPrompt(st),
		DurationSeconds: seconds,
	})
	if err != nil {
		return st, apperr.FromUpstream(s.Name(), "generate video", err)
	}
	if len(video.Bytes) == 0 {
		return st, apperr.Wrap(apperr.ErrTransient, s.Name(), "generate video", "empty video", nil)
	}
	ref, err := putArtifact(ctx, s.deps, st.CorrelationID, "video.mp4", video.Bytes)
	if err != nil {
		return st, apperr.Wrap(apperr.ErrTransient, s.Name(), "store video", "", err)
	}

	st.Visual = &Visual{VideoRef: ref, SlideRefs: slides}
	st = st.withArtifact(string(content.ModalityVideo), ref)
	for i, r := range slides {
		st = st.withArtifact(fmt.Sprintf("slide_%02d", i+1), r)
	}
	return st, nil
}

func videoPrompt(st State) string {
	var b strings.Builder
	fmt.Fprintf(&b, "An educational explainer video for a grade %d student titled %q.", st.GradeLevel, st.Script.Title)
	b.WriteString(" Clean diagram-style visuals, no on-screen text beyond short labels. Scenes:")
	for i, sec := range st.Script.Sections {
		heading := sec.Heading
		if heading == "" {
			heading = firstWords(sec.Narration, 12)
		}
		fmt.Fprintf(&b, " (%d) %s.", i+1, heading)
	}
	return b.String()
}

func firstWords(s string, n int) string {
	f := strings.Fields(s)
	if len(f) > n {
		f = f[:n]
	}
	return strings.Join(f, " ")
}

package stages

import (
	"context"
	"strings"

	"github.com/yungbote/neurobridge-contentgen/internal/domain/content"
	"github.com/yungbote/neurobridge-contentgen/internal/pkg/apperr"
)

type narrationStage struct{ deps Deps }

func (s *narrationStage) Name() string    { return string(content.StatusSynthesizingAudio) }
func (s *narrationStage) Retriable() bool { return true }

func (s *narrationStage) Process(ctx context.Context, st State) (State, error) {
	text := strings.TrimSpace(st.Script.NarrationText())
	if text == "" {
		return st, apperr.Validation(s.Name(), "no script to narrate")
	}

	speech, err := s.deps.Speech.Synthesize(ctx, text)
	if err != nil {
		return st, apperr.FromUpstream(s.Name(), "synthesize", err)
	}
	if len(speech.Bytes) == 0 {
		return st, apperr.Wrap(apperr.ErrTransient, s.Name(), "synthesize", "empty audio", nil)
	}
	mime := speech.MimeType
	if mime == "" {
		mime = "audio/mpeg"
	}

	ref, err := putArtifact(ctx, s.deps, st.CorrelationID, "narration"+audioExt(mime), speech.Bytes)
	if err != nil {
		return st, apperr.Wrap(apperr.ErrTransient, s.Name(), "store audio", "", err)
	}
	st.Audio = &Audio{
		Ref:             ref,
		MimeType:        mime,
		DurationSeconds: s.deps.Budget.Seconds(len(strings.Fields(text))),
	}
	st = st.withArtifact(string(content.ModalityAudio), ref)
	return st, nil
}

func audioExt(mime string) string {
	switch strings.ToLower(strings.TrimSpace(strings.SplitN(mime, ";", 2)[0])) {
	case "audio/wav", "audio/x-wav", "audio/wave":
		return ".wav"
	case "audio/ogg", "audio/opus":
		return ".ogg"
	default:
		return ".mp3"
	}
}

// Package providers adapts the OpenAI client to the pipeline's stage interfaces.
package providers

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/yungbote/neurobridge-contentgen/internal/domain/content"
	"github.com/yungbote/neurobridge-contentgen/internal/pipeline/stages"
	"github.com/yungbote/neurobridge-contentgen/internal/pkg/apperr"
	"github.com/yungbote/neurobridge-contentgen/internal/platform/logger"
	"github.com/yungbote/neurobridge-contentgen/internal/platform/openai"
)

// maxSpeechChars stays under the speech endpoint's per-request input limit.
const maxSpeechChars = 4000

type OpenAI struct {
	log       *logger.Logger
	client    openai.Client
	voice     string
	videoSize string
}

func NewOpenAI(client openai.Client, voice, videoSize string, baseLog *logger.Logger) *OpenAI {
	if baseLog == nil {
		baseLog = logger.Nop()
	}
	return &OpenAI{
		log:       baseLog.With("component", "OpenAIProviders"),
		client:    client,
		voice:     voice,
		videoSize: videoSize,
	}
}

// -------------------- NLU --------------------

var topicSchema = map[string]any{
	"type":                 "object",
	"additionalProperties": false,
	"properties": map[string]any{
		"topic_id":   map[string]any{"type": "string"},
		"topic_name": map[string]any{"type": "string"},
		"subject":    map[string]any{"type": "string"},
		"keywords":   map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
		"confidence": map[string]any{"type": "number"},
	},
	"required": []string{"topic_id", "topic_name", "subject", "keywords", "confidence"},
}

func (p *OpenAI) ExtractTopic(ctx context.Context, query string, gradeLevel int) (content.Topic, error) {
	system := strings.Join([]string{
		"You classify a K-12 student's learning request.",
		"Return the single most likely topic as a short lowercase slug (topic_id) and a readable name (topic_name).",
		"subject is the school subject (biology, math, history, ...).",
		"keywords are up to 6 terms useful for retrieving reference material.",
		"confidence is 0..1; use below 0.5 when the request is ambiguous, off-topic, or could mean several unrelated things.",
	}, "\n")
	user := fmt.Sprintf("GRADE LEVEL: %d\nREQUEST:\n%s", gradeLevel, query)

	var out content.Topic
	if err := p.client.GenerateJSON(ctx, system, user, "topic_extraction", topicSchema, &out); err != nil {
		return content.Topic{}, mapRefusal(err)
	}
	out.Name = strings.TrimSpace(out.Name)
	if out.Confidence < 0 {
		out.Confidence = 0
	} else if out.Confidence > 1 {
		out.Confidence = 1
	}
	if len(out.Keywords) > 6 {
		out.Keywords = out.Keywords[:6]
	}
	return out, nil
}

// -------------------- Script --------------------

var scriptSchema = map[string]any{
	"type":                 "object",
	"additionalProperties": false,
	"properties": map[string]any{
		"title":   map[string]any{"type": "string"},
		"summary": map[string]any{"type": "string"},
		"sections": map[string]any{
			"type": "array",
			"items": map[string]any{
				"type":                 "object",
				"additionalProperties": false,
				"properties": map[string]any{
					"heading":   map[string]any{"type": "string"},
					"narration": map[string]any{"type": "string"},
				},
				"required": []string{"heading", "narration"},
			},
		},
	},
	"required": []string{"title", "summary", "sections"},
}

func (p *OpenAI) GenerateScript(ctx context.Context, req stages.ScriptRequest) (stages.Script, error) {
	system := strings.Join([]string{
		"You write short narrated lessons for K-12 students.",
		"Match vocabulary and depth to the grade level.",
		fmt.Sprintf("The full narration across all sections must stay under %d words.", req.MaxWords),
		"Use 3 to 6 sections. Each narration is spoken aloud: no markdown, lists or stage directions.",
		"Ground facts in the reference passages when they are relevant; ignore passages that are off-topic.",
		"If the request is inappropriate for a student, refuse.",
	}, "\n")

	var user strings.Builder
	fmt.Fprintf(&user, "GRADE LEVEL: %d\n", req.GradeLevel)
	if req.Topic.Name != "" {
		fmt.Fprintf(&user, "TOPIC: %s (%s)\n", req.Topic.Name, req.Topic.Subject)
	}
	if req.PreferredModality != "" {
		fmt.Fprintf(&user, "PREFERRED FORMAT: %s\n", req.PreferredModality)
	}
	fmt.Fprintf(&user, "REQUEST:\n%s\n", req.Query)
	if len(req.Passages) > 0 {
		user.WriteString("\nREFERENCE PASSAGES:\n")
		for _, ps := range req.Passages {
			fmt.Fprintf(&user, "[%s] %s\n", ps.ID, ps.Text)
		}
	}

	var out stages.Script
	if err := p.client.GenerateJSON(ctx, system, user.String(), "lesson_script", scriptSchema, &out); err != nil {
		return stages.Script{}, mapRefusal(err)
	}
	return out, nil
}

// -------------------- Speech --------------------

func (p *OpenAI) Synthesize(ctx context.Context, text string) (stages.Media, error) {
	var out stages.Media
	for i, chunk := range splitForSpeech(text, maxSpeechChars) {
		sp, err := p.client.Synthesize(ctx, chunk, p.voice)
		if err != nil {
			return stages.Media{}, fmt.Errorf("speech chunk %d: %w", i+1, err)
		}
		// mp3 frames concatenate cleanly; other formats are requested as one chunk
		out.Bytes = append(out.Bytes, sp.Bytes...)
		out.MimeType = sp.MimeType
	}
	return out, nil
}

// splitForSpeech breaks text on paragraph, then sentence, boundaries so no
// chunk exceeds max characters.
func splitForSpeech(text string, max int) []string {
	text = strings.TrimSpace(text)
	if len(text) <= max {
		return []string{text}
	}
	var chunks []string
	var cur strings.Builder
	flush := func() {
		if s := strings.TrimSpace(cur.String()); s != "" {
			chunks = append(chunks, s)
		}
		cur.Reset()
	}
	for _, sentence := range sentences(text) {
		if cur.Len()+len(sentence)+1 > max {
			flush()
		}
		for len(sentence) > max {
			cut := strings.LastIndex(sentence[:max], " ")
			if cut <= 0 {
				cut = max
			}
			chunks = append(chunks, strings.TrimSpace(sentence[:cut]))
			sentence = strings.TrimSpace(sentence[cut:])
		}
		if cur.Len() > 0 {
			cur.WriteByte(' ')
		}
		cur.WriteString(sentence)
	}
	flush()
	return chunks
}

func sentences(text string) []string {
	var out []string
	start := 0
	for i := 0; i < len(text); i++ {
		switch text[i] {
		case '.', '!', '?', '\n':
			if s := strings.TrimSpace(text[start : i+1]); s != "" {
				out = append(out, s)
			}
			start = i + 1
		}
	}
	if s := strings.TrimSpace(text[start:]); s != "" {
		out = append(out, s)
	}
	return out
}

// -------------------- Video --------------------

func (p *OpenAI) GenerateVideo(ctx context.Context, req stages.VideoRequest) (stages.Media, error) {
	v, err := p.client.GenerateVideo(ctx, req.Prompt, openai.VideoGenerationOptions{
		DurationSeconds: req.DurationSeconds,
		Size:            p.videoSize,
	})
	if err != nil {
		return stages.Media{}, mapRefusal(err)
	}
	return stages.Media{Bytes: v.Bytes, MimeType: v.MimeType}, nil
}

func mapRefusal(err error) error {
	var refusal *openai.RefusalError
	if errors.As(err, &refusal) {
		return apperr.Wrap(apperr.ErrSafetyRejection, "", "provider refused", refusal.Reason, nil)
	}
	return err
}

package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/yungbote/neurobridge-contentgen/internal/platform/ctxutil"
	"github.com/yungbote/neurobridge-contentgen/internal/platform/envutil"
	"github.com/yungbote/neurobridge-contentgen/internal/platform/httpx"
	"github.com/yungbote/neurobridge-contentgen/internal/platform/logger"
)

type VideoGenerationOptions struct {
	DurationSeconds int
	Size            string
}

type VideoGeneration struct {
	Bytes    []byte
	MimeType string
}

type Speech struct {
	Bytes    []byte
	MimeType string
}

// Client is the subset of the OpenAI API the pipeline uses.
type Client interface {
	Embed(ctx context.Context, inputs []string) ([][]float32, error)
	// GenerateJSON runs a structured-output completion and decodes the result into out.
	GenerateJSON(ctx context.Context, system, user, schemaName string, schema map[string]any, out any) error
	Synthesize(ctx context.Context, text, voice string) (Speech, error)
	GenerateVideo(ctx context.Context, prompt string, opts VideoGenerationOptions) (VideoGeneration, error)
}

// Observer receives one call per finished provider request.
type Observer interface {
	ObserveProviderCall(path string, status int, elapsed time.Duration)
}

type Config struct {
	APIKey       string
	BaseURL      string
	Model        string
	EmbedModel   string
	SpeechModel  string
	SpeechFormat string
	VideoModel   string
	VideoSize    string
	Timeout      time.Duration
	MaxRetries   int
}

func ConfigFromEnv() Config {
	return Config{
		APIKey:       envutil.String("OPENAI_API_KEY", ""),
		BaseURL:      envutil.String("OPENAI_BASE_URL", "https://api.openai.com"),
		Model:        envutil.String("OPENAI_MODEL", "gpt-4.1-mini"),
		EmbedModel:   envutil.String("OPENAI_EMBED_MODEL", "text-embedding-3-small"),
		SpeechModel:  envutil.String("OPENAI_SPEECH_MODEL", "gpt-4o-mini-tts"),
		SpeechFormat: envutil.String("OPENAI_SPEECH_FORMAT", "mp3"),
		VideoModel:   envutil.String("OPENAI_VIDEO_MODEL", ""),
		VideoSize:    envutil.String("OPENAI_VIDEO_SIZE", "1280x720"),
		Timeout:      envutil.Duration("OPENAI_TIMEOUT_SECONDS", 180*time.Second),
		// The orchestrator owns the retry budget; keep in-client retries short.
		MaxRetries: envutil.Int("OPENAI_MAX_RETRIES", 1),
	}
}

type openAIHTTPError struct {
	StatusCode int
	Body       string
}

func (e *openAIHTTPError) Error() string {
	return fmt.Sprintf("openai http %d: %s", e.StatusCode, truncate(e.Body, 300))
}

func (e *openAIHTTPError) HTTPStatusCode() int {
	if e == nil {
		return 0
	}
	return e.StatusCode
}

// RefusalError is returned when the model declines to answer.
type RefusalError struct {
	Reason string
}

func (e *RefusalError) Error() string { return "model refused: " + e.Reason }

type client struct {
	log        *logger.Logger
	cfg        Config
	httpClient *http.Client
	observer   Observer
	pollEvery  time.Duration
}

func NewClient(cfg Config, log *logger.Logger, observer Observer) (Client, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("missing OPENAI_API_KEY")
	}
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 180 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	return &client{
		log:        log.With("service", "OpenAIClient"),
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		observer:   observer,
		pollEvery:  2 * time.Second,
	}, nil
}

func (c *client) newRequest(ctx context.Context, method, path string, body io.Reader, contentType string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if td := ctxutil.GetTraceData(ctx); td != nil && td.CorrelationID != "" {
		req.Header.Set("X-Client-Request-Id", td.CorrelationID)
	}
	return req, nil
}

func (c *client) doOnce(ctx context.Context, method, path string, payload []byte, contentType string) (*http.Response, []byte, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := c.newRequest(ctx, method, path, body, contentType)
	if err != nil {
		return nil, nil, err
	}
	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.observe(path, 0, start)
		return nil, nil, err
	}
	raw, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	c.observe(path, resp.StatusCode, start)
	if readErr != nil {
		return resp, nil, readErr
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp, raw, &openAIHTTPError{StatusCode: resp.StatusCode, Body: string(raw)}
	}
	return resp, raw, nil
}

// do sends payload with bounded retries on retryable failures and returns the raw body.
func (c *client) do(ctx context.Context, method, path string, payload []byte, contentType string) ([]byte, *http.Response, error) {
	backoff := 1 * time.Second
	for attempt := 0; ; attempt++ {
		if ctx.Err() != nil {
			return nil, nil, ctx.Err()
		}
		resp, raw, err := c.doOnce(ctx, method, path, payload, contentType)
		if err == nil {
			return raw, resp, nil
		}
		if !httpx.IsRetryableError(err) || attempt >= c.cfg.MaxRetries {
			return nil, resp, err
		}
		sleepFor := httpx.JitterSleep(httpx.RetryAfterDuration(resp, backoff, 10*time.Second), 0)
		c.log.Warn("OpenAI request retrying",
			"path", path,
			"attempt", attempt+1,
			"max_retries", c.cfg.MaxRetries,
			"sleep", sleepFor.String(),
			"error", err.Error(),
		)
		select {
		case <-ctx.Done():
			return nil, resp, ctx.Err()
		case <-time.After(sleepFor):
		}
		backoff *= 2
	}
}

func (c *client) doJSON(ctx context.Context, method, path string, body any, out any) error {
	var payload []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		payload = b
	}
	raw, _, err := c.do(ctx, method, path, payload, "application/json")
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("openai decode error: %w", err)
	}
	return nil
}

func (c *client) observe(path string, status int, start time.Time) {
	if c.observer != nil {
		c.observer.ObserveProviderCall(path, status, time.Since(start))
	}
}

// -------------------- Embeddings --------------------

type embeddingsRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embeddingsResponse struct {
	Data []struct {
		Embedding []float64 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
}

func (c *client) Embed(ctx context.Context, inputs []string) ([][]float32, error) {
	if len(inputs) == 0 {
		return [][]float32{}, nil
	}
	clean := make([]string, len(inputs))
	for i := range inputs {
		s := strings.TrimSpace(inputs[i])
		if s == "" {
			s = " "
		}
		clean[i] = s
	}

	var resp embeddingsResponse
	if err := c.doJSON(ctx, http.MethodPost, "/v1/embeddings", embeddingsRequest{Model: c.cfg.EmbedModel, Input: clean}, &resp); err != nil {
		return nil, err
	}
	out := make([][]float32, len(clean))
	for i, d := range resp.Data {
		idx := d.Index
		if idx < 0 || idx >= len(out) || out[idx] != nil {
			idx = i
		}
		if idx >= len(out) {
			continue
		}
		vec := make([]float32, len(d.Embedding))
		for j, f := range d.Embedding {
			vec[j] = float32(f)
		}
		out[idx] = vec
	}
	for i := range out {
		if len(out[i]) == 0 {
			return nil, fmt.Errorf("openai embeddings missing index %d: requested=%d returned=%d", i, len(clean), len(resp.Data))
		}
	}
	return out, nil
}

// -------------------- Responses API --------------------

type inputMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type responsesRequest struct {
	Model string         `json:"model"`
	Input []inputMessage `json:"input"`
	Text  struct {
		Format map[string]any `json:"format,omitempty"`
	} `json:"text,omitempty"`
}

type responsesResponse struct {
	Output []struct {
		Type    string `json:"type"`
		Role    string `json:"role,omitempty"`
		Content []struct {
			Type    string `json:"type"`
			Text    string `json:"text,omitempty"`
			Refusal string `json:"refusal,omitempty"`
		} `json:"content,omitempty"`
	} `json:"output"`
	Refusal string `json:"refusal,omitempty"`
}

func (r responsesResponse) outputText() (string, string) {
	var out strings.Builder
	refusal := strings.TrimSpace(r.Refusal)
	for _, item := range r.Output {
		if item.Type != "message" {
			continue
		}
		for _, part := range item.Content {
			switch part.Type {
			case "output_text":
				out.WriteString(part.Text)
			case "refusal":
				if refusal == "" {
					refusal = strings.TrimSpace(part.Refusal)
				}
			}
		}
	}
	return out.String(), refusal
}

func (c *client) GenerateJSON(ctx context.Context, system, user, schemaName string, schema map[string]any, out any) error {
	if schemaName == "" {
		return errors.New("schemaName required")
	}
	if schema == nil {
		return errors.New("schema required")
	}
	req := responsesRequest{
		Model: c.cfg.Model,
		Input: []inputMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
	}
	req.Text.Format = map[string]any{
		"type":   "json_schema",
		"name":   schemaName,
		"schema": schema,
		"strict": true,
	}

	var resp responsesResponse
	if err := c.doJSON(ctx, http.MethodPost, "/v1/responses", req, &resp); err != nil {
		return err
	}
	text, refusal := resp.outputText()
	if refusal != "" {
		return &RefusalError{Reason: refusal}
	}
	if strings.TrimSpace(text) == "" {
		return fmt.Errorf("no output_text found in response")
	}
	if err := json.Unmarshal([]byte(text), out); err != nil {
		return fmt.Errorf("failed to parse model JSON: %w", err)
	}
	return nil
}

// -------------------- Audio API --------------------

type speechRequest struct {
	Model          string `json:"model"`
	Input          string `json:"input"`
	Voice          string `json:"voice"`
	ResponseFormat string `json:"response_format,omitempty"`
}

func (c *client) Synthesize(ctx context.Context, text, voice string) (Speech, error) {
	var out Speech
	text = strings.TrimSpace(text)
	if text == "" {
		return out, errors.New("speech input required")
	}
	if voice == "" {
		voice = "alloy"
	}
	payload, err := json.Marshal(speechRequest{
		Model:          c.cfg.SpeechModel,
		Input:          text,
		Voice:          voice,
		ResponseFormat: c.cfg.SpeechFormat,
	})
	if err != nil {
		return out, err
	}
	raw, resp, err := c.do(ctx, http.MethodPost, "/v1/audio/speech", payload, "application/json")
	if err != nil {
		return out, err
	}
	out.Bytes = raw
	out.MimeType = strings.TrimSpace(strings.Split(resp.Header.Get("Content-Type"), ";")[0])
	if out.MimeType == "" {
		out.MimeType = "audio/mpeg"
	}
	return out, nil
}

// -------------------- Videos API --------------------

type videoJobResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Error  *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func normalizeVideoDurationSeconds(dur int) int {
	if dur <= 0 {
		return 8
	}
	best := 4
	for _, v := range []int{8, 12} {
		if absInt(dur-v) < absInt(dur-best) {
			best = v
		}
	}
	return best
}

func absInt(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

func (c *client) GenerateVideo(ctx context.Context, prompt string, opts VideoGenerationOptions) (VideoGeneration, error) {
	var out VideoGeneration
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return out, errors.New("video prompt required")
	}
	if strings.TrimSpace(c.cfg.VideoModel) == "" {
		return out, errors.New("missing OPENAI_VIDEO_MODEL")
	}
	size := strings.TrimSpace(opts.Size)
	if size == "" {
		size = c.cfg.VideoSize
	}

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	_ = writer.WriteField("prompt", prompt)
	_ = writer.WriteField("model", c.cfg.VideoModel)
	if size != "" {
		_ = writer.WriteField("size", size)
	}
	_ = writer.WriteField("seconds", strconv.Itoa(normalizeVideoDurationSeconds(opts.DurationSeconds)))
	_ = writer.Close()

	raw, _, err := c.do(ctx, http.MethodPost, "/v1/videos", buf.Bytes(), writer.FormDataContentType())
	if err != nil {
		return out, err
	}
	var job videoJobResponse
	if err := json.Unmarshal(raw, &job); err != nil {
		return out, fmt.Errorf("openai decode error: %w", err)
	}
	if strings.TrimSpace(job.ID) == "" {
		return out, errors.New("video create missing id")
	}

	jobID := job.ID
	for {
		switch strings.ToLower(strings.TrimSpace(job.Status)) {
		case "completed", "succeeded":
			content, resp, err := c.do(ctx, http.MethodGet, "/v1/videos/"+jobID+"/content", nil, "")
			if err != nil {
				return out, err
			}
			out.Bytes = content
			out.MimeType = strings.TrimSpace(strings.Split(resp.Header.Get("Content-Type"), ";")[0])
			if out.MimeType == "" {
				out.MimeType = "video/mp4"
			}
			return out, nil
		case "failed", "canceled", "cancelled":
			msg := "video generation failed"
			if job.Error != nil && strings.TrimSpace(job.Error.Message) != "" {
				msg = job.Error.Message
			}
			return out, errors.New(msg)
		}
		select {
		case <-ctx.Done():
			return out, ctx.Err()
		case <-time.After(c.pollEvery):
		}
		job = videoJobResponse{}
		if err := c.doJSON(ctx, http.MethodGet, "/v1/videos/"+jobID, nil, &job); err != nil {
			return out, err
		}
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

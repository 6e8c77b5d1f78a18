package openai

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/yungbote/neurobridge-contentgen/internal/platform/ctxutil"
	"github.com/yungbote/neurobridge-contentgen/internal/platform/httpx"
	"github.com/yungbote/neurobridge-contentgen/internal/platform/logger"
)

type countingObserver struct{ calls int32 }

func (o *countingObserver) ObserveProviderCall(path string, status int, elapsed time.Duration) {
	atomic.AddInt32(&o.calls, 1)
}

func newTestClient(t *testing.T, h http.HandlerFunc, obs Observer) *client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := NewClient(Config{
		APIKey:      "test-key",
		BaseURL:     srv.URL,
		Model:       "m",
		EmbedModel:  "e",
		SpeechModel: "tts",
		VideoModel:  "v",
		Timeout:     5 * time.Second,
		MaxRetries:  0,
	}, logger.Nop(), obs)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	cc := c.(*client)
	cc.pollEvery = 5 * time.Millisecond
	return cc
}

func TestEmbedOrdersByIndex(t *testing.T) {
	obs := &countingObserver{}
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/embeddings" || r.Header.Get("Authorization") != "Bearer test-key" {
			t.Errorf("unexpected request %s auth=%q", r.URL.Path, r.Header.Get("Authorization"))
		}
		if got := r.Header.Get("X-Client-Request-Id"); got != "r1" {
			t.Errorf("request id header: want=r1 got=%q", got)
		}
		_, _ = io.WriteString(w, `{"data":[{"index":1,"embedding":[0,1]},{"index":0,"embedding":[1,0]}]}`)
	}, obs)

	ctx := ctxutil.WithTraceData(context.Background(), &ctxutil.TraceData{CorrelationID: "r1"})
	vecs, err := c.Embed(ctx, []string{"a", "b"})
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if vecs[0][0] != 1 || vecs[1][1] != 1 {
		t.Fatalf("order: got=%v", vecs)
	}
	if atomic.LoadInt32(&obs.calls) != 1 {
		t.Fatalf("observer calls: want=1 got=%d", obs.calls)
	}
}

func TestGenerateJSONRefusal(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"output":[{"type":"message","role":"assistant","content":[{"type":"refusal","refusal":"not appropriate"}]}]}`)
	}, nil)
	var out map[string]any
	err := c.GenerateJSON(context.Background(), "sys", "user", "s", map[string]any{"type": "object"}, &out)
	var refusal *RefusalError
	if !errors.As(err, &refusal) || refusal.Reason != "not appropriate" {
		t.Fatalf("want RefusalError, got %v", err)
	}
}

func TestGenerateJSONDecodes(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var req responsesRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.Text.Format["name"] != "topic" || len(req.Input) != 2 {
			t.Errorf("request shape: %+v", req)
		}
		_, _ = io.WriteString(w, `{"output":[{"type":"message","role":"assistant","content":[{"type":"output_text","text":"{\"topic\":\"photosynthesis\"}"}]}]}`)
	}, nil)
	var out struct {
		Topic string `json:"topic"`
	}
	if err := c.GenerateJSON(context.Background(), "sys", "user", "topic", map[string]any{"type": "object"}, &out); err != nil {
		t.Fatalf("GenerateJSON: %v", err)
	}
	if out.Topic != "photosynthesis" {
		t.Fatalf("topic: want=photosynthesis got=%q", out.Topic)
	}
}

func TestHTTPErrorCarriesStatus(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = io.WriteString(w, `{"error":"slow down"}`)
	}, nil)
	_, err := c.Synthesize(context.Background(), "hello", "")
	if code := httpx.StatusCode(err); code != http.StatusTooManyRequests {
		t.Fatalf("status: want=429 got=%d (%v)", code, err)
	}
}

func TestGenerateVideoPolls(t *testing.T) {
	var polls int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/v1/videos":
			_, _ = io.WriteString(w, `{"id":"vid_1","status":"queued"}`)
		case r.Method == http.MethodGet && r.URL.Path == "/v1/videos/vid_1":
			if atomic.AddInt32(&polls, 1) < 2 {
				_, _ = io.WriteString(w, `{"id":"vid_1","status":"in_progress"}`)
				return
			}
			_, _ = io.WriteString(w, `{"id":"vid_1","status":"completed"}`)
		case r.URL.Path == "/v1/videos/vid_1/content":
			w.Header().Set("Content-Type", "video/mp4")
			_, _ = io.WriteString(w, "MP4DATA")
		default:
			http.NotFound(w, r)
		}
	}, nil)
	got, err := c.GenerateVideo(context.Background(), "a lesson", VideoGenerationOptions{DurationSeconds: 10})
	if err != nil {
		t.Fatalf("GenerateVideo: %v", err)
	}
	if string(got.Bytes) != "MP4DATA" || got.MimeType != "video/mp4" {
		t.Fatalf("video: %q %s", got.Bytes, got.MimeType)
	}
	if normalizeVideoDurationSeconds(10) != 8 && normalizeVideoDurationSeconds(10) != 12 {
		t.Fatalf("duration normalisation out of range")
	}
}

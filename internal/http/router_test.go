package http

import (
	"context"
	"encoding/json"
	"errors"
	nethttp "net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/yungbote/neurobridge-contentgen/internal/clarifier"
	"github.com/yungbote/neurobridge-contentgen/internal/data/repos/ledger"
	"github.com/yungbote/neurobridge-contentgen/internal/data/repos/testutil"
	httpH "github.com/yungbote/neurobridge-contentgen/internal/http/handlers"
	"github.com/yungbote/neurobridge-contentgen/internal/observability"
	"github.com/yungbote/neurobridge-contentgen/internal/queue"
	"github.com/yungbote/neurobridge-contentgen/internal/services/requests"
)

type apiHarness struct {
	router *gin.Engine
	broker *queue.MemoryBroker
}

func newAPI(t *testing.T, healthy bool) *apiHarness {
	t.Helper()
	gin.SetMode(gin.TestMode)
	log := testutil.Logger(t)
	repo := ledger.NewRepo(testutil.DB(t), log)
	broker := queue.NewMemoryBroker()
	svc := requests.NewService(log, repo, clarifier.New(nil, clarifier.Config{MinConfidence: 0.5}, log), broker)
	ping := func(ctx context.Context) error { return nil }
	if !healthy {
		ping = func(ctx context.Context) error { return errors.New("connection refused") }
	}
	router := NewRouter(RouterConfig{
		Log:            log,
		Metrics:        observability.NewMetrics(),
		RequestHandler: httpH.NewRequestHandler(svc),
		HealthHandler:  httpH.NewHealthHandler(map[string]httpH.Pinger{"database": ping}),
	})
	return &apiHarness{router: router, broker: broker}
}

func (h *apiHarness) do(t *testing.T, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	out := map[string]any{}
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
			t.Fatalf("%s %s: decode body %q: %v", method, path, rec.Body.String(), err)
		}
	}
	return rec, out
}

func TestCreateStatusEventsCancel(t *testing.T) {
	h := newAPI(t, true)
	rec, body := h.do(t, nethttp.MethodPost, "/v1/requests",
		`{"correlation_id":"r1","student_id":"s1","query":"explain photosynthesis","grade_level":9,"requested_modalities":["text","audio"]}`)
	if rec.Code != nethttp.StatusAccepted || body["correlation_id"] != "r1" || body["status"] != "pending" {
		t.Fatalf("create: code=%d body=%v", rec.Code, body)
	}
	if h.broker.Pending() != 1 {
		t.Fatalf("create should publish one message, pending=%d", h.broker.Pending())
	}
	if rec.Header().Get("X-Request-Id") == "" {
		t.Fatalf("missing X-Request-Id header")
	}

	rec, body = h.do(t, nethttp.MethodGet, "/v1/requests/r1", "")
	if rec.Code != nethttp.StatusOK || body["status"] != "pending" || body["progress_percentage"] != float64(0) {
		t.Fatalf("status: code=%d body=%v", rec.Code, body)
	}

	rec, _ = h.do(t, nethttp.MethodPost, "/v1/requests/r1/cancel", "")
	if rec.Code != nethttp.StatusOK {
		t.Fatalf("cancel: code=%d", rec.Code)
	}
	rec, body = h.do(t, nethttp.MethodPost, "/v1/requests/r1/cancel", "")
	if rec.Code != nethttp.StatusConflict {
		t.Fatalf("second cancel: code=%d body=%v", rec.Code, body)
	}

	rec, body = h.do(t, nethttp.MethodGet, "/v1/requests/r1/events", "")
	evs, _ := body["events"].([]any)
	if rec.Code != nethttp.StatusOK || len(evs) != 1 {
		t.Fatalf("events: code=%d body=%v", rec.Code, body)
	}
}

func TestCreateReturnsClarifyingQuestions(t *testing.T) {
	h := newAPI(t, true)
	rec, body := h.do(t, nethttp.MethodPost, "/v1/requests", `{"student_id":"s1","query":"this","grade_level":5}`)
	if rec.Code != nethttp.StatusOK || body["needs_clarification"] != true {
		t.Fatalf("create: code=%d body=%v", rec.Code, body)
	}
	if qs, _ := body["questions"].([]any); len(qs) == 0 {
		t.Fatalf("no questions in %v", body)
	}
	if h.broker.Pending() != 0 {
		t.Fatalf("unclear request was published")
	}
}

func TestCreateValidationErrors(t *testing.T) {
	h := newAPI(t, true)
	cases := map[string]string{
		"bad json":     `{"student_id":`,
		"no student":   `{"query":"explain photosynthesis","grade_level":9}`,
		"bad modality": `{"student_id":"s1","query":"explain photosynthesis","grade_level":9,"requested_modalities":["smell"]}`,
	}
	for name, payload := range cases {
		rec, body := h.do(t, nethttp.MethodPost, "/v1/requests", payload)
		if rec.Code != nethttp.StatusBadRequest {
			t.Fatalf("%s: code=%d body=%v", name, rec.Code, body)
		}
		if _, ok := body["error"].(map[string]any); !ok {
			t.Fatalf("%s: missing error envelope: %v", name, body)
		}
	}
}

func TestUnknownRequestIs404(t *testing.T) {
	h := newAPI(t, true)
	for _, path := range []string{"/v1/requests/nope", "/v1/requests/nope/events"} {
		if rec, _ := h.do(t, nethttp.MethodGet, path, ""); rec.Code != nethttp.StatusNotFound {
			t.Fatalf("%s: code=%d", path, rec.Code)
		}
	}
}

func TestClarityEndpoint(t *testing.T) {
	h := newAPI(t, true)
	rec, body := h.do(t, nethttp.MethodPost, "/v1/clarity", `{"query":"explain photosynthesis","grade_level":9}`)
	if rec.Code != nethttp.StatusOK || body["needs_clarification"] != false {
		t.Fatalf("clear query: code=%d body=%v", rec.Code, body)
	}
	rec, body = h.do(t, nethttp.MethodPost, "/v1/clarity", `{"query":"","grade_level":9}`)
	if rec.Code != nethttp.StatusOK || body["needs_clarification"] != true {
		t.Fatalf("empty query: code=%d body=%v", rec.Code, body)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	h := newAPI(t, true)
	if rec, _ := h.do(t, nethttp.MethodGet, "/healthz", ""); rec.Code != nethttp.StatusOK {
		t.Fatalf("healthz: code=%d", rec.Code)
	}
	h.do(t, nethttp.MethodGet, "/v1/requests/r1", "")
	rec, _ := h.do(t, nethttp.MethodGet, "/metrics", "")
	if rec.Code != nethttp.StatusOK || !strings.Contains(rec.Body.String(), "contentgen_api_requests_total") {
		t.Fatalf("metrics: code=%d", rec.Code)
	}

	down := newAPI(t, false)
	rec, body := down.do(t, nethttp.MethodGet, "/healthz", "")
	if rec.Code != nethttp.StatusServiceUnavailable {
		t.Fatalf("unhealthy: code=%d body=%v", rec.Code, body)
	}
}

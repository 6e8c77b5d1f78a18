package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"gorm.io/gorm"

	"github.com/yungbote/neurobridge-contentgen/internal/data/repos/ledger"
	"github.com/yungbote/neurobridge-contentgen/internal/data/repos/testutil"
	"github.com/yungbote/neurobridge-contentgen/internal/domain/content"
	"github.com/yungbote/neurobridge-contentgen/internal/notify"
	"github.com/yungbote/neurobridge-contentgen/internal/observability"
	"github.com/yungbote/neurobridge-contentgen/internal/pipeline/catalog"
	"github.com/yungbote/neurobridge-contentgen/internal/pipeline/stages"
	"github.com/yungbote/neurobridge-contentgen/internal/pipeline/stages/stagetest"
	"github.com/yungbote/neurobridge-contentgen/internal/pkg/apperr"
	"github.com/yungbote/neurobridge-contentgen/internal/platform/dbctx"
	"github.com/yungbote/neurobridge-contentgen/internal/queue"
)

type harness struct {
	db     *gorm.DB
	repo   ledger.Repo
	broker *queue.MemoryBroker
	fakes  *stagetest.Fakes
	rec    *notify.Recorder
	orch   *Orchestrator
}

func newHarness(t *testing.T, maxRetries int) *harness {
	t.Helper()
	gdb := testutil.DB(t)
	log := testutil.Logger(t)
	h := &harness{
		db:     gdb,
		repo:   ledger.NewRepo(gdb, log),
		broker: queue.NewMemoryBroker(),
		fakes:  stagetest.New(),
		rec:    &notify.Recorder{},
	}
	set, err := stages.NewSet(h.fakes.Deps())
	if err != nil {
		t.Fatalf("NewSet: %v", err)
	}
	h.orch, err = New(Deps{
		Log:      log,
		Ledger:   h.repo,
		Catalog:  catalog.Default(),
		Stages:   set,
		Notifier: h.rec,
		Metrics:  observability.NewMetrics(),
	}, Config{
		InstanceID: "test",
		LeaseTTL:   time.Minute,
		Policy: RetryPolicy{
			MaxRetries: maxRetries,
			BaseDelay:  time.Millisecond,
			MaxDelay:   2 * time.Millisecond,
		},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return h
}

func photosynthesis(id string, modalities ...string) queue.Message {
	return queue.Message{
		CorrelationID:       id,
		StudentID:           "s1",
		Query:               "explain photosynthesis",
		GradeLevel:          9,
		RequestedModalities: modalities,
	}
}

func (h *harness) publish(t *testing.T, m queue.Message) {
	t.Helper()
	body, err := queue.Encode(m)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if err := h.broker.Publish(context.Background(), body); err != nil {
		t.Fatalf("Publish: %v", err)
	}
}

func (h *harness) next(t *testing.T) Outcome {
	t.Helper()
	ctx := context.Background()
	ds, err := h.broker.Fetch(ctx, 1, 2*time.Second)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(ds) != 1 {
		t.Fatalf("Fetch: want one delivery, got %d", len(ds))
	}
	out, err := h.orch.Handle(ctx, ds[0])
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	return out
}

func (h *harness) row(t *testing.T, id string) *content.ContentRequest {
	t.Helper()
	r, err := h.repo.Get(dbctx.New(context.Background()), id)
	if err != nil {
		t.Fatalf("Get %s: %v", id, err)
	}
	return r
}

func (h *harness) events(t *testing.T, id string) []*content.StageEvent {
	t.Helper()
	evs, err := h.repo.Events(dbctx.New(context.Background()), h.row(t, id).ID)
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	return evs
}

func startedStages(evs []*content.StageEvent) []string {
	var out []string
	for _, e := range evs {
		if e.Outcome == string(content.OutcomeStarted) {
			out = append(out, e.Stage)
		}
	}
	return out
}

func TestPhotosynthesisRequestCompletes(t *testing.T) {
	h := newHarness(t, 3)
	h.publish(t, photosynthesis("r1", "text", "audio"))

	if got := h.next(t); got != OutcomeCompleted {
		t.Fatalf("outcome: want=%s got=%s", OutcomeCompleted, got)
	}

	row := h.row(t, "r1")
	if row.State() != content.StatusCompleted || row.ProgressPercentage != 100 {
		t.Fatalf("row: want completed at 100, got %s at %d", row.Status, row.ProgressPercentage)
	}
	if row.TopicName != "photosynthesis" || row.ClaimOwner != "" {
		t.Fatalf("row: topic=%q owner=%q", row.TopicName, row.ClaimOwner)
	}
	refs := row.ArtifactRefs()
	for _, k := range []string{"text", "audio", "script", "manifest"} {
		if refs[k] == "" {
			t.Fatalf("artifact %q missing from %v", k, refs)
		}
	}
	if _, ok := refs["video"]; ok {
		t.Fatalf("video artifact present without video requested")
	}

	want := []string{"validating", "retrieving_context", "generating_script", "synthesizing_audio", "finalizing"}
	if got := startedStages(h.events(t, "r1")); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("stage order: want=%v got=%v", want, got)
	}
	if h.fakes.Calls("video") != 0 {
		t.Fatalf("video provider called for a text/audio request")
	}

	sent := h.rec.Sent()
	if len(sent) != 1 || sent[0].StudentID != "s1" || sent[0].CorrelationID != "r1" || sent[0].Artifacts["audio"] == "" {
		t.Fatalf("notifications: %+v", sent)
	}
	if h.broker.Acked() != 1 || h.broker.Pending() != 0 {
		t.Fatalf("broker: acked=%d pending=%d", h.broker.Acked(), h.broker.Pending())
	}
}

func TestProgressNeverDecreases(t *testing.T) {
	h := newHarness(t, 3)
	h.fakes.FailSpeech = stagetest.ErrFirst(1, apperr.ErrTransient)
	h.publish(t, photosynthesis("r1", "video"))

	for i := 0; i < 3 && h.broker.Pending() > 0; i++ {
		h.next(t)
	}
	evs := h.events(t, "r1")
	last := 0
	for _, e := range evs {
		if e.Progress < last {
			t.Fatalf("progress went back: %s/%s at %d after %d", e.Stage, e.Outcome, e.Progress, last)
		}
		last = e.Progress
	}
	if last != 100 {
		t.Fatalf("final progress: want=100 got=%d", last)
	}
}

func TestVideoRequestRunsVisualStage(t *testing.T) {
	h := newHarness(t, 3)
	h.publish(t, photosynthesis("r1", "video"))

	if got := h.next(t); got != OutcomeCompleted {
		t.Fatalf("outcome: want=%s got=%s", OutcomeCompleted, got)
	}
	started := startedStages(h.events(t, "r1"))
	if len(started) != 6 || started[4] != "assembling_visual" {
		t.Fatalf("stages: %v", started)
	}
	refs := h.row(t, "r1").ArtifactRefs()
	if refs["video"] == "" || refs["slide_01"] == "" {
		t.Fatalf("visual artifacts missing: %v", refs)
	}
	if h.fakes.Calls("video") != 1 {
		t.Fatalf("video calls: want=1 got=%d", h.fakes.Calls("video"))
	}
}

func TestReplayIsNoOpAndNotifiesOnce(t *testing.T) {
	h := newHarness(t, 3)
	h.publish(t, photosynthesis("r1", "text"))
	h.next(t)
	before := len(h.events(t, "r1"))

	h.publish(t, photosynthesis("r1", "text"))
	if got := h.next(t); got != OutcomeDuplicate {
		t.Fatalf("replay: want=%s got=%s", OutcomeDuplicate, got)
	}
	if n := len(h.events(t, "r1")); n != before {
		t.Fatalf("replay wrote events: before=%d after=%d", before, n)
	}
	if h.fakes.Calls("script") != 1 {
		t.Fatalf("script calls: want=1 got=%d", h.fakes.Calls("script"))
	}
	if n := len(h.rec.Sent()); n != 1 {
		t.Fatalf("notifications: want=1 got=%d", n)
	}
}

func TestReplayRefiresUndeliveredNotification(t *testing.T) {
	h := newHarness(t, 3)
	h.publish(t, photosynthesis("r1", "text"))
	h.next(t)
	id := h.row(t, "r1").ID
	if err := h.db.Model(&content.ContentRequest{}).Where("id = ?", id).Update("notified_at", nil).Error; err != nil {
		t.Fatalf("reset notified_at: %v", err)
	}

	h.publish(t, photosynthesis("r1", "text"))
	h.next(t)
	if n := len(h.rec.Sent()); n != 2 {
		t.Fatalf("notifications: want=2 got=%d", n)
	}
	h.publish(t, photosynthesis("r1", "text"))
	h.next(t)
	if n := len(h.rec.Sent()); n != 2 {
		t.Fatalf("notifications after second replay: want=2 got=%d", n)
	}
}

func TestTransientFailureResumesAtFailedStage(t *testing.T) {
	h := newHarness(t, 3)
	h.fakes.FailScript = stagetest.ErrFirst(1, apperr.ErrTransient)
	h.publish(t, photosynthesis("r1", "text"))

	if got := h.next(t); got != OutcomeRetryScheduled {
		t.Fatalf("first attempt: want=%s got=%s", OutcomeRetryScheduled, got)
	}
	row := h.row(t, "r1")
	if row.State() != content.StatusPending || row.RetryCount != 1 || row.ClaimOwner != "" {
		t.Fatalf("after failure: status=%s retries=%d owner=%q", row.Status, row.RetryCount, row.ClaimOwner)
	}

	if got := h.next(t); got != OutcomeCompleted {
		t.Fatalf("second attempt: want=%s got=%s", OutcomeCompleted, got)
	}
	if h.fakes.Calls("nlu") != 1 || h.fakes.Calls("script") != 2 {
		t.Fatalf("calls: nlu=%d script=%d", h.fakes.Calls("nlu"), h.fakes.Calls("script"))
	}
	retries, err := h.repo.Retries(dbctx.New(context.Background()), row.ID)
	if err != nil || len(retries) != 1 || retries[0].Stage != "generating_script" || retries[0].ErrorClass != "transient" {
		t.Fatalf("retry records: %+v err=%v", retries, err)
	}
}

func TestRetryBudgetIsBounded(t *testing.T) {
	h := newHarness(t, 2)
	h.fakes.FailScript = stagetest.Err(apperr.ErrTransient)
	h.publish(t, photosynthesis("r1", "text"))

	var outcomes []Outcome
	for i := 0; i < 5 && h.broker.Pending() > 0; i++ {
		outcomes = append(outcomes, h.next(t))
	}
	want := []Outcome{OutcomeRetryScheduled, OutcomeRetryScheduled, OutcomeFailed}
	if len(outcomes) != len(want) {
		t.Fatalf("outcomes: want=%v got=%v", want, outcomes)
	}
	for i := range want {
		if outcomes[i] != want[i] {
			t.Fatalf("outcomes: want=%v got=%v", want, outcomes)
		}
	}
	row := h.row(t, "r1")
	if row.State() != content.StatusFailed || row.RetryCount != 2 {
		t.Fatalf("row: status=%s retries=%d", row.Status, row.RetryCount)
	}
	if h.fakes.Calls("script") != 3 {
		t.Fatalf("script calls: want=3 got=%d", h.fakes.Calls("script"))
	}
	if dl := h.broker.DeadLetters(); len(dl) != 1 {
		t.Fatalf("dead letters: want=1 got=%d", len(dl))
	}
	if len(h.rec.Sent()) != 0 {
		t.Fatalf("failed request must not notify")
	}
}

func TestCapacityFailureIsRetried(t *testing.T) {
	h := newHarness(t, 3)
	h.fakes.FailSpeech = stagetest.ErrFirst(1, apperr.ErrCapacity)
	h.publish(t, photosynthesis("r1", "audio"))

	if got := h.next(t); got != OutcomeRetryScheduled {
		t.Fatalf("first attempt: want=%s got=%s", OutcomeRetryScheduled, got)
	}
	if got := h.next(t); got != OutcomeCompleted {
		t.Fatalf("second attempt: want=%s got=%s", OutcomeCompleted, got)
	}
}

func TestValidationFailureIsNotRetried(t *testing.T) {
	h := newHarness(t, 3)
	m := photosynthesis("r1", "text")
	m.Query = "   "
	h.publish(t, m)

	if got := h.next(t); got != OutcomeFailed {
		t.Fatalf("outcome: want=%s got=%s", OutcomeFailed, got)
	}
	row := h.row(t, "r1")
	if row.RetryCount != 0 || !strings.Contains(row.FailureReason, "query is empty") {
		t.Fatalf("row: retries=%d reason=%q", row.RetryCount, row.FailureReason)
	}
	dl := h.broker.DeadLetters()
	if len(dl) != 1 || !strings.Contains(dl[0].Reason, "query is empty") {
		t.Fatalf("dead letters: %+v", dl)
	}
	if h.fakes.Calls("nlu") != 0 {
		t.Fatalf("nlu called for an empty query")
	}
}

func TestSafetyRejectionIsTerminal(t *testing.T) {
	h := newHarness(t, 3)
	h.fakes.FailScript = stagetest.Err(apperr.ErrSafetyRejection)
	h.publish(t, photosynthesis("r1", "text"))

	if got := h.next(t); got != OutcomeFailed {
		t.Fatalf("outcome: want=%s got=%s", OutcomeFailed, got)
	}
	if h.fakes.Calls("script") != 1 {
		t.Fatalf("script calls: want=1 got=%d", h.fakes.Calls("script"))
	}
	evs := h.events(t, "r1")
	last := evs[len(evs)-1]
	if last.Outcome != string(content.OutcomeFailed) || last.ErrorClass != string(apperr.ClassSafety) {
		t.Fatalf("last event: %+v", last)
	}
}

func TestStagePanicFailsRequest(t *testing.T) {
	h := newHarness(t, 3)
	h.fakes.FailNLU = func(int) error { panic("nil map") }
	h.publish(t, photosynthesis("r1", "text"))

	if got := h.next(t); got != OutcomeFailed {
		t.Fatalf("outcome: want=%s got=%s", OutcomeFailed, got)
	}
	row := h.row(t, "r1")
	if !strings.Contains(row.FailureReason, "internal error") || strings.Contains(row.FailureReason, "nil map") {
		t.Fatalf("failure reason: %q", row.FailureReason)
	}
}

func TestMalformedMessageIsDeadLettered(t *testing.T) {
	h := newHarness(t, 3)
	if err := h.broker.Publish(context.Background(), []byte(`{"student_id":"s1","query":"x"}`)); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if got := h.next(t); got != OutcomeMalformed {
		t.Fatalf("outcome: want=%s got=%s", OutcomeMalformed, got)
	}
	dl := h.broker.DeadLetters()
	if len(dl) != 1 || !strings.Contains(dl[0].Reason, "correlation_id") {
		t.Fatalf("dead letters: %+v", dl)
	}
	if h.fakes.Calls("nlu") != 0 {
		t.Fatalf("malformed message reached a stage")
	}
}

func TestHeldClaimIsAckedWithoutWork(t *testing.T) {
	h := newHarness(t, 3)
	dbc := dbctx.New(context.Background())
	_, _, err := h.repo.CreateRequest(dbc, ledger.NewRequest{CorrelationID: "r1", StudentID: "s1", Query: "explain photosynthesis", GradeLevel: 9})
	if err != nil {
		t.Fatalf("CreateRequest: %v", err)
	}
	if _, ok, err := h.repo.Claim(dbc, "r1", "other-worker", time.Hour); err != nil || !ok {
		t.Fatalf("Claim: ok=%v err=%v", ok, err)
	}

	h.publish(t, photosynthesis("r1", "text"))
	if got := h.next(t); got != OutcomeClaimConflict {
		t.Fatalf("outcome: want=%s got=%s", OutcomeClaimConflict, got)
	}
	if h.fakes.Calls("nlu") != 0 || h.broker.Acked() != 1 {
		t.Fatalf("conflict did work: nlu=%d acked=%d", h.fakes.Calls("nlu"), h.broker.Acked())
	}
}

func TestConcurrentDuplicatesProcessOnce(t *testing.T) {
	h := newHarness(t, 3)
	const n = 5
	for i := 0; i < n; i++ {
		h.publish(t, photosynthesis("r1", "text"))
	}
	ds, err := h.broker.Fetch(context.Background(), n, time.Second)
	if err != nil || len(ds) != n {
		t.Fatalf("Fetch: got %d err=%v", len(ds), err)
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		outcomes = map[Outcome]int{}
	)
	for _, d := range ds {
		wg.Add(1)
		go func(d queue.Delivery) {
			defer wg.Done()
			out, err := h.orch.Handle(context.Background(), d)
			if err != nil {
				t.Errorf("Handle: %v", err)
			}
			mu.Lock()
			outcomes[out]++
			mu.Unlock()
		}(d)
	}
	wg.Wait()

	if outcomes[OutcomeCompleted] != 1 || outcomes[OutcomeClaimConflict]+outcomes[OutcomeDuplicate] != n-1 {
		t.Fatalf("outcomes: %v", outcomes)
	}
	if h.fakes.Calls("script") != 1 || len(h.rec.Sent()) != 1 {
		t.Fatalf("work repeated: script=%d notifications=%d", h.fakes.Calls("script"), len(h.rec.Sent()))
	}
}

func TestCancellationStopsAtNextBoundary(t *testing.T) {
	h := newHarness(t, 3)
	h.fakes.FailScript = func(int) error {
		if _, err := h.repo.Cancel(dbctx.New(context.Background()), "r1"); err != nil {
			t.Errorf("Cancel: %v", err)
		}
		return nil
	}
	h.publish(t, photosynthesis("r1", "audio"))

	if got := h.next(t); got != OutcomeCancelled {
		t.Fatalf("outcome: want=%s got=%s", OutcomeCancelled, got)
	}
	if h.fakes.Calls("speech") != 0 {
		t.Fatalf("stage after cancellation ran")
	}
	row := h.row(t, "r1")
	if row.State() != content.StatusCancelled || row.ClaimOwner != "" {
		t.Fatalf("row: status=%s owner=%q", row.Status, row.ClaimOwner)
	}
	if len(h.rec.Sent()) != 0 || h.broker.Acked() != 1 {
		t.Fatalf("cancelled request: notifications=%d acked=%d", len(h.rec.Sent()), h.broker.Acked())
	}
}

func TestExpiredClaimIsReclaimed(t *testing.T) {
	h := newHarness(t, 3)
	dbc := dbctx.New(context.Background())
	row, _, err := h.repo.CreateRequest(dbc, ledger.NewRequest{
		CorrelationID: "r1", StudentID: "s1", Query: "explain photosynthesis", GradeLevel: 9,
		Modalities: content.Modalities{content.ModalityText},
	})
	if err != nil {
		t.Fatalf("CreateRequest: %v", err)
	}
	if _, ok, _ := h.repo.Claim(dbc, "r1", "crashed-worker", time.Millisecond); !ok {
		t.Fatalf("seed claim failed")
	}
	if err := h.repo.Transition(dbc, row.ID, "crashed-worker", content.StatusValidating, 0, time.Millisecond); err != nil {
		t.Fatalf("Transition: %v", err)
	}
	time.Sleep(20 * time.Millisecond)

	h.publish(t, photosynthesis("r1", "text"))
	if got := h.next(t); got != OutcomeCompleted {
		t.Fatalf("outcome: want=%s got=%s", OutcomeCompleted, got)
	}
	retries, _ := h.repo.Retries(dbc, row.ID)
	if len(retries) != 1 || retries[0].ErrorClass != leaseExpiredClass {
		t.Fatalf("retry records: %+v", retries)
	}
}

func TestNotDueRequestIsDeferred(t *testing.T) {
	h := newHarness(t, 3)
	dbc := dbctx.New(context.Background())
	row, _, err := h.repo.CreateRequest(dbc, ledger.NewRequest{CorrelationID: "r1", StudentID: "s1", Query: "explain photosynthesis", GradeLevel: 9})
	if err != nil {
		t.Fatalf("CreateRequest: %v", err)
	}
	if _, ok, _ := h.repo.Claim(dbc, "r1", "w", time.Minute); !ok {
		t.Fatalf("claim failed")
	}
	if _, err := h.repo.ScheduleRetry(dbc, row.ID, "w", ledger.RetryInput{Stage: "validating", ErrorClass: "transient", Backoff: time.Hour, MaxRetries: 3}); err != nil {
		t.Fatalf("ScheduleRetry: %v", err)
	}

	h.publish(t, photosynthesis("r1", "text"))
	if got := h.next(t); got != OutcomeDeferred {
		t.Fatalf("outcome: want=%s got=%s", OutcomeDeferred, got)
	}
	if h.broker.Pending() != 1 || h.fakes.Calls("nlu") != 0 {
		t.Fatalf("deferred delivery: pending=%d nlu=%d", h.broker.Pending(), h.fakes.Calls("nlu"))
	}
}

func TestStoreOutageIsRetried(t *testing.T) {
	h := newHarness(t, 3)
	down := true
	h.fakes.Store.FailPut = func(key string) error {
		if down {
			down = false
			return errors.New("bucket unavailable")
		}
		return nil
	}
	h.publish(t, photosynthesis("r1", "text"))
	if got := h.next(t); got != OutcomeRetryScheduled {
		t.Fatalf("first attempt: want=%s got=%s", OutcomeRetryScheduled, got)
	}
	if got := h.next(t); got != OutcomeCompleted {
		t.Fatalf("second attempt: want=%s got=%s", OutcomeCompleted, got)
	}
}

func TestNewRequiresProcessorForEveryStage(t *testing.T) {
	gdb := testutil.DB(t)
	_, err := New(Deps{Ledger: ledger.NewRepo(gdb, testutil.Logger(t)), Stages: stages.Set{}}, Config{})
	if err == nil {
		t.Fatalf("want error for empty stage set")
	}
}

func TestStreamReclaimOutlastsVisualStageLease(t *testing.T) {
	cfg := Config{LeaseTTL: 2 * time.Minute}
	cat := catalog.Default()
	visual, _ := cat.Lookup(string(content.StatusAssemblingVisual))
	if got := cfg.MaxLease(cat); got != cfg.StageLease(visual.Timeout) || got != 12*time.Minute {
		t.Fatalf("max lease: want=12m got=%s", got)
	}
	t.Setenv("QUEUE_RECLAIM_IDLE", "")
	if idle := queue.RedisConfigFromEnv("w1", cfg.MaxLease(cat)).ReclaimIdle; idle <= 12*time.Minute {
		t.Fatalf("reclaim idle: want > 12m got=%s", idle)
	}
}

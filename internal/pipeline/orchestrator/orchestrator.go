package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime/debug"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/yungbote/neurobridge-contentgen/internal/data/repos/ledger"
	"github.com/yungbote/neurobridge-contentgen/internal/domain/content"
	"github.com/yungbote/neurobridge-contentgen/internal/notify"
	"github.com/yungbote/neurobridge-contentgen/internal/observability"
	"github.com/yungbote/neurobridge-contentgen/internal/pipeline/catalog"
	"github.com/yungbote/neurobridge-contentgen/internal/pipeline/stages"
	"github.com/yungbote/neurobridge-contentgen/internal/pkg/apperr"
	"github.com/yungbote/neurobridge-contentgen/internal/platform/ctxutil"
	"github.com/yungbote/neurobridge-contentgen/internal/platform/dbctx"
	"github.com/yungbote/neurobridge-contentgen/internal/platform/envutil"
	"github.com/yungbote/neurobridge-contentgen/internal/platform/logger"
	"github.com/yungbote/neurobridge-contentgen/internal/queue"
)

// Outcome is how a single delivery was settled.
type Outcome string

const (
	OutcomeCompleted      Outcome = "completed"
	OutcomeDuplicate      Outcome = "duplicate"
	OutcomeSkipped        Outcome = "skipped"
	OutcomeClaimConflict  Outcome = "claim_conflict"
	OutcomeRetryScheduled Outcome = "retry_scheduled"
	OutcomeDeferred       Outcome = "deferred"
	OutcomeFailed         Outcome = "failed"
	OutcomeCancelled      Outcome = "cancelled"
	OutcomeMalformed      Outcome = "malformed"
	OutcomeReleased       Outcome = "released"
)

const leaseExpiredClass = "lease_expired"

type Config struct {
	// InstanceID prefixes every claim owner so operators can tell workers apart.
	InstanceID string
	LeaseTTL   time.Duration
	// RequestTimeout bounds one processing attempt. It is checked between stages.
	RequestTimeout time.Duration
	Policy         RetryPolicy
}

func ConfigFromEnv() Config {
	host, _ := os.Hostname()
	return Config{
		InstanceID:     envutil.String("INSTANCE_ID", host),
		LeaseTTL:       envutil.Duration("LEASE_TTL", 2*time.Minute),
		RequestTimeout: envutil.Duration("REQUEST_TIMEOUT", 15*time.Minute),
		Policy:         RetryPolicyFromEnv(),
	}
}

func (c Config) leaseTTL() time.Duration {
	if c.LeaseTTL <= 0 {
		return 2 * time.Minute
	}
	return c.LeaseTTL
}

// StageLease is the lease taken while a stage with the given timeout runs.
func (c Config) StageLease(timeout time.Duration) time.Duration {
	return c.leaseTTL() + timeout
}

// MaxLease is the longest lease any stage of cat can hold.
func (c Config) MaxLease(cat *catalog.Catalog) time.Duration {
	return c.StageLease(cat.MaxTimeout())
}

type Deps struct {
	Log      *logger.Logger
	Ledger   ledger.Repo
	Catalog  *catalog.Catalog
	Stages   stages.Set
	Notifier notify.Notifier
	Metrics  *observability.Metrics
}

// Orchestrator drives one request at a time through the stage catalog. It keeps
// no per-request state between calls; the ledger is the only shared record.
type Orchestrator struct {
	log      *logger.Logger
	ledger   ledger.Repo
	catalog  *catalog.Catalog
	stages   stages.Set
	notifier notify.Notifier
	metrics  *observability.Metrics
	cfg      Config
	now      func() time.Time
}

func New(d Deps, cfg Config) (*Orchestrator, error) {
	if d.Ledger == nil {
		return nil, fmt.Errorf("orchestrator: ledger is required")
	}
	if d.Stages == nil {
		return nil, fmt.Errorf("orchestrator: stage set is required")
	}
	if d.Catalog == nil {
		d.Catalog = catalog.Default()
	}
	for _, s := range d.Catalog.Stages() {
		if _, ok := d.Stages[s.Status()]; !ok {
			return nil, fmt.Errorf("orchestrator: no processor for stage %s", s.Name)
		}
	}
	if d.Log == nil {
		d.Log = logger.Nop()
	}
	if d.Notifier == nil {
		d.Notifier = notify.NewLogNotifier(d.Log)
	}
	if strings.TrimSpace(cfg.InstanceID) == "" {
		cfg.InstanceID = "contentgen"
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 2 * time.Minute
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 15 * time.Minute
	}
	cfg.Policy = cfg.Policy.withDefaults()
	return &Orchestrator{
		log:      d.Log.With("component", "Orchestrator", "instance", cfg.InstanceID),
		ledger:   d.Ledger,
		catalog:  d.Catalog,
		stages:   d.Stages,
		notifier: d.Notifier,
		metrics:  d.Metrics,
		cfg:      cfg,
		now:      func() time.Time { return time.Now().UTC() },
	}, nil
}

// Handle processes one delivery end to end and settles it exactly once: ack,
// delayed redelivery, or dead letter. The returned error is non-nil only for
// infrastructure failures (the delivery is then redelivered).
func (o *Orchestrator) Handle(ctx context.Context, d queue.Delivery) (Outcome, error) {
	msg, err := queue.Decode(d.Body())
	if err != nil {
		reason := apperr.Sanitize(err)
		o.log.Warn("dead-lettering malformed message", "delivery_id", d.ID(), "reason", reason)
		o.metrics.ObserveDeadLetter(string(apperr.ClassMalformed))
		return OutcomeMalformed, o.settle(ctx, func(c context.Context) error { return d.DeadLetter(c, reason) })
	}
	log := o.log.With("correlation_id", msg.CorrelationID, "delivery_id", d.ID())
	dbc := dbctx.New(ctx)

	row, err := o.ledger.Get(dbc, msg.CorrelationID)
	if errors.Is(err, ledger.ErrNotFound) {
		row, _, err = o.ledger.CreateRequest(dbc, ledger.NewRequest{
			CorrelationID:     msg.CorrelationID,
			StudentID:         msg.StudentID,
			Query:             msg.Query,
			GradeLevel:        msg.GradeLevel,
			Modalities:        msg.Modalities(),
			PreferredModality: msg.PreferredModality,
		})
	}
	if err != nil {
		return o.infraFailure(ctx, d, log, "load request", err)
	}

	switch row.State() {
	case content.StatusCompleted:
		o.notifyOnce(ctx, row, log)
		return OutcomeDuplicate, o.settle(ctx, d.Ack)
	case content.StatusFailed, content.StatusCancelled:
		log.Debug("request already terminal", "status", row.Status)
		return OutcomeSkipped, o.settle(ctx, d.Ack)
	}
	if row.State() == content.StatusPending && row.NextAttemptAt != nil {
		if wait := row.NextAttemptAt.Sub(o.now()); wait > 0 {
			log.Debug("request not due yet", "wait", wait)
			return OutcomeDeferred, o.settle(ctx, func(c context.Context) error { return d.Retry(c, wait) })
		}
	}

	owner := o.cfg.InstanceID + "/" + uuid.NewString()
	claimed, ok, err := o.ledger.Claim(dbc, msg.CorrelationID, owner, o.cfg.LeaseTTL)
	if err != nil {
		return o.infraFailure(ctx, d, log, "claim", err)
	}
	if !ok {
		log.Info("claim held elsewhere; acking duplicate delivery")
		o.metrics.ObserveClaimConflict()
		return OutcomeClaimConflict, o.settle(ctx, d.Ack)
	}
	row = claimed

	if row.State().Processing() {
		// A previous owner died mid-stage. Reset to pending; the checkpoint survives.
		log.Warn("reclaiming stale request", "stage", row.CurrentStage, "retry_count", row.RetryCount)
		_, err := o.ledger.ScheduleRetry(dbc, row.ID, owner, ledger.RetryInput{
			Stage:      row.CurrentStage,
			ErrorClass: leaseExpiredClass,
			Detail:     "previous worker lease expired",
			MaxRetries: o.cfg.Policy.MaxRetries,
			KeepClaim:  true,
		})
		switch {
		case errors.Is(err, ledger.ErrRetriesExhausted):
			return o.fail(ctx, d, row, owner, row.CurrentStage, leaseExpiredClass, "processing abandoned after retries were exhausted", log)
		case errors.Is(err, ledger.ErrNotOwner):
			return o.lostClaim(ctx, d, row.ID, owner, log)
		case err != nil:
			return o.infraFailure(ctx, d, log, "reset stale request", err, o.release(row.ID, owner))
		}
		o.metrics.ObserveRetry(row.CurrentStage, leaseExpiredClass)
		id := row.ID
		if row, err = o.ledger.GetByID(dbc, id); err != nil {
			return o.infraFailure(ctx, d, log, "reload request", err, o.release(id, owner))
		}
	}

	o.metrics.InflightAdd(1)
	defer o.metrics.InflightAdd(-1)
	return o.run(ctx, d, row, owner, log)
}

func (o *Orchestrator) run(ctx context.Context, d queue.Delivery, row *content.ContentRequest, owner string, log *logger.Logger) (Outcome, error) {
	attempt := row.RetryCount + 1
	ctx = ctxutil.WithTraceData(ctx, &ctxutil.TraceData{CorrelationID: row.CorrelationID, Attempt: attempt})
	reqCtx, cancel := context.WithTimeout(ctx, o.cfg.RequestTimeout)
	defer cancel()
	dbc := dbctx.New(ctx)

	st := o.initialState(row, log)
	plan := o.catalog.Plan(row.Modalities())
	log = log.With("attempt", attempt)
	log.Info("processing request", "stages", len(plan), "resumed_after", len(st.Completed))

	for _, step := range plan {
		if st.Done(step.Name) {
			continue
		}
		if ctx.Err() != nil {
			log.Info("worker stopping; releasing request", "next_stage", step.Name)
			return OutcomeReleased, o.settle(ctx, func(c context.Context) error {
				_ = o.ledger.ReleaseClaim(dbctx.New(c), row.ID, owner)
				return d.Retry(c, 0)
			})
		}
		if reqCtx.Err() != nil {
			err := apperr.Wrap(apperr.ErrTransient, step.Name, "", "request timeout exceeded", reqCtx.Err())
			return o.stageFailed(ctx, d, row, owner, step, true, err, log)
		}

		lease := o.cfg.StageLease(step.Timeout)
		if err := o.ledger.Transition(dbc, row.ID, owner, step.Status(), step.ProgressBefore, lease); err != nil {
			if errors.Is(err, ledger.ErrNotOwner) {
				return o.lostClaim(ctx, d, row.ID, owner, log)
			}
			return o.infraFailure(ctx, d, log, "transition", err, o.release(row.ID, owner))
		}

		proc := o.stages[step.Status()]
		started := time.Now()
		next, err := o.process(ctx, proc, step, st)
		elapsed := time.Since(started)
		if err != nil {
			o.metrics.ObserveStage(step.Name, string(content.OutcomeFailed), string(apperr.ClassOf(err)), elapsed)
			return o.stageFailed(ctx, d, row, owner, step, proc.Retriable(), err, log)
		}
		o.metrics.ObserveStage(step.Name, string(content.OutcomeSucceeded), "", elapsed)

		next = next.MarkDone(step.Name)
		checkpoint, err := next.Encode()
		if err != nil {
			return o.infraFailure(ctx, d, log, "encode checkpoint", err, o.release(row.ID, owner))
		}
		detail := ""
		if step.Status() == content.StatusRetrievingContext && next.Degraded {
			detail = "degraded: " + next.DegradedReason
			o.metrics.ObserveDegraded(next.DegradedReason)
		}
		err = o.ledger.RecordEvent(dbc, row.ID, owner, ledger.EventInput{
			Stage:      step.Name,
			Outcome:    content.OutcomeSucceeded,
			Progress:   step.Progress,
			Detail:     detail,
			Checkpoint: checkpoint,
		})
		if err != nil {
			if errors.Is(err, ledger.ErrNotOwner) {
				return o.lostClaim(ctx, d, row.ID, owner, log)
			}
			return o.infraFailure(ctx, d, log, "record event", err, o.release(row.ID, owner))
		}
		log.Debug("stage succeeded", "stage", step.Name, "progress", step.Progress, "elapsed", elapsed)
		st = next
	}

	in := ledger.CompleteInput{Artifacts: st.Artifacts, Degraded: st.Degraded}
	if st.Topic != nil {
		in.TopicID, in.TopicName = st.Topic.ID, st.Topic.Name
	}
	if err := o.ledger.Complete(dbc, row.ID, owner, in); err != nil {
		if errors.Is(err, ledger.ErrNotOwner) {
			return o.lostClaim(ctx, d, row.ID, owner, log)
		}
		return o.infraFailure(ctx, d, log, "complete", err, o.release(row.ID, owner))
	}
	o.metrics.ObserveRequest(string(OutcomeCompleted))
	log.Info("request completed", "artifacts", len(st.Artifacts), "degraded", st.Degraded)

	if done, err := o.ledger.GetByID(dbc, row.ID); err == nil {
		o.notifyOnce(ctx, done, log)
	} else {
		log.Warn("reload after completion failed; notification left for redelivery", "error", err)
	}
	return OutcomeCompleted, o.settle(ctx, d.Ack)
}

// process runs one processor with its own deadline. The deadline does not
// inherit worker shutdown so an in-flight provider call finishes.
func (o *Orchestrator) process(ctx context.Context, proc stages.Processor, step catalog.Step, st stages.State) (next stages.State, err error) {
	attempt := 0
	if td := ctxutil.GetTraceData(ctx); td != nil {
		attempt = td.Attempt
	}
	corrID := st.CorrelationID
	stageCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), step.Timeout)
	defer cancel()
	stageCtx = ctxutil.WithStage(stageCtx, step.Name)
	stageCtx, span := observability.StartStageSpan(stageCtx, corrID, step.Name, attempt)
	defer func() {
		if r := recover(); r != nil {
			o.log.Error("stage panic",
				"correlation_id", corrID,
				"stage", step.Name,
				"panic", r,
				"stack", string(debug.Stack()),
			)
			next = st
			err = apperr.Wrap(apperr.ErrPermanent, step.Name, "", "internal error", nil)
		}
		observability.EndSpan(span, err)
	}()
	return proc.Process(stageCtx, st)
}

func (o *Orchestrator) stageFailed(ctx context.Context, d queue.Delivery, row *content.ContentRequest, owner string, step catalog.Step, retriable bool, err error, log *logger.Logger) (Outcome, error) {
	class := apperr.ClassOf(err)
	reason := apperr.Sanitize(err)
	log = log.With("stage", step.Name, "error_class", string(class))

	if class == apperr.ClassSafety {
		log.Warn("safety rejection",
			"audit", true,
			"student_id", row.StudentID,
			"grade_level", row.GradeLevel,
			"reason", reason,
		)
	}

	if o.cfg.Policy.Retryable(class, retriable, row.RetryCount) {
		backoff := o.cfg.Policy.Backoff(class, row.RetryCount+1)
		_, serr := o.ledger.ScheduleRetry(dbctx.New(ctx), row.ID, owner, ledger.RetryInput{
			Stage:      step.Name,
			ErrorClass: string(class),
			Backoff:    backoff,
			Detail:     reason,
			MaxRetries: o.cfg.Policy.MaxRetries,
		})
		switch {
		case serr == nil:
			log.Warn("stage failed; retry scheduled", "retry", row.RetryCount+1, "backoff", backoff, "reason", reason)
			o.metrics.ObserveRetry(step.Name, string(class))
			return OutcomeRetryScheduled, o.settle(ctx, func(c context.Context) error { return d.Retry(c, backoff) })
		case errors.Is(serr, ledger.ErrNotOwner):
			return o.lostClaim(ctx, d, row.ID, owner, log)
		case !errors.Is(serr, ledger.ErrRetriesExhausted):
			return o.infraFailure(ctx, d, log, "schedule retry", serr, o.release(row.ID, owner))
		}
	}
	return o.fail(ctx, d, row, owner, step.Name, string(class), reason, log)
}

func (o *Orchestrator) fail(ctx context.Context, d queue.Delivery, row *content.ContentRequest, owner, stage, class, reason string, log *logger.Logger) (Outcome, error) {
	err := o.ledger.Fail(dbctx.New(ctx), row.ID, owner, ledger.FailInput{Stage: stage, ErrorClass: class, Reason: reason})
	if errors.Is(err, ledger.ErrNotOwner) {
		return o.lostClaim(ctx, d, row.ID, owner, log)
	}
	if err != nil {
		return o.infraFailure(ctx, d, log, "fail request", err, o.release(row.ID, owner))
	}
	log.Error("request failed", "stage", stage, "error_class", class, "reason", reason)
	o.metrics.ObserveRequest(string(OutcomeFailed))
	o.metrics.ObserveDeadLetter(class)
	return OutcomeFailed, o.settle(ctx, func(c context.Context) error { return d.DeadLetter(c, reason) })
}

// lostClaim runs when a guarded write finds the claim gone: either the client
// cancelled, the row went terminal, or another worker reclaimed an expired lease.
func (o *Orchestrator) lostClaim(ctx context.Context, d queue.Delivery, id uuid.UUID, owner string, log *logger.Logger) (Outcome, error) {
	dbc := dbctx.New(context.WithoutCancel(ctx))
	cur, err := o.ledger.GetByID(dbc, id)
	if err != nil {
		return o.infraFailure(ctx, d, log, "reload after lost claim", err)
	}
	switch cur.State() {
	case content.StatusCancelled:
		_ = o.ledger.ReleaseClaim(dbc, id, owner)
		log.Info("request cancelled; stopping at stage boundary", "progress", cur.ProgressPercentage)
		o.metrics.ObserveRequest(string(OutcomeCancelled))
		return OutcomeCancelled, o.settle(ctx, d.Ack)
	case content.StatusCompleted, content.StatusFailed:
		return OutcomeDuplicate, o.settle(ctx, d.Ack)
	}
	log.Warn("claim lost to another worker", "owner", cur.ClaimOwner)
	o.metrics.ObserveClaimConflict()
	return OutcomeClaimConflict, o.settle(ctx, d.Ack)
}

// notifyOnce fires the completion notification if nobody has yet. Winning the
// notified_at flag is the commitment; a failed publish is logged, not retried.
func (o *Orchestrator) notifyOnce(ctx context.Context, row *content.ContentRequest, log *logger.Logger) {
	dbc := dbctx.New(context.WithoutCancel(ctx))
	won, err := o.ledger.MarkNotified(dbc, row.ID)
	if err != nil {
		log.Warn("mark notified failed", "error", err)
		return
	}
	if !won {
		return
	}
	n := notify.Notification{
		StudentID:     row.StudentID,
		RequestID:     row.ID.String(),
		CorrelationID: row.CorrelationID,
		Artifacts:     row.ArtifactRefs(),
		Degraded:      row.Degraded,
		CompletedAt:   o.now(),
	}
	if row.CompletedAt != nil {
		n.CompletedAt = *row.CompletedAt
	}
	if err := o.notifier.Notify(context.WithoutCancel(ctx), n); err != nil {
		log.Error("completion notification failed", "error", err)
	}
}

func (o *Orchestrator) initialState(row *content.ContentRequest, log *logger.Logger) stages.State {
	if len(row.Checkpoint) > 0 && string(row.Checkpoint) != "null" {
		st, err := stages.DecodeState(row.Checkpoint)
		if err == nil && st.CorrelationID == row.CorrelationID {
			return st
		}
		log.Warn("ignoring unreadable checkpoint", "error", err)
	}
	return stages.State{
		RequestID:         row.ID.String(),
		CorrelationID:     row.CorrelationID,
		StudentID:         row.StudentID,
		Query:             row.Query,
		GradeLevel:        row.GradeLevel,
		Modalities:        row.Modalities(),
		PreferredModality: row.PreferredModality,
	}
}

func (o *Orchestrator) release(id uuid.UUID, owner string) func() {
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := o.ledger.ReleaseClaim(dbctx.New(ctx), id, owner); err != nil {
			o.log.Warn("release claim failed", "request_id", id, "error", err)
		}
	}
}

func (o *Orchestrator) infraFailure(ctx context.Context, d queue.Delivery, log *logger.Logger, op string, err error, cleanup ...func()) (Outcome, error) {
	for _, fn := range cleanup {
		fn()
	}
	log.Error("orchestrator infrastructure failure", "op", op, "error", err)
	delay := o.cfg.Policy.BaseDelay
	if serr := o.settle(ctx, func(c context.Context) error { return d.Retry(c, delay) }); serr != nil {
		log.Warn("redelivery request failed", "error", serr)
	}
	return OutcomeReleased, fmt.Errorf("%s: %w", op, err)
}

// settle runs a broker acknowledgement with a context that survives worker shutdown.
func (o *Orchestrator) settle(ctx context.Context, fn func(context.Context) error) error {
	c, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	return fn(c)
}

package ledger

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/yungbote/neurobridge-contentgen/internal/domain/content"
	"github.com/yungbote/neurobridge-contentgen/internal/platform/dbctx"
	"github.com/yungbote/neurobridge-contentgen/internal/platform/logger"
)

var (
	ErrNotFound = errors.New("content request not found")
	// ErrNotOwner means the caller no longer holds a live claim, or the row went terminal underneath it.
	ErrNotOwner          = errors.New("claim not held")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrRetriesExhausted  = errors.New("retry budget exhausted")
)

type NewRequest struct {
	CorrelationID     string
	StudentID         string
	Query             string
	GradeLevel        int
	Modalities        content.Modalities
	PreferredModality string
}

type StatusView struct {
	RequestID          uuid.UUID         `json:"request_id"`
	CorrelationID      string            `json:"correlation_id"`
	Status             string            `json:"status"`
	ProgressPercentage int               `json:"progress_percentage"`
	CurrentStage       string            `json:"current_stage,omitempty"`
	RetryCount         int               `json:"retry_count"`
	FailureReason      string            `json:"failure_reason,omitempty"`
	Degraded           bool              `json:"degraded"`
	Artifacts          map[string]string `json:"artifacts,omitempty"`
	UpdatedAt          time.Time         `json:"updated_at"`
}

type EventInput struct {
	Stage      string
	Outcome    content.Outcome
	Progress   int
	Detail     string
	Checkpoint []byte
}

type RetryInput struct {
	Stage      string
	ErrorClass string
	Backoff    time.Duration
	Detail     string
	MaxRetries int
	// KeepClaim leaves the caller's claim in place so it can resume immediately.
	KeepClaim bool
}

type FailInput struct {
	Stage      string
	ErrorClass string
	Reason     string
}

type CompleteInput struct {
	Artifacts map[string]string
	Degraded  bool
	TopicID   string
	TopicName string
}

type Repo interface {
	CreateRequest(dbc dbctx.Context, in NewRequest) (*content.ContentRequest, bool, error)
	Get(dbc dbctx.Context, correlationID string) (*content.ContentRequest, error)
	GetByID(dbc dbctx.Context, id uuid.UUID) (*content.ContentRequest, error)
	GetStatus(dbc dbctx.Context, ref string) (*StatusView, error)
	Claim(dbc dbctx.Context, correlationID, owner string, lease time.Duration) (*content.ContentRequest, bool, error)
	RenewLease(dbc dbctx.Context, id uuid.UUID, owner string, lease time.Duration) error
	ReleaseClaim(dbc dbctx.Context, id uuid.UUID, owner string) error
	Transition(dbc dbctx.Context, id uuid.UUID, owner string, to content.Status, progress int, lease time.Duration) error
	RecordEvent(dbc dbctx.Context, id uuid.UUID, owner string, in EventInput) error
	ScheduleRetry(dbc dbctx.Context, id uuid.UUID, owner string, in RetryInput) (*content.RetryRecord, error)
	Fail(dbc dbctx.Context, id uuid.UUID, owner string, in FailInput) error
	Complete(dbc dbctx.Context, id uuid.UUID, owner string, in CompleteInput) error
	Cancel(dbc dbctx.Context, ref string) (bool, error)
	MarkNotified(dbc dbctx.Context, id uuid.UUID) (bool, error)
	Events(dbc dbctx.Context, id uuid.UUID) ([]*content.StageEvent, error)
	Retries(dbc dbctx.Context, id uuid.UUID) ([]*content.RetryRecord, error)
	ListStale(dbc dbctx.Context, idleFor time.Duration, limit int) ([]*content.ContentRequest, error)
	MarkRepublished(dbc dbctx.Context, id uuid.UUID) (bool, error)
}

type repo struct {
	db  *gorm.DB
	log *logger.Logger
	now func() time.Time
}

type Option func(*repo)

// WithClock overrides the time source used for leases and timestamps.
func WithClock(now func() time.Time) Option {
	return func(r *repo) { r.now = now }
}

func NewRepo(db *gorm.DB, baseLog *logger.Logger, opts ...Option) Repo {
	r := &repo{
		db:  db,
		log: baseLog.With("repo", "LedgerRepo"),
		now: func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *repo) tx(dbc dbctx.Context) *gorm.DB {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	return transaction.WithContext(dbc.Ctx)
}

func (r *repo) CreateRequest(dbc dbctx.Context, in NewRequest) (*content.ContentRequest, bool, error) {
	in.CorrelationID = strings.TrimSpace(in.CorrelationID)
	if in.CorrelationID == "" || strings.TrimSpace(in.StudentID) == "" {
		return nil, false, fmt.Errorf("correlation_id and student_id are required")
	}
	if existing, err := r.Get(dbc, in.CorrelationID); err == nil {
		return existing, false, nil
	} else if !errors.Is(err, ErrNotFound) {
		return nil, false, err
	}

	now := r.now()
	row := &content.ContentRequest{
		CorrelationID:     in.CorrelationID,
		StudentID:         in.StudentID,
		Query:             in.Query,
		GradeLevel:        in.GradeLevel,
		PreferredModality: in.PreferredModality,
		Status:            string(content.StatusPending),
		Artifacts:         content.EncodeArtifacts(nil),
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	row.SetModalities(in.Modalities)
	if err := r.tx(dbc).Create(row).Error; err != nil {
		// Lost a create race on the unique correlation_id.
		if existing, getErr := r.Get(dbc, in.CorrelationID); getErr == nil {
			return existing, false, nil
		}
		return nil, false, err
	}
	return row, true, nil
}

func (r *repo) Get(dbc dbctx.Context, correlationID string) (*content.ContentRequest, error) {
	var row content.ContentRequest
	err := r.tx(dbc).Where("correlation_id = ?", correlationID).Limit(1).Find(&row).Error
	if err != nil {
		return nil, err
	}
	if row.ID == uuid.Nil {
		return nil, ErrNotFound
	}
	return &row, nil
}

func (r *repo) GetByID(dbc dbctx.Context, id uuid.UUID) (*content.ContentRequest, error) {
	var row content.ContentRequest
	err := r.tx(dbc).Where("id = ?", id).Limit(1).Find(&row).Error
	if err != nil {
		return nil, err
	}
	if row.ID == uuid.Nil {
		return nil, ErrNotFound
	}
	return &row, nil
}

// resolve accepts either the request uuid or its correlation id.
func (r *repo) resolve(dbc dbctx.Context, ref string) (*content.ContentRequest, error) {
	ref = strings.TrimSpace(ref)
	if id, err := uuid.Parse(ref); err == nil {
		row, err := r.GetByID(dbc, id)
		if err == nil || !errors.Is(err, ErrNotFound) {
			return row, err
		}
	}
	return r.Get(dbc, ref)
}

func (r *repo) GetStatus(dbc dbctx.Context, ref string) (*StatusView, error) {
	row, err := r.resolve(dbc, ref)
	if err != nil {
		return nil, err
	}
	view := &StatusView{
		RequestID:          row.ID,
		CorrelationID:      row.CorrelationID,
		Status:             row.Status,
		ProgressPercentage: row.ProgressPercentage,
		CurrentStage:       row.CurrentStage,
		RetryCount:         row.RetryCount,
		FailureReason:      row.FailureReason,
		Degraded:           row.Degraded,
		UpdatedAt:          row.UpdatedAt,
	}
	if row.State() == content.StatusCompleted {
		view.Artifacts = row.ArtifactRefs()
	}
	return view, nil
}

// Claim takes the processing lease on a non-terminal request. It succeeds only when
// nobody holds a live lease; a losing caller changes nothing.
func (r *repo) Claim(dbc dbctx.Context, correlationID, owner string, lease time.Duration) (*content.ContentRequest, bool, error) {
	if owner == "" {
		return nil, false, fmt.Errorf("claim owner required")
	}
	now := r.now()
	expires := now.Add(lease)
	res := r.tx(dbc).
		Model(&content.ContentRequest{}).
		Where("correlation_id = ?", correlationID).
		Where("status NOT IN ?", content.TerminalStatuses()).
		Where("(claim_owner = '' OR claim_owner IS NULL OR lease_expires_at IS NULL OR lease_expires_at < ?)", now).
		Updates(map[string]interface{}{
			"claim_owner":      owner,
			"lease_expires_at": expires,
			"updated_at":       now,
		})
	if res.Error != nil {
		return nil, false, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, false, nil
	}
	row, err := r.Get(dbc, correlationID)
	if err != nil {
		return nil, false, err
	}
	return row, true, nil
}

func (r *repo) RenewLease(dbc dbctx.Context, id uuid.UUID, owner string, lease time.Duration) error {
	now := r.now()
	ok, err := r.ownerUpdate(r.tx(dbc), id, owner, "", map[string]interface{}{
		"lease_expires_at": now.Add(lease),
		"updated_at":       now,
	})
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotOwner
	}
	return nil
}

// ReleaseClaim drops the caller's lease. It also applies to rows that went terminal
// (a cancelled request still carries the last owner).
func (r *repo) ReleaseClaim(dbc dbctx.Context, id uuid.UUID, owner string) error {
	return r.tx(dbc).
		Model(&content.ContentRequest{}).
		Where("id = ? AND claim_owner = ?", id, owner).
		Updates(map[string]interface{}{
			"claim_owner":      "",
			"lease_expires_at": nil,
			"updated_at":       r.now(),
		}).Error
}

func (r *repo) Transition(dbc dbctx.Context, id uuid.UUID, owner string, to content.Status, progress int, lease time.Duration) error {
	now := r.now()
	return r.tx(dbc).Transaction(func(txx *gorm.DB) error {
		cur, err := r.GetByID(dbctx.Context{Ctx: dbc.Ctx, Tx: txx}, id)
		if err != nil {
			return err
		}
		if cur.ClaimOwner != owner || cur.State().Terminal() {
			return ErrNotOwner
		}
		if !content.CanTransition(cur.State(), to) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, cur.Status, to)
		}
		if progress < cur.ProgressPercentage {
			progress = cur.ProgressPercentage
		}
		ok, err := r.ownerUpdate(txx, id, owner, cur.State(), map[string]interface{}{
			"status":              string(to),
			"current_stage":       string(to),
			"progress_percentage": progress,
			"lease_expires_at":    now.Add(lease),
			"next_attempt_at":     nil,
			"updated_at":          now,
		})
		if err != nil {
			return err
		}
		if !ok {
			return ErrNotOwner
		}
		return r.appendEvent(txx, cur, content.StageEvent{
			Stage:    string(to),
			Outcome:  string(content.OutcomeStarted),
			Progress: progress,
		}, now)
	})
}

func (r *repo) RecordEvent(dbc dbctx.Context, id uuid.UUID, owner string, in EventInput) error {
	now := r.now()
	return r.tx(dbc).Transaction(func(txx *gorm.DB) error {
		cur, err := r.GetByID(dbctx.Context{Ctx: dbc.Ctx, Tx: txx}, id)
		if err != nil {
			return err
		}
		progress := in.Progress
		if progress < cur.ProgressPercentage {
			progress = cur.ProgressPercentage
		}
		updates := map[string]interface{}{
			"progress_percentage": progress,
			"updated_at":          now,
		}
		if in.Checkpoint != nil {
			updates["checkpoint"] = datatypes.JSON(in.Checkpoint)
		}
		ok, err := r.ownerUpdate(txx, id, owner, "", updates)
		if err != nil {
			return err
		}
		if !ok {
			return ErrNotOwner
		}
		return r.appendEvent(txx, cur, content.StageEvent{
			Stage:    in.Stage,
			Outcome:  string(in.Outcome),
			Progress: progress,
			Detail:   in.Detail,
		}, now)
	})
}

// ScheduleRetry resets the request to pending with retry_count+1 and records the attempt.
// The stored checkpoint is kept so the next attempt resumes at the failed stage.
func (r *repo) ScheduleRetry(dbc dbctx.Context, id uuid.UUID, owner string, in RetryInput) (*content.RetryRecord, error) {
	now := r.now()
	var rec *content.RetryRecord
	err := r.tx(dbc).Transaction(func(txx *gorm.DB) error {
		cur, err := r.GetByID(dbctx.Context{Ctx: dbc.Ctx, Tx: txx}, id)
		if err != nil {
			return err
		}
		if cur.ClaimOwner != owner || cur.State().Terminal() {
			return ErrNotOwner
		}
		if cur.RetryCount >= in.MaxRetries {
			return ErrRetriesExhausted
		}
		next := now.Add(in.Backoff)
		updates := map[string]interface{}{
			"status":          string(content.StatusPending),
			"current_stage":   "",
			"retry_count":     cur.RetryCount + 1,
			"next_attempt_at": next,
			"updated_at":      now,
		}
		if !in.KeepClaim {
			updates["claim_owner"] = ""
			updates["lease_expires_at"] = nil
		}
		res := txx.Model(&content.ContentRequest{}).
			Where("id = ? AND claim_owner = ? AND retry_count = ?", id, owner, cur.RetryCount).
			Where("status NOT IN ?", content.TerminalStatuses()).
			Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotOwner
		}
		if err := r.appendEvent(txx, cur, content.StageEvent{
			Stage:      in.Stage,
			Outcome:    string(content.OutcomeFailed),
			Progress:   cur.ProgressPercentage,
			ErrorClass: in.ErrorClass,
			Detail:     in.Detail,
		}, now); err != nil {
			return err
		}
		rec = &content.RetryRecord{
			RequestID:  id,
			Attempt:    cur.RetryCount + 1,
			Stage:      in.Stage,
			ErrorClass: in.ErrorClass,
			BackoffMS:  in.Backoff.Milliseconds(),
			CreatedAt:  now,
		}
		return txx.Create(rec).Error
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (r *repo) Fail(dbc dbctx.Context, id uuid.UUID, owner string, in FailInput) error {
	now := r.now()
	return r.tx(dbc).Transaction(func(txx *gorm.DB) error {
		cur, err := r.GetByID(dbctx.Context{Ctx: dbc.Ctx, Tx: txx}, id)
		if err != nil {
			return err
		}
		ok, err := r.ownerUpdate(txx, id, owner, "", map[string]interface{}{
			"status":           string(content.StatusFailed),
			"failure_reason":   in.Reason,
			"claim_owner":      "",
			"lease_expires_at": nil,
			"next_attempt_at":  nil,
			"updated_at":       now,
		})
		if err != nil {
			return err
		}
		if !ok {
			return ErrNotOwner
		}
		return r.appendEvent(txx, cur, content.StageEvent{
			Stage:      in.Stage,
			Outcome:    string(content.OutcomeFailed),
			Progress:   cur.ProgressPercentage,
			ErrorClass: in.ErrorClass,
			Detail:     in.Reason,
		}, now)
	})
}

func (r *repo) Complete(dbc dbctx.Context, id uuid.UUID, owner string, in CompleteInput) error {
	now := r.now()
	return r.tx(dbc).Transaction(func(txx *gorm.DB) error {
		cur, err := r.GetByID(dbctx.Context{Ctx: dbc.Ctx, Tx: txx}, id)
		if err != nil {
			return err
		}
		if cur.ClaimOwner != owner || cur.State().Terminal() {
			return ErrNotOwner
		}
		if !content.CanTransition(cur.State(), content.StatusCompleted) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, cur.Status, content.StatusCompleted)
		}
		ok, err := r.ownerUpdate(txx, id, owner, cur.State(), map[string]interface{}{
			"status":              string(content.StatusCompleted),
			"current_stage":       string(content.StatusCompleted),
			"progress_percentage": 100,
			"artifacts":           content.EncodeArtifacts(in.Artifacts),
			"degraded":            in.Degraded,
			"topic_id":            in.TopicID,
			"topic_name":          in.TopicName,
			"failure_reason":      "",
			"claim_owner":         "",
			"lease_expires_at":    nil,
			"completed_at":        now,
			"updated_at":          now,
		})
		if err != nil {
			return err
		}
		if !ok {
			return ErrNotOwner
		}
		return r.appendEvent(txx, cur, content.StageEvent{
			Stage:    string(content.StatusCompleted),
			Outcome:  string(content.OutcomeSucceeded),
			Progress: 100,
		}, now)
	})
}

// Cancel marks a non-terminal request cancelled. The owning worker notices at its next
// stage boundary.
func (r *repo) Cancel(dbc dbctx.Context, ref string) (bool, error) {
	now := r.now()
	cancelled := false
	err := r.tx(dbc).Transaction(func(txx *gorm.DB) error {
		cur, err := r.resolve(dbctx.Context{Ctx: dbc.Ctx, Tx: txx}, ref)
		if err != nil {
			return err
		}
		res := txx.Model(&content.ContentRequest{}).
			Where("id = ?", cur.ID).
			Where("status NOT IN ?", content.TerminalStatuses()).
			Updates(map[string]interface{}{
				"status":          string(content.StatusCancelled),
				"failure_reason":  "cancelled by client",
				"next_attempt_at": nil,
				"updated_at":      now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		cancelled = true
		return r.appendEvent(txx, cur, content.StageEvent{
			Stage:      string(content.StatusCancelled),
			Outcome:    string(content.OutcomeFailed),
			Progress:   cur.ProgressPercentage,
			ErrorClass: "cancelled",
			Detail:     "cancelled by client",
		}, now)
	})
	return cancelled, err
}

// MarkNotified flips notified_at exactly once; only the caller that gets true may notify.
func (r *repo) MarkNotified(dbc dbctx.Context, id uuid.UUID) (bool, error) {
	res := r.tx(dbc).
		Model(&content.ContentRequest{}).
		Where("id = ? AND status = ? AND notified_at IS NULL", id, string(content.StatusCompleted)).
		Update("notified_at", r.now())
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) Events(dbc dbctx.Context, id uuid.UUID) ([]*content.StageEvent, error) {
	var out []*content.StageEvent
	if err := r.tx(dbc).Where("request_id = ?", id).Order("seq ASC").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *repo) Retries(dbc dbctx.Context, id uuid.UUID) ([]*content.RetryRecord, error) {
	var out []*content.RetryRecord
	if err := r.tx(dbc).Where("request_id = ?", id).Order("attempt ASC").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// ListStale finds non-terminal requests nobody is working on: an expired lease, or an
// unclaimed row whose next attempt is overdue by idleFor.
func (r *repo) ListStale(dbc dbctx.Context, idleFor time.Duration, limit int) ([]*content.ContentRequest, error) {
	if limit <= 0 {
		limit = 100
	}
	now := r.now()
	cutoff := now.Add(-idleFor)
	var out []*content.ContentRequest
	err := r.tx(dbc).
		Where("status NOT IN ?", content.TerminalStatuses()).
		Where(`
      (
        (claim_owner <> '' AND lease_expires_at IS NOT NULL AND lease_expires_at < ?)
        OR (
          (claim_owner = '' OR claim_owner IS NULL)
          AND updated_at < ?
          AND (next_attempt_at IS NULL OR next_attempt_at < ?)
        )
      )
    `, now, cutoff, cutoff).
		Order("updated_at ASC").
		Limit(limit).
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

// MarkRepublished restarts the idle clock of a stale row after its message was sent
// again, dropping a lease that already expired. Rows someone holds a live lease on,
// or that went terminal, are left alone.
func (r *repo) MarkRepublished(dbc dbctx.Context, id uuid.UUID) (bool, error) {
	now := r.now()
	res := r.tx(dbc).
		Model(&content.ContentRequest{}).
		Where("id = ?", id).
		Where("status NOT IN ?", content.TerminalStatuses()).
		Where("(claim_owner = '' OR claim_owner IS NULL OR lease_expires_at IS NULL OR lease_expires_at < ?)", now).
		Updates(map[string]interface{}{
			"claim_owner":      "",
			"lease_expires_at": nil,
			"updated_at":       now,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// ownerUpdate applies updates only while owner holds the claim and the row is not terminal.
// from, when set, additionally pins the current status.
func (r *repo) ownerUpdate(txx *gorm.DB, id uuid.UUID, owner string, from content.Status, updates map[string]interface{}) (bool, error) {
	q := txx.Model(&content.ContentRequest{}).
		Where("id = ? AND claim_owner = ?", id, owner).
		Where("status NOT IN ?", content.TerminalStatuses())
	if from != "" {
		q = q.Where("status = ?", string(from))
	}
	res := q.Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) appendEvent(txx *gorm.DB, req *content.ContentRequest, ev content.StageEvent, now time.Time) error {
	var seq int64
	if err := txx.Model(&content.StageEvent{}).Where("request_id = ?", req.ID).Count(&seq).Error; err != nil {
		return err
	}
	ev.RequestID = req.ID
	ev.CorrelationID = req.CorrelationID
	ev.Seq = int(seq) + 1
	ev.Attempt = req.RetryCount + 1
	ev.CreatedAt = now
	return txx.Create(&ev).Error
}

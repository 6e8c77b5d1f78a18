package requests

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"

	"github.com/yungbote/neurobridge-contentgen/internal/clarifier"
	"github.com/yungbote/neurobridge-contentgen/internal/data/repos/ledger"
	"github.com/yungbote/neurobridge-contentgen/internal/domain/content"
	"github.com/yungbote/neurobridge-contentgen/internal/pkg/apperr"
	"github.com/yungbote/neurobridge-contentgen/internal/platform/dbctx"
	"github.com/yungbote/neurobridge-contentgen/internal/platform/logger"
	"github.com/yungbote/neurobridge-contentgen/internal/queue"
)

type Clarifier interface {
	CheckClarity(ctx context.Context, query string, gradeLevel int) clarifier.Result
}

type Publisher interface {
	Publish(ctx context.Context, body []byte) error
}

type CreateInput struct {
	CorrelationID     string   `json:"correlation_id"`
	StudentID         string   `json:"student_id"`
	Query             string   `json:"query"`
	GradeLevel        int      `json:"grade_level"`
	Modalities        []string `json:"requested_modalities"`
	PreferredModality string   `json:"preferred_modality,omitempty"`
}

// CreateResult carries either the clarifying questions (nothing was created) or
// the accepted request.
type CreateResult struct {
	Clarification *clarifier.Result
	Request       *content.ContentRequest
	Created       bool
}

type Service interface {
	Create(dbc dbctx.Context, in CreateInput) (*CreateResult, error)
	Status(dbc dbctx.Context, ref string) (*ledger.StatusView, error)
	Events(dbc dbctx.Context, ref string) ([]*content.StageEvent, error)
	Cancel(dbc dbctx.Context, ref string) (bool, error)
	CheckClarity(ctx context.Context, query string, gradeLevel int) clarifier.Result
}

type service struct {
	log       *logger.Logger
	ledger    ledger.Repo
	clarifier Clarifier
	publisher Publisher
}

func NewService(baseLog *logger.Logger, repo ledger.Repo, c Clarifier, pub Publisher) Service {
	return &service{
		log:       baseLog.With("service", "RequestService"),
		ledger:    repo,
		clarifier: c,
		publisher: pub,
	}
}

func (s *service) Create(dbc dbctx.Context, in CreateInput) (*CreateResult, error) {
	in.StudentID = strings.TrimSpace(in.StudentID)
	in.Query = strings.TrimSpace(in.Query)
	if in.StudentID == "" {
		return nil, apperr.Validation("", "student_id is required")
	}
	if in.GradeLevel < 0 || in.GradeLevel > 12 {
		return nil, apperr.Validation("", "grade_level must be between 0 and 12")
	}
	ms, err := content.ParseModalities(in.Modalities)
	if err != nil {
		return nil, apperr.Wrap(apperr.ErrValidation, "", "", "requested_modalities", err)
	}
	if in.PreferredModality != "" {
		if _, err := content.ParseModality(in.PreferredModality); err != nil {
			return nil, apperr.Wrap(apperr.ErrValidation, "", "", "preferred_modality", err)
		}
	}

	if res := s.clarifier.CheckClarity(dbc.Ctx, in.Query, in.GradeLevel); res.NeedsClarification {
		s.log.Info("request needs clarification", "student_id", in.StudentID, "questions", len(res.Questions))
		return &CreateResult{Clarification: &res}, nil
	}

	if strings.TrimSpace(in.CorrelationID) == "" {
		in.CorrelationID = uuid.NewString()
	}
	row, created, err := s.ledger.CreateRequest(dbc, ledger.NewRequest{
		CorrelationID:     in.CorrelationID,
		StudentID:         in.StudentID,
		Query:             in.Query,
		GradeLevel:        in.GradeLevel,
		Modalities:        ms,
		PreferredModality: in.PreferredModality,
	})
	if err != nil {
		return nil, err
	}
	if created {
		body, err := queue.Encode(queue.FromRequest(row))
		if err == nil {
			err = s.publisher.Publish(dbc.Ctx, body)
		}
		if err != nil {
			// The row is pending and unclaimed; the stale sweeper republishes it.
			s.log.Warn("publish failed; request left for sweeper", "correlation_id", row.CorrelationID, "error", err)
		}
	}
	return &CreateResult{Request: row, Created: created}, nil
}

func (s *service) Status(dbc dbctx.Context, ref string) (*ledger.StatusView, error) {
	return s.ledger.GetStatus(dbc, ref)
}

func (s *service) Events(dbc dbctx.Context, ref string) ([]*content.StageEvent, error) {
	row, err := s.resolve(dbc, ref)
	if err != nil {
		return nil, err
	}
	return s.ledger.Events(dbc, row.ID)
}

func (s *service) Cancel(dbc dbctx.Context, ref string) (bool, error) {
	ok, err := s.ledger.Cancel(dbc, ref)
	if err == nil && ok {
		s.log.Info("request cancelled", "ref", ref)
	}
	return ok, err
}

func (s *service) CheckClarity(ctx context.Context, query string, gradeLevel int) clarifier.Result {
	return s.clarifier.CheckClarity(ctx, query, gradeLevel)
}

func (s *service) resolve(dbc dbctx.Context, ref string) (*content.ContentRequest, error) {
	ref = strings.TrimSpace(ref)
	if id, err := uuid.Parse(ref); err == nil {
		row, err := s.ledger.GetByID(dbc, id)
		if err == nil || !errors.Is(err, ledger.ErrNotFound) {
			return row, err
		}
	}
	return s.ledger.Get(dbc, ref)
}

package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/yungbote/neurobridge-contentgen/internal/domain/content"
)

// SeedRequest inserts a pending request row directly, bypassing the ledger.
// mutate may adjust the row before insert (status, timestamps, claim).
func SeedRequest(tb testing.TB, ctx context.Context, tx *gorm.DB, mutate func(*content.ContentRequest)) *content.ContentRequest {
	tb.Helper()
	now := time.Now().UTC()
	r := &content.ContentRequest{
		ID:            uuid.New(),
		CorrelationID: uuid.NewString(),
		StudentID:     "student-1",
		Query:         "explain photosynthesis",
		GradeLevel:    7,
		Status:        string(content.StatusPending),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	r.SetModalities(content.Modalities{content.ModalityText})
	if mutate != nil {
		mutate(r)
	}
	if err := tx.WithContext(ctx).Create(r).Error; err != nil {
		tb.Fatalf("seed request: %v", err)
	}
	return r
}

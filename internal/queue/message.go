package queue

import (
	"encoding/json"
	"strings"

	"github.com/yungbote/neurobridge-contentgen/internal/domain/content"
	"github.com/yungbote/neurobridge-contentgen/internal/pkg/apperr"
)

// Message is the generation request payload carried on the queue.
type Message struct {
	CorrelationID       string   `json:"correlation_id"`
	StudentID           string   `json:"student_id"`
	Query               string   `json:"query"`
	GradeLevel          int      `json:"grade_level"`
	RequestedModalities []string `json:"requested_modalities"`
	PreferredModality   string   `json:"preferred_modality,omitempty"`
}

// Decode parses and validates a delivery body. Every failure is marked
// apperr.ErrMalformed so the caller can dead-letter without retrying.
func Decode(body []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(body, &m); err != nil {
		return Message{}, apperr.Wrap(apperr.ErrMalformed, "", "decode", "invalid json", err)
	}
	if err := m.Validate(); err != nil {
		return Message{}, err
	}
	return m, nil
}

func (m *Message) Validate() error {
	m.CorrelationID = strings.TrimSpace(m.CorrelationID)
	m.StudentID = strings.TrimSpace(m.StudentID)
	if m.CorrelationID == "" {
		return apperr.Wrap(apperr.ErrMalformed, "", "validate", "missing correlation_id", nil)
	}
	if m.StudentID == "" {
		return apperr.Wrap(apperr.ErrMalformed, "", "validate", "missing student_id", nil)
	}
	if _, err := content.ParseModalities(m.RequestedModalities); err != nil {
		return apperr.Wrap(apperr.ErrMalformed, "", "validate", "requested_modalities", err)
	}
	if m.PreferredModality != "" {
		if _, err := content.ParseModality(m.PreferredModality); err != nil {
			return apperr.Wrap(apperr.ErrMalformed, "", "validate", "preferred_modality", err)
		}
	}
	return nil
}

// Modalities returns the normalised modality set; call after Validate.
func (m Message) Modalities() content.Modalities {
	ms, err := content.ParseModalities(m.RequestedModalities)
	if err != nil {
		return content.Modalities{content.ModalityText}
	}
	return ms
}

func Encode(m Message) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(m)
}

// FromRequest rebuilds the queue payload for an existing ledger row.
func FromRequest(r *content.ContentRequest) Message {
	return Message{
		CorrelationID:       r.CorrelationID,
		StudentID:           r.StudentID,
		Query:               r.Query,
		GradeLevel:          r.GradeLevel,
		RequestedModalities: r.Modalities().Strings(),
		PreferredModality:   r.PreferredModality,
	}
}

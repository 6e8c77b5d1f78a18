package apperr

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/yungbote/neurobridge-contentgen/internal/platform/httpx"
)

var (
	// ErrValidation marks bad input or an unusable model answer. Never retried.
	ErrValidation = errors.New("validation error")
	// ErrTransient marks timeouts, upstream 5xx and network failures.
	ErrTransient = errors.New("transient failure")
	// ErrCapacity marks upstream rate limiting (HTTP 429). Retried with a longer backoff.
	ErrCapacity = errors.New("capacity exceeded")
	// ErrSafetyRejection marks a provider refusing to produce content.
	ErrSafetyRejection = errors.New("safety rejection")
	// ErrPermanent marks any other unrecoverable failure.
	ErrPermanent = errors.New("permanent failure")
	// ErrMalformed marks a queue message that cannot be decoded.
	ErrMalformed = errors.New("malformed message")
)

type Class string

const (
	ClassValidation Class = "validation"
	ClassTransient  Class = "transient"
	ClassCapacity   Class = "capacity"
	ClassSafety     Class = "safety_rejection"
	ClassPermanent  Class = "permanent"
	ClassMalformed  Class = "malformed"
)

func (c Class) Retriable() bool {
	return c == ClassTransient || c == ClassCapacity
}

// Wrap annotates err with a class marker and the stage/operation it came from.
func Wrap(marker error, stage, operation, message string, err error) error {
	parts := make([]string, 0, 3)
	if stage != "" {
		parts = append(parts, stage)
	}
	if operation != "" {
		parts = append(parts, operation)
	}
	if message != "" {
		parts = append(parts, message)
	}
	detail := strings.Join(parts, ": ")
	if err == nil {
		return fmt.Errorf("%w: %s", marker, detail)
	}
	return fmt.Errorf("%w: %s: %w", marker, detail, err)
}

func Validation(stage, message string) error {
	return Wrap(ErrValidation, stage, "", message, nil)
}

// ClassOf maps err to its failure class. Unmarked errors are inspected for
// context deadlines and upstream HTTP status codes before defaulting to permanent.
func ClassOf(err error) Class {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrMalformed):
		return ClassMalformed
	case errors.Is(err, ErrValidation):
		return ClassValidation
	case errors.Is(err, ErrSafetyRejection):
		return ClassSafety
	case errors.Is(err, ErrCapacity):
		return ClassCapacity
	case errors.Is(err, ErrTransient):
		return ClassTransient
	case errors.Is(err, ErrPermanent):
		return ClassPermanent
	}
	if code := httpx.StatusCode(err); code != 0 {
		return classForStatus(code)
	}
	if errors.Is(err, context.DeadlineExceeded) || httpx.IsRetryableError(err) {
		return ClassTransient
	}
	return ClassPermanent
}

// FromUpstream marks a provider error with the class its HTTP status implies.
func FromUpstream(stage, operation string, err error) error {
	if err == nil {
		return nil
	}
	var marker error
	switch ClassOf(err) {
	case ClassCapacity:
		marker = ErrCapacity
	case ClassTransient:
		marker = ErrTransient
	case ClassValidation:
		marker = ErrValidation
	case ClassSafety:
		marker = ErrSafetyRejection
	default:
		marker = ErrPermanent
	}
	return Wrap(marker, stage, operation, "", err)
}

func classForStatus(code int) Class {
	switch {
	case code == 429:
		return ClassCapacity
	case httpx.IsRetryableHTTPStatus(code):
		return ClassTransient
	case code == 400 || code == 422:
		return ClassValidation
	default:
		return ClassPermanent
	}
}

var (
	keyPattern    = regexp.MustCompile(`(?i)(sk|key|token)-[A-Za-z0-9_\-]{8,}`)
	bearerPattern = regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9._\-]+`)
)

const maxReasonLen = 500

// Sanitize renders err as a failure reason that is safe to store and show a client.
func Sanitize(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	msg = bearerPattern.ReplaceAllString(msg, "Bearer [REDACTED]")
	msg = keyPattern.ReplaceAllString(msg, "[REDACTED]")
	msg = strings.Join(strings.Fields(msg), " ")
	if len(msg) > maxReasonLen {
		cut := maxReasonLen
		for cut > 0 && !utf8.RuneStart(msg[cut]) {
			cut--
		}
		msg = msg[:cut] + "..."
	}
	return msg
}

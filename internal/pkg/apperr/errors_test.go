package apperr

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"unicode/utf8"
)

type statusErr struct{ code int }

func (e statusErr) Error() string       { return fmt.Sprintf("upstream status %d", e.code) }
func (e statusErr) HTTPStatusCode() int { return e.code }

func TestClassOf(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want Class
	}{
		{"validation", Validation("validating", "empty query"), ClassValidation},
		{"wrapped transient", Wrap(ErrTransient, "generating_script", "llm", "", errors.New("eof")), ClassTransient},
		{"rate limited", statusErr{429}, ClassCapacity},
		{"server error", statusErr{503}, ClassTransient},
		{"bad request", statusErr{400}, ClassValidation},
		{"forbidden", statusErr{403}, ClassPermanent},
		{"deadline", fmt.Errorf("embed: %w", context.DeadlineExceeded), ClassTransient},
		{"plain", errors.New("boom"), ClassPermanent},
		{"safety", Wrap(ErrSafetyRejection, "generating_script", "", "refused", nil), ClassSafety},
	}
	for _, tc := range cases {
		if got := ClassOf(tc.err); got != tc.want {
			t.Fatalf("%s: want=%s got=%s", tc.name, tc.want, got)
		}
	}
}

func TestFromUpstreamKeepsCause(t *testing.T) {
	cause := statusErr{429}
	err := FromUpstream("synthesizing_audio", "speech", cause)
	if !errors.Is(err, ErrCapacity) {
		t.Fatalf("want capacity marker, got %v", err)
	}
	var se statusErr
	if !errors.As(err, &se) || se.code != 429 {
		t.Fatalf("cause lost: %v", err)
	}
	if !strings.Contains(err.Error(), "synthesizing_audio: speech") {
		t.Fatalf("missing stage/op in %q", err.Error())
	}
}

func TestSanitize(t *testing.T) {
	err := errors.New("call failed: Authorization: Bearer abc.def.ghi key sk-abcdefghijklmnop\n\tretry later")
	got := Sanitize(err)
	if strings.Contains(got, "abc.def.ghi") || strings.Contains(got, "sk-abcdefghijklmnop") {
		t.Fatalf("secret leaked: %q", got)
	}
	if strings.Contains(got, "\n") {
		t.Fatalf("whitespace not collapsed: %q", got)
	}
	long := errors.New(strings.Repeat("x", 2*maxReasonLen))
	if got := Sanitize(long); len(got) != maxReasonLen+3 {
		t.Fatalf("truncate: want=%d got=%d", maxReasonLen+3, len(got))
	}
	multi := errors.New(strings.Repeat("a", maxReasonLen-1) + "é tail")
	got = Sanitize(multi)
	if !utf8.ValidString(got) {
		t.Fatalf("truncate multibyte: want valid utf-8 got=%q", got)
	}
	if want := strings.Repeat("a", maxReasonLen-1) + "..."; got != want {
		t.Fatalf("truncate multibyte: want=%q got=%q", want, got)
	}
}

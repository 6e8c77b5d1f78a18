package retrieval

import (
	"strings"
	"testing"
)

func TestLoadCorpusFormats(t *testing.T) {
	array := `[
	  {"id":"a","embedding":[1,0],"text":"leaves","subject":"biology","grade_band":"9-12"},
	  {"id":"b","embedding":[0,1],"text":"cells","subject":"biology","grade_band":"6-8"}
	]`
	c, err := LoadCorpus(strings.NewReader(array))
	if err != nil {
		t.Fatalf("array: %v", err)
	}
	if c.Len() != 2 || c.Dim() != 2 {
		t.Fatalf("array: want=2x2 got=%dx%d", c.Len(), c.Dim())
	}

	lines := "{\"id\":\"a\",\"embedding\":[1,0,0]}\n\n{\"id\":\"b\",\"embedding\":[0,1,0]}\n"
	c, err = LoadCorpus(strings.NewReader(lines))
	if err != nil {
		t.Fatalf("jsonl: %v", err)
	}
	if c.Len() != 2 || c.entries[1].Order != 1 {
		t.Fatalf("jsonl: order not preserved")
	}

	c, err = LoadCorpus(strings.NewReader("  "))
	if err != nil || c.Len() != 0 {
		t.Fatalf("empty: want empty corpus, got err=%v", err)
	}
}

func TestLoadCorpusRejectsBadEntries(t *testing.T) {
	cases := map[string]string{
		"missing id":    `[{"embedding":[1]}]`,
		"duplicate id":  `[{"id":"a","embedding":[1]},{"id":"a","embedding":[1]}]`,
		"dim mismatch":  `[{"id":"a","embedding":[1,0]},{"id":"b","embedding":[1]}]`,
		"no embedding":  `[{"id":"a"}]`,
		"bad json line": "{\"id\":\"a\",\"embedding\":[1]}\n{oops}\n",
	}
	for name, body := range cases {
		if _, err := LoadCorpus(strings.NewReader(body)); err == nil {
			t.Fatalf("%s: want error", name)
		}
	}
}

func TestParseGradeBand(t *testing.T) {
	cases := []struct {
		in     string
		lo, hi int
		ok     bool
	}{
		{"9-12", 9, 12, true},
		{"K-5", 0, 5, true},
		{"7", 7, 7, true},
		{"", 0, 0, false},
		{"12-9", 0, 0, false},
	}
	for _, tc := range cases {
		lo, hi, ok := parseGradeBand(tc.in)
		if ok != tc.ok || lo != tc.lo || hi != tc.hi {
			t.Fatalf("%q: want=(%d,%d,%v) got=(%d,%d,%v)", tc.in, tc.lo, tc.hi, tc.ok, lo, hi, ok)
		}
	}
}

func TestLoadCorpusDerivesNorm(t *testing.T) {
	c, err := LoadCorpus(strings.NewReader(`[{"id":"a","embedding":[3,4],"norm":99}]`))
	if err != nil {
		t.Fatalf("LoadCorpus: %v", err)
	}
	if got := c.entries[0].norm; got < 4.999 || got > 5.001 {
		t.Fatalf("norm: want=5 got=%f", got)
	}
}

package catalog

import (
	"strings"
	"testing"
	"time"

	"github.com/yungbote/neurobridge-contentgen/internal/domain/content"
)

func TestDefaultPlanSkipsVisualForText(t *testing.T) {
	c := Default()
	plan := c.Plan(content.Modalities{content.ModalityText})
	var names []string
	for _, s := range plan {
		names = append(names, s.Name)
	}
	want := "validating,retrieving_context,generating_script,synthesizing_audio,finalizing"
	if got := strings.Join(names, ","); got != want {
		t.Fatalf("plan: want=%s got=%s", want, got)
	}
	last := plan[len(plan)-1]
	if last.ProgressBefore != 60 || last.Progress != 100 {
		t.Fatalf("finalizing progress: want=60->100 got=%d->%d", last.ProgressBefore, last.Progress)
	}
}

func TestDefaultPlanWithVideo(t *testing.T) {
	plan := Default().Plan(content.Modalities{content.ModalityText, content.ModalityVideo})
	if len(plan) != 6 {
		t.Fatalf("plan length: want=6 got=%d", len(plan))
	}
	if plan[4].Name != "assembling_visual" || plan[4].ProgressBefore != 60 || plan[4].Progress != 85 {
		t.Fatalf("visual step: %+v", plan[4])
	}
	if plan[2].Timeout != 90*time.Second {
		t.Fatalf("script timeout: want=90s got=%s", plan[2].Timeout)
	}
}

func TestParseRejectsBadCatalogs(t *testing.T) {
	cases := map[string]string{
		"unknown stage": `
stages:
  - {name: dreaming, order: 1, progress: 10}
  - {name: finalizing, order: 2, progress: 100}`,
		"order regression": `
stages:
  - {name: validating, order: 2, progress: 10}
  - {name: finalizing, order: 1, progress: 100}`,
		"progress regression": `
stages:
  - {name: validating, order: 1, progress: 50}
  - {name: retrieving_context, order: 2, progress: 40}
  - {name: finalizing, order: 3, progress: 100}`,
		"missing finalizing": `
stages:
  - {name: validating, order: 1, progress: 100}`,
		"bad modality": `
stages:
  - {name: assembling_visual, order: 1, progress: 50, requires_modality: smell}
  - {name: finalizing, order: 2, progress: 100}`,
	}
	for name, doc := range cases {
		if _, err := Parse([]byte(doc)); err == nil {
			t.Fatalf("%s: want error", name)
		}
	}
}

func TestMaxTimeoutIsSlowestStage(t *testing.T) {
	if got := Default().MaxTimeout(); got != 600*time.Second {
		t.Fatalf("max timeout: want=10m got=%s", got)
	}
}

package catalog

import (
	_ "embed"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/yungbote/neurobridge-contentgen/internal/domain/content"
)

//go:embed stages.yaml
var defaultCatalog []byte

type StageDefinition struct {
	Name              string        `yaml:"name"`
	Order             int           `yaml:"order"`
	Retriable         bool          `yaml:"retriable"`
	EstimatedDuration time.Duration `yaml:"estimated_duration"`
	Timeout           time.Duration `yaml:"timeout"`
	Progress          int           `yaml:"progress"`
	RequiresModality  string        `yaml:"requires_modality,omitempty"`
}

func (d StageDefinition) Status() content.Status { return content.Status(d.Name) }

type Catalog struct {
	stages []StageDefinition
	byName map[string]StageDefinition
}

// Step is one stage of a request's concrete plan. ProgressBefore is the
// percentage reported while the stage runs.
type Step struct {
	StageDefinition
	ProgressBefore int
}

func Default() *Catalog {
	c, err := Parse(defaultCatalog)
	if err != nil {
		panic(fmt.Sprintf("embedded stage catalog: %v", err))
	}
	return c
}

// Load reads the catalog from path, or returns the embedded default when path is empty.
func Load(path string) (*Catalog, error) {
	if path == "" {
		return Default(), nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read stage catalog: %w", err)
	}
	return Parse(b)
}

func Parse(b []byte) (*Catalog, error) {
	var doc struct {
		Stages []StageDefinition `yaml:"stages"`
	}
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("parse stage catalog: %w", err)
	}
	if len(doc.Stages) == 0 {
		return nil, fmt.Errorf("stage catalog is empty")
	}
	c := &Catalog{byName: map[string]StageDefinition{}}
	prevOrder, prevProgress := 0, 0
	for _, s := range doc.Stages {
		st := content.Status(s.Name)
		if !st.Processing() {
			return nil, fmt.Errorf("stage %q is not a pipeline state", s.Name)
		}
		if _, dup := c.byName[s.Name]; dup {
			return nil, fmt.Errorf("stage %q listed twice", s.Name)
		}
		if s.Order <= prevOrder {
			return nil, fmt.Errorf("stage %q: order %d must be greater than %d", s.Name, s.Order, prevOrder)
		}
		if s.Progress < prevProgress || s.Progress > 100 {
			return nil, fmt.Errorf("stage %q: progress %d out of range", s.Name, s.Progress)
		}
		if s.RequiresModality != "" {
			if _, err := content.ParseModality(s.RequiresModality); err != nil {
				return nil, fmt.Errorf("stage %q: %w", s.Name, err)
			}
		}
		if s.Timeout <= 0 {
			s.Timeout = 30 * time.Second
		}
		prevOrder, prevProgress = s.Order, s.Progress
		c.stages = append(c.stages, s)
		c.byName[s.Name] = s
	}
	last := c.stages[len(c.stages)-1]
	if last.Name != string(content.StatusFinalizing) || last.Progress != 100 {
		return nil, fmt.Errorf("last stage must be finalizing at 100%%, got %s at %d", last.Name, last.Progress)
	}
	return c, nil
}

func (c *Catalog) Stages() []StageDefinition {
	out := make([]StageDefinition, len(c.stages))
	copy(out, c.stages)
	return out
}

// MaxTimeout is the longest timeout of any stage.
func (c *Catalog) MaxTimeout() time.Duration {
	var longest time.Duration
	for _, s := range c.stages {
		if s.Timeout > longest {
			longest = s.Timeout
		}
	}
	return longest
}

func (c *Catalog) Lookup(name string) (StageDefinition, bool) {
	s, ok := c.byName[name]
	return s, ok
}

// Plan returns the stages a request with the given modalities runs, in order.
// Stages gated on a modality that was not requested are left out entirely.
func (c *Catalog) Plan(ms content.Modalities) []Step {
	out := make([]Step, 0, len(c.stages))
	before := 0
	for _, s := range c.stages {
		if s.RequiresModality != "" && !ms.Has(content.Modality(s.RequiresModality)) {
			continue
		}
		out = append(out, Step{StageDefinition: s, ProgressBefore: before})
		before = s.Progress
	}
	return out
}

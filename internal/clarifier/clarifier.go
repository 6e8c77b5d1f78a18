package clarifier

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/yungbote/neurobridge-contentgen/internal/domain/content"
	"github.com/yungbote/neurobridge-contentgen/internal/platform/envutil"
	"github.com/yungbote/neurobridge-contentgen/internal/platform/logger"
)

// TopicExtractor is the NLU call the clarifier consults when it has time to.
type TopicExtractor interface {
	ExtractTopic(ctx context.Context, query string, gradeLevel int) (content.Topic, error)
}

type Config struct {
	Timeout       time.Duration
	MinConfidence float64
	MinWords      int
}

func ConfigFromEnv() Config {
	return Config{
		Timeout:       envutil.Duration("CLARIFIER_TIMEOUT", 800*time.Millisecond),
		MinConfidence: envutil.Float("NLU_MIN_CONFIDENCE", 0.5),
		MinWords:      envutil.Int("CLARIFIER_MIN_WORDS", 1),
	}
}

type Result struct {
	NeedsClarification bool     `json:"needs_clarification"`
	Questions          []string `json:"questions"`
	// Topic is set when the NLU call answered inside the budget.
	Topic *content.Topic `json:"-"`
}

type Clarifier struct {
	log *logger.Logger
	nlu TopicExtractor
	cfg Config
}

// New returns a clarifier. nlu may be nil, in which case only the local
// heuristics run.
func New(nlu TopicExtractor, cfg Config, baseLog *logger.Logger) *Clarifier {
	if baseLog == nil {
		baseLog = logger.Nop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 800 * time.Millisecond
	}
	if cfg.MinWords <= 0 {
		cfg.MinWords = 1
	}
	return &Clarifier{log: baseLog.With("component", "Clarifier"), nlu: nlu, cfg: cfg}
}

func (c *Clarifier) MinConfidence() float64 { return c.cfg.MinConfidence }

// CheckClarity answers synchronously within the configured timeout. Heuristic
// failures short-circuit without calling NLU; an NLU call that errors or runs out
// of time is ignored rather than blocking the caller.
func (c *Clarifier) CheckClarity(ctx context.Context, query string, gradeLevel int) Result {
	if res := c.Assess(query, gradeLevel, nil); res.NeedsClarification || c.nlu == nil {
		return res
	}

	cctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	type answer struct {
		topic content.Topic
		err   error
	}
	ch := make(chan answer, 1)
	go func() {
		t, err := c.nlu.ExtractTopic(cctx, query, gradeLevel)
		ch <- answer{topic: t, err: err}
	}()

	select {
	case a := <-ch:
		if a.err != nil {
			c.log.Warn("clarity nlu failed; using heuristics only", "error", a.err)
			return Result{Questions: []string{}}
		}
		return c.Assess(query, gradeLevel, &a.topic)
	case <-cctx.Done():
		c.log.Debug("clarity nlu timed out", "timeout", c.cfg.Timeout.String())
		return Result{Questions: []string{}}
	}
}

// Assess applies the clarity rules to a query and, when known, its extracted topic.
func (c *Clarifier) Assess(query string, gradeLevel int, topic *content.Topic) Result {
	q := strings.TrimSpace(query)
	questions := make([]string, 0, 2)

	words := contentWords(q)
	switch {
	case q == "":
		questions = append(questions, "What would you like to learn about?")
	case len(words) == 0 && hasVagueReference(q):
		questions = append(questions, fmt.Sprintf("What does %q refer to? Please name the topic you want explained.", q))
	case len(words) < c.cfg.MinWords:
		questions = append(questions, "Can you tell me a bit more about what you want to learn?")
	}
	if gradeLevel < 0 || gradeLevel > 12 {
		questions = append(questions, "What grade are you in?")
	}

	if len(questions) == 0 && topic != nil && topic.Confidence < c.cfg.MinConfidence {
		if name := strings.TrimSpace(topic.Name); name != "" {
			questions = append(questions, fmt.Sprintf("Did you mean %s? If not, which topic should we cover?", name))
		} else {
			questions = append(questions, "Which subject or topic is this question about?")
		}
	}

	res := Result{NeedsClarification: len(questions) > 0, Questions: questions}
	if topic != nil && !res.NeedsClarification {
		t := *topic
		res.Topic = &t
	}
	return res
}

var stopwords = map[string]bool{
	"a": true, "an": true, "the": true, "and": true, "or": true, "of": true, "to": true, "in": true,
	"on": true, "for": true, "me": true, "i": true, "you": true, "we": true, "my": true, "is": true,
	"are": true, "was": true, "be": true, "do": true, "does": true, "can": true, "please": true,
	"explain": true, "tell": true, "about": true, "what": true, "how": true, "why": true, "help": true,
	"learn": true, "teach": true, "show": true, "want": true, "with": true, "understand": true,
	"this": true, "that": true, "it": true, "these": true, "those": true, "stuff": true, "thing": true,
	"things": true, "something": true, "everything": true,
}

var vague = map[string]bool{
	"this": true, "that": true, "it": true, "these": true, "those": true,
	"stuff": true, "thing": true, "things": true, "something": true, "everything": true,
}

func tokens(q string) []string {
	return strings.FieldsFunc(strings.ToLower(q), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
	})
}

func contentWords(q string) []string {
	var out []string
	for _, tok := range tokens(q) {
		if len([]rune(tok)) < 2 || stopwords[tok] {
			continue
		}
		out = append(out, tok)
	}
	return out
}

func hasVagueReference(q string) bool {
	for _, tok := range tokens(q) {
		if vague[tok] {
			return true
		}
	}
	return false
}

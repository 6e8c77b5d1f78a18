package stages

import (
	"math"
	"strings"
)

// Budget bounds how long the narrated script may run.
type Budget struct {
	MaxSeconds     int
	WordsPerMinute int
}

func (b Budget) withDefaults() Budget {
	if b.MaxSeconds <= 0 {
		b.MaxSeconds = 180
	}
	if b.WordsPerMinute <= 0 {
		b.WordsPerMinute = 150
	}
	return b
}

func (b Budget) MaxWords() int {
	b = b.withDefaults()
	return b.MaxSeconds * b.WordsPerMinute / 60
}

func (b Budget) Seconds(words int) float64 {
	b = b.withDefaults()
	return math.Round(float64(words)*60/float64(b.WordsPerMinute)*10) / 10
}

// Enforce trims sections so the narration fits the word budget. The section
// that crosses the limit is cut at a word boundary and later ones are dropped.
func (b Budget) Enforce(s Script) Script {
	limit := b.MaxWords()
	total := 0
	kept := make([]Section, 0, len(s.Sections))
	for _, sec := range s.Sections {
		words := strings.Fields(sec.Narration)
		if len(words) == 0 {
			continue
		}
		if total+len(words) > limit {
			room := limit - total
			if room > 0 {
				sec.Narration = strings.Join(words[:room], " ")
				kept = append(kept, sec)
				total += room
			}
			s.Trimmed = true
			break
		}
		kept = append(kept, sec)
		total += len(words)
	}
	s.Sections = kept
	s.WordCount = total
	s.EstimatedSeconds = b.Seconds(total)
	return s
}

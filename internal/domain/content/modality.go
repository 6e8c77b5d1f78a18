package content

import (
	"fmt"
	"sort"
	"strings"
)

type Modality string

const (
	ModalityText  Modality = "text"
	ModalityAudio Modality = "audio"
	ModalityVideo Modality = "video"
)

func ParseModality(raw string) (Modality, error) {
	switch m := Modality(strings.ToLower(strings.TrimSpace(raw))); m {
	case ModalityText, ModalityAudio, ModalityVideo:
		return m, nil
	default:
		return "", fmt.Errorf("unknown modality %q", raw)
	}
}

// Modalities is a deduplicated set of requested output formats.
type Modalities []Modality

// ParseModalities normalises raw values; an empty input means text only.
func ParseModalities(raw []string) (Modalities, error) {
	seen := map[Modality]bool{}
	out := Modalities{}
	for _, r := range raw {
		m, err := ParseModality(r)
		if err != nil {
			return nil, err
		}
		if seen[m] {
			continue
		}
		seen[m] = true
		out = append(out, m)
	}
	if len(out) == 0 {
		out = append(out, ModalityText)
	}
	sort.Slice(out, func(i, j int) bool { return modalityRank(out[i]) < modalityRank(out[j]) })
	return out, nil
}

func (ms Modalities) Has(m Modality) bool {
	for _, x := range ms {
		if x == m {
			return true
		}
	}
	return false
}

func (ms Modalities) Strings() []string {
	out := make([]string, len(ms))
	for i, m := range ms {
		out[i] = string(m)
	}
	return out
}

func modalityRank(m Modality) int {
	switch m {
	case ModalityText:
		return 0
	case ModalityAudio:
		return 1
	default:
		return 2
	}
}

package retrieval

import (
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

// PseudoEmbed derives a deterministic unit vector from text by hashing its tokens
// into dim buckets. Texts sharing words land close together, which is enough to
// keep retrieval moving while the embedding provider is down.
func PseudoEmbed(text string, dim int) []float32 {
	if dim <= 0 {
		return nil
	}
	v := make([]float32, dim)
	tokens := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, tok := range tokens {
		h := fnv.New64a()
		_, _ = h.Write([]byte(tok))
		sum := h.Sum64()
		idx := int(sum % uint64(dim))
		if (sum>>63)&1 == 1 {
			v[idx] -= 1
		} else {
			v[idx] += 1
		}
	}
	var n float64
	for _, x := range v {
		n += float64(x) * float64(x)
	}
	if n == 0 {
		v[0] = 1
		return v
	}
	inv := float32(1 / math.Sqrt(n))
	for i := range v {
		v[i] *= inv
	}
	return v
}

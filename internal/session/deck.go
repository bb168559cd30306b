package session

import (
	"encoding/json"

	"github.com/rs/zerolog/log"
)

const (
	DeckSizeMin  = 2
	DeckSizeMax  = 20
	DeckValueMin = 1
	DeckValueMax = 1000
)

// NormalizeDeck bounds-checks and cleans a raw client-supplied deck. Values
// must be numeric and within [DeckValueMin, DeckValueMax]; duplicates are
// dropped keeping the first occurrence so the deck's ordering is preserved.
// ok is false when the input is unusable and the session should keep its
// default deck.
func NormalizeDeck(raw []any) (deck []int, ok bool) {
	if len(raw) < DeckSizeMin || len(raw) > DeckSizeMax {
		log.Warn().Int("size", len(raw)).Msg("invalid deck size")
		return nil, false
	}

	seen := make(map[int]bool, len(raw))
	clean := make([]int, 0, len(raw))
	for _, v := range raw {
		n, valid := toInt(v)
		if !valid || n < DeckValueMin || n > DeckValueMax {
			continue
		}
		if seen[n] {
			continue
		}
		seen[n] = true
		clean = append(clean, n)
	}

	if len(clean) < DeckSizeMin {
		return nil, false
	}
	return clean, true
}

// toInt coerces the numeric shapes a decoded JSON deck can contain.
func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case float64:
		return int(n), true
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return 0, false
		}
		return int(f), true
	default:
		return 0, false
	}
}

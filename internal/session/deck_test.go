package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeDeck(t *testing.T) {
	deck, ok := NormalizeDeck([]any{float64(1), float64(1), float64(2), "x", float64(3), float64(5), float64(1001)})
	assert.True(t, ok)
	assert.Equal(t, []int{1, 2, 3, 5}, deck)
}

func TestNormalizeDeckPreservesOrder(t *testing.T) {
	deck, ok := NormalizeDeck([]any{float64(8), float64(3), float64(13), float64(3), float64(1)})
	assert.True(t, ok)
	assert.Equal(t, []int{8, 3, 13, 1}, deck)
}

func TestNormalizeDeckTooSmall(t *testing.T) {
	_, ok := NormalizeDeck([]any{float64(1)})
	assert.False(t, ok)
}

func TestNormalizeDeckTooLarge(t *testing.T) {
	raw := make([]any, DeckSizeMax+1)
	for i := range raw {
		raw[i] = float64(i + 1)
	}
	_, ok := NormalizeDeck(raw)
	assert.False(t, ok)
}

func TestNormalizeDeckTooFewSurvivors(t *testing.T) {
	// Size is fine but only one value survives the bounds check.
	_, ok := NormalizeDeck([]any{float64(5), float64(0), "abc", float64(2000)})
	assert.False(t, ok)
}

func TestNormalizeDeckBoundsInclusive(t *testing.T) {
	deck, ok := NormalizeDeck([]any{float64(DeckValueMin), float64(DeckValueMax)})
	assert.True(t, ok)
	assert.Equal(t, []int{1, 1000}, deck)
}

func TestNormalizeDeckNil(t *testing.T) {
	_, ok := NormalizeDeck(nil)
	assert.False(t, ok)
}

package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvenSplit_PreservesTotal(t *testing.T) {
	for _, total := range []int64{0, 1, 7, 40, 41, 99, -1, -4, -7, -41, 1_000_003} {
		for n := 1; n <= 5; n++ {
			parts := EvenSplit(total, n)
			require.Len(t, parts, n)

			var sum, lo, hi int64 = 0, parts[0], parts[0]
			for _, p := range parts {
				sum += p
				lo, hi = min(lo, p), max(hi, p)
			}
			assert.Equal(t, total, sum, "total=%d n=%d", total, n)
			assert.LessOrEqual(t, hi-lo, int64(1), "total=%d n=%d", total, n)
		}
	}
}

func TestEvenSplit_RemainderGoesToFirst(t *testing.T) {
	assert.Equal(t, []int64{4, 3, 3}, EvenSplit(10, 3))
	assert.Equal(t, []int64{-4, -3, -3}, EvenSplit(-10, 3))
	assert.Equal(t, []int64{20, 20}, EvenSplit(40, 2))
}

func TestEvenSplit_NoParticipants(t *testing.T) {
	assert.Nil(t, EvenSplit(10, 0))
}

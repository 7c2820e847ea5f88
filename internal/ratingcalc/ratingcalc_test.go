package ratingcalc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCalc_BasicWin(t *testing.T) {
	res := Calc(1500, 1500, 3, 1, 32)
	assert.Equal(t, 1516, res.Rating1)
	assert.Equal(t, 1484, res.Rating2)
}

func TestCalc_Tie(t *testing.T) {
	res := Calc(1500, 1500, 2, 2, 32)
	assert.Equal(t, 1500, res.Rating1)
	assert.Equal(t, 1500, res.Rating2)
}

func TestCalc_Symmetry(t *testing.T) {
	for r1 := 0; r1 <= 10000; r1 += 731 {
		for r2 := 0; r2 <= 10000; r2 += 911 {
			for _, scores := range [][2]int{{3, 1}, {1, 3}, {2, 2}} {
				res := Calc(r1, r2, scores[0], scores[1], 32)
				delta := (res.Rating1 - r1) + (res.Rating2 - r2)
				require.Containsf(t, []int{-1, 0, 1}, delta,
					"symmetry slack violated for r1=%d r2=%d scores=%v", r1, r2, scores)
			}
		}
	}
}

func TestCalc_Clamp(t *testing.T) {
	res := Calc(0, 10000, 0, 1, 32)
	assert.GreaterOrEqual(t, res.Rating1, MinRating)
	assert.LessOrEqual(t, res.Rating2, MaxRating)

	res = Calc(10000, 0, 1, 0, 32)
	assert.LessOrEqual(t, res.Rating1, MaxRating)
	assert.GreaterOrEqual(t, res.Rating2, MinRating)
}

func TestCalc_Monotonicity(t *testing.T) {
	// Winning against a higher-rated opponent must not decrease the winner's rating.
	res := Calc(1400, 1600, 3, 1, 32)
	assert.GreaterOrEqual(t, res.Rating1, 1400)
	assert.Greater(t, res.Rating1, 1400, "E1 < 1 so the change must be strictly positive")
}

func TestCalc_EqualRatingsWinLossAreOpposite(t *testing.T) {
	res := Calc(1500, 1500, 5, 0, 32)
	winnerDelta := res.Rating1 - 1500
	loserDelta := res.Rating2 - 1500
	assert.Equal(t, 16, winnerDelta)
	assert.Equal(t, -16, loserDelta)
}

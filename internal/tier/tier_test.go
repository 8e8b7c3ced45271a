package tier

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/iurnickita/ecowallet/internal/model"
)

func TestTierForBoundaries(t *testing.T) {
	cases := []struct {
		weight float64
		want   model.Tier
	}{
		{0, model.TierBronze},
		{49.99, model.TierBronze},
		{50, model.TierSilver},
		{149.99, model.TierSilver},
		{150, model.TierGold},
		{299.99, model.TierGold},
		{300, model.TierPlatinum},
		{499.99, model.TierPlatinum},
		{500, model.TierDiamond},
		{10000, model.TierDiamond},
		{-1, model.TierBronze},
		{math.NaN(), model.TierBronze},
	}
	for _, c := range cases {
		require.Equal(t, c.want, TierFor(c.weight), "weight %v", c.weight)
	}
}

func TestTierForDeterministicAndMonotonic(t *testing.T) {
	rank := map[model.Tier]int{}
	for i, b := range Tiers() {
		rank[b.Tier] = i
	}

	prev := TierFor(0)
	for w := 0.0; w <= 700; w += 0.25 {
		got := TierFor(w)
		require.Equal(t, got, TierFor(w))
		require.GreaterOrEqual(t, rank[got], rank[prev], "weight %v", w)
		prev = got
	}
}

func TestNextTierRequirements(t *testing.T) {
	// начало диапазона gold
	next, err := NextTierRequirements(150)
	require.NoError(t, err)
	require.Equal(t, model.TierPlatinum, next.Name)
	require.InDelta(t, 150, next.WeightNeeded, 1e-9)
	require.InDelta(t, 0, next.ProgressPercent, 1e-9)

	// середина диапазона bronze
	next, err = NextTierRequirements(25)
	require.NoError(t, err)
	require.Equal(t, model.TierSilver, next.Name)
	require.InDelta(t, 25, next.WeightNeeded, 1e-9)
	require.InDelta(t, 50, next.ProgressPercent, 1e-9)

	// верхний уровень
	next, err = NextTierRequirements(750)
	require.NoError(t, err)
	require.Equal(t, model.Tier(""), next.Name)
	require.Zero(t, next.WeightNeeded)
	require.Equal(t, 100.0, next.ProgressPercent)
}

func TestNextTierRequirementsProgressInRange(t *testing.T) {
	for w := 0.0; w < 600; w += 7.3 {
		next, err := NextTierRequirements(w)
		require.NoError(t, err)
		require.GreaterOrEqual(t, next.ProgressPercent, 0.0)
		require.LessOrEqual(t, next.ProgressPercent, 100.0)
	}
}

func TestNextTierRequirementsInvalid(t *testing.T) {
	for _, w := range []float64{-0.01, math.NaN(), math.Inf(1)} {
		_, err := NextTierRequirements(w)
		require.ErrorIs(t, err, model.ErrInvalidInput)
	}
}

package tier

import (
	"fmt"
	"math"

	"github.com/iurnickita/ecowallet/internal/model"
)

// Band - диапазон веса [Lo, Hi) для уровня. У верхнего уровня Hi = +Inf.
type Band struct {
	Tier model.Tier
	Lo   float64
	Hi   float64
}

// Границы уровней по накопленному весу, кг. Нижняя граница включительно.
var bands = []Band{
	{Tier: model.TierBronze, Lo: 0, Hi: 50},
	{Tier: model.TierSilver, Lo: 50, Hi: 150},
	{Tier: model.TierGold, Lo: 150, Hi: 300},
	{Tier: model.TierPlatinum, Lo: 300, Hi: 500},
	{Tier: model.TierDiamond, Lo: 500, Hi: math.Inf(1)},
}

func Tiers() []Band {
	out := make([]Band, len(bands))
	copy(out, bands)
	return out
}

// TierFor - уровень по весу. Определена для любого значения:
// NaN и отрицательные значения дают bronze.
func TierFor(totalWeightKg float64) model.Tier {
	return bands[bandIndex(totalWeightKg)].Tier
}

// NextTierRequirements - следующий уровень, сколько кг до него и прогресс внутри текущего диапазона.
func NextTierRequirements(totalWeightKg float64) (model.NextTier, error) {
	if err := validate(totalWeightKg); err != nil {
		return model.NextTier{}, err
	}

	i := bandIndex(totalWeightKg)
	if i == len(bands)-1 {
		return model.NextTier{ProgressPercent: 100}, nil
	}

	cur := bands[i]
	progress := 100 * (totalWeightKg - cur.Lo) / (cur.Hi - cur.Lo)
	progress = math.Max(0, math.Min(100, progress))

	return model.NextTier{
		Name:            bands[i+1].Tier,
		WeightNeeded:    cur.Hi - totalWeightKg,
		ProgressPercent: progress,
	}, nil
}

func bandIndex(w float64) int {
	for i := len(bands) - 1; i > 0; i-- {
		if w >= bands[i].Lo {
			return i
		}
	}
	return 0
}

func validate(w float64) error {
	if math.IsNaN(w) || math.IsInf(w, 0) || w < 0 {
		return fmt.Errorf("%w: weight %v", model.ErrInvalidInput, w)
	}
	return nil
}

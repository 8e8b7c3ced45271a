package impact

import (
	"fmt"
	"math"

	"github.com/iurnickita/ecowallet/internal/model"
)

// Коэффициенты пересчета веса в экологический эффект.
// Продуктовые константы, не физически точные значения.
const (
	CO2PerKg         = 0.5  // кг CO2 на кг вторсырья
	WaterLitersPerKg = 0.1  // литров воды на кг
	LandfillKgPerKg  = 0.3  // кг, не попавших на полигон, на кг
	CO2KgPerTreeYear = 22.0 // кг CO2, поглощаемых деревом за год
)

// ImpactFor - экологический эффект по накопленному весу.
// Некорректный вес не обнуляется, а возвращается ошибкой.
func ImpactFor(totalWeightKg float64) (model.EnvironmentalImpact, error) {
	if math.IsNaN(totalWeightKg) || math.IsInf(totalWeightKg, 0) || totalWeightKg < 0 {
		return model.EnvironmentalImpact{}, fmt.Errorf("%w: weight %v", model.ErrInvalidInput, totalWeightKg)
	}

	co2 := totalWeightKg * CO2PerKg
	return model.EnvironmentalImpact{
		CO2SavedKg:       co2,
		WaterSavedLiters: totalWeightKg * WaterLitersPerKg,
		LandfillSavedKg:  totalWeightKg * LandfillKgPerKg,
		TreesEquivalent:  co2 / CO2KgPerTreeYear,
	}, nil
}

package store

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/iurnickita/ecowallet/internal/model"
)

// RawRecord - строка таблицы collections как она пришла из источника.
// Любое поле может отсутствовать, проверка в ParseRecord.
type RawRecord struct {
	ID            *string          `json:"id"`
	CustomerID    *string          `json:"customer_id"`
	CollectorID   *string          `json:"collector_id"`
	WeightKg      *float64         `json:"weight_kg"`
	MonetaryValue *decimal.Decimal `json:"monetary_value"`
	Status        *string          `json:"status"`
	MaterialType  *string          `json:"material_type"`
	CreatedAt     *time.Time       `json:"created_at"`
	ApprovedAt    *time.Time       `json:"approved_at"`
}

// ParseRecord - граница строгой типизации: дальше ядра уходят только проверенные записи.
func ParseRecord(raw RawRecord) (model.CollectionRecord, error) {
	var rec model.CollectionRecord

	rec.ID = strings.TrimSpace(deref(raw.ID))
	if rec.ID == "" {
		return model.CollectionRecord{}, fmt.Errorf("%w: empty id", ErrMalformedRecord)
	}
	// uuid приводим к каноническому виду
	if u, err := uuid.Parse(rec.ID); err == nil {
		rec.ID = u.String()
	}

	malformed := func(reason string, args ...any) error {
		return fmt.Errorf("%w: record %s: %s", ErrMalformedRecord, rec.ID, fmt.Sprintf(reason, args...))
	}

	rec.CustomerID = deref(raw.CustomerID)
	rec.CollectorID = deref(raw.CollectorID)
	if rec.CustomerID == "" && rec.CollectorID == "" {
		return model.CollectionRecord{}, malformed("no customer and no collector")
	}

	rec.Status = model.CollectionStatus(strings.ToLower(strings.TrimSpace(deref(raw.Status))))
	if !rec.Status.Valid() {
		return model.CollectionRecord{}, malformed("status %q", deref(raw.Status))
	}

	// вес еще не взвешенной заявки может быть пустым
	if raw.WeightKg != nil {
		w := *raw.WeightKg
		if math.IsNaN(w) || math.IsInf(w, 0) || w < 0 {
			return model.CollectionRecord{}, malformed("weight %v", w)
		}
		rec.WeightKg = w
	}

	if raw.MonetaryValue != nil {
		if raw.MonetaryValue.IsNegative() {
			return model.CollectionRecord{}, malformed("monetary value %s", raw.MonetaryValue)
		}
		rec.MonetaryValue = *raw.MonetaryValue
	}

	if raw.CreatedAt == nil || raw.CreatedAt.IsZero() {
		return model.CollectionRecord{}, malformed("no created_at")
	}
	rec.CreatedAt = raw.CreatedAt.UTC()
	if raw.ApprovedAt != nil && !raw.ApprovedAt.IsZero() {
		approvedAt := raw.ApprovedAt.UTC()
		rec.ApprovedAt = &approvedAt
	}

	rec.MaterialType = deref(raw.MaterialType)

	return rec, nil
}

// ParseRecords - одна некорректная строка проваливает всю выборку
func ParseRecords(raws []RawRecord) ([]model.CollectionRecord, error) {
	records := make([]model.CollectionRecord, 0, len(raws))
	for _, raw := range raws {
		rec, err := ParseRecord(raw)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

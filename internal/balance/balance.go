package balance

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"

	"github.com/iurnickita/ecowallet/internal/impact"
	"github.com/iurnickita/ecowallet/internal/model"
	"github.com/iurnickita/ecowallet/internal/store"
	"github.com/iurnickita/ecowallet/internal/tier"
)

// Aggregator - расчет кошелька пользователя по записям хранилища.
// Один запрос к хранилищу на расчет.
type Aggregator interface {
	Aggregate(ctx context.Context, filter model.RecordFilter) (model.WalletSnapshot, error)
}

// AggregationError - хранилище не ответило. Нулевой кошелек вместо ошибки не возвращаем.
type AggregationError struct {
	UserID string
	Err    error
}

func (e *AggregationError) Error() string {
	return fmt.Sprintf("aggregate wallet for %s: %v", e.UserID, e.Err)
}

func (e *AggregationError) Unwrap() error {
	return e.Err
}

type aggregator struct {
	store store.Store
	now   func() time.Time
}

// NewAggregator - now может быть nil, тогда используется time.Now
func NewAggregator(store store.Store, now func() time.Time) Aggregator {
	if now == nil {
		now = time.Now
	}
	return &aggregator{store: store, now: now}
}

func (a *aggregator) Aggregate(ctx context.Context, filter model.RecordFilter) (model.WalletSnapshot, error) {
	records, err := a.store.CollectionList(ctx, filter)
	if err != nil {
		return model.WalletSnapshot{}, &AggregationError{UserID: filter.UserID, Err: err}
	}

	return Summarize(filter.UserID, records, a.now())
}

// Summarize - чистый расчет кошелька по уже выбранным записям
func Summarize(userID string, records []model.CollectionRecord, computedAt time.Time) (model.WalletSnapshot, error) {
	snapshot := model.WalletSnapshot{
		UserID:     userID,
		Balance:    decimal.Zero,
		ComputedAt: computedAt,
	}

	for _, rec := range records {
		snapshot.PickupCounts.Total++
		switch {
		case rec.Status.Countable():
			snapshot.PickupCounts.Approved++
			snapshot.TotalWeightKg += rec.WeightKg
			snapshot.Balance = snapshot.Balance.Add(rec.MonetaryValue)
		case rec.Status == model.CollectionStatusPending:
			snapshot.PickupCounts.Pending++
		case rec.Status == model.CollectionStatusRejected:
			snapshot.PickupCounts.Rejected++
		}
	}

	// 1 кг = 1 балл, округление half-up
	snapshot.Points = Points(snapshot.TotalWeightKg)
	snapshot.Tier = tier.TierFor(snapshot.TotalWeightKg)

	var err error
	snapshot.NextTier, err = tier.NextTierRequirements(snapshot.TotalWeightKg)
	if err != nil {
		return model.WalletSnapshot{}, err
	}
	snapshot.EnvironmentalImpact, err = impact.ImpactFor(snapshot.TotalWeightKg)
	if err != nil {
		return model.WalletSnapshot{}, err
	}

	return snapshot, nil
}

// Points - баллы по весу. Вес неотрицательный, поэтому math.Round совпадает с half-up.
func Points(totalWeightKg float64) int64 {
	return int64(math.Round(totalWeightKg))
}

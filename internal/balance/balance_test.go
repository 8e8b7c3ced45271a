package balance

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/iurnickita/ecowallet/internal/model"
	"github.com/iurnickita/ecowallet/internal/store/memory"
)

var fixedNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func record(id string, weight float64, value int64, status model.CollectionStatus) model.CollectionRecord {
	return model.CollectionRecord{
		ID:            id,
		CustomerID:    "resident",
		CollectorID:   "collector",
		WeightKg:      weight,
		MonetaryValue: decimal.NewFromInt(value),
		Status:        status,
		CreatedAt:     fixedNow.Add(-time.Hour),
	}
}

func TestAggregateScenarioA(t *testing.T) {
	db := memory.New(
		record("a", 5, 25, model.CollectionStatusApproved),
		record("b", 3, 15, model.CollectionStatusPending),
	)
	agg := NewAggregator(db, func() time.Time { return fixedNow })

	snapshot, err := agg.Aggregate(context.Background(), model.RecordFilter{UserID: "resident", Role: model.RoleCustomer})
	require.NoError(t, err)

	require.Equal(t, "resident", snapshot.UserID)
	require.Equal(t, 5.0, snapshot.TotalWeightKg)
	require.Equal(t, int64(5), snapshot.Points)
	require.True(t, snapshot.Balance.Equal(decimal.NewFromInt(25)))
	require.Equal(t, model.TierBronze, snapshot.Tier)
	require.Equal(t, model.PickupCounts{Total: 2, Approved: 1, Pending: 1}, snapshot.PickupCounts)
	require.Equal(t, fixedNow, snapshot.ComputedAt)
	require.InDelta(t, 2.5, snapshot.EnvironmentalImpact.CO2SavedKg, 1e-9)
}

func TestAggregateScenarioB(t *testing.T) {
	db := memory.New(
		record("a", 100, 500, model.CollectionStatusApproved),
		record("b", 50, 250, model.CollectionStatusCompleted),
		record("c", 80, 400, model.CollectionStatusRejected),
		record("d", 10, 50, model.CollectionStatusCancelled),
	)
	agg := NewAggregator(db, nil)

	snapshot, err := agg.Aggregate(context.Background(), model.RecordFilter{UserID: "resident", Role: model.RoleCustomer})
	require.NoError(t, err)

	require.Equal(t, 150.0, snapshot.TotalWeightKg)
	require.Equal(t, model.TierGold, snapshot.Tier)
	require.Equal(t, model.TierPlatinum, snapshot.NextTier.Name)
	require.InDelta(t, 150, snapshot.NextTier.WeightNeeded, 1e-9)
	require.InDelta(t, 0, snapshot.NextTier.ProgressPercent, 1e-9)
	require.True(t, snapshot.Balance.Equal(decimal.NewFromInt(750)))
	require.Equal(t, model.PickupCounts{Total: 4, Approved: 2, Rejected: 1}, snapshot.PickupCounts)
}

func TestAggregateByRole(t *testing.T) {
	mine := record("a", 4, 20, model.CollectionStatusApproved)
	collected := record("b", 6, 30, model.CollectionStatusApproved)
	collected.CustomerID = "neighbour"
	collected.CollectorID = "resident"

	db := memory.New(mine, collected)
	agg := NewAggregator(db, nil)
	ctx := context.Background()

	asCustomer, err := agg.Aggregate(ctx, model.RecordFilter{UserID: "resident", Role: model.RoleCustomer})
	require.NoError(t, err)
	require.Equal(t, 4.0, asCustomer.TotalWeightKg)

	asCollector, err := agg.Aggregate(ctx, model.RecordFilter{UserID: "resident", Role: model.RoleCollector})
	require.NoError(t, err)
	require.Equal(t, 6.0, asCollector.TotalWeightKg)

	both, err := agg.Aggregate(ctx, model.RecordFilter{UserID: "resident", Role: model.RoleAny})
	require.NoError(t, err)
	require.Equal(t, 10.0, both.TotalWeightKg)
}

func TestAggregateStoreFailure(t *testing.T) {
	cause := errors.New("connection reset")
	db := memory.New(record("a", 5, 25, model.CollectionStatusApproved))
	db.Fail(cause)
	agg := NewAggregator(db, nil)

	snapshot, err := agg.Aggregate(context.Background(), model.RecordFilter{UserID: "resident", Role: model.RoleCustomer})
	require.Error(t, err)
	require.ErrorIs(t, err, cause)

	var aggErr *AggregationError
	require.ErrorAs(t, err, &aggErr)
	require.Equal(t, "resident", aggErr.UserID)
	require.Equal(t, model.WalletSnapshot{}, snapshot)
}

func TestSummarizePointsInvariant(t *testing.T) {
	weights := []float64{0.4, 1.1, 2.45, 0.05, 10, 3.5, 0.5, 7.25}
	var records []model.CollectionRecord
	var sum float64
	for i, w := range weights {
		records = append(records, record(string(rune('a'+i)), w, 1, model.CollectionStatusApproved))
		sum += w

		snapshot, err := Summarize("resident", records, fixedNow)
		require.NoError(t, err)
		require.Equal(t, int64(math.Floor(sum+0.5)), snapshot.Points)
		require.Equal(t, Points(snapshot.TotalWeightKg), snapshot.Points)
	}
}

func TestPointsRoundHalfUp(t *testing.T) {
	require.Equal(t, int64(0), Points(0.49))
	require.Equal(t, int64(1), Points(0.5))
	require.Equal(t, int64(3), Points(2.5))
	require.Equal(t, int64(3), Points(2.51))
	require.Equal(t, int64(49), Points(49.49))
	require.Equal(t, int64(50), Points(49.5))
}

func TestSummarizeEmpty(t *testing.T) {
	snapshot, err := Summarize("nobody", nil, fixedNow)
	require.NoError(t, err)
	require.True(t, snapshot.Balance.IsZero())
	require.Equal(t, model.TierBronze, snapshot.Tier)
	require.Equal(t, model.TierSilver, snapshot.NextTier.Name)
	require.Zero(t, snapshot.PickupCounts.Total)
}

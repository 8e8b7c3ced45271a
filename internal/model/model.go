package model

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// Ошибка входных данных чистых функций (отрицательный вес, NaN).
// Не ретраится, сразу возвращается вызывающему.
var ErrInvalidInput = errors.New("invalid input")

// Записи о сдаче вторсырья (внешняя таблица, только чтение)

type CollectionRecord struct {
	ID            string
	CustomerID    string
	CollectorID   string
	WeightKg      float64
	MonetaryValue decimal.Decimal
	Status        CollectionStatus
	MaterialType  string
	CreatedAt     time.Time
	ApprovedAt    *time.Time
}

type CollectionStatus string

const (
	CollectionStatusPending   CollectionStatus = "pending"
	CollectionStatusApproved  CollectionStatus = "approved"
	CollectionStatusCompleted CollectionStatus = "completed"
	CollectionStatusRejected  CollectionStatus = "rejected"
	CollectionStatusCancelled CollectionStatus = "cancelled"
)

func (s CollectionStatus) Valid() bool {
	switch s {
	case CollectionStatusPending, CollectionStatusApproved, CollectionStatusCompleted,
		CollectionStatusRejected, CollectionStatusCancelled:
		return true
	}
	return false
}

// Countable - запись учитывается в балансе, баллах и весе
func (s CollectionStatus) Countable() bool {
	return s == CollectionStatusApproved || s == CollectionStatusCompleted
}

// Фильтр выборки записей

type Role string

const (
	RoleCustomer  Role = "customer"  // "что я сдал" (житель)
	RoleCollector Role = "collector" // "что я собрал" (сборщик)
	RoleAny       Role = "any"       // customer_id = user OR collector_id = user
)

func (r Role) Valid() bool {
	return r == RoleCustomer || r == RoleCollector || r == RoleAny
}

type RecordFilter struct {
	UserID string
	Role   Role
	From   time.Time // created_at >= From, если не нулевое
	To     time.Time // created_at < To, если не нулевое
}

// Match - проверка записи на соответствие фильтру (для уведомлений и in-memory хранилища)
func (f RecordFilter) Match(rec CollectionRecord) bool {
	var byUser bool
	switch f.Role {
	case RoleCustomer:
		byUser = rec.CustomerID == f.UserID
	case RoleCollector:
		byUser = rec.CollectorID == f.UserID
	default:
		byUser = rec.CustomerID == f.UserID || rec.CollectorID == f.UserID
	}
	if !byUser {
		return false
	}
	if !f.From.IsZero() && rec.CreatedAt.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && !rec.CreatedAt.Before(f.To) {
		return false
	}
	return true
}

// Уведомления об изменениях

type Operation string

const (
	OperationInsert Operation = "insert"
	OperationUpdate Operation = "update"
	OperationDelete Operation = "delete"
)

type ChangeEvent struct {
	Operation Operation
	Record    CollectionRecord
	// Resync - канал переподключился, часть уведомлений могла потеряться
	Resync bool
}

// Кошелек (производное состояние, не хранится)

type Tier string

const (
	TierBronze   Tier = "bronze"
	TierSilver   Tier = "silver"
	TierGold     Tier = "gold"
	TierPlatinum Tier = "platinum"
	TierDiamond  Tier = "diamond"
)

type NextTier struct {
	Name            Tier    `json:"name,omitempty"` // пусто на верхнем уровне
	WeightNeeded    float64 `json:"weight_needed"`
	ProgressPercent float64 `json:"progress_percent"`
}

type EnvironmentalImpact struct {
	CO2SavedKg       float64 `json:"co2_saved_kg"`
	WaterSavedLiters float64 `json:"water_saved_liters"`
	LandfillSavedKg  float64 `json:"landfill_saved_kg"`
	TreesEquivalent  float64 `json:"trees_equivalent"`
}

type PickupCounts struct {
	Total    int `json:"total"`
	Approved int `json:"approved"`
	Pending  int `json:"pending"`
	Rejected int `json:"rejected"`
}

type WalletSnapshot struct {
	UserID              string              `json:"user_id"`
	Balance             decimal.Decimal     `json:"balance"`
	Points              int64               `json:"points"`
	TotalWeightKg       float64             `json:"total_weight_kg"`
	Tier                Tier                `json:"tier"`
	NextTier            NextTier            `json:"next_tier"`
	EnvironmentalImpact EnvironmentalImpact `json:"environmental_impact"`
	PickupCounts        PickupCounts        `json:"pickup_counts"`
	ComputedAt          time.Time           `json:"computed_at"`
}

// Кошелек в том виде, в котором его получает потребитель

type WalletState string

const (
	WalletStateLive  WalletState = "live"
	WalletStateStale WalletState = "stale"
)

type Wallet struct {
	Snapshot  WalletSnapshot
	State     WalletState
	FetchedAt time.Time
}

func (w Wallet) Stale() bool {
	return w.State == WalletStateStale
}

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"

	"github.com/iurnickita/ecowallet/internal/model"
	"github.com/iurnickita/ecowallet/internal/store/config"
)

const (
	DriverPostgres = "pgx"
	DriverSQLite   = "sqlite3"
)

type sqlStore struct {
	database     *sql.DB
	driver       string
	queryTimeout time.Duration
}

func NewSQLStore(cfg config.Config) (Store, error) {
	driver := cfg.Driver
	if driver == "" {
		driver = DriverPostgres
	}
	if driver != DriverPostgres && driver != DriverSQLite {
		return nil, fmt.Errorf("unsupported driver %q", driver)
	}

	db, err := sql.Open(driver, cfg.DBDsn)
	if err != nil {
		return nil, err
	}
	if driver == DriverSQLite {
		db.SetMaxOpenConns(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}

	store := &sqlStore{
		database:     db,
		driver:       driver,
		queryTimeout: cfg.QueryTimeout,
	}

	// Таблица принадлежит внешнему бэкенду, создаем только для локальной разработки
	if cfg.Migrate {
		if err := store.migrate(ctx); err != nil {
			db.Close()
			return nil, err
		}
	}

	return store, nil
}

// Close - закрыть пул соединений
func (store *sqlStore) Close() error {
	return store.database.Close()
}

func (store *sqlStore) migrate(ctx context.Context) error {
	// sqlite3 разбирает в time.Time только колонки с типом TIMESTAMP
	timestampType := "TIMESTAMPTZ"
	if store.driver == DriverSQLite {
		timestampType = "TIMESTAMP"
	}

	_, err := store.database.ExecContext(ctx,
		"CREATE TABLE IF NOT EXISTS collections ("+
			" id TEXT PRIMARY KEY,"+
			" customer_id TEXT,"+
			" collector_id TEXT,"+
			" weight_kg DOUBLE PRECISION,"+
			" monetary_value NUMERIC(12, 2),"+
			" status TEXT NOT NULL,"+
			" material_type TEXT,"+
			" created_at "+timestampType+" NOT NULL,"+
			" approved_at "+timestampType+
			" );")
	if err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	_, err = store.database.ExecContext(ctx,
		"CREATE INDEX IF NOT EXISTS idx_collections_created_at ON collections (created_at);")
	if err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func (store *sqlStore) CollectionList(ctx context.Context, filter model.RecordFilter) ([]model.CollectionRecord, error) {
	if err := validateFilter(filter); err != nil {
		return nil, err
	}

	if store.queryTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, store.queryTimeout)
		defer cancel()
	}

	query, args := store.listQuery(filter)
	rows, err := store.database.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, store.classify(err)
	}
	defer rows.Close()

	var raws []RawRecord
	for rows.Next() {
		var raw RawRecord
		err := rows.Scan(&raw.ID,
			&raw.CustomerID,
			&raw.CollectorID,
			&raw.WeightKg,
			&raw.MonetaryValue,
			&raw.Status,
			&raw.MaterialType,
			&raw.CreatedAt,
			&raw.ApprovedAt)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrMalformedRecord, err)
		}
		raws = append(raws, raw)
	}
	if err := rows.Err(); err != nil {
		return nil, store.classify(err)
	}

	return ParseRecords(raws)
}

// listQuery - запрос по фильтру с плейсхолдерами выбранного драйвера
func (store *sqlStore) listQuery(filter model.RecordFilter) (string, []any) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		if store.driver == DriverSQLite {
			return "?"
		}
		return "$" + strconv.Itoa(len(args))
	}

	switch filter.Role {
	case model.RoleCustomer:
		where = append(where, "customer_id = "+arg(filter.UserID))
	case model.RoleCollector:
		where = append(where, "collector_id = "+arg(filter.UserID))
	default:
		where = append(where, "(customer_id = "+arg(filter.UserID)+" OR collector_id = "+arg(filter.UserID)+")")
	}
	if !filter.From.IsZero() {
		where = append(where, "created_at >= "+arg(filter.From.UTC()))
	}
	if !filter.To.IsZero() {
		where = append(where, "created_at < "+arg(filter.To.UTC()))
	}

	query := "SELECT id, customer_id, collector_id, weight_kg, monetary_value, status, material_type, created_at, approved_at" +
		" FROM collections" +
		" WHERE " + strings.Join(where, " AND ") +
		" ORDER BY created_at DESC"
	return query, args
}

func (store *sqlStore) classify(err error) error {
	if pgconn.Timeout(err) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "42P01" {
		return fmt.Errorf("%w: %w", ErrNoSchema, err)
	}
	return err
}

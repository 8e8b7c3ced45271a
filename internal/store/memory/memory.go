package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/iurnickita/ecowallet/internal/model"
	"github.com/iurnickita/ecowallet/internal/store"
)

// DB - записи в памяти по id, для тестов
type DB struct {
	mu      sync.Mutex
	records map[string]model.CollectionRecord
	err     error
	calls   int
}

var _ store.Store = (*DB)(nil)

func New(records ...model.CollectionRecord) *DB {
	db := &DB{records: make(map[string]model.CollectionRecord)}
	for _, rec := range records {
		db.records[rec.ID] = rec
	}
	return db
}

// Put - вставить или заменить запись
func (db *DB) Put(rec model.CollectionRecord) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.records[rec.ID] = rec
}

func (db *DB) Delete(id string) {
	db.mu.Lock()
	defer db.mu.Unlock()
	delete(db.records, id)
}

// Fail - все следующие CollectionList вернут err. Fail(nil) снимает ошибку.
func (db *DB) Fail(err error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.err = err
}

// Calls - число вызовов CollectionList
func (db *DB) Calls() int {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.calls
}

func (db *DB) CollectionList(ctx context.Context, filter model.RecordFilter) ([]model.CollectionRecord, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	db.calls++
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if db.err != nil {
		return nil, db.err
	}

	out := make([]model.CollectionRecord, 0)
	for _, rec := range db.records {
		if filter.Match(rec) {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/iurnickita/ecowallet/internal/model"
	"github.com/iurnickita/ecowallet/internal/store/config"
)

// Store - хранилище записей о сдаче вторсырья. Ядро его только читает.
type Store interface {
	// CollectionList - записи по фильтру, по убыванию created_at
	CollectionList(ctx context.Context, filter model.RecordFilter) ([]model.CollectionRecord, error)
}

var (
	ErrMalformedRecord = errors.New("malformed collection record")
	ErrNoSchema        = errors.New("collections table does not exist")
	ErrTimeout         = errors.New("store query timeout")
	ErrUnknownSource   = errors.New("unknown store source")
	ErrBadFilter       = errors.New("bad record filter")
)

const (
	SourceSQL  = "sql"
	SourceREST = "rest"
)

func NewStore(cfg config.Config) (Store, error) {
	switch cfg.Source {
	case SourceSQL, "":
		return NewSQLStore(cfg)
	case SourceREST:
		return NewRESTStore(cfg)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownSource, cfg.Source)
	}
}

func validateFilter(filter model.RecordFilter) error {
	if filter.UserID == "" {
		return fmt.Errorf("%w: empty user", ErrBadFilter)
	}
	if !filter.Role.Valid() {
		return fmt.Errorf("%w: role %q", ErrBadFilter, filter.Role)
	}
	return nil
}

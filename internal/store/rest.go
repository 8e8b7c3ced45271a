package store

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/iurnickita/ecowallet/internal/model"
	"github.com/iurnickita/ecowallet/internal/store/config"
)

// REST-источник: таблица collections хостинг-бэкенда через PostgREST

const (
	restCollectionsPath = "/rest/v1/collections"
	restSelect          = "id,customer_id,collector_id,weight_kg,monetary_value,status,material_type,created_at,approved_at"
)

type restStore struct {
	client *resty.Client
}

func NewRESTStore(cfg config.Config) (Store, error) {
	if cfg.RestURL == "" {
		return nil, fmt.Errorf("rest store: empty url")
	}

	client := resty.New().
		SetBaseURL(cfg.RestURL).
		SetHeader("Accept", "application/json")
	if cfg.RestKey != "" {
		client.SetHeader("apikey", cfg.RestKey).SetAuthToken(cfg.RestKey)
	}
	if cfg.QueryTimeout > 0 {
		client.SetTimeout(cfg.QueryTimeout)
	}

	return &restStore{client: client}, nil
}

func (store *restStore) CollectionList(ctx context.Context, filter model.RecordFilter) ([]model.CollectionRecord, error) {
	if err := validateFilter(filter); err != nil {
		return nil, err
	}

	resp, err := store.client.R().
		SetContext(ctx).
		SetQueryParamsFromValues(restQuery(filter)).
		Get(restCollectionsPath)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %w", ErrTimeout, err)
		}
		return nil, err
	}

	switch resp.StatusCode() {
	case http.StatusOK:
		var raws []RawRecord
		if err := json.Unmarshal(resp.Body(), &raws); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrMalformedRecord, err)
		}
		return ParseRecords(raws)
	case http.StatusNotFound:
		return nil, ErrNoSchema
	default:
		return nil, fmt.Errorf("collections request status: %d", resp.StatusCode())
	}
}

var restEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`)

// restQuote - значение в логическом фильтре PostgREST: запятые и скобки внутри кавычек
func restQuote(value string) string {
	return `"` + restEscaper.Replace(value) + `"`
}

func restQuery(filter model.RecordFilter) url.Values {
	q := url.Values{}
	q.Set("select", restSelect)
	switch filter.Role {
	case model.RoleCustomer:
		q.Set("customer_id", "eq."+filter.UserID)
	case model.RoleCollector:
		q.Set("collector_id", "eq."+filter.UserID)
	default:
		user := restQuote(filter.UserID)
		q.Set("or", fmt.Sprintf("(customer_id.eq.%s,collector_id.eq.%s)", user, user))
	}
	if !filter.From.IsZero() {
		q.Add("created_at", "gte."+filter.From.UTC().Format(time.RFC3339Nano))
	}
	if !filter.To.IsZero() {
		q.Add("created_at", "lt."+filter.To.UTC().Format(time.RFC3339Nano))
	}
	q.Set("order", "created_at.desc")
	return q
}

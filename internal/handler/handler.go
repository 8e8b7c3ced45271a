package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/iurnickita/ecowallet/internal/auth"
	"github.com/iurnickita/ecowallet/internal/balance"
	"github.com/iurnickita/ecowallet/internal/handler/config"
	"github.com/iurnickita/ecowallet/internal/logger"
	"github.com/iurnickita/ecowallet/internal/model"
	"github.com/iurnickita/ecowallet/internal/service"
	"github.com/iurnickita/ecowallet/internal/store"
	"github.com/iurnickita/ecowallet/internal/tier"
)

const (
	DefaultEventsKeepAlive = 30 * time.Second
	shutdownTimeout        = 5 * time.Second
)

// Serve - HTTP-сервер до отмены ctx
func Serve(ctx context.Context, cfg config.Config, auth auth.Auth, service service.Service, zaplog *zap.Logger) error {
	h := newHandler(cfg, auth, service, zaplog)
	router := h.newRouter()

	srv := &http.Server{
		Addr:    cfg.ServerAddr,
		Handler: router,
	}

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	zaplog.Info("http server started", zap.String("addr", cfg.ServerAddr))

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

type handler struct {
	auth      auth.Auth
	service   service.Service
	keepAlive time.Duration
	zaplog    *zap.Logger
}

func newHandler(cfg config.Config, auth auth.Auth, service service.Service, zaplog *zap.Logger) *handler {
	keepAlive := cfg.EventsKeepAlive
	if keepAlive <= 0 {
		keepAlive = DefaultEventsKeepAlive
	}
	return &handler{
		auth:      auth,
		service:   service,
		keepAlive: keepAlive,
		zaplog:    zaplog,
	}
}

func (h *handler) newRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(logger.RequestLogMdlw(h.zaplog))

	r.With(middleware.Compress(5)).Get("/api/tiers", h.GetTiers)

	r.Route("/api/user", func(r chi.Router) {
		r.Use(h.auth.Middleware)

		r.With(middleware.Compress(5)).Get("/wallet", h.GetWallet)
		r.Post("/wallet/refresh", h.PostWalletRefresh)
		// поток событий не сжимается, иначе события копятся в буфере
		r.Get("/wallet/events", h.GetWalletEvents)
		r.With(middleware.Compress(5)).Get("/collections", h.GetCollections)
	})

	return r
}

type WalletJSONResponse struct {
	model.WalletSnapshot
	Stale     bool      `json:"stale"`
	FetchedAt time.Time `json:"fetched_at"`
}

func walletResponse(wallet model.Wallet) WalletJSONResponse {
	return WalletJSONResponse{
		WalletSnapshot: wallet.Snapshot,
		Stale:          wallet.Stale(),
		FetchedAt:      wallet.FetchedAt,
	}
}

func (h *handler) GetWallet(w http.ResponseWriter, r *http.Request) {
	userCode := auth.UserCode(r)

	wallet, err := h.service.GetWallet(r.Context(), userCode)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, walletResponse(wallet))
}

func (h *handler) PostWalletRefresh(w http.ResponseWriter, r *http.Request) {
	userCode := auth.UserCode(r)

	wallet, err := h.service.ForceRefresh(r.Context(), userCode)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, walletResponse(wallet))
}

// GetWalletEvents - server-sent events: текущий кошелек, затем каждое изменение
func (h *handler) GetWalletEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	userCode := auth.UserCode(r)

	// медленный клиент получает только последний кошелек
	updates := make(chan model.WalletSnapshot, 1)
	unsubscribe, err := h.service.OnWalletChange(userCode, func(snapshot model.WalletSnapshot) {
		for {
			select {
			case updates <- snapshot:
				return
			default:
			}
			select {
			case <-updates:
			default:
			}
		}
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	defer unsubscribe()

	wallet, err := h.service.GetWallet(r.Context(), userCode)
	if err != nil {
		h.writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	if err := writeEvent(w, walletResponse(wallet)); err != nil {
		return
	}
	flusher.Flush()
	// подписка оформлена до GetWallet, поэтому тот же кошелек может прийти и в updates
	sent := wallet.Snapshot.ComputedAt

	ticker := time.NewTicker(h.keepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case snapshot := <-updates:
			if !snapshot.ComputedAt.After(sent) {
				continue
			}
			sent = snapshot.ComputedAt
			resp := WalletJSONResponse{WalletSnapshot: snapshot, FetchedAt: snapshot.ComputedAt}
			if err := writeEvent(w, resp); err != nil {
				h.zaplog.Debug("wallet events stream closed", zap.Error(err))
				return
			}
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
		}
		flusher.Flush()
	}
}

func writeEvent(w http.ResponseWriter, resp WalletJSONResponse) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: wallet\ndata: %s\n\n", data)
	return err
}

type CollectionJSONResponse struct {
	ID            string                 `json:"id"`
	CustomerID    string                 `json:"customer_id,omitempty"`
	CollectorID   string                 `json:"collector_id,omitempty"`
	WeightKg      float64                `json:"weight_kg"`
	MonetaryValue decimal.Decimal        `json:"monetary_value"`
	Status        model.CollectionStatus `json:"status"`
	MaterialType  string                 `json:"material_type,omitempty"`
	CreatedAt     time.Time              `json:"created_at"`
	ApprovedAt    *time.Time             `json:"approved_at,omitempty"`
}

// GetCollections - история сдачи: ?from=&to= (RFC 3339 или YYYY-MM-DD), ?role=
func (h *handler) GetCollections(w http.ResponseWriter, r *http.Request) {
	userCode := auth.UserCode(r)
	query := r.URL.Query()

	filter := model.RecordFilter{UserID: userCode, Role: model.Role(query.Get("role"))}
	if filter.Role != "" && !filter.Role.Valid() {
		http.Error(w, "bad role", http.StatusBadRequest)
		return
	}
	var err error
	if filter.From, err = parseTime(query.Get("from")); err != nil {
		http.Error(w, "bad from: "+err.Error(), http.StatusBadRequest)
		return
	}
	if filter.To, err = parseTime(query.Get("to")); err != nil {
		http.Error(w, "bad to: "+err.Error(), http.StatusBadRequest)
		return
	}

	records, err := h.service.Collections(r.Context(), filter)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if len(records) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	recordsJSON := make([]CollectionJSONResponse, 0, len(records))
	for _, rec := range records {
		recordsJSON = append(recordsJSON, CollectionJSONResponse{
			ID:            rec.ID,
			CustomerID:    rec.CustomerID,
			CollectorID:   rec.CollectorID,
			WeightKg:      rec.WeightKg,
			MonetaryValue: rec.MonetaryValue,
			Status:        rec.Status,
			MaterialType:  rec.MaterialType,
			CreatedAt:     rec.CreatedAt,
			ApprovedAt:    rec.ApprovedAt,
		})
	}
	h.writeJSON(w, recordsJSON)
}

func parseTime(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t.UTC(), nil
	}
	return time.Parse(time.DateOnly, value)
}

type TierJSONResponse struct {
	Name        model.Tier `json:"name"`
	MinWeightKg float64    `json:"min_weight_kg"`
	MaxWeightKg *float64   `json:"max_weight_kg,omitempty"` // нет у верхнего уровня
}

func (h *handler) GetTiers(w http.ResponseWriter, r *http.Request) {
	bands := tier.Tiers()
	tiersJSON := make([]TierJSONResponse, 0, len(bands))
	for _, band := range bands {
		resp := TierJSONResponse{Name: band.Tier, MinWeightKg: band.Lo}
		if !math.IsInf(band.Hi, 1) {
			hi := band.Hi
			resp.MaxWeightKg = &hi
		}
		tiersJSON = append(tiersJSON, resp)
	}
	h.writeJSON(w, tiersJSON)
}

func (h *handler) writeJSON(w http.ResponseWriter, v any) {
	responseJSON, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(responseJSON)
}

func (h *handler) writeError(w http.ResponseWriter, err error) {
	var aggErr *balance.AggregationError
	switch {
	case errors.Is(err, service.ErrInsufficientData):
		http.Error(w, err.Error(), http.StatusUnauthorized)
	case errors.Is(err, service.ErrNotActiveUser):
		http.Error(w, err.Error(), http.StatusForbidden)
	case errors.Is(err, service.ErrUserChanged):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, store.ErrBadFilter), errors.Is(err, model.ErrInvalidInput):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.As(err, &aggErr),
		errors.Is(err, store.ErrTimeout),
		errors.Is(err, store.ErrNoSchema),
		errors.Is(err, store.ErrMalformedRecord),
		errors.Is(err, context.DeadlineExceeded):
		h.zaplog.Warn("wallet unavailable", zap.Error(err))
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	default:
		h.zaplog.Error("request failed", zap.Error(err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/iurnickita/ecowallet/internal/balance"
	"github.com/iurnickita/ecowallet/internal/cache"
	"github.com/iurnickita/ecowallet/internal/model"
	"github.com/iurnickita/ecowallet/internal/realtime"
	"github.com/iurnickita/ecowallet/internal/service/config"
	"github.com/iurnickita/ecowallet/internal/store"
)

const (
	DefaultSoftTimeout = 1500 * time.Millisecond
	DefaultHardTimeout = 10 * time.Second
	DefaultRetryDelay  = 500 * time.Millisecond
)

// Service - кошелек пользователя для потребителей (HTTP, CLI)
type Service interface {
	// GetWallet - из кэша или расчетом. Может вернуть устаревший кошелек (Wallet.Stale).
	GetWallet(ctx context.Context, userID string) (model.Wallet, error)
	// ForceRefresh - пересчет в обход кэша
	ForceRefresh(ctx context.Context, userID string) (model.Wallet, error)
	// OnWalletChange - подписка на новые кошельки пользователя
	OnWalletChange(userID string, fn func(model.WalletSnapshot)) (func(), error)
	// Collections - записи пользователя для истории
	Collections(ctx context.Context, filter model.RecordFilter) ([]model.CollectionRecord, error)
	SetActiveUser(userID string)
	Logout()
	Close()
}

var (
	ErrInsufficientData = errors.New("insufficient data")
	ErrNotActiveUser    = errors.New("user is not active")
	ErrUserChanged      = errors.New("user changed during refresh")
)

type listenerSet struct {
	fns        map[uint64]func(model.WalletSnapshot)
	handle     realtime.Handle
	subscribed bool
}

type service struct {
	cfg        config.Config
	role       model.Role
	store      store.Store
	aggregator balance.Aggregator
	cache      *cache.Cache
	syncer     *realtime.Syncer
	zaplog     *zap.Logger

	flights singleflight.Group
	bg      context.Context
	stop    context.CancelFunc

	mu        sync.Mutex
	enforced  bool // задан активный пользователь (клиентский режим)
	active    string
	listeners map[string]*listenerSet
	nextID    uint64
}

var _ realtime.Target = (*service)(nil)

// NewService - syncer может быть nil, тогда работает только чтение по запросу
func NewService(cfg config.Config, store store.Store, cache *cache.Cache, syncer *realtime.Syncer, zaplog *zap.Logger) (Service, error) {
	role := model.Role(cfg.Role)
	if role == "" {
		role = model.RoleCustomer
	}
	if !role.Valid() {
		return nil, fmt.Errorf("%w: role %q", model.ErrInvalidInput, cfg.Role)
	}
	if cfg.SoftTimeout <= 0 {
		cfg.SoftTimeout = DefaultSoftTimeout
	}
	if cfg.HardTimeout <= 0 {
		cfg.HardTimeout = DefaultHardTimeout
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}

	bg, stop := context.WithCancel(context.Background())
	service := service{
		cfg:        cfg,
		role:       role,
		store:      store,
		aggregator: balance.NewAggregator(store, nil),
		cache:      cache,
		syncer:     syncer,
		zaplog:     zaplog,
		bg:         bg,
		stop:       stop,
		listeners:  make(map[string]*listenerSet),
	}

	return &service, nil
}

func (service *service) GetWallet(ctx context.Context, userID string) (model.Wallet, error) {
	if err := service.check(userID); err != nil {
		return model.Wallet{}, err
	}

	if entry, ok := service.cache.Get(userID); ok {
		return walletOf(entry, model.WalletStateLive), nil
	}
	return service.await(ctx, userID, service.load(userID), true)
}

func (service *service) ForceRefresh(ctx context.Context, userID string) (model.Wallet, error) {
	if err := service.check(userID); err != nil {
		return model.Wallet{}, err
	}

	service.cache.Invalidate(userID)
	return service.await(ctx, userID, service.load(userID), false)
}

func (service *service) Collections(ctx context.Context, filter model.RecordFilter) ([]model.CollectionRecord, error) {
	if err := service.check(filter.UserID); err != nil {
		return nil, err
	}
	if filter.Role == "" {
		filter.Role = service.role
	}
	if !filter.From.IsZero() && !filter.To.IsZero() && !filter.From.Before(filter.To) {
		return nil, fmt.Errorf("%w: empty period", store.ErrBadFilter)
	}

	ctx, cancel := context.WithTimeout(ctx, service.cfg.HardTimeout)
	defer cancel()
	return service.store.CollectionList(ctx, filter)
}

func (service *service) check(userID string) error {
	if userID == "" {
		return ErrInsufficientData
	}

	service.mu.Lock()
	defer service.mu.Unlock()
	if service.enforced && userID != service.active {
		return ErrNotActiveUser
	}
	return nil
}

// load - один расчет на пользователя и поколение кэша.
// Повторный запрос во время расчета присоединяется к нему.
func (service *service) load(userID string) <-chan singleflight.Result {
	gen := service.cache.Generation(userID)
	key := userID + "#" + strconv.FormatUint(gen, 10)
	return service.flights.DoChan(key, func() (any, error) {
		return service.fetch(userID, gen)
	})
}

func (service *service) fetch(userID string, gen uint64) (model.WalletSnapshot, error) {
	ctx, cancel := context.WithTimeout(service.bg, service.cfg.HardTimeout)
	defer cancel()

	filter := model.RecordFilter{UserID: userID, Role: service.role}
	snapshot, err := service.aggregator.Aggregate(ctx, filter)

	var aggErr *balance.AggregationError
	if errors.As(err, &aggErr) && retryable(err) && ctx.Err() == nil {
		service.zaplog.Warn("wallet aggregation failed, retrying",
			zap.String("user", userID),
			zap.Error(err))
		timer := time.NewTimer(service.cfg.RetryDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return model.WalletSnapshot{}, err
		case <-timer.C:
		}
		snapshot, err = service.aggregator.Aggregate(ctx, filter)
	}
	if err != nil {
		return model.WalletSnapshot{}, err
	}

	if !service.cache.PutIfCurrent(userID, gen, snapshot) {
		if service.cache.Generation(userID) != gen {
			service.zaplog.Debug("wallet result dropped",
				zap.String("user", userID),
				zap.Uint64("generation", gen))
			return model.WalletSnapshot{}, ErrUserChanged
		}
		// в кэше уже более новый кошелек
		if entry, ok := service.cache.Peek(userID); ok {
			return entry.Snapshot, nil
		}
	}

	service.publish(userID, snapshot)
	return snapshot, nil
}

// retryable - битые записи и неверный фильтр повтором не исправить
func retryable(err error) bool {
	return !errors.Is(err, store.ErrMalformedRecord) && !errors.Is(err, store.ErrBadFilter)
}

// await - ожидание расчета. soft - по истечении SoftTimeout отдать устаревший кошелек,
// расчет при этом продолжается и по готовности уходит подписчикам.
func (service *service) await(ctx context.Context, userID string, ch <-chan singleflight.Result, soft bool) (model.Wallet, error) {
	var softC <-chan time.Time
	if soft {
		timer := time.NewTimer(service.cfg.SoftTimeout)
		defer timer.Stop()
		softC = timer.C
	}

	for {
		select {
		case res := <-ch:
			if res.Err != nil {
				return service.fallback(userID, res.Err)
			}
			snapshot := res.Val.(model.WalletSnapshot)
			return model.Wallet{Snapshot: snapshot, State: model.WalletStateLive, FetchedAt: snapshot.ComputedAt}, nil
		case <-softC:
			if entry, ok := service.cache.Peek(userID); ok {
				return walletOf(entry, model.WalletStateStale), nil
			}
			// нечего показать, ждем дальше
			softC = nil
		case <-ctx.Done():
			return model.Wallet{}, ctx.Err()
		}
	}
}

// fallback - при отказе хранилища показываем прежний кошелек, если он есть
func (service *service) fallback(userID string, err error) (model.Wallet, error) {
	var aggErr *balance.AggregationError
	if errors.As(err, &aggErr) {
		if entry, ok := service.cache.Peek(userID); ok {
			service.zaplog.Warn("serving stale wallet",
				zap.String("user", userID),
				zap.Error(err))
			return walletOf(entry, model.WalletStateStale), nil
		}
	}
	return model.Wallet{}, err
}

func walletOf(entry cache.Entry, state model.WalletState) model.Wallet {
	return model.Wallet{Snapshot: entry.Snapshot, State: state, FetchedAt: entry.FetchedAt}
}

// Invalidate - реакция на уведомление об изменении записей
func (service *service) Invalidate(userID string) {
	service.cache.Invalidate(userID)
}

// Refresh - фоновый пересчет, результат уходит подписчикам.
// Каждое уведомление инвалидирует запись, поэтому свежая запись значит,
// что после последнего уведомления кошелек уже пересчитан (например, ручным обновлением).
func (service *service) Refresh(userID string) {
	if _, ok := service.cache.Get(userID); ok {
		service.zaplog.Debug("wallet refresh skipped", zap.String("user", userID))
		return
	}
	ch := service.load(userID)
	service.zaplog.Debug("wallet refresh scheduled", zap.String("user", userID))

	go func() {
		res := <-ch
		if res.Err != nil && !errors.Is(res.Err, ErrUserChanged) {
			service.zaplog.Warn("wallet refresh failed",
				zap.String("user", userID),
				zap.Error(res.Err))
		}
	}()
}

func (service *service) OnWalletChange(userID string, fn func(model.WalletSnapshot)) (func(), error) {
	if err := service.check(userID); err != nil {
		return nil, err
	}
	if fn == nil {
		return nil, ErrInsufficientData
	}

	service.mu.Lock()
	set, ok := service.listeners[userID]
	if !ok {
		set = &listenerSet{fns: make(map[uint64]func(model.WalletSnapshot))}
		if service.syncer != nil {
			set.handle = service.syncer.Subscribe(model.RecordFilter{UserID: userID, Role: service.role}, service)
			set.subscribed = true
		}
		service.listeners[userID] = set
	}
	service.nextID++
	id := service.nextID
	set.fns[id] = fn
	service.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { service.removeListener(userID, id) })
	}, nil
}

func (service *service) removeListener(userID string, id uint64) {
	service.mu.Lock()
	set, ok := service.listeners[userID]
	if !ok {
		service.mu.Unlock()
		return
	}
	delete(set.fns, id)
	// последний подписчик - подписка на канал больше не нужна
	var handles []realtime.Handle
	if len(set.fns) == 0 {
		delete(service.listeners, userID)
		if set.subscribed {
			handles = append(handles, set.handle)
		}
	}
	service.mu.Unlock()

	service.unsubscribe(handles)
}

func (service *service) publish(userID string, snapshot model.WalletSnapshot) {
	service.mu.Lock()
	set, ok := service.listeners[userID]
	if !ok {
		service.mu.Unlock()
		return
	}
	fns := make([]func(model.WalletSnapshot), 0, len(set.fns))
	for _, fn := range set.fns {
		fns = append(fns, fn)
	}
	service.mu.Unlock()

	for _, fn := range fns {
		fn(snapshot)
	}
}

// SetActiveUser - смена пользователя: кэш и подписки прежнего сбрасываются
func (service *service) SetActiveUser(userID string) {
	service.mu.Lock()
	if service.enforced && service.active == userID {
		service.mu.Unlock()
		return
	}
	service.enforced = true
	service.active = userID
	handles := service.detach(func(uid string) bool { return uid != userID })
	service.mu.Unlock()

	service.cache.InvalidateAll()
	service.unsubscribe(handles)
	service.zaplog.Info("active user changed", zap.String("user", userID))
}

func (service *service) Logout() {
	service.SetActiveUser("")
}

func (service *service) Close() {
	service.mu.Lock()
	handles := service.detach(func(string) bool { return true })
	service.mu.Unlock()

	service.unsubscribe(handles)
	service.stop()
}

// detach - убрать наборы подписчиков под блокировкой, вернуть их подписки
func (service *service) detach(drop func(userID string) bool) []realtime.Handle {
	var handles []realtime.Handle
	for uid, set := range service.listeners {
		if !drop(uid) {
			continue
		}
		delete(service.listeners, uid)
		if set.subscribed {
			handles = append(handles, set.handle)
		}
	}
	return handles
}

func (service *service) unsubscribe(handles []realtime.Handle) {
	for _, handle := range handles {
		if err := service.syncer.Unsubscribe(handle); err != nil {
			service.zaplog.Debug("unsubscribe", zap.Error(err))
		}
	}
}

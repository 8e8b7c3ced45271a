package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/iurnickita/ecowallet/internal/balance"
	"github.com/iurnickita/ecowallet/internal/cache"
	cacheConfig "github.com/iurnickita/ecowallet/internal/cache/config"
	"github.com/iurnickita/ecowallet/internal/model"
	"github.com/iurnickita/ecowallet/internal/realtime"
	realtimeConfig "github.com/iurnickita/ecowallet/internal/realtime/config"
	"github.com/iurnickita/ecowallet/internal/service/config"
	"github.com/iurnickita/ecowallet/internal/store"
	"github.com/iurnickita/ecowallet/internal/store/memory"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

var errDown = errors.New("connection refused")

// gatedStore - хранилище, отвечающее только после открытия gate
type gatedStore struct {
	*memory.DB
	gate     chan struct{}
	started  chan struct{}
	failures atomic.Int32 // столько первых запросов завершатся ошибкой
}

func newGatedStore(records ...model.CollectionRecord) *gatedStore {
	return &gatedStore{DB: memory.New(records...), started: make(chan struct{}, 16)}
}

func (g *gatedStore) CollectionList(ctx context.Context, filter model.RecordFilter) ([]model.CollectionRecord, error) {
	g.started <- struct{}{}
	if g.gate != nil {
		select {
		case <-g.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if g.failures.Add(-1) >= 0 {
		g.DB.CollectionList(ctx, filter)
		return nil, errDown
	}
	return g.DB.CollectionList(ctx, filter)
}

func (g *gatedStore) waitStarted(t *testing.T) {
	t.Helper()
	select {
	case <-g.started:
	case <-time.After(waitFor):
		t.Fatal("store was not queried")
	}
}

func rec(id, user string, weight float64, status model.CollectionStatus) model.CollectionRecord {
	return model.CollectionRecord{
		ID:            id,
		CustomerID:    user,
		CollectorID:   "collector",
		WeightKg:      weight,
		MonetaryValue: decimal.NewFromFloat(weight * 5),
		Status:        status,
		CreatedAt:     time.Now().Add(-time.Hour),
	}
}

func testConfig() config.Config {
	return config.Config{
		Role:        string(model.RoleCustomer),
		SoftTimeout: 30 * time.Millisecond,
		HardTimeout: waitFor,
		RetryDelay:  10 * time.Millisecond,
	}
}

func newTestService(t *testing.T, st *gatedStore, syncer *realtime.Syncer, zaplog *zap.Logger) *service {
	t.Helper()
	if zaplog == nil {
		zaplog = zap.NewNop()
	}
	svc, err := NewService(testConfig(), st, cache.New(cacheConfig.Config{}, nil), syncer, zaplog)
	require.NoError(t, err)
	t.Cleanup(svc.Close)
	return svc.(*service)
}

func TestNewServiceRejectsRole(t *testing.T) {
	cfg := testConfig()
	cfg.Role = "admin"
	_, err := NewService(cfg, memory.New(), cache.New(cacheConfig.Config{}, nil), nil, zap.NewNop())
	require.ErrorIs(t, err, model.ErrInvalidInput)
}

func TestGetWalletCachesResult(t *testing.T) {
	st := newGatedStore(rec("a", "u1", 5, model.CollectionStatusApproved))
	svc := newTestService(t, st, nil, nil)
	ctx := context.Background()

	wallet, err := svc.GetWallet(ctx, "u1")
	require.NoError(t, err)
	require.False(t, wallet.Stale())
	require.Equal(t, int64(5), wallet.Snapshot.Points)

	_, err = svc.GetWallet(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, 1, st.Calls())

	// пересчет в обход кэша
	st.Put(rec("b", "u1", 3, model.CollectionStatusApproved))
	wallet, err = svc.ForceRefresh(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, int64(8), wallet.Snapshot.Points)
	require.Equal(t, 2, st.Calls())

	_, err = svc.GetWallet(ctx, "")
	require.ErrorIs(t, err, ErrInsufficientData)
}

func TestGetWalletSingleFlight(t *testing.T) {
	st := newGatedStore(rec("a", "u1", 5, model.CollectionStatusApproved))
	st.gate = make(chan struct{})
	svc := newTestService(t, st, nil, nil)

	var wg sync.WaitGroup
	wallets := make([]model.Wallet, 2)
	errs := make([]error, 2)
	for i := range wallets {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			wallets[i], errs[i] = svc.GetWallet(context.Background(), "u1")
		}(i)
	}

	st.waitStarted(t)
	// дольше soft timeout: устаревшего кошелька нет, оба ждут расчета
	time.Sleep(60 * time.Millisecond)
	close(st.gate)
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	require.Equal(t, wallets[0].Snapshot, wallets[1].Snapshot)
	require.Equal(t, 1, st.Calls())
}

func TestGetWalletRetriesOnce(t *testing.T) {
	st := newGatedStore(rec("a", "u1", 5, model.CollectionStatusApproved))
	st.failures.Store(1)
	svc := newTestService(t, st, nil, nil)

	wallet, err := svc.GetWallet(context.Background(), "u1")
	require.NoError(t, err)
	require.Equal(t, int64(5), wallet.Snapshot.Points)
	require.Equal(t, 2, st.Calls())
}

func TestGetWalletNoRetryOnMalformed(t *testing.T) {
	for _, failure := range []error{
		fmt.Errorf("%w: record a: weight_kg is negative", store.ErrMalformedRecord),
		fmt.Errorf("%w: empty user id", store.ErrBadFilter),
	} {
		st := newGatedStore()
		st.Fail(failure)
		svc := newTestService(t, st, nil, nil)

		_, err := svc.GetWallet(context.Background(), "u1")
		require.ErrorIs(t, err, failure)
		require.Equal(t, 1, st.Calls())
	}
}

func TestGetWalletFailsWithoutEntry(t *testing.T) {
	st := newGatedStore()
	st.failures.Store(2)
	svc := newTestService(t, st, nil, nil)

	_, err := svc.GetWallet(context.Background(), "u1")
	var aggErr *balance.AggregationError
	require.ErrorAs(t, err, &aggErr)
	require.ErrorIs(t, err, errDown)
	require.Equal(t, 0, svc.cache.Len())
}

func TestGetWalletServesStaleOnFailure(t *testing.T) {
	st := newGatedStore(rec("a", "u1", 5, model.CollectionStatusApproved))
	svc := newTestService(t, st, nil, nil)
	ctx := context.Background()

	_, err := svc.GetWallet(ctx, "u1")
	require.NoError(t, err)

	svc.Invalidate("u1")
	st.failures.Store(2)

	wallet, err := svc.GetWallet(ctx, "u1")
	require.NoError(t, err)
	require.True(t, wallet.Stale())
	require.Equal(t, int64(5), wallet.Snapshot.Points)
	require.Eventually(t, func() bool { return st.Calls() == 3 }, waitFor, tick)
}

func TestGetWalletSoftTimeout(t *testing.T) {
	st := newGatedStore(rec("a", "u1", 5, model.CollectionStatusApproved))
	svc := newTestService(t, st, nil, nil)
	ctx := context.Background()

	_, err := svc.GetWallet(ctx, "u1")
	require.NoError(t, err)
	st.waitStarted(t)

	updates := make(chan model.WalletSnapshot, 1)
	unsubscribe, err := svc.OnWalletChange("u1", func(s model.WalletSnapshot) { updates <- s })
	require.NoError(t, err)
	defer unsubscribe()

	st.gate = make(chan struct{})
	st.Put(rec("b", "u1", 10, model.CollectionStatusApproved))
	svc.Invalidate("u1")

	// хранилище медлит - сразу после soft timeout показываем прежний кошелек
	wallet, err := svc.GetWallet(ctx, "u1")
	require.NoError(t, err)
	require.True(t, wallet.Stale())
	require.Equal(t, int64(5), wallet.Snapshot.Points)

	// расчет продолжается и доходит до подписчика
	close(st.gate)
	select {
	case snapshot := <-updates:
		require.Equal(t, int64(15), snapshot.Points)
	case <-time.After(waitFor):
		t.Fatal("no wallet update")
	}

	wallet, err = svc.GetWallet(ctx, "u1")
	require.NoError(t, err)
	require.False(t, wallet.Stale())
	require.Equal(t, int64(15), wallet.Snapshot.Points)
}

func TestUserSwitchDropsInflightResult(t *testing.T) {
	st := newGatedStore(rec("a", "u1", 5, model.CollectionStatusApproved))
	st.gate = make(chan struct{})
	svc := newTestService(t, st, nil, nil)
	svc.SetActiveUser("u1")

	errc := make(chan error, 1)
	go func() {
		_, err := svc.GetWallet(context.Background(), "u1")
		errc <- err
	}()
	st.waitStarted(t)

	svc.SetActiveUser("u2")
	close(st.gate)

	select {
	case err := <-errc:
		require.ErrorIs(t, err, ErrUserChanged)
	case <-time.After(waitFor):
		t.Fatal("GetWallet did not return")
	}
	require.Equal(t, 0, svc.cache.Len())

	_, err := svc.GetWallet(context.Background(), "u1")
	require.ErrorIs(t, err, ErrNotActiveUser)
}

func TestLogout(t *testing.T) {
	st := newGatedStore(rec("a", "u1", 5, model.CollectionStatusApproved))
	svc := newTestService(t, st, nil, nil)
	svc.SetActiveUser("u1")

	_, err := svc.GetWallet(context.Background(), "u1")
	require.NoError(t, err)
	require.Equal(t, 1, svc.cache.Len())

	svc.Logout()
	require.Equal(t, 0, svc.cache.Len())
	_, err = svc.GetWallet(context.Background(), "u1")
	require.ErrorIs(t, err, ErrNotActiveUser)
	_, err = svc.OnWalletChange("u1", func(model.WalletSnapshot) {})
	require.ErrorIs(t, err, ErrNotActiveUser)
}

func TestCollections(t *testing.T) {
	st := newGatedStore(
		rec("a", "u1", 5, model.CollectionStatusApproved),
		rec("b", "u2", 3, model.CollectionStatusApproved),
	)
	svc := newTestService(t, st, nil, nil)

	records, err := svc.Collections(context.Background(), model.RecordFilter{UserID: "u1"})
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, "a", records[0].ID)

	now := time.Now()
	_, err = svc.Collections(context.Background(), model.RecordFilter{UserID: "u1", From: now, To: now})
	require.Error(t, err)
}

// Сценарий: житель сдает вторсырье, сборщик подтверждает, кошелек обновляется сам
type fakeConn struct {
	events chan model.ChangeEvent
}

func (c *fakeConn) Events() <-chan model.ChangeEvent { return c.events }
func (c *fakeConn) Close() error                     { return nil }

type fakeChannel struct {
	conns chan *fakeConn
}

func (f *fakeChannel) Connect(context.Context, model.RecordFilter) (realtime.Conn, error) {
	c := &fakeConn{events: make(chan model.ChangeEvent, 16)}
	f.conns <- c
	return c, nil
}

func TestRealtimeRefresh(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	zaplog := zap.New(core)

	channel := &fakeChannel{conns: make(chan *fakeConn, 4)}
	syncer := realtime.NewSyncer(channel, realtimeConfig.Config{Debounce: 40 * time.Millisecond}, zaplog)

	st := newGatedStore(rec("a", "u1", 5, model.CollectionStatusApproved))
	svc := newTestService(t, st, syncer, zaplog)
	ctx := context.Background()

	wallet, err := svc.GetWallet(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, int64(5), wallet.Snapshot.Points)

	var mu sync.Mutex
	var got []model.WalletSnapshot
	unsubscribe, err := svc.OnWalletChange("u1", func(s model.WalletSnapshot) {
		mu.Lock()
		got = append(got, s)
		mu.Unlock()
	})
	require.NoError(t, err)

	var conn *fakeConn
	select {
	case conn = <-channel.conns:
	case <-time.After(waitFor):
		t.Fatal("no realtime connection")
	}

	// новая запись в статусе pending, затем подтверждение
	pending := rec("b", "u1", 10, model.CollectionStatusPending)
	st.Put(pending)
	conn.events <- model.ChangeEvent{Operation: model.OperationInsert, Record: pending}
	approved := pending
	approved.Status = model.CollectionStatusApproved
	st.Put(approved)
	conn.events <- model.ChangeEvent{Operation: model.OperationUpdate, Record: approved}
	// чужая запись
	conn.events <- model.ChangeEvent{Operation: model.OperationInsert, Record: rec("c", "u2", 1, model.CollectionStatusApproved)}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1 && got[0].Points == 15
	}, waitFor, tick)

	// одна серия уведомлений - один пересчет
	time.Sleep(100 * time.Millisecond)
	require.Equal(t, 1, logs.FilterMessage("wallet refresh scheduled").Len())

	wallet, err = svc.GetWallet(ctx, "u1")
	require.NoError(t, err)
	require.False(t, wallet.Stale())
	require.Equal(t, int64(15), wallet.Snapshot.Points)
	require.Equal(t, model.PickupCounts{Total: 2, Approved: 2}, wallet.Snapshot.PickupCounts)

	unsubscribe()
	unsubscribe()
	svc.mu.Lock()
	require.Empty(t, svc.listeners)
	svc.mu.Unlock()
}

func TestNotificationJoinsManualRefresh(t *testing.T) {
	channel := &fakeChannel{conns: make(chan *fakeConn, 4)}
	syncer := realtime.NewSyncer(channel, realtimeConfig.Config{Debounce: 40 * time.Millisecond}, zap.NewNop())

	st := newGatedStore(rec("a", "u1", 5, model.CollectionStatusApproved))
	st.gate = make(chan struct{})
	svc := newTestService(t, st, syncer, nil)

	var emitted atomic.Int32
	unsubscribe, err := svc.OnWalletChange("u1", func(model.WalletSnapshot) { emitted.Add(1) })
	require.NoError(t, err)
	defer unsubscribe()

	var conn *fakeConn
	select {
	case conn = <-channel.conns:
	case <-time.After(waitFor):
		t.Fatal("no realtime connection")
	}

	type result struct {
		wallet model.Wallet
		err    error
	}
	done := make(chan result, 1)
	go func() {
		wallet, err := svc.ForceRefresh(context.Background(), "u1")
		done <- result{wallet, err}
	}()
	st.waitStarted(t)

	// уведомление о вставке во время ручного пересчета
	pending := rec("b", "u1", 2, model.CollectionStatusPending)
	st.Put(pending)
	conn.events <- model.ChangeEvent{Operation: model.OperationInsert, Record: pending}
	// уведомление принято до завершения расчета, окно debounce еще открыто
	time.Sleep(15 * time.Millisecond)
	close(st.gate)

	select {
	case res := <-done:
		require.NoError(t, res.err)
		require.Equal(t, int64(5), res.wallet.Snapshot.Points)
	case <-time.After(waitFor):
		t.Fatal("ForceRefresh did not return")
	}

	// окно debounce истекло, второго расчета нет
	time.Sleep(150 * time.Millisecond)
	require.Equal(t, 1, st.Calls())
	require.Equal(t, int32(1), emitted.Load())

	// уведомление после ручного пересчета обрабатывается как обычно
	approved := pending
	approved.Status = model.CollectionStatusApproved
	st.Put(approved)
	conn.events <- model.ChangeEvent{Operation: model.OperationUpdate, Record: approved}

	require.Eventually(t, func() bool { return emitted.Load() == 2 }, waitFor, tick)
	require.Equal(t, 2, st.Calls())
	wallet, err := svc.GetWallet(context.Background(), "u1")
	require.NoError(t, err)
	require.Equal(t, int64(7), wallet.Snapshot.Points)
}

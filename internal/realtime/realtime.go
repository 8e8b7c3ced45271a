package realtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/iurnickita/ecowallet/internal/model"
	"github.com/iurnickita/ecowallet/internal/realtime/config"
)

const (
	DefaultDebounce     = 750 * time.Millisecond
	DefaultReconnectMin = 500 * time.Millisecond
	DefaultReconnectMax = 30 * time.Second
)

var ErrUnknownHandle = errors.New("unknown subscription handle")

// Channel - канал уведомлений об изменениях таблицы записей
type Channel interface {
	// Connect - подключение с фильтром по пользователю. Блокируется до установки соединения.
	Connect(ctx context.Context, filter model.RecordFilter) (Conn, error)
}

// Conn - установленное соединение. Events закрывается при обрыве.
type Conn interface {
	Events() <-chan model.ChangeEvent
	Close() error
}

// Target - получатель реакций подписки (кэш + пересчет). Методы не должны блокироваться.
type Target interface {
	Invalidate(userID string)
	Refresh(userID string)
}

// SubscriptionError - канал не подключился. Подписка уходит в RECONNECTING.
type SubscriptionError struct {
	UserID  string
	Attempt int
	Err     error
}

func (e *SubscriptionError) Error() string {
	return fmt.Sprintf("subscribe %s (attempt %d): %v", e.UserID, e.Attempt, e.Err)
}

func (e *SubscriptionError) Unwrap() error {
	return e.Err
}

type State int32

const (
	StateInactive State = iota
	StateSubscribing
	StateActive
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateInactive:
		return "INACTIVE"
	case StateSubscribing:
		return "SUBSCRIBING"
	case StateActive:
		return "ACTIVE"
	case StateReconnecting:
		return "RECONNECTING"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

type Handle = uuid.UUID

// Syncer - подписки на изменения записей пользователей
type Syncer struct {
	channel Channel
	cfg     config.Config
	zaplog  *zap.Logger

	mu   sync.Mutex
	subs map[Handle]*subscription
}

func NewSyncer(channel Channel, cfg config.Config, zaplog *zap.Logger) *Syncer {
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}
	if cfg.ReconnectMin <= 0 {
		cfg.ReconnectMin = DefaultReconnectMin
	}
	if cfg.ReconnectMax < cfg.ReconnectMin {
		cfg.ReconnectMax = max(DefaultReconnectMax, cfg.ReconnectMin)
	}
	return &Syncer{
		channel: channel,
		cfg:     cfg,
		zaplog:  zaplog,
		subs:    make(map[Handle]*subscription),
	}
}

// Subscribe - запустить подписку. Подключение идет в фоне.
func (s *Syncer) Subscribe(filter model.RecordFilter, target Target) Handle {
	ctx, cancel := context.WithCancel(context.Background())
	sub := &subscription{
		filter:  model.RecordFilter{UserID: filter.UserID, Role: filter.Role},
		channel: s.channel,
		target:  target,
		cfg:     s.cfg,
		zaplog:  s.zaplog.With(zap.String("user", filter.UserID)),
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	sub.debouncer = NewDebouncer(s.cfg.Debounce, func() { target.Refresh(filter.UserID) })
	sub.state.Store(int32(StateSubscribing))

	handle := uuid.New()
	s.mu.Lock()
	s.subs[handle] = sub
	s.mu.Unlock()

	go sub.run(ctx)
	return handle
}

// Unsubscribe - остановить подписку и дождаться завершения ее горутины
func (s *Syncer) Unsubscribe(handle Handle) error {
	s.mu.Lock()
	sub, ok := s.subs[handle]
	delete(s.subs, handle)
	s.mu.Unlock()

	if !ok {
		return ErrUnknownHandle
	}
	sub.stop()
	return nil
}

func (s *Syncer) UnsubscribeAll() {
	s.mu.Lock()
	subs := s.subs
	s.subs = make(map[Handle]*subscription)
	s.mu.Unlock()

	for _, sub := range subs {
		sub.stop()
	}
}

// State - состояние подписки. Для неизвестного handle - INACTIVE.
func (s *Syncer) State(handle Handle) State {
	s.mu.Lock()
	sub, ok := s.subs[handle]
	s.mu.Unlock()

	if !ok {
		return StateInactive
	}
	return sub.State()
}

package realtime

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/iurnickita/ecowallet/internal/model"
	"github.com/iurnickita/ecowallet/internal/realtime/config"
)

// subscription - одна подписка пользователя:
// INACTIVE -> SUBSCRIBING -> ACTIVE -> (обрыв) RECONNECTING -> ACTIVE | INACTIVE (отписка)
type subscription struct {
	filter    model.RecordFilter
	channel   Channel
	target    Target
	cfg       config.Config
	zaplog    *zap.Logger
	debouncer *Debouncer

	state  atomic.Int32
	cancel context.CancelFunc
	done   chan struct{}
}

func (sub *subscription) State() State {
	return State(sub.state.Load())
}

func (sub *subscription) setState(state State) {
	prev := State(sub.state.Swap(int32(state)))
	if prev != state {
		sub.zaplog.Debug("subscription state",
			zap.Stringer("from", prev),
			zap.Stringer("to", state))
	}
}

func (sub *subscription) stop() {
	sub.cancel()
	<-sub.done
}

func (sub *subscription) run(ctx context.Context) {
	defer close(sub.done)
	defer sub.setState(StateInactive)
	defer sub.debouncer.Stop()

	userID := sub.filter.UserID
	backoff := sub.cfg.ReconnectMin
	attempt := 0
	// после любого разрыва (или неудачных попыток) уведомления могли потеряться
	gap := false

	for {
		attempt++
		conn, err := sub.channel.Connect(ctx, sub.filter)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			sub.zaplog.Warn("realtime subscription failed",
				zap.Error(&SubscriptionError{UserID: userID, Attempt: attempt, Err: err}),
				zap.Duration("retry_in", backoff))
			sub.setState(StateReconnecting)
			gap = true
			if !sleep(ctx, backoff) {
				return
			}
			backoff = min(backoff*2, sub.cfg.ReconnectMax)
			continue
		}

		attempt = 0
		backoff = sub.cfg.ReconnectMin
		sub.setState(StateActive)
		if gap {
			sub.resync()
		}

		sub.consume(ctx, conn)
		conn.Close()
		if ctx.Err() != nil {
			return
		}

		sub.zaplog.Info("realtime connection lost, reconnecting")
		sub.setState(StateReconnecting)
		gap = true
	}
}

func (sub *subscription) consume(ctx context.Context, conn Conn) {
	userID := sub.filter.UserID
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-conn.Events():
			if !ok {
				return
			}
			if ev.Resync {
				sub.resync()
				continue
			}
			if !sub.filter.Match(ev.Record) {
				continue
			}
			sub.target.Invalidate(userID)
			sub.debouncer.Trigger()
		}
	}
}

// resync - принудительный пересчет без ожидания окна
func (sub *subscription) resync() {
	sub.debouncer.Cancel()
	sub.target.Invalidate(sub.filter.UserID)
	sub.target.Refresh(sub.filter.UserID)
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

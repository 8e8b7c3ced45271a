package pgnotify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/iurnickita/ecowallet/internal/model"
	"github.com/iurnickita/ecowallet/internal/realtime"
	"github.com/iurnickita/ecowallet/internal/realtime/config"
	"github.com/iurnickita/ecowallet/internal/store"
)

const (
	DefaultChannel = "collections_changes"
	connectTimeout = 10 * time.Second
	pingInterval   = 90 * time.Second
)

var ErrConnectTimeout = errors.New("listener connect timeout")

type payload struct {
	Operation string          `json:"operation"`
	Row       store.RawRecord `json:"row"`
}

// Channel - realtime.Channel поверх pq.Listener.
// Изменения таблицы collections из канала Postgres NOTIFY.
// Ожидаемый формат уведомления: {"operation": "INSERT", "row": {...строка collections...}}
// Пример триггера:
//
//	CREATE FUNCTION notify_collections() RETURNS trigger AS $$
//	BEGIN
//	  PERFORM pg_notify('collections_changes', json_build_object(
//	    'operation', TG_OP,
//	    'row', row_to_json(COALESCE(NEW, OLD)))::text);
//	  RETURN NULL;
//	END $$ LANGUAGE plpgsql;
type Channel struct {
	dsn     string
	channel string
	minWait time.Duration
	maxWait time.Duration
	zaplog  *zap.Logger
}

var _ realtime.Channel = (*Channel)(nil)

func New(cfg config.Config, zaplog *zap.Logger) *Channel {
	channel := cfg.Channel
	if channel == "" {
		channel = DefaultChannel
	}
	minWait, maxWait := cfg.ReconnectMin, cfg.ReconnectMax
	if minWait <= 0 {
		minWait = realtime.DefaultReconnectMin
	}
	if maxWait < minWait {
		maxWait = max(realtime.DefaultReconnectMax, minWait)
	}
	return &Channel{
		dsn:     cfg.DBDsn,
		channel: channel,
		minWait: minWait,
		maxWait: maxWait,
		zaplog:  zaplog,
	}
}

func (c *Channel) Connect(ctx context.Context, filter model.RecordFilter) (realtime.Conn, error) {
	lost := make(chan struct{})
	var lostOnce sync.Once

	zaplog := c.zaplog.With(zap.String("channel", c.channel), zap.String("user", filter.UserID))
	listener := pq.NewListener(c.dsn, c.minWait, c.maxWait, func(ev pq.ListenerEventType, err error) {
		switch ev {
		case pq.ListenerEventDisconnected:
			zaplog.Warn("listener disconnected", zap.Error(err))
			lostOnce.Do(func() { close(lost) })
		case pq.ListenerEventConnectionAttemptFailed:
			zaplog.Debug("listener connection attempt failed", zap.Error(err))
		}
	})

	// Listen блокируется до установки соединения
	listened := make(chan error, 1)
	go func() { listened <- listener.Listen(c.channel) }()

	timer := time.NewTimer(connectTimeout)
	defer timer.Stop()
	select {
	case err := <-listened:
		if err != nil {
			listener.Close()
			return nil, err
		}
	case <-ctx.Done():
		listener.Close()
		return nil, ctx.Err()
	case <-timer.C:
		listener.Close()
		return nil, ErrConnectTimeout
	}

	conn := &conn{
		listener: listener,
		events:   make(chan model.ChangeEvent, 64),
		closing:  make(chan struct{}),
		zaplog:   zaplog,
	}
	go conn.pump(filter, lost)
	return conn, nil
}

type conn struct {
	listener  *pq.Listener
	events    chan model.ChangeEvent
	closing   chan struct{}
	closeOnce sync.Once
	zaplog    *zap.Logger
}

func (c *conn) Events() <-chan model.ChangeEvent {
	return c.events
}

func (c *conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closing)
		err = c.listener.Close()
	})
	return err
}

func (c *conn) pump(filter model.RecordFilter, lost <-chan struct{}) {
	defer close(c.events)

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.closing:
			return
		case <-lost:
			return
		case <-ticker.C:
			go ping(c.listener, c.zaplog)
		case n, ok := <-c.listener.Notify:
			if !ok {
				return
			}
			// nil - listener переподключился сам, уведомления могли потеряться
			if n == nil {
				if !c.send(model.ChangeEvent{Resync: true}) {
					return
				}
				continue
			}
			ev, err := ParsePayload(n.Extra)
			if err != nil {
				c.zaplog.Warn("bad notification payload", zap.Error(err))
				continue
			}
			if !filter.Match(ev.Record) {
				continue
			}
			if !c.send(ev) {
				return
			}
		}
	}
}

type pinger interface {
	Ping() error
}

// ping - проверка соединения, обрыв listener обнаружит сам
func ping(listener pinger, zaplog *zap.Logger) {
	if err := listener.Ping(); err != nil {
		zaplog.Debug("listener ping failed", zap.Error(err))
	}
}

func (c *conn) send(ev model.ChangeEvent) bool {
	select {
	case c.events <- ev:
		return true
	case <-c.closing:
		return false
	}
}

// ParsePayload - разбор уведомления через ту же границу типизации, что и выборка
func ParsePayload(extra string) (model.ChangeEvent, error) {
	var p payload
	if err := json.Unmarshal([]byte(extra), &p); err != nil {
		return model.ChangeEvent{}, fmt.Errorf("%w: %w", store.ErrMalformedRecord, err)
	}

	op := model.Operation(strings.ToLower(p.Operation))
	switch op {
	case model.OperationInsert, model.OperationUpdate, model.OperationDelete:
	default:
		return model.ChangeEvent{}, fmt.Errorf("unknown operation %q", p.Operation)
	}

	rec, err := store.ParseRecord(p.Row)
	if err != nil {
		return model.ChangeEvent{}, err
	}
	return model.ChangeEvent{Operation: op, Record: rec}, nil
}

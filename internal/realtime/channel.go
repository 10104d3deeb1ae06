// Package realtime поддерживает websocket-подписку на комнату заказа и выдаёт push-события как сигналы.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/mmeshcher/ordersync/internal/model"
)

// State описывает состояние соединения канала.
type State string

const (
	StateConnecting State = "connecting"
	StateConnected  State = "connected"
	StateClosed     State = "closed"
)

var errClosing = errors.New("channel closing")

// Options задаёт параметры подключения.
type Options struct {
	Header           http.Header
	HandshakeTimeout time.Duration
	BackoffBase      time.Duration
	BackoffMax       time.Duration
	Logger           *zap.Logger
	Now              func() time.Time
}

// Channel представляет websocket-подписку на комнату одного заказа. Принадлежит одному экрану
// и должен быть закрыт через Close на любом пути выхода.
type Channel struct {
	url     string
	orderID string
	opts    Options
	dialer  *websocket.Dialer
	logger  *zap.Logger

	signals chan model.Signal
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}

	mu      sync.Mutex
	conn    *websocket.Conn
	state   State
	closing bool

	closeOnce sync.Once
}

// Dial открывает канал для заказа orderID. Подключение и повторные попытки идут в фоне;
// ошибка соединения не фатальна.
func Dial(ctx context.Context, url, orderID string, opts Options) *Channel {
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 5 * time.Second
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = 500 * time.Millisecond
	}
	if opts.BackoffMax <= 0 {
		opts.BackoffMax = 30 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	runCtx, cancel := context.WithCancel(ctx)
	c := &Channel{
		url:     url,
		orderID: orderID,
		opts:    opts,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: opts.HandshakeTimeout,
		},
		logger:  logger.With(zap.String("order", orderID)),
		signals: make(chan model.Signal, 16),
		ctx:     runCtx,
		cancel:  cancel,
		done:    make(chan struct{}),
		state:   StateConnecting,
	}

	go c.run()

	return c
}

// OrderID возвращает заказ, на комнату которого подписан канал.
func (c *Channel) OrderID() string {
	return c.orderID
}

// Signals возвращает поток сигналов. Канал закрывается после Close.
func (c *Channel) Signals() <-chan model.Signal {
	return c.signals
}

// Done закрывается после остановки фонового цикла.
func (c *Channel) Done() <-chan struct{} {
	return c.done
}

// State возвращает текущее состояние соединения.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Close покидает комнату, закрывает соединение и дожидается остановки цикла. Повторный вызов безопасен.
func (c *Channel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closing = true
		conn := c.conn
		if conn != nil {
			err = c.writeFrame(conn, Frame{Event: EventLeave, Room: c.orderID})
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
		}
		c.mu.Unlock()

		c.cancel()
		if conn != nil {
			_ = conn.Close()
		}
		<-c.done
	})
	if err != nil {
		return fmt.Errorf("leave room: %w", err)
	}
	return nil
}

func (c *Channel) writeFrame(conn *websocket.Conn, f Frame) error {
	_ = conn.SetWriteDeadline(time.Now().Add(time.Second))
	return conn.WriteJSON(f)
}

func (c *Channel) run() {
	defer close(c.done)
	defer close(c.signals)
	defer func() {
		c.mu.Lock()
		c.state = StateClosed
		c.mu.Unlock()
	}()

	for c.ctx.Err() == nil {
		conn, err := c.connect()
		if err != nil {
			return
		}

		err = c.readLoop(conn)

		c.mu.Lock()
		c.conn = nil
		if !c.closing {
			c.state = StateConnecting
		}
		c.mu.Unlock()
		_ = conn.Close()

		if c.ctx.Err() != nil {
			return
		}
		c.logger.Warn("push channel disconnected, reconnecting", zap.Error(err))
	}
}

// connect подключается и входит в комнату, повторяя попытки с экспоненциальной задержкой.
// Возвращает ошибку только при закрытии канала.
func (c *Channel) connect() (*websocket.Conn, error) {
	b := retry.NewExponential(c.opts.BackoffBase)
	b = retry.WithCappedDuration(c.opts.BackoffMax, b)
	b = retry.WithJitterPercent(20, b)

	var conn *websocket.Conn
	err := retry.Do(c.ctx, b, func(ctx context.Context) error {
		ws, resp, err := c.dialer.DialContext(ctx, c.url, c.opts.Header)
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}
		if err != nil {
			c.logger.Debug("push channel dial failed", zap.Error(err))
			return retry.RetryableError(err)
		}

		c.mu.Lock()
		defer c.mu.Unlock()
		if c.closing {
			_ = ws.Close()
			return errClosing
		}
		if err := c.writeFrame(ws, Frame{Event: EventJoin, Room: c.orderID}); err != nil {
			_ = ws.Close()
			c.logger.Debug("join room failed", zap.Error(err))
			return retry.RetryableError(err)
		}
		_ = ws.SetWriteDeadline(time.Time{})
		c.conn = ws
		c.state = StateConnected
		conn = ws
		return nil
	})
	if err != nil {
		return nil, err
	}

	c.logger.Debug("joined order room")
	return conn, nil
}

func (c *Channel) readLoop(conn *websocket.Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.logger.Debug("malformed push frame", zap.Error(err))
			continue
		}

		sig, ok := decodeFrame(f, c.orderID, c.opts.Now())
		if !ok {
			c.logger.Debug("push event ignored", zap.String("event", f.Event))
			continue
		}

		select {
		case c.signals <- sig:
		case <-c.ctx.Done():
			return c.ctx.Err()
		}
	}
}

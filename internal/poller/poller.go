// Package poller реализует ограниченный по времени опрос статуса оплаты заказа.
package poller

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/ordersync/internal/model"
)

const (
	DefaultInterval = 3 * time.Second
	DefaultTimeout  = 60 * time.Second
)

// StatusFetcher описывает источник авторитетного статуса заказа.
type StatusFetcher interface {
	GetOrderStatus(ctx context.Context, orderID string) (*model.OrderStatus, error)
}

// Sink получает каждый успешный ответ сразу, не дожидаясь окончания опроса.
type Sink func(model.OrderStatus)

// Options задаёт интервал и общий лимит времени опроса. Нулевые значения заменяются значениями по умолчанию.
type Options struct {
	Interval time.Duration
	Timeout  time.Duration
}

func (o Options) withDefaults(d Options) Options {
	if o.Interval <= 0 {
		o.Interval = d.Interval
	}
	if o.Timeout <= 0 {
		o.Timeout = d.Timeout
	}
	if o.Interval <= 0 {
		o.Interval = DefaultInterval
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	return o
}

// Result описывает итог опроса. Status содержит последний известный статус или nil, если ответов не было.
type Result struct {
	Status    *model.OrderStatus
	Attempts  int
	Terminal  bool
	TimedOut  bool
	Cancelled bool
}

// Handle представляет отменяемую задачу опроса одного заказа.
type Handle struct {
	orderID string
	cancel  context.CancelFunc
	done    chan struct{}
	result  Result
}

// OrderID возвращает идентификатор опрашиваемого заказа.
func (h *Handle) OrderID() string {
	return h.orderID
}

// Cancel останавливает опрос. Повторный вызов безопасен.
func (h *Handle) Cancel() {
	h.cancel()
}

// Done закрывается после завершения опроса.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Wait ждёт завершения опроса и возвращает его итог.
func (h *Handle) Wait(ctx context.Context) (Result, error) {
	select {
	case <-h.done:
		return h.result, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Result возвращает итог опроса; значение определено только после закрытия Done.
func (h *Handle) Result() Result {
	select {
	case <-h.done:
		return h.result
	default:
		return Result{}
	}
}

// Poller запускает опросы и следит, чтобы на один заказ приходился не более чем один активный опрос.
type Poller struct {
	fetcher  StatusFetcher
	defaults Options
	logger   *zap.Logger

	mu     sync.Mutex
	active map[string]*Handle
}

// New создаёт реестр опросов с параметрами по умолчанию.
func New(fetcher StatusFetcher, defaults Options, logger *zap.Logger) *Poller {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Poller{
		fetcher:  fetcher,
		defaults: defaults.withDefaults(Options{}),
		logger:   logger,
		active:   make(map[string]*Handle),
	}
}

// Start запускает опрос заказа. Активный опрос того же заказа отменяется и дожидается остановки
// до первого запроса нового, чтобы запросы по одному заказу не шли параллельно.
func (p *Poller) Start(ctx context.Context, orderID string, sink Sink, opts Options) *Handle {
	opts = opts.withDefaults(p.defaults)

	runCtx, cancel := context.WithCancel(ctx)
	h := &Handle{
		orderID: orderID,
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	p.mu.Lock()
	prev := p.active[orderID]
	p.active[orderID] = h
	p.mu.Unlock()

	if prev != nil {
		p.logger.Debug("replacing active poller", zap.String("order", orderID))
		prev.Cancel()
		<-prev.Done()
	}

	go p.run(runCtx, h, sink, opts)

	return h
}

// Stop отменяет активный опрос заказа, если он есть.
func (p *Poller) Stop(orderID string) {
	p.mu.Lock()
	h := p.active[orderID]
	p.mu.Unlock()

	if h != nil {
		h.Cancel()
		<-h.Done()
	}
}

// Active сообщает, идёт ли опрос заказа.
func (p *Poller) Active(orderID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.active[orderID]
	return ok
}

func (p *Poller) release(h *Handle) {
	p.mu.Lock()
	if p.active[h.orderID] == h {
		delete(p.active, h.orderID)
	}
	p.mu.Unlock()
}

func (p *Poller) run(cancelCtx context.Context, h *Handle, sink Sink, opts Options) {
	defer close(h.done)
	defer p.release(h)
	defer h.cancel()

	deadline := time.Now().Add(opts.Timeout)
	ctx, stop := context.WithDeadline(cancelCtx, deadline)
	defer stop()

	ticker := time.NewTicker(opts.Interval)
	defer ticker.Stop()

	log := p.logger.With(zap.String("order", h.orderID))

	for {
		h.result.Attempts++
		st, err := p.fetcher.GetOrderStatus(ctx, h.orderID)
		switch {
		case cancelCtx.Err() != nil:
			h.result.Cancelled = true
			return
		case err != nil:
			log.Debug("status poll failed", zap.Int("attempt", h.result.Attempts), zap.Error(err))
		default:
			last := *st
			h.result.Status = &last
			if sink != nil {
				sink(last)
			}
			if last.PaymentStatus.Terminal() {
				h.result.Terminal = true
				log.Debug("status poll reached terminal state", zap.String("payment", string(last.PaymentStatus)))
				return
			}
		}

		select {
		case <-ctx.Done():
			if cancelCtx.Err() != nil {
				h.result.Cancelled = true
			} else {
				h.result.TimedOut = true
			}
			return
		case <-ticker.C:
			if !time.Now().Before(deadline) {
				h.result.TimedOut = true
				return
			}
		}
	}
}

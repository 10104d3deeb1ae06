// Package reconcile сводит сигналы колбэка шлюза, опроса статуса и push-событий
// в единое монотонное представление заказа.
package reconcile

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/ordersync/internal/model"
)

// Outcome описывает результат применения сигнала по полям.
// Stale перечисляет поля, проигравшие сравнение по рангу и времени; это не ошибка.
type Outcome struct {
	Applied []model.Field
	Stale   []model.Field
}

// Changed сообщает, изменил ли сигнал хотя бы одно поле.
func (o Outcome) Changed() bool {
	return len(o.Applied) > 0
}

// Stats содержит счётчики применённых и отброшенных полей.
type Stats struct {
	Applied int
	Stale   int
	Foreign int
}

// Hook вызывается после каждого изменения представления в порядке изменений.
type Hook func(model.OrderView)

// Option настраивает Reconciler.
type Option func(*Reconciler)

// WithLogger задаёт логгер.
func WithLogger(l *zap.Logger) Option {
	return func(r *Reconciler) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithClock задаёт источник времени для сигналов без метки времени.
func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) {
		if now != nil {
			r.now = now
		}
	}
}

// WithHook добавляет обработчик изменений.
func WithHook(h Hook) Option {
	return func(r *Reconciler) {
		r.hooks = append(r.hooks, h)
	}
}

// Reconciler владеет OrderView одного заказа. Остальные компоненты только читают снимки
// и передают сигналы-кандидаты.
type Reconciler struct {
	orderID string
	logger  *zap.Logger
	now     func() time.Time
	hooks   []Hook

	mu      sync.Mutex
	view    model.OrderView
	fieldAt map[model.Field]time.Time
	stats   Stats
	subs    map[int]chan model.OrderView
	nextSub int
	closed  bool

	// hookMu сохраняет порядок вызова хуков равным порядку изменений.
	hookMu sync.Mutex
}

// New создаёт Reconciler с начальным представлением seed.
func New(seed model.OrderView, opts ...Option) *Reconciler {
	r := &Reconciler{
		orderID: seed.OrderID,
		logger:  zap.NewNop(),
		now:     time.Now,
		view:    normalizeSeed(seed),
		subs:    make(map[int]chan model.OrderView),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.fieldAt = map[model.Field]time.Time{
		model.FieldPayment:     r.view.LastUpdated,
		model.FieldFulfillment: r.view.LastUpdated,
		model.FieldRefund:      r.view.LastUpdated,
	}
	r.logger = r.logger.With(zap.String("order", r.orderID))
	return r
}

func normalizeSeed(v model.OrderView) model.OrderView {
	if !v.PaymentStatus.Valid() {
		v.PaymentStatus = model.PaymentPending
	}
	if !v.FulfillmentStatus.Valid() {
		v.FulfillmentStatus = model.FulfillmentPlaced
	}
	if !v.RefundStatus.Valid() {
		v.RefundStatus = model.RefundNone
	}
	if v.SourceOfTruth == "" {
		v.SourceOfTruth = model.SourceSeed
	}
	return v
}

// OrderID возвращает идентификатор заказа.
func (r *Reconciler) OrderID() string {
	return r.orderID
}

// View возвращает снимок текущего представления.
func (r *Reconciler) View() model.OrderView {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.view
}

// Stats возвращает счётчики слияния.
func (r *Reconciler) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

// PaymentTerminal сообщает, что ожидание оплаты завершено и опрос больше не нужен.
func (r *Reconciler) PaymentTerminal() bool {
	return r.View().PaymentStatus.Terminal()
}

// FulfillmentTerminal сообщает, что заказ доставлен или отменён.
func (r *Reconciler) FulfillmentTerminal() bool {
	return r.View().FulfillmentStatus.Terminal()
}

type status[S any] interface {
	comparable
	Valid() bool
	Allows(S) bool
}

// accept реализует правило слияния одного поля: переход вверх по частичному порядку
// либо то же значение со строго более новой меткой времени.
func accept[S status[S]](cur, in S, curAt, inAt time.Time) bool {
	if !in.Valid() {
		return false
	}
	if in == cur {
		return inAt.After(curAt)
	}
	return cur.Allows(in)
}

// Apply применяет сигнал-кандидат. Каждое поле сливается независимо, поэтому итог
// не зависит от порядка прихода сигналов.
func (r *Reconciler) Apply(sig model.Signal) Outcome {
	var out Outcome

	r.mu.Lock()
	if sig.OrderID != "" && sig.OrderID != r.orderID {
		r.stats.Foreign++
		r.mu.Unlock()
		return out
	}
	if sig.At.IsZero() {
		sig.At = r.now()
	}

	next := r.view

	if sig.Payment != nil {
		if accept(next.PaymentStatus, *sig.Payment, r.fieldAt[model.FieldPayment], sig.At) {
			next.PaymentStatus = *sig.Payment
			next.SourceOfTruth = sig.Source
			r.fieldAt[model.FieldPayment] = sig.At
			out.Applied = append(out.Applied, model.FieldPayment)
		} else {
			out.Stale = append(out.Stale, model.FieldPayment)
		}
	}

	fulfillmentApplied := false
	if sig.Fulfillment != nil {
		if accept(next.FulfillmentStatus, *sig.Fulfillment, r.fieldAt[model.FieldFulfillment], sig.At) {
			next.FulfillmentStatus = *sig.Fulfillment
			r.fieldAt[model.FieldFulfillment] = sig.At
			out.Applied = append(out.Applied, model.FieldFulfillment)
			fulfillmentApplied = true
		} else {
			out.Stale = append(out.Stale, model.FieldFulfillment)
		}
	}
	if sig.TrackingNumber != "" && (fulfillmentApplied || next.TrackingNumber == "") {
		next.TrackingNumber = sig.TrackingNumber
	}

	refundApplied := false
	if sig.Refund != nil {
		if accept(next.RefundStatus, *sig.Refund, r.fieldAt[model.FieldRefund], sig.At) {
			next.RefundStatus = *sig.Refund
			r.fieldAt[model.FieldRefund] = sig.At
			out.Applied = append(out.Applied, model.FieldRefund)
			refundApplied = true
		} else {
			out.Stale = append(out.Stale, model.FieldRefund)
		}
	}
	if sig.RefundAmount > 0 && (refundApplied || next.RefundAmount == 0) {
		next.RefundAmount = sig.RefundAmount
	}

	changed := next != r.view
	if changed && sig.At.After(next.LastUpdated) {
		next.LastUpdated = sig.At
	}

	r.stats.Applied += len(out.Applied)
	r.stats.Stale += len(out.Stale)

	if len(out.Stale) > 0 {
		r.logger.Debug("stale signal fields dropped",
			zap.String("source", string(sig.Source)),
			zap.Any("fields", out.Stale),
		)
	}

	if !changed {
		r.mu.Unlock()
		return out
	}

	r.view = next
	r.broadcast(next)

	r.hookMu.Lock()
	r.mu.Unlock()
	for _, h := range r.hooks {
		h(next)
	}
	r.hookMu.Unlock()

	r.logger.Debug("order view updated",
		zap.String("source", string(sig.Source)),
		zap.String("payment", string(next.PaymentStatus)),
		zap.String("fulfillment", string(next.FulfillmentStatus)),
		zap.String("refund", string(next.RefundStatus)),
	)

	return out
}

// broadcast отдаёт подписчикам последнее значение, не блокируясь на медленных читателях.
// Вызывается под r.mu.
func (r *Reconciler) broadcast(v model.OrderView) {
	for _, ch := range r.subs {
		select {
		case ch <- v:
		default:
			select {
			case <-ch:
			default:
			}
			ch <- v
		}
	}
}

// Subscribe возвращает канал с текущим и последующими снимками представления.
// Медленный подписчик получает только самый свежий снимок. cancel закрывает канал.
func (r *Reconciler) Subscribe() (<-chan model.OrderView, func()) {
	ch := make(chan model.OrderView, 1)

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		close(ch)
		return ch, func() {}
	}

	id := r.nextSub
	r.nextSub++
	r.subs[id] = ch
	ch <- r.view

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			if sub, ok := r.subs[id]; ok {
				delete(r.subs, id)
				close(sub)
			}
		})
	}
}

// Close закрывает все подписки. Сигналы после Close по-прежнему применяются к представлению.
func (r *Reconciler) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	for id, ch := range r.subs {
		delete(r.subs, id)
		close(ch)
	}
}

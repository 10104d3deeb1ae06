// Package service связывает клиент API заказов, платёжный виджет, опрос статуса и push-канал
// с согласователем представления заказа.
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/mmeshcher/ordersync/internal/checkout"
	"github.com/mmeshcher/ordersync/internal/gateway"
	"github.com/mmeshcher/ordersync/internal/model"
	"github.com/mmeshcher/ordersync/internal/poller"
	"github.com/mmeshcher/ordersync/internal/reconcile"
	"github.com/mmeshcher/ordersync/internal/repository"
	"github.com/mmeshcher/ordersync/internal/validation"
)

var (
	// ErrNotCancellable возвращается, если заказ уже отгружен, доставлен или отменён.
	ErrNotCancellable = errors.New("order can no longer be cancelled")
	// ErrClosed возвращается после остановки сервиса.
	ErrClosed = errors.New("service closed")
	// ErrNotOwner возвращается, если заказ оформлен другим покупателем.
	ErrNotOwner = errors.New("order belongs to another customer")
)

// OrderAPI описывает операции бэкенда заказов, используемые сервисом.
type OrderAPI interface {
	CreateOrder(ctx context.Context, items []model.Item, addr model.ShippingAddress, method model.PaymentMethod) (*model.Order, error)
	CreatePaymentIntent(ctx context.Context, orderID string) (*model.PaymentIntent, error)
	VerifyPayment(ctx context.Context, orderID string, proof model.PaymentProof) (model.PaymentStatus, error)
	GetOrderStatus(ctx context.Context, orderID string) (*model.OrderStatus, error)
	GetOrder(ctx context.Context, orderID string) (*model.Order, error)
	CancelOrder(ctx context.Context, orderID, reason string) (*model.Order, error)
}

// PaymentWidget описывает адаптер платёжного шлюза.
type PaymentWidget interface {
	Open(ctx context.Context, orderID string, intent *model.PaymentIntent) (*checkout.Attempt, error)
	Complete(attemptID string, cb checkout.Callback) (bool, error)
	Discard(attemptID string)
}

// Pollers описывает реестр опросов статуса.
type Pollers interface {
	Start(ctx context.Context, orderID string, sink poller.Sink, opts poller.Options) *poller.Handle
}

// Subscription описывает подписку на push-события комнаты заказа.
type Subscription interface {
	Signals() <-chan model.Signal
	Close() error
}

// Dialer открывает подписку на комнату заказа.
type Dialer func(ctx context.Context, orderID string) Subscription

// Store хранит последние сведённые представления и владельцев заказов.
type Store interface {
	SaveView(ctx context.Context, v model.OrderView) error
	LoadView(ctx context.Context, orderID string) (*model.OrderView, error)
	SaveOwner(ctx context.Context, orderID, customerID string) error
	LoadOwner(ctx context.Context, orderID string) (string, error)
}

// Publisher рассылает изменения представления внешним потребителям.
type Publisher interface {
	Publish(ctx context.Context, v model.OrderView) error
}

// Deps содержит внешние зависимости сервиса. Dial, Store и Publisher необязательны.
type Deps struct {
	API       OrderAPI
	Widget    PaymentWidget
	Pollers   Pollers
	Dial      Dialer
	Store     Store
	Publisher Publisher
}

// Options задаёт параметры сервиса.
type Options struct {
	Poll            poller.Options
	CheckoutTimeout time.Duration
	StoreTimeout    time.Duration
	Logger          *zap.Logger
	Now             func() time.Time
}

// CheckoutRequest содержит данные оформления заказа.
type CheckoutRequest struct {
	Items           []model.Item          `json:"items"`
	ShippingAddress model.ShippingAddress `json:"shippingAddress"`
	PaymentMethod   model.PaymentMethod   `json:"paymentMethod"`
	// CustomerID берётся из cookie, а не из тела запроса.
	CustomerID string `json:"-"`
}

// CheckoutResult содержит созданный заказ и, для онлайн-оплаты, параметры виджета.
type CheckoutResult struct {
	Order    *model.Order      `json:"order"`
	Checkout *checkout.Session `json:"checkout,omitempty"`
}

// Service содержит сценарии экранов оформления, успешной оплаты и отслеживания заказа.
type Service struct {
	api     OrderAPI
	widget  PaymentWidget
	pollers Pollers
	dial    Dialer
	store   Store
	pub     Publisher
	opts    Options
	logger  *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	refreshes singleflight.Group
	// unconfirmed: заказы, чей колбэк не подтвердил оплату; сбрасывается при конечном статусе.
	unconfirmed sync.Map

	mu       sync.Mutex
	trackers map[string]*tracker
	closed   bool
}

// NewService создаёт сервис.
func NewService(deps Deps, opts Options) *Service {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.CheckoutTimeout <= 0 {
		opts.CheckoutTimeout = 15 * time.Minute
	}
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = 3 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		api:      deps.API,
		widget:   deps.Widget,
		pollers:  deps.Pollers,
		dial:     deps.Dial,
		store:    deps.Store,
		pub:      deps.Publisher,
		opts:     opts,
		logger:   opts.Logger,
		ctx:      ctx,
		cancel:   cancel,
		trackers: make(map[string]*tracker),
	}
}

// Close размонтирует все сессии и дожидается фоновых задач. Контекст сервиса отменяется
// после размонтирования, чтобы последние изменения ещё были опубликованы.
func (s *Service) Close() error {
	s.mu.Lock()
	s.closed = true
	trackers := make([]*tracker, 0, len(s.trackers))
	for id, tr := range s.trackers {
		trackers = append(trackers, tr)
		delete(s.trackers, id)
	}
	s.mu.Unlock()

	for _, tr := range trackers {
		s.teardown(tr)
	}
	s.cancel()
	s.wg.Wait()
	return nil
}

// StartCheckout проверяет корзину, создаёт заказ и для онлайн-оплаты открывает виджет шлюза.
// Если шлюз недоступен, заказ всё равно возвращается вместе с checkout.ErrGatewayUnavailable,
// чтобы пользователь мог выбрать оплату при получении.
func (s *Service) StartCheckout(ctx context.Context, req CheckoutRequest) (*CheckoutResult, error) {
	if err := validation.ValidateCheckout(req.Items, req.ShippingAddress, req.PaymentMethod); err != nil {
		return nil, err
	}

	order, err := s.api.CreateOrder(ctx, req.Items, req.ShippingAddress, req.PaymentMethod)
	if err != nil {
		return nil, err
	}
	res := &CheckoutResult{Order: order}
	log := s.logger.With(zap.String("order", order.ID))

	if req.CustomerID != "" && s.store != nil {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.StoreTimeout)
		if err := s.store.SaveOwner(sctx, order.ID, req.CustomerID); err != nil {
			log.Warn("save order owner failed", zap.Error(err))
		}
		cancel()
	}

	seed := model.ViewFromOrder(order, s.opts.Now())
	s.persist(seed)

	if req.PaymentMethod == model.PaymentMethodCOD {
		log.Info("cash on delivery order placed")
		return res, nil
	}

	intent, err := s.api.CreatePaymentIntent(ctx, order.ID)
	if err != nil {
		return res, fmt.Errorf("create payment intent: %w", err)
	}

	att, err := s.widget.Open(ctx, order.ID, intent)
	if err != nil {
		return res, err
	}
	res.Checkout = &att.Session

	sess, err := s.mount(seed)
	if err != nil {
		s.widget.Discard(att.Session.AttemptID)
		return res, err
	}

	s.wg.Add(1)
	go s.awaitCallback(sess, att)

	log.Info("payment widget opened", zap.String("attempt", att.Session.AttemptID))
	return res, nil
}

// awaitCallback держит сессию заказа, пока виджет не вернёт результат, и передаёт его согласователю.
// Если оплата не подтверждена или колбэк не пришёл, запускается опрос статуса, и сессия
// держится до его окончания.
func (s *Service) awaitCallback(sess *Session, att *checkout.Attempt) {
	defer s.wg.Done()
	defer sess.Close()
	defer s.widget.Discard(att.Session.AttemptID)

	log := sess.tr.logger
	ctx, cancel := context.WithTimeout(sess.tr.ctx, s.opts.CheckoutTimeout)
	defer cancel()

	res, err := att.Wait(ctx)
	switch {
	case err != nil && sess.tr.ctx.Err() != nil:
		log.Info("checkout abandoned", zap.Error(err))
		return
	case err != nil:
		log.Info("checkout callback not received, polling status", zap.Error(err))
	default:
		err = sess.tr.rec.ApplyCallback(ctx, s.api, res)
		if err == nil {
			return
		}
		log.Warn("payment callback not confirmed, polling status", zap.Error(err))
	}

	if sess.tr.rec.PaymentTerminal() {
		return
	}
	s.unconfirmed.Store(sess.OrderID(), struct{}{})
	s.startPoller(sess.tr)
	s.holdUntilPolled(sess)
}

// CompleteCheckout передаёт колбэк виджета адаптеру. Возвращает false для повторного колбэка.
func (s *Service) CompleteCheckout(attemptID string, cb checkout.Callback) (bool, error) {
	return s.widget.Complete(attemptID, cb)
}

// ResumeAfterRedirect обслуживает перезагрузку страницы возврата со шлюза: для заказа
// с ожидающей оплатой запускается опрос. Сессия держится до окончания опроса.
func (s *Service) ResumeAfterRedirect(ctx context.Context, orderID string) (model.OrderView, error) {
	sess, err := s.Watch(ctx, orderID, WatchOptions{Redirected: true})
	if err != nil {
		return model.OrderView{}, err
	}

	h := sess.tr.pollHandle()
	if h == nil {
		v := sess.View()
		sess.Close()
		return v, nil
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer sess.Close()
		s.holdUntilPolled(sess)
	}()

	return sess.View(), nil
}

// Refresh запрашивает статус один раз и применяет его как сигнал опроса.
// Одновременные обновления одного заказа разделяют один запрос.
func (s *Service) Refresh(ctx context.Context, orderID string) (model.OrderView, error) {
	ch := s.refreshes.DoChan(orderID, func() (any, error) {
		return s.api.GetOrderStatus(context.WithoutCancel(ctx), orderID)
	})

	var st *model.OrderStatus
	select {
	case r := <-ch:
		if r.Err != nil {
			return model.OrderView{}, fmt.Errorf("refresh order status: %w", r.Err)
		}
		st = r.Val.(*model.OrderStatus)
	case <-ctx.Done():
		return model.OrderView{}, ctx.Err()
	}

	return s.withReconciler(ctx, orderID, func(rec *reconcile.Reconciler) error {
		rec.Apply(model.SignalFromStatus(orderID, st, model.SourcePoll, s.opts.Now()))
		return nil
	})
}

// Cancel отменяет заказ. Отгруженный, доставленный или уже отменённый заказ отклоняется
// без обращения к бэкенду, представление при этом не меняется.
func (s *Service) Cancel(ctx context.Context, orderID, reason string) (model.OrderView, error) {
	return s.withReconciler(ctx, orderID, func(rec *reconcile.Reconciler) error {
		v := rec.View()
		if !v.FulfillmentStatus.Cancellable() {
			return fmt.Errorf("%w: fulfillment is %s", ErrNotCancellable, v.FulfillmentStatus)
		}

		order, err := s.api.CancelOrder(ctx, orderID, reason)
		if err != nil {
			if errors.Is(err, gateway.ErrNotCancellable) {
				return fmt.Errorf("%w: %w", ErrNotCancellable, err)
			}
			return fmt.Errorf("cancel order: %w", err)
		}

		st := statusFromOrder(order)
		st.FulfillmentStatus = model.FulfillmentCancelled
		rec.Apply(model.SignalFromStatus(orderID, &st, model.SourcePoll, s.opts.Now()))
		return nil
	})
}

// View возвращает текущее представление: из смонтированной сессии или свежее начальное.
func (s *Service) View(ctx context.Context, orderID string) (model.OrderView, error) {
	if tr := s.lookup(orderID); tr != nil {
		return tr.rec.View(), nil
	}
	rec, err := s.seed(ctx, orderID)
	if err != nil {
		return model.OrderView{}, err
	}
	return rec.View(), nil
}

// Processing сообщает, что оплата заказа ещё не подтверждена, хотя пользователь её завершил:
// колбэк не подтвердился или опрос истёк, не дождавшись конечного статуса.
func (s *Service) Processing(orderID string) bool {
	if _, ok := s.unconfirmed.Load(orderID); ok {
		return true
	}
	tr := s.lookup(orderID)
	if tr == nil {
		return false
	}
	h := tr.pollHandle()
	return h != nil && h.Result().TimedOut
}

// Authorize проверяет, что заказ оформлен этим покупателем. Заказы без записанного владельца
// (созданные не через этот сервис) доступны любому покупателю.
func (s *Service) Authorize(ctx context.Context, orderID, customerID string) error {
	if s.store == nil {
		return nil
	}
	owner, err := s.store.LoadOwner(ctx, orderID)
	switch {
	case errors.Is(err, repository.ErrOwnerNotFound):
		return nil
	case err != nil:
		return fmt.Errorf("load order owner: %w", err)
	case owner != customerID:
		return ErrNotOwner
	}
	return nil
}

// withReconciler выполняет fn над согласователем смонтированной сессии либо над временным,
// построенным из начального состояния. Изменения сохраняет хук согласователя.
func (s *Service) withReconciler(ctx context.Context, orderID string, fn func(*reconcile.Reconciler) error) (model.OrderView, error) {
	if tr := s.lookup(orderID); tr != nil {
		err := fn(tr.rec)
		return tr.rec.View(), err
	}

	rec, err := s.seed(ctx, orderID)
	if err != nil {
		return model.OrderView{}, err
	}
	err = fn(rec)
	return rec.View(), err
}

// seed строит согласователь из ответа бэкенда и сохранённого снимка. Если бэкенд недоступен,
// используется только снимок.
func (s *Service) seed(ctx context.Context, orderID string) (*reconcile.Reconciler, error) {
	var stored *model.OrderView
	if s.store != nil {
		v, err := s.store.LoadView(ctx, orderID)
		switch {
		case err == nil:
			stored = v
		case !errors.Is(err, repository.ErrViewNotFound):
			s.logger.Warn("load stored view failed", zap.String("order", orderID), zap.Error(err))
		}
	}

	order, err := s.api.GetOrder(ctx, orderID)
	if err != nil {
		if stored == nil || errors.Is(err, gateway.ErrNotFound) {
			return nil, fmt.Errorf("load order: %w", err)
		}
		s.logger.Warn("order api unavailable, seeding from stored view", zap.String("order", orderID), zap.Error(err))
		return s.newReconciler(*stored), nil
	}

	rec := s.newReconciler(model.ViewFromOrder(order, s.opts.Now()))
	if stored != nil {
		rec.Apply(signalFromView(*stored))
	}
	return rec, nil
}

func (s *Service) newReconciler(seed model.OrderView) *reconcile.Reconciler {
	opts := []reconcile.Option{
		reconcile.WithLogger(s.logger),
		reconcile.WithClock(s.opts.Now),
		reconcile.WithHook(s.observe),
	}
	if s.pub != nil {
		opts = append(opts, reconcile.WithHook(s.publish))
	}
	return reconcile.New(seed, opts...)
}

// observe сохраняет каждое изменение синхронно, до возврата из Apply.
func (s *Service) observe(v model.OrderView) {
	if v.PaymentStatus.Terminal() {
		s.unconfirmed.Delete(v.OrderID)
	}
	s.persist(v)
}

func (s *Service) publish(v model.OrderView) {
	if err := s.pub.Publish(s.ctx, v); err != nil {
		s.logger.Warn("publish order view failed", zap.String("order", v.OrderID), zap.Error(err))
	}
}

func (s *Service) persist(v model.OrderView) {
	if s.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.StoreTimeout)
	defer cancel()
	if err := s.store.SaveView(ctx, v); err != nil {
		s.logger.Warn("save order view failed", zap.String("order", v.OrderID), zap.Error(err))
	}
}

func statusFromOrder(o *model.Order) model.OrderStatus {
	return model.OrderStatus{
		PaymentStatus:     o.PaymentStatus,
		FulfillmentStatus: o.FulfillmentStatus,
		RefundStatus:      o.RefundStatus,
		TrackingNumber:    o.TrackingNumber,
	}
}

func signalFromView(v model.OrderView) model.Signal {
	st := model.OrderStatus{
		PaymentStatus:     v.PaymentStatus,
		FulfillmentStatus: v.FulfillmentStatus,
		RefundStatus:      v.RefundStatus,
		RefundAmount:      v.RefundAmount,
		TrackingNumber:    v.TrackingNumber,
	}
	return model.SignalFromStatus(v.OrderID, &st, v.SourceOfTruth, v.LastUpdated)
}

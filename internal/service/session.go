package service

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/mmeshcher/ordersync/internal/model"
	"github.com/mmeshcher/ordersync/internal/poller"
	"github.com/mmeshcher/ordersync/internal/reconcile"
)

// WatchOptions задаёт параметры монтирования экрана заказа.
type WatchOptions struct {
	// Redirected означает, что пользователь вернулся со страницы шлюза; для ожидающей оплаты запускается опрос.
	Redirected bool
}

// tracker хранит общее состояние всех экранов, показывающих один заказ: согласователь,
// не более одного опроса и не более одной подписки на комнату.
type tracker struct {
	orderID string
	rec     *reconcile.Reconciler
	ctx     context.Context
	cancel  context.CancelFunc
	logger  *zap.Logger

	// refs защищён Service.mu.
	refs int

	mu   sync.Mutex
	poll *poller.Handle

	sub       Subscription
	subOnce   sync.Once
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func (t *tracker) pollHandle() *poller.Handle {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.poll
}

func (t *tracker) stopPoller() {
	h := t.pollHandle()
	if h != nil {
		h.Cancel()
		<-h.Done()
	}
}

func (t *tracker) closeChannel() {
	t.subOnce.Do(func() {
		if t.sub == nil {
			return
		}
		if err := t.sub.Close(); err != nil {
			t.logger.Debug("close push channel", zap.Error(err))
		}
	})
}

// Session представляет ссылку одного экрана на отслеживаемый заказ. Close обязателен на любом пути выхода.
type Session struct {
	svc  *Service
	tr   *tracker
	once sync.Once
}

// OrderID возвращает идентификатор заказа.
func (s *Session) OrderID() string {
	return s.tr.orderID
}

// View возвращает текущее представление заказа.
func (s *Session) View() model.OrderView {
	return s.tr.rec.View()
}

// Updates возвращает поток снимков представления: сначала текущий, затем каждый новый.
// Медленный читатель получает только последний снимок. cancel освобождает подписку.
func (s *Session) Updates() (<-chan model.OrderView, func()) {
	return s.tr.rec.Subscribe()
}

// Close освобождает ссылку. Когда уходит последняя, опрос и подписка на комнату останавливаются.
// Повторный вызов безопасен.
func (s *Session) Close() {
	s.once.Do(func() {
		s.svc.release(s.tr)
	})
}

// Watch монтирует экран заказа: строит начальное состояние, при необходимости запускает опрос
// и подписывается на комнату заказа. Экраны одного заказа разделяют общее состояние.
func (s *Service) Watch(ctx context.Context, orderID string, opts WatchOptions) (*Session, error) {
	sess := s.acquire(orderID)
	if sess == nil {
		rec, err := s.seed(ctx, orderID)
		if err != nil {
			return nil, err
		}
		sess, err = s.mountReconciler(rec)
		if err != nil {
			return nil, err
		}
	}

	if opts.Redirected {
		s.startPoller(sess.tr)
	}
	return sess, nil
}

// mount монтирует сессию по уже известному начальному представлению.
func (s *Service) mount(seed model.OrderView) (*Session, error) {
	if sess := s.acquire(seed.OrderID); sess != nil {
		sess.tr.rec.Apply(signalFromView(seed))
		return sess, nil
	}
	return s.mountReconciler(s.newReconciler(seed))
}

func (s *Service) acquire(orderID string) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	tr, ok := s.trackers[orderID]
	if !ok {
		return nil
	}
	tr.refs++
	return &Session{svc: s, tr: tr}
}

func (s *Service) lookup(orderID string) *tracker {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.trackers[orderID]
}

func (s *Service) mountReconciler(rec *reconcile.Reconciler) (*Session, error) {
	orderID := rec.OrderID()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	// Пока шла загрузка, заказ мог смонтировать другой экран.
	if tr, ok := s.trackers[orderID]; ok {
		tr.refs++
		s.mu.Unlock()
		tr.rec.Apply(signalFromView(rec.View()))
		return &Session{svc: s, tr: tr}, nil
	}

	ctx, cancel := context.WithCancel(s.ctx)
	tr := &tracker{
		orderID: orderID,
		rec:     rec,
		ctx:     ctx,
		cancel:  cancel,
		logger:  s.logger.With(zap.String("order", orderID)),
		refs:    1,
	}
	// Dial не блокируется: подключение идёт в фоне канала.
	if s.dial != nil && !rec.FulfillmentTerminal() {
		tr.sub = s.dial(ctx, orderID)
		tr.wg.Add(1)
	}
	tr.wg.Add(1)
	s.trackers[orderID] = tr
	s.mu.Unlock()

	// Подписка оформляется до запуска горутины: teardown не должен её опередить.
	updates, unsubscribe := rec.Subscribe()
	if tr.sub != nil {
		go s.pump(tr)
	}
	go s.follow(tr, updates, unsubscribe)

	tr.logger.Debug("order session mounted")
	return &Session{svc: s, tr: tr}, nil
}

// pump передаёт push-сигналы согласователю, пока подписка не закрыта.
func (s *Service) pump(tr *tracker) {
	defer tr.wg.Done()
	for sig := range tr.sub.Signals() {
		tr.rec.Apply(sig)
	}
}

// follow останавливает источники, ставшие ненужными: опрос после конечного статуса оплаты,
// подписку после доставки или отмены.
func (s *Service) follow(tr *tracker, updates <-chan model.OrderView, unsubscribe func()) {
	defer tr.wg.Done()
	defer unsubscribe()

	for v := range updates {
		if v.PaymentStatus.Terminal() {
			tr.stopPoller()
		}
		if v.FulfillmentStatus.Terminal() {
			tr.closeChannel()
		}
	}
}

func (s *Service) startPoller(tr *tracker) {
	if tr.rec.PaymentTerminal() {
		return
	}

	tr.mu.Lock()
	defer tr.mu.Unlock()

	if tr.poll != nil {
		select {
		case <-tr.poll.Done():
		default:
			return
		}
	}
	if tr.ctx.Err() != nil {
		return
	}

	tr.poll = s.pollers.Start(tr.ctx, tr.orderID, func(st model.OrderStatus) {
		tr.rec.Apply(model.SignalFromStatus(tr.orderID, &st, model.SourcePoll, s.opts.Now()))
	}, s.opts.Poll)
	tr.logger.Debug("status polling started")
}

func (s *Service) release(tr *tracker) {
	s.mu.Lock()
	tr.refs--
	if tr.refs > 0 {
		s.mu.Unlock()
		return
	}
	if s.trackers[tr.orderID] != tr {
		// Уже размонтирован при остановке сервиса.
		s.mu.Unlock()
		return
	}
	delete(s.trackers, tr.orderID)
	s.mu.Unlock()

	s.teardown(tr)
}

func (s *Service) teardown(tr *tracker) {
	tr.closeOnce.Do(func() {
		tr.stopPoller()
		tr.closeChannel()
		tr.cancel()
		tr.rec.Close()
		tr.wg.Wait()
		tr.logger.Debug("order session unmounted")
	})
}

// holdUntilPolled держит сессию, пока идёт опрос заказа.
func (s *Service) holdUntilPolled(sess *Session) {
	h := sess.tr.pollHandle()
	if h == nil {
		return
	}
	select {
	case <-h.Done():
	case <-sess.tr.ctx.Done():
	}
}

// Subscribe монтирует экран заказа и возвращает поток его представлений.
// unsubscribe размонтирует экран и должен быть вызван ровно один раз.
func (s *Service) Subscribe(ctx context.Context, orderID string, redirected bool) (<-chan model.OrderView, func(), error) {
	sess, err := s.Watch(ctx, orderID, WatchOptions{Redirected: redirected})
	if err != nil {
		return nil, nil, err
	}
	updates, cancel := sess.Updates()
	return updates, func() {
		cancel()
		sess.Close()
	}, nil
}

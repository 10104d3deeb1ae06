// Package checkout управляет виджетом стороннего платёжного шлюза и переводит его колбэки в сигналы.
package checkout

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mmeshcher/ordersync/internal/model"
)

var (
	// ErrGatewayUnavailable возвращается, если скрипт шлюза не загрузился. Виджет при этом не открывается.
	ErrGatewayUnavailable = errors.New("payment gateway unavailable")
	// ErrUnknownAttempt возвращается для колбэка без соответствующей попытки оплаты.
	ErrUnknownAttempt = errors.New("unknown checkout attempt")
)

// Session содержит параметры, с которыми браузер открывает виджет шлюза.
type Session struct {
	AttemptID  string `json:"attemptId"`
	OrderID    string `json:"orderId"`
	IntentID   string `json:"intentId"`
	Amount     int64  `json:"amount"`
	Currency   string `json:"currency"`
	GatewayKey string `json:"gatewayKey"`
	ScriptURL  string `json:"scriptUrl"`
}

// CallbackError содержит ошибку, которую виджет передаёт при отказе или закрытии окна оплаты.
type CallbackError struct {
	Code        string `json:"code"`
	Description string `json:"description"`
}

// Callback описывает тело колбэка виджета.
type Callback struct {
	GatewayOrderID   string         `json:"gatewayOrderId"`
	GatewayPaymentID string         `json:"gatewayPaymentId"`
	GatewaySignature string         `json:"gatewaySignature"`
	Error            *CallbackError `json:"error,omitempty"`
}

// Result описывает итог попытки оплаты. GatewaySuccess при заданном Proof, иначе GatewayFailure.
type Result struct {
	AttemptID string
	OrderID   string
	Proof     *model.PaymentProof
	Reason    string
}

// Succeeded сообщает, вернул ли шлюз подтверждение оплаты.
func (r Result) Succeeded() bool {
	return r.Proof != nil
}

// Translate переводит колбэк виджета в результат попытки.
func Translate(orderID string, cb Callback) Result {
	res := Result{OrderID: orderID}
	if cb.Error != nil {
		res.Reason = cb.Error.Description
		if res.Reason == "" {
			res.Reason = cb.Error.Code
		}
		if res.Reason == "" {
			res.Reason = "payment cancelled"
		}
		return res
	}
	if cb.GatewayOrderID == "" || cb.GatewayPaymentID == "" || cb.GatewaySignature == "" {
		res.Reason = "incomplete gateway response"
		return res
	}
	res.Proof = &model.PaymentProof{
		GatewayOrderID:   cb.GatewayOrderID,
		GatewayPaymentID: cb.GatewayPaymentID,
		GatewaySignature: cb.GatewaySignature,
	}
	return res
}

// Attempt представляет одну попытку оплаты с однократным разрешением.
type Attempt struct {
	Session Session

	once   sync.Once
	done   chan struct{}
	result Result
}

func newAttempt(s Session) *Attempt {
	return &Attempt{Session: s, done: make(chan struct{})}
}

func (a *Attempt) resolve(r Result) bool {
	resolved := false
	a.once.Do(func() {
		a.result = r
		resolved = true
		close(a.done)
	})
	return resolved
}

// Done закрывается после первого колбэка.
func (a *Attempt) Done() <-chan struct{} {
	return a.done
}

// Wait ждёт результат попытки или отмену контекста.
func (a *Attempt) Wait(ctx context.Context) (Result, error) {
	select {
	case <-a.done:
		return a.result, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Adapter создаёт попытки оплаты и принимает колбэки виджета.
type Adapter struct {
	loader    Loader
	scriptURL string
	logger    *zap.Logger

	mu       sync.Mutex
	attempts map[string]*Attempt
}

// NewAdapter создаёт адаптер платёжного шлюза.
func NewAdapter(loader Loader, scriptURL string, logger *zap.Logger) *Adapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Adapter{
		loader:    loader,
		scriptURL: scriptURL,
		logger:    logger,
		attempts:  make(map[string]*Attempt),
	}
}

// Open загружает скрипт шлюза (однократно) и создаёт попытку оплаты по платёжному намерению.
func (a *Adapter) Open(ctx context.Context, orderID string, intent *model.PaymentIntent) (*Attempt, error) {
	if err := a.loader.Load(ctx); err != nil {
		a.logger.Warn("gateway script load failed", zap.String("order", orderID), zap.Error(err))
		return nil, err
	}

	att := newAttempt(Session{
		AttemptID:  uuid.NewString(),
		OrderID:    orderID,
		IntentID:   intent.IntentID,
		Amount:     intent.Amount,
		Currency:   intent.Currency,
		GatewayKey: intent.GatewayKey,
		ScriptURL:  a.scriptURL,
	})

	a.mu.Lock()
	a.attempts[att.Session.AttemptID] = att
	a.mu.Unlock()

	return att, nil
}

// Complete принимает колбэк виджета. Возвращает false, если попытка уже разрешена.
func (a *Adapter) Complete(attemptID string, cb Callback) (bool, error) {
	a.mu.Lock()
	att, ok := a.attempts[attemptID]
	a.mu.Unlock()
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownAttempt, attemptID)
	}

	res := Translate(att.Session.OrderID, cb)
	res.AttemptID = attemptID

	resolved := att.resolve(res)
	if !resolved {
		a.logger.Debug("duplicate gateway callback ignored", zap.String("attempt", attemptID))
	}
	return resolved, nil
}

// Discard освобождает попытку оплаты.
func (a *Adapter) Discard(attemptID string) {
	a.mu.Lock()
	delete(a.attempts, attemptID)
	a.mu.Unlock()
}

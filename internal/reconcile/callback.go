package reconcile

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/mmeshcher/ordersync/internal/checkout"
	"github.com/mmeshcher/ordersync/internal/model"
)

// ErrPaymentNotConfirmed возвращается, если ни проверка подписи, ни контрольный запрос статуса
// не подтвердили оплату.
var ErrPaymentNotConfirmed = errors.New("payment not confirmed")

// Verifier описывает операции бэкенда, нужные для обработки колбэка шлюза.
type Verifier interface {
	VerifyPayment(ctx context.Context, orderID string, proof model.PaymentProof) (model.PaymentStatus, error)
	GetOrderStatus(ctx context.Context, orderID string) (*model.OrderStatus, error)
}

// ApplyCallback обрабатывает результат виджета шлюза.
//
// Отказ, сообщённый шлюзом, помечает оплату как failed. Успешный колбэк сразу проверяется
// на бэкенде. Ошибка проверки не считается отказом: вебхук мог уже записать оплату, поэтому
// выполняется ровно один контрольный запрос статуса. Если и он не дал конечного статуса,
// оплата остаётся pending, а вызывающий получает ErrPaymentNotConfirmed и продолжает опрос.
func (r *Reconciler) ApplyCallback(ctx context.Context, v Verifier, res checkout.Result) error {
	orderID := r.OrderID()

	if !res.Succeeded() {
		r.logger.Info("gateway reported payment failure", zap.String("reason", res.Reason))
		r.Apply(model.PaymentSignal(orderID, model.PaymentFailed, model.SourceCallback, r.now()))
		return nil
	}

	status, err := v.VerifyPayment(ctx, orderID, *res.Proof)
	if err == nil {
		r.Apply(model.PaymentSignal(orderID, status, model.SourceCallback, r.now()))
		return nil
	}

	r.logger.Warn("payment verification failed, checking status", zap.Error(err))

	st, statusErr := v.GetOrderStatus(ctx, orderID)
	if statusErr != nil {
		r.logger.Warn("fallback status check failed", zap.Error(statusErr))
		return fmt.Errorf("%w: %w", ErrPaymentNotConfirmed, err)
	}

	r.Apply(model.SignalFromStatus(orderID, st, model.SourcePoll, r.now()))
	if !st.PaymentStatus.Terminal() {
		return fmt.Errorf("%w: %w", ErrPaymentNotConfirmed, err)
	}
	return nil
}

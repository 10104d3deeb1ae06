package realtime

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/mmeshcher/ordersync/internal/model"
)

// Имена событий протокола push-сервера.
const (
	EventJoin              = "join"
	EventLeave             = "leave"
	EventOrderStatusUpdate = "orderStatusUpdate"
	EventPaymentSuccess    = "paymentSuccess"
	EventPaymentFailed     = "paymentFailed"
	EventRefundCompleted   = "refundCompleted"
)

// Frame описывает текстовый кадр протокола в обе стороны.
type Frame struct {
	Event string          `json:"event"`
	Room  string          `json:"room,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type statusUpdatePayload struct {
	OrderID        string `json:"orderId"`
	Status         string `json:"status"`
	TrackingNumber string `json:"trackingNumber,omitempty"`
	Notes          string `json:"notes,omitempty"`
}

type paymentPayload struct {
	OrderID string `json:"orderId"`
	Error   string `json:"error,omitempty"`
}

type refundPayload struct {
	OrderID string `json:"orderId"`
	Amount  int64  `json:"amount,omitempty"`
}

// decodeFrame переводит событие в сигнал. Второе значение false означает,
// что событие не относится к заказу orderID или не распознано.
func decodeFrame(f Frame, orderID string, at time.Time) (model.Signal, bool) {
	switch f.Event {
	case EventOrderStatusUpdate:
		var p statusUpdatePayload
		if err := json.Unmarshal(f.Data, &p); err != nil || p.OrderID != orderID {
			return model.Signal{}, false
		}
		status := normalizeFulfillment(p.Status)
		if !status.Valid() {
			return model.Signal{}, false
		}
		sig := model.FulfillmentSignal(orderID, status, model.SourcePush, at)
		sig.TrackingNumber = p.TrackingNumber
		sig.Notes = p.Notes
		return sig, true

	case EventPaymentSuccess, EventPaymentFailed:
		var p paymentPayload
		if err := json.Unmarshal(f.Data, &p); err != nil || p.OrderID != orderID {
			return model.Signal{}, false
		}
		status := model.PaymentPaid
		if f.Event == EventPaymentFailed {
			status = model.PaymentFailed
		}
		sig := model.PaymentSignal(orderID, status, model.SourcePush, at)
		sig.Notes = p.Error
		return sig, true

	case EventRefundCompleted:
		var p refundPayload
		if err := json.Unmarshal(f.Data, &p); err != nil || p.OrderID != orderID {
			return model.Signal{}, false
		}
		refund := model.RefundCompleted
		payment := model.PaymentRefunded
		return model.Signal{
			OrderID:      orderID,
			Source:       model.SourcePush,
			At:           at,
			Payment:      &payment,
			Refund:       &refund,
			RefundAmount: p.Amount,
		}, true
	}

	return model.Signal{}, false
}

func normalizeFulfillment(s string) model.FulfillmentStatus {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.NewReplacer("-", "_", " ", "_").Replace(s)
	if s == "canceled" {
		s = string(model.FulfillmentCancelled)
	}
	return model.FulfillmentStatus(s)
}

package model

// PaymentStatus описывает состояние оплаты заказа.
type PaymentStatus string

const (
	PaymentPending  PaymentStatus = "pending"
	PaymentFailed   PaymentStatus = "failed"
	PaymentPaid     PaymentStatus = "paid"
	PaymentRefunded PaymentStatus = "refunded"
)

var paymentRank = map[PaymentStatus]int{
	PaymentPending:  0,
	PaymentFailed:   1,
	PaymentPaid:     2,
	PaymentRefunded: 3,
}

// Valid сообщает, входит ли значение в перечисление.
func (s PaymentStatus) Valid() bool {
	_, ok := paymentRank[s]
	return ok
}

// Rank возвращает позицию статуса в частичном порядке оплаты.
func (s PaymentStatus) Rank() int {
	r, ok := paymentRank[s]
	if !ok {
		return -1
	}
	return r
}

// Terminal сообщает, завершено ли ожидание оплаты. Для опроса статуса refunded тоже конечен.
func (s PaymentStatus) Terminal() bool {
	return s == PaymentPaid || s == PaymentFailed || s == PaymentRefunded
}

// Allows проверяет, допустим ли переход из s в next.
// Из pending достижим любой другой статус, из paid только refunded; failed и refunded конечны.
func (s PaymentStatus) Allows(next PaymentStatus) bool {
	if !next.Valid() {
		return false
	}
	switch s {
	case PaymentPending:
		return next != PaymentPending
	case PaymentPaid:
		return next == PaymentRefunded
	default:
		return false
	}
}

// FulfillmentStatus описывает стадию выполнения заказа.
type FulfillmentStatus string

const (
	FulfillmentPlaced         FulfillmentStatus = "placed"
	FulfillmentConfirmed      FulfillmentStatus = "confirmed"
	FulfillmentProcessing     FulfillmentStatus = "processing"
	FulfillmentShipped        FulfillmentStatus = "shipped"
	FulfillmentOutForDelivery FulfillmentStatus = "out_for_delivery"
	FulfillmentDelivered      FulfillmentStatus = "delivered"
	FulfillmentCancelled      FulfillmentStatus = "cancelled"
)

var fulfillmentRank = map[FulfillmentStatus]int{
	FulfillmentPlaced:         0,
	FulfillmentConfirmed:      1,
	FulfillmentProcessing:     2,
	FulfillmentShipped:        3,
	FulfillmentOutForDelivery: 4,
	FulfillmentDelivered:      5,
	FulfillmentCancelled:      6,
}

// Valid сообщает, входит ли значение в перечисление.
func (s FulfillmentStatus) Valid() bool {
	_, ok := fulfillmentRank[s]
	return ok
}

// Rank возвращает позицию статуса в линейной цепочке выполнения.
// cancelled стоит выше всех, так как достижим из любого незавершённого состояния.
func (s FulfillmentStatus) Rank() int {
	r, ok := fulfillmentRank[s]
	if !ok {
		return -1
	}
	return r
}

// Terminal сообщает, что заказ доставлен или отменён.
func (s FulfillmentStatus) Terminal() bool {
	return s == FulfillmentDelivered || s == FulfillmentCancelled
}

// Allows проверяет, допустим ли переход из s в next.
func (s FulfillmentStatus) Allows(next FulfillmentStatus) bool {
	if !next.Valid() || s.Terminal() {
		return false
	}
	return next.Rank() > s.Rank()
}

// Cancellable сообщает, можно ли ещё отменить заказ.
func (s FulfillmentStatus) Cancellable() bool {
	return !s.Terminal() && s.Rank() < FulfillmentShipped.Rank()
}

// RefundStatus описывает состояние возврата средств.
type RefundStatus string

const (
	RefundNone      RefundStatus = "none"
	RefundPending   RefundStatus = "pending"
	RefundCompleted RefundStatus = "completed"
	RefundFailed    RefundStatus = "failed"
)

var refundRank = map[RefundStatus]int{
	RefundNone:      0,
	RefundPending:   1,
	RefundCompleted: 2,
	RefundFailed:    2,
}

// Valid сообщает, входит ли значение в перечисление.
func (s RefundStatus) Valid() bool {
	_, ok := refundRank[s]
	return ok
}

// Rank возвращает позицию статуса в частичном порядке возврата.
func (s RefundStatus) Rank() int {
	r, ok := refundRank[s]
	if !ok {
		return -1
	}
	return r
}

// Terminal сообщает, что возврат завершён успешно или с ошибкой.
func (s RefundStatus) Terminal() bool {
	return s == RefundCompleted || s == RefundFailed
}

// Allows проверяет, допустим ли переход из s в next.
func (s RefundStatus) Allows(next RefundStatus) bool {
	if !next.Valid() || s.Terminal() {
		return false
	}
	return next.Rank() > s.Rank()
}

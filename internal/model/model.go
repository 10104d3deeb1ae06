// Package model содержит доменные сущности сервиса синхронизации заказов.
package model

import "time"

// PaymentMethod описывает способ оплаты, выбранный при оформлении заказа.
type PaymentMethod string

const (
	PaymentMethodOnline PaymentMethod = "online"
	PaymentMethodCOD    PaymentMethod = "cod"
)

// Item описывает позицию заказа. Цена хранится в минимальных единицах валюты.
type Item struct {
	ProductID string `json:"productId"`
	VariantID string `json:"variantId"`
	Quantity  int    `json:"quantity"`
	UnitPrice int64  `json:"unitPrice"`
}

// ShippingAddress содержит почтовый адрес доставки.
type ShippingAddress struct {
	Name       string `json:"name"`
	Phone      string `json:"phone"`
	Address1   string `json:"address1"`
	Address2   string `json:"address2,omitempty"`
	City       string `json:"city"`
	State      string `json:"state"`
	PostalCode string `json:"postalCode"`
	Country    string `json:"country"`
}

// Order описывает заказ, созданный бэкендом. Поля заказа не изменяются на клиенте.
type Order struct {
	ID                string            `json:"orderId"`
	Items             []Item            `json:"items"`
	Total             int64             `json:"total"`
	ShippingAddress   ShippingAddress   `json:"shippingAddress"`
	PaymentMethod     PaymentMethod     `json:"paymentMethod"`
	PaymentStatus     PaymentStatus     `json:"paymentStatus"`
	FulfillmentStatus FulfillmentStatus `json:"fulfillmentStatus"`
	RefundStatus      RefundStatus      `json:"refundStatus,omitempty"`
	TrackingNumber    string            `json:"trackingNumber,omitempty"`
	CreatedAt         time.Time         `json:"createdAt"`
}

// PaymentIntent содержит данные, необходимые виджету платёжного шлюза.
type PaymentIntent struct {
	IntentID   string `json:"intentId"`
	OrderID    string `json:"orderId,omitempty"`
	Amount     int64  `json:"amount"`
	Currency   string `json:"currency"`
	GatewayKey string `json:"gatewayKey"`
}

// PaymentProof содержит подтверждение оплаты, полученное от виджета.
type PaymentProof struct {
	GatewayOrderID   string `json:"gatewayOrderId"`
	GatewayPaymentID string `json:"gatewayPaymentId"`
	GatewaySignature string `json:"gatewaySignature"`
}

// OrderStatus описывает ответ эндпоинта статуса оплаты.
type OrderStatus struct {
	PaymentStatus     PaymentStatus     `json:"paymentStatus"`
	FulfillmentStatus FulfillmentStatus `json:"fulfillmentStatus,omitempty"`
	RefundStatus      RefundStatus      `json:"refundStatus,omitempty"`
	RefundAmount      int64             `json:"refundAmount,omitempty"`
	TrackingNumber    string            `json:"trackingNumber,omitempty"`
}

// Source указывает канал, из которого пришёл сигнал.
type Source string

const (
	SourceSeed     Source = "seed"
	SourceCallback Source = "callback"
	SourcePoll     Source = "poll"
	SourcePush     Source = "push"
)

// Field обозначает поле OrderView, которое сливается независимо от остальных.
type Field string

const (
	FieldPayment     Field = "paymentStatus"
	FieldFulfillment Field = "fulfillmentStatus"
	FieldRefund      Field = "refundStatus"
)

// OrderView представляет согласованную проекцию состояния заказа, которую отображает интерфейс.
type OrderView struct {
	OrderID           string            `json:"orderId"`
	PaymentStatus     PaymentStatus     `json:"paymentStatus"`
	FulfillmentStatus FulfillmentStatus `json:"fulfillmentStatus"`
	RefundStatus      RefundStatus      `json:"refundStatus"`
	RefundAmount      int64             `json:"refundAmount,omitempty"`
	TrackingNumber    string            `json:"trackingNumber,omitempty"`
	LastUpdated       time.Time         `json:"lastUpdated"`
	SourceOfTruth     Source            `json:"sourceOfTruth"`
}

// NewOrderView возвращает начальную проекцию для только что созданного заказа.
func NewOrderView(orderID string) OrderView {
	return OrderView{
		OrderID:           orderID,
		PaymentStatus:     PaymentPending,
		FulfillmentStatus: FulfillmentPlaced,
		RefundStatus:      RefundNone,
		SourceOfTruth:     SourceSeed,
	}
}

// ViewFromOrder строит проекцию из ответа бэкенда. Пустые статусы заменяются начальными.
func ViewFromOrder(o *Order, at time.Time) OrderView {
	v := NewOrderView(o.ID)
	if o.PaymentStatus.Valid() {
		v.PaymentStatus = o.PaymentStatus
	}
	if o.FulfillmentStatus.Valid() {
		v.FulfillmentStatus = o.FulfillmentStatus
	}
	if o.RefundStatus.Valid() {
		v.RefundStatus = o.RefundStatus
	}
	v.TrackingNumber = o.TrackingNumber
	v.LastUpdated = at
	return v
}

// Signal описывает кандидата на применение к OrderView от одного из каналов.
// Незаданные поля (nil) не участвуют в слиянии.
type Signal struct {
	OrderID        string
	Source         Source
	At             time.Time
	Payment        *PaymentStatus
	Fulfillment    *FulfillmentStatus
	Refund         *RefundStatus
	RefundAmount   int64
	TrackingNumber string
	Notes          string
}

// SignalFromStatus переводит ответ эндпоинта статуса в сигнал.
func SignalFromStatus(orderID string, st *OrderStatus, src Source, at time.Time) Signal {
	sig := Signal{
		OrderID:        orderID,
		Source:         src,
		At:             at,
		RefundAmount:   st.RefundAmount,
		TrackingNumber: st.TrackingNumber,
	}
	if st.PaymentStatus.Valid() {
		p := st.PaymentStatus
		sig.Payment = &p
	}
	if st.FulfillmentStatus.Valid() {
		f := st.FulfillmentStatus
		sig.Fulfillment = &f
	}
	if st.RefundStatus.Valid() {
		r := st.RefundStatus
		sig.Refund = &r
	}
	return sig
}

// PaymentSignal создаёт сигнал, затрагивающий только статус оплаты.
func PaymentSignal(orderID string, s PaymentStatus, src Source, at time.Time) Signal {
	return Signal{OrderID: orderID, Source: src, At: at, Payment: &s}
}

// FulfillmentSignal создаёт сигнал, затрагивающий только статус выполнения.
func FulfillmentSignal(orderID string, s FulfillmentStatus, src Source, at time.Time) Signal {
	return Signal{OrderID: orderID, Source: src, At: at, Fulfillment: &s}
}

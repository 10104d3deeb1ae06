package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/mmeshcher/ordersync/internal/model"
)

type createOrderRequest struct {
	Items           []model.Item          `json:"items"`
	ShippingAddress model.ShippingAddress `json:"shippingAddress"`
	PaymentMethod   model.PaymentMethod   `json:"paymentMethod"`
}

type orderEnvelope struct {
	Order model.Order `json:"order"`
}

type createIntentRequest struct {
	OrderID string `json:"orderId"`
}

type verifyRequest struct {
	OrderID          string `json:"orderId"`
	GatewayOrderID   string `json:"gatewayOrderId"`
	GatewayPaymentID string `json:"gatewayPaymentId"`
	GatewaySignature string `json:"gatewaySignature"`
}

type verifyResponse struct {
	PaymentStatus model.PaymentStatus `json:"paymentStatus"`
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

// CreateOrder создаёт заказ. Запрос не повторяется автоматически: при сетевой ошибке
// результат неизвестен, и вызывающий код должен сообщить об этом пользователю.
func (c *Client) CreateOrder(ctx context.Context, items []model.Item, addr model.ShippingAddress, method model.PaymentMethod) (*model.Order, error) {
	ctx = context.WithValue(ctx, noRetryKey{}, true)

	var resp orderEnvelope
	_, err := c.do(ctx, http.MethodPost, "/orders", createOrderRequest{
		Items:           items,
		ShippingAddress: addr,
		PaymentMethod:   method,
	}, &resp)
	if err != nil {
		if errors.Is(err, ErrNetwork) {
			return nil, fmt.Errorf("%w: %w", ErrOrderSubmissionUnknown, err)
		}
		return nil, fmt.Errorf("create order: %w", err)
	}
	if resp.Order.ID == "" {
		return nil, fmt.Errorf("create order: empty order id in response")
	}
	return &resp.Order, nil
}

// CreatePaymentIntent создаёт платёжное намерение для онлайн-оплаты заказа.
func (c *Client) CreatePaymentIntent(ctx context.Context, orderID string) (*model.PaymentIntent, error) {
	var intent model.PaymentIntent
	_, err := c.do(ctx, http.MethodPost, "/orders/pay/create", createIntentRequest{OrderID: orderID}, &intent)
	if err != nil {
		return nil, fmt.Errorf("create payment intent: %w", mapNotFound(err))
	}
	if intent.OrderID == "" {
		intent.OrderID = orderID
	}
	return &intent, nil
}

// VerifyPayment передаёт бэкенду подтверждение от шлюза и возвращает статус оплаты.
func (c *Client) VerifyPayment(ctx context.Context, orderID string, proof model.PaymentProof) (model.PaymentStatus, error) {
	var resp verifyResponse
	_, err := c.do(ctx, http.MethodPost, "/orders/pay/verify", verifyRequest{
		OrderID:          orderID,
		GatewayOrderID:   proof.GatewayOrderID,
		GatewayPaymentID: proof.GatewayPaymentID,
		GatewaySignature: proof.GatewaySignature,
	}, &resp)
	if err != nil {
		var httpErr *HTTPError
		if errors.As(err, &httpErr) {
			switch httpErr.StatusCode {
			case http.StatusBadRequest, http.StatusUnauthorized, http.StatusUnprocessableEntity:
				return "", fmt.Errorf("%w: %s", ErrVerificationFailed, httpErr.Message)
			}
		}
		return "", fmt.Errorf("verify payment: %w", mapNotFound(err))
	}
	if !resp.PaymentStatus.Valid() {
		return "", fmt.Errorf("verify payment: unexpected status %q", resp.PaymentStatus)
	}
	return resp.PaymentStatus, nil
}

// GetOrderStatus запрашивает авторитетный статус оплаты, доставки и возврата.
func (c *Client) GetOrderStatus(ctx context.Context, orderID string) (*model.OrderStatus, error) {
	path := fmt.Sprintf("/payment/status/%s?orderType=%s", url.PathEscape(orderID), url.QueryEscape(c.orderType))

	var st model.OrderStatus
	if _, err := c.do(ctx, http.MethodGet, path, nil, &st); err != nil {
		return nil, fmt.Errorf("get order status: %w", mapNotFound(err))
	}
	if !st.PaymentStatus.Valid() {
		return nil, fmt.Errorf("get order status: unexpected payment status %q", st.PaymentStatus)
	}
	return &st, nil
}

// GetOrder возвращает заказ вместе с последними известными бэкенду статусами.
func (c *Client) GetOrder(ctx context.Context, orderID string) (*model.Order, error) {
	var resp orderEnvelope
	if _, err := c.do(ctx, http.MethodGet, "/orders/"+url.PathEscape(orderID), nil, &resp); err != nil {
		return nil, fmt.Errorf("get order: %w", mapNotFound(err))
	}
	if resp.Order.ID == "" {
		resp.Order.ID = orderID
	}
	return &resp.Order, nil
}

// CancelOrder отменяет заказ, если он ещё не отгружен.
func (c *Client) CancelOrder(ctx context.Context, orderID, reason string) (*model.Order, error) {
	var resp orderEnvelope
	_, err := c.do(ctx, http.MethodPut, "/orders/"+url.PathEscape(orderID)+"/cancel", cancelRequest{Reason: reason}, &resp)
	if err != nil {
		var httpErr *HTTPError
		if errors.As(err, &httpErr) && (httpErr.StatusCode == http.StatusConflict || httpErr.StatusCode == http.StatusUnprocessableEntity) {
			return nil, fmt.Errorf("%w: %s", ErrNotCancellable, httpErr.Message)
		}
		return nil, fmt.Errorf("cancel order: %w", mapNotFound(err))
	}
	if resp.Order.ID == "" {
		resp.Order.ID = orderID
	}
	return &resp.Order, nil
}

func mapNotFound(err error) error {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	}
	return err
}

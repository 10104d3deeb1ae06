// Package handler содержит HTTP- и websocket-обработчики экранов оформления и отслеживания заказа.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/mmeshcher/ordersync/internal/checkout"
	"github.com/mmeshcher/ordersync/internal/gateway"
	"github.com/mmeshcher/ordersync/internal/middleware"
	"github.com/mmeshcher/ordersync/internal/model"
	"github.com/mmeshcher/ordersync/internal/service"
	"github.com/mmeshcher/ordersync/internal/validation"
)

// Service определяет контракт сценариев, используемых HTTP-обработчиками.
type Service interface {
	StartCheckout(ctx context.Context, req service.CheckoutRequest) (*service.CheckoutResult, error)
	CompleteCheckout(attemptID string, cb checkout.Callback) (bool, error)
	ResumeAfterRedirect(ctx context.Context, orderID string) (model.OrderView, error)
	View(ctx context.Context, orderID string) (model.OrderView, error)
	Refresh(ctx context.Context, orderID string) (model.OrderView, error)
	Cancel(ctx context.Context, orderID, reason string) (model.OrderView, error)
	Processing(orderID string) bool
	Authorize(ctx context.Context, orderID, customerID string) error
	Subscribe(ctx context.Context, orderID string, redirected bool) (<-chan model.OrderView, func(), error)
}

// Handler реализует HTTP-обработчики API.
type Handler struct {
	service        Service
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
	upgrader       websocket.Upgrader
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AuthMiddleware) *Handler {
	return &Handler{
		service:        s,
		logger:         logger,
		authMiddleware: auth,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// Display-состояния, которые показывает интерфейс.
const (
	DisplayAwaitingPayment = "awaiting_payment"
	DisplayProcessing      = "processing"
	DisplayPaymentFailed   = "payment_failed"
	DisplayPaid            = "paid"
	DisplayCancelled       = "cancelled"
	DisplayRefundPending   = "refund_pending"
	DisplayRefunded        = "refunded"
)

// displayState выводит состояние экрана из представления. Ожидающая оплата, которую не удалось
// подтвердить, показывается как "processing": заказ не помечается неуспешным.
func displayState(v model.OrderView, processing bool) string {
	switch {
	case v.FulfillmentStatus == model.FulfillmentCancelled:
		return DisplayCancelled
	case v.RefundStatus == model.RefundCompleted || v.PaymentStatus == model.PaymentRefunded:
		return DisplayRefunded
	case v.RefundStatus == model.RefundPending:
		return DisplayRefundPending
	case v.PaymentStatus == model.PaymentFailed:
		return DisplayPaymentFailed
	case v.PaymentStatus == model.PaymentPending:
		if processing {
			return DisplayProcessing
		}
		return DisplayAwaitingPayment
	case v.FulfillmentStatus == model.FulfillmentPlaced:
		return DisplayPaid
	default:
		return string(v.FulfillmentStatus)
	}
}

type viewResponse struct {
	model.OrderView
	Display string `json:"display"`
}

func (h *Handler) viewResponse(v model.OrderView) viewResponse {
	return viewResponse{OrderView: v, Display: displayState(v, h.service.Processing(v.OrderID))}
}

type errorResponse struct {
	Error string       `json:"error"`
	Retry *bool        `json:"retry,omitempty"`
	Order *model.Order `json:"order,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError переводит ошибку сервиса в HTTP-ответ.
func (h *Handler) writeError(w http.ResponseWriter, op string, err error) {
	status := http.StatusInternalServerError
	resp := errorResponse{Error: err.Error()}

	switch {
	case errors.Is(err, validation.ErrInvalidCheckout):
		status = http.StatusBadRequest
	case errors.Is(err, gateway.ErrOrderSubmissionUnknown):
		// Повтор может создать дубликат заказа.
		status = http.StatusConflict
		retry := false
		resp.Retry = &retry
	case errors.Is(err, gateway.ErrNotFound), errors.Is(err, checkout.ErrUnknownAttempt),
		errors.Is(err, service.ErrNotOwner):
		status = http.StatusNotFound
	case errors.Is(err, service.ErrNotCancellable):
		status = http.StatusConflict
	case errors.Is(err, checkout.ErrGatewayUnavailable), errors.Is(err, service.ErrClosed):
		status = http.StatusServiceUnavailable
	case errors.Is(err, gateway.ErrNetwork):
		status = http.StatusBadGateway
	default:
		var httpErr *gateway.HTTPError
		if errors.As(err, &httpErr) {
			status = http.StatusBadGateway
		}
	}

	if resp.Retry == nil && gateway.IsRetryable(err) {
		retry := true
		resp.Retry = &retry
	}

	if status >= http.StatusInternalServerError {
		h.logger.Error(op+" error", zap.Error(err))
	} else {
		h.logger.Debug(op+" rejected", zap.Error(err))
	}
	writeJSON(w, status, resp)
}

// decodeOptional разбирает JSON-тело, допуская его отсутствие.
func decodeOptional(r *http.Request, v any) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// requireOwner пропускает к маршрутам заказа только покупателя, который его оформил.
// Чужой заказ неотличим от несуществующего.
func (h *Handler) requireOwner(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		customerID, _ := middleware.GetCustomerIDFromContext(r.Context())
		if err := h.service.Authorize(r.Context(), chi.URLParam(r, "orderID"), customerID); err != nil {
			h.writeError(w, "authorize order", err)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type sessionRequest struct {
	CustomerID string `json:"customerId"`
}

// IssueSession выдаёт cookie покупателя. Без customerId создаётся анонимный идентификатор.
func (h *Handler) IssueSession(w http.ResponseWriter, r *http.Request) {
	var req sessionRequest
	if err := decodeOptional(r, &req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	id := strings.TrimSpace(req.CustomerID)
	if id == "" {
		id = uuid.NewString()
	}

	h.authMiddleware.SetAuthCookie(w, id)
	writeJSON(w, http.StatusOK, sessionRequest{CustomerID: id})
}

// StartCheckout создаёт заказ и возвращает параметры виджета оплаты.
func (h *Handler) StartCheckout(w http.ResponseWriter, r *http.Request) {
	var req service.CheckoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	req.CustomerID, _ = middleware.GetCustomerIDFromContext(r.Context())

	res, err := h.service.StartCheckout(r.Context(), req)
	if err != nil {
		if res != nil && res.Order != nil {
			// Заказ создан, но оплату открыть не удалось: клиент может выбрать оплату при получении.
			status := http.StatusBadGateway
			if errors.Is(err, checkout.ErrGatewayUnavailable) {
				status = http.StatusServiceUnavailable
			}
			h.logger.Warn("checkout payment step failed", zap.String("order", res.Order.ID), zap.Error(err))
			writeJSON(w, status, errorResponse{Error: err.Error(), Order: res.Order})
			return
		}
		h.writeError(w, "start checkout", err)
		return
	}

	writeJSON(w, http.StatusCreated, res)
}

// CompleteCheckout принимает колбэк виджета шлюза.
func (h *Handler) CompleteCheckout(w http.ResponseWriter, r *http.Request) {
	attemptID := chi.URLParam(r, "attemptID")

	var cb checkout.Callback
	if err := json.NewDecoder(r.Body).Decode(&cb); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	resolved, err := h.service.CompleteCheckout(attemptID, cb)
	if err != nil {
		h.writeError(w, "complete checkout", err)
		return
	}

	if !resolved {
		w.WriteHeader(http.StatusOK)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// ResumeAfterRedirect запускает опрос статуса после возврата со страницы шлюза.
func (h *Handler) ResumeAfterRedirect(w http.ResponseWriter, r *http.Request) {
	v, err := h.service.ResumeAfterRedirect(r.Context(), chi.URLParam(r, "orderID"))
	if err != nil {
		h.writeError(w, "resume after redirect", err)
		return
	}
	writeJSON(w, http.StatusAccepted, h.viewResponse(v))
}

// GetOrder возвращает текущее представление заказа.
func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	v, err := h.service.View(r.Context(), chi.URLParam(r, "orderID"))
	if err != nil {
		h.writeError(w, "get order", err)
		return
	}
	writeJSON(w, http.StatusOK, h.viewResponse(v))
}

// RefreshOrder запрашивает статус заказа вручную.
func (h *Handler) RefreshOrder(w http.ResponseWriter, r *http.Request) {
	v, err := h.service.Refresh(r.Context(), chi.URLParam(r, "orderID"))
	if err != nil {
		h.writeError(w, "refresh order", err)
		return
	}
	writeJSON(w, http.StatusOK, h.viewResponse(v))
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

// CancelOrder отменяет заказ, если он ещё не отгружен.
func (h *Handler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if err := decodeOptional(r, &req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	v, err := h.service.Cancel(r.Context(), chi.URLParam(r, "orderID"), req.Reason)
	if err != nil {
		h.writeError(w, "cancel order", err)
		return
	}
	writeJSON(w, http.StatusOK, h.viewResponse(v))
}

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mmeshcher/ordersync/internal/model"
)

func newTestClient(url string) *Client {
	return NewClient(url, Options{
		Token:        "test-token",
		RetryMax:     2,
		RetryWaitMin: time.Millisecond,
		RetryWaitMax: 5 * time.Millisecond,
	})
}

func TestGetOrderStatus_OK(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Fatalf("method = %s, want GET", r.Method)
		}
		if r.URL.Path != "/payment/status/ord-1" {
			t.Fatalf("path = %s, want /payment/status/ord-1", r.URL.Path)
		}
		if got := r.URL.Query().Get("orderType"); got != "order" {
			t.Fatalf("orderType = %q, want order", got)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-token" {
			t.Fatalf("authorization = %q", got)
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(model.OrderStatus{
			PaymentStatus:  model.PaymentPaid,
			RefundStatus:   model.RefundNone,
			TrackingNumber: "TRK1",
		})
	}))
	defer ts.Close()

	client := newTestClient(ts.URL)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	st, err := client.GetOrderStatus(ctx, "ord-1")
	if err != nil {
		t.Fatalf("GetOrderStatus error: %v", err)
	}
	if st.PaymentStatus != model.PaymentPaid || st.TrackingNumber != "TRK1" {
		t.Fatalf("unexpected status: %+v", st)
	}
}

func TestGetOrderStatus_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_ = json.NewEncoder(w).Encode(model.OrderStatus{PaymentStatus: model.PaymentPending})
	}))
	defer ts.Close()

	st, err := newTestClient(ts.URL).GetOrderStatus(context.Background(), "ord-1")
	if err != nil {
		t.Fatalf("GetOrderStatus error: %v", err)
	}
	if st.PaymentStatus != model.PaymentPending {
		t.Fatalf("payment = %s, want pending", st.PaymentStatus)
	}
	if calls.Load() != 2 {
		t.Fatalf("calls = %d, want 2", calls.Load())
	}
}

func TestCreateOrder_NotRetriedOnServerError(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer ts.Close()

	_, err := newTestClient(ts.URL).CreateOrder(context.Background(), nil, model.ShippingAddress{}, model.PaymentMethodOnline)
	if err == nil {
		t.Fatalf("expected error")
	}
	if calls.Load() != 1 {
		t.Fatalf("calls = %d, want exactly 1", calls.Load())
	}
}

func TestCreateOrder_NetworkErrorIsUncertain(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := ts.URL
	ts.Close()

	_, err := newTestClient(url).CreateOrder(context.Background(), nil, model.ShippingAddress{}, model.PaymentMethodOnline)
	if !errors.Is(err, ErrOrderSubmissionUnknown) {
		t.Fatalf("expected ErrOrderSubmissionUnknown, got %v", err)
	}
	if !errors.Is(err, ErrNetwork) {
		t.Fatalf("expected ErrNetwork in chain, got %v", err)
	}
	if IsRetryable(err) {
		t.Fatalf("unknown order submission must not be retryable")
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "network", err: fmt.Errorf("%w: GET /orders/1: refused", ErrNetwork), want: true},
		{name: "server error", err: &HTTPError{StatusCode: http.StatusBadGateway}, want: true},
		{name: "rate limited", err: &HTTPError{StatusCode: http.StatusTooManyRequests}, want: true},
		{name: "client error", err: &HTTPError{StatusCode: http.StatusBadRequest}, want: false},
		{name: "not cancellable", err: ErrNotCancellable, want: false},
		{name: "submission unknown", err: fmt.Errorf("%w: %w", ErrOrderSubmissionUnknown, ErrNetwork), want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.want {
				t.Fatalf("IsRetryable(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestCreateOrder_OK(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/orders" {
			t.Fatalf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		var req createOrderRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if len(req.Items) != 1 || req.PaymentMethod != model.PaymentMethodOnline {
			t.Fatalf("unexpected body: %+v", req)
		}
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(orderEnvelope{Order: model.Order{ID: "ord-9", Total: 49900}})
	}))
	defer ts.Close()

	order, err := newTestClient(ts.URL).CreateOrder(context.Background(),
		[]model.Item{{ProductID: "p1", VariantID: "v1", Quantity: 1, UnitPrice: 49900}},
		model.ShippingAddress{Name: "A"},
		model.PaymentMethodOnline,
	)
	if err != nil {
		t.Fatalf("CreateOrder error: %v", err)
	}
	if order.ID != "ord-9" || order.Total != 49900 {
		t.Fatalf("unexpected order: %+v", order)
	}
}

func TestVerifyPayment_SignatureMismatch(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"message":"signature mismatch"}`))
	}))
	defer ts.Close()

	_, err := newTestClient(ts.URL).VerifyPayment(context.Background(), "ord-1", model.PaymentProof{GatewaySignature: "bad"})
	if !errors.Is(err, ErrVerificationFailed) {
		t.Fatalf("expected ErrVerificationFailed, got %v", err)
	}
}

func TestCancelOrder_Conflict(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut || r.URL.Path != "/orders/ord-1/cancel" {
			t.Fatalf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		w.WriteHeader(http.StatusConflict)
	}))
	defer ts.Close()

	_, err := newTestClient(ts.URL).CancelOrder(context.Background(), "ord-1", "changed mind")
	if !errors.Is(err, ErrNotCancellable) {
		t.Fatalf("expected ErrNotCancellable, got %v", err)
	}
}

func TestGetOrder_NotFound(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer ts.Close()

	_, err := newTestClient(ts.URL).GetOrder(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if IsRetryable(err) {
		t.Fatalf("404 must not be retryable")
	}
}

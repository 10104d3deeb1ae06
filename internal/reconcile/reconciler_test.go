package reconcile

import (
	"context"
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmeshcher/ordersync/internal/checkout"
	"github.com/mmeshcher/ordersync/internal/model"
)

var t0 = time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)

func seedView() model.OrderView {
	v := model.NewOrderView("ord-1")
	v.LastUpdated = t0
	return v
}

func at(sec int) time.Time {
	return t0.Add(time.Duration(sec) * time.Second)
}

func TestApply_Idempotent(t *testing.T) {
	r := New(seedView())
	sig := model.PaymentSignal("ord-1", model.PaymentPaid, model.SourcePoll, at(1))

	first := r.Apply(sig)
	require.True(t, first.Changed())
	after := r.View()

	second := r.Apply(sig)
	assert.False(t, second.Changed())
	assert.Equal(t, []model.Field{model.FieldPayment}, second.Stale)
	assert.Equal(t, after, r.View())
	assert.Equal(t, at(1), r.View().LastUpdated)
	assert.Equal(t, 1, r.Stats().Stale)
}

func TestApply_RegressionRejected(t *testing.T) {
	for _, src := range []model.Source{model.SourceCallback, model.SourcePoll, model.SourcePush} {
		r := New(seedView())
		r.Apply(model.PaymentSignal("ord-1", model.PaymentPaid, model.SourceCallback, at(1)))

		out := r.Apply(model.PaymentSignal("ord-1", model.PaymentPending, src, at(5)))
		assert.False(t, out.Changed(), "source %s", src)
		assert.Equal(t, model.PaymentPaid, r.View().PaymentStatus)
		assert.Equal(t, model.SourceCallback, r.View().SourceOfTruth)
		assert.Equal(t, at(1), r.View().LastUpdated)
	}
}

func TestApply_PaidToRefunded(t *testing.T) {
	r := New(seedView())
	r.Apply(model.PaymentSignal("ord-1", model.PaymentPaid, model.SourceCallback, at(1)))

	refund := model.RefundCompleted
	refunded := model.PaymentRefunded
	out := r.Apply(model.Signal{
		OrderID:      "ord-1",
		Source:       model.SourcePush,
		At:           at(2),
		Payment:      &refunded,
		Refund:       &refund,
		RefundAmount: 49900,
	})

	assert.ElementsMatch(t, []model.Field{model.FieldPayment, model.FieldRefund}, out.Applied)
	v := r.View()
	assert.Equal(t, model.PaymentRefunded, v.PaymentStatus)
	assert.Equal(t, model.RefundCompleted, v.RefundStatus)
	assert.Equal(t, int64(49900), v.RefundAmount)

	out = r.Apply(model.PaymentSignal("ord-1", model.PaymentPaid, model.SourcePoll, at(3)))
	assert.False(t, out.Changed())
	assert.Equal(t, model.PaymentRefunded, r.View().PaymentStatus)
}

func TestApply_CommutativePaidAndShipped(t *testing.T) {
	a := model.PaymentSignal("ord-1", model.PaymentPaid, model.SourcePoll, at(1))
	b := model.FulfillmentSignal("ord-1", model.FulfillmentShipped, model.SourcePush, at(2))
	b.TrackingNumber = "TRK1"

	ab := New(seedView())
	ab.Apply(a)
	ab.Apply(b)

	ba := New(seedView())
	ba.Apply(b)
	ba.Apply(a)

	assert.Equal(t, ab.View(), ba.View())
	assert.Equal(t, model.PaymentPaid, ab.View().PaymentStatus)
	assert.Equal(t, model.FulfillmentShipped, ab.View().FulfillmentStatus)
	assert.Equal(t, "TRK1", ab.View().TrackingNumber)
	assert.Equal(t, at(2), ab.View().LastUpdated)
}

func TestApply_ConvergesUnderAnyOrder(t *testing.T) {
	p := func(s model.PaymentStatus, src model.Source, sec int) model.Signal {
		return model.PaymentSignal("ord-1", s, src, at(sec))
	}
	f := func(s model.FulfillmentStatus, sec int) model.Signal {
		return model.FulfillmentSignal("ord-1", s, model.SourcePush, at(sec))
	}
	signals := []model.Signal{
		p(model.PaymentPending, model.SourcePoll, 1),
		p(model.PaymentPaid, model.SourceCallback, 2),
		p(model.PaymentPaid, model.SourcePoll, 3),
		p(model.PaymentPending, model.SourcePoll, 4),
		f(model.FulfillmentConfirmed, 5),
		f(model.FulfillmentProcessing, 6),
		f(model.FulfillmentShipped, 7),
		f(model.FulfillmentConfirmed, 8),
	}

	ref := New(seedView())
	for _, s := range signals {
		ref.Apply(s)
	}
	want := ref.View()

	rnd := rand.New(rand.NewSource(7))
	for i := 0; i < 50; i++ {
		shuffled := append([]model.Signal(nil), signals...)
		rnd.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })

		r := New(seedView())
		prevPay, prevFul := -1, -1
		for _, s := range shuffled {
			r.Apply(s)
			v := r.View()
			require.GreaterOrEqual(t, v.PaymentStatus.Rank(), prevPay, "payment rank decreased")
			require.GreaterOrEqual(t, v.FulfillmentStatus.Rank(), prevFul, "fulfillment rank decreased")
			prevPay, prevFul = v.PaymentStatus.Rank(), v.FulfillmentStatus.Rank()
		}
		got := r.View()
		require.Equal(t, want.PaymentStatus, got.PaymentStatus)
		require.Equal(t, want.FulfillmentStatus, got.FulfillmentStatus)
		require.Equal(t, want.RefundStatus, got.RefundStatus)
	}
	assert.Equal(t, model.PaymentPaid, want.PaymentStatus)
	assert.Equal(t, model.FulfillmentShipped, want.FulfillmentStatus)
}

func TestApply_CancelledIsTerminal(t *testing.T) {
	r := New(seedView())
	r.Apply(model.FulfillmentSignal("ord-1", model.FulfillmentProcessing, model.SourcePush, at(1)))
	r.Apply(model.FulfillmentSignal("ord-1", model.FulfillmentCancelled, model.SourcePoll, at(2)))

	out := r.Apply(model.FulfillmentSignal("ord-1", model.FulfillmentShipped, model.SourcePush, at(3)))
	assert.False(t, out.Changed())
	assert.Equal(t, model.FulfillmentCancelled, r.View().FulfillmentStatus)
	assert.True(t, r.FulfillmentTerminal())
}

func TestApply_SameValueNewerTimestampRefreshesSource(t *testing.T) {
	r := New(seedView())
	r.Apply(model.PaymentSignal("ord-1", model.PaymentPaid, model.SourceCallback, at(2)))

	out := r.Apply(model.PaymentSignal("ord-1", model.PaymentPaid, model.SourcePoll, at(1)))
	assert.False(t, out.Changed())

	out = r.Apply(model.PaymentSignal("ord-1", model.PaymentPaid, model.SourcePoll, at(3)))
	assert.True(t, out.Changed())
	assert.Equal(t, model.SourcePoll, r.View().SourceOfTruth)
	assert.Equal(t, at(3), r.View().LastUpdated)
}

func TestApply_ForeignOrderIgnored(t *testing.T) {
	r := New(seedView())
	out := r.Apply(model.PaymentSignal("ord-2", model.PaymentPaid, model.SourcePush, at(1)))
	assert.False(t, out.Changed())
	assert.Equal(t, model.PaymentPending, r.View().PaymentStatus)
	assert.Equal(t, 1, r.Stats().Foreign)
}

func TestApply_LastUpdatedNeverDecreases(t *testing.T) {
	r := New(seedView())
	r.Apply(model.FulfillmentSignal("ord-1", model.FulfillmentConfirmed, model.SourcePush, at(10)))
	r.Apply(model.PaymentSignal("ord-1", model.PaymentPaid, model.SourceCallback, at(5)))

	v := r.View()
	assert.Equal(t, model.PaymentPaid, v.PaymentStatus)
	assert.Equal(t, at(10), v.LastUpdated)
}

func TestSubscribe_DeliversLatest(t *testing.T) {
	r := New(seedView())
	ch, cancel := r.Subscribe()
	defer cancel()

	first := <-ch
	assert.Equal(t, model.PaymentPending, first.PaymentStatus)

	r.Apply(model.FulfillmentSignal("ord-1", model.FulfillmentConfirmed, model.SourcePush, at(1)))
	r.Apply(model.FulfillmentSignal("ord-1", model.FulfillmentProcessing, model.SourcePush, at(2)))

	latest := <-ch
	assert.Equal(t, model.FulfillmentProcessing, latest.FulfillmentStatus)

	cancel()
	_, ok := <-ch
	assert.False(t, ok)
}

func TestHooks_CalledInOrder(t *testing.T) {
	var seen []model.FulfillmentStatus
	r := New(seedView(), WithHook(func(v model.OrderView) {
		seen = append(seen, v.FulfillmentStatus)
	}))

	r.Apply(model.FulfillmentSignal("ord-1", model.FulfillmentConfirmed, model.SourcePush, at(1)))
	r.Apply(model.FulfillmentSignal("ord-1", model.FulfillmentConfirmed, model.SourcePush, at(1)))
	r.Apply(model.FulfillmentSignal("ord-1", model.FulfillmentShipped, model.SourcePush, at(2)))

	assert.Equal(t, []model.FulfillmentStatus{model.FulfillmentConfirmed, model.FulfillmentShipped}, seen)
}

type stubVerifier struct {
	verifyStatus model.PaymentStatus
	verifyErr    error
	status       *model.OrderStatus
	statusErr    error
	statusCalls  int
}

func (s *stubVerifier) VerifyPayment(ctx context.Context, orderID string, proof model.PaymentProof) (model.PaymentStatus, error) {
	return s.verifyStatus, s.verifyErr
}

func (s *stubVerifier) GetOrderStatus(ctx context.Context, orderID string) (*model.OrderStatus, error) {
	s.statusCalls++
	return s.status, s.statusErr
}

var successResult = checkout.Result{
	OrderID: "ord-1",
	Proof:   &model.PaymentProof{GatewayOrderID: "o", GatewayPaymentID: "p", GatewaySignature: "s"},
}

func TestApplyCallback_HappyPath(t *testing.T) {
	r := New(seedView())
	v := &stubVerifier{verifyStatus: model.PaymentPaid}

	require.NoError(t, r.ApplyCallback(context.Background(), v, successResult))

	view := r.View()
	assert.Equal(t, model.PaymentPaid, view.PaymentStatus)
	assert.Equal(t, model.FulfillmentPlaced, view.FulfillmentStatus)
	assert.Equal(t, model.SourceCallback, view.SourceOfTruth)
	assert.Equal(t, 0, v.statusCalls)
}

func TestApplyCallback_FallbackAfterVerifyFailure(t *testing.T) {
	r := New(seedView())
	v := &stubVerifier{
		verifyErr: errors.New("payment verification failed: signature mismatch"),
		status:    &model.OrderStatus{PaymentStatus: model.PaymentPaid},
	}

	require.NoError(t, r.ApplyCallback(context.Background(), v, successResult))

	assert.Equal(t, model.PaymentPaid, r.View().PaymentStatus)
	assert.Equal(t, model.SourcePoll, r.View().SourceOfTruth)
	assert.Equal(t, 1, v.statusCalls, "exactly one fallback status check")
}

func TestApplyCallback_UnconfirmedStaysPending(t *testing.T) {
	r := New(seedView())
	v := &stubVerifier{
		verifyErr: errors.New("signature mismatch"),
		status:    &model.OrderStatus{PaymentStatus: model.PaymentPending},
	}

	err := r.ApplyCallback(context.Background(), v, successResult)
	require.ErrorIs(t, err, ErrPaymentNotConfirmed)
	assert.Equal(t, model.PaymentPending, r.View().PaymentStatus, "local failure must not be invented")
	assert.Equal(t, 1, v.statusCalls)

	// Поздний вебхук подтверждает оплату.
	r.Apply(model.PaymentSignal("ord-1", model.PaymentPaid, model.SourcePush, time.Now().Add(time.Minute)))
	assert.Equal(t, model.PaymentPaid, r.View().PaymentStatus)
}

func TestApplyCallback_FallbackErrorStaysPending(t *testing.T) {
	r := New(seedView())
	v := &stubVerifier{
		verifyErr: errors.New("signature mismatch"),
		statusErr: errors.New("connection refused"),
	}

	err := r.ApplyCallback(context.Background(), v, successResult)
	require.ErrorIs(t, err, ErrPaymentNotConfirmed)
	assert.Equal(t, model.PaymentPending, r.View().PaymentStatus)
	assert.Equal(t, 1, v.statusCalls)
}

func TestApply_FailedIsTerminal(t *testing.T) {
	r := New(seedView())
	r.Apply(model.PaymentSignal("ord-1", model.PaymentFailed, model.SourcePush, at(1)))

	for _, next := range []model.PaymentStatus{model.PaymentPaid, model.PaymentRefunded, model.PaymentPending} {
		out := r.Apply(model.PaymentSignal("ord-1", next, model.SourcePoll, at(2)))
		assert.False(t, out.Changed(), "failed -> %s", next)
	}
	assert.Equal(t, model.PaymentFailed, r.View().PaymentStatus)
	assert.Equal(t, model.SourcePush, r.View().SourceOfTruth)
}

func TestApplyCallback_GatewayFailure(t *testing.T) {
	r := New(seedView())
	v := &stubVerifier{}

	require.NoError(t, r.ApplyCallback(context.Background(), v, checkout.Result{OrderID: "ord-1", Reason: "card declined"}))
	assert.Equal(t, model.PaymentFailed, r.View().PaymentStatus)
	assert.Equal(t, 0, v.statusCalls)
}

func TestApplyCallback_DuplicateSuccessIsIdempotent(t *testing.T) {
	now := at(1)
	r := New(seedView(), WithClock(func() time.Time { return now }))
	v := &stubVerifier{verifyStatus: model.PaymentPaid}

	require.NoError(t, r.ApplyCallback(context.Background(), v, successResult))
	first := r.View()
	require.NoError(t, r.ApplyCallback(context.Background(), v, successResult))
	assert.Equal(t, first, r.View())
}

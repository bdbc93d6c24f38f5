package services

import (
	"context"
	"crypto/rand"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil/bech32"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lnescrow/internal/lnd"
	"lnescrow/internal/models"
)

// buyerPayReq builds a decodable BOLT11 payment request: 7-group timestamp,
// payment hash tag, expiry tag, 104 signature groups.
func buyerPayReq(t *testing.T, hrp string, ts time.Time, expirySecs int64) string {
	t.Helper()

	var data []byte
	unix := ts.Unix()
	for i := 6; i >= 0; i-- {
		data = append(data, byte((unix>>(5*i))&31))
	}

	hash := make([]byte, 32)
	_, err := rand.Read(hash)
	require.NoError(t, err)
	hashGroups, err := bech32.ConvertBits(hash, 8, 5, true)
	require.NoError(t, err)
	data = append(data, 1, byte(len(hashGroups)>>5), byte(len(hashGroups)&31))
	data = append(data, hashGroups...)

	if expirySecs > 0 {
		var groups []byte
		for v := expirySecs; v > 0; v >>= 5 {
			groups = append([]byte{byte(v & 31)}, groups...)
		}
		data = append(data, 6, byte(len(groups)>>5), byte(len(groups)&31))
		data = append(data, groups...)
	}

	data = append(data, make([]byte, 104)...)
	encoded, err := bech32.Encode(hrp, data)
	require.NoError(t, err)
	return encoded
}

func countEvents(n *recordingNotifier, name string) int {
	count := 0
	for _, got := range n.names() {
		if got == name {
			count++
		}
	}
	return count
}

func TestSetInvoiceBeforeRelease(t *testing.T) {
	c, st, _, n := newTestEnv(t)
	ctx := context.Background()

	order := escrowedOrder(t, c)
	payReq := buyerPayReq(t, "lnbc2500u", time.Now(), 86400) // matches the 250k sat order

	require.NoError(t, c.SetInvoice(ctx, order.ID, "buyer-1", payReq))
	assert.True(t, n.has("invoice-updated"))

	current, err := st.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, payReq, current.BuyerInvoice)
	assert.Equal(t, models.OrderActive, current.Status)

	// No payout was queued: the escrow is not settled yet.
	_, err = st.GetUnexhaustedPendingPayment(ctx, order.ID)
	assert.Error(t, err)
}

func TestSetInvoiceValidation(t *testing.T) {
	c, _, _, _ := newTestEnv(t)
	ctx := context.Background()

	order := escrowedOrder(t, c)

	err := c.SetInvoice(ctx, order.ID, "seller-1", buyerPayReq(t, "lnbc2500u", time.Now(), 86400))
	assert.ErrorIs(t, err, ErrNotBuyer)

	err = c.SetInvoice(ctx, order.ID, "buyer-1", "garbage")
	assert.Error(t, err)

	// Amount-carrying invoice must match the order amount.
	err = c.SetInvoice(ctx, order.ID, "buyer-1", buyerPayReq(t, "lnbc1000u", time.Now(), 86400))
	assert.ErrorIs(t, err, ErrInvoiceAmountMismatch)

	err = c.SetInvoice(ctx, order.ID, "buyer-1", buyerPayReq(t, "lnbc2500u", time.Now().Add(-2*time.Hour), 3600))
	assert.ErrorIs(t, err, ErrInvoiceExpired)

	// Amountless invoices are accepted.
	err = c.SetInvoice(ctx, order.ID, "buyer-1", buyerPayReq(t, "lnbc", time.Now(), 86400))
	assert.NoError(t, err)
}

func TestSettledPaysBuyerAndCompletes(t *testing.T) {
	c, st, gw, n := newTestEnv(t)
	ctx := context.Background()

	order := escrowedOrder(t, c)
	payReq := buyerPayReq(t, "lnbc2500u", time.Now(), 86400)
	require.NoError(t, c.SetInvoice(ctx, order.ID, "buyer-1", payReq))
	require.NoError(t, c.Release(ctx, order.ID, "seller-1"))

	c.OnInvoiceUpdate(ctx, lnd.InvoiceUpdate{Hash: *order.Hash, State: lnd.InvoiceSettled})

	current, err := st.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderSuccess, current.Status)
	require.Len(t, gw.paid, 1)
	assert.Equal(t, payReq, gw.paid[0].request)
	assert.Equal(t, int64(0), gw.paid[0].amount) // the request carries its amount
	assert.True(t, n.has("order-completed"))

	// The queue is drained.
	_, err = st.GetUnexhaustedPendingPayment(ctx, order.ID)
	assert.Error(t, err)
}

func TestSettledDeliveredTwicePaysOnce(t *testing.T) {
	c, st, gw, _ := newTestEnv(t)
	ctx := context.Background()

	order := escrowedOrder(t, c)
	require.NoError(t, c.SetInvoice(ctx, order.ID, "buyer-1", buyerPayReq(t, "lnbc2500u", time.Now(), 86400)))
	require.NoError(t, c.Release(ctx, order.ID, "seller-1"))

	c.OnInvoiceUpdate(ctx, lnd.InvoiceUpdate{Hash: *order.Hash, State: lnd.InvoiceSettled})
	c.OnInvoiceUpdate(ctx, lnd.InvoiceUpdate{Hash: *order.Hash, State: lnd.InvoiceSettled})

	assert.Len(t, gw.paid, 1)
	current, err := st.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderSuccess, current.Status)
}

func TestSettledAmountlessInvoicePaysExplicitAmount(t *testing.T) {
	c, _, gw, _ := newTestEnv(t)
	ctx := context.Background()

	order := escrowedOrder(t, c)
	require.NoError(t, c.SetInvoice(ctx, order.ID, "buyer-1", buyerPayReq(t, "lnbc", time.Now(), 86400)))
	require.NoError(t, c.Release(ctx, order.ID, "seller-1"))

	c.OnInvoiceUpdate(ctx, lnd.InvoiceUpdate{Hash: *order.Hash, State: lnd.InvoiceSettled})

	require.Len(t, gw.paid, 1)
	assert.Equal(t, int64(250_000), gw.paid[0].amount)
}

func TestSettledWithoutBuyerInvoiceWaits(t *testing.T) {
	c, st, gw, n := newTestEnv(t)
	ctx := context.Background()

	order := escrowedOrder(t, c)
	require.NoError(t, c.Release(ctx, order.ID, "seller-1"))

	c.OnInvoiceUpdate(ctx, lnd.InvoiceUpdate{Hash: *order.Hash, State: lnd.InvoiceSettled})

	assert.True(t, n.has("payout-invoice-needed"))
	assert.Empty(t, gw.paid)

	current, err := st.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderPaidHoldInvoice, current.Status)
}

func TestSetInvoiceAfterReleaseQueuesPayout(t *testing.T) {
	c, st, _, n := newTestEnv(t)
	ctx := context.Background()

	order := escrowedOrder(t, c)
	require.NoError(t, c.Release(ctx, order.ID, "seller-1"))
	c.OnInvoiceUpdate(ctx, lnd.InvoiceUpdate{Hash: *order.Hash, State: lnd.InvoiceSettled})

	payReq := buyerPayReq(t, "lnbc2500u", time.Now(), 86400)
	require.NoError(t, c.SetInvoice(ctx, order.ID, "buyer-1", payReq))
	assert.True(t, n.has("invoice-updated-payout-queued"))

	pp, err := st.GetUnexhaustedPendingPayment(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, payReq, pp.PaymentRequest)
	assert.Equal(t, "buyer-1", pp.UserID)
	assert.Equal(t, int64(250_000), pp.Amount)

	current, err := st.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.True(t, current.PaidHoldBuyerInvoiceUpdated)

	// The latch is one-way: a second submission cannot queue again.
	err = c.SetInvoice(ctx, order.ID, "buyer-1", buyerPayReq(t, "lnbc2500u", time.Now(), 86400))
	assert.ErrorIs(t, err, ErrPayoutAlreadyQueued)
}

func TestPayoutFailureLeavesQueueForRetry(t *testing.T) {
	c, st, gw, n := newTestEnv(t)
	ctx := context.Background()

	order := escrowedOrder(t, c)
	require.NoError(t, c.SetInvoice(ctx, order.ID, "buyer-1", buyerPayReq(t, "lnbc2500u", time.Now(), 86400)))
	require.NoError(t, c.Release(ctx, order.ID, "seller-1"))

	gw.payErr = errGateway
	c.OnInvoiceUpdate(ctx, lnd.InvoiceUpdate{Hash: *order.Hash, State: lnd.InvoiceSettled})

	assert.True(t, n.has("payout-pending"))
	current, err := st.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderPaidHoldInvoice, current.Status)

	pp, err := st.GetUnexhaustedPendingPayment(ctx, order.ID)
	require.NoError(t, err)

	// Two failed retries bring it to the cap.
	assert.ErrorIs(t, c.AttemptPendingPayment(ctx, pp), errGateway)
	pp, err = st.GetUnexhaustedPendingPayment(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, pp.Attempts)

	assert.ErrorIs(t, c.AttemptPendingPayment(ctx, pp), errGateway)
	assert.ErrorIs(t, c.AttemptPendingPayment(ctx, pp), errGateway)
	assert.True(t, n.has("payout-failed-permanently"))
	assert.True(t, n.has("payout-failed"))

	// Exhausted: no longer retryable.
	_, err = st.GetUnexhaustedPendingPayment(ctx, order.ID)
	assert.Error(t, err)
}

func TestRetrySucceedsAndCompletes(t *testing.T) {
	c, st, gw, n := newTestEnv(t)
	ctx := context.Background()

	order := escrowedOrder(t, c)
	require.NoError(t, c.SetInvoice(ctx, order.ID, "buyer-1", buyerPayReq(t, "lnbc2500u", time.Now(), 86400)))
	require.NoError(t, c.Release(ctx, order.ID, "seller-1"))

	gw.payErr = errGateway
	c.OnInvoiceUpdate(ctx, lnd.InvoiceUpdate{Hash: *order.Hash, State: lnd.InvoiceSettled})

	pp, err := st.GetUnexhaustedPendingPayment(ctx, order.ID)
	require.NoError(t, err)

	gw.payErr = nil
	require.NoError(t, c.AttemptPendingPayment(ctx, pp))

	current, err := st.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderSuccess, current.Status)
	assert.True(t, n.has("order-completed"))
	assert.Len(t, gw.paid, 1)

	_, err = st.GetUnexhaustedPendingPayment(ctx, order.ID)
	assert.Error(t, err)
}

func TestAcceptedDeliveredTwiceActivatesOnce(t *testing.T) {
	c, st, _, n := newTestEnv(t)
	ctx := context.Background()

	order := escrowedOrder(t, c) // already consumed one ACCEPTED
	c.OnInvoiceUpdate(ctx, lnd.InvoiceUpdate{Hash: *order.Hash, State: lnd.InvoiceAccepted})

	assert.Equal(t, 1, countEvents(n, "escrow-active"))
	current, err := st.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderActive, current.Status)
}

func TestCanceledInvoiceExpiresUnpaidOrderOnly(t *testing.T) {
	c, st, _, _ := newTestEnv(t)
	ctx := context.Background()

	order, err := c.CreateOrder(ctx, "seller-1", sellParams())
	require.NoError(t, err)
	_, err = c.TakeOrder(ctx, order.ID, "buyer-1")
	require.NoError(t, err)
	_, err = c.ContinueTake(ctx, order.ID, "buyer-1")
	require.NoError(t, err)
	order, err = st.GetOrder(ctx, order.ID)
	require.NoError(t, err)

	c.OnInvoiceUpdate(ctx, lnd.InvoiceUpdate{Hash: *order.Hash, State: lnd.InvoiceCanceled})
	current, err := st.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderExpired, current.Status)

	// A cancel landing on an active trade must not expire it.
	active := escrowedOrder(t, c)
	c.OnInvoiceUpdate(ctx, lnd.InvoiceUpdate{Hash: *active.Hash, State: lnd.InvoiceCanceled})
	current, err = st.GetOrder(ctx, active.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderActive, current.Status)
}

func TestInvoiceUpdateUnknownHashIgnored(t *testing.T) {
	c, _, _, n := newTestEnv(t)
	c.OnInvoiceUpdate(context.Background(), lnd.InvoiceUpdate{Hash: "no-such-hash", State: lnd.InvoiceSettled})
	assert.Empty(t, n.names())
}

func TestConcurrentEnqueuesKeepSingleQueuedPayout(t *testing.T) {
	c, st, _, _ := newTestEnv(t)
	ctx := context.Background()

	order := escrowedOrder(t, c)
	require.NoError(t, c.Release(ctx, order.ID, "seller-1"))

	// A settle delivery and a buyer invoice submission may enqueue at the
	// same moment; only one row may land.
	results := make([]bool, 2)
	var wg sync.WaitGroup
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			inserted, err := st.EnqueuePendingPayment(ctx, &models.PendingPayment{
				ID:             fmt.Sprintf("pp-race-%d", i),
				OrderID:        order.ID,
				UserID:         "buyer-1",
				Amount:         order.Amount,
				PaymentRequest: "lnbc-payout-race",
			})
			assert.NoError(t, err)
			results[i] = inserted
		}(i)
	}
	wg.Wait()

	assert.NotEqual(t, results[0], results[1], "exactly one enqueue may land")
	pending, err := st.ListRetryablePendingPayments(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	// The uniqueness is scoped to live rows: once the queued payout is
	// exhausted a fresh one may be enqueued.
	for i := 0; i < c.MaxPaymentAttempts; i++ {
		_, err = st.IncrementPendingPaymentAttempts(ctx, pending[0].ID, c.MaxPaymentAttempts)
		require.NoError(t, err)
	}
	inserted, err := st.EnqueuePendingPayment(ctx, &models.PendingPayment{
		ID:             "pp-after-exhaustion",
		OrderID:        order.ID,
		UserID:         "buyer-1",
		Amount:         order.Amount,
		PaymentRequest: "lnbc-payout-fresh",
	})
	require.NoError(t, err)
	assert.True(t, inserted)
}

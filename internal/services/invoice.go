package services

import (
	"context"
	"time"

	"lnescrow/internal/invoice"
	"lnescrow/internal/models"
	"lnescrow/internal/notify"

	"github.com/google/uuid"
)

// SetInvoice records the buyer's payout destination. If the seller already
// released (PAID_HOLD_INVOICE) the payout is queued instead of paid inline,
// guarded by the one-unexhausted-pending-payment invariant and the one-way
// paid_hold_buyer_invoice_updated latch.
func (c *Coordinator) SetInvoice(ctx context.Context, orderID, userID, paymentRequest string) error {
	user, err := c.activeUser(ctx, userID)
	if err != nil {
		return err
	}
	order, err := c.getOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if order.PartyID(models.RoleBuyer) != user.ID {
		return ErrNotBuyer
	}
	if order.Status == models.OrderSuccess || order.Status.Terminal() {
		return ErrInvalidState
	}

	inv, err := invoice.Decode(paymentRequest)
	if err != nil {
		return err
	}
	if inv.IsExpired(time.Now().UTC()) {
		return ErrInvoiceExpired
	}
	if inv.Sat != 0 && inv.Sat != order.Amount {
		return ErrInvoiceAmountMismatch
	}

	if err := c.Store.SetBuyerInvoice(ctx, order.ID, paymentRequest); err != nil {
		return err
	}

	if order.Status != models.OrderPaidHoldInvoice {
		c.Notifier.Notify(ctx, notify.Event{
			Name:       "invoice-updated",
			OrderID:    order.ID,
			Recipients: []string{user.ID},
		})
		return nil
	}

	// Seller released before the buyer supplied a destination: queue the
	// payout for the retry sweep instead of paying inline.
	if _, err := c.Store.GetUnexhaustedPendingPayment(ctx, order.ID); err == nil {
		c.Notifier.Notify(ctx, notify.Event{
			Name:       "payout-already-queued",
			OrderID:    order.ID,
			Recipients: []string{user.ID},
		})
		return ErrPayoutAlreadyQueued
	}

	rows, err := c.Store.LatchPaidHoldInvoiceUpdated(ctx, order.ID)
	if err != nil {
		return err
	}
	if rows == 0 {
		c.Notifier.Notify(ctx, notify.Event{
			Name:       "payout-already-queued",
			OrderID:    order.ID,
			Recipients: []string{user.ID},
		})
		return ErrPayoutAlreadyQueued
	}

	inserted, err := c.enqueuePayout(ctx, order, paymentRequest)
	if err != nil {
		return err
	}
	if !inserted {
		return ErrPayoutAlreadyQueued
	}
	c.Notifier.Notify(ctx, notify.Event{
		Name:       "invoice-updated-payout-queued",
		OrderID:    order.ID,
		Recipients: []string{user.ID},
	})
	return nil
}

// enqueuePayout inserts a pending payment for the order's buyer. The store
// refuses the insert when a live one already exists.
func (c *Coordinator) enqueuePayout(ctx context.Context, order *models.Order, paymentRequest string) (bool, error) {
	hash := ""
	if order.Hash != nil {
		hash = *order.Hash
	}
	pp := &models.PendingPayment{
		ID:             uuid.NewString(),
		OrderID:        order.ID,
		UserID:         order.PartyID(models.RoleBuyer),
		Amount:         order.Amount,
		PaymentRequest: paymentRequest,
		Description:    order.Description,
		Hash:           hash,
	}
	return c.Store.EnqueuePendingPayment(ctx, pp)
}

// settleBuyerPayout attempts the payout for a freshly settled escrow. The
// pending-payment row doubles as the idempotency token: duplicate settle
// deliveries cannot enqueue (or pay) twice.
func (c *Coordinator) settleBuyerPayout(ctx context.Context, order *models.Order) {
	buyerID := order.PartyID(models.RoleBuyer)
	if order.BuyerInvoice == "" {
		c.Notifier.Notify(ctx, notify.Event{
			Name:       "payout-invoice-needed",
			OrderID:    order.ID,
			Recipients: []string{buyerID},
		})
		return
	}

	inserted, err := c.enqueuePayout(ctx, order, order.BuyerInvoice)
	if err != nil || !inserted {
		return
	}

	pp, err := c.Store.GetUnexhaustedPendingPayment(ctx, order.ID)
	if err != nil {
		return
	}
	if err := c.Gateway.PayInvoice(ctx, pp.PaymentRequest, payoutAmount(pp)); err != nil {
		// Leave the row queued; the retry sweep owns it from here.
		c.Notifier.Notify(ctx, notify.Event{
			Name:       "payout-pending",
			OrderID:    order.ID,
			Recipients: []string{buyerID},
		})
		return
	}
	c.finishPayout(ctx, pp)
}

// finishPayout removes the queued payment and completes the order.
func (c *Coordinator) finishPayout(ctx context.Context, pp *models.PendingPayment) {
	_ = c.Store.DeletePendingPayment(ctx, pp.ID)
	rows, err := c.Store.UpdateStatusFrom(ctx, pp.OrderID, models.OrderSuccess, "", models.OrderPaidHoldInvoice)
	if err != nil || rows == 0 {
		return
	}
	order, err := c.Store.GetOrder(ctx, pp.OrderID)
	if err != nil {
		return
	}
	c.Notifier.Notify(ctx, notify.Event{
		Name:       "order-completed",
		OrderID:    order.ID,
		Recipients: []string{order.PartyID(models.RoleBuyer), order.PartyID(models.RoleSeller)},
	})
}

// payoutAmount passes an explicit amount only for amountless requests.
func payoutAmount(pp *models.PendingPayment) int64 {
	inv, err := invoice.Decode(pp.PaymentRequest)
	if err != nil || inv.Sat != 0 {
		return 0
	}
	return pp.Amount
}

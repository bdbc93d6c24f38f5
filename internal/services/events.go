package services

import (
	"context"
	"log"

	"lnescrow/internal/lnd"
	"lnescrow/internal/models"
	"lnescrow/internal/notify"
)

// OnInvoiceUpdate applies hold-invoice state changes from the gateway stream
// to the order. Deliveries may repeat after reconnects; every transition is
// a guarded update against the persisted status, so duplicates fall through.
func (c *Coordinator) OnInvoiceUpdate(ctx context.Context, update lnd.InvoiceUpdate) {
	order, err := c.Store.GetOrderByHash(ctx, update.Hash)
	if err != nil {
		log.Printf("invoice %s: no order: %v", update.Hash, err)
		return
	}

	switch update.State {
	case lnd.InvoiceAccepted:
		c.onInvoiceAccepted(ctx, order)
	case lnd.InvoiceSettled:
		c.onInvoiceSettled(ctx, order)
	case lnd.InvoiceCanceled:
		c.onInvoiceCanceled(ctx, order)
	}
}

// onInvoiceAccepted: the seller's payment is held; the trade goes live.
func (c *Coordinator) onInvoiceAccepted(ctx context.Context, order *models.Order) {
	rows, err := c.Store.UpdateStatusFrom(ctx, order.ID, models.OrderActive, "", models.OrderWaitingPayment)
	if err != nil {
		log.Printf("order %s: activate failed: %v", order.ID, err)
		return
	}
	if rows == 0 {
		return
	}
	log.Printf("order %s -> ACTIVE", order.ID)
	c.Notifier.Notify(ctx, notify.Event{
		Name:       "escrow-active",
		OrderID:    order.ID,
		Recipients: []string{order.PartyID(models.RoleBuyer), order.PartyID(models.RoleSeller)},
		Data:       map[string]any{"payment_method": order.PaymentMethod, "fiat_amount": order.FiatAmount, "fiat_code": order.FiatCode},
	})
}

// onInvoiceSettled: the preimage was revealed (release or admin settle); the
// escrowed sats are ours to forward to the buyer.
func (c *Coordinator) onInvoiceSettled(ctx context.Context, order *models.Order) {
	// The node is authoritative: once it reports SETTLED the preimage is
	// out, whichever path triggered it.
	if err := c.Store.MarkInvoiceSettled(ctx, order.ID); err != nil {
		log.Printf("order %s: record settle failed: %v", order.ID, err)
	}

	rows, err := c.Store.UpdateStatusFrom(ctx, order.ID, models.OrderPaidHoldInvoice, "",
		models.OrderActive, models.OrderFiatSent)
	if err != nil {
		log.Printf("order %s: mark paid failed: %v", order.ID, err)
		return
	}
	if rows > 0 {
		log.Printf("order %s -> PAID_HOLD_INVOICE", order.ID)
	}

	current, err := c.Store.GetOrder(ctx, order.ID)
	if err != nil {
		log.Printf("order %s: reload failed: %v", order.ID, err)
		return
	}
	// Admin settles land in COMPLETED_BY_ADMIN; the payout there is the
	// admin's call, not ours.
	if current.Status != models.OrderPaidHoldInvoice {
		return
	}
	c.settleBuyerPayout(ctx, current)
}

// onInvoiceCanceled: the hold invoice died (expiry or an explicit cancel).
// Cancel paths already moved the order themselves; this only catches an
// escrow dying under a live trade.
func (c *Coordinator) onInvoiceCanceled(ctx context.Context, order *models.Order) {
	rows, err := c.Store.UpdateStatusFrom(ctx, order.ID, models.OrderExpired, "", models.OrderWaitingPayment)
	if err != nil {
		log.Printf("order %s: expire failed: %v", order.ID, err)
		return
	}
	if rows == 0 {
		return
	}
	log.Printf("order %s -> EXPIRED (invoice canceled)", order.ID)
	c.Notifier.Notify(ctx, notify.Event{
		Name:       "hold-invoice-canceled",
		OrderID:    order.ID,
		Recipients: []string{order.CreatorID},
	})
}

package services

import (
	"context"
	"log"

	"lnescrow/internal/models"
	"lnescrow/internal/notify"
)

// The timed sweeps are re-entrant callers of the same guarded transitions the
// interactive commands use; these are the per-item operations they invoke.

// AttemptPendingPayment retries one queued payout. On success the row is
// removed and the order completes; on failure the attempt counter climbs
// until the cap, at which point the admin is told the payout is dead.
func (c *Coordinator) AttemptPendingPayment(ctx context.Context, pp *models.PendingPayment) error {
	err := c.Gateway.PayInvoice(ctx, pp.PaymentRequest, payoutAmount(pp))
	if err == nil {
		c.finishPayout(ctx, pp)
		return nil
	}

	attempts, incErr := c.Store.IncrementPendingPaymentAttempts(ctx, pp.ID, c.MaxPaymentAttempts)
	if incErr != nil {
		return incErr
	}
	if attempts >= c.MaxPaymentAttempts {
		c.notifyAdmin(ctx, "payout-failed-permanently", pp.OrderID, map[string]any{
			"user_id":  pp.UserID,
			"attempts": attempts,
			"error":    err.Error(),
		})
		c.Notifier.Notify(ctx, notify.Event{
			Name:       "payout-failed",
			OrderID:    pp.OrderID,
			Recipients: []string{pp.UserID},
		})
	}
	return err
}

// ExpirePendingOrder retires a never-taken order that sat unpublished too
// long.
func (c *Coordinator) ExpirePendingOrder(ctx context.Context, order *models.Order) error {
	rows, err := c.Store.UpdateStatusFrom(ctx, order.ID, models.OrderExpired, "", models.OrderPending)
	if err != nil {
		return err
	}
	if rows == 0 {
		return nil
	}
	log.Printf("order %s -> EXPIRED", order.ID)
	c.cleanupChannelMessages(ctx, order)
	c.Notifier.Notify(ctx, notify.Event{
		Name:       "order-expired",
		OrderID:    order.ID,
		Recipients: []string{order.CreatorID},
	})
	return nil
}

// CancelStaleEscrow expires an order whose hold invoice the seller never
// paid and refunds the invoice. The guard goes first: if the payment landed
// meanwhile the order is ACTIVE and the escrow must stay held.
func (c *Coordinator) CancelStaleEscrow(ctx context.Context, order *models.Order) error {
	rows, err := c.Store.UpdateStatusFrom(ctx, order.ID, models.OrderExpired, "", models.OrderWaitingPayment)
	if err != nil {
		return err
	}
	if rows == 0 {
		return nil
	}
	if order.EscrowHeld() {
		if err := c.Gateway.CancelHoldInvoice(ctx, *order.Hash); err != nil {
			c.notifyAdmin(ctx, "refund-failed", order.ID, map[string]any{"error": err.Error()})
			return err
		}
	}
	log.Printf("order %s -> EXPIRED (unpaid escrow)", order.ID)
	c.cleanupChannelMessages(ctx, order)
	c.Notifier.Notify(ctx, notify.Event{
		Name:       "order-expired",
		OrderID:    order.ID,
		Recipients: partyRecipients(order),
	})
	return nil
}

func partyRecipients(order *models.Order) []string {
	var out []string
	if id := order.PartyID(models.RoleBuyer); id != "" {
		out = append(out, id)
	}
	if id := order.PartyID(models.RoleSeller); id != "" {
		out = append(out, id)
	}
	if len(out) == 0 {
		out = append(out, order.CreatorID)
	}
	return out
}

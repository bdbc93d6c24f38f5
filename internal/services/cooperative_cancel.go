package services

import (
	"context"

	"lnescrow/internal/models"
	"lnescrow/internal/notify"
)

// CooperativeCancel runs the two-phase mutual cancel. The first party's
// request records a flag and notifies the counterparty; when the second
// party agrees the hold invoice is refunded and the order is CANCELED.
// Re-asserting an already-set flag is a no-op ("wait for the counterparty").
func (c *Coordinator) CooperativeCancel(ctx context.Context, orderID, userID string) error {
	user, err := c.activeUser(ctx, userID)
	if err != nil {
		return err
	}
	order, err := c.getOrder(ctx, orderID)
	if err != nil {
		return err
	}
	role, ok := order.RoleOf(user.ID)
	if !ok {
		return ErrNotYourOrder
	}
	if order.Status != models.OrderActive {
		return ErrInvalidState
	}

	updated, counterpartyAgreed, err := c.Store.SetCoopCancelFlag(ctx, order.ID, role)
	if err != nil {
		return err
	}
	if !updated {
		// The guarded update refused: re-read to tell "our flag was
		// already set" apart from "the order moved on".
		current, err := c.getOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if current.Status == models.OrderActive && current.CoopCancelFlag(role) {
			c.Notifier.Notify(ctx, notify.Event{
				Name:       "cooperative-cancel-wait",
				OrderID:    order.ID,
				Recipients: []string{user.ID},
			})
			return ErrCoopCancelPending
		}
		return ErrInvalidState
	}

	counterpartyID := order.PartyID(role.Counterparty())

	if !counterpartyAgreed {
		c.Notifier.Notify(ctx, notify.Event{
			Name:       "cooperative-cancel-initiated",
			OrderID:    order.ID,
			Recipients: []string{user.ID},
		})
		c.Notifier.Notify(ctx, notify.Event{
			Name:       "counterparty-wants-cooperative-cancel",
			OrderID:    order.ID,
			Recipients: []string{counterpartyID},
		})
		return nil
	}

	// Both flags set: refund the escrow and close the order.
	if order.EscrowHeld() {
		if err := c.Gateway.CancelHoldInvoice(ctx, *order.Hash); err != nil {
			c.notifyAdmin(ctx, "refund-failed", order.ID, map[string]any{"error": err.Error()})
			return err
		}
	}

	rows, err := c.Store.UpdateStatusFrom(ctx, order.ID, models.OrderCanceled, user.ID, models.OrderActive)
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrInvalidState
	}
	c.cleanupChannelMessages(ctx, order)
	c.Notifier.Notify(ctx, notify.Event{
		Name:       "cooperative-cancel-completed",
		OrderID:    order.ID,
		Recipients: []string{user.ID, counterpartyID},
	})
	return nil
}

package services

import (
	"context"
	"errors"

	"lnescrow/internal/invoice"
	"lnescrow/internal/models"
	"lnescrow/internal/notify"
	"lnescrow/internal/store"
)

// The admin path mirrors the user cancel/settle operations but is authorized
// by role, works from DISPUTE and every other non-terminal state, and never
// re-checks the cooperative-cancel or fiat-sent guards. Admin intent is final.

var nonTerminalStatuses = []models.OrderStatus{
	models.OrderPending,
	models.OrderWaitingPayment,
	models.OrderActive,
	models.OrderFiatSent,
	models.OrderPaidHoldInvoice,
	models.OrderDispute,
}

// AdminCancelOrder refunds the escrow (when one exists) and closes the order
// as CANCELED_BY_ADMIN. Both parties and the admin are notified.
func (c *Coordinator) AdminCancelOrder(ctx context.Context, adminID, orderID string) error {
	if err := c.requireAdmin(adminID); err != nil {
		return err
	}
	order, err := c.getOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if order.Status.Terminal() {
		return ErrInvalidState
	}

	// A settled invoice cannot be canceled; the escrow check covers orders
	// that were disputed after the preimage was already revealed.
	if order.EscrowHeld() {
		if err := c.Gateway.CancelHoldInvoice(ctx, *order.Hash); err != nil {
			c.notifyAdmin(ctx, "refund-failed", order.ID, map[string]any{"error": err.Error()})
			return err
		}
	}

	rows, err := c.Store.UpdateStatusFrom(ctx, order.ID, models.OrderCanceledByAdmin, adminID, nonTerminalStatuses...)
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrInvalidState
	}
	c.cleanupChannelMessages(ctx, order)
	c.notifyPartiesAndAdmin(ctx, "order-canceled-by-admin", order)
	return nil
}

// AdminSettleOrder settles the hold invoice (when a secret exists) and closes
// the order as COMPLETED_BY_ADMIN.
func (c *Coordinator) AdminSettleOrder(ctx context.Context, adminID, orderID string) error {
	if err := c.requireAdmin(adminID); err != nil {
		return err
	}
	order, err := c.getOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if order.Status.Terminal() {
		return ErrInvalidState
	}

	// Settle before closing the order: if the node refuses, the order must
	// stay where it is so the settle can be retried. An order whose settle
	// already succeeded (release, or an earlier admin settle) skips the
	// call via the settled flag.
	if order.Secret != nil && !order.InvoiceSettled {
		if err := c.Gateway.SettleHoldInvoice(ctx, *order.Secret); err != nil {
			c.notifyAdmin(ctx, "settle-failed", order.ID, map[string]any{"error": err.Error()})
			return err
		}
		if err := c.Store.MarkInvoiceSettled(ctx, order.ID); err != nil {
			return err
		}
	}

	rows, err := c.Store.UpdateStatusFrom(ctx, order.ID, models.OrderCompletedByAdmin, "", nonTerminalStatuses...)
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrInvalidState
	}
	c.notifyPartiesAndAdmin(ctx, "order-completed-by-admin", order)
	return nil
}

// OrderReport is the admin check-order view.
type OrderReport struct {
	Order           *models.Order          `json:"order"`
	CreatorUsername string                 `json:"creator_username"`
	BuyerUsername   string                 `json:"buyer_username,omitempty"`
	SellerUsername  string                 `json:"seller_username,omitempty"`
	EscrowHeld      bool                   `json:"escrow_held"`
	PendingPayment  *models.PendingPayment `json:"pending_payment,omitempty"`
}

// AdminCheckOrder is a read-only status report; it never transitions.
func (c *Coordinator) AdminCheckOrder(ctx context.Context, adminID, orderID string) (*OrderReport, error) {
	if err := c.requireAdmin(adminID); err != nil {
		return nil, err
	}
	order, err := c.getOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}

	report := &OrderReport{Order: order, EscrowHeld: order.EscrowHeld()}
	report.CreatorUsername = c.usernameOf(ctx, order.CreatorID)
	report.BuyerUsername = c.usernameOf(ctx, order.PartyID(models.RoleBuyer))
	report.SellerUsername = c.usernameOf(ctx, order.PartyID(models.RoleSeller))

	if pp, err := c.Store.GetUnexhaustedPendingPayment(ctx, order.ID); err == nil {
		report.PendingPayment = pp
	}
	return report, nil
}

// AdminPayToBuyer pays the buyer's invoice directly, refused while an
// unexhausted pending payment could race it.
func (c *Coordinator) AdminPayToBuyer(ctx context.Context, adminID, orderID string) error {
	if err := c.requireAdmin(adminID); err != nil {
		return err
	}
	order, err := c.getOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if order.BuyerInvoice == "" {
		return ErrInvalidState
	}

	if _, err := c.Store.GetUnexhaustedPendingPayment(ctx, order.ID); err == nil {
		return ErrPayoutAlreadyQueued
	} else if !errors.Is(err, store.ErrNotFound) {
		return err
	}

	amount := int64(0)
	if inv, decErr := invoice.Decode(order.BuyerInvoice); decErr == nil && inv.Sat == 0 {
		amount = order.Amount
	}
	if err := c.Gateway.PayInvoice(ctx, order.BuyerInvoice, amount); err != nil {
		return err
	}
	if _, err := c.Store.UpdateStatusFrom(ctx, order.ID, models.OrderSuccess, "", models.OrderPaidHoldInvoice); err != nil {
		return err
	}
	c.notifyPartiesAndAdmin(ctx, "payout-completed", order)
	return nil
}

// AdminBanUser bans by username. One-way.
func (c *Coordinator) AdminBanUser(ctx context.Context, adminID, username string) error {
	if err := c.requireAdmin(adminID); err != nil {
		return err
	}
	user, err := c.Store.GetUserByUsername(ctx, username)
	if errors.Is(err, store.ErrNotFound) {
		return ErrUserNotFound
	}
	if err != nil {
		return err
	}
	if err := c.Store.BanUser(ctx, user.ID); err != nil {
		return err
	}
	c.Notifier.Notify(ctx, notify.Event{
		Name:       "user-banned",
		Recipients: []string{"admin"},
		Data:       map[string]any{"username": username},
	})
	return nil
}

func (c *Coordinator) requireAdmin(userID string) error {
	if c.IsAdmin == nil || !c.IsAdmin(userID) {
		return ErrNotAdmin
	}
	return nil
}

func (c *Coordinator) usernameOf(ctx context.Context, userID string) string {
	if userID == "" {
		return ""
	}
	user, err := c.Store.GetUser(ctx, userID)
	if err != nil {
		return ""
	}
	return user.Username
}

func (c *Coordinator) notifyPartiesAndAdmin(ctx context.Context, name string, order *models.Order) {
	recipients := []string{"admin"}
	if id := order.PartyID(models.RoleBuyer); id != "" {
		recipients = append(recipients, id)
	}
	if id := order.PartyID(models.RoleSeller); id != "" {
		recipients = append(recipients, id)
	}
	c.Notifier.Notify(ctx, notify.Event{Name: name, OrderID: order.ID, Recipients: recipients})
}

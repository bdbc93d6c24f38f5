package services

import (
	"context"
	"errors"
	"log"

	"lnescrow/internal/models"
	"lnescrow/internal/notify"
	"lnescrow/internal/store"
)

// Dispute opens a dispute: flags the initiating role, moves the order to
// DISPUTE and updates both parties' reputation. Both counters are bumped on
// every dispute regardless of initiator; observed legacy behavior, kept
// deliberately (see DESIGN.md).
func (c *Coordinator) Dispute(ctx context.Context, orderID, userID string) error {
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

	rows, err := c.Store.SetDispute(ctx, order.ID, role)
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrInvalidState
	}

	buyerID := order.PartyID(models.RoleBuyer)
	sellerID := order.PartyID(models.RoleSeller)
	for _, partyID := range []string{buyerID, sellerID} {
		if partyID == "" {
			continue
		}
		if err := c.recordDispute(ctx, partyID); err != nil {
			// Reputation bookkeeping must not undo the dispute itself.
			log.Printf("dispute %s: reputation update for %s failed: %v", order.ID, partyID, err)
		}
	}

	c.Notifier.Notify(ctx, notify.Event{
		Name:       "dispute-started",
		OrderID:    order.ID,
		Recipients: []string{buyerID, sellerID, "admin"},
		Data:       map[string]any{"initiator": string(role)},
	})
	return nil
}

func (c *Coordinator) recordDispute(ctx context.Context, userID string) error {
	user, err := c.Store.GetUser(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return ErrUserNotFound
	}
	if err != nil {
		return err
	}
	outcome := c.Rep.RecordDispute(user)
	if err := c.Store.SetUserReputation(ctx, outcome.UserID, outcome.Disputes, outcome.Banned); err != nil {
		return err
	}
	if outcome.Banned && !user.Banned {
		c.Notifier.Notify(ctx, notify.Event{
			Name:       "user-banned",
			Recipients: []string{user.ID, "admin"},
			Data:       map[string]any{"disputes": outcome.Disputes},
		})
	}
	return nil
}

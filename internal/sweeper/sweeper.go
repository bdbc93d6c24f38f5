// Package sweeper runs the two periodic jobs: payout retries and stale-order
// expiry. Each tick does a bounded store query plus bounded coordinator
// calls; one order's failure never aborts the rest of the sweep.
package sweeper

import (
	"context"
	"log"
	"time"

	"lnescrow/internal/models"
	"lnescrow/internal/services"
)

type Sweeper struct {
	Coordinator *services.Coordinator
	Store       services.Store

	PaymentRetryInterval time.Duration
	ExpiryInterval       time.Duration
	OrderExpiration      time.Duration // PENDING orders older than this expire
	HoldInvoiceWindow    time.Duration // WAITING_PAYMENT orders older than this are refunded
}

// Run blocks until ctx is done, driving both sweeps on their own tickers.
func (s *Sweeper) Run(ctx context.Context) {
	go s.runLoop(ctx, s.PaymentRetryInterval, s.RetryPendingPayments)
	s.runLoop(ctx, s.ExpiryInterval, s.CancelStaleOrders)
}

func (s *Sweeper) runLoop(ctx context.Context, interval time.Duration, sweep func(context.Context) error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := sweep(ctx); err != nil {
			log.Printf("sweep error: %v", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RetryPendingPayments attempts every queued payout still under the cap.
func (s *Sweeper) RetryPendingPayments(ctx context.Context) error {
	pending, err := s.Store.ListRetryablePendingPayments(ctx)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		return nil
	}
	log.Printf("payment retry sweep: %d queued", len(pending))
	for _, pp := range pending {
		if err := s.Coordinator.AttemptPendingPayment(ctx, pp); err != nil {
			log.Printf("payout %s (order %s) failed: %v", pp.ID, pp.OrderID, err)
		}
	}
	return nil
}

// CancelStaleOrders expires never-taken orders and refunds hold invoices the
// seller never paid.
func (s *Sweeper) CancelStaleOrders(ctx context.Context) error {
	now := time.Now().UTC()

	stalePending, err := s.Store.ListStaleOrders(ctx, models.OrderPending, now.Add(-s.OrderExpiration))
	if err != nil {
		return err
	}
	for _, order := range stalePending {
		if err := s.Coordinator.ExpirePendingOrder(ctx, order); err != nil {
			log.Printf("expire order %s failed: %v", order.ID, err)
		}
	}

	staleWaiting, err := s.Store.ListStaleOrders(ctx, models.OrderWaitingPayment, now.Add(-s.HoldInvoiceWindow))
	if err != nil {
		return err
	}
	for _, order := range staleWaiting {
		if err := s.Coordinator.CancelStaleEscrow(ctx, order); err != nil {
			log.Printf("cancel stale escrow %s failed: %v", order.ID, err)
		}
	}
	return nil
}

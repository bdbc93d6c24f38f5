package store

import (
	"context"
	"errors"

	"lnescrow/internal/models"

	"github.com/jackc/pgx/v5"
)

const pendingColumns = `
	pending_payment_id, order_id, user_id, amount, payment_request,
	description, hash, attempts, exhausted, created_at, updated_at`

// EnqueuePendingPayment inserts the payout unless a live (not exhausted) one
// already exists for the order. The unique partial index on order_id makes
// this hold under concurrent enqueues: the loser's insert conflicts and
// reports false instead of landing a second row.
func (s *Store) EnqueuePendingPayment(ctx context.Context, pp *models.PendingPayment) (bool, error) {
	res, err := s.Pool.Exec(ctx, `
		INSERT INTO pending_payments (
			pending_payment_id, order_id, user_id, amount, payment_request, description, hash
		) VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (order_id) WHERE NOT exhausted DO NOTHING
	`,
		pp.ID,
		pp.OrderID,
		pp.UserID,
		pp.Amount,
		pp.PaymentRequest,
		pp.Description,
		pp.Hash,
	)
	if err != nil {
		return false, err
	}
	return res.RowsAffected() > 0, nil
}

// GetUnexhaustedPendingPayment returns the order's live pending payment, or
// ErrNotFound.
func (s *Store) GetUnexhaustedPendingPayment(ctx context.Context, orderID string) (*models.PendingPayment, error) {
	row := s.Pool.QueryRow(ctx, `
		SELECT `+pendingColumns+` FROM pending_payments
		WHERE order_id=$1 AND NOT exhausted
	`, orderID)
	return scanPendingPayment(row)
}

// ListRetryablePendingPayments returns all payments the retry sweep may attempt.
func (s *Store) ListRetryablePendingPayments(ctx context.Context) ([]*models.PendingPayment, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT `+pendingColumns+` FROM pending_payments
		WHERE NOT exhausted ORDER BY created_at
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.PendingPayment
	for rows.Next() {
		pp, err := scanPendingPayment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, pp)
	}
	return out, rows.Err()
}

// IncrementPendingPaymentAttempts bumps the attempt counter, retiring the row
// once it reaches the cap, and returns the new value.
func (s *Store) IncrementPendingPaymentAttempts(ctx context.Context, id string, maxAttempts int) (int, error) {
	var attempts int
	err := s.Pool.QueryRow(ctx, `
		UPDATE pending_payments
		SET attempts=attempts+1, exhausted=exhausted OR attempts+1 >= $2, updated_at=now()
		WHERE pending_payment_id=$1
		RETURNING attempts
	`, id, maxAttempts).Scan(&attempts)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrNotFound
	}
	return attempts, err
}

func (s *Store) DeletePendingPayment(ctx context.Context, id string) error {
	_, err := s.Pool.Exec(ctx, `DELETE FROM pending_payments WHERE pending_payment_id=$1`, id)
	return err
}

func scanPendingPayment(row pgx.Row) (*models.PendingPayment, error) {
	var pp models.PendingPayment
	err := row.Scan(
		&pp.ID,
		&pp.OrderID,
		&pp.UserID,
		&pp.Amount,
		&pp.PaymentRequest,
		&pp.Description,
		&pp.Hash,
		&pp.Attempts,
		&pp.Exhausted,
		&pp.CreatedAt,
		&pp.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &pp, nil
}

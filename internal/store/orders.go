package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"lnescrow/internal/models"

	"github.com/jackc/pgx/v5"
)

const orderColumns = `
	order_id, order_type, amount, fee, fiat_amount, fiat_code, payment_method,
	creator_id, buyer_id, seller_id, show_username,
	hash, secret, buyer_invoice, description, status,
	buyer_dispute, seller_dispute, buyer_coop_cancel, seller_coop_cancel,
	paid_hold_buyer_invoice_updated, invoice_settled, taken_at, canceled_by,
	channel_message1, channel_message2, created_at, updated_at`

func (s *Store) CreateOrder(ctx context.Context, order *models.Order) error {
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO orders (
			order_id, order_type, amount, fee, fiat_amount, fiat_code, payment_method,
			creator_id, buyer_id, seller_id, show_username, description, status,
			channel_message1, channel_message2
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
	`,
		order.ID,
		order.Type,
		order.Amount,
		order.Fee,
		order.FiatAmount,
		order.FiatCode,
		order.PaymentMethod,
		order.CreatorID,
		order.BuyerID,
		order.SellerID,
		order.ShowUsername,
		order.Description,
		order.Status,
		order.ChannelMessage1,
		order.ChannelMessage2,
	)
	return err
}

func (s *Store) GetOrder(ctx context.Context, orderID string) (*models.Order, error) {
	row := s.Pool.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE order_id=$1`, orderID)
	return scanOrder(row)
}

func (s *Store) GetOrderByHash(ctx context.Context, hash string) (*models.Order, error) {
	row := s.Pool.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE hash=$1`, hash)
	return scanOrder(row)
}

// ListUserOrders returns the user's orders that are still in play.
func (s *Store) ListUserOrders(ctx context.Context, userID string) ([]*models.Order, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT `+orderColumns+` FROM orders
		WHERE (creator_id=$1 OR buyer_id=$1 OR seller_id=$1)
		  AND status NOT IN ('SUCCESS','CANCELED','CANCELED_BY_ADMIN','COMPLETED_BY_ADMIN','EXPIRED')
		ORDER BY created_at
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanOrders(rows)
}

// ListStaleOrders returns orders in the given status created before the cutoff.
func (s *Store) ListStaleOrders(ctx context.Context, status models.OrderStatus, cutoff time.Time) ([]*models.Order, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT `+orderColumns+` FROM orders WHERE status=$1 AND created_at < $2
	`, status, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanOrders(rows)
}

// SellerHasOrderInStatus reports whether the user is seller on any order in
// the given status. Used to block new sell orders while fiat is in flight.
func (s *Store) SellerHasOrderInStatus(ctx context.Context, userID string, status models.OrderStatus) (bool, error) {
	var exists bool
	err := s.Pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM orders WHERE seller_id=$1 AND status=$2)
	`, userID, status).Scan(&exists)
	return exists, err
}

// UpdateStatusFrom moves the order to the given status only if its persisted
// status is one of the expected predecessors at the instant of the write.
// Returns the number of rows changed (0 means the guard lost the race).
func (s *Store) UpdateStatusFrom(ctx context.Context, orderID string, to models.OrderStatus, canceledBy string, from ...models.OrderStatus) (int64, error) {
	var cb any
	if canceledBy != "" {
		cb = canceledBy
	}
	res, err := s.Pool.Exec(ctx, `
		UPDATE orders
		SET status=$2, canceled_by=COALESCE($3, canceled_by), updated_at=now()
		WHERE order_id=$1 AND status = ANY($4)
	`, orderID, to, cb, statusList(from))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected(), nil
}

// TakeOrder assigns the counterparty on a still-pending order.
func (s *Store) TakeOrder(ctx context.Context, orderID string, role models.Role, userID string, takenAt time.Time) (int64, error) {
	col := roleColumn(role, "id")
	res, err := s.Pool.Exec(ctx, `
		UPDATE orders SET `+col+`=$2, taken_at=$3, updated_at=now()
		WHERE order_id=$1 AND status='PENDING' AND `+col+` IS NULL
	`, orderID, userID, takenAt)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected(), nil
}

// ReleaseTake puts a taken-but-not-escrowed order back on the market.
func (s *Store) ReleaseTake(ctx context.Context, orderID string, role models.Role) (int64, error) {
	col := roleColumn(role, "id")
	res, err := s.Pool.Exec(ctx, `
		UPDATE orders SET `+col+`=NULL, taken_at=NULL, updated_at=now()
		WHERE order_id=$1 AND status='PENDING' AND hash IS NULL
	`, orderID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected(), nil
}

// AttachHoldInvoice stores the escrow linkage and moves the order into
// WAITING_PAYMENT in a single statement. The hash IS NULL guard enforces the
// one-outstanding-hold-invoice invariant under concurrent continue-take.
func (s *Store) AttachHoldInvoice(ctx context.Context, orderID string, amount, fee int64, hash, secret, description string) (int64, error) {
	res, err := s.Pool.Exec(ctx, `
		UPDATE orders
		SET amount=$2, fee=$3, hash=$4, secret=$5, description=$6,
		    status='WAITING_PAYMENT', updated_at=now()
		WHERE order_id=$1 AND status='PENDING' AND hash IS NULL
		  AND buyer_id IS NOT NULL AND seller_id IS NOT NULL
	`, orderID, amount, fee, hash, secret, description)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected(), nil
}

func (s *Store) SetBuyerInvoice(ctx context.Context, orderID, invoice string) error {
	_, err := s.Pool.Exec(ctx, `
		UPDATE orders SET buyer_invoice=$2, updated_at=now() WHERE order_id=$1
	`, orderID, invoice)
	return err
}

// SetCoopCancelFlag sets the role's cooperative-cancel flag if the order is
// ACTIVE and the flag is not already set. It reports whether the write landed
// and whether the counterparty's flag was already set at that instant.
func (s *Store) SetCoopCancelFlag(ctx context.Context, orderID string, role models.Role) (updated bool, counterpartyAgreed bool, err error) {
	own := roleColumn(role, "coop_cancel")
	other := roleColumn(role.Counterparty(), "coop_cancel")
	err = s.Pool.QueryRow(ctx, `
		UPDATE orders SET `+own+`=TRUE, updated_at=now()
		WHERE order_id=$1 AND status='ACTIVE' AND `+own+`=FALSE
		RETURNING `+other, orderID).Scan(&counterpartyAgreed)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, false, nil
	}
	if err != nil {
		return false, false, err
	}
	return true, counterpartyAgreed, nil
}

// SetDispute flags the initiating role and moves the order to DISPUTE, guarded
// by the states a dispute may be raised from.
func (s *Store) SetDispute(ctx context.Context, orderID string, role models.Role) (int64, error) {
	col := roleColumn(role, "dispute")
	res, err := s.Pool.Exec(ctx, `
		UPDATE orders SET `+col+`=TRUE, status='DISPUTE', updated_at=now()
		WHERE order_id=$1 AND status = ANY($2)
	`, orderID, statusList([]models.OrderStatus{models.OrderActive, models.OrderFiatSent, models.OrderPaidHoldInvoice}))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected(), nil
}

// MarkInvoiceSettled records that the hold invoice's preimage was revealed.
// One-way: a settled invoice can never be canceled for a refund.
func (s *Store) MarkInvoiceSettled(ctx context.Context, orderID string) error {
	_, err := s.Pool.Exec(ctx, `
		UPDATE orders SET invoice_settled=TRUE, updated_at=now()
		WHERE order_id=$1
	`, orderID)
	return err
}

// LatchPaidHoldInvoiceUpdated flips the one-way latch that allows a single
// pending-payment enqueue after the seller released early. Returns 0 once set.
func (s *Store) LatchPaidHoldInvoiceUpdated(ctx context.Context, orderID string) (int64, error) {
	res, err := s.Pool.Exec(ctx, `
		UPDATE orders SET paid_hold_buyer_invoice_updated=TRUE, updated_at=now()
		WHERE order_id=$1 AND paid_hold_buyer_invoice_updated=FALSE
	`, orderID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected(), nil
}

func (s *Store) ClearChannelMessages(ctx context.Context, orderID string) error {
	_, err := s.Pool.Exec(ctx, `
		UPDATE orders SET channel_message1='', channel_message2='', updated_at=now()
		WHERE order_id=$1
	`, orderID)
	return err
}

func roleColumn(role models.Role, suffix string) string {
	if role == models.RoleBuyer {
		return "buyer_" + suffix
	}
	return "seller_" + suffix
}

func statusList(statuses []models.OrderStatus) []string {
	out := make([]string, 0, len(statuses))
	for _, st := range statuses {
		out = append(out, string(st))
	}
	return out
}

func scanOrders(rows pgx.Rows) ([]*models.Order, error) {
	var orders []*models.Order
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, order)
	}
	return orders, rows.Err()
}

func scanOrder(row pgx.Row) (*models.Order, error) {
	var o models.Order
	var buyerID, sellerID, hash, secret, canceledBy sql.NullString
	var takenAt sql.NullTime

	err := row.Scan(
		&o.ID,
		&o.Type,
		&o.Amount,
		&o.Fee,
		&o.FiatAmount,
		&o.FiatCode,
		&o.PaymentMethod,
		&o.CreatorID,
		&buyerID,
		&sellerID,
		&o.ShowUsername,
		&hash,
		&secret,
		&o.BuyerInvoice,
		&o.Description,
		&o.Status,
		&o.BuyerDispute,
		&o.SellerDispute,
		&o.BuyerCoopCancel,
		&o.SellerCoopCancel,
		&o.PaidHoldBuyerInvoiceUpdated,
		&o.InvoiceSettled,
		&takenAt,
		&canceledBy,
		&o.ChannelMessage1,
		&o.ChannelMessage2,
		&o.CreatedAt,
		&o.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if buyerID.Valid {
		o.BuyerID = &buyerID.String
	}
	if sellerID.Valid {
		o.SellerID = &sellerID.String
	}
	if hash.Valid {
		o.Hash = &hash.String
	}
	if secret.Valid {
		o.Secret = &secret.String
	}
	if canceledBy.Valid {
		o.CanceledBy = &canceledBy.String
	}
	if takenAt.Valid {
		o.TakenAt = &takenAt.Time
	}
	return &o, nil
}

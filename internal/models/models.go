package models

import "time"

type OrderType string

const (
	OrderTypeBuy  OrderType = "buy"
	OrderTypeSell OrderType = "sell"
)

type OrderStatus string

const (
	OrderPending          OrderStatus = "PENDING"
	OrderWaitingPayment   OrderStatus = "WAITING_PAYMENT"
	OrderActive           OrderStatus = "ACTIVE"
	OrderFiatSent         OrderStatus = "FIAT_SENT"
	OrderPaidHoldInvoice  OrderStatus = "PAID_HOLD_INVOICE"
	OrderSuccess          OrderStatus = "SUCCESS"
	OrderDispute          OrderStatus = "DISPUTE"
	OrderCanceled         OrderStatus = "CANCELED"
	OrderCanceledByAdmin  OrderStatus = "CANCELED_BY_ADMIN"
	OrderCompletedByAdmin OrderStatus = "COMPLETED_BY_ADMIN"
	OrderExpired          OrderStatus = "EXPIRED"
)

// Role identifies which side of an order a user is on.
type Role string

const (
	RoleBuyer  Role = "buyer"
	RoleSeller Role = "seller"
)

func (r Role) Counterparty() Role {
	if r == RoleBuyer {
		return RoleSeller
	}
	return RoleBuyer
}

// Order is the escrow unit. Hash and Secret are set together when a hold
// invoice is created; Secret settles the invoice, Hash cancels it. An order
// has at most one outstanding hold invoice.
type Order struct {
	ID            string
	Type          OrderType
	Amount        int64 // satoshis; 0 means priced at take time from fiat
	Fee           int64
	FiatAmount    float64
	FiatCode      string
	PaymentMethod string

	CreatorID    string
	BuyerID      *string
	SellerID     *string
	ShowUsername bool

	Hash         *string
	Secret       *string
	BuyerInvoice string
	Description  string

	Status OrderStatus

	BuyerDispute     bool
	SellerDispute    bool
	BuyerCoopCancel  bool
	SellerCoopCancel bool

	PaidHoldBuyerInvoiceUpdated bool
	InvoiceSettled              bool

	TakenAt    *time.Time
	CanceledBy *string

	// Opaque references to the front end's published channel messages,
	// reported back on cancellation so the front end can delete them.
	ChannelMessage1 string
	ChannelMessage2 string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// PartyID returns the user id on the given side, or "" if not yet assigned.
func (o *Order) PartyID(role Role) string {
	var id *string
	if role == RoleBuyer {
		id = o.BuyerID
	} else {
		id = o.SellerID
	}
	if id == nil {
		return ""
	}
	return *id
}

// RoleOf returns the role the user plays on this order.
func (o *Order) RoleOf(userID string) (Role, bool) {
	switch {
	case o.BuyerID != nil && *o.BuyerID == userID:
		return RoleBuyer, true
	case o.SellerID != nil && *o.SellerID == userID:
		return RoleSeller, true
	}
	return "", false
}

// IsParty reports whether the user is the buyer, the seller or the creator.
func (o *Order) IsParty(userID string) bool {
	if o.CreatorID == userID {
		return true
	}
	_, ok := o.RoleOf(userID)
	return ok
}

func (o *Order) DisputeFlag(role Role) bool {
	if role == RoleBuyer {
		return o.BuyerDispute
	}
	return o.SellerDispute
}

func (o *Order) CoopCancelFlag(role Role) bool {
	if role == RoleBuyer {
		return o.BuyerCoopCancel
	}
	return o.SellerCoopCancel
}

func (o *Order) SetCoopCancelFlag(role Role) {
	if role == RoleBuyer {
		o.BuyerCoopCancel = true
	} else {
		o.SellerCoopCancel = true
	}
}

func (o *Order) HasHoldInvoice() bool {
	return o.Hash != nil && *o.Hash != ""
}

// EscrowHeld reports whether the hold invoice is still live at the node: it
// exists, the preimage was never revealed, and the order has not reached a
// terminal state. A live invoice must be canceled before the order can close
// without a payout; a settled one never can be.
func (o *Order) EscrowHeld() bool {
	return o.HasHoldInvoice() && !o.InvoiceSettled && !o.Status.Terminal()
}

type User struct {
	ID        string
	Username  string
	Disputes  int
	Banned    bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// PendingPayment is a queued, retryable payout to the buyer. At most one
// live row (not exhausted) may exist per order; the retry sweep flips
// Exhausted when the attempt cap is reached.
type PendingPayment struct {
	ID             string
	OrderID        string
	UserID         string
	Amount         int64
	PaymentRequest string
	Description    string
	Hash           string
	Attempts       int
	Exhausted      bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

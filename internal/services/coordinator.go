// Package services holds the order lifecycle coordinator: the state machine
// deciding, for every user intent or timed event, whether an escrow order may
// transition and which gateway side effects fire. Every guard re-checks the
// persisted order state at the instant of the write; nothing is decided from
// a snapshot held across a network call.
package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"strings"
	"time"

	"lnescrow/internal/lnd"
	"lnescrow/internal/models"
	"lnescrow/internal/notify"
	"lnescrow/internal/pricing"
	"lnescrow/internal/reputation"
	"lnescrow/internal/store"

	"github.com/google/uuid"
)

var (
	ErrUserNotFound          = errors.New("user is not registered")
	ErrUsernameRequired      = errors.New("username is required")
	ErrUserBanned            = errors.New("user is banned")
	ErrOrderNotFound         = errors.New("order not found")
	ErrNotYourOrder          = errors.New("user is not a party to this order")
	ErrNotBuyer              = errors.New("only the order's buyer may do this")
	ErrNotSeller             = errors.New("only the order's seller may do this")
	ErrNotCreator            = errors.New("only the order's creator may do this")
	ErrNotAdmin              = errors.New("admin role required")
	ErrInvalidState          = errors.New("action not permitted in current order state")
	ErrSellerHasFiatSent     = errors.New("seller has an order awaiting release")
	ErrAlreadyTaken          = errors.New("order already taken")
	ErrNotTaken              = errors.New("order has no counterparty yet")
	ErrOwnOrder              = errors.New("cannot take your own order")
	ErrCoopCancelPending     = errors.New("cooperative cancel already requested, wait for the counterparty")
	ErrSellerAlreadyReleased = errors.New("seller already released the funds")
	ErrInvoiceAmountMismatch = errors.New("invoice amount does not match order amount")
	ErrInvoiceExpired        = errors.New("invoice is expired")
	ErrPayoutAlreadyQueued   = errors.New("a payout for this order is already queued")
	ErrInvalidParams         = errors.New("invalid order parameters")
)

// Store is the persistence surface the coordinator drives. *store.Store
// implements it; tests substitute an in-memory double.
type Store interface {
	UpsertUser(ctx context.Context, user *models.User) error
	GetUser(ctx context.Context, userID string) (*models.User, error)
	GetUserByUsername(ctx context.Context, username string) (*models.User, error)
	SetUserReputation(ctx context.Context, userID string, disputes int, banned bool) error
	BanUser(ctx context.Context, userID string) error

	CreateOrder(ctx context.Context, order *models.Order) error
	GetOrder(ctx context.Context, orderID string) (*models.Order, error)
	GetOrderByHash(ctx context.Context, hash string) (*models.Order, error)
	ListUserOrders(ctx context.Context, userID string) ([]*models.Order, error)
	ListStaleOrders(ctx context.Context, status models.OrderStatus, cutoff time.Time) ([]*models.Order, error)
	SellerHasOrderInStatus(ctx context.Context, userID string, status models.OrderStatus) (bool, error)
	UpdateStatusFrom(ctx context.Context, orderID string, to models.OrderStatus, canceledBy string, from ...models.OrderStatus) (int64, error)
	TakeOrder(ctx context.Context, orderID string, role models.Role, userID string, takenAt time.Time) (int64, error)
	ReleaseTake(ctx context.Context, orderID string, role models.Role) (int64, error)
	AttachHoldInvoice(ctx context.Context, orderID string, amount, fee int64, hash, secret, description string) (int64, error)
	SetBuyerInvoice(ctx context.Context, orderID, invoice string) error
	SetCoopCancelFlag(ctx context.Context, orderID string, role models.Role) (updated bool, counterpartyAgreed bool, err error)
	SetDispute(ctx context.Context, orderID string, role models.Role) (int64, error)
	LatchPaidHoldInvoiceUpdated(ctx context.Context, orderID string) (int64, error)
	MarkInvoiceSettled(ctx context.Context, orderID string) error
	ClearChannelMessages(ctx context.Context, orderID string) error

	EnqueuePendingPayment(ctx context.Context, pp *models.PendingPayment) (bool, error)
	GetUnexhaustedPendingPayment(ctx context.Context, orderID string) (*models.PendingPayment, error)
	ListRetryablePendingPayments(ctx context.Context) ([]*models.PendingPayment, error)
	IncrementPendingPaymentAttempts(ctx context.Context, id string, maxAttempts int) (int, error)
	DeletePendingPayment(ctx context.Context, id string) error
}

// Gateway is the escrow collaborator (the Lightning node). Failures are never
// auto-retried here: settlement and refunds are financially irreversible.
type Gateway interface {
	CreateHoldInvoice(ctx context.Context, description string, amount int64) (*lnd.HoldInvoice, error)
	SubscribeInvoice(ctx context.Context, hash string, handler lnd.InvoiceHandler)
	SettleHoldInvoice(ctx context.Context, secret string) error
	CancelHoldInvoice(ctx context.Context, hash string) error
	PayInvoice(ctx context.Context, paymentRequest string, amount int64) error
	GetInfo(ctx context.Context) (*lnd.Info, error)
}

// Pricer resolves fiat amounts to satoshis.
type Pricer interface {
	SatsForFiat(ctx context.Context, fiatCode string, fiatAmount float64) (int64, error)
}

type Coordinator struct {
	Store    Store
	Gateway  Gateway
	Pricing  Pricer
	Notifier notify.Notifier
	Rep      reputation.Engine

	Fee                float64 // fraction of the order amount
	MaxPaymentAttempts int
	IsAdmin            func(userID string) bool
}

// CreateOrderParams is a shape-validated create intent.
type CreateOrderParams struct {
	Type            models.OrderType
	Amount          int64 // 0 means price at take time
	FiatAmount      float64
	FiatCode        string
	PaymentMethod   string
	ShowUsername    bool
	ChannelMessage1 string
	ChannelMessage2 string
}

// Register creates or refreshes the user record. A banned user stays banned
// and is refused.
func (c *Coordinator) Register(ctx context.Context, userID, username string) (*models.User, error) {
	if userID == "" || username == "" {
		return nil, ErrUsernameRequired
	}
	if existing, err := c.Store.GetUser(ctx, userID); err == nil && existing.Banned {
		return nil, ErrUserBanned
	}
	user := &models.User{ID: userID, Username: username}
	if err := c.Store.UpsertUser(ctx, user); err != nil {
		return nil, err
	}
	return c.Store.GetUser(ctx, userID)
}

// CreateOrder publishes a new buy or sell order in PENDING.
func (c *Coordinator) CreateOrder(ctx context.Context, userID string, params CreateOrderParams) (*models.Order, error) {
	user, err := c.activeUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	if params.Type != models.OrderTypeBuy && params.Type != models.OrderTypeSell {
		return nil, ErrInvalidParams
	}
	if params.Amount < 0 || params.FiatAmount <= 0 || params.PaymentMethod == "" {
		return nil, ErrInvalidParams
	}
	fiatCode := strings.ToUpper(params.FiatCode)
	if !pricing.IsSupported(fiatCode) {
		return nil, fmt.Errorf("%w: unsupported currency %s", ErrInvalidParams, params.FiatCode)
	}

	// Sellers sitting on FIAT_SENT orders have to resolve them before
	// selling again.
	if params.Type == models.OrderTypeSell {
		stuck, err := c.Store.SellerHasOrderInStatus(ctx, user.ID, models.OrderFiatSent)
		if err != nil {
			return nil, err
		}
		if stuck {
			return nil, ErrSellerHasFiatSent
		}
	}

	order := &models.Order{
		ID:              uuid.NewString(),
		Type:            params.Type,
		Amount:          params.Amount,
		FiatAmount:      params.FiatAmount,
		FiatCode:        fiatCode,
		PaymentMethod:   params.PaymentMethod,
		CreatorID:       user.ID,
		ShowUsername:    params.ShowUsername,
		Status:          models.OrderPending,
		ChannelMessage1: params.ChannelMessage1,
		ChannelMessage2: params.ChannelMessage2,
	}
	if params.Type == models.OrderTypeSell {
		order.SellerID = &user.ID
	} else {
		order.BuyerID = &user.ID
	}

	if err := c.Store.CreateOrder(ctx, order); err != nil {
		return nil, err
	}
	c.Notifier.Notify(ctx, notify.Event{
		Name:       "order-published",
		OrderID:    order.ID,
		Recipients: []string{user.ID},
		Data:       map[string]any{"type": string(order.Type)},
	})
	return c.Store.GetOrder(ctx, order.ID)
}

// TakeOrder assigns the caller as the counterparty of a PENDING order. The
// escrow itself is set up by ContinueTake.
func (c *Coordinator) TakeOrder(ctx context.Context, orderID, userID string) (*models.Order, error) {
	user, err := c.activeUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	order, err := c.getOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.CreatorID == user.ID {
		return nil, ErrOwnOrder
	}
	if order.Status != models.OrderPending {
		return nil, ErrInvalidState
	}

	role := takerRole(order.Type)
	if order.PartyID(role) != "" {
		return nil, ErrAlreadyTaken
	}

	rows, err := c.Store.TakeOrder(ctx, order.ID, role, user.ID, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	if rows == 0 {
		return nil, ErrAlreadyTaken
	}

	c.Notifier.Notify(ctx, notify.Event{
		Name:       "order-taken",
		OrderID:    order.ID,
		Recipients: []string{order.CreatorID, user.ID},
		Data:       map[string]any{"taken_by": user.ID, "role": string(role)},
	})
	return c.Store.GetOrder(ctx, order.ID)
}

// ContinueTake resolves the amount (from the fiat price when 0), creates the
// hold invoice and moves the order into WAITING_PAYMENT. The returned payment
// request is what the seller must pay.
func (c *Coordinator) ContinueTake(ctx context.Context, orderID, userID string) (string, error) {
	user, err := c.activeUser(ctx, userID)
	if err != nil {
		return "", err
	}
	order, err := c.getOrder(ctx, orderID)
	if err != nil {
		return "", err
	}
	if !order.IsParty(user.ID) {
		return "", ErrNotYourOrder
	}
	if order.Status != models.OrderPending {
		return "", ErrInvalidState
	}
	if order.BuyerID == nil || order.SellerID == nil {
		return "", ErrNotTaken
	}
	if order.HasHoldInvoice() {
		return "", ErrInvalidState
	}

	amount := order.Amount
	if amount == 0 {
		// Price-feed failure aborts here with the amount unresolved;
		// the caller may simply retry.
		amount, err = c.Pricing.SatsForFiat(ctx, order.FiatCode, order.FiatAmount)
		if err != nil {
			return "", err
		}
		if amount <= 0 {
			return "", pricing.ErrPriceUnavailable
		}
	}
	fee := int64(math.Floor(float64(amount) * c.Fee))

	description := fmt.Sprintf("P2P escrow order #%s", order.ID)
	hold, err := c.Gateway.CreateHoldInvoice(ctx, description, amount+fee)
	if err != nil {
		return "", err
	}

	rows, err := c.Store.AttachHoldInvoice(ctx, order.ID, amount, fee, hold.Hash, hold.Secret, description)
	if err != nil {
		return "", err
	}
	if rows == 0 {
		// Lost the race against a concurrent continue-take or cancel;
		// release the payer's funds for the invoice we just created.
		_ = c.Gateway.CancelHoldInvoice(ctx, hold.Hash)
		return "", ErrInvalidState
	}

	// The subscription must outlive this request: it is what turns the
	// seller's payment into the ACTIVE transition.
	c.Gateway.SubscribeInvoice(context.WithoutCancel(ctx), hold.Hash, c.OnInvoiceUpdate)

	c.Notifier.Notify(ctx, notify.Event{
		Name:       "pay-hold-invoice",
		OrderID:    order.ID,
		Recipients: []string{order.PartyID(models.RoleSeller)},
		Data:       map[string]any{"payment_request": hold.Request, "amount": amount + fee},
	})
	return hold.Request, nil
}

// CancelTake puts a taken order back on the market. Only possible before the
// hold invoice exists.
func (c *Coordinator) CancelTake(ctx context.Context, orderID, userID string) error {
	user, err := c.activeUser(ctx, userID)
	if err != nil {
		return err
	}
	order, err := c.getOrder(ctx, orderID)
	if err != nil {
		return err
	}
	role, ok := order.RoleOf(user.ID)
	if !ok || order.CreatorID == user.ID {
		return ErrNotYourOrder
	}
	if order.Status != models.OrderPending || order.HasHoldInvoice() {
		return ErrInvalidState
	}

	rows, err := c.Store.ReleaseTake(ctx, order.ID, role)
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrInvalidState
	}
	c.Notifier.Notify(ctx, notify.Event{
		Name:       "order-republished",
		OrderID:    order.ID,
		Recipients: []string{order.CreatorID},
	})
	return nil
}

// Release settles the hold invoice: the seller confirms fiat arrived. The
// status guard makes the settle call fire at most once per order; a gateway
// failure afterwards is surfaced to the admin, never retried here.
func (c *Coordinator) Release(ctx context.Context, orderID, userID string) error {
	user, err := c.activeUser(ctx, userID)
	if err != nil {
		return err
	}
	order, err := c.getOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if order.PartyID(models.RoleSeller) != user.ID {
		return ErrNotSeller
	}
	if order.Secret == nil {
		return ErrInvalidState
	}

	rows, err := c.Store.UpdateStatusFrom(ctx, order.ID, models.OrderPaidHoldInvoice, "",
		models.OrderActive, models.OrderFiatSent)
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrInvalidState
	}

	if err := c.Gateway.SettleHoldInvoice(ctx, *order.Secret); err != nil {
		c.notifyAdmin(ctx, "settle-failed", order.ID, map[string]any{"error": err.Error()})
		return err
	}
	if err := c.Store.MarkInvoiceSettled(ctx, order.ID); err != nil {
		log.Printf("order %s: record settle failed: %v", order.ID, err)
	}
	return nil
}

// FiatSent records the buyer's claim that fiat is on its way. If the seller
// already released, the buyer is informed and nothing changes.
func (c *Coordinator) FiatSent(ctx context.Context, orderID, userID string) error {
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
	if order.Status == models.OrderPaidHoldInvoice {
		c.Notifier.Notify(ctx, notify.Event{
			Name:       "seller-already-released",
			OrderID:    order.ID,
			Recipients: []string{user.ID},
		})
		return ErrSellerAlreadyReleased
	}

	rows, err := c.Store.UpdateStatusFrom(ctx, order.ID, models.OrderFiatSent, "", models.OrderActive)
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrInvalidState
	}
	c.Notifier.Notify(ctx, notify.Event{
		Name:       "fiat-sent",
		OrderID:    order.ID,
		Recipients: []string{order.PartyID(models.RoleBuyer), order.PartyID(models.RoleSeller)},
	})
	return nil
}

// CancelOrder is the creator's unilateral cancel, allowed only while the
// order was never taken into escrow.
func (c *Coordinator) CancelOrder(ctx context.Context, orderID, userID string) error {
	user, err := c.activeUser(ctx, userID)
	if err != nil {
		return err
	}
	order, err := c.getOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if order.CreatorID != user.ID {
		return ErrNotCreator
	}
	if order.Status != models.OrderPending && order.Status != models.OrderWaitingPayment {
		return ErrInvalidState
	}

	// Refund first: if the gateway refuses, the order must stay where it
	// is for the admin to look at.
	if order.EscrowHeld() {
		if err := c.Gateway.CancelHoldInvoice(ctx, *order.Hash); err != nil {
			c.notifyAdmin(ctx, "refund-failed", order.ID, map[string]any{"error": err.Error()})
			return err
		}
	}

	rows, err := c.Store.UpdateStatusFrom(ctx, order.ID, models.OrderCanceled, user.ID,
		models.OrderPending, models.OrderWaitingPayment)
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrInvalidState
	}
	c.cleanupChannelMessages(ctx, order)
	c.Notifier.Notify(ctx, notify.Event{
		Name:       "order-canceled",
		OrderID:    order.ID,
		Recipients: []string{user.ID},
	})
	return nil
}

// ListOrders returns the caller's orders still in play.
func (c *Coordinator) ListOrders(ctx context.Context, userID string) ([]*models.Order, error) {
	if _, err := c.activeUser(ctx, userID); err != nil {
		return nil, err
	}
	return c.Store.ListUserOrders(ctx, userID)
}

// GetOrderForUser returns one order, restricted to its parties.
func (c *Coordinator) GetOrderForUser(ctx context.Context, orderID, userID string) (*models.Order, error) {
	order, err := c.getOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !order.IsParty(userID) {
		return nil, ErrNotYourOrder
	}
	return order, nil
}

// NodeInfo reports gateway health.
func (c *Coordinator) NodeInfo(ctx context.Context) (*lnd.Info, error) {
	return c.Gateway.GetInfo(ctx)
}

func (c *Coordinator) activeUser(ctx context.Context, userID string) (*models.User, error) {
	user, err := c.Store.GetUser(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	if user.Banned {
		return nil, ErrUserBanned
	}
	return user, nil
}

func (c *Coordinator) getOrder(ctx context.Context, orderID string) (*models.Order, error) {
	order, err := c.Store.GetOrder(ctx, orderID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrOrderNotFound
	}
	return order, err
}

func (c *Coordinator) notifyAdmin(ctx context.Context, name, orderID string, data map[string]any) {
	c.Notifier.Notify(ctx, notify.Event{
		Name:       name,
		OrderID:    orderID,
		Recipients: []string{"admin"},
		Data:       data,
	})
}

// cleanupChannelMessages tells the front end which published messages to
// delete, then forgets them.
func (c *Coordinator) cleanupChannelMessages(ctx context.Context, order *models.Order) {
	if order.ChannelMessage1 == "" && order.ChannelMessage2 == "" {
		return
	}
	c.Notifier.Notify(ctx, notify.Event{
		Name:       "delete-channel-messages",
		OrderID:    order.ID,
		Recipients: []string{"channel"},
		Data: map[string]any{
			"message1": order.ChannelMessage1,
			"message2": order.ChannelMessage2,
		},
	})
	_ = c.Store.ClearChannelMessages(ctx, order.ID)
}

// takerRole is the role the taker assumes: buyer of a sell order, seller of
// a buy order.
func takerRole(t models.OrderType) models.Role {
	if t == models.OrderTypeSell {
		return models.RoleBuyer
	}
	return models.RoleSeller
}

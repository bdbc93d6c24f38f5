package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"lnescrow/internal/lnd"
	"lnescrow/internal/models"
	"lnescrow/internal/notify"
	"lnescrow/internal/store"
)

// memStore is an in-memory double of *store.Store. Guarded updates re-check
// the stored state the way the SQL conditionals do, so the concurrency
// behavior the coordinator relies on is preserved.
type memStore struct {
	mu       sync.Mutex
	users    map[string]*models.User
	orders   map[string]*models.Order
	pendings map[string]*models.PendingPayment
}

func newMemStore() *memStore {
	return &memStore{
		users:    make(map[string]*models.User),
		orders:   make(map[string]*models.Order),
		pendings: make(map[string]*models.PendingPayment),
	}
}

func cloneOrder(o *models.Order) *models.Order {
	c := *o
	if o.BuyerID != nil {
		v := *o.BuyerID
		c.BuyerID = &v
	}
	if o.SellerID != nil {
		v := *o.SellerID
		c.SellerID = &v
	}
	if o.Hash != nil {
		v := *o.Hash
		c.Hash = &v
	}
	if o.Secret != nil {
		v := *o.Secret
		c.Secret = &v
	}
	if o.TakenAt != nil {
		v := *o.TakenAt
		c.TakenAt = &v
	}
	if o.CanceledBy != nil {
		v := *o.CanceledBy
		c.CanceledBy = &v
	}
	return &c
}

func (m *memStore) UpsertUser(_ context.Context, user *models.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.users[user.ID]; ok {
		existing.Username = user.Username
		return nil
	}
	u := *user
	m.users[user.ID] = &u
	return nil
}

func (m *memStore) GetUser(_ context.Context, userID string) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return nil, store.ErrNotFound
	}
	c := *u
	return &c, nil
}

func (m *memStore) GetUserByUsername(_ context.Context, username string) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Username == username {
			c := *u
			return &c, nil
		}
	}
	return nil, store.ErrNotFound
}

func (m *memStore) SetUserReputation(_ context.Context, userID string, disputes int, banned bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return store.ErrNotFound
	}
	if disputes > u.Disputes {
		u.Disputes = disputes
	}
	u.Banned = u.Banned || banned
	return nil
}

func (m *memStore) BanUser(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return store.ErrNotFound
	}
	u.Banned = true
	return nil
}

func (m *memStore) CreateOrder(_ context.Context, order *models.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders[order.ID] = cloneOrder(order)
	return nil
}

func (m *memStore) GetOrder(_ context.Context, orderID string) (*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneOrder(o), nil
}

func (m *memStore) GetOrderByHash(_ context.Context, hash string) (*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range m.orders {
		if o.Hash != nil && *o.Hash == hash {
			return cloneOrder(o), nil
		}
	}
	return nil, store.ErrNotFound
}

func (m *memStore) ListUserOrders(_ context.Context, userID string) ([]*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Order
	for _, o := range m.orders {
		if o.IsParty(userID) && !o.Status.Terminal() {
			out = append(out, cloneOrder(o))
		}
	}
	return out, nil
}

func (m *memStore) ListStaleOrders(_ context.Context, status models.OrderStatus, cutoff time.Time) ([]*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Order
	for _, o := range m.orders {
		if o.Status == status && o.CreatedAt.Before(cutoff) {
			out = append(out, cloneOrder(o))
		}
	}
	return out, nil
}

func (m *memStore) SellerHasOrderInStatus(_ context.Context, userID string, status models.OrderStatus) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range m.orders {
		if o.SellerID != nil && *o.SellerID == userID && o.Status == status {
			return true, nil
		}
	}
	return false, nil
}

func (m *memStore) UpdateStatusFrom(_ context.Context, orderID string, to models.OrderStatus, canceledBy string, from ...models.OrderStatus) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok {
		return 0, nil
	}
	for _, f := range from {
		if o.Status == f {
			o.Status = to
			if canceledBy != "" {
				v := canceledBy
				o.CanceledBy = &v
			}
			return 1, nil
		}
	}
	return 0, nil
}

func (m *memStore) TakeOrder(_ context.Context, orderID string, role models.Role, userID string, takenAt time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok || o.Status != models.OrderPending || o.PartyID(role) != "" {
		return 0, nil
	}
	v := userID
	if role == models.RoleBuyer {
		o.BuyerID = &v
	} else {
		o.SellerID = &v
	}
	o.TakenAt = &takenAt
	return 1, nil
}

func (m *memStore) ReleaseTake(_ context.Context, orderID string, role models.Role) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok || o.Status != models.OrderPending || o.PartyID(role) == "" {
		return 0, nil
	}
	if role == models.RoleBuyer {
		o.BuyerID = nil
	} else {
		o.SellerID = nil
	}
	o.TakenAt = nil
	return 1, nil
}

func (m *memStore) AttachHoldInvoice(_ context.Context, orderID string, amount, fee int64, hash, secret, description string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok || o.Status != models.OrderPending || o.HasHoldInvoice() || o.BuyerID == nil || o.SellerID == nil {
		return 0, nil
	}
	o.Amount = amount
	o.Fee = fee
	h, s := hash, secret
	o.Hash = &h
	o.Secret = &s
	o.Description = description
	o.Status = models.OrderWaitingPayment
	return 1, nil
}

func (m *memStore) SetBuyerInvoice(_ context.Context, orderID, invoice string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok {
		return store.ErrNotFound
	}
	o.BuyerInvoice = invoice
	return nil
}

func (m *memStore) SetCoopCancelFlag(_ context.Context, orderID string, role models.Role) (bool, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok || o.Status != models.OrderActive || o.CoopCancelFlag(role) {
		return false, false, nil
	}
	o.SetCoopCancelFlag(role)
	return true, o.CoopCancelFlag(role.Counterparty()), nil
}

func (m *memStore) SetDispute(_ context.Context, orderID string, role models.Role) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok {
		return 0, nil
	}
	switch o.Status {
	case models.OrderActive, models.OrderFiatSent, models.OrderPaidHoldInvoice:
	default:
		return 0, nil
	}
	if role == models.RoleBuyer {
		o.BuyerDispute = true
	} else {
		o.SellerDispute = true
	}
	o.Status = models.OrderDispute
	return 1, nil
}

func (m *memStore) LatchPaidHoldInvoiceUpdated(_ context.Context, orderID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok || o.PaidHoldBuyerInvoiceUpdated {
		return 0, nil
	}
	o.PaidHoldBuyerInvoiceUpdated = true
	return 1, nil
}

func (m *memStore) MarkInvoiceSettled(_ context.Context, orderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if o, ok := m.orders[orderID]; ok {
		o.InvoiceSettled = true
	}
	return nil
}

func (m *memStore) ClearChannelMessages(_ context.Context, orderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if o, ok := m.orders[orderID]; ok {
		o.ChannelMessage1 = ""
		o.ChannelMessage2 = ""
	}
	return nil
}

// EnqueuePendingPayment mirrors the unique partial index on
// pending_payments(order_id) WHERE NOT exhausted: a second live row for the
// same order is refused, never inserted.
func (m *memStore) EnqueuePendingPayment(_ context.Context, pp *models.PendingPayment) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.pendings {
		if existing.OrderID == pp.OrderID && !existing.Exhausted {
			return false, nil
		}
	}
	c := *pp
	m.pendings[pp.ID] = &c
	return true, nil
}

func (m *memStore) GetUnexhaustedPendingPayment(_ context.Context, orderID string) (*models.PendingPayment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, pp := range m.pendings {
		if pp.OrderID == orderID && !pp.Exhausted {
			c := *pp
			return &c, nil
		}
	}
	return nil, store.ErrNotFound
}

func (m *memStore) ListRetryablePendingPayments(_ context.Context) ([]*models.PendingPayment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.PendingPayment
	for _, pp := range m.pendings {
		if !pp.Exhausted {
			c := *pp
			out = append(out, &c)
		}
	}
	return out, nil
}

func (m *memStore) IncrementPendingPaymentAttempts(_ context.Context, id string, maxAttempts int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pp, ok := m.pendings[id]
	if !ok {
		return 0, store.ErrNotFound
	}
	pp.Attempts++
	if pp.Attempts >= maxAttempts {
		pp.Exhausted = true
	}
	return pp.Attempts, nil
}

func (m *memStore) DeletePendingPayment(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pendings, id)
	return nil
}

// fakeGateway records every call and fails on demand.
type fakeGateway struct {
	mu sync.Mutex

	createErr error
	settleErr error
	cancelErr error
	payErr    error

	// onCreate runs after a hold invoice is built, before it is returned;
	// tests use it to interleave a concurrent state change.
	onCreate func(hold *lnd.HoldInvoice)

	created    []*lnd.HoldInvoice
	subscribed []string
	settled    []string
	canceled   []string
	paid       []payCall
}

type payCall struct {
	request string
	amount  int64
}

func (g *fakeGateway) CreateHoldInvoice(_ context.Context, description string, amount int64) (*lnd.HoldInvoice, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.createErr != nil {
		return nil, g.createErr
	}
	n := len(g.created) + 1
	hold := &lnd.HoldInvoice{
		Request: fmt.Sprintf("lnbc-hold-%d-%d", n, amount),
		Hash:    fmt.Sprintf("hash-%d", n),
		Secret:  fmt.Sprintf("secret-%d", n),
	}
	g.created = append(g.created, hold)
	if g.onCreate != nil {
		g.onCreate(hold)
	}
	return hold, nil
}

func (g *fakeGateway) SubscribeInvoice(_ context.Context, hash string, _ lnd.InvoiceHandler) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.subscribed = append(g.subscribed, hash)
}

func (g *fakeGateway) SettleHoldInvoice(_ context.Context, secret string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.settleErr != nil {
		return g.settleErr
	}
	g.settled = append(g.settled, secret)
	return nil
}

func (g *fakeGateway) CancelHoldInvoice(_ context.Context, hash string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.cancelErr != nil {
		return g.cancelErr
	}
	g.canceled = append(g.canceled, hash)
	return nil
}

func (g *fakeGateway) PayInvoice(_ context.Context, paymentRequest string, amount int64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.payErr != nil {
		return g.payErr
	}
	g.paid = append(g.paid, payCall{request: paymentRequest, amount: amount})
	return nil
}

func (g *fakeGateway) GetInfo(_ context.Context) (*lnd.Info, error) {
	return &lnd.Info{Alias: "test-node", SyncedToChain: true}, nil
}

// stubPricer returns one fixed conversion.
type stubPricer struct {
	sats int64
	err  error
}

func (p *stubPricer) SatsForFiat(context.Context, string, float64) (int64, error) {
	if p.err != nil {
		return 0, p.err
	}
	return p.sats, nil
}

// recordingNotifier captures events for assertions.
type recordingNotifier struct {
	mu     sync.Mutex
	events []notify.Event
}

func (n *recordingNotifier) Notify(_ context.Context, e notify.Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, e)
}

func (n *recordingNotifier) names() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, 0, len(n.events))
	for _, e := range n.events {
		out = append(out, e.Name)
	}
	return out
}

func (n *recordingNotifier) has(name string) bool {
	for _, got := range n.names() {
		if got == name {
			return true
		}
	}
	return false
}

var errGateway = errors.New("gateway unavailable")

package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"settlement-service/internal/gateway"
	"settlement-service/internal/models"
	"settlement-service/internal/redisclient"
)

// In-memory doubles for the store and collaborator interfaces. The guarded
// transitions mirror the conditional-update semantics of the SQL layer so
// the concurrency behavior under test is the real one.

type fakeOrderStore struct {
	mu     sync.Mutex
	orders map[int64]*models.Order
	nextID int64
}

func newFakeOrderStore() *fakeOrderStore {
	return &fakeOrderStore{orders: make(map[int64]*models.Order), nextID: 1}
}

func (s *fakeOrderStore) put(order *models.Order) *models.Order {
	s.mu.Lock()
	defer s.mu.Unlock()
	if order.ID == 0 {
		order.ID = s.nextID
		s.nextID++
	}
	s.orders[order.ID] = order
	return order
}

func (s *fakeOrderStore) CreateOrder(_ context.Context, order *models.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	order.ID = s.nextID
	s.nextID++
	order.CreatedAt = time.Now()
	order.UpdatedAt = order.CreatedAt
	copied := *order
	s.orders[order.ID] = &copied
	return nil
}

func (s *fakeOrderStore) GetOrderByID(_ context.Context, id int64) (*models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	order, ok := s.orders[id]
	if !ok {
		return nil, models.ErrOrderNotFound
	}
	copied := *order
	return &copied, nil
}

func (s *fakeOrderStore) GetOrderByTransactionID(_ context.Context, txnID string) (*models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, order := range s.orders {
		if order.TransactionID == txnID {
			copied := *order
			return &copied, nil
		}
	}
	return nil, models.ErrOrderNotFound
}

func (s *fakeOrderStore) GetOrderByGatewayOrderID(_ context.Context, gatewayOrderID string) (*models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, order := range s.orders {
		if order.GatewayOrderID == gatewayOrderID {
			copied := *order
			return &copied, nil
		}
	}
	return nil, models.ErrOrderNotFound
}

func (s *fakeOrderStore) GetOrderByIdempotencyKey(_ context.Context, key string) (*models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, order := range s.orders {
		if order.IdempotencyKey == key {
			copied := *order
			return &copied, nil
		}
	}
	return nil, nil
}

func (s *fakeOrderStore) TransitionOrderPaid(_ context.Context, orderID int64, gatewayPaymentID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	order, ok := s.orders[orderID]
	if !ok {
		return false, nil
	}
	if order.PaymentStatus != models.PaymentStatusPending && order.PaymentStatus != models.PaymentStatusFailed {
		return false, nil
	}
	order.PaymentStatus = models.PaymentStatusPaid
	if order.OrderStatus == models.OrderStatusPending {
		order.OrderStatus = models.OrderStatusConfirmed
	}
	order.GatewayPaymentID = gatewayPaymentID
	return true, nil
}

func (s *fakeOrderStore) TransitionPaymentStatus(_ context.Context, orderID int64, fromStatus, toStatus string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	order, ok := s.orders[orderID]
	if !ok || order.PaymentStatus != fromStatus {
		return false, nil
	}
	order.PaymentStatus = toStatus
	return true, nil
}

func (s *fakeOrderStore) CancelOrder(_ context.Context, orderID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	order, ok := s.orders[orderID]
	if !ok || order.PaymentStatus != models.PaymentStatusPending {
		return false, nil
	}
	order.PaymentStatus = models.PaymentStatusCancelled
	order.OrderStatus = models.OrderStatusCancelled
	return true, nil
}

func (s *fakeOrderStore) UpdateOrderStatus(_ context.Context, orderID int64, fromStatus, toStatus string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	order, ok := s.orders[orderID]
	if !ok || order.OrderStatus != fromStatus {
		return false, nil
	}
	order.OrderStatus = toStatus
	return true, nil
}

type fakeLedgerStore struct {
	mu        sync.Mutex
	entries   []*models.CoinLedgerEntry
	balances  map[int64]int64
	appendErr error
}

func newFakeLedgerStore() *fakeLedgerStore {
	return &fakeLedgerStore{balances: make(map[int64]int64)}
}

func (s *fakeLedgerStore) GetCompletedLedgerEntry(_ context.Context, orderID int64, entryType string) (*models.CoinLedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, entry := range s.entries {
		if entry.OrderID != nil && *entry.OrderID == orderID &&
			entry.Type == entryType && entry.Status == models.LedgerStatusCompleted {
			copied := *entry
			return &copied, nil
		}
	}
	return nil, nil
}

func (s *fakeLedgerStore) AppendLedgerEntry(_ context.Context, entry *models.CoinLedgerEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.appendErr != nil {
		return s.appendErr
	}
	balanceAfter := s.balances[entry.UserID] + entry.Amount
	if balanceAfter < 0 {
		return models.ErrInsufficientBalance
	}
	entry.BalanceAfter = balanceAfter
	entry.Status = models.LedgerStatusCompleted
	entry.CreatedAt = time.Now()
	s.balances[entry.UserID] = balanceAfter
	copied := *entry
	s.entries = append(s.entries, &copied)
	return nil
}

func (s *fakeLedgerStore) FlipLedgerEntryStatus(_ context.Context, entryID, fromStatus, toStatus string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, entry := range s.entries {
		if entry.ID == entryID && entry.Status == fromStatus {
			entry.Status = toStatus
			return true, nil
		}
	}
	return false, nil
}

func (s *fakeLedgerStore) ListExpiredEarnedEntries(_ context.Context, now time.Time, limit int) ([]models.CoinLedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.CoinLedgerEntry
	for _, entry := range s.entries {
		if entry.Type == models.LedgerTypeEarned && entry.Status == models.LedgerStatusCompleted &&
			entry.ExpiresAt != nil && entry.ExpiresAt.Before(now) {
			out = append(out, *entry)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (s *fakeLedgerStore) GetUserCoins(_ context.Context, userID int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balances[userID], nil
}

func (s *fakeLedgerStore) entriesFor(orderID int64, entryType string) []*models.CoinLedgerEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.CoinLedgerEntry
	for _, entry := range s.entries {
		if entry.OrderID != nil && *entry.OrderID == orderID && entry.Type == entryType {
			copied := *entry
			out = append(out, &copied)
		}
	}
	return out
}

type fakeCartStore struct {
	mu    sync.Mutex
	carts map[int64]*models.Cart
}

func newFakeCartStore() *fakeCartStore {
	return &fakeCartStore{carts: make(map[int64]*models.Cart)}
}

func (s *fakeCartStore) put(cart *models.Cart) *models.Cart {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.carts[cart.ID] = cart
	return cart
}

func (s *fakeCartStore) GetCartByID(_ context.Context, id int64) (*models.Cart, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cart, ok := s.carts[id]
	if !ok {
		return nil, fmt.Errorf("cart not found: %d", id)
	}
	copied := *cart
	return &copied, nil
}

func (s *fakeCartStore) transition(cartID int64, from, to string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cart, ok := s.carts[cartID]
	if !ok || cart.Status != from {
		return false, nil
	}
	cart.Status = to
	return true, nil
}

func (s *fakeCartStore) MarkCartCheckout(_ context.Context, cartID, orderID int64) (bool, error) {
	won, err := s.transition(cartID, models.CartStatusActive, models.CartStatusCheckout)
	if won {
		s.mu.Lock()
		s.carts[cartID].CheckoutOrderID = &orderID
		s.mu.Unlock()
	}
	return won, err
}

func (s *fakeCartStore) CompleteCart(_ context.Context, cartID int64) (bool, error) {
	return s.transition(cartID, models.CartStatusCheckout, models.CartStatusCompleted)
}

func (s *fakeCartStore) RestoreCart(_ context.Context, cartID int64) (bool, error) {
	return s.transition(cartID, models.CartStatusCheckout, models.CartStatusActive)
}

func (s *fakeCartStore) status(cartID int64) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.carts[cartID].Status
}

type fakeUserStore struct {
	users map[int64]*models.User
}

func (s *fakeUserStore) GetUserByID(_ context.Context, id int64) (*models.User, error) {
	user, ok := s.users[id]
	if !ok {
		return nil, fmt.Errorf("user not found: %d", id)
	}
	return user, nil
}

type fakeGateway struct {
	mu             sync.Mutex
	createOrderID  string
	createErr      error
	attempts       []gateway.Attempt
	fetchErr       error
	fetchCalls     int
	refundID       string
	refundErr      error
	redirectValid  bool
	webhookValid   bool
	createRequests []gateway.CreateOrderParams
}

func (g *fakeGateway) CreateOrder(_ context.Context, params gateway.CreateOrderParams) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.createRequests = append(g.createRequests, params)
	if g.createErr != nil {
		return "", g.createErr
	}
	return g.createOrderID, nil
}

func (g *fakeGateway) FetchStatus(_ context.Context, _ string) ([]gateway.Attempt, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.fetchCalls++
	if g.fetchErr != nil {
		return nil, g.fetchErr
	}
	return g.attempts, nil
}

func (g *fakeGateway) Refund(_ context.Context, _ string, _ int64) (string, error) {
	if g.refundErr != nil {
		return "", g.refundErr
	}
	return g.refundID, nil
}

func (g *fakeGateway) VerifyRedirectSignature(_, _, _ string) bool { return g.redirectValid }
func (g *fakeGateway) VerifyWebhookSignature(_ []byte, _ string) bool {
	return g.webhookValid
}

type emittedEvent struct {
	eventType string
	orderKey  int64
	payload   interface{}
}

type fakeNotifier struct {
	mu     sync.Mutex
	events []emittedEvent
}

func (n *fakeNotifier) Emit(_ context.Context, eventType string, orderKey int64, payload interface{}) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, emittedEvent{eventType, orderKey, payload})
}

func (n *fakeNotifier) ofType(eventType string) []emittedEvent {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []emittedEvent
	for _, e := range n.events {
		if e.eventType == eventType {
			out = append(out, e)
		}
	}
	return out
}

type fakeAssignment struct {
	mu     sync.Mutex
	err    error
	panics bool
	calls  int
}

func (a *fakeAssignment) AssignOrder(_ context.Context, _ int64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls++
	if a.panics {
		panic("assignment service exploded")
	}
	return a.err
}

type fakeInvoices struct {
	mu          sync.Mutex
	generateErr error
	sendErr     error
	sent        []*models.Invoice
}

func (i *fakeInvoices) Generate(_ context.Context, order *models.Order, recipient string) (*models.Invoice, error) {
	if i.generateErr != nil {
		return nil, i.generateErr
	}
	return &models.Invoice{
		Number:    fmt.Sprintf("INV-%d", order.ID),
		OrderID:   order.ID,
		Amount:    order.PayableAmount(),
		Recipient: recipient,
		IssuedAt:  time.Now(),
	}, nil
}

func (i *fakeInvoices) Send(_ context.Context, invoice *models.Invoice) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.sendErr != nil {
		return i.sendErr
	}
	i.sent = append(i.sent, invoice)
	return nil
}

type fakeQueue struct {
	mu    sync.Mutex
	items []redisclient.DeferredInvoice
}

func (q *fakeQueue) EnqueueInvoice(_ context.Context, item redisclient.DeferredInvoice) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, item)
	return nil
}

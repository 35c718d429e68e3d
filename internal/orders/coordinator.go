package orders

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"agricarbon/credit-marketplace/credit-marketplace-backend/internal/events"
	"agricarbon/credit-marketplace/credit-marketplace-backend/internal/ledger"
	"agricarbon/credit-marketplace/credit-marketplace-backend/internal/listings"
	"agricarbon/credit-marketplace/credit-marketplace-backend/pkg/workflows"
)

var (
	// ErrNotFound is returned when an order does not exist.
	ErrNotFound = errors.New("order not found")

	// ErrInvalidStateTransition rejects operations on orders in a state the
	// escrow machine does not allow to move from.
	ErrInvalidStateTransition = errors.New("invalid order state transition")

	// ErrMarketClosed rejects purchases while the market is paused.
	ErrMarketClosed = errors.New("market is closed")
)

// Config tunes the escrow coordinator.
type Config struct {
	// PendingTimeout bounds how long an order may sit in PENDING before the
	// sweeper cancels and compensates it.
	PendingTimeout time.Duration
	// EscrowTimeout bounds the wait for a settlement result. Escrow must
	// never hold a reservation indefinitely.
	EscrowTimeout time.Duration
	// MarketOpen is the initial market switch position.
	MarketOpen bool
}

// DefaultConfig returns the coordinator defaults.
func DefaultConfig() Config {
	return Config{
		PendingTimeout: 2 * time.Minute,
		EscrowTimeout:  10 * time.Minute,
		MarketOpen:     true,
	}
}

// Coordinator drives each order through the escrow state machine
// PENDING -> ESCROWED -> COMPLETED, with CANCELLED and FAILED as compensated
/// exits. Filling the listing is the reservation: the coordinator never takes
// a second hold on ledger quantity.
type Coordinator struct {
	repo       Repository
	listings   *listings.Service
	settlement SettlementBackend
	sm         *workflows.StateMachine
	logger     *zap.Logger
	publisher  events.Publisher
	config     Config

	marketOpen atomic.Bool

	locksMu    sync.Mutex
	orderLocks map[uuid.UUID]*sync.Mutex

	// settling tracks in-flight settlement goroutines for clean shutdown.
	settling sync.WaitGroup
}

// NewCoordinator creates the order/escrow coordinator.
func NewCoordinator(repo Repository, listingSvc *listings.Service, settlement SettlementBackend, config Config, logger *zap.Logger, publisher events.Publisher) *Coordinator {
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	c := &Coordinator{
		repo:       repo,
		listings:   listingSvc,
		settlement: settlement,
		sm:         workflows.NewOrderStateMachine(),
		logger:     logger,
		publisher:  publisher,
		config:     config,
		orderLocks: make(map[uuid.UUID]*sync.Mutex),
	}
	c.marketOpen.Store(config.MarketOpen)
	return c
}

func (c *Coordinator) lockOrder(id uuid.UUID) *sync.Mutex {
	c.locksMu.Lock()
	defer c.locksMu.Unlock()
	lock, ok := c.orderLocks[id]
	if !ok {
		lock = &sync.Mutex{}
		c.orderLocks[id] = lock
	}
	return lock
}

// transition applies a state machine move or fails without side effects.
func (c *Coordinator) transition(order *Order, to OrderStatus) error {
	if !c.sm.CanTransition(string(order.Status), string(to)) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidStateTransition, order.Status, to)
	}
	order.Status = to
	now := time.Now().UTC()
	switch to {
	case StatusEscrowed:
		order.EscrowedAt = &now
	case StatusCompleted, StatusCancelled, StatusFailed:
		order.ClosedAt = &now
	}
	return nil
}

// PlaceOrderRequest carries a buyer's purchase intent.
type PlaceOrderRequest struct {
	ListingID uuid.UUID `json:"listing_id" binding:"required"`
	BuyerID   string    `json:"buyer_id" binding:"required"`
	Quantity  float64   `json:"quantity" binding:"required"`
}

// PlaceOrder matches the purchase intent against the listing, tentatively
// fills it (which is the reservation), and immediately enters escrow. The
// call returns as soon as escrow is entered; settlement resolves async.
func (c *Coordinator) PlaceOrder(ctx context.Context, req PlaceOrderRequest) (*Order, error) {
	if !c.marketOpen.Load() {
		return nil, ErrMarketClosed
	}
	req.Quantity = ledger.RoundQuantity(req.Quantity)
	if req.Quantity <= 0 {
		return nil, ledger.ErrInvalidQuantity
	}

	listing, err := c.listings.GetListing(ctx, req.ListingID)
	if err != nil {
		return nil, err
	}

	// Fill = reserve, atomically under the listing's lock.
	if _, err := c.listings.FillPortion(ctx, req.ListingID, req.Quantity); err != nil {
		return nil, err
	}

	order := &Order{
		ID:           uuid.New(),
		ListingID:    req.ListingID,
		CreditUnitID: listing.CreditUnitID,
		BuyerID:      req.BuyerID,
		Quantity:     req.Quantity,
		PricePerUnit: listing.PricePerUnit, // locked in at order time
		Status:       StatusPending,
	}
	if err := c.repo.Create(ctx, order); err != nil {
		// Compensate the tentative fill; the order never existed.
		if _, restoreErr := c.listings.RestorePortion(ctx, req.ListingID, req.Quantity); restoreErr != nil {
			c.logger.Error("Failed to restore fill for unpersisted order",
				zap.String("listing_id", req.ListingID.String()), zap.Error(restoreErr))
		}
		return nil, fmt.Errorf("create order: %w", err)
	}

	c.logger.Info("order placed",
		zap.String("order_id", order.ID.String()),
		zap.String("listing_id", req.ListingID.String()),
		zap.Float64("quantity", req.Quantity),
		zap.Float64("total_price", order.TotalPrice()))
	c.publisher.Publish(events.New(events.TypeOrderPlaced, order.ID.String(), map[string]interface{}{
		"listing_id": req.ListingID.String(),
		"quantity":   req.Quantity,
	}))

	if err := c.EnterEscrow(ctx, order.ID); err != nil {
		return nil, err
	}
	return c.repo.GetByID(ctx, order.ID)
}

// EnterEscrow moves a PENDING order to ESCROWED and hands settlement to the
// backend off the caller's goroutine. This is the subsystem's only
// suspension point; the caller is never blocked on the transfer.
func (c *Coordinator) EnterEscrow(ctx context.Context, orderID uuid.UUID) error {
	lock := c.lockOrder(orderID)
	lock.Lock()
	defer lock.Unlock()

	order, err := c.repo.GetByID(ctx, orderID)
	if err != nil {
		return err
	}
	if err := c.transition(order, StatusEscrowed); err != nil {
		return err
	}
	if err := c.repo.Save(ctx, order); err != nil {
		return fmt.Errorf("save escrowed order: %w", err)
	}

	listing, err := c.listings.GetListing(ctx, order.ListingID)
	if err != nil {
		return err
	}

	settleReq := SettlementRequest{
		OrderID:      order.ID,
		BuyerID:      order.BuyerID,
		SellerID:     listing.SellerID,
		Quantity:     order.Quantity,
		PricePerUnit: order.PricePerUnit,
		TotalAmount:  order.TotalPrice(),
	}

	c.settling.Add(1)
	go func() {
		defer c.settling.Done()
		// Detached from the request context: the buyer's HTTP call has
		// already returned by the time settlement resolves.
		settleCtx, cancel := context.WithTimeout(context.Background(), c.config.EscrowTimeout)
		defer cancel()

		result, err := c.settlement.Settle(settleCtx, settleReq)
		if err != nil {
			result = &SettlementResult{OrderID: order.ID, Success: false, Error: err.Error()}
		}
		if err := c.OnSettlementResult(context.Background(), *result); err != nil {
			c.logger.Error("Failed to apply settlement result",
				zap.String("order_id", order.ID.String()), zap.Error(err))
		}
	}()
	return nil
}

// OnSettlementResult applies the backend's verdict. Idempotent: a duplicate
// result for a terminal order is a no-op, so provider retries are safe.
func (c *Coordinator) OnSettlementResult(ctx context.Context, result SettlementResult) error {
	lock := c.lockOrder(result.OrderID)
	lock.Lock()
	defer lock.Unlock()

	order, err := c.repo.GetByID(ctx, result.OrderID)
	if err != nil {
		return err
	}
	if order.Terminal() {
		return nil
	}
	if order.Status != StatusEscrowed {
		return fmt.Errorf("%w: settlement result for order in status %s", ErrInvalidStateTransition, order.Status)
	}

	if result.Success {
		if err := c.listings.RecordSale(ctx, order.ListingID, order.Quantity, order.BuyerID, order.ID.String()); err != nil {
			return fmt.Errorf("commit sale: %w", err)
		}
		if err := c.transition(order, StatusCompleted); err != nil {
			return err
		}
		if result.ProviderReference != "" {
			order.ProviderReference = &result.ProviderReference
		}
		if err := c.repo.Save(ctx, order); err != nil {
			return fmt.Errorf("save completed order: %w", err)
		}
		c.logger.Info("order completed",
			zap.String("order_id", order.ID.String()),
			zap.String("provider_reference", result.ProviderReference))
		c.publisher.Publish(events.New(events.TypeOrderCompleted, order.ID.String(), map[string]interface{}{
			"quantity": order.Quantity,
			"buyer_id": order.BuyerID,
		}))
		return nil
	}

	return c.failLocked(ctx, order, result.Error)
}

// failLocked compensates and fails an escrowed order. Caller holds the lock.
func (c *Coordinator) failLocked(ctx context.Context, order *Order, reason string) error {
	if _, err := c.listings.RestorePortion(ctx, order.ListingID, order.Quantity); err != nil {
		return fmt.Errorf("restore fill after settlement failure: %w", err)
	}
	if err := c.transition(order, StatusFailed); err != nil {
		return err
	}
	if reason != "" {
		order.FailureReason = &reason
	}
	if err := c.repo.Save(ctx, order); err != nil {
		return fmt.Errorf("save failed order: %w", err)
	}
	c.logger.Warn("order failed",
		zap.String("order_id", order.ID.String()),
		zap.String("reason", reason))
	c.publisher.Publish(events.New(events.TypeOrderFailed, order.ID.String(), map[string]interface{}{
		"reason": reason,
	}))
	return nil
}

// CancelOrder cancels a PENDING order and compensates its tentative fill.
func (c *Coordinator) CancelOrder(ctx context.Context, orderID uuid.UUID) (*Order, error) {
	lock := c.lockOrder(orderID)
	lock.Lock()
	defer lock.Unlock()

	order, err := c.repo.GetByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.Status != StatusPending {
		return nil, fmt.Errorf("%w: cannot cancel order in status %s", ErrInvalidStateTransition, order.Status)
	}

	if _, err := c.listings.RestorePortion(ctx, order.ListingID, order.Quantity); err != nil {
		return nil, fmt.Errorf("restore fill on cancel: %w", err)
	}
	if err := c.transition(order, StatusCancelled); err != nil {
		return nil, err
	}
	if err := c.repo.Save(ctx, order); err != nil {
		return nil, fmt.Errorf("save cancelled order: %w", err)
	}

	c.publisher.Publish(events.New(events.TypeOrderCancelled, order.ID.String(), nil))
	return order, nil
}

// SweepTimeouts cancels stale PENDING orders and fails stale ESCROWED orders,
// compensating both exactly like an explicit failure. Invoked on a schedule.
func (c *Coordinator) SweepTimeouts(ctx context.Context) (int, error) {
	swept := 0
	now := time.Now().UTC()

	stalePending, err := c.repo.ListStale(ctx, StatusPending, now.Add(-c.config.PendingTimeout))
	if err != nil {
		return swept, fmt.Errorf("list stale pending orders: %w", err)
	}
	for _, order := range stalePending {
		if _, err := c.CancelOrder(ctx, order.ID); err != nil {
			if errors.Is(err, ErrInvalidStateTransition) {
				continue // raced with escrow entry; the escrow sweep owns it now
			}
			c.logger.Error("Failed to cancel timed-out order",
				zap.String("order_id", order.ID.String()), zap.Error(err))
			continue
		}
		swept++
	}

	staleEscrowed, err := c.repo.ListStale(ctx, StatusEscrowed, now.Add(-c.config.EscrowTimeout))
	if err != nil {
		return swept, fmt.Errorf("list stale escrowed orders: %w", err)
	}
	for _, order := range staleEscrowed {
		err := c.OnSettlementResult(ctx, SettlementResult{
			OrderID: order.ID,
			Success: false,
			Error:   "settlement timed out",
		})
		if err != nil {
			c.logger.Error("Failed to fail timed-out escrow",
				zap.String("order_id", order.ID.String()), zap.Error(err))
			continue
		}
		swept++
	}

	if swept > 0 {
		c.logger.Info("escrow sweep compensated stale orders", zap.Int("count", swept))
	}
	return swept, nil
}

// WaitForSettlements blocks until in-flight settlement goroutines finish.
// Used on shutdown and by tests.
func (c *Coordinator) WaitForSettlements() {
	c.settling.Wait()
}

// SetMarketOpen flips the market switch. While closed, PlaceOrder is
// rejected; issuance, cancellation and retirement stay available.
func (c *Coordinator) SetMarketOpen(open bool) {
	c.marketOpen.Store(open)
}

// MarketOpen reports the market switch position.
func (c *Coordinator) MarketOpen() bool {
	return c.marketOpen.Load()
}

// GetOrder returns one order by ID.
func (c *Coordinator) GetOrder(ctx context.Context, id uuid.UUID) (*Order, error) {
	return c.repo.GetByID(ctx, id)
}

// ListOrdersByBuyer returns a buyer's orders.
func (c *Coordinator) ListOrdersByBuyer(ctx context.Context, buyerID string) ([]Order, error) {
	return c.repo.ListByBuyer(ctx, buyerID)
}

package listings

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"agricarbon/credit-marketplace/credit-marketplace-backend/internal/events"
	"agricarbon/credit-marketplace/credit-marketplace-backend/internal/ledger"
	"agricarbon/credit-marketplace/credit-marketplace-backend/pkg/workflows"
)

var (
	// ErrCannotListMoreThanAvailable maps the ledger's insufficient-quantity
	// failure onto the listing surface.
	ErrCannotListMoreThanAvailable = errors.New("cannot list more than the credit unit's available quantity")

	// ErrInsufficientUnfilledQuantity rejects a fill larger than the unfilled
	// remainder. Ordinary buyer error; the order is simply too big.
	ErrInsufficientUnfilledQuantity = errors.New("requested quantity exceeds unfilled remainder")

	// ErrOverFill means listing accounting went inconsistent (filled quantity
	// past the listed quantity, or a restore larger than what was filled).
	// That is a concurrency bug, not recoverable input; callers must abort
	// and never compensate around it.
	ErrOverFill = errors.New("listing fill accounting violated")

	// ErrInvalidStateTransition rejects operations on listings in the wrong
	// status, e.g. cancelling a FILLED listing.
	ErrInvalidStateTransition = errors.New("invalid listing state transition")

	// ErrNotFound is returned when a listing does not exist.
	ErrNotFound = errors.New("listing not found")
)

// Service is the listing manager. It owns listing state and holds each
// listing's ledger reservation; all quantity movement still goes through the
// ledger.
type Service struct {
	repo      Repository
	ledger    *ledger.Service
	sm        *workflows.StateMachine
	logger    *zap.Logger
	publisher events.Publisher

	locksMu      sync.Mutex
	listingLocks map[uuid.UUID]*sync.Mutex
}

// NewService creates the listing manager.
func NewService(repo Repository, ledgerSvc *ledger.Service, logger *zap.Logger, publisher events.Publisher) *Service {
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	return &Service{
		repo:         repo,
		ledger:       ledgerSvc,
		sm:           workflows.NewListingStateMachine(),
		logger:       logger,
		publisher:    publisher,
		listingLocks: make(map[uuid.UUID]*sync.Mutex),
	}
}

func (s *Service) lockListing(id uuid.UUID) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	lock, ok := s.listingLocks[id]
	if !ok {
		lock = &sync.Mutex{}
		s.listingLocks[id] = lock
	}
	return lock
}

// CreateListingRequest carries a seller's offer.
type CreateListingRequest struct {
	CreditUnitID uuid.UUID `json:"credit_unit_id" binding:"required"`
	SellerID     string    `json:"seller_id" binding:"required"`
	Quantity     float64   `json:"quantity" binding:"required"`
	PricePerUnit float64   `json:"price_per_unit" binding:"required"`
}

// CreateListing reserves the listed quantity against the credit unit and
// creates an OPEN listing holding that reservation.
func (s *Service) CreateListing(ctx context.Context, req CreateListingRequest) (*Listing, error) {
	req.Quantity = ledger.RoundQuantity(req.Quantity)
	if req.Quantity <= 0 || req.PricePerUnit <= 0 {
		return nil, ledger.ErrInvalidQuantity
	}

	res, err := s.ledger.Reserve(ctx, req.CreditUnitID, req.Quantity)
	if err != nil {
		if errors.Is(err, ledger.ErrInsufficientAvailableQuantity) {
			return nil, fmt.Errorf("%w: %v", ErrCannotListMoreThanAvailable, err)
		}
		return nil, err
	}

	listing := &Listing{
		ID:             uuid.New(),
		CreditUnitID:   req.CreditUnitID,
		SellerID:       req.SellerID,
		ReservationID:  res.ID,
		ListedQuantity: req.Quantity,
		PricePerUnit:   req.PricePerUnit,
		Status:         StatusOpen,
	}
	if err := s.repo.Create(ctx, listing); err != nil {
		// The reservation must not stay held by a listing that was never
		// persisted; hand the quantity back before failing.
		if releaseErr := s.ledger.Release(ctx, res.ID, req.Quantity); releaseErr != nil {
			s.logger.Error("Failed to release reservation for unpersisted listing",
				zap.String("reservation_id", res.ID.String()), zap.Error(releaseErr))
		}
		return nil, fmt.Errorf("create listing: %w", err)
	}

	s.logger.Info("listing created",
		zap.String("listing_id", listing.ID.String()),
		zap.String("credit_unit_id", req.CreditUnitID.String()),
		zap.Float64("quantity", req.Quantity),
		zap.Float64("price_per_unit", req.PricePerUnit))
	s.publisher.Publish(events.New(events.TypeListingCreated, listing.ID.String(), map[string]interface{}{
		"credit_unit_id": req.CreditUnitID.String(),
		"quantity":       req.Quantity,
		"price_per_unit": req.PricePerUnit,
	}))
	return listing, nil
}

// CancelListing releases the unfilled remainder back to the credit unit and
// marks the listing CANCELLED. Valid only from OPEN or PARTIALLY_FILLED.
func (s *Service) CancelListing(ctx context.Context, listingID uuid.UUID) (*Listing, error) {
	lock := s.lockListing(listingID)
	lock.Lock()
	defer lock.Unlock()

	listing, err := s.repo.GetByID(ctx, listingID)
	if err != nil {
		return nil, err
	}
	if !s.sm.CanTransition(string(listing.Status), string(StatusCancelled)) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidStateTransition, listing.Status, StatusCancelled)
	}

	remainder := listing.UnfilledQuantity()
	if remainder > 0 {
		if err := s.ledger.Release(ctx, listing.ReservationID, remainder); err != nil {
			return nil, fmt.Errorf("release unfilled remainder: %w", err)
		}
	}

	listing.Status = StatusCancelled
	if err := s.repo.Save(ctx, listing); err != nil {
		return nil, fmt.Errorf("save cancelled listing: %w", err)
	}

	s.logger.Info("listing cancelled",
		zap.String("listing_id", listingID.String()),
		zap.Float64("released_quantity", remainder))
	s.publisher.Publish(events.New(events.TypeListingCancelled, listingID.String(), map[string]interface{}{
		"released_quantity": remainder,
	}))
	return listing, nil
}

// FillPortion carves quantity out of the listing's unfilled pool on behalf of
// an order. Invoked by the order coordinator only; filling is the reservation
// for the order, there is no second hold to take.
func (s *Service) FillPortion(ctx context.Context, listingID uuid.UUID, quantity float64) (*Listing, error) {
	quantity = ledger.RoundQuantity(quantity)
	if quantity <= 0 {
		return nil, ledger.ErrInvalidQuantity
	}

	lock := s.lockListing(listingID)
	lock.Lock()
	defer lock.Unlock()

	listing, err := s.repo.GetByID(ctx, listingID)
	if err != nil {
		return nil, err
	}
	if listing.Status != StatusOpen && listing.Status != StatusPartiallyFilled {
		return nil, fmt.Errorf("%w: cannot fill listing in status %s", ErrInvalidStateTransition, listing.Status)
	}
	if quantity > listing.UnfilledQuantity() {
		return nil, fmt.Errorf("%w: requested %.4f, unfilled %.4f",
			ErrInsufficientUnfilledQuantity, quantity, listing.UnfilledQuantity())
	}

	listing.FilledQuantity = ledger.RoundQuantity(listing.FilledQuantity + quantity)
	if listing.FilledQuantity > listing.ListedQuantity {
		// Unreachable while fills are serialized per listing; if it fires the
		// lock discipline is broken. Reject in full and make noise.
		s.logger.Error("over-fill detected",
			zap.String("listing_id", listingID.String()),
			zap.Float64("filled", listing.FilledQuantity),
			zap.Float64("listed", listing.ListedQuantity))
		return nil, fmt.Errorf("%w: filled %.4f past listed %.4f", ErrOverFill, listing.FilledQuantity, listing.ListedQuantity)
	}
	if listing.UnfilledQuantity() == 0 {
		listing.Status = StatusFilled
	} else {
		listing.Status = StatusPartiallyFilled
	}
	if err := s.repo.Save(ctx, listing); err != nil {
		return nil, fmt.Errorf("save filled listing: %w", err)
	}
	return listing, nil
}

// RestorePortion returns tentatively filled quantity to the unfilled pool.
// Compensation path for failed or timed-out orders; the quantity never left
// the listing's ledger reservation, so no ledger movement happens here.
func (s *Service) RestorePortion(ctx context.Context, listingID uuid.UUID, quantity float64) (*Listing, error) {
	quantity = ledger.RoundQuantity(quantity)
	if quantity <= 0 {
		return nil, ledger.ErrInvalidQuantity
	}

	lock := s.lockListing(listingID)
	lock.Lock()
	defer lock.Unlock()

	listing, err := s.repo.GetByID(ctx, listingID)
	if err != nil {
		return nil, err
	}
	if quantity > listing.FilledQuantity {
		s.logger.Error("restore exceeds filled quantity",
			zap.String("listing_id", listingID.String()),
			zap.Float64("requested", quantity),
			zap.Float64("filled", listing.FilledQuantity))
		return nil, fmt.Errorf("%w: restore %.4f exceeds filled %.4f", ErrOverFill, quantity, listing.FilledQuantity)
	}

	// A cancelled listing already released its unfilled remainder; restored
	// quantity goes straight back to the credit unit instead.
	if listing.Status == StatusCancelled {
		if err := s.ledger.Release(ctx, listing.ReservationID, quantity); err != nil {
			return nil, fmt.Errorf("release restored quantity of cancelled listing: %w", err)
		}
		listing.FilledQuantity = ledger.RoundQuantity(listing.FilledQuantity - quantity)
		if err := s.repo.Save(ctx, listing); err != nil {
			return nil, fmt.Errorf("save restored listing: %w", err)
		}
		return listing, nil
	}

	listing.FilledQuantity = ledger.RoundQuantity(listing.FilledQuantity - quantity)
	if listing.FilledQuantity == 0 {
		listing.Status = StatusOpen
	} else {
		listing.Status = StatusPartiallyFilled
	}
	if err := s.repo.Save(ctx, listing); err != nil {
		return nil, fmt.Errorf("save restored listing: %w", err)
	}
	return listing, nil
}

// RecordSale moves sold quantity out of the listing's reservation into the
// buyer's holding. Called by the order coordinator after settlement succeeds.
func (s *Service) RecordSale(ctx context.Context, listingID uuid.UUID, quantity float64, buyerID, orderRef string) error {
	lock := s.lockListing(listingID)
	lock.Lock()
	defer lock.Unlock()

	listing, err := s.repo.GetByID(ctx, listingID)
	if err != nil {
		return err
	}
	return s.ledger.Commit(ctx, listing.ReservationID, quantity, buyerID, orderRef)
}

// GetListing returns one listing by ID.
func (s *Service) GetListing(ctx context.Context, id uuid.UUID) (*Listing, error) {
	return s.repo.GetByID(ctx, id)
}

// ListOpenListings returns purchasable listings matching the filter.
func (s *Service) ListOpenListings(ctx context.Context, filter Filter) ([]Listing, error) {
	return s.repo.ListOpen(ctx, filter)
}

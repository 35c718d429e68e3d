package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"agricarbon/credit-marketplace/credit-marketplace-backend/internal/events"
)

// Service owns all credit unit state. Every quantity mutation goes through
// here, under a lock scoped to the unit's ID, so interleaved calls against
// the same unit are linearizable. Different units never contend.
type Service struct {
	repo      Repository
	logger    *zap.Logger
	publisher events.Publisher

	locksMu   sync.Mutex
	unitLocks map[uuid.UUID]*sync.Mutex
}

// NewService creates the credit ledger service.
func NewService(repo Repository, logger *zap.Logger, publisher events.Publisher) *Service {
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	return &Service{
		repo:      repo,
		logger:    logger,
		publisher: publisher,
		unitLocks: make(map[uuid.UUID]*sync.Mutex),
	}
}

// lockUnit returns the mutex serializing mutations of one unit. Locks are
// kept for the process lifetime; the working set of units is small.
func (s *Service) lockUnit(id uuid.UUID) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	lock, ok := s.unitLocks[id]
	if !ok {
		lock = &sync.Mutex{}
		s.unitLocks[id] = lock
	}
	return lock
}

// IssueRequest carries the verified MRV report fields that trigger issuance.
type IssueRequest struct {
	MRVReportID string  `json:"mrv_report_id" binding:"required"`
	FarmID      string  `json:"farm_id" binding:"required"`
	SeasonID    string  `json:"season_id" binding:"required"`
	Quantity    float64 `json:"quantity" binding:"required"`
	Methodology string  `json:"methodology" binding:"required"`
	Vintage     int     `json:"vintage" binding:"required"`
	OwnerID     string  `json:"owner_id" binding:"required"`
}

// Issue mints a credit unit for a verified MRV report. Issuance is idempotent:
// a second call with the same report ID returns the existing unit with
// alreadyIssued set, and never changes TotalQuantity.
func (s *Service) Issue(ctx context.Context, req IssueRequest) (unit *CreditUnit, alreadyIssued bool, err error) {
	quantity := RoundQuantity(req.Quantity)
	if quantity <= 0 {
		return nil, false, ErrInvalidQuantity
	}

	id := CreditUnitID(req.MRVReportID)
	lock := s.lockUnit(id)
	lock.Lock()
	defer lock.Unlock()

	existing, err := s.repo.GetUnitByMRVReportID(ctx, req.MRVReportID)
	if err == nil {
		return existing, true, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, false, fmt.Errorf("lookup existing issuance: %w", err)
	}

	unit = &CreditUnit{
		ID:                id,
		MRVReportID:       req.MRVReportID,
		FarmID:            req.FarmID,
		SeasonID:          req.SeasonID,
		TotalQuantity:     quantity,
		AvailableQuantity: quantity,
		Methodology:       req.Methodology,
		Vintage:           req.Vintage,
		OwnerID:           req.OwnerID,
	}
	unit.Status = unit.ComputeStatus()

	if err := s.repo.CreateUnit(ctx, unit); err != nil {
		// The unique index on mrv_report_id is the second line of defense
		// against a concurrent issuance racing past the lookup above.
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			existing, lookupErr := s.repo.GetUnitByMRVReportID(ctx, req.MRVReportID)
			if lookupErr != nil {
				return nil, false, fmt.Errorf("issuance collided but winner not found: %w", lookupErr)
			}
			return existing, true, nil
		}
		return nil, false, fmt.Errorf("create credit unit: %w", err)
	}

	s.logger.Info("credit unit issued",
		zap.String("credit_unit_id", unit.ID.String()),
		zap.String("mrv_report_id", req.MRVReportID),
		zap.Float64("quantity", quantity))
	s.publisher.Publish(events.New(events.TypeCreditIssued, unit.ID.String(), map[string]interface{}{
		"mrv_report_id": req.MRVReportID,
		"quantity":      quantity,
		"vintage":       req.Vintage,
	}))
	return unit, false, nil
}

// Reserve atomically checks and decrements available quantity, returning a
// reservation token the caller must later Commit or Release.
func (s *Service) Reserve(ctx context.Context, creditUnitID uuid.UUID, quantity float64) (*Reservation, error) {
	quantity = RoundQuantity(quantity)
	if quantity <= 0 {
		return nil, ErrInvalidQuantity
	}

	lock := s.lockUnit(creditUnitID)
	lock.Lock()
	defer lock.Unlock()

	unit, err := s.repo.GetUnitByID(ctx, creditUnitID)
	if err != nil {
		return nil, err
	}
	if unit.AvailableQuantity < quantity {
		return nil, fmt.Errorf("%w: requested %.4f, available %.4f",
			ErrInsufficientAvailableQuantity, quantity, unit.AvailableQuantity)
	}

	res := &Reservation{
		ID:           uuid.New(),
		CreditUnitID: creditUnitID,
		Quantity:     quantity,
	}
	unit.AvailableQuantity = RoundQuantity(unit.AvailableQuantity - quantity)
	unit.ReservedQuantity = RoundQuantity(unit.ReservedQuantity + quantity)
	unit.Status = unit.ComputeStatus()

	// Reservation and unit land together or not at all; a half-applied
	// reserve would let a later release mint quantity out of thin air.
	err = s.repo.InTransaction(ctx, func(repo Repository) error {
		if err := repo.CreateReservation(ctx, res); err != nil {
			return fmt.Errorf("create reservation: %w", err)
		}
		if err := repo.SaveUnit(ctx, unit); err != nil {
			return fmt.Errorf("save unit after reserve: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Debug("quantity reserved",
		zap.String("credit_unit_id", creditUnitID.String()),
		zap.String("reservation_id", res.ID.String()),
		zap.Float64("quantity", quantity))
	return res, nil
}

// Commit converts reserved quantity into a permanent transfer to a new owner
// bucket. Partial commits against one reservation are allowed; a listing's
// reservation is consumed order by order.
func (s *Service) Commit(ctx context.Context, reservationID uuid.UUID, quantity float64, newOwnerID, sourceRef string) error {
	quantity = RoundQuantity(quantity)
	if quantity <= 0 {
		return ErrInvalidQuantity
	}

	res, err := s.repo.GetReservation(ctx, reservationID)
	if err != nil {
		return err
	}

	lock := s.lockUnit(res.CreditUnitID)
	lock.Lock()
	defer lock.Unlock()

	// Re-read under the lock; another commit or release may have landed.
	res, err = s.repo.GetReservation(ctx, reservationID)
	if err != nil {
		return err
	}
	if res.Remaining() < quantity {
		return fmt.Errorf("%w: requested %.4f, remaining %.4f",
			ErrReservationExhausted, quantity, res.Remaining())
	}

	unit, err := s.repo.GetUnitByID(ctx, res.CreditUnitID)
	if err != nil {
		return err
	}

	holding := &CreditHolding{
		CreditUnitID: res.CreditUnitID,
		OwnerID:      newOwnerID,
		Quantity:     quantity,
		SourceRef:    sourceRef,
	}
	res.CommittedQuantity = RoundQuantity(res.CommittedQuantity + quantity)
	unit.ReservedQuantity = RoundQuantity(unit.ReservedQuantity - quantity)
	unit.SoldQuantity = RoundQuantity(unit.SoldQuantity + quantity)
	unit.Status = unit.ComputeStatus()

	err = s.repo.InTransaction(ctx, func(repo Repository) error {
		if err := repo.CreateHolding(ctx, holding); err != nil {
			return fmt.Errorf("create holding: %w", err)
		}
		if err := repo.SaveReservation(ctx, res); err != nil {
			return fmt.Errorf("save reservation after commit: %w", err)
		}
		if err := repo.SaveUnit(ctx, unit); err != nil {
			return fmt.Errorf("save unit after commit: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.logger.Info("reservation committed",
		zap.String("credit_unit_id", res.CreditUnitID.String()),
		zap.String("reservation_id", reservationID.String()),
		zap.String("new_owner", newOwnerID),
		zap.Float64("quantity", quantity))
	return nil
}

// Release returns reserved quantity to the unit's available pool. Used on
// listing cancellation and order failure.
func (s *Service) Release(ctx context.Context, reservationID uuid.UUID, quantity float64) error {
	quantity = RoundQuantity(quantity)
	if quantity <= 0 {
		return ErrInvalidQuantity
	}

	res, err := s.repo.GetReservation(ctx, reservationID)
	if err != nil {
		return err
	}

	lock := s.lockUnit(res.CreditUnitID)
	lock.Lock()
	defer lock.Unlock()

	res, err = s.repo.GetReservation(ctx, reservationID)
	if err != nil {
		return err
	}
	if res.Remaining() < quantity {
		return fmt.Errorf("%w: requested %.4f, remaining %.4f",
			ErrReservationExhausted, quantity, res.Remaining())
	}

	unit, err := s.repo.GetUnitByID(ctx, res.CreditUnitID)
	if err != nil {
		return err
	}

	res.ReleasedQuantity = RoundQuantity(res.ReleasedQuantity + quantity)
	unit.ReservedQuantity = RoundQuantity(unit.ReservedQuantity - quantity)
	unit.AvailableQuantity = RoundQuantity(unit.AvailableQuantity + quantity)
	unit.Status = unit.ComputeStatus()

	err = s.repo.InTransaction(ctx, func(repo Repository) error {
		if err := repo.SaveReservation(ctx, res); err != nil {
			return fmt.Errorf("save reservation after release: %w", err)
		}
		if err := repo.SaveUnit(ctx, unit); err != nil {
			return fmt.Errorf("save unit after release: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.logger.Debug("reservation released",
		zap.String("credit_unit_id", res.CreditUnitID.String()),
		zap.String("reservation_id", reservationID.String()),
		zap.Float64("quantity", quantity))
	return nil
}

// Retire permanently removes quantity from circulation. Retired quantity
// never returns to the available pool. Idempotent per requestID: a retried
// call returns the record the first call created.
func (s *Service) Retire(ctx context.Context, creditUnitID uuid.UUID, quantity float64, reason, retiredBy string, requestID *string) (*RetirementRecord, error) {
	quantity = RoundQuantity(quantity)
	if quantity <= 0 {
		return nil, ErrInvalidQuantity
	}

	lock := s.lockUnit(creditUnitID)
	lock.Lock()
	defer lock.Unlock()

	if requestID != nil {
		existing, err := s.repo.GetRetirementByRequestID(ctx, *requestID)
		if err == nil {
			return existing, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("lookup retirement request: %w", err)
		}
	}

	unit, err := s.repo.GetUnitByID(ctx, creditUnitID)
	if err != nil {
		return nil, err
	}
	if unit.AvailableQuantity < quantity {
		return nil, fmt.Errorf("%w: requested %.4f, available %.4f",
			ErrInsufficientAvailableQuantity, quantity, unit.AvailableQuantity)
	}

	record := &RetirementRecord{
		ID:           uuid.New(),
		CreditUnitID: creditUnitID,
		Quantity:     quantity,
		Reason:       reason,
		RetiredBy:    retiredBy,
		RequestID:    requestID,
	}
	unit.AvailableQuantity = RoundQuantity(unit.AvailableQuantity - quantity)
	unit.RetiredQuantity = RoundQuantity(unit.RetiredQuantity + quantity)
	unit.Status = unit.ComputeStatus()

	err = s.repo.InTransaction(ctx, func(repo Repository) error {
		if err := repo.CreateRetirement(ctx, record); err != nil {
			return fmt.Errorf("create retirement record: %w", err)
		}
		if err := repo.SaveUnit(ctx, unit); err != nil {
			return fmt.Errorf("save unit after retire: %w", err)
		}
		return nil
	})
	if err != nil {
		// Unique index on request_id backs up the in-process check.
		if errors.Is(err, gorm.ErrDuplicatedKey) && requestID != nil {
			return s.repo.GetRetirementByRequestID(ctx, *requestID)
		}
		return nil, err
	}

	s.logger.Info("credits retired",
		zap.String("credit_unit_id", creditUnitID.String()),
		zap.Float64("quantity", quantity),
		zap.String("retired_by", retiredBy))
	s.publisher.Publish(events.New(events.TypeCreditsRetired, creditUnitID.String(), map[string]interface{}{
		"quantity": quantity,
		"reason":   reason,
	}))
	return record, nil
}

// GetCreditUnit returns one unit by ID.
func (s *Service) GetCreditUnit(ctx context.Context, id uuid.UUID) (*CreditUnit, error) {
	return s.repo.GetUnitByID(ctx, id)
}

// ListCreditUnits returns units, optionally filtered by owner.
func (s *Service) ListCreditUnits(ctx context.Context, ownerID string) ([]CreditUnit, error) {
	return s.repo.ListUnits(ctx, ownerID)
}

// GetHoldings returns the owner buckets written by committed transfers.
func (s *Service) GetHoldings(ctx context.Context, creditUnitID uuid.UUID) ([]CreditHolding, error) {
	return s.repo.ListHoldings(ctx, creditUnitID)
}

// GetRetirementHistory returns the append-only retirement trail for a unit.
func (s *Service) GetRetirementHistory(ctx context.Context, creditUnitID uuid.UUID) ([]RetirementRecord, error) {
	return s.repo.ListRetirements(ctx, creditUnitID)
}

// GetStats aggregates marketplace-wide totals.
func (s *Service) GetStats(ctx context.Context) (*Stats, error) {
	return s.repo.Stats(ctx)
}

package ledger

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// MemoryRepository is an in-memory Repository used by unit tests and local
// development wiring. All methods copy on read so callers never share the
// stored structs.
type MemoryRepository struct {
	mu           sync.RWMutex
	txMu         sync.Mutex
	units        map[uuid.UUID]CreditUnit
	unitsByMRV   map[string]uuid.UUID
	reservations map[uuid.UUID]Reservation
	holdings     []CreditHolding
	retirements  []RetirementRecord
}

// NewMemoryRepository creates an empty in-memory ledger repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		units:        make(map[uuid.UUID]CreditUnit),
		unitsByMRV:   make(map[string]uuid.UUID),
		reservations: make(map[uuid.UUID]Reservation),
	}
}

// InTransaction snapshots the whole store, runs fn against the repository
// itself, and restores the snapshot when fn fails. txMu serializes
// transactions so a concurrent one never observes a half-applied snapshot.
func (r *MemoryRepository) InTransaction(ctx context.Context, fn func(Repository) error) error {
	r.txMu.Lock()
	defer r.txMu.Unlock()

	r.mu.Lock()
	snapUnits := make(map[uuid.UUID]CreditUnit, len(r.units))
	for k, v := range r.units {
		snapUnits[k] = v
	}
	snapByMRV := make(map[string]uuid.UUID, len(r.unitsByMRV))
	for k, v := range r.unitsByMRV {
		snapByMRV[k] = v
	}
	snapReservations := make(map[uuid.UUID]Reservation, len(r.reservations))
	for k, v := range r.reservations {
		snapReservations[k] = v
	}
	snapHoldings := append([]CreditHolding(nil), r.holdings...)
	snapRetirements := append([]RetirementRecord(nil), r.retirements...)
	r.mu.Unlock()

	if err := fn(r); err != nil {
		r.mu.Lock()
		r.units = snapUnits
		r.unitsByMRV = snapByMRV
		r.reservations = snapReservations
		r.holdings = snapHoldings
		r.retirements = snapRetirements
		r.mu.Unlock()
		return err
	}
	return nil
}

func (r *MemoryRepository) CreateUnit(ctx context.Context, unit *CreditUnit) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.units[unit.ID] = *unit
	r.unitsByMRV[unit.MRVReportID] = unit.ID
	return nil
}

func (r *MemoryRepository) GetUnitByID(ctx context.Context, id uuid.UUID) (*CreditUnit, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	unit, ok := r.units[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &unit, nil
}

func (r *MemoryRepository) GetUnitByMRVReportID(ctx context.Context, mrvReportID string) (*CreditUnit, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.unitsByMRV[mrvReportID]
	if !ok {
		return nil, ErrNotFound
	}
	unit := r.units[id]
	return &unit, nil
}

func (r *MemoryRepository) SaveUnit(ctx context.Context, unit *CreditUnit) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.units[unit.ID]; !ok {
		return ErrNotFound
	}
	r.units[unit.ID] = *unit
	return nil
}

func (r *MemoryRepository) ListUnits(ctx context.Context, ownerID string) ([]CreditUnit, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	units := make([]CreditUnit, 0, len(r.units))
	for _, unit := range r.units {
		if ownerID == "" || unit.OwnerID == ownerID {
			units = append(units, unit)
		}
	}
	return units, nil
}

func (r *MemoryRepository) CreateReservation(ctx context.Context, res *Reservation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if res.ID == uuid.Nil {
		res.ID = uuid.New()
	}
	r.reservations[res.ID] = *res
	return nil
}

func (r *MemoryRepository) GetReservation(ctx context.Context, id uuid.UUID) (*Reservation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	res, ok := r.reservations[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &res, nil
}

func (r *MemoryRepository) SaveReservation(ctx context.Context, res *Reservation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.reservations[res.ID]; !ok {
		return ErrNotFound
	}
	r.reservations[res.ID] = *res
	return nil
}

func (r *MemoryRepository) CreateHolding(ctx context.Context, holding *CreditHolding) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if holding.ID == uuid.Nil {
		holding.ID = uuid.New()
	}
	r.holdings = append(r.holdings, *holding)
	return nil
}

func (r *MemoryRepository) ListHoldings(ctx context.Context, creditUnitID uuid.UUID) ([]CreditHolding, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var holdings []CreditHolding
	for _, h := range r.holdings {
		if h.CreditUnitID == creditUnitID {
			holdings = append(holdings, h)
		}
	}
	return holdings, nil
}

func (r *MemoryRepository) CreateRetirement(ctx context.Context, record *RetirementRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if record.ID == uuid.Nil {
		record.ID = uuid.New()
	}
	r.retirements = append(r.retirements, *record)
	return nil
}

func (r *MemoryRepository) GetRetirementByRequestID(ctx context.Context, requestID string) (*RetirementRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, record := range r.retirements {
		if record.RequestID != nil && *record.RequestID == requestID {
			rec := record
			return &rec, nil
		}
	}
	return nil, ErrNotFound
}

func (r *MemoryRepository) ListRetirements(ctx context.Context, creditUnitID uuid.UUID) ([]RetirementRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var records []RetirementRecord
	for _, record := range r.retirements {
		if record.CreditUnitID == creditUnitID {
			records = append(records, record)
		}
	}
	return records, nil
}

func (r *MemoryRepository) Stats(ctx context.Context) (*Stats, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	stats := &Stats{RetirementRecords: int64(len(r.retirements))}
	for _, unit := range r.units {
		stats.UnitsIssued++
		stats.TotalIssuedTons += unit.TotalQuantity
		stats.TotalRetiredTons += unit.RetiredQuantity
		stats.TotalTradedTons += unit.SoldQuantity
	}
	return stats, nil
}

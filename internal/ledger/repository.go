package ledger

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Repository persists the ledger's entities. Implementations do not enforce
// quantity invariants; the service does, under the per-unit lock.
type Repository interface {
	// InTransaction runs fn against a repository whose writes commit
	// together or roll back together. The service wraps every multi-write
	// mutation in it so a crash mid-mutation cannot leave a reservation
	// alive against an undecremented unit.
	InTransaction(ctx context.Context, fn func(Repository) error) error

	CreateUnit(ctx context.Context, unit *CreditUnit) error
	GetUnitByID(ctx context.Context, id uuid.UUID) (*CreditUnit, error)
	GetUnitByMRVReportID(ctx context.Context, mrvReportID string) (*CreditUnit, error)
	SaveUnit(ctx context.Context, unit *CreditUnit) error
	ListUnits(ctx context.Context, ownerID string) ([]CreditUnit, error)

	CreateReservation(ctx context.Context, res *Reservation) error
	GetReservation(ctx context.Context, id uuid.UUID) (*Reservation, error)
	SaveReservation(ctx context.Context, res *Reservation) error

	CreateHolding(ctx context.Context, holding *CreditHolding) error
	ListHoldings(ctx context.Context, creditUnitID uuid.UUID) ([]CreditHolding, error)

	CreateRetirement(ctx context.Context, record *RetirementRecord) error
	GetRetirementByRequestID(ctx context.Context, requestID string) (*RetirementRecord, error)
	ListRetirements(ctx context.Context, creditUnitID uuid.UUID) ([]RetirementRecord, error)

	Stats(ctx context.Context) (*Stats, error)
}

// Stats aggregates marketplace-wide totals for the transparency dashboard.
type Stats struct {
	UnitsIssued       int64   `json:"units_issued"`
	TotalIssuedTons   float64 `json:"total_issued_tons"`
	TotalRetiredTons  float64 `json:"total_retired_tons"`
	TotalTradedTons   float64 `json:"total_traded_tons"`
	RetirementRecords int64   `json:"retirement_records"`
}

// PostgresRepository is the gorm-backed repository.
type PostgresRepository struct {
	db *gorm.DB
}

// NewPostgresRepository creates a ledger repository on the given database.
func NewPostgresRepository(db *gorm.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) InTransaction(ctx context.Context, fn func(Repository) error) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(NewPostgresRepository(tx))
	})
}

func (r *PostgresRepository) CreateUnit(ctx context.Context, unit *CreditUnit) error {
	return r.db.WithContext(ctx).Create(unit).Error
}

func (r *PostgresRepository) GetUnitByID(ctx context.Context, id uuid.UUID) (*CreditUnit, error) {
	var unit CreditUnit
	if err := r.db.WithContext(ctx).First(&unit, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &unit, nil
}

func (r *PostgresRepository) GetUnitByMRVReportID(ctx context.Context, mrvReportID string) (*CreditUnit, error) {
	var unit CreditUnit
	if err := r.db.WithContext(ctx).First(&unit, "mrv_report_id = ?", mrvReportID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &unit, nil
}

func (r *PostgresRepository) SaveUnit(ctx context.Context, unit *CreditUnit) error {
	return r.db.WithContext(ctx).Save(unit).Error
}

func (r *PostgresRepository) ListUnits(ctx context.Context, ownerID string) ([]CreditUnit, error) {
	var units []CreditUnit
	query := r.db.WithContext(ctx).Order("created_at DESC")
	if ownerID != "" {
		query = query.Where("owner_id = ?", ownerID)
	}
	if err := query.Find(&units).Error; err != nil {
		return nil, err
	}
	return units, nil
}

func (r *PostgresRepository) CreateReservation(ctx context.Context, res *Reservation) error {
	return r.db.WithContext(ctx).Create(res).Error
}

func (r *PostgresRepository) GetReservation(ctx context.Context, id uuid.UUID) (*Reservation, error) {
	var res Reservation
	if err := r.db.WithContext(ctx).First(&res, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &res, nil
}

func (r *PostgresRepository) SaveReservation(ctx context.Context, res *Reservation) error {
	return r.db.WithContext(ctx).Save(res).Error
}

func (r *PostgresRepository) CreateHolding(ctx context.Context, holding *CreditHolding) error {
	return r.db.WithContext(ctx).Create(holding).Error
}

func (r *PostgresRepository) ListHoldings(ctx context.Context, creditUnitID uuid.UUID) ([]CreditHolding, error) {
	var holdings []CreditHolding
	if err := r.db.WithContext(ctx).Where("credit_unit_id = ?", creditUnitID).Order("created_at").Find(&holdings).Error; err != nil {
		return nil, err
	}
	return holdings, nil
}

func (r *PostgresRepository) CreateRetirement(ctx context.Context, record *RetirementRecord) error {
	return r.db.WithContext(ctx).Create(record).Error
}

func (r *PostgresRepository) GetRetirementByRequestID(ctx context.Context, requestID string) (*RetirementRecord, error) {
	var record RetirementRecord
	if err := r.db.WithContext(ctx).First(&record, "request_id = ?", requestID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &record, nil
}

func (r *PostgresRepository) ListRetirements(ctx context.Context, creditUnitID uuid.UUID) ([]RetirementRecord, error) {
	var records []RetirementRecord
	if err := r.db.WithContext(ctx).Where("credit_unit_id = ?", creditUnitID).Order("timestamp").Find(&records).Error; err != nil {
		return nil, err
	}
	return records, nil
}

func (r *PostgresRepository) Stats(ctx context.Context) (*Stats, error) {
	var stats Stats
	row := r.db.WithContext(ctx).Model(&CreditUnit{}).
		Select("COUNT(*) AS units_issued, COALESCE(SUM(total_quantity),0) AS total_issued_tons, COALESCE(SUM(retired_quantity),0) AS total_retired_tons, COALESCE(SUM(sold_quantity),0) AS total_traded_tons").
		Row()
	if err := row.Scan(&stats.UnitsIssued, &stats.TotalIssuedTons, &stats.TotalRetiredTons, &stats.TotalTradedTons); err != nil {
		return nil, err
	}
	if err := r.db.WithContext(ctx).Model(&RetirementRecord{}).Count(&stats.RetirementRecords).Error; err != nil {
		return nil, err
	}
	return &stats, nil
}

package ledger

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// creditUnitNamespace seeds the deterministic credit unit IDs. One MRV report
// can only ever map to one unit ID, which is what makes Issue idempotent.
var creditUnitNamespace = uuid.MustParse("9f2c1a04-7d1e-4b5a-bb2e-3c6d8a41f0ce")

// CreditUnitID derives the unit ID for an MRV report.
func CreditUnitID(mrvReportID string) uuid.UUID {
	return uuid.NewSHA1(creditUnitNamespace, []byte(mrvReportID))
}

// CreditUnit is the authoritative record of one issuance event. Quantities are
// tons CO2e. The conservation identity
//
//	TotalQuantity == AvailableQuantity + ReservedQuantity + SoldQuantity + RetiredQuantity
//
// must hold after every mutation; all five columns are owned by the ledger
// service and mutated only under the per-unit lock.
type CreditUnit struct {
	ID          uuid.UUID `json:"id" gorm:"type:uuid;primary_key"`
	MRVReportID string    `json:"mrv_report_id" gorm:"column:mrv_report_id;uniqueIndex;not null"`
	FarmID      string    `json:"farm_id" gorm:"not null;index"`
	SeasonID    string    `json:"season_id" gorm:"not null"`

	// Quantity buckets (tons CO2e)
	TotalQuantity     float64 `json:"total_quantity" gorm:"type:decimal(12,4);not null"`
	AvailableQuantity float64 `json:"available_quantity" gorm:"type:decimal(12,4);not null"`
	ReservedQuantity  float64 `json:"reserved_quantity" gorm:"type:decimal(12,4);not null;default:0"`
	SoldQuantity      float64 `json:"sold_quantity" gorm:"type:decimal(12,4);not null;default:0"`
	RetiredQuantity   float64 `json:"retired_quantity" gorm:"type:decimal(12,4);not null;default:0"`

	// Credit details
	Methodology string `json:"methodology" gorm:"not null;index"` // 'IPCC-2019-AWD/v2' etc., opaque to the ledger
	Vintage     int    `json:"vintage" gorm:"not null;index"`
	OwnerID     string `json:"owner_id" gorm:"not null;index"`

	Status CreditUnitStatus `json:"status" gorm:"not null;index"`

	Metadata datatypes.JSON `json:"metadata" gorm:"default:'{}'"`

	CreatedAt time.Time `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt time.Time `json:"updated_at" gorm:"autoUpdateTime"`
}

// CreditUnitStatus is the lifecycle status of a credit unit. It is always
// recomputed from the quantity buckets, never assigned from call sites.
type CreditUnitStatus string

const (
	StatusIssued          CreditUnitStatus = "ISSUED"
	StatusPartiallyListed CreditUnitStatus = "PARTIALLY_LISTED"
	StatusFullyListed     CreditUnitStatus = "FULLY_LISTED"
	StatusPartiallySold   CreditUnitStatus = "PARTIALLY_SOLD"
	StatusSoldOut         CreditUnitStatus = "SOLD_OUT"
	StatusRetired         CreditUnitStatus = "RETIRED"
)

// ComputeStatus derives the lifecycle status from the quantity buckets.
func (u *CreditUnit) ComputeStatus() CreditUnitStatus {
	switch {
	case u.RetiredQuantity >= u.TotalQuantity:
		return StatusRetired
	case u.SoldQuantity > 0 && u.AvailableQuantity == 0 && u.ReservedQuantity == 0:
		return StatusSoldOut
	case u.SoldQuantity > 0:
		return StatusPartiallySold
	case u.ReservedQuantity > 0 && u.AvailableQuantity == 0:
		return StatusFullyListed
	case u.ReservedQuantity > 0:
		return StatusPartiallyListed
	default:
		return StatusIssued
	}
}

// Reservation is a temporary hold on available quantity. Callers get the
// reservation ID back as a token and must later commit or release it, in
// full or in parts.
type Reservation struct {
	ID           uuid.UUID `json:"id" gorm:"type:uuid;primary_key"`
	CreditUnitID uuid.UUID `json:"credit_unit_id" gorm:"type:uuid;not null;index"`

	Quantity          float64 `json:"quantity" gorm:"type:decimal(12,4);not null"`
	CommittedQuantity float64 `json:"committed_quantity" gorm:"type:decimal(12,4);not null;default:0"`
	ReleasedQuantity  float64 `json:"released_quantity" gorm:"type:decimal(12,4);not null;default:0"`

	CreatedAt time.Time `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt time.Time `json:"updated_at" gorm:"autoUpdateTime"`
}

// Remaining returns the quantity still held by the reservation.
func (r *Reservation) Remaining() float64 {
	return RoundQuantity(r.Quantity - r.CommittedQuantity - r.ReleasedQuantity)
}

// CreditHolding is an owner bucket written when a reservation commits. Sold
// quantity is transferred here rather than by rewriting the unit's owner.
type CreditHolding struct {
	ID           uuid.UUID `json:"id" gorm:"type:uuid;primary_key"`
	CreditUnitID uuid.UUID `json:"credit_unit_id" gorm:"type:uuid;not null;index"`
	OwnerID      string    `json:"owner_id" gorm:"not null;index"`
	Quantity     float64   `json:"quantity" gorm:"type:decimal(12,4);not null"`
	SourceRef    string    `json:"source_ref"` // order ID that produced the transfer

	CreatedAt time.Time `json:"created_at" gorm:"autoCreateTime"`
}

// RetirementRecord is immutable proof that quantity was permanently withdrawn
// from circulation. Append-only; never updated or deleted.
type RetirementRecord struct {
	ID           uuid.UUID `json:"id" gorm:"type:uuid;primary_key"`
	CreditUnitID uuid.UUID `json:"credit_unit_id" gorm:"type:uuid;not null;index"`
	Quantity     float64   `json:"quantity" gorm:"type:decimal(12,4);not null"`
	Reason       string    `json:"reason" gorm:"not null"`
	RetiredBy    string    `json:"retired_by" gorm:"not null"`

	// Client-supplied idempotency key; retried retirement calls with the same
	// key return this record instead of retiring twice.
	RequestID *string `json:"request_id" gorm:"uniqueIndex"`

	Timestamp time.Time `json:"timestamp" gorm:"autoCreateTime"`
}

func (r *Reservation) BeforeCreate(tx *gorm.DB) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	return nil
}

func (h *CreditHolding) BeforeCreate(tx *gorm.DB) error {
	if h.ID == uuid.Nil {
		h.ID = uuid.New()
	}
	return nil
}

func (r *RetirementRecord) BeforeCreate(tx *gorm.DB) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	return nil
}

package listings

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"agricarbon/credit-marketplace/credit-marketplace-backend/internal/ledger"
)

// Listing is an offer to sell some quantity of a credit unit. The listed
// quantity is reserved against the unit at creation time (pessimistic
// reservation), so a seller can never over-list across concurrent listings.
type Listing struct {
	ID            uuid.UUID `json:"id" gorm:"type:uuid;primary_key"`
	CreditUnitID  uuid.UUID `json:"credit_unit_id" gorm:"type:uuid;not null;index"`
	SellerID      string    `json:"seller_id" gorm:"not null;index"`
	ReservationID uuid.UUID `json:"reservation_id" gorm:"type:uuid;not null"`

	ListedQuantity float64 `json:"listed_quantity" gorm:"type:decimal(12,4);not null"`
	FilledQuantity float64 `json:"filled_quantity" gorm:"type:decimal(12,4);not null;default:0"`
	PricePerUnit   float64 `json:"price_per_unit" gorm:"type:decimal(10,4);not null"`

	Status ListingStatus `json:"status" gorm:"not null;index"`

	CreatedAt time.Time `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt time.Time `json:"updated_at" gorm:"autoUpdateTime"`
}

// UnfilledQuantity is the portion still purchasable.
func (l *Listing) UnfilledQuantity() float64 {
	return ledger.RoundQuantity(l.ListedQuantity - l.FilledQuantity)
}

// ListingStatus is the lifecycle status of a listing
type ListingStatus string

const (
	StatusOpen            ListingStatus = "OPEN"
	StatusPartiallyFilled ListingStatus = "PARTIALLY_FILLED"
	StatusFilled          ListingStatus = "FILLED"
	StatusCancelled       ListingStatus = "CANCELLED"
)

// Filter narrows ListOpenListings results.
type Filter struct {
	CreditUnitID *uuid.UUID
	SellerID     string
	MaxPrice     *float64
}

func (l *Listing) BeforeCreate(tx *gorm.DB) error {
	if l.ID == uuid.Nil {
		l.ID = uuid.New()
	}
	return nil
}

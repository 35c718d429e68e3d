package orders

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Order is a buyer's commitment to purchase quantity from a listing. The
// price per unit is copied from the listing at order time and immutable
// thereafter.
type Order struct {
	ID           uuid.UUID `json:"id" gorm:"type:uuid;primary_key"`
	ListingID    uuid.UUID `json:"listing_id" gorm:"type:uuid;not null;index"`
	CreditUnitID uuid.UUID `json:"credit_unit_id" gorm:"type:uuid;not null;index"`
	BuyerID      string    `json:"buyer_id" gorm:"not null;index"`

	Quantity     float64 `json:"quantity" gorm:"type:decimal(12,4);not null"`
	PricePerUnit float64 `json:"price_per_unit" gorm:"type:decimal(10,4);not null"`

	Status OrderStatus `json:"status" gorm:"not null;index"`

	// Settlement outcome
	ProviderReference *string `json:"provider_reference"`
	FailureReason     *string `json:"failure_reason"`

	EscrowedAt *time.Time `json:"escrowed_at"`
	ClosedAt   *time.Time `json:"closed_at"`

	CreatedAt time.Time `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt time.Time `json:"updated_at" gorm:"autoUpdateTime"`
}

// TotalPrice is quantity times the locked-in unit price.
func (o *Order) TotalPrice() float64 {
	return o.Quantity * o.PricePerUnit
}

// Terminal reports whether the order reached a final state.
func (o *Order) Terminal() bool {
	return o.Status == StatusCompleted || o.Status == StatusCancelled || o.Status == StatusFailed
}

// OrderStatus is the escrow state machine position of an order
type OrderStatus string

const (
	StatusPending   OrderStatus = "PENDING"
	StatusEscrowed  OrderStatus = "ESCROWED"
	StatusCompleted OrderStatus = "COMPLETED"
	StatusCancelled OrderStatus = "CANCELLED"
	StatusFailed    OrderStatus = "FAILED"
)

func (o *Order) BeforeCreate(tx *gorm.DB) error {
	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}
	return nil
}

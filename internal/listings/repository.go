package listings

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Repository persists listings.
type Repository interface {
	Create(ctx context.Context, listing *Listing) error
	GetByID(ctx context.Context, id uuid.UUID) (*Listing, error)
	Save(ctx context.Context, listing *Listing) error
	ListOpen(ctx context.Context, filter Filter) ([]Listing, error)
}

// PostgresRepository is the gorm-backed listings repository.
type PostgresRepository struct {
	db *gorm.DB
}

func NewPostgresRepository(db *gorm.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) Create(ctx context.Context, listing *Listing) error {
	return r.db.WithContext(ctx).Create(listing).Error
}

func (r *PostgresRepository) GetByID(ctx context.Context, id uuid.UUID) (*Listing, error) {
	var listing Listing
	if err := r.db.WithContext(ctx).First(&listing, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &listing, nil
}

func (r *PostgresRepository) Save(ctx context.Context, listing *Listing) error {
	return r.db.WithContext(ctx).Save(listing).Error
}

func (r *PostgresRepository) ListOpen(ctx context.Context, filter Filter) ([]Listing, error) {
	query := r.db.WithContext(ctx).
		Where("status IN ?", []ListingStatus{StatusOpen, StatusPartiallyFilled}).
		Order("created_at DESC")
	if filter.CreditUnitID != nil {
		query = query.Where("credit_unit_id = ?", *filter.CreditUnitID)
	}
	if filter.SellerID != "" {
		query = query.Where("seller_id = ?", filter.SellerID)
	}
	if filter.MaxPrice != nil {
		query = query.Where("price_per_unit <= ?", *filter.MaxPrice)
	}

	var results []Listing
	if err := query.Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}

// MemoryRepository is an in-memory Repository for tests and local wiring.
type MemoryRepository struct {
	mu       sync.RWMutex
	listings map[uuid.UUID]Listing
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{listings: make(map[uuid.UUID]Listing)}
}

func (r *MemoryRepository) Create(ctx context.Context, listing *Listing) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if listing.ID == uuid.Nil {
		listing.ID = uuid.New()
	}
	r.listings[listing.ID] = *listing
	return nil
}

func (r *MemoryRepository) GetByID(ctx context.Context, id uuid.UUID) (*Listing, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	listing, ok := r.listings[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &listing, nil
}

func (r *MemoryRepository) Save(ctx context.Context, listing *Listing) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.listings[listing.ID]; !ok {
		return ErrNotFound
	}
	r.listings[listing.ID] = *listing
	return nil
}

func (r *MemoryRepository) ListOpen(ctx context.Context, filter Filter) ([]Listing, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var results []Listing
	for _, listing := range r.listings {
		if listing.Status != StatusOpen && listing.Status != StatusPartiallyFilled {
			continue
		}
		if filter.CreditUnitID != nil && listing.CreditUnitID != *filter.CreditUnitID {
			continue
		}
		if filter.SellerID != "" && listing.SellerID != filter.SellerID {
			continue
		}
		if filter.MaxPrice != nil && listing.PricePerUnit > *filter.MaxPrice {
			continue
		}
		results = append(results, listing)
	}
	return results, nil
}

package orders

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Repository persists orders.
type Repository interface {
	Create(ctx context.Context, order *Order) error
	GetByID(ctx context.Context, id uuid.UUID) (*Order, error)
	Save(ctx context.Context, order *Order) error
	ListByBuyer(ctx context.Context, buyerID string) ([]Order, error)
	// ListStale returns non-terminal orders in the given status created
	// before the cutoff. Used by the timeout sweeper.
	ListStale(ctx context.Context, status OrderStatus, before time.Time) ([]Order, error)
}

// PostgresRepository is the gorm-backed orders repository.
type PostgresRepository struct {
	db *gorm.DB
}

func NewPostgresRepository(db *gorm.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) Create(ctx context.Context, order *Order) error {
	return r.db.WithContext(ctx).Create(order).Error
}

func (r *PostgresRepository) GetByID(ctx context.Context, id uuid.UUID) (*Order, error) {
	var order Order
	if err := r.db.WithContext(ctx).First(&order, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &order, nil
}

func (r *PostgresRepository) Save(ctx context.Context, order *Order) error {
	return r.db.WithContext(ctx).Save(order).Error
}

func (r *PostgresRepository) ListByBuyer(ctx context.Context, buyerID string) ([]Order, error) {
	var results []Order
	if err := r.db.WithContext(ctx).Where("buyer_id = ?", buyerID).Order("created_at DESC").Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}

func (r *PostgresRepository) ListStale(ctx context.Context, status OrderStatus, before time.Time) ([]Order, error) {
	var results []Order
	if err := r.db.WithContext(ctx).
		Where("status = ? AND created_at < ?", status, before).
		Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}

// MemoryRepository is an in-memory Repository for tests and local wiring.
type MemoryRepository struct {
	mu     sync.RWMutex
	orders map[uuid.UUID]Order
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{orders: make(map[uuid.UUID]Order)}
}

func (r *MemoryRepository) Create(ctx context.Context, order *Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if order.ID == uuid.Nil {
		order.ID = uuid.New()
	}
	if order.CreatedAt.IsZero() {
		order.CreatedAt = time.Now().UTC()
	}
	r.orders[order.ID] = *order
	return nil
}

func (r *MemoryRepository) GetByID(ctx context.Context, id uuid.UUID) (*Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	order, ok := r.orders[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &order, nil
}

func (r *MemoryRepository) Save(ctx context.Context, order *Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.orders[order.ID]; !ok {
		return ErrNotFound
	}
	r.orders[order.ID] = *order
	return nil
}

func (r *MemoryRepository) ListByBuyer(ctx context.Context, buyerID string) ([]Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var results []Order
	for _, order := range r.orders {
		if order.BuyerID == buyerID {
			results = append(results, order)
		}
	}
	return results, nil
}

func (r *MemoryRepository) ListStale(ctx context.Context, status OrderStatus, before time.Time) ([]Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var results []Order
	for _, order := range r.orders {
		if order.Status == status && order.CreatedAt.Before(before) {
			results = append(results, order)
		}
	}
	return results, nil
}

package repository

import (
	"context"
	"sync"

	"github.com/mmeshcher/ordersync/internal/model"
)

// MemoryRepository хранит снимки в памяти процесса. Используется, когда DATABASE_URI не задан.
type MemoryRepository struct {
	mu     sync.RWMutex
	views  map[string]model.OrderView
	owners map[string]string
}

// NewMemoryRepository создаёт пустое хранилище.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		views:  make(map[string]model.OrderView),
		owners: make(map[string]string),
	}
}

// SaveView сохраняет снимок, если он не старше уже сохранённого.
func (r *MemoryRepository) SaveView(ctx context.Context, v model.OrderView) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cur, ok := r.views[v.OrderID]; ok && cur.LastUpdated.After(v.LastUpdated) {
		return nil
	}
	r.views[v.OrderID] = v
	return nil
}

// LoadView возвращает сохранённый снимок заказа.
func (r *MemoryRepository) LoadView(ctx context.Context, orderID string) (*model.OrderView, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	v, ok := r.views[orderID]
	if !ok {
		return nil, ErrViewNotFound
	}
	return &v, nil
}

// SaveOwner записывает покупателя, оформившего заказ. Первая запись не перезаписывается.
func (r *MemoryRepository) SaveOwner(ctx context.Context, orderID, customerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.owners[orderID]; !ok {
		r.owners[orderID] = customerID
	}
	return nil
}

// LoadOwner возвращает покупателя, оформившего заказ.
func (r *MemoryRepository) LoadOwner(ctx context.Context, orderID string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	owner, ok := r.owners[orderID]
	if !ok {
		return "", ErrOwnerNotFound
	}
	return owner, nil
}

// Close ничего не делает.
func (r *MemoryRepository) Close() error {
	return nil
}

// Package memory keeps orders in process memory. It backs local
// development and handler tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/appetiteclub/orderdesk/internal/order"
	"github.com/appetiteclub/orderdesk/pkg/enums/orderstatus"
)

type OrderRepo struct {
	mu     sync.RWMutex
	orders map[order.ID]order.Order
}

func NewOrderRepo() *OrderRepo {
	return &OrderRepo{orders: make(map[order.ID]order.Order)}
}

func (r *OrderRepo) Create(_ context.Context, o *order.Order) error {
	if o == nil {
		return fmt.Errorf("order is nil")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.orders[o.ID]; ok {
		return fmt.Errorf("order %s already exists", o.ID)
	}
	r.orders[o.ID] = o.Clone()
	return nil
}

func (r *OrderRepo) Get(_ context.Context, restaurantID string, id order.ID) (*order.Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	o, ok := r.orders[id]
	if !ok || o.RestaurantID != restaurantID {
		return nil, order.ErrNotFound
	}
	c := o.Clone()
	return &c, nil
}

func (r *OrderRepo) List(_ context.Context, restaurantID string, statuses ...orderstatus.Status) ([]*order.Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*order.Order, 0)
	for _, o := range r.orders {
		if o.RestaurantID != restaurantID || !matches(o.Status, statuses) {
			continue
		}
		c := o.Clone()
		result = append(result, &c)
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID > result[j].ID
		}
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return result, nil
}

func (r *OrderRepo) Save(_ context.Context, o *order.Order) error {
	if o == nil {
		return fmt.Errorf("order is nil")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.orders[o.ID]
	if !ok || current.RestaurantID != o.RestaurantID {
		return order.ErrNotFound
	}
	r.orders[o.ID] = o.Clone()
	return nil
}

func matches(s orderstatus.Status, statuses []orderstatus.Status) bool {
	if len(statuses) == 0 {
		return true
	}
	for _, want := range statuses {
		if s == want {
			return true
		}
	}
	return false
}

package order

import (
	"context"
	"errors"

	"github.com/appetiteclub/orderdesk/pkg/enums/orderstatus"
)

// ErrNotFound is returned by repositories for ids they do not hold, or hold
// under another restaurant.
var ErrNotFound = errors.New("order not found")

// Repo persists orders for the reference backend. Every read is scoped to a
// restaurant. List returns newest first.
type Repo interface {
	Create(ctx context.Context, o *Order) error
	Get(ctx context.Context, restaurantID string, id ID) (*Order, error)
	List(ctx context.Context, restaurantID string, statuses ...orderstatus.Status) ([]*Order, error)
	Save(ctx context.Context, o *Order) error
}

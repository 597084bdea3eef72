package seeding

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/appetiteclub/orderdesk/internal/order"
	"github.com/appetiteclub/orderdesk/pkg/enums/orderstatus"
	"github.com/shopspring/decimal"
)

// DemoPrefix marks seeded order ids so they can be cleared later.
const DemoPrefix = "demo-"

type demoOrder struct {
	suffix   string
	status   orderstatus.Status
	age      time.Duration
	customer order.Customer
	items    []order.LineItem
}

func item(name string, qty int, price string, modifiers ...string) order.LineItem {
	return order.LineItem{
		Name:      name,
		Quantity:  qty,
		UnitPrice: decimal.RequireFromString(price),
		Modifiers: modifiers,
	}
}

var demoOrders = []demoOrder{
	{
		suffix:   "1",
		status:   orderstatus.Statuses.Pending,
		age:      2 * time.Minute,
		customer: order.Customer{Name: "Lucia", Phone: "555-0101"},
		items:    []order.LineItem{item("Margherita", 1, "11.00"), item("Lemonade", 2, "3.50")},
	},
	{
		suffix:   "2",
		status:   orderstatus.Statuses.Confirmed,
		age:      6 * time.Minute,
		customer: order.Customer{Name: "Tom", Address: "12 Harbour St"},
		items:    []order.LineItem{item("Pad Thai", 2, "12.50", "no peanuts"), item("Spring Rolls", 1, "6.00")},
	},
	{
		suffix:   "3",
		status:   orderstatus.Statuses.Preparing,
		age:      14 * time.Minute,
		customer: order.Customer{Name: "Aiko"},
		items:    []order.LineItem{item("Ramen", 1, "13.00", "extra egg")},
	},
	{
		suffix:   "4",
		status:   orderstatus.Statuses.Preparing,
		age:      21 * time.Minute,
		customer: order.Customer{Name: "Marco"},
		items:    []order.LineItem{item("Lasagna", 1, "14.50"), item("Tiramisu", 2, "7.00")},
	},
	{
		suffix:   "5",
		status:   orderstatus.Statuses.Ready,
		age:      32 * time.Minute,
		customer: order.Customer{Name: "Priya", Phone: "555-0199"},
		items:    []order.LineItem{item("Butter Chicken", 1, "15.00"), item("Garlic Naan", 2, "3.00")},
	},
	{
		suffix:   "6",
		status:   orderstatus.Statuses.OutForDelivery,
		age:      45 * time.Minute,
		customer: order.Customer{Name: "Sam", Address: "4 Mill Lane"},
		items:    []order.LineItem{item("Burger", 2, "10.00", "no onion")},
	},
	{
		suffix:   "7",
		status:   orderstatus.Statuses.Delivered,
		age:      90 * time.Minute,
		customer: order.Customer{Name: "Ines", Address: "9 Park Rd"},
		items:    []order.LineItem{item("Poke Bowl", 1, "12.00")},
	},
	{
		suffix:   "8",
		status:   orderstatus.Statuses.Cancelled,
		age:      2 * time.Hour,
		customer: order.Customer{Name: "Leo"},
		items:    []order.LineItem{item("Caesar Salad", 1, "9.50")},
	},
}

// DemoOrders builds the demo set for one restaurant, spread over every
// status with realistic ages relative to now.
func DemoOrders(restaurantID string, now time.Time) []order.Order {
	out := make([]order.Order, 0, len(demoOrders))
	for _, d := range demoOrders {
		total := decimal.Zero
		for _, it := range d.items {
			total = total.Add(it.UnitPrice.Mul(decimal.NewFromInt(int64(it.Quantity))))
		}
		created := now.Add(-d.age).UTC()
		o := order.Order{
			ID:           order.ID(DemoPrefix + restaurantID + "-" + d.suffix),
			RestaurantID: restaurantID,
			Status:       d.status,
			Items:        d.items,
			Total:        total,
			Customer:     d.customer,
			CreatedAt:    created,
			UpdatedAt:    created.Add(d.age / 2),
		}
		out = append(out, o.Clone())
	}
	return out
}

// SeedOrders writes orders through repo. Orders that already exist are
// left untouched, so seeding twice is harmless.
func SeedOrders(ctx context.Context, repo order.Repo, orders []order.Order) (int, error) {
	created := 0
	for i := range orders {
		o := orders[i]
		if _, err := repo.Get(ctx, o.RestaurantID, o.ID); err == nil {
			continue
		} else if !errors.Is(err, order.ErrNotFound) {
			return created, fmt.Errorf("cannot check demo order %s: %w", o.ID, err)
		}
		if err := repo.Create(ctx, &o); err != nil {
			return created, fmt.Errorf("cannot create demo order %s: %w", o.ID, err)
		}
		created++
	}
	return created, nil
}

// IsDemoID reports whether id was produced by DemoOrders.
func IsDemoID(id order.ID) bool {
	return strings.HasPrefix(id.String(), DemoPrefix)
}

// Package order holds the order model as seen by dashboard and kitchen
// clients, its wire validation, and the reconciling order cache.
package order

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/appetiteclub/orderdesk/pkg/enums/orderstatus"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

// ErrMalformedOrder marks payloads rejected at the REST or channel boundary.
var ErrMalformedOrder = errors.New("malformed order payload")

// ID is the backend-assigned order identifier. The wire form may be a JSON
// string or number; numbers are kept as their decimal text.
type ID string

func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("order id must be a string or number: %w", err)
	}
	if _, err := strconv.ParseInt(n.String(), 10, 64); err != nil {
		return fmt.Errorf("order id must be an integer: %s", n)
	}
	*id = ID(n.String())
	return nil
}

func (id ID) String() string {
	return string(id)
}

type LineItem struct {
	Name      string          `json:"name" validate:"required"`
	Quantity  int             `json:"quantity" validate:"gt=0"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	Modifiers []string        `json:"modifiers,omitempty"`
}

// Customer is a snapshot taken at order time, not a live reference.
type Customer struct {
	Name    string `json:"name,omitempty"`
	Phone   string `json:"phone,omitempty"`
	Address string `json:"address,omitempty"`
}

type Order struct {
	ID           ID                 `json:"id" validate:"required"`
	RestaurantID string             `json:"restaurant_id,omitempty"`
	Status       orderstatus.Status `json:"status"`
	Items        []LineItem         `json:"items" validate:"dive"`
	Total        decimal.Decimal    `json:"total"`
	Customer     Customer           `json:"customer"`
	CreatedAt    time.Time          `json:"created_at" validate:"required"`
	UpdatedAt    time.Time          `json:"updated_at,omitempty"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the schema rules the struct tags cannot express alone.
func (o *Order) Validate() error {
	if err := validate.Struct(o); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedOrder, err)
	}
	if o.Status.IsZero() {
		return fmt.Errorf("%w: missing status", ErrMalformedOrder)
	}
	if o.Total.IsNegative() {
		return fmt.Errorf("%w: negative total", ErrMalformedOrder)
	}
	for i, item := range o.Items {
		if item.UnitPrice.IsNegative() {
			return fmt.Errorf("%w: item %d has a negative unit price", ErrMalformedOrder, i)
		}
	}
	return nil
}

// Decode parses and validates a single order payload.
func Decode(data []byte) (Order, error) {
	var o Order
	if err := json.Unmarshal(data, &o); err != nil {
		if errors.Is(err, orderstatus.ErrInvalidStatus) {
			return Order{}, err
		}
		return Order{}, fmt.Errorf("%w: %v", ErrMalformedOrder, err)
	}
	if err := o.Validate(); err != nil {
		return Order{}, err
	}
	return o, nil
}

// Clone returns a copy that shares no slices with o.
func (o Order) Clone() Order {
	c := o
	if o.Items != nil {
		c.Items = make([]LineItem, len(o.Items))
		for i, item := range o.Items {
			c.Items[i] = item
			if item.Modifiers != nil {
				c.Items[i].Modifiers = append([]string(nil), item.Modifiers...)
			}
		}
	}
	return c
}

// ItemCount sums line item quantities.
func (o Order) ItemCount() int {
	n := 0
	for _, item := range o.Items {
		n += item.Quantity
	}
	return n
}

// Age is the time elapsed since the order was created.
func (o Order) Age(now time.Time) time.Duration {
	if o.CreatedAt.IsZero() || now.Before(o.CreatedAt) {
		return 0
	}
	return now.Sub(o.CreatedAt)
}

// Package orderstatus defines the order status enum and the transition rules
// every order follows from checkout to a terminal state.
package orderstatus

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidStatus     = errors.New("invalid status")
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Status is a closed set: the only valid values are the ones declared in
// Statuses. The zero Status is invalid.
type Status struct {
	name string
}

func (s Status) Code() string {
	return s.name
}

func (s Status) String() string {
	return s.name
}

func (s Status) Label() string {
	parts := strings.Split(s.name, "-")
	for i := range parts {
		if len(parts[i]) > 0 {
			parts[i] = strings.ToUpper(parts[i][:1]) + parts[i][1:]
		}
	}
	return strings.Join(parts, " ")
}

func (s Status) IsZero() bool {
	return s.name == ""
}

// IsTerminal reports whether the status accepts no further transitions.
func (s Status) IsTerminal() bool {
	return s == Statuses.Delivered || s == Statuses.Completed || s == Statuses.Cancelled
}

// IsActive reports whether an order in this status still belongs on the board.
func (s Status) IsActive() bool {
	return !s.IsZero() && !s.IsTerminal()
}

func (s Status) MarshalText() ([]byte, error) {
	if s.IsZero() {
		return nil, fmt.Errorf("%w: empty", ErrInvalidStatus)
	}
	return []byte(s.name), nil
}

func (s *Status) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

type Enum struct {
	Pending        Status
	Confirmed      Status
	Preparing      Status
	Ready          Status
	OutForDelivery Status
	Delivered      Status
	Completed      Status
	Cancelled      Status
}

var Statuses = Enum{
	Pending:        Status{name: "pending"},
	Confirmed:      Status{name: "confirmed"},
	Preparing:      Status{name: "preparing"},
	Ready:          Status{name: "ready"},
	OutForDelivery: Status{name: "out-for-delivery"},
	Delivered:      Status{name: "delivered"},
	Completed:      Status{name: "completed"},
	Cancelled:      Status{name: "cancelled"},
}

var All = []Status{
	Statuses.Pending,
	Statuses.Confirmed,
	Statuses.Preparing,
	Statuses.Ready,
	Statuses.OutForDelivery,
	Statuses.Delivered,
	Statuses.Completed,
	Statuses.Cancelled,
}

// Sequence is the standard advance path. Completed and Cancelled sit outside it.
var Sequence = []Status{
	Statuses.Pending,
	Statuses.Confirmed,
	Statuses.Preparing,
	Statuses.Ready,
	Statuses.OutForDelivery,
	Statuses.Delivered,
}

// Kitchen lists the statuses a kitchen display works on.
var Kitchen = []Status{
	Statuses.Confirmed,
	Statuses.Preparing,
	Statuses.Ready,
}

// ByName returns the status for a given name, or nil if not found
func ByName(name string) *Status {
	for _, s := range All {
		if s.name == name {
			return &s
		}
	}
	return nil
}

// Parse resolves an exact status name. Unknown names are rejected, never coerced.
func Parse(name string) (Status, error) {
	if s := ByName(name); s != nil {
		return *s, nil
	}
	return Status{}, fmt.Errorf("%w: %q", ErrInvalidStatus, name)
}

// ParseList parses a comma-separated list such as "pending,ready".
// Empty input yields an empty list.
func ParseList(raw string) ([]Status, error) {
	if raw == "" {
		return nil, nil
	}
	var out []Status
	for _, part := range strings.Split(raw, ",") {
		s, err := Parse(part)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// Next returns the successor of current in the standard sequence.
func Next(current Status) (Status, bool) {
	if current.IsTerminal() {
		return Status{}, false
	}
	for i, s := range Sequence {
		if s == current && i+1 < len(Sequence) {
			return Sequence[i+1], true
		}
	}
	return Status{}, false
}

// IsValidTransition reports whether an order in current may move to proposed.
// Ready orders may also close as completed (pickup and dine-in skip delivery).
func IsValidTransition(current, proposed Status) bool {
	if current.IsZero() || proposed.IsZero() || current.IsTerminal() {
		return false
	}
	if proposed == Statuses.Cancelled {
		return true
	}
	if current == Statuses.Ready && proposed == Statuses.Completed {
		return true
	}
	next, ok := Next(current)
	return ok && next == proposed
}

// Validate is IsValidTransition with an error describing the rejection.
func Validate(current, proposed Status) error {
	if current.IsZero() || proposed.IsZero() {
		return fmt.Errorf("%w: empty status", ErrInvalidStatus)
	}
	if !IsValidTransition(current, proposed) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, proposed)
	}
	return nil
}

// Package board renders a session's orders as a plain-text kitchen board.
package board

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/appetiteclub/orderdesk/internal/order"
	"github.com/appetiteclub/orderdesk/internal/realtime"
	"github.com/appetiteclub/orderdesk/internal/session"
	"github.com/appetiteclub/orderdesk/pkg/enums/orderstatus"
	"github.com/gertd/go-pluralize"
)

type Board struct {
	plural *pluralize.Client
	now    func() time.Time
}

func New() *Board {
	return &Board{
		plural: pluralize.NewClient(),
		now:    time.Now,
	}
}

// Render writes the banner lines and one column per status, in lifecycle
// order. Orders keep the order they are given in within a column.
func (b *Board) Render(w io.Writer, snap session.Snapshot, orders []order.Order) error {
	now := b.now()
	var sb strings.Builder

	fmt.Fprintf(&sb, "Restaurant %s | %s | %s | %s active\n",
		snap.Restaurant, snap.Mode, snap.State, b.plural.Pluralize("order", snap.Active, true))

	switch {
	case snap.Reconnecting:
		sb.WriteString("!! reconnecting... showing last known orders\n")
	case snap.State == realtime.StateDisconnected:
		sb.WriteString("!! offline\n")
	}
	if snap.LastFetchError != nil {
		fmt.Fprintf(&sb, "!! last refresh failed: %v\n", snap.LastFetchError)
	}

	columns := groupByStatus(orders)
	if len(columns) == 0 {
		sb.WriteString("\n(no orders)\n")
	}

	for _, col := range columns {
		fmt.Fprintf(&sb, "\n%s (%d)\n", strings.ToUpper(col.status.Label()), len(col.orders))

		tw := tabwriter.NewWriter(&sb, 0, 4, 2, ' ', 0)
		for _, o := range col.orders {
			fmt.Fprintf(tw, "  #%s\t%s\t%s\t%s\t%s\n",
				o.ID,
				b.plural.Pluralize("item", o.ItemCount(), true),
				o.Total.StringFixed(2),
				FormatAge(o.Age(now)),
				o.Customer.Name)
		}
		if err := tw.Flush(); err != nil {
			return err
		}
	}

	_, err := io.WriteString(w, sb.String())
	return err
}

type column struct {
	status orderstatus.Status
	orders []order.Order
}

func groupByStatus(orders []order.Order) []column {
	byStatus := make(map[orderstatus.Status][]order.Order)
	for _, o := range orders {
		byStatus[o.Status] = append(byStatus[o.Status], o)
	}

	var columns []column
	for _, s := range orderstatus.All {
		if list := byStatus[s]; len(list) > 0 {
			columns = append(columns, column{status: s, orders: list})
		}
	}
	return columns
}

// FormatAge renders an order age the way staff read it at a glance.
func FormatAge(d time.Duration) string {
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d/time.Minute))
	case d < 24*time.Hour:
		h := int(d / time.Hour)
		m := int((d % time.Hour) / time.Minute)
		if m == 0 {
			return fmt.Sprintf("%dh ago", h)
		}
		return fmt.Sprintf("%dh %dm ago", h, m)
	default:
		return fmt.Sprintf("%dd ago", int(d/(24*time.Hour)))
	}
}

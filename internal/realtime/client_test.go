package realtime_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/appetiteclub/orderdesk/internal/order"
	"github.com/appetiteclub/orderdesk/internal/realtime"
	"github.com/appetiteclub/orderdesk/internal/realtime/realtimetest"
	"github.com/appetiteclub/orderdesk/internal/telemetry"
	"github.com/appetiteclub/orderdesk/pkg/enums/orderstatus"
	"github.com/appetiteclub/orderdesk/pkg/event"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var identity = realtime.Identity{Token: "tok", User: "chef"}

func fastOptions() realtime.Options {
	return realtime.Options{InitialBackoff: 5 * time.Millisecond, MaxBackoff: 20 * time.Millisecond}
}

func sampleOrder(id string, status orderstatus.Status) order.Order {
	return order.Order{
		ID:        order.ID(id),
		Status:    status,
		Items:     []order.LineItem{{Name: "Tacos", Quantity: 3, UnitPrice: decimal.NewFromInt(4)}},
		Total:     decimal.NewFromInt(12),
		CreatedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func connected(t *testing.T, room string) (*realtime.Client, *realtimetest.Dialer) {
	t.Helper()
	dialer := realtimetest.NewDialer()
	c := realtime.NewClient(dialer, identity, fastOptions(), nil)
	require.NoError(t, c.JoinRoom(room))
	require.NoError(t, c.Connect(context.Background()))
	t.Cleanup(c.Disconnect)
	return c, dialer
}

func TestConnectJoinsRoom(t *testing.T) {
	c, dialer := connected(t, "r1")

	assert.Equal(t, realtime.StateConnected, c.State())
	assert.Equal(t, []realtime.Identity{identity}, dialer.Identities())

	conn := dialer.Conn()
	assert.True(t, conn.Subscribed(event.RoomSubject("r1")))
	assert.Equal(t, []string{"r1"}, conn.Controls(event.EventJoinRestaurant))
}

func TestConnectIsIdempotent(t *testing.T) {
	c, dialer := connected(t, "r1")

	require.NoError(t, c.Connect(context.Background()))
	assert.Equal(t, 1, dialer.Dials())
}

func TestDeliversValidatedOrders(t *testing.T) {
	c, dialer := connected(t, "r1")

	var got []order.Order
	_, err := c.Subscribe("board", event.EventOrderNew, func(o order.Order) {
		got = append(got, o)
	})
	require.NoError(t, err)

	conn := dialer.Conn()
	require.NoError(t, conn.Emit("r1", event.EventOrderNew, sampleOrder("1", orderstatus.Statuses.Pending)))
	require.NoError(t, conn.Emit("r1", event.EventOrderNew, map[string]any{"id": "2", "status": "bogus", "created_at": "2026-03-01T12:00:00Z"}))
	require.NoError(t, conn.Emit("r1", event.EventOrderNew, map[string]any{"status": "pending"}))
	require.NoError(t, conn.Emit("r1", event.EventOrderUpdate, sampleOrder("1", orderstatus.Statuses.Confirmed)))
	require.NoError(t, conn.Emit("r1", "order:archived", sampleOrder("1", orderstatus.Statuses.Confirmed)))
	conn.Deliver(event.RoomSubject("r1"), []byte("not json"))

	require.Len(t, got, 1)
	assert.Equal(t, order.ID("1"), got[0].ID)
	assert.Equal(t, orderstatus.Statuses.Pending, got[0].Status)
}

func TestEachHandlerInvokedOncePerEvent(t *testing.T) {
	c, dialer := connected(t, "r1")

	var board, counter int
	_, err := c.Subscribe("board", event.EventOrderUpdate, func(order.Order) { board++ })
	require.NoError(t, err)
	_, err = c.Subscribe("counter", event.EventOrderUpdate, func(order.Order) { counter++ })
	require.NoError(t, err)

	require.NoError(t, dialer.Conn().Emit("r1", event.EventOrderUpdate, sampleOrder("1", orderstatus.Statuses.Ready)))

	assert.Equal(t, 1, board)
	assert.Equal(t, 1, counter)
}

func TestSubscribeRejections(t *testing.T) {
	dialer := realtimetest.NewDialer()
	c := realtime.NewClient(dialer, identity, fastOptions(), nil)

	_, err := c.Subscribe("board", event.EventOrderNew, func(order.Order) {})
	require.NoError(t, err)

	_, err = c.Subscribe("board", event.EventOrderNew, func(order.Order) {})
	assert.ErrorIs(t, err, realtime.ErrDuplicateHandler)

	_, err = c.Subscribe("board", "order:archived", func(order.Order) {})
	assert.ErrorIs(t, err, realtime.ErrUnknownEvent)

	assert.Equal(t, 1, c.HandlerCount(event.EventOrderNew))
}

func TestReleaseAndOff(t *testing.T) {
	c, dialer := connected(t, "r1")

	calls := 0
	sub, err := c.Subscribe("board", event.EventOrderNew, func(order.Order) { calls++ })
	require.NoError(t, err)

	sub.Release()
	sub.Release()
	assert.Equal(t, 0, c.HandlerCount(event.EventOrderNew))

	require.NoError(t, dialer.Conn().Emit("r1", event.EventOrderNew, sampleOrder("1", orderstatus.Statuses.Pending)))
	assert.Equal(t, 0, calls)

	_, err = c.Subscribe("board", event.EventOrderNew, func(order.Order) { calls++ })
	require.NoError(t, err, "released consumer can subscribe again")

	c.Off("board", event.EventOrderNew)
	assert.Equal(t, 0, c.HandlerCount(event.EventOrderNew))
}

func TestHandlerPanicIsContained(t *testing.T) {
	dialer := realtimetest.NewDialer()
	metrics := telemetry.New()
	opts := fastOptions()
	opts.Metrics = metrics
	c := realtime.NewClient(dialer, identity, opts, nil)
	require.NoError(t, c.JoinRoom("r1"))
	require.NoError(t, c.Connect(context.Background()))
	defer c.Disconnect()

	_, err := c.Subscribe("faulty", event.EventOrderNew, func(order.Order) { panic("boom") })
	require.NoError(t, err)
	var seen []order.ID
	_, err = c.Subscribe("board", event.EventOrderNew, func(o order.Order) { seen = append(seen, o.ID) })
	require.NoError(t, err)

	conn := dialer.Conn()
	assert.NotPanics(t, func() {
		require.NoError(t, conn.Emit("r1", event.EventOrderNew, sampleOrder("1", orderstatus.Statuses.Pending)))
		require.NoError(t, conn.Emit("r1", event.EventOrderNew, sampleOrder("2", orderstatus.Statuses.Pending)))
	})
	assert.Equal(t, []order.ID{"1", "2"}, seen)
}

func TestJoinRoomSwitchesRooms(t *testing.T) {
	c, dialer := connected(t, "r1")
	conn := dialer.Conn()

	require.NoError(t, c.JoinRoom("r2"))

	assert.Equal(t, "r2", c.Room())
	assert.False(t, conn.Subscribed(event.RoomSubject("r1")))
	assert.True(t, conn.Subscribed(event.RoomSubject("r2")))
	assert.Equal(t, []string{"r1"}, conn.Controls(event.EventLeaveRestaurant))
	assert.Equal(t, []string{"r1", "r2"}, conn.Controls(event.EventJoinRestaurant))

	require.NoError(t, c.JoinRoom("r2"))
	assert.Equal(t, []string{"r1", "r2"}, conn.Controls(event.EventJoinRestaurant))

	c.LeaveRoom()
	assert.Equal(t, "", c.Room())
	assert.False(t, conn.Subscribed(event.RoomSubject("r2")))
	assert.Equal(t, []string{"r1", "r2"}, conn.Controls(event.EventLeaveRestaurant))
}

func TestJoinRoomRequiresID(t *testing.T) {
	c := realtime.NewClient(realtimetest.NewDialer(), identity, fastOptions(), nil)
	assert.Error(t, c.JoinRoom(""))
}

func TestDropAndRestoreRejoinsRoom(t *testing.T) {
	c, dialer := connected(t, "r1")
	conn := dialer.Conn()

	var states []realtime.State
	release := c.OnStateChange(func(s realtime.State, _ error) { states = append(states, s) })
	defer release()

	reconnects := 0
	c.OnReconnect(func() { reconnects++ })

	conn.Drop(errors.New("read: connection reset"))
	assert.Equal(t, realtime.StateConnecting, c.State())
	assert.ErrorIs(t, c.LastError(), realtime.ErrConnectionLost)
	assert.Equal(t, []string{"r1"}, conn.Controls(event.EventLeaveRestaurant))

	conn.Restore()
	assert.Equal(t, realtime.StateConnected, c.State())
	assert.NoError(t, c.LastError())
	assert.Equal(t, 1, reconnects)
	assert.Equal(t, []string{"r1", "r1"}, conn.Controls(event.EventJoinRestaurant))
	assert.Equal(t, []realtime.State{realtime.StateConnecting, realtime.StateConnected}, states)
	assert.Equal(t, 1, dialer.Dials())
}

func TestDropAndRestoreKeepsMembershipBalanced(t *testing.T) {
	c, dialer := connected(t, "r1")
	conn := dialer.Conn()

	for i := 0; i < 3; i++ {
		conn.Drop(nil)
		conn.Restore()
	}
	require.Equal(t, realtime.StateConnected, c.State())

	members := 0
	for _, m := range conn.Published() {
		switch m.Event {
		case event.EventJoinRestaurant:
			members++
		case event.EventLeaveRestaurant:
			members--
		}
	}
	assert.Equal(t, 1, members)
}

func TestSetTokenAppliesToNextDial(t *testing.T) {
	c, dialer := connected(t, "r1")
	c.SetToken("tok-r2")
	assert.Equal(t, "tok-r2", c.Identity().Token)

	dialer.Conn().Kill()
	require.Eventually(t, func() bool {
		return dialer.Dials() == 2 && c.State() == realtime.StateConnected
	}, time.Second, 5*time.Millisecond)

	ids := dialer.Identities()
	assert.Equal(t, "tok", ids[0].Token)
	assert.Equal(t, realtime.Identity{Token: "tok-r2", User: "chef"}, ids[1])
}

func TestConnectFailureRetriesWithBackoff(t *testing.T) {
	dialer := realtimetest.NewDialer()
	dialer.FailNext(2)
	c := realtime.NewClient(dialer, identity, fastOptions(), nil)
	defer c.Disconnect()
	require.NoError(t, c.JoinRoom("r1"))

	var reconnects atomic.Int32
	c.OnReconnect(func() { reconnects.Add(1) })

	err := c.Connect(context.Background())
	assert.ErrorIs(t, err, realtime.ErrConnectionLost)
	assert.NotEqual(t, realtime.StateConnected, c.State())

	require.Eventually(t, func() bool {
		return c.State() == realtime.StateConnected && reconnects.Load() == 1
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, 3, dialer.Dials())
	assert.True(t, dialer.Conn().Subscribed(event.RoomSubject("r1")))
}

func TestTransportClosedRedials(t *testing.T) {
	c, dialer := connected(t, "r1")

	var reconnects atomic.Int32
	c.OnReconnect(func() { reconnects.Add(1) })

	first := dialer.Conn()
	first.Kill()

	require.Eventually(t, func() bool {
		return reconnects.Load() == 1 && c.State() == realtime.StateConnected
	}, time.Second, 5*time.Millisecond)

	conns := dialer.Conns()
	require.Len(t, conns, 2)
	assert.True(t, conns[1].Subscribed(event.RoomSubject("r1")))
	assert.Equal(t, []string{"r1"}, conns[1].Controls(event.EventJoinRestaurant))
}

func TestDisconnectStopsEverything(t *testing.T) {
	dialer := realtimetest.NewDialer()
	c := realtime.NewClient(dialer, identity, fastOptions(), nil)
	require.NoError(t, c.JoinRoom("r1"))
	require.NoError(t, c.Connect(context.Background()))
	conn := dialer.Conn()

	c.Disconnect()

	assert.Equal(t, realtime.StateDisconnected, c.State())
	assert.True(t, conn.Closed())
	assert.Equal(t, []string{"r1"}, conn.Controls(event.EventLeaveRestaurant))
	assert.Equal(t, "", c.Room())

	// a late close notification from the old link must not trigger a redial
	conn.Kill()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 1, dialer.Dials())
}

func TestDisconnectCancelsRetryLoop(t *testing.T) {
	dialer := realtimetest.NewDialer()
	dialer.FailNext(100)
	c := realtime.NewClient(dialer, identity, fastOptions(), nil)

	assert.Error(t, c.Connect(context.Background()))
	c.Disconnect()
	dials := dialer.Dials()

	time.Sleep(50 * time.Millisecond)
	assert.LessOrEqual(t, dialer.Dials(), dials+1)
	assert.Equal(t, realtime.StateDisconnected, c.State())
}

func TestConcurrentSubscribeAndDeliver(t *testing.T) {
	c, dialer := connected(t, "r1")
	conn := dialer.Conn()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			sub, err := c.Subscribe(string(rune('a'+i)), event.EventOrderNew, func(order.Order) {})
			if err == nil {
				sub.Release()
			}
		}(i)
		go func() {
			defer wg.Done()
			_ = conn.Emit("r1", event.EventOrderNew, sampleOrder("1", orderstatus.Statuses.Pending))
		}()
	}
	wg.Wait()
	assert.Equal(t, 0, c.HandlerCount(event.EventOrderNew))
}

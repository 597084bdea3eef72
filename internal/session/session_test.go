package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/appetiteclub/orderdesk/internal/order"
	"github.com/appetiteclub/orderdesk/internal/realtime"
	"github.com/appetiteclub/orderdesk/internal/realtime/realtimetest"
	"github.com/appetiteclub/orderdesk/internal/restapi"
	"github.com/appetiteclub/orderdesk/internal/telemetry"
	"github.com/appetiteclub/orderdesk/pkg/enums/orderstatus"
	"github.com/appetiteclub/orderdesk/pkg/event"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockOrderAPI struct {
	mock.Mock
}

func (m *MockOrderAPI) ListOrders(ctx context.Context, statuses ...orderstatus.Status) ([]order.Order, error) {
	args := m.Called(ctx, statuses)
	orders, _ := args.Get(0).([]order.Order)
	return orders, args.Error(1)
}

func (m *MockOrderAPI) KitchenActive(ctx context.Context) ([]order.Order, error) {
	args := m.Called(ctx)
	orders, _ := args.Get(0).([]order.Order)
	return orders, args.Error(1)
}

func (m *MockOrderAPI) UpdateStatus(ctx context.Context, id order.ID, status orderstatus.Status) (order.Order, error) {
	args := m.Called(ctx, id, status)
	o, _ := args.Get(0).(order.Order)
	return o, args.Error(1)
}

func (m *MockOrderAPI) SetToken(token string) {
	m.Called(token)
}

func (m *MockOrderAPI) CancelOrder(ctx context.Context, id order.ID) (order.Order, error) {
	args := m.Called(ctx, id)
	o, _ := args.Get(0).(order.Order)
	return o, args.Error(1)
}

var (
	pending   = orderstatus.Statuses.Pending
	confirmed = orderstatus.Statuses.Confirmed
	preparing = orderstatus.Statuses.Preparing
	ready     = orderstatus.Statuses.Ready
	delivered = orderstatus.Statuses.Delivered
	cancelled = orderstatus.Statuses.Cancelled
)

func mkOrder(id string, status orderstatus.Status, minute int) order.Order {
	return order.Order{
		ID:           order.ID(id),
		RestaurantID: "r1",
		Status:       status,
		Items:        []order.LineItem{{Name: "Dumplings", Quantity: 2, UnitPrice: decimal.NewFromInt(5)}},
		Total:        decimal.NewFromInt(10),
		CreatedAt:    time.Date(2026, 3, 1, 12, minute, 0, 0, time.UTC),
	}
}

type fixture struct {
	session *Session
	api     *MockOrderAPI
	dialer  *realtimetest.Dialer
	channel *realtime.Client
	metrics *telemetry.Metrics
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	if opts.RestaurantID == "" {
		opts.RestaurantID = "r1"
	}
	if opts.RefetchInterval == 0 {
		opts.RefetchInterval = time.Millisecond
	}

	dialer := realtimetest.NewDialer()
	metrics := telemetry.New()
	channel := realtime.NewClient(dialer, realtime.Identity{Token: "t", User: "chef"},
		realtime.Options{InitialBackoff: 5 * time.Millisecond, MaxBackoff: 10 * time.Millisecond, Metrics: metrics}, nil)
	api := new(MockOrderAPI)

	tokens := func(restaurantID string) (string, error) { return "tok-" + restaurantID, nil }
	s, err := New(Deps{Channel: channel, API: api, Metrics: metrics, Tokens: tokens}, opts)
	require.NoError(t, err)
	t.Cleanup(s.Disconnect)

	return &fixture{session: s, api: api, dialer: dialer, channel: channel, metrics: metrics}
}

func (f *fixture) ids() []order.ID {
	var ids []order.ID
	for _, o := range f.session.Cache().All() {
		ids = append(ids, o.ID)
	}
	return ids
}

func (f *fixture) status(t *testing.T, id order.ID) orderstatus.Status {
	t.Helper()
	o, ok := f.session.Cache().Get(id)
	require.True(t, ok, "order %s not cached", id)
	return o.Status
}

func TestNewValidation(t *testing.T) {
	_, err := New(Deps{}, Options{RestaurantID: "r1"})
	assert.Error(t, err)

	_, err = New(Deps{Channel: realtime.NewClient(realtimetest.NewDialer(), realtime.Identity{}, realtime.Options{}, nil), API: new(MockOrderAPI)}, Options{})
	assert.ErrorIs(t, err, ErrNoRestaurant)
}

func TestConnectLoadsAndJoinsRoom(t *testing.T) {
	f := newFixture(t, Options{StatusFilter: []orderstatus.Status{pending, confirmed}})
	f.api.On("ListOrders", mock.Anything, []orderstatus.Status{pending, confirmed}).
		Return([]order.Order{mkOrder("1", pending, 0), mkOrder("2", confirmed, 5)}, nil).Once()

	require.NoError(t, f.session.Connect(context.Background()))

	assert.Equal(t, []order.ID{"2", "1"}, f.ids())
	conn := f.dialer.Conn()
	assert.True(t, conn.Subscribed(event.RoomSubject("r1")))
	assert.Equal(t, []string{"r1"}, conn.Controls(event.EventJoinRestaurant))

	snap := f.session.Snapshot()
	assert.Equal(t, "r1", snap.Restaurant)
	assert.Equal(t, realtime.StateConnected, snap.State)
	assert.False(t, snap.Reconnecting)
	assert.NoError(t, snap.LastFetchError)
	assert.Equal(t, 2, snap.Active)
	assert.False(t, snap.LastFetched.IsZero())
	f.api.AssertExpectations(t)
}

func TestConnectTwiceIsNoop(t *testing.T) {
	f := newFixture(t, Options{})
	f.api.On("ListOrders", mock.Anything, mock.Anything).Return([]order.Order{}, nil).Once()

	require.NoError(t, f.session.Connect(context.Background()))
	require.NoError(t, f.session.Connect(context.Background()))

	for _, name := range event.OrderEvents {
		assert.Equal(t, 1, f.channel.HandlerCount(name))
	}
	f.api.AssertNumberOfCalls(t, "ListOrders", 1)
}

func TestKitchenModeFetchesActive(t *testing.T) {
	f := newFixture(t, Options{Mode: ModeKitchen})
	f.api.On("KitchenActive", mock.Anything).
		Return([]order.Order{mkOrder("1", preparing, 0), mkOrder("2", ready, 1)}, nil)

	require.NoError(t, f.session.Connect(context.Background()))

	conn := f.dialer.Conn()
	require.NoError(t, conn.Emit("r1", event.EventOrderNew, mkOrder("3", pending, 2)))

	var board []order.ID
	for _, o := range f.session.Board() {
		board = append(board, o.ID)
	}
	assert.Equal(t, []order.ID{"2", "1"}, board)
	f.api.AssertNotCalled(t, "ListOrders", mock.Anything, mock.Anything)
}

func TestEventsReconcileIntoCache(t *testing.T) {
	f := newFixture(t, Options{})
	f.api.On("ListOrders", mock.Anything, mock.Anything).
		Return([]order.Order{mkOrder("1", pending, 0)}, nil).Once()
	require.NoError(t, f.session.Connect(context.Background()))
	conn := f.dialer.Conn()

	require.NoError(t, conn.Emit("r1", event.EventOrderUpdate, mkOrder("1", confirmed, 0)))
	assert.Equal(t, confirmed, f.status(t, "1"))

	require.NoError(t, conn.Emit("r1", event.EventOrderUpdate, mkOrder("1", pending, 0)))
	assert.Equal(t, confirmed, f.status(t, "1"))

	require.NoError(t, conn.Emit("r1", event.EventOrderNew, mkOrder("2", pending, 3)))
	require.NoError(t, conn.Emit("r1", event.EventOrderNew, mkOrder("2", pending, 3)))
	assert.Equal(t, []order.ID{"2", "1"}, f.ids())

	require.NoError(t, conn.Emit("r1", event.EventOrderCancelled, mkOrder("2", pending, 3)))
	assert.Equal(t, cancelled, f.status(t, "2"))

	require.NoError(t, conn.Emit("r1", event.EventOrderUpdate, mkOrder("2", confirmed, 3)))
	assert.Equal(t, cancelled, f.status(t, "2"))

	assert.Equal(t, 1, f.session.Snapshot().Active)
}

func TestEventsForAnotherRestaurantIgnored(t *testing.T) {
	f := newFixture(t, Options{})
	f.api.On("ListOrders", mock.Anything, mock.Anything).Return([]order.Order{}, nil)
	require.NoError(t, f.session.Connect(context.Background()))

	foreign := mkOrder("9", pending, 0)
	foreign.RestaurantID = "r2"
	require.NoError(t, f.dialer.Conn().Emit("r1", event.EventOrderNew, foreign))

	assert.Equal(t, 0, f.session.Cache().Len())
}

func TestFetchFailureKeepsCache(t *testing.T) {
	f := newFixture(t, Options{})
	f.api.On("ListOrders", mock.Anything, mock.Anything).
		Return([]order.Order{mkOrder("1", pending, 0)}, nil).Once()
	f.api.On("ListOrders", mock.Anything, mock.Anything).
		Return(nil, &restapi.NetworkError{Op: "list orders", StatusCode: 503, Err: errors.New("unavailable")}).Once()
	f.api.On("ListOrders", mock.Anything, mock.Anything).
		Return([]order.Order{mkOrder("1", confirmed, 0)}, nil).Once()

	require.NoError(t, f.session.Connect(context.Background()))

	err := f.session.Refresh(context.Background())
	assert.ErrorIs(t, err, ErrNetwork)
	assert.ErrorIs(t, f.session.Snapshot().LastFetchError, ErrNetwork)
	assert.Equal(t, pending, f.status(t, "1"))

	require.NoError(t, f.session.Refresh(context.Background()))
	assert.NoError(t, f.session.Snapshot().LastFetchError)
	assert.Equal(t, confirmed, f.status(t, "1"))
}

func TestFetchTimeout(t *testing.T) {
	f := newFixture(t, Options{FetchTimeout: 20 * time.Millisecond})
	f.api.On("ListOrders", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			<-args.Get(0).(context.Context).Done()
		}).
		Return(nil, &restapi.NetworkError{Op: "list orders", Err: context.DeadlineExceeded})

	start := time.Now()
	err := f.session.Connect(context.Background())

	assert.ErrorIs(t, err, ErrNetwork)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, 0, f.session.Cache().Len())
}

func TestReconnectRefetchReplacesCache(t *testing.T) {
	f := newFixture(t, Options{})
	fresh := []order.Order{mkOrder("1", preparing, 0), mkOrder("5", ready, 9)}
	f.api.On("ListOrders", mock.Anything, mock.Anything).
		Return([]order.Order{mkOrder("1", pending, 0)}, nil).Once()
	f.api.On("ListOrders", mock.Anything, mock.Anything).
		Return(fresh, nil)

	require.NoError(t, f.session.Connect(context.Background()))
	conn := f.dialer.Conn()
	require.NoError(t, conn.Emit("r1", event.EventOrderNew, mkOrder("2", pending, 3)))

	conn.Drop(errors.New("broken pipe"))
	assert.True(t, f.session.Snapshot().Reconnecting)

	conn.Restore()

	require.Eventually(t, func() bool {
		all := f.session.Cache().All()
		return len(all) == 2 && all[0].ID == "5" && all[1].Status == preparing
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, []order.Order{fresh[1], fresh[0]}, f.session.Cache().All())
	assert.False(t, f.session.Snapshot().Reconnecting)
	assert.Equal(t, []string{"r1", "r1"}, conn.Controls(event.EventJoinRestaurant))
	assert.Equal(t, []string{"r1"}, conn.Controls(event.EventLeaveRestaurant))
}

func TestReconnectAfterFailedDialRefetches(t *testing.T) {
	f := newFixture(t, Options{})
	f.dialer.FailNext(1)
	f.api.On("ListOrders", mock.Anything, mock.Anything).
		Return([]order.Order{mkOrder("1", pending, 0)}, nil).Once()
	f.api.On("ListOrders", mock.Anything, mock.Anything).
		Return([]order.Order{mkOrder("1", confirmed, 0)}, nil)

	require.NoError(t, f.session.Connect(context.Background()))

	require.Eventually(t, func() bool {
		o, ok := f.session.Cache().Get("1")
		return ok && o.Status == confirmed
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, realtime.StateConnected, f.session.Snapshot().State)
}

func TestAdvanceOptimistic(t *testing.T) {
	f := newFixture(t, Options{})
	f.api.On("ListOrders", mock.Anything, mock.Anything).
		Return([]order.Order{mkOrder("1", pending, 0)}, nil)
	require.NoError(t, f.session.Connect(context.Background()))

	server := mkOrder("1", confirmed, 0)
	server.UpdatedAt = time.Date(2026, 3, 1, 12, 1, 0, 0, time.UTC)
	f.api.On("UpdateStatus", mock.Anything, order.ID("1"), confirmed).
		Run(func(mock.Arguments) {
			assert.Equal(t, confirmed, f.status(t, "1"), "staged before the server answers")
		}).
		Return(server, nil).Once()

	got, err := f.session.Advance(context.Background(), "1")
	require.NoError(t, err)
	assert.Equal(t, server, got)

	// the echo of our own change is dropped as a no-op
	require.NoError(t, f.dialer.Conn().Emit("r1", event.EventOrderUpdate, server))
	assert.Equal(t, confirmed, f.status(t, "1"))
	f.api.AssertExpectations(t)
}

func TestAdvanceFailureReverts(t *testing.T) {
	f := newFixture(t, Options{})
	before := mkOrder("1", preparing, 0)
	f.api.On("ListOrders", mock.Anything, mock.Anything).Return([]order.Order{before}, nil)
	require.NoError(t, f.session.Connect(context.Background()))

	f.api.On("UpdateStatus", mock.Anything, order.ID("1"), ready).
		Return(nil, &restapi.NetworkError{Op: "update order status", Err: errors.New("connection refused")}).Once()

	_, err := f.session.Advance(context.Background(), "1")
	assert.ErrorIs(t, err, ErrNetwork)

	cached, _ := f.session.Cache().Get("1")
	assert.Equal(t, before, cached)
}

func TestSetStatusServerConflictReverts(t *testing.T) {
	f := newFixture(t, Options{})
	f.api.On("ListOrders", mock.Anything, mock.Anything).Return([]order.Order{mkOrder("1", ready, 0)}, nil)
	require.NoError(t, f.session.Connect(context.Background()))

	f.api.On("UpdateStatus", mock.Anything, order.ID("1"), orderstatus.Statuses.Completed).
		Return(nil, &restapi.APIError{StatusCode: 409, Message: "invalid status transition"}).Once()

	_, err := f.session.SetStatus(context.Background(), "1", orderstatus.Statuses.Completed)
	assert.ErrorIs(t, err, orderstatus.ErrInvalidTransition)
	assert.Equal(t, ready, f.status(t, "1"))
}

func TestSetStatusRejectedLocally(t *testing.T) {
	f := newFixture(t, Options{})
	f.api.On("ListOrders", mock.Anything, mock.Anything).
		Return([]order.Order{mkOrder("1", pending, 0), mkOrder("2", delivered, 1)}, nil)
	require.NoError(t, f.session.Connect(context.Background()))

	_, err := f.session.SetStatus(context.Background(), "1", ready)
	assert.ErrorIs(t, err, orderstatus.ErrInvalidTransition)

	_, err = f.session.Advance(context.Background(), "2")
	assert.ErrorIs(t, err, order.ErrTerminalOrder)

	_, err = f.session.Cancel(context.Background(), "2")
	assert.ErrorIs(t, err, order.ErrTerminalOrder)

	_, err = f.session.Advance(context.Background(), "404")
	assert.ErrorIs(t, err, order.ErrUnknownOrder)

	f.api.AssertNotCalled(t, "UpdateStatus", mock.Anything, mock.Anything, mock.Anything)
	f.api.AssertNotCalled(t, "CancelOrder", mock.Anything, mock.Anything)
	assert.Equal(t, pending, f.status(t, "1"))
}

func TestCancelWithoutResponseBody(t *testing.T) {
	f := newFixture(t, Options{})
	f.api.On("ListOrders", mock.Anything, mock.Anything).Return([]order.Order{mkOrder("1", preparing, 0)}, nil)
	require.NoError(t, f.session.Connect(context.Background()))

	f.api.On("CancelOrder", mock.Anything, order.ID("1")).Return(order.Order{}, nil).Once()

	got, err := f.session.Cancel(context.Background(), "1")
	require.NoError(t, err)
	assert.Equal(t, cancelled, got.Status)
	_, staged := f.session.Cache().Staged("1")
	assert.False(t, staged)
}

func TestSwitchRestaurant(t *testing.T) {
	f := newFixture(t, Options{})
	f.api.On("ListOrders", mock.Anything, mock.Anything).
		Return([]order.Order{mkOrder("1", pending, 0)}, nil).Once()
	r2 := mkOrder("7", ready, 4)
	r2.RestaurantID = "r2"
	f.api.On("ListOrders", mock.Anything, mock.Anything).
		Return([]order.Order{r2}, nil).Once()

	f.api.On("SetToken", "tok-r2").Return().Once()

	require.NoError(t, f.session.Connect(context.Background()))
	require.NoError(t, f.session.SwitchRestaurant(context.Background(), "r2"))

	assert.Equal(t, "r2", f.session.Restaurant())
	assert.Equal(t, []order.ID{"7"}, f.ids())
	assert.Equal(t, "tok-r2", f.channel.Identity().Token)
	f.api.AssertExpectations(t)

	conn := f.dialer.Conn()
	assert.Equal(t, []string{"r1"}, conn.Controls(event.EventLeaveRestaurant))
	assert.Equal(t, []string{"r1", "r2"}, conn.Controls(event.EventJoinRestaurant))
	assert.False(t, conn.Subscribed(event.RoomSubject("r1")))

	require.NoError(t, f.session.SwitchRestaurant(context.Background(), "r2"))
	f.api.AssertNumberOfCalls(t, "ListOrders", 2)

	assert.ErrorIs(t, f.session.SwitchRestaurant(context.Background(), ""), ErrNoRestaurant)
}

func TestSwitchRestaurantWithoutCredentials(t *testing.T) {
	tests := []struct {
		name   string
		tokens TokenSource
	}{
		{name: "noSource"},
		{name: "sourceFails", tokens: func(string) (string, error) { return "", errors.New("not a member") }},
		{name: "emptyToken", tokens: func(string) (string, error) { return "", nil }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dialer := realtimetest.NewDialer()
			channel := realtime.NewClient(dialer, realtime.Identity{Token: "tok-r1"}, realtime.Options{}, nil)
			api := new(MockOrderAPI)
			api.On("ListOrders", mock.Anything, mock.Anything).
				Return([]order.Order{mkOrder("1", pending, 0)}, nil).Once()

			s, err := New(Deps{Channel: channel, API: api, Tokens: tt.tokens}, Options{RestaurantID: "r1"})
			require.NoError(t, err)
			t.Cleanup(s.Disconnect)
			require.NoError(t, s.Connect(context.Background()))

			err = s.SwitchRestaurant(context.Background(), "r2")
			assert.ErrorIs(t, err, ErrNoCredentials)

			assert.Equal(t, "r1", s.Restaurant())
			assert.Equal(t, "tok-r1", channel.Identity().Token)
			_, ok := s.Cache().Get("1")
			assert.True(t, ok)
			assert.Empty(t, dialer.Conn().Controls(event.EventLeaveRestaurant))
			api.AssertNotCalled(t, "SetToken", mock.Anything)
			api.AssertNumberOfCalls(t, "ListOrders", 1)
		})
	}
}

func TestRefreshDropsOrdersOfOtherRestaurants(t *testing.T) {
	f := newFixture(t, Options{})
	foreign := mkOrder("9", pending, 2)
	foreign.RestaurantID = "r2"
	unscoped := mkOrder("3", pending, 1)
	unscoped.RestaurantID = ""
	f.api.On("ListOrders", mock.Anything, mock.Anything).
		Return([]order.Order{mkOrder("1", pending, 0), foreign, unscoped}, nil).Once()

	require.NoError(t, f.session.Connect(context.Background()))

	assert.Equal(t, []order.ID{"3", "1"}, f.ids())
}

func TestOnChange(t *testing.T) {
	f := newFixture(t, Options{})
	f.api.On("ListOrders", mock.Anything, mock.Anything).Return([]order.Order{mkOrder("1", pending, 0)}, nil)

	calls := 0
	release := f.session.OnChange(func() { calls++ })

	require.NoError(t, f.session.Connect(context.Background()))
	assert.Positive(t, calls)

	release()
	before := calls
	require.NoError(t, f.dialer.Conn().Emit("r1", event.EventOrderNew, mkOrder("2", pending, 1)))
	assert.Equal(t, before, calls)
}

func TestDisconnectReleasesEverything(t *testing.T) {
	f := newFixture(t, Options{})
	f.api.On("ListOrders", mock.Anything, mock.Anything).Return([]order.Order{}, nil)
	require.NoError(t, f.session.Connect(context.Background()))
	conn := f.dialer.Conn()

	f.session.Disconnect()
	f.session.Disconnect()

	for _, name := range event.OrderEvents {
		assert.Equal(t, 0, f.channel.HandlerCount(name))
	}
	assert.True(t, conn.Closed())
	assert.Equal(t, realtime.StateDisconnected, f.session.Snapshot().State)
	assert.False(t, f.session.Snapshot().Reconnecting)
}

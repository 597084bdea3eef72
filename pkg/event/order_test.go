package event

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	frame, err := NewEnvelope(EventJoinRestaurant, "r-1")
	require.NoError(t, err)

	env, err := DecodeEnvelope(frame)
	require.NoError(t, err)
	assert.Equal(t, EventJoinRestaurant, env.Event)
	assert.JSONEq(t, `"r-1"`, string(env.Data))
}

func TestDecodeEnvelopeRejectsMalformed(t *testing.T) {
	tests := []struct {
		name string
		msg  string
	}{
		{"notJSON", "order:new"},
		{"missingEvent", `{"data":{}}`},
		{"wrongType", `{"event":42}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeEnvelope([]byte(tt.msg))
			assert.Error(t, err)
		})
	}
}

func TestRoomSubject(t *testing.T) {
	assert.Equal(t, "orderdesk.rooms.r-1", RoomSubject("r-1"))
	assert.Equal(t, "orderdesk.rooms.downtown_main", RoomSubject("downtown.main"))
	assert.Equal(t, "orderdesk.rooms.a__", RoomSubject("a*>"))
}

func TestIsOrderEvent(t *testing.T) {
	assert.True(t, IsOrderEvent(EventOrderNew))
	assert.True(t, IsOrderEvent(EventOrderCancelled))
	assert.False(t, IsOrderEvent(EventJoinRestaurant))
	assert.False(t, IsOrderEvent("order:deleted"))
}

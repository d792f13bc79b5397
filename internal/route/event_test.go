package route

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nvxroute-bus/internal/broker"
)

func TestEventWireFormat(t *testing.T) {
	local := time.FixedZone("CET", 3600)
	event := NewEvent(3, 7, time.Date(2024, 1, 1, 1, 0, 0, 0, local))

	body, err := event.Encode()
	require.NoError(t, err)
	assert.JSONEq(t, `{"sourceId":3,"destinationId":7,"timestamp":"2024-01-01T00:00:00Z"}`, string(body))

	decoded, err := DecodeEvent(body)
	require.NoError(t, err)
	assert.Equal(t, 3, decoded.SourceID)
	assert.Equal(t, 7, decoded.DestinationID)
	assert.True(t, decoded.Timestamp.Equal(event.Timestamp))
}

func TestDecodeEvent(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr bool
		want    RoutingChangeEvent
	}{
		{
			name: "full event",
			body: `{"sourceId":1,"destinationId":2,"timestamp":"2024-05-01T12:30:00Z"}`,
			want: RoutingChangeEvent{SourceID: 1, DestinationID: 2, Timestamp: time.Date(2024, 5, 1, 12, 30, 0, 0, time.UTC)},
		},
		{
			name: "no timestamp",
			body: `{"sourceId":1,"destinationId":2}`,
			want: RoutingChangeEvent{SourceID: 1, DestinationID: 2},
		},
		{
			name: "zero ids are valid",
			body: `{"sourceId":0,"destinationId":0}`,
			want: RoutingChangeEvent{},
		},
		{
			name: "unknown fields ignored",
			body: `{"sourceId":4,"destinationId":5,"room":"boardroom"}`,
			want: RoutingChangeEvent{SourceID: 4, DestinationID: 5},
		},
		{name: "not json", body: `route 3 to 7`, wantErr: true},
		{name: "empty", body: ``, wantErr: true},
		{name: "missing source", body: `{"destinationId":2}`, wantErr: true},
		{name: "missing destination", body: `{"sourceId":2}`, wantErr: true},
		{name: "wrong type", body: `{"sourceId":"3","destinationId":7}`, wantErr: true},
		{name: "bad timestamp", body: `{"sourceId":3,"destinationId":7,"timestamp":"yesterday"}`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeEvent([]byte(tt.body))
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, broker.ErrMalformedPayload)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want.SourceID, got.SourceID)
			assert.Equal(t, tt.want.DestinationID, got.DestinationID)
			assert.True(t, tt.want.Timestamp.Equal(got.Timestamp))
		})
	}
}

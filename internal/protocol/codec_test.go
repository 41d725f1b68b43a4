package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeWireFieldNames(t *testing.T) {
	// The field names are the wire format shared with the remote endpoint;
	// renaming any of them breaks interoperability.
	data, err := JSONCodec{}.Encode(&Message{
		TunnelID: "t1",
		ClientID: 7,
		Event:    EventData,
		Arg:      []byte("hello"),
	})
	require.NoError(t, err)

	var raw map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &raw))

	assert.Equal(t, "t1", raw["tunnelId"])
	assert.Equal(t, float64(7), raw["clientId"])
	assert.Equal(t, "data", raw["event"])
	assert.Contains(t, raw, "arg")
	assert.NotContains(t, raw, "error")
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	testCases := []struct {
		name string
		msg  *Message
	}{
		{
			name: "connection with no payload",
			msg:  &Message{TunnelID: "t1", ClientID: 1, Event: EventConnection},
		},
		{
			name: "data with payload",
			msg:  &Message{TunnelID: "t1", ClientID: 42, Event: EventData, Arg: []byte("payload bytes")},
		},
		{
			name: "error with descriptor",
			msg:  &Message{TunnelID: "t2", ClientID: 3, Event: EventError, Error: "connection reset"},
		},
		{
			name: "data with large payload",
			msg:  &Message{TunnelID: "t1", ClientID: 9, Event: EventData, Arg: make([]byte, 16*1024)},
		},
	}

	codec := JSONCodec{}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			data, err := codec.Encode(tc.msg)
			require.NoError(t, err)

			got, err := codec.Decode(data)
			require.NoError(t, err)
			assert.Equal(t, tc.msg, got)
		})
	}
}

func TestDecodeRejectsGarbage(t *testing.T) {
	_, err := JSONCodec{}.Decode([]byte("{not json"))
	assert.Error(t, err)
}

func TestDecodeRejectsMissingTunnelID(t *testing.T) {
	_, err := JSONCodec{}.Decode([]byte(`{"clientId":1,"event":"data"}`))
	assert.Error(t, err)
}

func TestDecodePassesThroughUnknownEvent(t *testing.T) {
	// Event validation is the receiver's call, not the codec's.
	msg, err := JSONCodec{}.Decode([]byte(`{"tunnelId":"t1","clientId":1,"event":"frobnicate"}`))
	require.NoError(t, err)
	assert.Equal(t, Event("frobnicate"), msg.Event)
	assert.False(t, msg.Event.Valid())
}

func TestEventValid(t *testing.T) {
	for _, e := range []Event{EventConnection, EventData, EventClose, EventError, EventEnd, EventTimeout} {
		assert.True(t, e.Valid(), string(e))
	}
	assert.False(t, Event("").Valid())
	assert.False(t, Event("open").Valid())
}

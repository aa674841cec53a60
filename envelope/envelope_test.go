package envelope

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommand_MarshalWireKeys(t *testing.T) {
	cmd := &Command{
		DeviceID:    "D1",
		MessageType: "SET_MODE",
		Sender:      SenderServer,
		CommandID:   "abc-123",
		Parameters:  map[string]any{"mode": "eco"},
	}

	data, err := cmd.Marshal()
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))

	// Wire keys are fixed by device firmware
	assert.Equal(t, "D1", raw["Device ID"])
	assert.Equal(t, "SET_MODE", raw["Message Type"])
	assert.Equal(t, "Server", raw["sender"])
	assert.Equal(t, "abc-123", raw["CommandId"])
	assert.Equal(t, map[string]any{"mode": "eco"}, raw["Parameters"])
}

func TestCommand_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cmd     Command
		wantErr bool
	}{
		{"valid", Command{DeviceID: "D1", MessageType: "PING", CommandID: "x"}, false},
		{"missing device", Command{MessageType: "PING", CommandID: "x"}, true},
		{"missing type", Command{DeviceID: "D1", CommandID: "x"}, true},
		{"missing id", Command{DeviceID: "D1", MessageType: "PING"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cmd.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestParseAck(t *testing.T) {
	data := []byte(`{"Device ID":"D1","CommandId":"abc","Status":"SUCCESS","Message":"done"}`)
	ack, err := ParseAck(data)
	require.NoError(t, err)
	assert.True(t, ack.IsAck())
	assert.True(t, ack.Succeeded())
	assert.Equal(t, "abc", ack.CommandID)
}

func TestParseAck_Invalid(t *testing.T) {
	_, err := ParseAck([]byte(`{not json`))
	assert.Error(t, err)
}

func TestAck_IsAck(t *testing.T) {
	ack, err := ParseAck([]byte(`{"Device ID":"D1","Status":"SUCCESS"}`))
	require.NoError(t, err)
	assert.False(t, ack.IsAck(), "message without CommandId is not an acknowledgment")
}

func TestAck_Succeeded(t *testing.T) {
	tests := []struct {
		status string
		want   bool
	}{
		{"SUCCESS", true},
		{"OK", true},
		{"ok", true},
		{" success ", true},
		{"FAILED", false},
		{"ERROR", false},
		{"", false},
		{"garbage", false},
	}

	for _, tt := range tests {
		t.Run("status_"+tt.status, func(t *testing.T) {
			a := &Ack{Status: tt.status}
			assert.Equal(t, tt.want, a.Succeeded())
		})
	}
}

func TestAck_FailureReason(t *testing.T) {
	assert.Equal(t, "malformed acknowledgment", (&Ack{}).FailureReason())
	assert.Equal(t, "low battery", (&Ack{Status: "FAILED", Error: "low battery"}).FailureReason())
	assert.Contains(t, (&Ack{Status: "REJECTED"}).FailureReason(), "REJECTED")

	// A missing status is malformed even when the device attached an
	// error string.
	assert.Equal(t, "malformed acknowledgment", (&Ack{Error: "low battery"}).FailureReason())
}

func TestParseTelemetry(t *testing.T) {
	data := []byte(`{"Device ID":"D7","EventCode":"0","Parameters":{"temp":21.5,"rpm":1200}}`)
	tm, err := ParseTelemetry(data)
	require.NoError(t, err)
	assert.Equal(t, "D7", tm.DeviceID)
	assert.Equal(t, "0", tm.EventCode)

	v, ok := tm.NumericValue("temp")
	assert.True(t, ok)
	assert.Equal(t, 21.5, v)
}

func TestParseTelemetry_MissingDevice(t *testing.T) {
	_, err := ParseTelemetry([]byte(`{"Parameters":{}}`))
	assert.Error(t, err)
}

func TestTelemetry_NumericValueCoercion(t *testing.T) {
	tm := &Telemetry{
		DeviceID: "D1",
		Parameters: map[string]any{
			"f":      12.5,
			"s":      "42.5",
			"badstr": "not a number",
			"b":      true,
		},
	}

	v, ok := tm.NumericValue("f")
	assert.True(t, ok)
	assert.Equal(t, 12.5, v)

	v, ok = tm.NumericValue("s")
	assert.True(t, ok)
	assert.Equal(t, 42.5, v)

	// Missing and non-numeric values coerce to zero
	v, ok = tm.NumericValue("missing")
	assert.False(t, ok)
	assert.Equal(t, 0.0, v)

	v, ok = tm.NumericValue("badstr")
	assert.False(t, ok)
	assert.Equal(t, 0.0, v)

	v, ok = tm.NumericValue("b")
	assert.False(t, ok)
	assert.Equal(t, 0.0, v)
}

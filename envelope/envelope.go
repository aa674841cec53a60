// Package envelope defines the structured documents exchanged with field
// devices over the pub/sub transport: outbound commands, inbound
// acknowledgments, and inbound telemetry reports.
//
// The wire keys ("Device ID", "Message Type", "CommandId", ...) are fixed
// by the device firmware and must not be renamed.
package envelope

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/c360/fleetlink/errors"
)

// SenderServer is the sender tag stamped on every server-originated command.
const SenderServer = "Server"

// Ack status values recognized as success. Anything else (including an
// absent status) is treated as failure.
const (
	AckStatusSuccess = "SUCCESS"
	AckStatusOK      = "OK"
)

// Command is the envelope published to a device's command subject.
type Command struct {
	DeviceID    string         `json:"Device ID"`
	MessageType string         `json:"Message Type"`
	Sender      string         `json:"sender"`
	CommandID   string         `json:"CommandId"`
	Parameters  map[string]any `json:"Parameters,omitempty"`
}

// Validate checks the required fields of an outbound command.
func (c *Command) Validate() error {
	if c.DeviceID == "" {
		return errors.WrapInvalid(errors.ErrInvalidData, "Command", "Validate", "missing device id")
	}
	if c.MessageType == "" {
		return errors.WrapInvalid(errors.ErrInvalidData, "Command", "Validate", "missing message type")
	}
	if c.CommandID == "" {
		return errors.WrapInvalid(errors.ErrInvalidData, "Command", "Validate", "missing command id")
	}
	return nil
}

// Marshal serializes the command for publishing.
func (c *Command) Marshal() ([]byte, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return nil, errors.WrapInvalid(err, "Command", "Marshal", "encode envelope")
	}
	return data, nil
}

// Ack is the envelope consumed from a device's response subject. Only
// CommandId is required for correlation; everything else is echoed back to
// callers as the device response.
type Ack struct {
	DeviceID  string          `json:"Device ID,omitempty"`
	CommandID string          `json:"CommandId,omitempty"`
	Status    string          `json:"Status,omitempty"`
	Message   string          `json:"Message,omitempty"`
	Error     string          `json:"Error,omitempty"`
	Response  json.RawMessage `json:"Response,omitempty"`
}

// IsAck reports whether the envelope carries a correlation id. Messages
// without one are device-initiated and not acknowledgments.
func (a *Ack) IsAck() bool {
	return a.CommandID != ""
}

// Succeeded reports whether the device accepted the command. An absent or
// unrecognized status reads as failure.
func (a *Ack) Succeeded() bool {
	switch strings.ToUpper(strings.TrimSpace(a.Status)) {
	case AckStatusSuccess, AckStatusOK:
		return true
	default:
		return false
	}
}

// FailureReason describes why a non-successful ack failed, for logging and
// for the acknowledged event surfaced to callers.
// An absent status means the acknowledgment itself is malformed, and
// that takes precedence over any error text the device attached.
func (a *Ack) FailureReason() string {
	if a.Status == "" {
		return "malformed acknowledgment"
	}
	if a.Error != "" {
		return a.Error
	}
	return fmt.Sprintf("device reported status %q", a.Status)
}

// ParseAck decodes an inbound response-channel document. A decode failure
// is an invalid-data error; the caller logs and drops the message.
func ParseAck(data []byte) (*Ack, error) {
	var a Ack
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, errors.WrapInvalid(err, "Ack", "ParseAck", "decode envelope")
	}
	return &a, nil
}

// Telemetry is a periodic device report: a snapshot of named readings plus
// an event code describing the device's own assessment.
type Telemetry struct {
	DeviceID    string         `json:"Device ID"`
	MessageType string         `json:"Message Type,omitempty"`
	EventCode   string         `json:"EventCode,omitempty"`
	Parameters  map[string]any `json:"Parameters,omitempty"`
}

// ParseTelemetry decodes an inbound telemetry document.
func ParseTelemetry(data []byte) (*Telemetry, error) {
	var tm Telemetry
	if err := json.Unmarshal(data, &tm); err != nil {
		return nil, errors.WrapInvalid(err, "Telemetry", "ParseTelemetry", "decode envelope")
	}
	if tm.DeviceID == "" {
		return nil, errors.WrapInvalid(errors.ErrInvalidData, "Telemetry", "ParseTelemetry", "missing device id")
	}
	return &tm, nil
}

// NumericValue extracts a reading as float64. Missing or non-numeric
// values coerce to 0, matching the historical evaluator behavior; the
// second return reports whether a real numeric value was present.
func (t *Telemetry) NumericValue(name string) (float64, bool) {
	v, ok := t.Parameters[name]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return 0, false
		}
		return f, true
	case string:
		var f float64
		if _, err := fmt.Sscanf(strings.TrimSpace(n), "%g", &f); err == nil {
			return f, true
		}
		return 0, false
	default:
		return 0, false
	}
}

// Package event defines the typed domain events emitted by the FleetLink
// cores and the bus collaborators subscribe to. The bus makes the
// publish/subscribe contract between the cores and the notification/UI
// layers explicit and testable in isolation.
package event

import (
	"encoding/json"
	"time"
)

// Kind identifies the event type on the wire and in subscriptions.
type Kind string

// Event kinds emitted by the cores.
const (
	KindCommandSent         Kind = "commandSent"
	KindCommandAcknowledged Kind = "commandAcknowledged"
	KindCommandTimeout      Kind = "commandTimeout"
	KindDeviceStatusChanged Kind = "deviceStatusChanged"
	KindAlarmTriggered      Kind = "alarmTriggered"
)

// Event is implemented by every domain event.
type Event interface {
	Kind() Kind
}

// CommandSent is emitted after a command envelope has been published.
type CommandSent struct {
	CommandID   string    `json:"commandId"`
	DeviceID    string    `json:"deviceId"`
	CommandType string    `json:"commandType"`
	SentAt      time.Time `json:"sentAt"`
}

// Kind implements Event.
func (CommandSent) Kind() Kind { return KindCommandSent }

// CommandAcknowledged is emitted when a pending command is finalized by a
// device acknowledgment, successful or not.
type CommandAcknowledged struct {
	CommandID      string          `json:"commandId"`
	DeviceID       string          `json:"deviceId"`
	Status         string          `json:"status"` // SUCCESS or FAILED
	ResponseTimeMs int64           `json:"responseTimeMs"`
	DeviceResponse json.RawMessage `json:"deviceResponse,omitempty"`
	Reason         string          `json:"reason,omitempty"`
	AcknowledgedAt time.Time       `json:"acknowledgedAt"`
}

// Kind implements Event.
func (CommandAcknowledged) Kind() Kind { return KindCommandAcknowledged }

// CommandTimeout is emitted when a command's deadline expires with no
// acknowledgment.
type CommandTimeout struct {
	CommandID string    `json:"commandId"`
	DeviceID  string    `json:"deviceId"`
	Message   string    `json:"message"`
	At        time.Time `json:"at"`
}

// Kind implements Event.
func (CommandTimeout) Kind() Kind { return KindCommandTimeout }

// DeviceStatusChanged is emitted when a device's liveness state changes,
// either by message arrival or by the periodic sweep.
type DeviceStatusChanged struct {
	DeviceID   string    `json:"deviceId"`
	OldState   string    `json:"oldState"`
	NewState   string    `json:"newState"`
	LastSeenAt time.Time `json:"lastSeenAt"`
}

// Kind implements Event.
func (DeviceStatusChanged) Kind() Kind { return KindDeviceStatusChanged }

// AlarmTriggered is emitted when a threshold rule or abnormal event code
// fires outside the cooldown window.
type AlarmTriggered struct {
	RuleOwnerID string             `json:"ruleOwnerId"`
	DeviceID    string             `json:"deviceId"`
	Reason      string             `json:"reason"`
	Snapshot    map[string]float64 `json:"snapshot,omitempty"`
	TriggeredAt time.Time          `json:"triggeredAt"`
}

// Kind implements Event.
func (AlarmTriggered) Kind() Kind { return KindAlarmTriggered }

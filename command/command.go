// Package command implements the command/acknowledgment protocol core: the
// registry of in-flight commands, the dispatcher that publishes command
// envelopes and arms timeouts, and the matcher that finalizes commands from
// inbound acknowledgments.
//
// The central invariant: a command leaves PENDING exactly once. Whichever
// of the acknowledgment path and the timeout path observes PENDING first
// performs the transition; the loser observes a terminal status and does
// nothing.
package command

import (
	"time"
)

// Status is the lifecycle state of a command. Terminal once non-PENDING.
type Status string

// Command statuses
const (
	StatusPending Status = "PENDING"
	StatusSuccess Status = "SUCCESS"
	StatusFailed  Status = "FAILED"
	StatusTimeout Status = "TIMEOUT"
)

// Terminal reports whether the status permits no further transition.
func (s Status) Terminal() bool {
	return s != StatusPending
}

// Command is one outstanding or completed request to a device.
type Command struct {
	ID             string         `json:"id"`
	DeviceID       string         `json:"deviceId"`
	Type           string         `json:"commandType"`
	Parameters     map[string]any `json:"parameters,omitempty"`
	Status         Status         `json:"status"`
	Reason         string         `json:"reason,omitempty"` // failure detail for FAILED/TIMEOUT
	SentAt         time.Time      `json:"sentAt"`
	AcknowledgedAt time.Time      `json:"acknowledgedAt"` // zero while pending
	ResponseTime   time.Duration  `json:"responseTime"`
	Timeout        time.Duration  `json:"timeout"`
}

// Package fleetlink coordinates a fleet of remote devices over NATS.
//
// It solves three problems that asynchronous, unordered pub/sub transport
// does not solve on its own:
//
//   - Command correlation: outbound commands carry a correlation id, and
//     the acknowledgment matcher pairs late, unordered, or duplicate
//     responses with the pending command record. Every command reaches
//     exactly one terminal state (SUCCESS, FAILED, or TIMEOUT) no matter
//     how the acknowledgment and the timeout timer race.
//
//   - Liveness inference: devices never announce that they are gone.
//     The liveness monitor derives online, warning, and offline states
//     from the arrival times of inbound messages and a periodic sweep.
//
//   - Threshold evaluation: telemetry snapshots are checked against
//     per-device rules with optional upper and lower bounds, with a
//     cooldown window suppressing duplicate alarms for the same owner.
//
// The cmd/fleetlink binary wires these cores together behind a single
// coordinator with a worker pool for inbound traffic, a typed event bus
// for collaborators, Prometheus metrics, and an event forwarder that
// republishes domain events to NATS subjects and a JetStream audit
// stream.
package fleetlink

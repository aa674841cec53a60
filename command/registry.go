package command

import (
	"sync"
	"time"

	"github.com/c360/fleetlink/errors"
	"github.com/c360/fleetlink/pkg/buffer"
)

// DefaultHistorySize is the default capacity of the completed-command ring.
const DefaultHistorySize = 100

// FinalizeOutcome describes the result of an attempted terminal transition.
type FinalizeOutcome int

const (
	// FinalizeWon means this caller performed the PENDING → terminal
	// transition.
	FinalizeWon FinalizeOutcome = iota
	// FinalizeAlreadyTerminal means another path finalized the command
	// first; the attempt was a no-op.
	FinalizeAlreadyTerminal
	// FinalizeNotFound means no active command has this id.
	FinalizeNotFound
)

// entry pairs a command with the mutex that serializes its terminal
// transition and the timer armed by the dispatcher.
type entry struct {
	mu    sync.Mutex
	cmd   Command
	timer *time.Timer
}

// Registry holds the authoritative state of all in-flight commands keyed
// by correlation id, plus a bounded history of completed ones. It is an
// explicit dependency injected into the dispatcher and matcher, never
// package-global state.
type Registry struct {
	mu      sync.RWMutex
	active  map[string]*entry
	history *buffer.Ring[Command]
}

// NewRegistry creates a registry whose history ring holds historySize
// completed commands (DefaultHistorySize when non-positive).
func NewRegistry(historySize int) *Registry {
	if historySize <= 0 {
		historySize = DefaultHistorySize
	}
	return &Registry{
		active:  make(map[string]*entry),
		history: buffer.NewRing[Command](historySize),
	}
}

// Insert registers a new PENDING command. The dispatcher calls this before
// publishing so an immediate response cannot race ahead of bookkeeping.
func (r *Registry) Insert(cmd Command) error {
	if cmd.ID == "" {
		return errors.WrapInvalid(errors.ErrInvalidData, "Registry", "Insert", "missing command id")
	}
	if cmd.Status != StatusPending {
		return errors.WrapInvalid(errors.ErrInvalidData, "Registry", "Insert", "command must be inserted as PENDING")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.active[cmd.ID]; exists {
		return errors.WrapInvalid(errors.ErrDuplicateCommand, "Registry", "Insert", "register command "+cmd.ID)
	}
	r.active[cmd.ID] = &entry{cmd: cmd}
	return nil
}

// ArmTimer attaches the timeout timer to an active command so a later
// acknowledgment can cancel it. If the command has already been finalized
// (an ack can land between publish and arming), the timer is stopped and
// false is returned.
func (r *Registry) ArmTimer(id string, timer *time.Timer) bool {
	r.mu.RLock()
	e := r.active[id]
	r.mu.RUnlock()

	if e == nil {
		timer.Stop()
		return false
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cmd.Status.Terminal() {
		timer.Stop()
		return false
	}
	e.timer = timer
	return true
}

// Finalize attempts the atomic PENDING → status transition for id. Exactly
// one caller wins across all interleavings of acknowledgment arrival and
// timer firing; every other caller gets FinalizeAlreadyTerminal or
// FinalizeNotFound and must treat it as a no-op.
//
// On a won transition the timer is cancelled, response time is derived
// from SentAt, and the command moves from the active table to history.
func (r *Registry) Finalize(id string, status Status, reason string, now time.Time) (Command, FinalizeOutcome) {
	if !status.Terminal() {
		return Command{}, FinalizeNotFound
	}

	r.mu.RLock()
	e := r.active[id]
	r.mu.RUnlock()

	if e == nil {
		return Command{}, FinalizeNotFound
	}

	e.mu.Lock()
	if e.cmd.Status.Terminal() {
		cmd := e.cmd
		e.mu.Unlock()
		return cmd, FinalizeAlreadyTerminal
	}

	e.cmd.Status = status
	e.cmd.Reason = reason
	e.cmd.AcknowledgedAt = now
	e.cmd.ResponseTime = now.Sub(e.cmd.SentAt)
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	cmd := e.cmd
	e.mu.Unlock()

	r.mu.Lock()
	delete(r.active, id)
	r.mu.Unlock()
	r.history.Append(cmd)

	return cmd, FinalizeWon
}

// Get returns the command for id, searching the active table first and the
// history ring second.
func (r *Registry) Get(id string) (Command, bool) {
	r.mu.RLock()
	e := r.active[id]
	r.mu.RUnlock()

	if e != nil {
		e.mu.Lock()
		cmd := e.cmd
		e.mu.Unlock()
		return cmd, true
	}

	for _, cmd := range r.history.Items() {
		if cmd.ID == id {
			return cmd, true
		}
	}
	return Command{}, false
}

// InHistory reports whether a completed command with this id is retained
// in the history ring. Used to tell a late duplicate acknowledgment apart
// from one that was never issued by this process.
func (r *Registry) InHistory(id string) bool {
	for _, cmd := range r.history.Items() {
		if cmd.ID == id {
			return true
		}
	}
	return false
}

// Active returns a snapshot of all in-flight commands.
func (r *Registry) Active() []Command {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.active))
	for _, e := range r.active {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	out := make([]Command, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.cmd)
		e.mu.Unlock()
	}
	return out
}

// ActiveCount returns the number of in-flight commands.
func (r *Registry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.active)
}

// History returns the completed commands ordered oldest to newest.
func (r *Registry) History() []Command {
	return r.history.Items()
}

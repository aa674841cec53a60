// Package alert decides whether a telemetry snapshot violates a device's
// configured threshold rules. Trigger decisions are de-duplicated per rule
// owner with a cooldown window so a persistently breached threshold does
// not flood downstream notification channels.
package alert

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/c360/fleetlink/envelope"
	"github.com/c360/fleetlink/errors"
	"github.com/c360/fleetlink/event"
	"github.com/c360/fleetlink/metric"
	"github.com/c360/fleetlink/pkg/buffer"
)

// Cooldown and history defaults.
const (
	DefaultCooldown    = 5 * time.Minute
	DefaultHistorySize = 100
)

// Rule bounds one numeric telemetry parameter. A nil bound is disabled;
// a zero-valued bound is a legitimate limit, so bounds are pointers
// rather than zero-means-off floats.
type Rule struct {
	Parameter string   `json:"parameter"`
	Upper     *float64 `json:"upper,omitempty"`
	Lower     *float64 `json:"lower,omitempty"`
}

// Validate rejects rules that can never fire.
func (r Rule) Validate() error {
	if r.Parameter == "" {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Rule", "Validate", "parameter name is required")
	}
	if r.Upper == nil && r.Lower == nil {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Rule", "Validate",
			fmt.Sprintf("rule for %q has no bounds", r.Parameter))
	}
	return nil
}

// Decision is the outcome of one evaluation pass.
type Decision struct {
	Triggered   bool               `json:"triggered"`
	Suppressed  bool               `json:"suppressed"`
	Reason      string             `json:"reason,omitempty"`
	Snapshot    map[string]float64 `json:"snapshot,omitempty"`
	TriggeredAt time.Time          `json:"triggeredAt,omitzero"`
}

// TriggerRecord is a completed, non-suppressed trigger kept for
// diagnostics and status queries.
type TriggerRecord struct {
	RuleOwnerID string             `json:"ruleOwnerId"`
	DeviceID    string             `json:"deviceId"`
	Reason      string             `json:"reason"`
	Snapshot    map[string]float64 `json:"snapshot,omitempty"`
	TriggeredAt time.Time          `json:"triggeredAt"`
}

// cooldownEntry serializes the check-and-record step for one rule owner.
type cooldownEntry struct {
	mu       sync.Mutex
	lastFire time.Time
}

// Evaluator holds per-device threshold rules and the per-owner cooldown
// table. Rule evaluation itself is side-effect-free; only the cooldown
// bookkeeping and trigger history mutate state.
type Evaluator struct {
	cooldown time.Duration
	nominal  map[string]struct{}
	bus      *event.Bus
	logger   *slog.Logger
	metrics  *evaluatorMetrics
	now      func() time.Time

	rulesMu sync.RWMutex
	rules   map[string][]Rule

	ownersMu sync.RWMutex
	owners   map[string]*cooldownEntry

	historyMu sync.Mutex
	history   *buffer.Ring[TriggerRecord]
}

// EvaluatorOption configures an Evaluator
type EvaluatorOption func(*Evaluator)

// WithLogger sets the structured logger
func WithLogger(logger *slog.Logger) EvaluatorOption {
	return func(e *Evaluator) { e.logger = logger }
}

// WithMetrics registers evaluator metrics with the registry
func WithMetrics(registry *metric.Registry) EvaluatorOption {
	return func(e *Evaluator) { e.metrics = newEvaluatorMetrics(registry) }
}

// WithClock injects a clock for deterministic tests
func WithClock(now func() time.Time) EvaluatorOption {
	return func(e *Evaluator) { e.now = now }
}

// WithCooldown overrides the duplicate-suppression window
func WithCooldown(d time.Duration) EvaluatorOption {
	return func(e *Evaluator) {
		if d > 0 {
			e.cooldown = d
		}
	}
}

// WithNominalEventCodes replaces the set of event codes treated as normal
func WithNominalEventCodes(codes ...string) EvaluatorOption {
	return func(e *Evaluator) {
		e.nominal = make(map[string]struct{}, len(codes))
		for _, c := range codes {
			e.nominal[c] = struct{}{}
		}
	}
}

// NewEvaluator creates a threshold evaluator.
func NewEvaluator(bus *event.Bus, opts ...EvaluatorOption) *Evaluator {
	e := &Evaluator{
		cooldown: DefaultCooldown,
		nominal:  map[string]struct{}{"": {}, "0": {}, "NORMAL": {}},
		bus:      bus,
		logger:   slog.Default(),
		now:      time.Now,
		rules:    make(map[string][]Rule),
		owners:   make(map[string]*cooldownEntry),
		history:  buffer.NewRing[TriggerRecord](DefaultHistorySize),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// SetRules replaces the rule list for deviceID. Slice order is the
// evaluation order; the first firing rule supplies the trigger reason.
func (e *Evaluator) SetRules(deviceID string, rules []Rule) {
	e.rulesMu.Lock()
	defer e.rulesMu.Unlock()
	if len(rules) == 0 {
		delete(e.rules, deviceID)
		return
	}
	cp := make([]Rule, len(rules))
	copy(cp, rules)
	e.rules[deviceID] = cp
}

// Rules returns the configured rule list for deviceID.
func (e *Evaluator) Rules(deviceID string) []Rule {
	e.rulesMu.RLock()
	defer e.rulesMu.RUnlock()
	rules := e.rules[deviceID]
	if len(rules) == 0 {
		return nil
	}
	cp := make([]Rule, len(rules))
	copy(cp, rules)
	return cp
}

// Evaluate inspects one telemetry snapshot against the device's rules.
// An abnormal event code triggers unconditionally; otherwise rules run
// in configured order and the first breach wins. A computed trigger
// still inside ruleOwnerID's cooldown window is suppressed and records
// nothing.
func (e *Evaluator) Evaluate(ruleOwnerID string, tm *envelope.Telemetry) Decision {
	if tm == nil {
		return Decision{}
	}
	if e.metrics != nil {
		e.metrics.evaluations.Inc()
	}

	reason, ok := e.eventCodeReason(tm.EventCode)
	if !ok {
		reason, ok = e.firstBreach(tm)
	}
	if !ok {
		return Decision{}
	}

	snapshot := e.snapshotValues(tm)
	now := e.now()

	entry := e.ownerEntry(ruleOwnerID)
	entry.mu.Lock()
	if !entry.lastFire.IsZero() && now.Sub(entry.lastFire) < e.cooldown {
		entry.mu.Unlock()
		e.logger.Debug("trigger suppressed by cooldown",
			"rule_owner_id", ruleOwnerID, "device_id", tm.DeviceID, "reason", reason)
		if e.metrics != nil {
			e.metrics.suppressed.Inc()
		}
		return Decision{Suppressed: true, Reason: reason}
	}
	entry.lastFire = now
	entry.mu.Unlock()

	rec := TriggerRecord{
		RuleOwnerID: ruleOwnerID,
		DeviceID:    tm.DeviceID,
		Reason:      reason,
		Snapshot:    snapshot,
		TriggeredAt: now,
	}
	e.historyMu.Lock()
	e.history.Append(rec)
	e.historyMu.Unlock()

	e.logger.Info("alarm triggered",
		"rule_owner_id", ruleOwnerID, "device_id", tm.DeviceID, "reason", reason)
	if e.metrics != nil {
		e.metrics.triggered.Inc()
	}
	e.bus.Publish(event.AlarmTriggered{
		RuleOwnerID: ruleOwnerID,
		DeviceID:    tm.DeviceID,
		Reason:      reason,
		Snapshot:    snapshot,
		TriggeredAt: now,
	})

	return Decision{Triggered: true, Reason: reason, Snapshot: snapshot, TriggeredAt: now}
}

// History returns recent non-suppressed triggers, oldest first.
func (e *Evaluator) History() []TriggerRecord {
	e.historyMu.Lock()
	defer e.historyMu.Unlock()
	return e.history.Items()
}

func (e *Evaluator) eventCodeReason(code string) (string, bool) {
	if _, nominal := e.nominal[code]; nominal {
		return "", false
	}
	return fmt.Sprintf("abnormal event code %q", code), true
}

// firstBreach walks the device's rules in order. A broken rule is
// logged and skipped; it never aborts the remaining checks.
func (e *Evaluator) firstBreach(tm *envelope.Telemetry) (string, bool) {
	for _, rule := range e.Rules(tm.DeviceID) {
		if err := rule.Validate(); err != nil {
			e.logger.Warn("skipping unusable threshold rule",
				"device_id", tm.DeviceID, "parameter", rule.Parameter, "error", err)
			if e.metrics != nil {
				e.metrics.ruleFailures.Inc()
			}
			continue
		}
		value, ok := tm.NumericValue(rule.Parameter)
		if !ok {
			e.logger.Debug("telemetry value missing or non-numeric, treating as zero",
				"device_id", tm.DeviceID, "parameter", rule.Parameter)
		}
		if rule.Upper != nil && value > *rule.Upper {
			return fmt.Sprintf("%s %g above limit %g", rule.Parameter, value, *rule.Upper), true
		}
		if rule.Lower != nil && value < *rule.Lower {
			return fmt.Sprintf("%s %g below limit %g", rule.Parameter, value, *rule.Lower), true
		}
	}
	return "", false
}

// snapshotValues captures the coerced value of every ruled parameter so
// the trigger event carries the readings that were judged.
func (e *Evaluator) snapshotValues(tm *envelope.Telemetry) map[string]float64 {
	rules := e.Rules(tm.DeviceID)
	if len(rules) == 0 {
		return nil
	}
	out := make(map[string]float64, len(rules))
	for _, rule := range rules {
		if rule.Parameter == "" {
			continue
		}
		value, _ := tm.NumericValue(rule.Parameter)
		out[rule.Parameter] = value
	}
	return out
}

func (e *Evaluator) ownerEntry(ruleOwnerID string) *cooldownEntry {
	e.ownersMu.RLock()
	entry := e.owners[ruleOwnerID]
	e.ownersMu.RUnlock()
	if entry != nil {
		return entry
	}

	e.ownersMu.Lock()
	defer e.ownersMu.Unlock()
	if entry = e.owners[ruleOwnerID]; entry != nil {
		return entry
	}
	entry = &cooldownEntry{}
	e.owners[ruleOwnerID] = entry
	return entry
}

// Bound is a convenience for building rules with literal limits.
func Bound(v float64) *float64 { return &v }

package security

import (
	"sync"
	"time"
)

// IntrusionConfig bounds the sliding violation window.
type IntrusionConfig struct {
	Window    time.Duration
	MaxEvents int
	Cooldown  time.Duration
}

// IntrusionDetector keeps a per-plugin-id sliding window of violation
// timestamps and quarantines an id once the window fills. State is
// keyed by plugin id, not by plugin record: unloading a plugin does
// not clear its counters, only ClearState does (an explicit operator
// action), so a rogue plugin cannot reset its record by unloading
// itself.
type IntrusionDetector struct {
	cfg IntrusionConfig

	mu               sync.Mutex
	events           map[string][]time.Time
	quarantinedUntil map[string]time.Time
}

// NewIntrusionDetector creates a detector with the given policy.
func NewIntrusionDetector(cfg IntrusionConfig) *IntrusionDetector {
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if cfg.MaxEvents <= 0 {
		cfg.MaxEvents = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 5 * time.Minute
	}
	return &IntrusionDetector{
		cfg:              cfg,
		events:           make(map[string][]time.Time),
		quarantinedUntil: make(map[string]time.Time),
	}
}

// RecordViolation counts one violation for pluginID and reports
// whether the plugin crossed the threshold on this event (true exactly
// once per quarantine, so the caller appends exactly one intrusion
// audit entry).
func (d *IntrusionDetector) RecordViolation(pluginID string) bool {
	now := time.Now()

	d.mu.Lock()
	defer d.mu.Unlock()

	if until, ok := d.quarantinedUntil[pluginID]; ok && now.Before(until) {
		return false
	}

	window := d.events[pluginID]
	cutoff := now.Add(-d.cfg.Window)
	kept := window[:0]
	for _, t := range window {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	kept = append(kept, now)
	d.events[pluginID] = kept

	if len(kept) >= d.cfg.MaxEvents {
		d.quarantinedUntil[pluginID] = now.Add(d.cfg.Cooldown)
		d.events[pluginID] = nil
		return true
	}
	return false
}

// IsQuarantined reports whether pluginID is currently under
// quarantine.
func (d *IntrusionDetector) IsQuarantined(pluginID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	until, ok := d.quarantinedUntil[pluginID]
	if !ok {
		return false
	}
	if time.Now().After(until) {
		delete(d.quarantinedUntil, pluginID)
		return false
	}
	return true
}

// QuarantinedUntil returns the quarantine expiry for pluginID, zero if
// not quarantined.
func (d *IntrusionDetector) QuarantinedUntil(pluginID string) time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.quarantinedUntil[pluginID]
}

// ViolationCount returns how many violations are inside pluginID's
// current window.
func (d *IntrusionDetector) ViolationCount(pluginID string) int {
	now := time.Now()
	cutoff := now.Add(-d.cfg.Window)

	d.mu.Lock()
	defer d.mu.Unlock()

	n := 0
	for _, t := range d.events[pluginID] {
		if t.After(cutoff) {
			n++
		}
	}
	return n
}

// ClearState erases pluginID's counters and quarantine. Explicit
// operator action only; never called from the unload path.
func (d *IntrusionDetector) ClearState(pluginID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.events, pluginID)
	delete(d.quarantinedUntil, pluginID)
}

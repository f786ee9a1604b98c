package secplugin

import (
	"sync"
	"time"
)

// Status is one state in the plugin lifecycle state machine.
type Status string

const (
	StatusUnloaded Status = "unloaded"
	StatusLoading  Status = "loading"
	StatusLoaded   Status = "loaded"
	StatusActive   Status = "active"
	StatusDisabled Status = "disabled"
	StatusError    Status = "error"
)

// validTransitions enumerates every edge the state machine allows;
// any transition not listed here is rejected by Entity.Transition.
var validTransitions = map[Status]map[Status]bool{
	StatusUnloaded: {StatusLoading: true},
	StatusLoading:  {StatusLoaded: true, StatusError: true, StatusDisabled: true},
	StatusLoaded:   {StatusActive: true, StatusUnloaded: true},
	StatusActive:   {StatusDisabled: true, StatusUnloaded: true},
	StatusDisabled: {StatusActive: true, StatusUnloaded: true},
	StatusError:    {StatusUnloaded: true},
}

// Stats accumulates per-plugin execution counters.
type Stats struct {
	Executions        int64
	Failures          int64
	TotalExecutionMs  int64
	LastError         string
}

// ResourceUsage tracks the high-water marks observed for a plugin.
type ResourceUsage struct {
	PeakMemoryBytes  int64
	CumulativeCPUMs  int64
}

// Entity is the mutable plugin record owned exclusively by the
// Manager. Status, stats, resource usage and the kv map change only
// through its methods, which hold the internal mutexes; each accessor
// returns a consistent copy of its own part, not a joint snapshot.
// SourceHash and Signature are plain fields set by the loader.
type Entity struct {
	mu sync.RWMutex

	Manifest      *Manifest
	status        Status
	SourceHash    string
	Signature     string
	stats         Stats
	resourceUsage ResourceUsage
	errorReason   string
	loadedAt      time.Time

	// kv is the per-plugin storage-facade backing map, mirrored to
	// disk by internal/sandbox/facades.StorageFacade.
	kv   map[string][]byte
	kvMu sync.RWMutex
}

// NewEntity creates a freshly unloaded plugin record for manifest m.
func NewEntity(m *Manifest) *Entity {
	return &Entity{
		Manifest: m,
		status:   StatusUnloaded,
		kv:       make(map[string][]byte),
	}
}

// Status returns the current lifecycle state.
func (e *Entity) Status() Status {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.status
}

// ErrorReason returns the last reason this entity entered StatusError,
// empty if it never has.
func (e *Entity) ErrorReason() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.errorReason
}

// Transition moves the entity to next, returning an error if the edge
// is not one of the enumerated transitions in the lifecycle state
// machine. reason is recorded only for transitions into StatusError.
func (e *Entity) Transition(next Status, reason string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	allowed := validTransitions[e.status]
	if !allowed[next] {
		return NewRuntimeError(KindNotReady, e.Manifest.ID,
			"illegal transition "+string(e.status)+"->"+string(next), nil)
	}

	e.status = next
	if next == StatusError {
		e.errorReason = reason
	} else {
		e.errorReason = ""
	}
	if next == StatusLoaded {
		e.loadedAt = time.Now()
	}
	return nil
}

// RecordExecution updates statistics after one execute() call.
func (e *Entity) RecordExecution(durationMs int64, failErr error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.stats.Executions++
	e.stats.TotalExecutionMs += durationMs
	if failErr != nil {
		e.stats.Failures++
		e.stats.LastError = failErr.Error()
	}
}

// Stats returns a copy of the accumulated statistics.
func (e *Entity) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.stats
}

// ObserveResourceUsage updates the high-water marks, never letting
// them decrease, per the invariant that peak_memory_bytes is the
// running maximum observed.
func (e *Entity) ObserveResourceUsage(memBytes, cpuMs int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if memBytes > e.resourceUsage.PeakMemoryBytes {
		e.resourceUsage.PeakMemoryBytes = memBytes
	}
	e.resourceUsage.CumulativeCPUMs += cpuMs
}

// ResourceUsage returns a copy of the current resource usage high-water marks.
func (e *Entity) ResourceUsage() ResourceUsage {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.resourceUsage
}

// KVGet/KVSet/KVDelete/KVList implement the in-memory mirror behind
// the Storage capability facade; the facade itself is responsible for
// the atomic on-disk write-temp-then-rename persistence.

func (e *Entity) KVGet(key string) ([]byte, bool) {
	e.kvMu.RLock()
	defer e.kvMu.RUnlock()
	v, ok := e.kv[key]
	return v, ok
}

func (e *Entity) KVSet(key string, value []byte) {
	e.kvMu.Lock()
	defer e.kvMu.Unlock()
	e.kv[key] = value
}

func (e *Entity) KVDelete(key string) {
	e.kvMu.Lock()
	defer e.kvMu.Unlock()
	delete(e.kv, key)
}

func (e *Entity) KVList() []string {
	e.kvMu.RLock()
	defer e.kvMu.RUnlock()
	keys := make([]string, 0, len(e.kv))
	for k := range e.kv {
		keys = append(keys, k)
	}
	return keys
}

// Package sandbox implements the isolated evaluation context bound to
// exactly one plugin record. A Sandbox owns its capability bindings,
// serializes calls through its own mutex, and meters wall-clock, CPU,
// and memory usage against the plugin's resource limits.
package sandbox

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dotcommander/secplugd/internal/sandbox/facades"
	"github.com/dotcommander/secplugd/pkg/secplugin"
)

// ViolationObserver is notified whenever a facade call trips a
// permission or capability check, so the security layer can append an
// audit entry and count an intrusion event.
type ViolationObserver func(pluginID string, kind secplugin.Kind, detail string)

// Sandbox evaluates one plugin's code. At most one call executes per
// Sandbox at a time: Execute, Configure, and the implicit Init call
// all acquire the same mutex.
type Sandbox struct {
	pluginID string
	limits   secplugin.ResourceLimits
	plugin   secplugin.Plugin
	caps     *secplugin.Capabilities
	bus      *facades.Bus

	mu   sync.Mutex
	warm bool

	// quarantined is atomic, not guarded by mu: the quarantine trigger
	// fires from a violation observer while a call already holds mu.
	quarantined atomic.Bool

	onViolation ViolationObserver
	onUsage     func(peakMemoryBytes, cpuMs int64)
}

// Options configures a new Sandbox.
type Options struct {
	PluginID    string
	Limits      secplugin.ResourceLimits
	Plugin      secplugin.Plugin
	Granted     map[secplugin.Permission]bool
	FS          secplugin.FilesystemFacade
	Network     secplugin.NetworkFacade
	Storage     secplugin.StorageFacade
	Events      secplugin.EventsFacade
	Log         secplugin.LogFacade
	Bus         *facades.Bus
	OnViolation ViolationObserver
}

// New builds a Sandbox, binding only the facades whose permission was
// granted. An unbound facade is replaced with a denial stub that
// raises permission_denied and reports a violation on first use,
// rather than leaving the field nil.
func New(opts Options) *Sandbox {
	sb := &Sandbox{
		pluginID:    opts.PluginID,
		limits:      opts.Limits,
		plugin:      opts.Plugin,
		bus:         opts.Bus,
		onViolation: opts.OnViolation,
	}

	caps := &secplugin.Capabilities{
		Crypto: facades.NewCryptoFacade(opts.PluginID),
		Time:   facades.NewTimeFacade(opts.PluginID),
		Log:    opts.Log,
	}
	if caps.Log == nil {
		caps.Log = facades.NewLogFacade(opts.PluginID, nil, nil)
	}

	if opts.Granted[secplugin.PermissionFS] && opts.FS != nil {
		caps.FS = opts.FS
	} else {
		caps.FS = &deniedFS{sb: sb}
	}
	if opts.Granted[secplugin.PermissionNetwork] && opts.Network != nil {
		caps.Network = opts.Network
	} else {
		caps.Network = &deniedNetwork{sb: sb}
	}
	if opts.Granted[secplugin.PermissionStorage] && opts.Storage != nil {
		caps.Storage = opts.Storage
	} else {
		caps.Storage = &deniedStorage{sb: sb}
	}
	if opts.Granted[secplugin.PermissionEvents] && opts.Events != nil {
		caps.Events = opts.Events
	} else {
		caps.Events = &deniedEvents{sb: sb}
	}

	sb.caps = caps
	return sb
}

func (sb *Sandbox) reportViolation(kind secplugin.Kind, detail string) {
	if sb.onViolation != nil {
		sb.onViolation(sb.pluginID, kind, detail)
	}
}

// Quarantine marks the sandbox as not-ready; every subsequent call
// fails fast with not_ready until Resume is called (by activation, or
// by the Loader once a dependency's reload completes).
func (sb *Sandbox) Quarantine() {
	sb.quarantined.Store(true)
}

// Resume clears quarantine after re-verification.
func (sb *Sandbox) Resume() {
	sb.quarantined.Store(false)
}

// meteredCall runs fn under wall-clock and (approximate) memory/CPU
// metering, tearing fn's result down if a limit is exceeded. Go gives
// no way to force-preempt a running goroutine; once a limit trips,
// meteredCall returns the resource error to the caller and the
// abandoned goroutine is left to exit on its own cooperative check of
// ctx.Err().
func (sb *Sandbox) meteredCall(parent context.Context, fn func(ctx context.Context) (any, error)) (any, error) {
	ctx, cancel := context.WithTimeout(parent, time.Duration(sb.limits.WallTimeoutMs)*time.Millisecond)
	defer cancel()

	start := time.Now()
	var memStart runtime.MemStats
	runtime.ReadMemStats(&memStart)

	type callResult struct {
		value any
		err   error
	}
	done := make(chan callResult, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- callResult{err: secplugin.NewRuntimeError(secplugin.KindPluginError, sb.pluginID, fmt.Sprintf("panic: %v", r), nil)}
			}
		}()
		value, err := fn(ctx)
		done <- callResult{value: value, err: err}
	}()

	quantum := time.NewTicker(2 * time.Millisecond)
	defer quantum.Stop()

	// tripped records which metered ceiling cancelled ctx, so the caller
	// gets that resource error rather than a bare cancellation.
	var tripped secplugin.Kind

	for {
		select {
		case res := <-done:
			elapsedMs := time.Since(start).Milliseconds()
			sb.recordUsage(elapsedMs, &memStart)
			return res.value, res.err
		case <-ctx.Done():
			elapsedMs := time.Since(start).Milliseconds()
			if tripped != "" {
				return nil, secplugin.NewRuntimeError(tripped, sb.pluginID,
					fmt.Sprintf("%s after %dms", tripped, elapsedMs), ctx.Err())
			}
			if elapsedMs >= sb.limits.WallTimeoutMs {
				return nil, secplugin.NewRuntimeError(secplugin.KindTimeout, sb.pluginID,
					fmt.Sprintf("wall-clock timeout after %dms", elapsedMs), ctx.Err())
			}
			return nil, secplugin.NewRuntimeError(secplugin.KindCancelled, sb.pluginID, "call cancelled", ctx.Err())
		case <-quantum.C:
			elapsedMs := time.Since(start).Milliseconds()
			if elapsedMs > sb.limits.CPUTimeMs {
				tripped = secplugin.KindCPUExceeded
				cancel()
				continue
			}
			var mem runtime.MemStats
			runtime.ReadMemStats(&mem)
			if int64(mem.HeapAlloc) > sb.limits.MemoryBytes {
				tripped = secplugin.KindMemoryExceeded
				cancel()
				continue
			}
		}
	}
}

func (sb *Sandbox) recordUsage(elapsedMs int64, memStart *runtime.MemStats) {
	var memEnd runtime.MemStats
	runtime.ReadMemStats(&memEnd)
	peak := int64(memEnd.HeapAlloc)
	if int64(memStart.HeapAlloc) > peak {
		peak = int64(memStart.HeapAlloc)
	}
	sb.usageSink(peak, elapsedMs)
}

// usageSink is overridden via SetUsageSink by the Loader; a
// no-op default keeps the Sandbox independently testable.
func (sb *Sandbox) usageSink(peakMemoryBytes, cpuMs int64) {
	if sb.onUsage != nil {
		sb.onUsage(peakMemoryBytes, cpuMs)
	}
}

// Init calls the plugin's optional Init entrypoint under metering.
func (sb *Sandbox) Init(ctx context.Context) error {
	sb.mu.Lock()
	defer sb.mu.Unlock()

	initializer, ok := sb.plugin.(secplugin.Initializer)
	if !ok {
		sb.warm = true
		return nil
	}

	_, err := sb.meteredCall(ctx, func(callCtx context.Context) (any, error) {
		return nil, initializer.Init(callCtx, sb.caps)
	})
	if err != nil {
		return err
	}
	sb.warm = true
	return nil
}

// Execute runs the plugin's mandatory Execute entrypoint.
func (sb *Sandbox) Execute(ctx context.Context, args any) (any, error) {
	sb.mu.Lock()
	defer sb.mu.Unlock()

	if sb.quarantined.Load() {
		return nil, secplugin.NewRuntimeError(secplugin.KindNotReady, sb.pluginID, "sandbox quarantined", nil)
	}
	if !sb.warm {
		return nil, secplugin.NewRuntimeError(secplugin.KindNotReady, sb.pluginID, "sandbox not initialized", nil)
	}

	copiedArgs, err := deepCopyValue(sb.pluginID, args)
	if err != nil {
		return nil, err
	}

	result, err := sb.meteredCall(ctx, func(callCtx context.Context) (any, error) {
		return sb.plugin.Execute(callCtx, sb.caps, copiedArgs)
	})

	if sb.bus != nil {
		sb.bus.Drain(ctx, sb.pluginID)
	}

	if err != nil {
		return nil, err
	}
	return deepCopyValue(sb.pluginID, result)
}

// Configure runs the plugin's optional Configure entrypoint.
func (sb *Sandbox) Configure(ctx context.Context, cfg map[string]any) error {
	sb.mu.Lock()
	defer sb.mu.Unlock()

	if sb.quarantined.Load() {
		return secplugin.NewRuntimeError(secplugin.KindNotReady, sb.pluginID, "sandbox quarantined", nil)
	}

	configurer, ok := sb.plugin.(secplugin.Configurer)
	if !ok {
		return nil
	}

	_, err := sb.meteredCall(ctx, func(callCtx context.Context) (any, error) {
		return nil, configurer.Configure(callCtx, sb.caps, cfg)
	})
	return err
}

// Destroy runs the plugin's optional Destroy entrypoint, used during
// unload to let the plugin release its own resources.
func (sb *Sandbox) Destroy(ctx context.Context) error {
	sb.mu.Lock()
	defer sb.mu.Unlock()

	destroyer, ok := sb.plugin.(secplugin.Destroyer)
	if !ok {
		return nil
	}
	return destroyer.Destroy(ctx)
}

// SetUsageSink installs the callback invoked after every metered call
// with the observed peak memory and elapsed-CPU approximation. The
// Loader wires this to the owning Entity's ObserveResourceUsage.
func (sb *Sandbox) SetUsageSink(fn func(peakMemoryBytes, cpuMs int64)) {
	sb.onUsage = fn
}

package loader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/dotcommander/secplugd/internal/config"
	"github.com/dotcommander/secplugd/internal/core"
	"github.com/dotcommander/secplugd/internal/sandbox"
	"github.com/dotcommander/secplugd/internal/sandbox/facades"
	"github.com/dotcommander/secplugd/internal/security"
	"github.com/dotcommander/secplugd/pkg/secplugin"
)

// Notifier receives lifecycle notifications the Manager turns into
// observer events (plugin:loaded, security:scan-failed, ...).
type Notifier func(event, pluginID string, detail map[string]any)

// LoadedPlugin pairs a plugin record with its live Sandbox and the
// last scan result.
type LoadedPlugin struct {
	Entity  *secplugin.Entity
	Sandbox *sandbox.Sandbox
	Scan    *security.ScanResult
}

// Loader drives the lifecycle state machine for every plugin: it
// discovers manifests, runs the security checks, builds Sandboxes
// with capability bindings, and owns dependency-ordered batch loads.
type Loader struct {
	logger     *slog.Logger
	cfg        *config.Config
	discoverer *Discoverer
	security   *security.Layer
	registry   *secplugin.Registry
	bus        *facades.Bus
	breakers   *core.BreakerSet
	netRate    config.NetworkRateLimit
	pool       *core.WorkerPool[core.SandboxJobResult]

	mu      sync.RWMutex
	plugins map[string]*LoadedPlugin

	notify Notifier
}

// New creates a Loader. pool is the shared worker pool load batches
// and sandbox init calls are scheduled on; notify may be nil.
func New(logger *slog.Logger, cfg *config.Config, sec *security.Layer, registry *secplugin.Registry, pool *core.WorkerPool[core.SandboxJobResult], notify Notifier) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	if notify == nil {
		notify = func(string, string, map[string]any) {}
	}
	return &Loader{
		logger:     logger.With("component", "loader"),
		cfg:        cfg,
		discoverer: NewDiscoverer(logger, cfg.PluginsDir),
		security:   sec,
		registry:   registry,
		bus:        facades.NewBus(0),
		breakers:   core.NewBreakerSet(core.DefaultBreakerConfig()),
		netRate:    config.DefaultNetworkRateLimit(),
		pool:       pool,
		plugins:    make(map[string]*LoadedPlugin),
		notify:     notify,
	}
}

// Discoverer exposes the manifest discovery surface.
func (l *Loader) Discoverer() *Discoverer {
	return l.discoverer
}

// Get returns the loaded plugin for id, if present.
func (l *Loader) Get(id string) (*LoadedPlugin, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	p, ok := l.plugins[id]
	return p, ok
}

// List returns every tracked plugin record; the order is not defined.
func (l *Loader) List() []*LoadedPlugin {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]*LoadedPlugin, 0, len(l.plugins))
	for _, p := range l.plugins {
		out = append(out, p)
	}
	return out
}

// Load loads one plugin by id, walking it through the state machine:
// unloaded -> loading -> loaded (-> active when auto_activate), or to
// error/disabled on failure. Dependencies are not resolved here; use
// LoadAll for dependency-ordered batches.
func (l *Loader) Load(ctx context.Context, id string) error {
	l.mu.Lock()
	if _, exists := l.plugins[id]; exists {
		l.mu.Unlock()
		return fmt.Errorf("%w: %s", secplugin.ErrAlreadyExists, id)
	}
	l.mu.Unlock()

	manifest, err := l.discoverer.GetManifest(id)
	if err != nil {
		return err
	}
	return l.loadManifest(ctx, manifest)
}

func (l *Loader) loadManifest(ctx context.Context, manifest *secplugin.Manifest) error {
	id := manifest.ID
	entity := secplugin.NewEntity(manifest)

	l.mu.Lock()
	if _, exists := l.plugins[id]; exists {
		l.mu.Unlock()
		return fmt.Errorf("%w: %s", secplugin.ErrAlreadyExists, id)
	}
	lp := &LoadedPlugin{Entity: entity}
	l.plugins[id] = lp
	l.mu.Unlock()

	if err := entity.Transition(secplugin.StatusLoading, ""); err != nil {
		return err
	}

	if err := l.runLoadPipeline(ctx, lp); err != nil {
		return err
	}

	if _, auditErr := l.security.Audit().Append(id, security.EventLoad, map[string]string{
		"version":     manifest.Version,
		"source_hash": entity.SourceHash,
	}); auditErr != nil {
		return auditErr
	}
	l.notify("plugin:loaded", id, map[string]any{"version": manifest.Version})
	l.logger.Info("plugin loaded", "plugin", id, "version", manifest.Version)

	if l.cfg.AutoActivate {
		return l.Activate(id)
	}
	return nil
}

// runLoadPipeline performs validation, scan, signature check, sandbox
// construction, and init, recording the failure state on the entity.
func (l *Loader) runLoadPipeline(ctx context.Context, lp *LoadedPlugin) error {
	entity := lp.Entity
	manifest := entity.Manifest
	id := manifest.ID
	pluginDir := l.discoverer.PluginDir(id)

	fail := func(err error) error {
		_ = entity.Transition(secplugin.StatusError, err.Error())
		l.notify("plugin:error", id, map[string]any{"error": err.Error()})
		return err
	}

	if err := l.security.ValidateManifest(manifest); err != nil {
		return fail(err)
	}

	if err := l.security.VerifySignature(id, pluginDir, manifest.Main); err != nil {
		l.notify("security:sig-failed", id, map[string]any{"error": err.Error()})
		return fail(err)
	}
	if sig, err := security.ReadSignatureHex(pluginDir); err == nil {
		entity.Signature = sig
	}

	scan, err := l.security.CheckSource(id, pluginDir, manifest.Main)
	if err != nil {
		if errors.Is(err, secplugin.ErrScanHighSeverity) {
			// Scanner-flagged plugins never reach a Sandbox; they go
			// straight to disabled.
			_ = entity.Transition(secplugin.StatusDisabled, "")
			lp.Scan = scan
			l.notify("security:scan-failed", id, map[string]any{"issues": len(scan.Issues)})
			return err
		}
		return fail(err)
	}
	lp.Scan = scan

	sourceHash, err := security.SourceHash(pluginDir, manifest.Main)
	if err != nil {
		return fail(err)
	}
	entity.SourceHash = sourceHash

	impl, err := l.registry.New(id)
	if err != nil {
		return fail(err)
	}

	sb, err := l.buildSandbox(entity, impl, pluginDir)
	if err != nil {
		return fail(err)
	}

	if err := sb.Init(ctx); err != nil {
		return fail(fmt.Errorf("plugin init: %w", err))
	}

	lp.Sandbox = sb
	sb.SetUsageSink(entity.ObserveResourceUsage)

	return entity.Transition(secplugin.StatusLoaded, "")
}

// buildSandbox constructs the facade set for the granted permissions
// and binds them into a fresh Sandbox.
func (l *Loader) buildSandbox(entity *secplugin.Entity, impl secplugin.Plugin, pluginDir string) (*sandbox.Sandbox, error) {
	manifest := entity.Manifest
	id := manifest.ID

	granted := make(map[secplugin.Permission]bool)
	for _, p := range secplugin.ExpandPermissions(manifest.Permissions) {
		granted[p] = true
	}

	opts := sandbox.Options{
		PluginID: id,
		Limits:   manifest.EffectiveLimits(l.cfg.DefaultResourceLimits),
		Plugin:   impl,
		Granted:  granted,
		Bus:      l.bus,
		Log: facades.NewLogFacade(id, l.logger, func(pluginID, level, msg string, fields map[string]any) {
			detail := map[string]any{"level": level, "message": msg}
			if len(fields) > 0 {
				detail["fields"] = fields
			}
			l.notify("plugin:log", pluginID, detail)
		}),
		OnViolation: func(pluginID string, kind secplugin.Kind, detail string) {
			l.onViolation(pluginID, kind, detail)
		},
	}

	if granted[secplugin.PermissionFS] {
		opts.FS = facades.NewFilesystemFacade(id, pluginDir)
	}
	if granted[secplugin.PermissionNetwork] {
		opts.Network = facades.NewNetworkFacade(id, facades.NetworkFacadeConfig{
			AllowedDomains:   l.cfg.AllowedDomains,
			BlockedDomains:   l.cfg.BlockedDomains,
			MaxRequestBytes:  l.cfg.MaxRequestBytes,
			DefaultTimeoutMs: l.cfg.RequestTimeoutMs,
			RatePerSecond:    l.netRate.RequestsPerSecond,
			Burst:            l.netRate.Burst,
			Breakers:         l.breakers,
		})
	}
	if granted[secplugin.PermissionStorage] {
		storage, err := facades.NewStorageFacade(id, l.cfg.DataDir, entity)
		if err != nil {
			return nil, err
		}
		if err := storage.LoadFromDisk(); err != nil {
			return nil, err
		}
		opts.Storage = storage
	}
	if granted[secplugin.PermissionEvents] {
		opts.Events = facades.NewEventsFacade(id, l.bus)
	}

	return sandbox.New(opts), nil
}

// RecordRuntimeViolation lets the Manager count execute-path
// violations (capability_violation, plugin_error) that facades do not
// observe themselves.
func (l *Loader) RecordRuntimeViolation(pluginID string, kind secplugin.Kind, detail string) {
	l.onViolation(pluginID, kind, detail)
}

// onViolation is invoked from facade boundaries: it audit-logs the
// violation, counts it toward intrusion, and quarantines the plugin
// when the threshold is crossed.
func (l *Loader) onViolation(pluginID string, kind secplugin.Kind, detail string) {
	quarantined, err := l.security.RecordViolation(pluginID, kind, detail)
	if err != nil {
		l.logger.Error("recording violation", "plugin", pluginID, "error", err)
		return
	}
	if !quarantined {
		return
	}

	l.notify("security:intrusion", pluginID, map[string]any{"trigger": string(kind)})
	if lp, ok := l.Get(pluginID); ok {
		lp.Sandbox.Quarantine()
		if lp.Entity.Status() == secplugin.StatusActive {
			_ = lp.Entity.Transition(secplugin.StatusDisabled, "")
			l.notify("plugin:disabled", pluginID, map[string]any{"reason": "intrusion quarantine"})
		}
	}
}

// LoadAll discovers every plugin, resolves the dependency DAG, and
// loads generation by generation; plugins inside one generation load
// in parallel. A dependency cycle fails the batch and marks every
// cycle member error.
func (l *Loader) LoadAll(ctx context.Context) error {
	manifests, err := l.discoverer.Discover()
	if err != nil {
		return err
	}

	byID := make(map[string]*secplugin.Manifest, len(manifests))
	for _, m := range manifests {
		byID[m.ID] = m
	}

	graph := buildGraph(byID)
	order, err := graph.topoOrder()
	if err != nil {
		var cycle *CycleError
		if errors.As(err, &cycle) {
			l.failCycleMembers(cycle, byID)
		}
		return err
	}

	// Each generation fans out across the shared worker pool; sandbox
	// init calls are bounded the same way execute calls are.
	var loadErrs []error
	for _, generation := range graph.generations(order) {
		results := core.DispatchAll(ctx, l.pool, generation, func(ctx context.Context, pluginID string) (any, error) {
			return nil, l.loadWithDependencies(ctx, byID[pluginID])
		})
		for _, res := range results {
			if res.Err != nil {
				loadErrs = append(loadErrs, fmt.Errorf("%s: %w", res.PluginID, res.Err))
			}
		}
	}

	return errors.Join(loadErrs...)
}

// loadWithDependencies loads one plugin after confirming its
// dependencies reached a runnable state; a failed dependency sends
// the dependent straight to error with dependency_unavailable.
func (l *Loader) loadWithDependencies(ctx context.Context, manifest *secplugin.Manifest) error {
	for _, dep := range manifest.Dependencies {
		lp, ok := l.Get(dep)
		if !ok || !l.dependencySatisfied(lp) {
			entity := secplugin.NewEntity(manifest)
			_ = entity.Transition(secplugin.StatusLoading, "")
			err := fmt.Errorf("%w: %s requires %s", secplugin.ErrDependencyUnavailable, manifest.ID, dep)
			_ = entity.Transition(secplugin.StatusError, err.Error())

			l.mu.Lock()
			if _, exists := l.plugins[manifest.ID]; !exists {
				l.plugins[manifest.ID] = &LoadedPlugin{Entity: entity}
			}
			l.mu.Unlock()

			l.notify("plugin:error", manifest.ID, map[string]any{"error": err.Error()})
			return err
		}
	}
	return l.loadManifest(ctx, manifest)
}

// dependencySatisfied reports whether a dependency is in a state the
// dependent may build on: active always qualifies; loaded qualifies
// when activation is manual, so a whole batch can load before the
// operator activates it in order.
func (l *Loader) dependencySatisfied(lp *LoadedPlugin) bool {
	switch lp.Entity.Status() {
	case secplugin.StatusActive:
		return true
	case secplugin.StatusLoaded:
		return !l.cfg.AutoActivate
	default:
		return false
	}
}

func (l *Loader) failCycleMembers(cycle *CycleError, byID map[string]*secplugin.Manifest) {
	members := cycle.cycleMembers()
	for id := range members {
		manifest, ok := byID[id]
		if !ok {
			continue
		}
		entity := secplugin.NewEntity(manifest)
		_ = entity.Transition(secplugin.StatusLoading, "")
		_ = entity.Transition(secplugin.StatusError, cycle.Error())

		l.mu.Lock()
		if _, exists := l.plugins[id]; !exists {
			l.plugins[id] = &LoadedPlugin{Entity: entity}
		}
		l.mu.Unlock()

		l.notify("plugin:error", id, map[string]any{"error": cycle.Error()})
	}
}

// Activate transitions loaded or disabled plugins to active. A
// disabled plugin is re-verified first.
func (l *Loader) Activate(id string) error {
	lp, ok := l.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", secplugin.ErrNotFound, id)
	}

	if lp.Entity.Status() == secplugin.StatusDisabled {
		if l.security.IsQuarantined(id) {
			return secplugin.NewRuntimeError(secplugin.KindNotReady, id, "plugin is quarantined", nil)
		}
		pluginDir := l.discoverer.PluginDir(id)
		if err := l.security.VerifySignature(id, pluginDir, lp.Entity.Manifest.Main); err != nil {
			return err
		}
		if _, err := l.security.CheckSource(id, pluginDir, lp.Entity.Manifest.Main); err != nil {
			return err
		}
		if lp.Sandbox != nil {
			lp.Sandbox.Resume()
		}
	}

	if err := lp.Entity.Transition(secplugin.StatusActive, ""); err != nil {
		return err
	}
	if _, err := l.security.Audit().Append(id, security.EventActivate, nil); err != nil {
		return err
	}
	l.notify("plugin:activated", id, nil)
	return nil
}

// Disable transitions an active plugin to disabled and quarantines its
// Sandbox so later calls fail fast; a call already running is not
// interrupted.
func (l *Loader) Disable(id string) error {
	lp, ok := l.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", secplugin.ErrNotFound, id)
	}

	if err := lp.Entity.Transition(secplugin.StatusDisabled, ""); err != nil {
		return err
	}
	if lp.Sandbox != nil {
		lp.Sandbox.Quarantine()
	}
	if _, err := l.security.Audit().Append(id, security.EventDisable, nil); err != nil {
		return err
	}
	l.notify("plugin:disabled", id, nil)
	return nil
}

// Unload tears a plugin down: dependents are transitively disabled
// first, the Sandbox's Destroy hook runs, and the record is removed.
// Intrusion counters survive unload by design.
func (l *Loader) Unload(ctx context.Context, id string) error {
	lp, ok := l.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", secplugin.ErrNotFound, id)
	}

	for _, dep := range l.dependentsOf(id) {
		depLP, ok := l.Get(dep)
		if !ok {
			continue
		}
		if depLP.Entity.Status() == secplugin.StatusActive {
			if err := l.Disable(dep); err != nil {
				return fmt.Errorf("disabling dependent %s: %w", dep, err)
			}
		}
	}

	if lp.Sandbox != nil {
		if err := lp.Sandbox.Destroy(ctx); err != nil {
			l.logger.Warn("plugin destroy hook failed", "plugin", id, "error", err)
		}
	}

	if err := lp.Entity.Transition(secplugin.StatusUnloaded, ""); err != nil {
		return err
	}

	l.mu.Lock()
	delete(l.plugins, id)
	l.mu.Unlock()

	l.discoverer.InvalidateCache(id)
	l.logger.Info("plugin unloaded", "plugin", id)
	return nil
}

// dependentsOf returns the ids of loaded plugins that list id among
// their dependencies, transitively.
func (l *Loader) dependentsOf(id string) []string {
	l.mu.RLock()
	defer l.mu.RUnlock()

	direct := make(map[string][]string)
	for pid, lp := range l.plugins {
		for _, dep := range lp.Entity.Manifest.Dependencies {
			direct[dep] = append(direct[dep], pid)
		}
	}

	seen := make(map[string]bool)
	var out []string
	var walk func(string)
	walk = func(target string) {
		for _, dependent := range direct[target] {
			if seen[dependent] {
				continue
			}
			seen[dependent] = true
			out = append(out, dependent)
			walk(dependent)
		}
	}
	walk(id)
	return out
}

// Reload is unload-then-load with three special cases: dependents are
// quarantined across the swap and resumed after, the source hash is
// recomputed, and signature verification re-runs when required.
func (l *Loader) Reload(ctx context.Context, id string) (err error) {
	lp, ok := l.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", secplugin.ErrNotFound, id)
	}

	dependents := l.dependentsOf(id)
	wasActive := make(map[string]bool, len(dependents))
	for _, dep := range dependents {
		if depLP, ok := l.Get(dep); ok && depLP.Sandbox != nil {
			wasActive[dep] = depLP.Entity.Status() == secplugin.StatusActive
			depLP.Sandbox.Quarantine()
		}
	}
	defer func() {
		for _, dep := range dependents {
			if depLP, ok := l.Get(dep); ok && depLP.Sandbox != nil && !l.security.IsQuarantined(dep) {
				depLP.Sandbox.Resume()
				// Unload disabled the active dependents; bring them back
				// once the reloaded plugin is in place again.
				if err == nil && wasActive[dep] && depLP.Entity.Status() == secplugin.StatusDisabled {
					if actErr := l.Activate(dep); actErr != nil {
						l.logger.Warn("re-activating dependent after reload failed", "plugin", dep, "error", actErr)
					}
				}
			}
		}
	}()

	l.discoverer.InvalidateCache(id)
	manifest, err := l.discoverer.GetManifest(id)
	if err != nil {
		return err
	}

	pluginDir := l.discoverer.PluginDir(id)
	newHash, err := security.SourceHash(pluginDir, manifest.Main)
	if err != nil {
		return err
	}
	if newHash != lp.Entity.SourceHash && l.security.RequireSignature() {
		// Changed source requires a fresh signature before the old
		// instance is torn down.
		if err := l.security.VerifySignature(id, pluginDir, manifest.Main); err != nil {
			if lp.Sandbox != nil {
				lp.Sandbox.Quarantine()
			}
			_ = lp.Entity.Transition(secplugin.StatusUnloaded, "")

			l.mu.Lock()
			delete(l.plugins, id)
			l.mu.Unlock()

			entity := secplugin.NewEntity(manifest)
			_ = entity.Transition(secplugin.StatusLoading, "")
			_ = entity.Transition(secplugin.StatusError, err.Error())
			l.mu.Lock()
			l.plugins[id] = &LoadedPlugin{Entity: entity}
			l.mu.Unlock()

			l.notify("security:sig-failed", id, map[string]any{"error": err.Error()})
			l.notify("plugin:error", id, map[string]any{"error": err.Error()})
			return err
		}
	}

	if err := l.Unload(ctx, id); err != nil {
		return err
	}
	return l.loadManifest(ctx, manifest)
}

package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/dotcommander/secplugd/internal/config"
	"github.com/dotcommander/secplugd/internal/core"
	"github.com/dotcommander/secplugd/internal/loader"
	"github.com/dotcommander/secplugd/internal/security"
	"github.com/dotcommander/secplugd/pkg/secplugin"
)

// Manager is the top-level orchestrator. Construct with New, then
// Initialize before any other call; every method is safe for
// concurrent use afterwards.
type Manager struct {
	logger   *slog.Logger
	cfg      *config.Config
	registry *secplugin.Registry

	observers *observerList

	mu          sync.Mutex
	initialized bool
	security    *security.Layer
	loader      *loader.Loader
	pool        *core.WorkerPool[core.SandboxJobResult]
	poolCancel  context.CancelFunc
}

// New creates an uninitialized Manager.
func New(logger *slog.Logger, cfg *config.Config, registry *secplugin.Registry) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		logger:    logger.With("component", "manager"),
		cfg:       cfg,
		registry:  registry,
		observers: newObserverList(),
	}
}

// Subscribe registers an observer for one event name ("plugin:loaded",
// "security:intrusion", ...) or "*" for all.
func (m *Manager) Subscribe(event string, fn Observer) {
	m.observers.subscribe(event, fn)
}

// Initialize prepares the data directory, key material, audit log,
// Security Layer, Loader, and the shared Sandbox worker pool. It is
// not idempotent; calling it twice is an error.
func (m *Manager) Initialize() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.initialized {
		return errors.New("manager already initialized")
	}

	if err := m.cfg.EnsureDirs(); err != nil {
		return err
	}

	if m.cfg.RequireSignature {
		if _, err := os.Stat(m.cfg.PublicKeyPath); os.IsNotExist(err) {
			if err := security.GenerateKeyPair(m.cfg.PrivateKeyPath, m.cfg.PublicKeyPath, 0); err != nil {
				return fmt.Errorf("generating key pair: %w", err)
			}
			m.logger.Info("generated signing key pair", "public", m.cfg.PublicKeyPath)
		}
	}

	sec, err := security.NewLayer(security.Options{
		Logger:           m.logger,
		AuditDir:         m.cfg.AuditDir(),
		ScanPlugins:      m.cfg.ScanPlugins,
		RequireSignature: m.cfg.RequireSignature,
		PublicKeyPath:    m.cfg.PublicKeyPath,
		Intrusion: security.IntrusionConfig{
			Window:    time.Duration(m.cfg.IntrusionWindowMs) * time.Millisecond,
			MaxEvents: m.cfg.IntrusionMaxEvents,
			Cooldown:  time.Duration(m.cfg.IntrusionCooldownMs) * time.Millisecond,
		},
	})
	if err != nil {
		return err
	}

	poolCtx, cancel := context.WithCancel(context.Background())
	pool := core.NewWorkerPool[core.SandboxJobResult](poolCtx, 0)

	m.security = sec
	m.pool = pool
	m.poolCancel = cancel
	m.loader = loader.New(m.logger, m.cfg, sec, m.registry, pool, m.observers.emit)
	m.initialized = true

	m.logger.Info("manager initialized",
		"plugins_dir", m.cfg.PluginsDir,
		"scan_plugins", m.cfg.ScanPlugins,
		"require_signature", m.cfg.RequireSignature)
	return nil
}

func (m *Manager) ready() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.initialized {
		return errors.New("manager not initialized")
	}
	return nil
}

// Load loads one plugin by id.
func (m *Manager) Load(ctx context.Context, id string) error {
	if err := m.ready(); err != nil {
		return err
	}
	return m.loader.Load(ctx, id)
}

// LoadAll loads every discovered plugin in dependency order.
func (m *Manager) LoadAll(ctx context.Context) error {
	if err := m.ready(); err != nil {
		return err
	}
	return m.loader.LoadAll(ctx)
}

// Activate transitions a plugin to active.
func (m *Manager) Activate(id string) error {
	if err := m.ready(); err != nil {
		return err
	}
	return m.loader.Activate(id)
}

// Disable transitions a plugin to disabled.
func (m *Manager) Disable(id string) error {
	if err := m.ready(); err != nil {
		return err
	}
	return m.loader.Disable(id)
}

// Unload tears a plugin down, disabling dependents first.
func (m *Manager) Unload(ctx context.Context, id string) error {
	if err := m.ready(); err != nil {
		return err
	}
	return m.loader.Unload(ctx, id)
}

// Reload is unload-then-load with signature re-verification when the
// source changed.
func (m *Manager) Reload(ctx context.Context, id string) error {
	if err := m.ready(); err != nil {
		return err
	}
	return m.loader.Reload(ctx, id)
}

// Execute routes one call to the plugin's Sandbox through the shared
// worker pool. Every plugin-originating failure comes back as a typed
// error; none escapes as a panic.
func (m *Manager) Execute(ctx context.Context, id string, args any) (any, error) {
	if err := m.ready(); err != nil {
		return nil, err
	}

	lp, ok := m.loader.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", secplugin.ErrNotFound, id)
	}

	if m.security.IsQuarantined(id) {
		return nil, secplugin.NewRuntimeError(secplugin.KindNotReady, id, "plugin is quarantined", nil)
	}
	if lp.Entity.Status() != secplugin.StatusActive {
		return nil, secplugin.NewRuntimeError(secplugin.KindNotReady, id,
			"plugin is "+string(lp.Entity.Status()), nil)
	}

	start := time.Now()
	res, ran := m.pool.Do(ctx, func() core.SandboxJobResult {
		value, err := lp.Sandbox.Execute(ctx, args)
		return core.SandboxJobResult{PluginID: id, Value: value, Err: err}
	})
	if !ran {
		return nil, secplugin.NewRuntimeError(secplugin.KindCancelled, id, "execute not scheduled", ctx.Err())
	}

	durationMs := time.Since(start).Milliseconds()
	lp.Entity.RecordExecution(durationMs, res.Err)

	// One execute entry per call keeps the audit count equal to
	// stats.executions; failures gain a second, kind-specific entry.
	if _, auditErr := m.security.Audit().Append(id, security.EventExecute, map[string]any{
		"duration_ms": durationMs,
		"ok":          res.Err == nil,
	}); auditErr != nil {
		return nil, auditErr
	}

	if res.Err != nil {
		typed := m.asRuntimeError(id, res.Err)
		var re *secplugin.RuntimeError
		errors.As(typed, &re)

		switch re.Kind {
		case secplugin.KindCapabilityViolation, secplugin.KindPluginError:
			// These kinds count toward intrusion; permission_denied
			// was already counted at the facade boundary.
			m.loader.RecordRuntimeViolation(id, re.Kind, re.Message)
		case secplugin.KindPermissionDenied:
		default:
			if _, auditErr := m.security.Audit().Append(id, security.EventExecuteFail, map[string]string{
				"kind":  string(re.Kind),
				"error": re.Message,
			}); auditErr != nil {
				return nil, auditErr
			}
		}

		m.observers.emit("plugin:execution", id, map[string]any{
			"duration_ms": durationMs,
			"error":       typed.Error(),
		})
		return nil, typed
	}

	m.observers.emit("plugin:execution", id, map[string]any{"duration_ms": durationMs})
	return res.Value, nil
}

// asRuntimeError guarantees the typed-error contract: anything that is
// not already a RuntimeError becomes a plugin_error wrapping the
// cause.
func (m *Manager) asRuntimeError(id string, err error) error {
	var re *secplugin.RuntimeError
	if errors.As(err, &re) {
		return err
	}
	return secplugin.NewRuntimeError(secplugin.KindPluginError, id, err.Error(), err)
}

// Configure calls the plugin's configure entrypoint.
func (m *Manager) Configure(ctx context.Context, id string, cfg map[string]any) error {
	if err := m.ready(); err != nil {
		return err
	}

	lp, ok := m.loader.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", secplugin.ErrNotFound, id)
	}

	status := lp.Entity.Status()
	if status != secplugin.StatusActive && status != secplugin.StatusLoaded {
		return secplugin.NewRuntimeError(secplugin.KindNotReady, id, "plugin is "+string(status), nil)
	}

	if err := lp.Sandbox.Configure(ctx, cfg); err != nil {
		return m.asRuntimeError(id, err)
	}
	return nil
}

// Info is the read-only projection of one plugin record.
type Info struct {
	ID            string
	Name          string
	Version       string
	Description   string
	Author        string
	Status        secplugin.Status
	Permissions   []secplugin.Permission
	Dependencies  []string
	SourceHash    string
	Stats         secplugin.Stats
	ResourceUsage secplugin.ResourceUsage
	ErrorReason   string
	Quarantined   bool
}

// List returns projections for every tracked plugin, sorted by id.
func (m *Manager) List() ([]Info, error) {
	if err := m.ready(); err != nil {
		return nil, err
	}

	plugins := m.loader.List()
	infos := make([]Info, 0, len(plugins))
	for _, lp := range plugins {
		infos = append(infos, m.projection(lp))
	}
	sortInfos(infos)
	return infos, nil
}

// GetInfo returns one plugin's projection.
func (m *Manager) GetInfo(id string) (Info, error) {
	if err := m.ready(); err != nil {
		return Info{}, err
	}
	lp, ok := m.loader.Get(id)
	if !ok {
		return Info{}, fmt.Errorf("%w: %s", secplugin.ErrNotFound, id)
	}
	return m.projection(lp), nil
}

func (m *Manager) projection(lp *loader.LoadedPlugin) Info {
	manifest := lp.Entity.Manifest
	return Info{
		ID:            manifest.ID,
		Name:          manifest.Name,
		Version:       manifest.Version,
		Description:   manifest.Description,
		Author:        manifest.Author,
		Status:        lp.Entity.Status(),
		Permissions:   manifest.Permissions,
		Dependencies:  manifest.Dependencies,
		SourceHash:    lp.Entity.SourceHash,
		Stats:         lp.Entity.Stats(),
		ResourceUsage: lp.Entity.ResourceUsage(),
		ErrorReason:   lp.Entity.ErrorReason(),
		Quarantined:   m.security.IsQuarantined(manifest.ID),
	}
}

func sortInfos(infos []Info) {
	for i := 1; i < len(infos); i++ {
		for j := i; j > 0 && infos[j].ID < infos[j-1].ID; j-- {
			infos[j], infos[j-1] = infos[j-1], infos[j]
		}
	}
}

// SecurityReport summarizes one plugin's trust posture.
type SecurityReport struct {
	PluginID        string
	Permissions     []secplugin.Permission
	WildcardGranted bool
	ScanIssues      []security.Issue
	SourceHash      string
	Quarantined     bool
	ViolationCount  int
	AuditVerified   bool
	FirstBadEntry   int
}

// SecurityReportFor assembles the report, including a full audit-chain
// verification pass.
func (m *Manager) SecurityReportFor(id string) (SecurityReport, error) {
	if err := m.ready(); err != nil {
		return SecurityReport{}, err
	}

	lp, ok := m.loader.Get(id)
	if !ok {
		return SecurityReport{}, fmt.Errorf("%w: %s", secplugin.ErrNotFound, id)
	}

	entries, err := m.security.Audit().Snapshot()
	if err != nil {
		return SecurityReport{}, err
	}
	firstBad, chainOK := security.VerifyChain(entries)

	report := SecurityReport{
		PluginID:        id,
		Permissions:     secplugin.ExpandPermissions(lp.Entity.Manifest.Permissions),
		WildcardGranted: lp.Entity.Manifest.HasWildcard(),
		SourceHash:      lp.Entity.SourceHash,
		Quarantined:     m.security.IsQuarantined(id),
		ViolationCount:  m.security.Intrusion().ViolationCount(id),
		AuditVerified:   chainOK,
		FirstBadEntry:   firstBad,
	}
	if lp.Scan != nil {
		report.ScanIssues = lp.Scan.Issues
	}
	return report, nil
}

// AggregateStats is the Manager-wide rollup.
type AggregateStats struct {
	Plugins          int
	Active           int
	Disabled         int
	Errored          int
	TotalExecutions  int64
	TotalFailures    int64
	TotalExecutionMs int64
	AuditEntries     int
}

// Stats returns the aggregate across every tracked plugin.
func (m *Manager) Stats() (AggregateStats, error) {
	if err := m.ready(); err != nil {
		return AggregateStats{}, err
	}

	var agg AggregateStats
	for _, lp := range m.loader.List() {
		agg.Plugins++
		switch lp.Entity.Status() {
		case secplugin.StatusActive:
			agg.Active++
		case secplugin.StatusDisabled:
			agg.Disabled++
		case secplugin.StatusError:
			agg.Errored++
		}
		stats := lp.Entity.Stats()
		agg.TotalExecutions += stats.Executions
		agg.TotalFailures += stats.Failures
		agg.TotalExecutionMs += stats.TotalExecutionMs
	}
	agg.AuditEntries = m.security.Audit().Count()
	return agg, nil
}

// ClearIntrusionState is the explicit operator action resetting a
// plugin id's violation history and quarantine.
func (m *Manager) ClearIntrusionState(id string) error {
	if err := m.ready(); err != nil {
		return err
	}
	m.security.ClearIntrusionState(id)
	return nil
}

// AuditSnapshot returns a point-in-time copy of the audit chain.
func (m *Manager) AuditSnapshot() ([]security.Entry, error) {
	if err := m.ready(); err != nil {
		return nil, err
	}
	return m.security.Audit().Snapshot()
}

// Shutdown unloads every plugin, stops the worker pool, and closes the
// audit log.
func (m *Manager) Shutdown(ctx context.Context) error {
	if err := m.ready(); err != nil {
		return err
	}

	var errs []error
	for _, lp := range m.loader.List() {
		id := lp.Entity.Manifest.ID
		if lp.Entity.Status() == secplugin.StatusUnloaded {
			continue
		}
		if err := m.loader.Unload(ctx, id); err != nil {
			errs = append(errs, fmt.Errorf("unloading %s: %w", id, err))
		}
	}

	m.pool.Close()
	m.poolCancel()
	if err := m.security.Close(); err != nil {
		errs = append(errs, err)
	}

	m.mu.Lock()
	m.initialized = false
	m.mu.Unlock()

	return errors.Join(errs...)
}

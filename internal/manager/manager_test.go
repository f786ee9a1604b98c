package manager

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dotcommander/secplugd/internal/config"
	"github.com/dotcommander/secplugd/internal/security"
	"github.com/dotcommander/secplugd/pkg/secplugin"
)

type testPlugin struct {
	executeFn func(ctx context.Context, api *secplugin.Capabilities, args any) (any, error)
}

func (p *testPlugin) Execute(ctx context.Context, api *secplugin.Capabilities, args any) (any, error) {
	return p.executeFn(ctx, api, args)
}

func echoPlugin() secplugin.Plugin {
	return &testPlugin{executeFn: func(ctx context.Context, api *secplugin.Capabilities, args any) (any, error) {
		return args, nil
	}}
}

const harmlessSource = "package main\n\nfunc run() string { return \"ok\" }\n"

func writePlugin(t *testing.T, pluginsDir, id, manifestJSON, source string) {
	t.Helper()
	dir := filepath.Join(pluginsDir, id)
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "plugin.json"), []byte(manifestJSON), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "main.go"), []byte(source), 0644); err != nil {
		t.Fatal(err)
	}
}

func manifestJSON(id, perms, deps string) string {
	return `{
  "id": "` + id + `",
  "name": "` + id + `",
  "version": "1.0.0",
  "main": "main.go",
  "permissions": [` + perms + `],
  "dependencies": [` + deps + `]
}`
}

func newTestManager(t *testing.T, mutate func(*config.Config)) (*Manager, *secplugin.Registry, string) {
	t.Helper()

	cfg := config.Default()
	cfg.PluginsDir = t.TempDir()
	cfg.DataDir = t.TempDir()
	keysDir := t.TempDir()
	cfg.PublicKeyPath = filepath.Join(keysDir, "public.pem")
	cfg.PrivateKeyPath = filepath.Join(keysDir, "private.pem")
	if mutate != nil {
		mutate(&cfg)
	}

	registry := secplugin.NewRegistry()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := New(logger, &cfg, registry)
	if err := m.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	t.Cleanup(func() { _ = m.Shutdown(context.Background()) })

	return m, registry, cfg.PluginsDir
}

func TestLoadExecuteLifecycle(t *testing.T) {
	m, registry, pluginsDir := newTestManager(t, nil)
	ctx := context.Background()

	writePlugin(t, pluginsDir, "echo", manifestJSON("echo", "", ""), harmlessSource)
	if err := registry.Register("echo", echoPlugin); err != nil {
		t.Fatal(err)
	}

	if err := m.Load(ctx, "echo"); err != nil {
		t.Fatalf("Load: %v", err)
	}

	info, err := m.GetInfo("echo")
	if err != nil {
		t.Fatal(err)
	}
	if info.Status != secplugin.StatusActive {
		t.Fatalf("status after auto-activate = %s", info.Status)
	}
	if info.SourceHash == "" {
		t.Error("source hash not frozen at load")
	}

	result, err := m.Execute(ctx, "echo", "ping")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result != "ping" {
		t.Errorf("result = %v", result)
	}

	info, _ = m.GetInfo("echo")
	if info.Stats.Executions != 1 || info.Stats.Failures != 0 {
		t.Errorf("stats = %+v", info.Stats)
	}

	// Audit invariant: execute entries match executions.
	entries, err := m.AuditSnapshot()
	if err != nil {
		t.Fatal(err)
	}
	executes := 0
	for _, e := range entries {
		if e.Actor == "echo" && e.Kind == security.EventExecute {
			executes++
		}
	}
	if int64(executes) != info.Stats.Executions {
		t.Errorf("audit execute entries = %d, stats.Executions = %d", executes, info.Stats.Executions)
	}
	if idx, ok := security.VerifyChain(entries); !ok {
		t.Errorf("audit chain broken at %d", idx)
	}
}

func TestCapabilityGate(t *testing.T) {
	m, registry, pluginsDir := newTestManager(t, nil)
	ctx := context.Background()

	writePlugin(t, pluginsDir, "greedy", manifestJSON("greedy", "", ""), harmlessSource)
	_ = registry.Register("greedy", func() secplugin.Plugin {
		return &testPlugin{executeFn: func(ctx context.Context, api *secplugin.Capabilities, args any) (any, error) {
			return api.FS.ReadFile(ctx, "anything.txt")
		}}
	})

	if err := m.Load(ctx, "greedy"); err != nil {
		t.Fatal(err)
	}

	_, err := m.Execute(ctx, "greedy", nil)
	if !secplugin.IsKind(err, secplugin.KindPermissionDenied) {
		t.Fatalf("Execute = %v, want permission_denied", err)
	}

	info, _ := m.GetInfo("greedy")
	if info.Stats.Failures != 1 {
		t.Errorf("failures = %d, want 1", info.Stats.Failures)
	}

	entries, _ := m.AuditSnapshot()
	denied := 0
	for _, e := range entries {
		if e.Actor == "greedy" && e.Kind == security.EventPermissionDenied {
			denied++
		}
	}
	if denied != 1 {
		t.Errorf("permission_denied audit entries = %d, want 1", denied)
	}
}

func TestPathEscape(t *testing.T) {
	m, registry, pluginsDir := newTestManager(t, nil)
	ctx := context.Background()

	writePlugin(t, pluginsDir, "escaper", manifestJSON("escaper", `"fs"`, ""), harmlessSource)
	_ = registry.Register("escaper", func() secplugin.Plugin {
		return &testPlugin{executeFn: func(ctx context.Context, api *secplugin.Capabilities, args any) (any, error) {
			return api.FS.ReadFile(ctx, "../../etc/passwd")
		}}
	})

	if err := m.Load(ctx, "escaper"); err != nil {
		t.Fatal(err)
	}

	_, err := m.Execute(ctx, "escaper", nil)
	if !secplugin.IsKind(err, secplugin.KindCapabilityViolation) {
		t.Fatalf("Execute = %v, want capability_violation", err)
	}
}

func TestExecuteTimeout(t *testing.T) {
	m, registry, pluginsDir := newTestManager(t, nil)
	ctx := context.Background()

	manifest := `{
  "id": "slow",
  "name": "slow",
  "version": "1.0.0",
  "main": "main.go",
  "permissions": [],
  "resource_limits": {"wall_timeout_ms": 200}
}`
	writePlugin(t, pluginsDir, "slow", manifest, harmlessSource)
	_ = registry.Register("slow", func() secplugin.Plugin {
		return &testPlugin{executeFn: func(ctx context.Context, api *secplugin.Capabilities, args any) (any, error) {
			time.Sleep(5 * time.Second)
			return nil, nil
		}}
	})

	if err := m.Load(ctx, "slow"); err != nil {
		t.Fatal(err)
	}

	start := time.Now()
	_, err := m.Execute(ctx, "slow", nil)
	elapsed := time.Since(start)

	if !secplugin.IsKind(err, secplugin.KindTimeout) {
		t.Fatalf("Execute = %v, want timeout", err)
	}
	if elapsed < 200*time.Millisecond || elapsed > 2*time.Second {
		t.Errorf("timeout after %v", elapsed)
	}

	info, _ := m.GetInfo("slow")
	if info.Stats.Failures != 1 {
		t.Errorf("failures = %d, want 1", info.Stats.Failures)
	}
}

func TestIntrusionQuarantine(t *testing.T) {
	m, registry, pluginsDir := newTestManager(t, func(c *config.Config) {
		c.IntrusionMaxEvents = 5
		c.IntrusionWindowMs = 60_000
	})
	ctx := context.Background()

	writePlugin(t, pluginsDir, "rogue", manifestJSON("rogue", "", ""), harmlessSource)
	_ = registry.Register("rogue", func() secplugin.Plugin {
		return &testPlugin{executeFn: func(ctx context.Context, api *secplugin.Capabilities, args any) (any, error) {
			return nil, api.Storage.Set(ctx, "k", []byte("v"))
		}}
	})

	if err := m.Load(ctx, "rogue"); err != nil {
		t.Fatal(err)
	}

	for i := 1; i <= 5; i++ {
		_, err := m.Execute(ctx, "rogue", nil)
		if !secplugin.IsKind(err, secplugin.KindPermissionDenied) {
			t.Fatalf("call %d = %v, want permission_denied", i, err)
		}
	}

	// After the fifth violation the plugin is quarantined; the sixth
	// call is rejected before reaching the sandbox.
	_, err := m.Execute(ctx, "rogue", nil)
	if !secplugin.IsKind(err, secplugin.KindNotReady) {
		t.Fatalf("sixth call = %v, want not_ready", err)
	}

	entries, _ := m.AuditSnapshot()
	intrusions := 0
	for _, e := range entries {
		if e.Actor == "rogue" && e.Kind == security.EventIntrusion {
			intrusions++
		}
	}
	if intrusions != 1 {
		t.Errorf("intrusion audit entries = %d, want 1", intrusions)
	}

	info, _ := m.GetInfo("rogue")
	if !info.Quarantined {
		t.Error("info does not report quarantine")
	}
	if info.Status != secplugin.StatusDisabled {
		t.Errorf("status = %s, want disabled", info.Status)
	}
}

func TestDependencyOrder(t *testing.T) {
	m, registry, pluginsDir := newTestManager(t, nil)
	ctx := context.Background()

	writePlugin(t, pluginsDir, "base", manifestJSON("base", "", ""), harmlessSource)
	writePlugin(t, pluginsDir, "child", manifestJSON("child", "", `"base"`), harmlessSource)
	_ = registry.Register("base", echoPlugin)
	_ = registry.Register("child", echoPlugin)

	var activated []string
	m.Subscribe("plugin:activated", func(evt Event) {
		activated = append(activated, evt.PluginID)
	})

	if err := m.LoadAll(ctx); err != nil {
		t.Fatalf("LoadAll: %v", err)
	}

	if len(activated) != 2 || activated[0] != "base" || activated[1] != "child" {
		t.Fatalf("activation order = %v, want [base child]", activated)
	}
}

func TestDependencyUnavailable(t *testing.T) {
	m, registry, pluginsDir := newTestManager(t, nil)
	ctx := context.Background()

	writePlugin(t, pluginsDir, "orphan", manifestJSON("orphan", "", `"ghost"`), harmlessSource)
	_ = registry.Register("orphan", echoPlugin)

	err := m.LoadAll(ctx)
	if !errors.Is(err, secplugin.ErrDependencyUnavailable) {
		t.Fatalf("LoadAll = %v, want dependency_unavailable", err)
	}

	info, err := m.GetInfo("orphan")
	if err != nil {
		t.Fatal(err)
	}
	if info.Status != secplugin.StatusError {
		t.Errorf("status = %s, want error", info.Status)
	}
}

func TestDependencyCycle(t *testing.T) {
	m, registry, pluginsDir := newTestManager(t, nil)
	ctx := context.Background()

	writePlugin(t, pluginsDir, "a", manifestJSON("a", "", `"b"`), harmlessSource)
	writePlugin(t, pluginsDir, "b", manifestJSON("b", "", `"a"`), harmlessSource)
	_ = registry.Register("a", echoPlugin)
	_ = registry.Register("b", echoPlugin)

	err := m.LoadAll(ctx)
	if !errors.Is(err, secplugin.ErrDependencyCycle) {
		t.Fatalf("LoadAll = %v, want dependency_cycle", err)
	}

	for _, id := range []string{"a", "b"} {
		info, err := m.GetInfo(id)
		if err != nil {
			t.Fatalf("GetInfo(%s): %v", id, err)
		}
		if info.Status != secplugin.StatusError {
			t.Errorf("%s status = %s, want error", id, info.Status)
		}
	}
}

func TestUnknownPermissionFailsLoad(t *testing.T) {
	m, registry, pluginsDir := newTestManager(t, nil)
	ctx := context.Background()

	writePlugin(t, pluginsDir, "badperm", manifestJSON("badperm", `"exec"`, ""), harmlessSource)
	_ = registry.Register("badperm", echoPlugin)

	err := m.Load(ctx, "badperm")
	if err == nil {
		t.Fatal("Load succeeded with unknown permission")
	}

	info, err := m.GetInfo("badperm")
	if err != nil {
		t.Fatal(err)
	}
	if info.Status != secplugin.StatusError {
		t.Errorf("status = %s, want error", info.Status)
	}
}

func TestScannerFlaggedGoesDisabled(t *testing.T) {
	m, registry, pluginsDir := newTestManager(t, nil)
	ctx := context.Background()

	hostile := "package main\n\nvar payload = eval(\"danger\")\n"
	writePlugin(t, pluginsDir, "hostile", manifestJSON("hostile", "", ""), hostile)
	_ = registry.Register("hostile", echoPlugin)

	err := m.Load(ctx, "hostile")
	if !errors.Is(err, secplugin.ErrScanHighSeverity) {
		t.Fatalf("Load = %v, want scan high-severity error", err)
	}

	info, _ := m.GetInfo("hostile")
	if info.Status != secplugin.StatusDisabled {
		t.Errorf("status = %s, want disabled", info.Status)
	}

	// No sandbox was ever constructed for a flagged plugin.
	if _, err := m.Execute(ctx, "hostile", nil); !secplugin.IsKind(err, secplugin.KindNotReady) {
		t.Errorf("Execute on scan-disabled plugin = %v, want not_ready", err)
	}

	report, err := m.SecurityReportFor("hostile")
	if err != nil {
		t.Fatal(err)
	}
	if len(report.ScanIssues) == 0 {
		t.Error("security report carries no scan issues")
	}
}

func TestSignatureRequired(t *testing.T) {
	m, registry, pluginsDir := newTestManager(t, func(c *config.Config) {
		c.RequireSignature = true
		c.ScanPlugins = false
	})
	ctx := context.Background()

	writePlugin(t, pluginsDir, "unsigned", manifestJSON("unsigned", "", ""), harmlessSource)
	_ = registry.Register("unsigned", echoPlugin)

	if err := m.Load(ctx, "unsigned"); !errors.Is(err, secplugin.ErrSignatureMissing) {
		t.Fatalf("Load unsigned = %v, want signature_missing", err)
	}
}

func TestSignatureReload(t *testing.T) {
	var privKeyPath string
	m, registry, pluginsDir := newTestManager(t, func(c *config.Config) {
		c.RequireSignature = true
		c.ScanPlugins = false
		privKeyPath = c.PrivateKeyPath
	})
	ctx := context.Background()

	writePlugin(t, pluginsDir, "signed", manifestJSON("signed", "", ""), harmlessSource)
	_ = registry.Register("signed", echoPlugin)

	signer, err := security.NewSigner(privKeyPath)
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}
	pluginDir := filepath.Join(pluginsDir, "signed")
	if err := signer.Sign(pluginDir, "main.go"); err != nil {
		t.Fatalf("Sign: %v", err)
	}

	if err := m.Load(ctx, "signed"); err != nil {
		t.Fatalf("Load signed: %v", err)
	}

	// One byte changes on disk, no re-sign.
	mutated := harmlessSource + "// tampered\n"
	if err := os.WriteFile(filepath.Join(pluginDir, "main.go"), []byte(mutated), 0644); err != nil {
		t.Fatal(err)
	}

	if err := m.Reload(ctx, "signed"); !errors.Is(err, secplugin.ErrSignatureInvalid) {
		t.Fatalf("Reload after tamper = %v, want signature_invalid", err)
	}

	info, err := m.GetInfo("signed")
	if err != nil {
		t.Fatal(err)
	}
	if info.Status != secplugin.StatusError {
		t.Errorf("status after failed reload = %s, want error", info.Status)
	}
}

func TestUnloadThenLoadResetsStats(t *testing.T) {
	m, registry, pluginsDir := newTestManager(t, nil)
	ctx := context.Background()

	writePlugin(t, pluginsDir, "cycle", manifestJSON("cycle", "", ""), harmlessSource)
	_ = registry.Register("cycle", echoPlugin)

	if err := m.Load(ctx, "cycle"); err != nil {
		t.Fatal(err)
	}
	firstInfo, _ := m.GetInfo("cycle")

	if _, err := m.Execute(ctx, "cycle", "x"); err != nil {
		t.Fatal(err)
	}

	if err := m.Unload(ctx, "cycle"); err != nil {
		t.Fatalf("Unload: %v", err)
	}
	if _, err := m.GetInfo("cycle"); !errors.Is(err, secplugin.ErrNotFound) {
		t.Fatalf("GetInfo after unload = %v, want not_found", err)
	}

	if err := m.Load(ctx, "cycle"); err != nil {
		t.Fatalf("second Load: %v", err)
	}
	secondInfo, _ := m.GetInfo("cycle")

	if secondInfo.SourceHash != firstInfo.SourceHash {
		t.Error("source hash changed with unchanged disk")
	}
	if secondInfo.Stats.Executions != 0 {
		t.Errorf("executions after reload = %d, want 0", secondInfo.Stats.Executions)
	}
}

func TestUnloadDisablesDependents(t *testing.T) {
	m, registry, pluginsDir := newTestManager(t, nil)
	ctx := context.Background()

	writePlugin(t, pluginsDir, "base", manifestJSON("base", "", ""), harmlessSource)
	writePlugin(t, pluginsDir, "child", manifestJSON("child", "", `"base"`), harmlessSource)
	_ = registry.Register("base", echoPlugin)
	_ = registry.Register("child", echoPlugin)

	if err := m.LoadAll(ctx); err != nil {
		t.Fatal(err)
	}

	if err := m.Unload(ctx, "base"); err != nil {
		t.Fatalf("Unload: %v", err)
	}

	info, err := m.GetInfo("child")
	if err != nil {
		t.Fatal(err)
	}
	if info.Status != secplugin.StatusDisabled {
		t.Errorf("dependent status = %s, want disabled", info.Status)
	}
}

func TestPluginLogEvent(t *testing.T) {
	m, registry, pluginsDir := newTestManager(t, nil)
	ctx := context.Background()

	writePlugin(t, pluginsDir, "chatty", manifestJSON("chatty", "", ""), harmlessSource)
	_ = registry.Register("chatty", func() secplugin.Plugin {
		return &testPlugin{executeFn: func(ctx context.Context, api *secplugin.Capabilities, args any) (any, error) {
			api.Log.Info("work started", map[string]any{"step": 1})
			return "done", nil
		}}
	})

	var events []Event
	m.Subscribe("plugin:log", func(evt Event) {
		events = append(events, evt)
	})

	if err := m.Load(ctx, "chatty"); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Execute(ctx, "chatty", nil); err != nil {
		t.Fatal(err)
	}

	if len(events) != 1 {
		t.Fatalf("plugin:log events = %d, want 1", len(events))
	}
	evt := events[0]
	if evt.PluginID != "chatty" {
		t.Errorf("PluginID = %s", evt.PluginID)
	}
	if evt.Detail["message"] != "work started" {
		t.Errorf("message = %v", evt.Detail["message"])
	}
	if evt.Detail["level"] != "INFO" {
		t.Errorf("level = %v", evt.Detail["level"])
	}
}

func TestConfigureAndHealth(t *testing.T) {
	m, registry, pluginsDir := newTestManager(t, nil)
	ctx := context.Background()

	writePlugin(t, pluginsDir, "cfg", manifestJSON("cfg", "", ""), harmlessSource)
	_ = registry.Register("cfg", echoPlugin)

	if err := m.Load(ctx, "cfg"); err != nil {
		t.Fatal(err)
	}

	// Plugins without a Configure hook accept configure as a noop.
	if err := m.Configure(ctx, "cfg", map[string]any{"level": "debug"}); err != nil {
		t.Fatalf("Configure: %v", err)
	}

	report, err := m.HealthCheck(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if report.Status != HealthHealthy {
		t.Errorf("health = %s, want healthy", report.Status)
	}
	if len(report.Plugins) != 1 || report.Plugins[0].PluginID != "cfg" {
		t.Errorf("report plugins = %+v", report.Plugins)
	}

	stats, err := m.Stats()
	if err != nil {
		t.Fatal(err)
	}
	if stats.Plugins != 1 || stats.Active != 1 {
		t.Errorf("aggregate = %+v", stats)
	}
}

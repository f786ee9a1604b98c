package sandbox

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dotcommander/secplugd/pkg/secplugin"
)

// fakePlugin drives the sandbox with a configurable Execute body.
type fakePlugin struct {
	execute func(ctx context.Context, api *secplugin.Capabilities, args any) (any, error)
	initErr error
}

func (f *fakePlugin) Execute(ctx context.Context, api *secplugin.Capabilities, args any) (any, error) {
	return f.execute(ctx, api, args)
}

func (f *fakePlugin) Init(ctx context.Context, api *secplugin.Capabilities) error {
	return f.initErr
}

func defaultLimits() secplugin.ResourceLimits {
	return secplugin.ResourceLimits{
		MemoryBytes:   256 << 20,
		WallTimeoutMs: 2_000,
		CPUTimeMs:     2_000,
	}
}

func newTestSandbox(t *testing.T, p secplugin.Plugin, limits secplugin.ResourceLimits, onViolation ViolationObserver) *Sandbox {
	t.Helper()
	sb := New(Options{
		PluginID:    "test-plugin",
		Limits:      limits,
		Plugin:      p,
		Granted:     map[secplugin.Permission]bool{},
		OnViolation: onViolation,
	})
	if err := sb.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	return sb
}

func TestExecuteReturnsCopiedResult(t *testing.T) {
	p := &fakePlugin{execute: func(ctx context.Context, api *secplugin.Capabilities, args any) (any, error) {
		return map[string]any{"echo": args}, nil
	}}
	sb := newTestSandbox(t, p, defaultLimits(), nil)

	result, err := sb.Execute(context.Background(), "hello")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	m, ok := result.(map[string]any)
	if !ok {
		t.Fatalf("result type %T", result)
	}
	if m["echo"] != "hello" {
		t.Errorf("echo = %v", m["echo"])
	}
}

func TestExecuteDeniesUngrantedFacade(t *testing.T) {
	var observed secplugin.Kind
	p := &fakePlugin{execute: func(ctx context.Context, api *secplugin.Capabilities, args any) (any, error) {
		return api.FS.ReadFile(ctx, "anything.txt")
	}}
	sb := newTestSandbox(t, p, defaultLimits(), func(pluginID string, kind secplugin.Kind, detail string) {
		observed = kind
	})

	_, err := sb.Execute(context.Background(), nil)
	if !secplugin.IsKind(err, secplugin.KindPermissionDenied) {
		t.Fatalf("Execute = %v, want permission_denied", err)
	}
	if observed != secplugin.KindPermissionDenied {
		t.Errorf("violation observer saw %q", observed)
	}
}

func TestExecuteWallClockTimeout(t *testing.T) {
	limits := defaultLimits()
	limits.WallTimeoutMs = 200

	p := &fakePlugin{execute: func(ctx context.Context, api *secplugin.Capabilities, args any) (any, error) {
		// Ignores cancellation, as hostile plugin code would.
		time.Sleep(2 * time.Second)
		return nil, nil
	}}
	sb := newTestSandbox(t, p, limits, nil)

	start := time.Now()
	_, err := sb.Execute(context.Background(), nil)
	elapsed := time.Since(start)

	if !secplugin.IsKind(err, secplugin.KindTimeout) {
		t.Fatalf("Execute = %v, want timeout", err)
	}
	if elapsed < 200*time.Millisecond || elapsed > time.Second {
		t.Errorf("returned after %v, want just over 200ms", elapsed)
	}
}

func TestExecutePanicBecomesPluginError(t *testing.T) {
	p := &fakePlugin{execute: func(ctx context.Context, api *secplugin.Capabilities, args any) (any, error) {
		panic("plugin blew up")
	}}
	sb := newTestSandbox(t, p, defaultLimits(), nil)

	_, err := sb.Execute(context.Background(), nil)
	if !secplugin.IsKind(err, secplugin.KindPluginError) {
		t.Fatalf("Execute = %v, want plugin_error", err)
	}
}

func TestExecuteRejectsUnserializableArgs(t *testing.T) {
	p := &fakePlugin{execute: func(ctx context.Context, api *secplugin.Capabilities, args any) (any, error) {
		return nil, nil
	}}
	sb := newTestSandbox(t, p, defaultLimits(), nil)

	_, err := sb.Execute(context.Background(), make(chan int))
	if !secplugin.IsKind(err, secplugin.KindUnserializable) {
		t.Fatalf("Execute with channel arg = %v, want unserializable_value", err)
	}
}

func TestQuarantineRejectsExecute(t *testing.T) {
	p := &fakePlugin{execute: func(ctx context.Context, api *secplugin.Capabilities, args any) (any, error) {
		return "ok", nil
	}}
	sb := newTestSandbox(t, p, defaultLimits(), nil)

	sb.Quarantine()
	if _, err := sb.Execute(context.Background(), nil); !secplugin.IsKind(err, secplugin.KindNotReady) {
		t.Fatalf("quarantined Execute = %v, want not_ready", err)
	}

	sb.Resume()
	if _, err := sb.Execute(context.Background(), nil); err != nil {
		t.Fatalf("Execute after Resume: %v", err)
	}
}

func TestInitFailureLeavesSandboxCold(t *testing.T) {
	p := &fakePlugin{
		execute: func(ctx context.Context, api *secplugin.Capabilities, args any) (any, error) { return nil, nil },
		initErr: errors.New("init exploded"),
	}
	sb := New(Options{
		PluginID: "cold",
		Limits:   defaultLimits(),
		Plugin:   p,
		Granted:  map[secplugin.Permission]bool{},
	})

	if err := sb.Init(context.Background()); err == nil {
		t.Fatal("Init succeeded despite plugin failure")
	}
	if _, err := sb.Execute(context.Background(), nil); !secplugin.IsKind(err, secplugin.KindNotReady) {
		t.Fatalf("Execute on cold sandbox = %v, want not_ready", err)
	}
}

func TestDeepCopyBreaksAliasing(t *testing.T) {
	shared := map[string]any{"value": "original"}
	var insideView any

	p := &fakePlugin{execute: func(ctx context.Context, api *secplugin.Capabilities, args any) (any, error) {
		insideView = args
		return nil, nil
	}}
	sb := newTestSandbox(t, p, defaultLimits(), nil)

	if _, err := sb.Execute(context.Background(), shared); err != nil {
		t.Fatal(err)
	}

	inside, ok := insideView.(map[string]any)
	if !ok {
		t.Fatalf("inside view type %T", insideView)
	}
	inside["value"] = "mutated inside sandbox"
	if shared["value"] != "original" {
		t.Error("sandbox mutation leaked to host value")
	}
}

func TestSerialExecutionPerSandbox(t *testing.T) {
	var concurrent, peak int
	var mu sync.Mutex

	p := &fakePlugin{execute: func(ctx context.Context, api *secplugin.Capabilities, args any) (any, error) {
		mu.Lock()
		concurrent++
		if concurrent > peak {
			peak = concurrent
		}
		mu.Unlock()

		time.Sleep(10 * time.Millisecond)

		mu.Lock()
		concurrent--
		mu.Unlock()
		return nil, nil
	}}
	sb := newTestSandbox(t, p, defaultLimits(), nil)

	done := make(chan struct{})
	for i := 0; i < 4; i++ {
		go func() {
			defer func() { done <- struct{}{} }()
			_, _ = sb.Execute(context.Background(), nil)
		}()
	}
	for i := 0; i < 4; i++ {
		<-done
	}

	if peak != 1 {
		t.Errorf("peak concurrent executions = %d, want 1", peak)
	}
}

package loader

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/dotcommander/secplugd/pkg/secplugin"
)

func writeDiscoveryPlugin(t *testing.T, pluginsDir, id, manifest string) {
	t.Helper()
	dir := filepath.Join(pluginsDir, id)
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, ManifestFileName), []byte(manifest), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "main.go"), []byte("package main\n"), 0644); err != nil {
		t.Fatal(err)
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestDiscoverFindsPlugins(t *testing.T) {
	pluginsDir := t.TempDir()
	writeDiscoveryPlugin(t, pluginsDir, "beta", `{"id":"beta","name":"beta","version":"1.0.0","main":"main.go"}`)
	writeDiscoveryPlugin(t, pluginsDir, "alpha", `{"id":"alpha","name":"alpha","version":"1.0.0","main":"main.go"}`)

	d := NewDiscoverer(discardLogger(), pluginsDir)
	manifests, err := d.Discover()
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if len(manifests) != 2 || manifests[0].ID != "alpha" || manifests[1].ID != "beta" {
		t.Fatalf("manifests = %v", manifests)
	}
}

func TestDiscoverSkipsBrokenDirectories(t *testing.T) {
	pluginsDir := t.TempDir()
	writeDiscoveryPlugin(t, pluginsDir, "good", `{"id":"good","name":"good","version":"1.0.0","main":"main.go"}`)

	// Malformed JSON.
	writeDiscoveryPlugin(t, pluginsDir, "broken", `{not json`)
	// Manifest id contradicts its directory name.
	writeDiscoveryPlugin(t, pluginsDir, "renamed", `{"id":"other","name":"x","version":"1.0.0","main":"main.go"}`)
	// Entry source missing.
	dir := filepath.Join(pluginsDir, "noentry")
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, ManifestFileName),
		[]byte(`{"id":"noentry","name":"x","version":"1.0.0","main":"missing.go"}`), 0644); err != nil {
		t.Fatal(err)
	}
	// A stray file in plugins_dir is not a plugin directory.
	if err := os.WriteFile(filepath.Join(pluginsDir, "README"), []byte("notes"), 0644); err != nil {
		t.Fatal(err)
	}

	d := NewDiscoverer(discardLogger(), pluginsDir)
	manifests, err := d.Discover()
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if len(manifests) != 1 || manifests[0].ID != "good" {
		t.Fatalf("manifests = %v", manifests)
	}
}

func TestGetManifestNotFound(t *testing.T) {
	d := NewDiscoverer(discardLogger(), t.TempDir())
	if _, err := d.GetManifest("ghost"); !errors.Is(err, secplugin.ErrNotFound) {
		t.Fatalf("GetManifest = %v, want not_found", err)
	}
}

func TestDiscoverCachePicksUpEdits(t *testing.T) {
	pluginsDir := t.TempDir()
	writeDiscoveryPlugin(t, pluginsDir, "p", `{"id":"p","name":"first","version":"1.0.0","main":"main.go"}`)

	d := NewDiscoverer(discardLogger(), pluginsDir)
	m, err := d.GetManifest("p")
	if err != nil {
		t.Fatal(err)
	}
	if m.Name != "first" {
		t.Fatalf("Name = %s", m.Name)
	}

	if err := os.WriteFile(filepath.Join(pluginsDir, "p", ManifestFileName),
		[]byte(`{"id":"p","name":"second","version":"1.0.1","main":"main.go"}`), 0644); err != nil {
		t.Fatal(err)
	}
	d.InvalidateCache("p")

	m, err = d.GetManifest("p")
	if err != nil {
		t.Fatal(err)
	}
	if m.Name != "second" {
		t.Errorf("Name after edit = %s, want second", m.Name)
	}
}

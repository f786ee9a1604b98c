package loader

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/dotcommander/secplugd/internal/core"
	"github.com/dotcommander/secplugd/pkg/secplugin"
)

// ManifestFileName is the required manifest inside each plugin
// directory.
const ManifestFileName = "plugin.json"

// Discoverer scans plugins_dir for plugin directories, caching parsed
// manifests between scans keyed by directory name and invalidated when
// the manifest file's mtime changes.
type Discoverer struct {
	logger     *slog.Logger
	pluginsDir string
	cache      *core.MemoryCache[string, cachedManifest]
}

type cachedManifest struct {
	manifest *secplugin.Manifest
	modTime  int64
}

// NewDiscoverer creates a discoverer rooted at pluginsDir.
func NewDiscoverer(logger *slog.Logger, pluginsDir string) *Discoverer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Discoverer{
		logger:     logger.With("component", "discovery"),
		pluginsDir: pluginsDir,
		cache:      core.NewMemoryCache[string, cachedManifest](5*time.Minute, 0),
	}
}

// Discover returns every valid manifest under pluginsDir, sorted by
// plugin id. Directories with a malformed manifest are skipped with a
// warning rather than failing the whole scan.
func (d *Discoverer) Discover() ([]*secplugin.Manifest, error) {
	d.cache.RemoveExpired()

	entries, err := os.ReadDir(d.pluginsDir)
	if os.IsNotExist(err) {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("reading plugins directory: %w", err)
	}

	var manifests []*secplugin.Manifest
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		m, err := d.loadDir(entry.Name())
		if err != nil {
			d.logger.Warn("skipping plugin directory", "dir", entry.Name(), "error", err)
			continue
		}
		if m != nil {
			manifests = append(manifests, m)
		}
	}

	sort.Slice(manifests, func(i, j int) bool {
		return manifests[i].ID < manifests[j].ID
	})

	d.logger.Debug("plugin discovery complete", "found", len(manifests))
	return manifests, nil
}

// loadDir parses one plugin directory's manifest, honoring the mtime
// cache. A directory without a manifest file is not a plugin and is
// silently ignored.
func (d *Discoverer) loadDir(dirName string) (*secplugin.Manifest, error) {
	manifestPath := filepath.Join(d.pluginsDir, dirName, ManifestFileName)
	info, err := os.Stat(manifestPath)
	if os.IsNotExist(err) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}

	if cached, ok := d.cache.Get(dirName); ok && cached.modTime == info.ModTime().UnixNano() {
		return cached.manifest, nil
	}

	// Parse only; semantic validation (required fields, permission
	// enum) belongs to the Security Layer during load, so a manifest
	// with an unknown permission still produces a plugin record that
	// ends in the error state rather than silently vanishing.
	data, err := os.ReadFile(manifestPath)
	if err != nil {
		return nil, err
	}
	var m *secplugin.Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parsing manifest: %w", err)
	}
	if m == nil {
		return nil, fmt.Errorf("manifest %s is empty", manifestPath)
	}

	if m.ID != dirName {
		return nil, fmt.Errorf("manifest id %q does not match directory %q", m.ID, dirName)
	}

	entryPath := filepath.Join(d.pluginsDir, dirName, m.Main)
	if _, err := os.Stat(entryPath); err != nil {
		return nil, fmt.Errorf("entry source %s not found: %w", m.Main, err)
	}

	d.cache.Set(dirName, cachedManifest{manifest: m, modTime: info.ModTime().UnixNano()})
	return m, nil
}

// GetManifest finds one plugin's manifest by id.
func (d *Discoverer) GetManifest(id string) (*secplugin.Manifest, error) {
	m, err := d.loadDir(id)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, fmt.Errorf("%w: %s", secplugin.ErrNotFound, id)
	}
	return m, nil
}

// PluginDir returns the on-disk directory for a plugin id.
func (d *Discoverer) PluginDir(id string) string {
	return filepath.Join(d.pluginsDir, id)
}

// InvalidateCache drops the cached manifest for id, forcing a re-read
// on the next discovery; used by reload.
func (d *Discoverer) InvalidateCache(id string) {
	d.cache.Delete(id)
}

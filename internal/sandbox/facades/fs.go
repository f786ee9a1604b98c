// Package facades implements the capability API: the narrow
// host-side objects bound into a Sandbox once their permission is
// granted. Every facade normalizes and contains its inputs itself;
// none ever trusts the Sandbox to have done so.
package facades

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dotcommander/secplugd/pkg/secplugin"
)

// FilesystemFacade implements secplugin.FilesystemFacade, scoped to
// one plugin's directory on disk. Both ".." traversal and symlinks
// planted inside the plugin directory are containment escapes.
type FilesystemFacade struct {
	pluginID string
	rootDir  string
}

// NewFilesystemFacade binds the facade to rootDir, the plugin's own
// directory under plugins_dir.
func NewFilesystemFacade(pluginID, rootDir string) *FilesystemFacade {
	return &FilesystemFacade{pluginID: pluginID, rootDir: filepath.Clean(rootDir)}
}

func (f *FilesystemFacade) resolve(path string) (string, error) {
	cleaned := filepath.Clean(path)
	if filepath.IsAbs(cleaned) {
		return "", secplugin.NewRuntimeError(secplugin.KindCapabilityViolation, f.pluginID, "absolute paths not allowed", nil)
	}
	if strings.HasPrefix(cleaned, "..") {
		return "", secplugin.NewRuntimeError(secplugin.KindCapabilityViolation, f.pluginID, "path escapes plugin directory", nil)
	}

	full := filepath.Join(f.rootDir, cleaned)
	if !strings.HasPrefix(full, f.rootDir+string(filepath.Separator)) && full != f.rootDir {
		return "", secplugin.NewRuntimeError(secplugin.KindCapabilityViolation, f.pluginID, "path escapes plugin directory", nil)
	}

	// Resolve symlinks on whatever portion already exists so a link
	// planted inside the plugin directory cannot redirect outside it.
	if resolved, err := filepath.EvalSymlinks(full); err == nil {
		if !strings.HasPrefix(resolved, f.rootDir+string(filepath.Separator)) && resolved != f.rootDir {
			return "", secplugin.NewRuntimeError(secplugin.KindCapabilityViolation, f.pluginID, "symlink escapes plugin directory", nil)
		}
	}

	return full, nil
}

func (f *FilesystemFacade) ReadFile(ctx context.Context, path string) ([]byte, error) {
	full, err := f.resolve(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return nil, secplugin.NewRuntimeError(secplugin.KindPluginError, f.pluginID, fmt.Sprintf("read_file: %v", err), err)
	}
	return data, nil
}

func (f *FilesystemFacade) WriteFile(ctx context.Context, path string, data []byte) error {
	full, err := f.resolve(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		return secplugin.NewRuntimeError(secplugin.KindPluginError, f.pluginID, fmt.Sprintf("write_file: %v", err), err)
	}
	if err := os.WriteFile(full, data, 0644); err != nil {
		return secplugin.NewRuntimeError(secplugin.KindPluginError, f.pluginID, fmt.Sprintf("write_file: %v", err), err)
	}
	return nil
}

func (f *FilesystemFacade) Exists(ctx context.Context, path string) bool {
	full, err := f.resolve(path)
	if err != nil {
		return false
	}
	_, err = os.Stat(full)
	return err == nil
}

func (f *FilesystemFacade) ListDir(ctx context.Context, path string) ([]string, error) {
	full, err := f.resolve(path)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(full)
	if err != nil {
		return nil, secplugin.NewRuntimeError(secplugin.KindPluginError, f.pluginID, fmt.Sprintf("list_dir: %v", err), err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names, nil
}

// Package secplugin defines the data types shared by every layer of
// the plugin runtime: manifests, the mutable plugin record, and the
// permission vocabulary the security layer enforces.
package secplugin

import (
	"encoding/json"
	"fmt"
	"os"
)

// Permission is one token from the closed permission enum.
type Permission string

const (
	PermissionFS      Permission = "fs"
	PermissionNetwork Permission = "network"
	PermissionStorage Permission = "storage"
	PermissionEvents  Permission = "events"
	PermissionAll     Permission = "*"
)

var recognizedPermissions = map[Permission]bool{
	PermissionFS:      true,
	PermissionNetwork: true,
	PermissionStorage: true,
	PermissionEvents:  true,
	PermissionAll:     true,
}

// ExpandPermissions turns the wildcard into the full permission set
// and leaves any other permission list untouched.
func ExpandPermissions(perms []Permission) []Permission {
	for _, p := range perms {
		if p == PermissionAll {
			return []Permission{PermissionFS, PermissionNetwork, PermissionStorage, PermissionEvents}
		}
	}
	return perms
}

// ResourceLimits bounds a single plugin's resource consumption. A zero
// field means the manifest omitted it and the configured default
// applies (see EffectiveLimits); negative values never validate.
type ResourceLimits struct {
	MemoryBytes   int64 `json:"memory_bytes" validate:"omitempty,gt=0"`
	WallTimeoutMs int64 `json:"wall_timeout_ms" validate:"omitempty,gt=0"`
	CPUTimeMs     int64 `json:"cpu_time_ms" validate:"omitempty,gt=0"`
}

// Manifest is the immutable, on-disk description of a plugin.
type Manifest struct {
	ID              string         `json:"id" validate:"required"`
	Name            string         `json:"name" validate:"required"`
	Version         string         `json:"version" validate:"required"`
	Description     string         `json:"description"`
	Author          string         `json:"author"`
	Main            string         `json:"main" validate:"required"`
	Permissions     []Permission   `json:"permissions"`
	Dependencies    []string       `json:"dependencies"`
	ResourceLimits  ResourceLimits `json:"resource_limits"`
}

// LoadManifest reads and validates a manifest from plugin.json.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading manifest: %w", err)
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parsing manifest: %w", err)
	}

	if err := m.Validate(); err != nil {
		return nil, err
	}

	return &m, nil
}

// SaveManifest writes a manifest as canonical JSON.
func SaveManifest(m *Manifest, path string) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling manifest: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing manifest: %w", err)
	}
	return nil
}

// Validate checks required fields and the closed permission enum,
// reporting the sentinel errors (ErrManifestFieldMissing,
// ErrUnknownPermission) callers switch on. Struct-tag validation of
// the same required fields and of resource-limit positivity runs
// separately through internal/manifestval.
func (m *Manifest) Validate() error {
	if m.ID == "" {
		return fmt.Errorf("%w: id", ErrManifestFieldMissing)
	}
	if m.Name == "" {
		return fmt.Errorf("%w: name", ErrManifestFieldMissing)
	}
	if m.Version == "" {
		return fmt.Errorf("%w: version", ErrManifestFieldMissing)
	}
	if m.Main == "" {
		return fmt.Errorf("%w: main", ErrManifestFieldMissing)
	}

	for _, p := range m.Permissions {
		if !recognizedPermissions[p] {
			return fmt.Errorf("%w: %q", ErrUnknownPermission, p)
		}
	}

	return nil
}

// HasWildcard reports whether the manifest requests the "*" permission.
func (m *Manifest) HasWildcard() bool {
	for _, p := range m.Permissions {
		if p == PermissionAll {
			return true
		}
	}
	return false
}

// HasPermission reports whether the manifest grants perm, accounting
// for wildcard expansion.
func (m *Manifest) HasPermission(perm Permission) bool {
	for _, p := range ExpandPermissions(m.Permissions) {
		if p == perm {
			return true
		}
	}
	return false
}

// String renders a short human-readable identity line, used in logs.
func (m *Manifest) String() string {
	return fmt.Sprintf("%s@%s (%s)", m.Name, m.Version, m.ID)
}

// EffectiveLimits merges the manifest's resource limits with
// defaults for any zero field.
func (m *Manifest) EffectiveLimits(defaults ResourceLimits) ResourceLimits {
	limits := m.ResourceLimits
	if limits.MemoryBytes == 0 {
		limits.MemoryBytes = defaults.MemoryBytes
	}
	if limits.WallTimeoutMs == 0 {
		limits.WallTimeoutMs = defaults.WallTimeoutMs
	}
	if limits.CPUTimeMs == 0 {
		limits.CPUTimeMs = defaults.CPUTimeMs
	}
	return limits
}


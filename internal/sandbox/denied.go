package sandbox

import (
	"context"

	"github.com/dotcommander/secplugd/pkg/secplugin"
)

// The denial stubs below stand in for facades whose permission was not
// granted. Every call fails with permission_denied and reports a
// violation to the security layer, so an ungranted facade access is
// both rejected and counted as an intrusion event.

func (sb *Sandbox) deny(perm secplugin.Permission, op string) *secplugin.RuntimeError {
	detail := string(perm) + "." + op
	sb.reportViolation(secplugin.KindPermissionDenied, detail)
	return secplugin.NewRuntimeError(secplugin.KindPermissionDenied, sb.pluginID,
		"permission "+string(perm)+" not granted (called "+op+")", nil)
}

type deniedFS struct {
	sb *Sandbox
}

func (d *deniedFS) ReadFile(ctx context.Context, path string) ([]byte, error) {
	return nil, d.sb.deny(secplugin.PermissionFS, "read_file")
}

func (d *deniedFS) WriteFile(ctx context.Context, path string, data []byte) error {
	return d.sb.deny(secplugin.PermissionFS, "write_file")
}

func (d *deniedFS) Exists(ctx context.Context, path string) bool {
	_ = d.sb.deny(secplugin.PermissionFS, "exists")
	return false
}

func (d *deniedFS) ListDir(ctx context.Context, path string) ([]string, error) {
	return nil, d.sb.deny(secplugin.PermissionFS, "list_dir")
}

type deniedNetwork struct {
	sb *Sandbox
}

func (d *deniedNetwork) Fetch(ctx context.Context, url string, opts secplugin.FetchOptions) (secplugin.FetchResult, error) {
	return secplugin.FetchResult{}, d.sb.deny(secplugin.PermissionNetwork, "fetch")
}

type deniedStorage struct {
	sb *Sandbox
}

func (d *deniedStorage) Get(ctx context.Context, key string) ([]byte, error) {
	return nil, d.sb.deny(secplugin.PermissionStorage, "get")
}

func (d *deniedStorage) Set(ctx context.Context, key string, value []byte) error {
	return d.sb.deny(secplugin.PermissionStorage, "set")
}

func (d *deniedStorage) Delete(ctx context.Context, key string) error {
	return d.sb.deny(secplugin.PermissionStorage, "delete")
}

func (d *deniedStorage) List(ctx context.Context) ([]string, error) {
	return nil, d.sb.deny(secplugin.PermissionStorage, "list")
}

type deniedEvents struct {
	sb *Sandbox
}

func (d *deniedEvents) Emit(ctx context.Context, topic string, payload []byte) error {
	return d.sb.deny(secplugin.PermissionEvents, "emit")
}

func (d *deniedEvents) On(topic string, handler secplugin.EventHandler) error {
	return d.sb.deny(secplugin.PermissionEvents, "on")
}

package facades

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/google/uuid"

	"github.com/dotcommander/secplugd/pkg/secplugin"
)

// StorageFacade implements secplugin.StorageFacade: a per-plugin
// key->bytes mapping mirrored in the Entity's in-memory map and
// persisted under data_dir/<id>/kv/<key>. Writes go through a temp
// file and rename so a crash never leaves a torn key file.
type StorageFacade struct {
	pluginID string
	kvDir    string
	entity   kvBackedEntity
}

// kvBackedEntity is the subset of *secplugin.Entity the facade needs,
// kept as an interface so tests can substitute an in-memory double.
type kvBackedEntity interface {
	KVGet(key string) ([]byte, bool)
	KVSet(key string, value []byte)
	KVDelete(key string)
	KVList() []string
}

// NewStorageFacade binds the facade to dataDir/<pluginID>/kv.
func NewStorageFacade(pluginID, dataDir string, entity kvBackedEntity) (*StorageFacade, error) {
	kvDir := filepath.Join(dataDir, pluginID, "kv")
	if err := os.MkdirAll(kvDir, 0755); err != nil {
		return nil, fmt.Errorf("creating kv directory: %w", err)
	}
	return &StorageFacade{pluginID: pluginID, kvDir: kvDir, entity: entity}, nil
}

func (s *StorageFacade) keyPath(key string) string {
	return filepath.Join(s.kvDir, key)
}

func (s *StorageFacade) Get(ctx context.Context, key string) ([]byte, error) {
	if v, ok := s.entity.KVGet(key); ok {
		return v, nil
	}
	return nil, secplugin.NewRuntimeError(secplugin.KindPluginError, s.pluginID, "key not found: "+key, secplugin.ErrNotFound)
}

func (s *StorageFacade) Set(ctx context.Context, key string, value []byte) error {
	if err := s.writeAtomic(key, value); err != nil {
		return secplugin.NewRuntimeError(secplugin.KindPluginError, s.pluginID, fmt.Sprintf("storage.set: %v", err), err)
	}
	s.entity.KVSet(key, value)
	return nil
}

func (s *StorageFacade) Delete(ctx context.Context, key string) error {
	if err := os.Remove(s.keyPath(key)); err != nil && !os.IsNotExist(err) {
		return secplugin.NewRuntimeError(secplugin.KindPluginError, s.pluginID, fmt.Sprintf("storage.delete: %v", err), err)
	}
	s.entity.KVDelete(key)
	return nil
}

func (s *StorageFacade) List(ctx context.Context) ([]string, error) {
	keys := s.entity.KVList()
	sort.Strings(keys)
	return keys, nil
}

// writeAtomic implements write-temp-then-rename: the data lands fully
// formed in a sibling temp file before being renamed over the target,
// so a crash mid-write never leaves a truncated key file on disk.
func (s *StorageFacade) writeAtomic(key string, value []byte) error {
	target := s.keyPath(key)
	tmp := target + ".tmp-" + uuid.NewString()

	if err := os.WriteFile(tmp, value, 0644); err != nil {
		return err
	}
	if err := os.Rename(tmp, target); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

// LoadFromDisk repopulates entity's in-memory mirror from whatever kv
// files already exist, used when a plugin with existing persisted
// storage is reloaded.
func (s *StorageFacade) LoadFromDisk() error {
	entries, err := os.ReadDir(s.kvDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("listing kv directory: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.kvDir, e.Name()))
		if err != nil {
			continue
		}
		s.entity.KVSet(e.Name(), data)
	}
	return nil
}

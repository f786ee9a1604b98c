package facades

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/dotcommander/secplugd/pkg/secplugin"
)

func TestFilesystemContainment(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()
	if err := os.WriteFile(filepath.Join(outside, "secret.txt"), []byte("secret"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "inside.txt"), []byte("inside"), 0644); err != nil {
		t.Fatal(err)
	}

	f := NewFilesystemFacade("fs-test", root)
	ctx := context.Background()

	tests := []struct {
		name      string
		path      string
		wantKind  secplugin.Kind
		wantAllow bool
	}{
		{"plain relative path", "inside.txt", "", true},
		{"dotdot escape", "../../etc/passwd", secplugin.KindCapabilityViolation, false},
		{"absolute path", "/etc/passwd", secplugin.KindCapabilityViolation, false},
		{"dotdot into sibling", "../" + filepath.Base(outside) + "/secret.txt", secplugin.KindCapabilityViolation, false},
		{"nested relative", "sub/../inside.txt", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.ReadFile(ctx, tt.path)
			if tt.wantAllow {
				if err != nil {
					t.Fatalf("ReadFile(%q) = %v, want success", tt.path, err)
				}
				return
			}
			if !secplugin.IsKind(err, tt.wantKind) {
				t.Fatalf("ReadFile(%q) = %v, want %s", tt.path, err, tt.wantKind)
			}
		})
	}
}

func TestFilesystemSymlinkEscape(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()
	target := filepath.Join(outside, "target.txt")
	if err := os.WriteFile(target, []byte("outside data"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink(target, filepath.Join(root, "link.txt")); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}

	f := NewFilesystemFacade("fs-test", root)
	if _, err := f.ReadFile(context.Background(), "link.txt"); !secplugin.IsKind(err, secplugin.KindCapabilityViolation) {
		t.Fatalf("symlink read = %v, want capability_violation", err)
	}
}

func TestFilesystemWriteReadList(t *testing.T) {
	root := t.TempDir()
	f := NewFilesystemFacade("fs-test", root)
	ctx := context.Background()

	if err := f.WriteFile(ctx, "data/out.txt", []byte("payload")); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	data, err := f.ReadFile(ctx, "data/out.txt")
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(data) != "payload" {
		t.Errorf("read back %q", data)
	}

	if !f.Exists(ctx, "data/out.txt") {
		t.Error("Exists = false for written file")
	}
	if f.Exists(ctx, "../escape") {
		t.Error("Exists = true for escaping path")
	}

	names, err := f.ListDir(ctx, "data")
	if err != nil {
		t.Fatalf("ListDir: %v", err)
	}
	if len(names) != 1 || names[0] != "out.txt" {
		t.Errorf("ListDir = %v", names)
	}
}

package loader

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
)

func ExampleDiscoverer() {
	pluginsDir, err := os.MkdirTemp("", "plugins")
	if err != nil {
		fmt.Println(err)
		return
	}
	defer os.RemoveAll(pluginsDir)

	dir := filepath.Join(pluginsDir, "greeter")
	_ = os.MkdirAll(dir, 0755)
	_ = os.WriteFile(filepath.Join(dir, "plugin.json"),
		[]byte(`{"id":"greeter","name":"Greeter","version":"1.0.0","main":"main.go"}`), 0644)
	_ = os.WriteFile(filepath.Join(dir, "main.go"), []byte("package main\n"), 0644)

	d := NewDiscoverer(slog.New(slog.NewTextHandler(io.Discard, nil)), pluginsDir)
	manifests, err := d.Discover()
	if err != nil {
		fmt.Println(err)
		return
	}

	for _, m := range manifests {
		fmt.Printf("%s %s\n", m.ID, m.Version)
	}
	// Output: greeter 1.0.0
}

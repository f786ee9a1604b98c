package secplugin

import (
	"context"
	"fmt"
)

type greeterPlugin struct{}

func (greeterPlugin) Execute(ctx context.Context, api *Capabilities, args any) (any, error) {
	return "hello", nil
}

func ExampleManifest_HasPermission() {
	m := &Manifest{
		ID:          "example",
		Name:        "Example",
		Version:     "1.0.0",
		Main:        "main.go",
		Permissions: []Permission{PermissionFS, PermissionStorage},
	}

	fmt.Println(m.HasPermission(PermissionFS))
	fmt.Println(m.HasPermission(PermissionNetwork))
	// Output:
	// true
	// false
}

func ExampleExpandPermissions() {
	for _, p := range ExpandPermissions([]Permission{PermissionAll}) {
		fmt.Println(p)
	}
	// Output:
	// fs
	// network
	// storage
	// events
}

func ExampleManifest_EffectiveLimits() {
	m := &Manifest{
		ID:      "example",
		Name:    "Example",
		Version: "1.0.0",
		Main:    "main.go",
		ResourceLimits: ResourceLimits{
			WallTimeoutMs: 250,
		},
	}

	limits := m.EffectiveLimits(ResourceLimits{
		MemoryBytes:   64 << 20,
		WallTimeoutMs: 5000,
		CPUTimeMs:     5000,
	})

	fmt.Println(limits.WallTimeoutMs)
	fmt.Println(limits.CPUTimeMs)
	// Output:
	// 250
	// 5000
}

func ExampleRegistry() {
	registry := NewRegistry()
	_ = registry.Register("greeter", func() Plugin { return greeterPlugin{} })

	fmt.Println(registry.Has("greeter"))
	fmt.Println(registry.Has("missing"))
	// Output:
	// true
	// false
}

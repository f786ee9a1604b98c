// Command secplugd-new scaffolds a plugin directory: a plugin.json
// manifest plus a stub Go source implementing the Execute entrypoint
// (and the optional Init/Configure/Destroy hooks).
package main

import (
	"embed"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/template"
)

//go:embed templates/*
var templates embed.FS

type pluginData struct {
	ID          string
	Name        string
	Package     string
	Description string
	Author      string
	Version     string
	Permissions string
}

func main() {
	var (
		perms   = flag.String("permissions", "", "comma-separated permissions (fs,network,storage,events)")
		author  = flag.String("author", os.Getenv("USER"), "plugin author")
		version = flag.String("version", "0.1.0", "initial version")
		outDir  = flag.String("out", ".", "directory to create the plugin under")
	)
	flag.Usage = func() {
		fmt.Fprintln(os.Stderr, "Usage: secplugd-new [flags] <plugin-id>")
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(1)
	}
	id := flag.Arg(0)

	if err := validatePermissions(*perms); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	pluginDir := filepath.Join(*outDir, id)
	if err := os.MkdirAll(pluginDir, 0755); err != nil {
		fmt.Fprintf(os.Stderr, "Error creating directory: %v\n", err)
		os.Exit(1)
	}

	data := pluginData{
		ID:          id,
		Name:        id,
		Package:     strings.ReplaceAll(id, "-", "_"),
		Description: fmt.Sprintf("The %s plugin.", id),
		Author:      *author,
		Version:     *version,
		Permissions: permissionsJSON(*perms),
	}

	files := map[string]string{
		"templates/plugin.json.tmpl": filepath.Join(pluginDir, "plugin.json"),
		"templates/plugin.go.tmpl":   filepath.Join(pluginDir, "main.go"),
		"templates/README.md.tmpl":   filepath.Join(pluginDir, "README.md"),
	}

	for tmplPath, outPath := range files {
		if err := generateFile(tmplPath, outPath, data); err != nil {
			fmt.Fprintf(os.Stderr, "Error generating %s: %v\n", outPath, err)
			os.Exit(1)
		}
		fmt.Printf("created %s\n", outPath)
	}

	fmt.Printf("\nPlugin %s scaffolded. Register its implementation with the\n", id)
	fmt.Println("runtime's Registry, then sign the directory if signatures are required.")
}

func validatePermissions(perms string) error {
	if perms == "" {
		return nil
	}
	valid := map[string]bool{"fs": true, "network": true, "storage": true, "events": true, "*": true}
	for _, p := range strings.Split(perms, ",") {
		p = strings.TrimSpace(p)
		if !valid[p] {
			return fmt.Errorf("unknown permission %q (valid: fs, network, storage, events, *)", p)
		}
	}
	return nil
}

func permissionsJSON(perms string) string {
	if perms == "" {
		return ""
	}
	var quoted []string
	for _, p := range strings.Split(perms, ",") {
		quoted = append(quoted, fmt.Sprintf("%q", strings.TrimSpace(p)))
	}
	return strings.Join(quoted, ", ")
}

func generateFile(tmplPath, outPath string, data pluginData) error {
	content, err := templates.ReadFile(tmplPath)
	if err != nil {
		return fmt.Errorf("reading template: %w", err)
	}

	tmpl, err := template.New(filepath.Base(tmplPath)).Parse(string(content))
	if err != nil {
		return fmt.Errorf("parsing template: %w", err)
	}

	f, err := os.Create(outPath)
	if err != nil {
		return err
	}
	defer f.Close()

	return tmpl.Execute(f, data)
}

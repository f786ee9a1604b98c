// Package security implements the runtime's trust boundary: manifest
// validation, the static source scanner, RSA signature verification,
// the hash-chained audit log, and intrusion detection.
package security

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Severity classifies one scanner finding.
type Severity string

const (
	SeverityHigh   Severity = "high"
	SeverityMedium Severity = "medium"
	SeverityInfo   Severity = "info"
)

// Issue is one finding from a scan of plugin source.
type Issue struct {
	Severity Severity `json:"severity"`
	Pattern  string   `json:"pattern"`
	File     string   `json:"file"`
	Line     int      `json:"line"`
	Snippet  string   `json:"snippet"`
}

// ScanResult summarizes one scan over a plugin's bundled sources.
type ScanResult struct {
	PluginID string  `json:"plugin_id"`
	Issues   []Issue `json:"issues"`
}

// HasHighSeverity reports whether any finding is fatal to load.
func (r *ScanResult) HasHighSeverity() bool {
	for _, issue := range r.Issues {
		if issue.Severity == SeverityHigh {
			return true
		}
	}
	return false
}

type scanPattern struct {
	name     string
	severity Severity
	re       *regexp.Regexp
}

// High-severity patterns are fatal to load: dynamic code evaluation,
// reflective access to the host module system, process control, and
// global-scope mutation. Medium patterns are recorded but never
// fatal.
var scanPatterns = []scanPattern{
	{"dynamic-code-eval", SeverityHigh, regexp.MustCompile(`\beval\s*\(|new\s+Function\s*\(`)},
	{"module-system-access", SeverityHigh, regexp.MustCompile(`\brequire\s*\(\s*[^"'\x60]|\bmodule\.constructor\b|\bimport\s*\(`)},
	{"process-control", SeverityHigh, regexp.MustCompile(`\bprocess\.(exit|kill|binding)\b|\bchild_process\b|\bos/exec\b|\bsyscall\.(Exec|Kill|ForkExec)\b`)},
	{"prototype-mutation", SeverityHigh, regexp.MustCompile(`__proto__|Object\.setPrototypeOf|\.prototype\s*=[^=]`)},
	{"global-scope-inspection", SeverityHigh, regexp.MustCompile(`\bglobalThis\b|\bunsafe\.Pointer\b|\breflect\.NewAt\b`)},
	{"global-holder-write", SeverityMedium, regexp.MustCompile(`\bglobal\.[A-Za-z_]\w*\s*=|\bprocess\.env\.[A-Za-z_]\w*\s*=`)},
	{"encoded-string", SeverityMedium, regexp.MustCompile(`(?i)\bfromCharCode\b|\batob\s*\(|base64\.(Std|RawStd)Encoding\.DecodeString\s*\(\s*"[A-Za-z0-9+/]{40,}`)},
	{"env-read", SeverityInfo, regexp.MustCompile(`\bprocess\.env\b|\bos\.Getenv\b`)},
}

// Scanner runs pattern-based static analysis over plugin sources
// before any Sandbox is constructed.
type Scanner struct {
	maxFileBytes int64
}

// NewScanner creates a scanner; maxFileBytes bounds how much of any
// single source file is examined (non-positive means 1 MiB).
func NewScanner(maxFileBytes int64) *Scanner {
	if maxFileBytes <= 0 {
		maxFileBytes = 1 << 20
	}
	return &Scanner{maxFileBytes: maxFileBytes}
}

// ScanPlugin scans the entry source and every other source file
// directly bundled in the plugin directory. Files are scanned
// concurrently; findings come back ordered by file then line.
func (s *Scanner) ScanPlugin(pluginID, pluginDir, entrySource string) (*ScanResult, error) {
	result := &ScanResult{PluginID: pluginID}

	sources, err := BundledSources(pluginDir, entrySource)
	if err != nil {
		return nil, fmt.Errorf("enumerating plugin sources: %w", err)
	}

	var g errgroup.Group
	var mu sync.Mutex
	for _, src := range sources {
		src := src
		g.Go(func() error {
			issues, err := s.scanFile(pluginDir, src)
			if err != nil {
				return err
			}
			mu.Lock()
			result.Issues = append(result.Issues, issues...)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(result.Issues, func(i, j int) bool {
		a, b := result.Issues[i], result.Issues[j]
		if a.File != b.File {
			return a.File < b.File
		}
		return a.Line < b.Line
	})

	return result, nil
}

func (s *Scanner) scanFile(pluginDir, relPath string) ([]Issue, error) {
	f, err := os.Open(filepath.Join(pluginDir, relPath))
	if err != nil {
		return nil, fmt.Errorf("opening source %s: %w", relPath, err)
	}
	defer f.Close()

	var issues []Issue
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), int(s.maxFileBytes))

	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		for _, p := range scanPatterns {
			if p.re.MatchString(line) {
				issues = append(issues, Issue{
					Severity: p.severity,
					Pattern:  p.name,
					File:     relPath,
					Line:     lineNo,
					Snippet:  truncateSnippet(line),
				})
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scanning source %s: %w", relPath, err)
	}

	return issues, nil
}

func truncateSnippet(line string) string {
	line = strings.TrimSpace(line)
	if len(line) > 120 {
		return line[:120]
	}
	return line
}

// BundledSources lists the plugin's source files relative to
// pluginDir: the entry source first, then every other source file in
// sorted path order, the same ordering the signature format covers.
// Manifest and signature files are not sources.
func BundledSources(pluginDir, entrySource string) ([]string, error) {
	seen := map[string]bool{entrySource: true}
	sources := []string{entrySource}

	var others []string
	err := filepath.WalkDir(pluginDir, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, err := filepath.Rel(pluginDir, path)
		if err != nil {
			return err
		}
		name := d.Name()
		if name == "plugin.json" || name == "plugin.sig" {
			return nil
		}
		if !isSourceFile(name) {
			return nil
		}
		if !seen[rel] {
			seen[rel] = true
			others = append(others, rel)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	// WalkDir already visits lexically, but the contract is sorted
	// path order, so make it explicit.
	sort.Strings(others)
	return append(sources, others...), nil
}

func isSourceFile(name string) bool {
	switch filepath.Ext(name) {
	case ".go", ".js", ".ts", ".py", ".lua":
		return true
	}
	return false
}

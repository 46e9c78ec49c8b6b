package guardrail

import (
	"path/filepath"
	"regexp"
	"strings"
)

// Severity classifies a static validation violation.
type Severity string

const (
	// SeverityCritical means the artifact cannot possibly execute; the
	// owning task is failed without attempting verification.
	SeverityCritical Severity = "critical"
	// SeverityWarning is logged; execution continues.
	SeverityWarning Severity = "warning"
)

// Violation is one unresolved external dependency reference found in
// generated output.
type Violation struct {
	File       string   `json:"file"`
	Dependency string   `json:"dependency"`
	Severity   Severity `json:"severity"`
	Message    string   `json:"message"`
}

// HasCritical reports whether any violation is critical.
func HasCritical(violations []Violation) bool {
	return CountCritical(violations) > 0
}

// CountCritical returns the number of critical violations, excluding
// warnings.
func CountCritical(violations []Violation) int {
	n := 0
	for _, v := range violations {
		if v.Severity == SeverityCritical {
			n++
		}
	}
	return n
}

var (
	goImportSingle = regexp.MustCompile(`(?m)^\s*import\s+(?:\w+\s+)?"([^"]+)"`)
	goImportBlock  = regexp.MustCompile(`(?s)import\s*\(([^)]*)\)`)
	goImportLine   = regexp.MustCompile(`(?m)^\s*(?:\w+\s+)?"([^"]+)"`)

	jsImport  = regexp.MustCompile(`(?m)(?:^|\s)import\s+(?:[\w{},*\s]+\s+from\s+)?['"]([^'"]+)['"]`)
	jsRequire = regexp.MustCompile(`require\(\s*['"]([^'"]+)['"]\s*\)`)
	// Dynamic imports cannot be resolved statically with certainty.
	jsDynamicImport = regexp.MustCompile(`import\(\s*['"]([^'"]+)['"]\s*\)`)

	pyImport     = regexp.MustCompile(`(?m)^\s*import\s+([\w.]+)`)
	pyFromImport = regexp.MustCompile(`(?m)^\s*from\s+([\w.]+)\s+import`)
	pyDynamic    = regexp.MustCompile(`__import__\(\s*['"]([\w.]+)['"]\s*\)`)
)

// nodeBuiltins are resolvable without installation.
var nodeBuiltins = map[string]bool{
	"assert": true, "buffer": true, "child_process": true, "crypto": true,
	"events": true, "fs": true, "http": true, "https": true, "net": true,
	"os": true, "path": true, "process": true, "stream": true, "url": true,
	"util": true, "zlib": true,
}

// pyStdlib covers the modules generated code most commonly pulls in.
var pyStdlib = map[string]bool{
	"abc": true, "argparse": true, "asyncio": true, "collections": true,
	"dataclasses": true, "datetime": true, "enum": true, "functools": true,
	"io": true, "itertools": true, "json": true, "logging": true,
	"math": true, "os": true, "pathlib": true, "random": true, "re": true,
	"string": true, "subprocess": true, "sys": true, "time": true,
	"typing": true, "unittest": true, "uuid": true,
}

// ValidateArtifact scans generated files for references to external
// dependencies not present in the known-good set. Static top-level
// imports of an unknown dependency are critical (the code cannot
// execute); dynamic references are warnings.
func (m *Monitor) ValidateArtifact(files map[string]string) []Violation {
	allowed := make(map[string]bool, len(m.cfg.AllowedDependencies))
	for _, dep := range m.cfg.AllowedDependencies {
		allowed[dep] = true
	}

	var violations []Violation
	for path, content := range files {
		switch filepath.Ext(path) {
		case ".go":
			violations = append(violations, scanGo(path, content, allowed)...)
		case ".js", ".jsx", ".ts", ".tsx", ".mjs":
			violations = append(violations, scanJS(path, content, allowed)...)
		case ".py":
			violations = append(violations, scanPython(path, content, allowed)...)
		}
	}
	return violations
}

func scanGo(path, content string, allowed map[string]bool) []Violation {
	deps := map[string]bool{}
	for _, match := range goImportSingle.FindAllStringSubmatch(content, -1) {
		deps[match[1]] = true
	}
	for _, block := range goImportBlock.FindAllStringSubmatch(content, -1) {
		for _, match := range goImportLine.FindAllStringSubmatch(block[1], -1) {
			deps[match[1]] = true
		}
	}

	var out []Violation
	for dep := range deps {
		// Stdlib import paths have no dot in the first segment.
		first := strings.SplitN(dep, "/", 2)[0]
		if !strings.Contains(first, ".") {
			continue
		}
		if allowedPrefix(dep, allowed) {
			continue
		}
		out = append(out, Violation{
			File: path, Dependency: dep, Severity: SeverityCritical,
			Message: "import of undeclared external module " + dep,
		})
	}
	return out
}

func scanJS(path, content string, allowed map[string]bool) []Violation {
	var out []Violation
	check := func(dep string, severity Severity) {
		if strings.HasPrefix(dep, ".") || strings.HasPrefix(dep, "/") {
			return
		}
		root := packageRoot(dep)
		if nodeBuiltins[root] || strings.HasPrefix(dep, "node:") {
			return
		}
		if allowed[root] || allowed[dep] {
			return
		}
		out = append(out, Violation{
			File: path, Dependency: dep, Severity: severity,
			Message: "reference to undeclared package " + dep,
		})
	}
	for _, match := range jsImport.FindAllStringSubmatch(content, -1) {
		check(match[1], SeverityCritical)
	}
	for _, match := range jsRequire.FindAllStringSubmatch(content, -1) {
		check(match[1], SeverityCritical)
	}
	for _, match := range jsDynamicImport.FindAllStringSubmatch(content, -1) {
		check(match[1], SeverityWarning)
	}
	return out
}

func scanPython(path, content string, allowed map[string]bool) []Violation {
	var out []Violation
	check := func(dep string, severity Severity) {
		root := strings.SplitN(dep, ".", 2)[0]
		if pyStdlib[root] || allowed[root] || allowed[dep] {
			return
		}
		out = append(out, Violation{
			File: path, Dependency: dep, Severity: severity,
			Message: "reference to undeclared module " + dep,
		})
	}
	for _, match := range pyImport.FindAllStringSubmatch(content, -1) {
		check(match[1], SeverityCritical)
	}
	for _, match := range pyFromImport.FindAllStringSubmatch(content, -1) {
		check(match[1], SeverityCritical)
	}
	for _, match := range pyDynamic.FindAllStringSubmatch(content, -1) {
		check(match[1], SeverityWarning)
	}
	return out
}

// packageRoot returns the npm package name for a specifier, handling
// scoped packages.
func packageRoot(dep string) string {
	parts := strings.Split(dep, "/")
	if strings.HasPrefix(dep, "@") && len(parts) >= 2 {
		return parts[0] + "/" + parts[1]
	}
	return parts[0]
}

// allowedPrefix reports whether dep or any parent path is allowed,
// so allowing github.com/org/repo covers its subpackages.
func allowedPrefix(dep string, allowed map[string]bool) bool {
	if allowed[dep] {
		return true
	}
	for i := len(dep) - 1; i > 0; i-- {
		if dep[i] == '/' && allowed[dep[:i]] {
			return true
		}
	}
	return false
}

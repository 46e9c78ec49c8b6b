package verify

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// ErrPathTraversal is returned when an artifact path would resolve
// outside its root directory.
var ErrPathTraversal = errors.New("path traversal detected")

// resolveUnder validates a model-generated artifact path and resolves
// it under root. Artifact paths are untrusted input: absolute paths
// and anything containing ".." are rejected outright, and the
// resolved path is re-checked against the root so nothing can be
// written outside the sandbox or the artifact output directory.
func resolveUnder(root, path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("empty artifact path")
	}
	if filepath.IsAbs(path) {
		return "", fmt.Errorf("%w: absolute path %q", ErrPathTraversal, path)
	}
	if strings.Contains(path, "..") {
		return "", fmt.Errorf("%w: %q contains '..'", ErrPathTraversal, path)
	}

	full := filepath.Join(root, filepath.Clean(path))

	rel, err := filepath.Rel(root, full)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q escapes %s", ErrPathTraversal, path, root)
	}
	return full, nil
}

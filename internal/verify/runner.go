package verify

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"go.uber.org/zap"
)

// ScriptRunner is a Runner that materializes the artifact in a
// temporary directory and executes a configured command there. The
// command's exit code decides pass/fail; its combined output becomes
// the failure log. Time-boxing comes from the ctx the Verifier passes
// in.
type ScriptRunner struct {
	// Command and Args form the verification command, e.g.
	// "go" ["test", "./..."] or a sandbox wrapper script.
	Command string
	Args    []string
	logger  *zap.Logger
}

// NewScriptRunner creates a script runner.
func NewScriptRunner(command string, args []string, logger *zap.Logger) (*ScriptRunner, error) {
	if command == "" {
		return nil, fmt.Errorf("command is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ScriptRunner{Command: command, Args: args, logger: logger}, nil
}

// Run writes files under a fresh temp dir and executes the command
// with the dir as working directory.
func (r *ScriptRunner) Run(ctx context.Context, files map[string]string) (*RunResult, error) {
	dir, err := os.MkdirTemp("", "orchestd-verify-*")
	if err != nil {
		return nil, fmt.Errorf("create sandbox dir: %w", err)
	}
	defer os.RemoveAll(dir)

	for path, content := range files {
		full, err := resolveUnder(dir, path)
		if err != nil {
			return nil, err
		}
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			return nil, fmt.Errorf("create dir for %s: %w", path, err)
		}
		if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
			return nil, fmt.Errorf("write %s: %w", path, err)
		}
	}

	cmd := exec.CommandContext(ctx, r.Command, r.Args...)
	cmd.Dir = dir
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	runErr := cmd.Run()
	result := &RunResult{Passed: runErr == nil, Output: out.String()}
	if runErr != nil {
		r.logger.Debug("verification command failed",
			zap.String("command", r.Command),
			zap.Error(runErr))
		if ctx.Err() != nil {
			result.Output += "\n(sandbox timed out)"
		}
	}
	return result, nil
}

// DiskWriter is a FileWriter that persists artifacts under a root
// directory, optionally backing up the previous version.
type DiskWriter struct {
	Root   string
	logger *zap.Logger
}

// NewDiskWriter creates a disk writer rooted at dir.
func NewDiskWriter(root string, logger *zap.Logger) (*DiskWriter, error) {
	if root == "" {
		return nil, fmt.Errorf("root directory is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DiskWriter{Root: root, logger: logger}, nil
}

// Write persists one file. With createBackup, an existing file is
// first copied to path+".bak" and the backup path is reported.
func (w *DiskWriter) Write(path, content string, createBackup bool) (*WriteResult, error) {
	full, err := resolveUnder(w.Root, path)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return nil, fmt.Errorf("create dir for %s: %w", path, err)
	}

	result := &WriteResult{}
	if createBackup {
		if prev, err := os.ReadFile(full); err == nil {
			backup := full + ".bak"
			if err := os.WriteFile(backup, prev, 0o644); err != nil {
				return nil, fmt.Errorf("backup %s: %w", path, err)
			}
			result.BackupPath = backup
		}
	}

	if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
		return nil, fmt.Errorf("write %s: %w", path, err)
	}
	w.logger.Debug("artifact persisted", zap.String("path", full))
	return result, nil
}

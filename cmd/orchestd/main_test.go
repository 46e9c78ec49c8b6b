package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/orchestd/internal/config"
)

func TestBuildEngineFromDefaults(t *testing.T) {
	cfg := config.Default()
	cfg.Verify.OutputDir = t.TempDir()
	cfg.History.Dir = t.TempDir()

	eng, err := buildEngine(cfg)
	require.NoError(t, err)

	assert.NotNil(t, eng.sched)
	assert.NotNil(t, eng.exec)
	assert.NotNil(t, eng.ledger)
	assert.NotNil(t, eng.bus)
}

func TestBuildEngineWithSandboxCommand(t *testing.T) {
	cfg := config.Default()
	cfg.Verify.OutputDir = t.TempDir()
	cfg.Verify.Command = "sh"
	cfg.Verify.Args = []string{"-c", "exit 0"}

	eng, err := buildEngine(cfg)
	require.NoError(t, err)
	assert.NotNil(t, eng.sched)
}

func TestRootCommandHasSubcommands(t *testing.T) {
	names := map[string]bool{}
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	assert.True(t, names["serve"])
	assert.True(t, names["run"])
	assert.True(t, names["version"])
}

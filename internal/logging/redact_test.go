package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestRedactedString(t *testing.T) {
	f := RedactedString("api_key", "sk-12345")
	assert.Equal(t, "[REDACTED:8]", f.String)
}

func TestRedactingCoreMasksSensitiveFields(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	logger := zap.New(NewRedactingCore(core))

	logger.Info("provider call",
		zap.String("api_key", "sk-very-secret"),
		zap.String("model", "gpt-4o"))

	require.Equal(t, 1, logs.Len())
	fields := logs.All()[0].ContextMap()
	assert.Equal(t, "[REDACTED:14]", fields["api_key"])
	assert.Equal(t, "gpt-4o", fields["model"])
}

func TestRedactingCorePreservesWithFields(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	logger := zap.New(NewRedactingCore(core)).With(zap.String("token", "abc"))

	logger.Warn("something")

	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "[REDACTED:3]", logs.All()[0].ContextMap()["token"])
}

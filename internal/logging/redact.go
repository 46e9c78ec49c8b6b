package logging

import (
	"strconv"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// sensitiveKeys are field names whose values are never logged in the
// clear. Matching is case-insensitive on the full key.
var sensitiveKeys = map[string]bool{
	"api_key":       true,
	"apikey":        true,
	"authorization": true,
	"password":      true,
	"secret":        true,
	"token":         true,
}

// RedactedString creates a zap field carrying only the value's length.
func RedactedString(key, val string) zap.Field {
	return zap.String(key, "[REDACTED:"+strconv.Itoa(len(val))+"]")
}

// redactingCore wraps a zapcore.Core and redacts sensitive string
// fields at write time, so a stray zap.String("api_key", ...) cannot
// leak a credential.
type redactingCore struct {
	zapcore.Core
}

// NewRedactingCore wraps core with field redaction.
func NewRedactingCore(core zapcore.Core) zapcore.Core {
	return &redactingCore{Core: core}
}

func (c *redactingCore) With(fields []zapcore.Field) zapcore.Core {
	return &redactingCore{Core: c.Core.With(redactFields(fields))}
}

func (c *redactingCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(ent.Level) {
		return ce.AddCore(ent, c)
	}
	return ce
}

func (c *redactingCore) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	return c.Core.Write(ent, redactFields(fields))
}

func redactFields(fields []zapcore.Field) []zapcore.Field {
	var out []zapcore.Field
	for i, f := range fields {
		if f.Type == zapcore.StringType && sensitiveKeys[strings.ToLower(f.Key)] {
			if out == nil {
				out = make([]zapcore.Field, len(fields))
				copy(out, fields)
			}
			out[i] = RedactedString(f.Key, f.String)
		}
	}
	if out == nil {
		return fields
	}
	return out
}

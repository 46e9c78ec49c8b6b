// Package schema validates structured model output against registered
// JSON schemas. Each phase declares the shape its output must satisfy;
// a validation failure is retryable from the executor's point of view
// because the model is asked to self-correct.
package schema

import (
	"fmt"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"
	"go.uber.org/zap"
)

// Result reports the outcome of a validation.
type Result struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors,omitempty"`
}

// Validator validates JSON payloads against named schemas. Compiled
// schemas are cached; registration is typically done once at startup.
type Validator struct {
	mu     sync.RWMutex
	cache  map[string]*gojsonschema.Schema
	logger *zap.Logger
}

// NewValidator creates a validator with the built-in phase schemas
// registered.
func NewValidator(logger *zap.Logger) (*Validator, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	v := &Validator{
		cache:  make(map[string]*gojsonschema.Schema),
		logger: logger,
	}
	for name, raw := range builtinSchemas() {
		if err := v.Register(name, raw); err != nil {
			return nil, fmt.Errorf("register builtin schema %s: %w", name, err)
		}
	}
	return v, nil
}

// Register compiles and caches a schema under the given name,
// replacing any previous registration.
func (v *Validator) Register(name, schemaJSON string) error {
	compiled, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(schemaJSON))
	if err != nil {
		return fmt.Errorf("compile schema %s: %w", name, err)
	}
	v.mu.Lock()
	v.cache[name] = compiled
	v.mu.Unlock()
	return nil
}

// Validate checks payload against the named schema. It returns an
// error only for operational failures (unknown schema, unparseable
// payload surfaces as an invalid result, not an error).
func (v *Validator) Validate(payload []byte, schemaName string) (*Result, error) {
	v.mu.RLock()
	compiled, ok := v.cache[schemaName]
	v.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown schema: %s", schemaName)
	}

	result, err := compiled.Validate(gojsonschema.NewBytesLoader(payload))
	if err != nil {
		// Unparseable JSON is a validation failure the model can fix.
		return &Result{Valid: false, Errors: []string{fmt.Sprintf("payload is not valid JSON: %v", err)}}, nil
	}

	out := &Result{Valid: result.Valid()}
	if !out.Valid {
		for _, desc := range result.Errors() {
			out.Errors = append(out.Errors, formatValidationError(desc.String()))
		}
		v.logger.Debug("schema validation failed",
			zap.String("schema", schemaName),
			zap.Strings("errors", out.Errors))
	}
	return out, nil
}

// Registered reports whether a schema name is known.
func (v *Validator) Registered(name string) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	_, ok := v.cache[name]
	return ok
}

// formatValidationError converts gojsonschema messages into friendlier
// feedback suitable for re-prompting the model.
func formatValidationError(raw string) string {
	if strings.Contains(raw, "is required") {
		parts := strings.SplitN(raw, ":", 2)
		if len(parts) == 2 {
			field := strings.TrimSuffix(strings.TrimSpace(parts[1]), " is required")
			return fmt.Sprintf("missing required field: %s", field)
		}
	}
	if strings.Contains(raw, "Invalid type") {
		return strings.ToLower(strings.ReplaceAll(raw, "Invalid type.", "wrong type:"))
	}
	return raw
}

// builtinSchemas returns the schemas for each phase's structured output.
func builtinSchemas() map[string]string {
	return map[string]string{
		// plan: decomposition produced by the planning phase.
		"plan": `{
			"type": "object",
			"required": ["milestones"],
			"properties": {
				"milestones": {
					"type": "array",
					"minItems": 1,
					"items": {
						"type": "object",
						"required": ["name", "tasks"],
						"properties": {
							"name": {"type": "string"},
							"tasks": {
								"type": "array",
								"minItems": 1,
								"items": {
									"type": "object",
									"required": ["description", "phase"],
									"properties": {
										"description": {"type": "string"},
										"phase": {"type": "string"},
										"depends_on": {"type": "array", "items": {"type": "string"}}
									}
								}
							}
						}
					}
				}
			}
		}`,
		// design/build/test: artifact-producing phases return files.
		"artifact": `{
			"type": "object",
			"required": ["files"],
			"properties": {
				"files": {
					"type": "array",
					"minItems": 1,
					"items": {
						"type": "object",
						"required": ["path", "content"],
						"properties": {
							"path": {"type": "string"},
							"content": {"type": "string"}
						}
					}
				},
				"notes": {"type": "string"}
			}
		}`,
		// review: quality-gate output for the feedback loop.
		"review": `{
			"type": "object",
			"required": ["score"],
			"properties": {
				"score": {"type": "number", "minimum": 0, "maximum": 1},
				"issues": {"type": "array", "items": {"type": "string"}}
			}
		}`,
		// failure_report: structured error locations extracted from a
		// raw verification failure log by a cheap tier.
		"failure_report": `{
			"type": "object",
			"required": ["errors"],
			"properties": {
				"errors": {
					"type": "array",
					"items": {
						"type": "object",
						"required": ["file", "message"],
						"properties": {
							"file": {"type": "string"},
							"line": {"type": "integer"},
							"message": {"type": "string"}
						}
					}
				},
				"summary": {"type": "string"}
			}
		}`,
	}
}

package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// baseSchema is the structural contract every protocol document must satisfy
// before semantic validation runs. Unknown field kinds, rule scopes and
// actions are rejected here rather than at runtime use.
const baseSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["metadata", "sections", "steps"],
  "properties": {
    "metadata": {
      "type": "object",
      "required": ["id", "version", "category"],
      "properties": {
        "id": {"type": "string", "minLength": 1},
        "version": {"type": "string", "minLength": 1},
        "category": {"type": "string", "minLength": 1},
        "title": {"type": "string"}
      }
    },
    "sections": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["id", "fields"],
        "properties": {
          "id": {"type": "string", "minLength": 1},
          "title": {"type": "string"},
          "fields": {
            "type": "array",
            "items": {
              "type": "object",
              "required": ["id", "kind"],
              "properties": {
                "id": {"type": "string", "minLength": 1},
                "label": {"type": "string"},
                "kind": {"enum": ["text", "number", "date", "select", "boolean", "file"]},
                "unit": {"type": "string"},
                "required": {"type": "boolean"},
                "visible_if": {"type": "string"},
                "required_if": {"type": "string"},
                "min": {"type": "number"},
                "max": {"type": "number"},
                "increment": {"type": "number"},
                "pattern": {"type": "string"},
                "options": {"type": "array", "items": {"type": "string"}},
                "min_date": {"type": "string"},
                "max_date": {"type": "string"}
              }
            }
          }
        }
      }
    },
    "steps": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["id", "name", "kind"],
        "properties": {
          "id": {"type": "string", "minLength": 1},
          "name": {"type": "string", "minLength": 1},
          "kind": {"enum": ["preparation", "measurement", "monitoring", "analysis"]},
          "fields": {"type": "array", "items": {"type": "string"}},
          "duration_seconds": {"type": "integer", "minimum": 0},
          "interval_seconds": {"type": "integer", "minimum": 0},
          "repeat": {
            "type": "object",
            "required": ["count"],
            "properties": {
              "count": {"type": "integer"},
              "every_cycles": {"type": "integer"}
            }
          }
        }
      }
    },
    "qc_rules": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["id", "scope", "metric", "comparator", "action"],
        "properties": {
          "id": {"type": "string", "minLength": 1},
          "scope": {"enum": ["continuous", "periodic"]},
          "metric": {"type": "string", "minLength": 1},
          "comparator": {"enum": ["within", "max", "min"]},
          "target": {"type": "number"},
          "tolerance": {"type": "number"},
          "limit": {"type": "number"},
          "window_seconds": {"type": "integer", "minimum": 0},
          "window_samples": {"type": "integer", "minimum": 0},
          "every_cycles": {"type": "integer", "minimum": 0},
          "action": {"enum": ["alert", "flag", "abort"]},
          "severity": {"enum": ["critical", "major", "minor"]}
        }
      }
    },
    "acceptance": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["id", "metric", "comparator", "severity", "tiers"],
        "properties": {
          "id": {"type": "string", "minLength": 1},
          "metric": {"type": "string", "minLength": 1},
          "comparator": {"enum": ["lte", "gte"]},
          "severity": {"enum": ["critical", "major"]},
          "tiers": {
            "type": "array",
            "minItems": 1,
            "items": {
              "type": "object",
              "required": ["verdict"],
              "properties": {
                "bound": {"type": "number"},
                "verdict": {"enum": ["pass", "warning", "fail"]}
              }
            }
          }
        }
      }
    }
  }
}`

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func compiledSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("protocol.schema.json", bytes.NewReader([]byte(baseSchema))); err != nil {
			schemaErr = fmt.Errorf("add schema resource: %w", err)
			return
		}
		schema, schemaErr = compiler.Compile("protocol.schema.json")
	})
	return schema, schemaErr
}

func validateStructure(raw []byte) error {
	compiled, err := compiledSchema()
	if err != nil {
		return err
	}
	var payload any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return err
	}
	return compiled.Validate(payload)
}

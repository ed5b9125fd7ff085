package config

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"
)

// configSchema catches shape mistakes (wrong types, malformed sections)
// before the typed unmarshal papers over them with zero values.
const configSchema = `{
  "type": "object",
  "properties": {
    "bind_addr": {"type": "string"},
    "log_level": {"type": "string", "enum": ["debug", "info", "warn", "error"]},
    "route_timeout_seconds": {"type": "integer", "minimum": 0},
    "health_interval_seconds": {"type": "integer", "minimum": 0},
    "max_concurrent_routes": {"type": "integer", "minimum": 0},
    "db_path": {"type": "string"},
    "ethics_policy_path": {"type": "string"},
    "allow_origins": {"type": "array", "items": {"type": "string"}},
    "retention": {
      "type": "object",
      "properties": {
        "audit_log_days": {"type": "integer", "minimum": 0},
        "sweep_schedule": {"type": "string"}
      }
    },
    "otel": {
      "type": "object",
      "properties": {
        "enabled": {"type": "boolean"},
        "exporter": {"type": "string"},
        "endpoint": {"type": "string"},
        "service_name": {"type": "string"},
        "sample_rate": {"type": "number"}
      }
    },
    "roster": {
      "type": "object",
      "properties": {
        "immutable": {"type": "array"},
        "departments": {"type": "array"},
        "principal": {"type": "object"},
        "student_facing": {"type": "object"}
      }
    }
  }
}`

var compiledSchema = func() *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(configSchema))
	if err != nil {
		panic(fmt.Sprintf("config schema: %v", err))
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("config.schema.json", doc); err != nil {
		panic(fmt.Sprintf("config schema: %v", err))
	}
	s, err := c.Compile("config.schema.json")
	if err != nil {
		panic(fmt.Sprintf("config schema: %v", err))
	}
	return s
}()

// validateSchema checks raw config.yaml bytes against the schema. The yaml
// document is round-tripped through JSON so the validator sees the number
// representation it expects.
func validateSchema(data []byte) error {
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("parse config.yaml: %w", err)
	}
	if raw == nil {
		return nil
	}
	jsonBytes, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("convert config.yaml: %w", err)
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(jsonBytes)))
	if err != nil {
		return fmt.Errorf("convert config.yaml: %w", err)
	}
	if err := compiledSchema.Validate(doc); err != nil {
		return fmt.Errorf("config.yaml schema: %w", err)
	}
	return nil
}

package catalog

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"
)

// catalogSchema constrains operator-supplied catalog files. Validation runs
// before any definition reaches the store.
const catalogSchema = `{
	"type": "object",
	"required": ["patterns"],
	"additionalProperties": false,
	"properties": {
		"patterns": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["name", "match"],
				"additionalProperties": false,
				"properties": {
					"name": {"type": "string", "minLength": 1, "pattern": "^[a-z0-9][a-z0-9-]*$"},
					"description": {"type": "string"},
					"match": {"type": "string", "minLength": 1},
					"base_success_rate": {"type": "number", "minimum": 0, "maximum": 1},
					"risk_multiplier": {"type": "number", "exclusiveMinimum": 0},
					"weight": {"type": "number", "exclusiveMinimum": 0}
				}
			}
		}
	}
}`

type catalogFile struct {
	Patterns []Definition `yaml:"patterns" json:"patterns"`
}

// LoadCatalogFile reads an operator catalog (YAML), validates it against the
// embedded JSON Schema, and returns the definitions with priors defaulted.
func LoadCatalogFile(path string) ([]Definition, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog file: %w", err)
	}

	var generic any
	if err := yaml.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("parse catalog file: %w", err)
	}
	asJSON, err := json.Marshal(generic)
	if err != nil {
		return nil, fmt.Errorf("normalize catalog file: %w", err)
	}

	// Use jsonschema.UnmarshalJSON for correct number handling (json.Number).
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(catalogSchema))
	if err != nil {
		return nil, fmt.Errorf("unmarshal catalog schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("catalog.json", doc); err != nil {
		return nil, fmt.Errorf("add catalog schema resource: %w", err)
	}
	schema, err := c.Compile("catalog.json")
	if err != nil {
		return nil, fmt.Errorf("compile catalog schema: %w", err)
	}
	instance, err := jsonschema.UnmarshalJSON(strings.NewReader(string(asJSON)))
	if err != nil {
		return nil, fmt.Errorf("reparse catalog file: %w", err)
	}
	if err := schema.Validate(instance); err != nil {
		return nil, fmt.Errorf("catalog file %s: %w", path, err)
	}

	var file catalogFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("decode catalog file: %w", err)
	}
	for i := range file.Patterns {
		applyDefinitionDefaults(&file.Patterns[i])
		if _, err := regexp.Compile(file.Patterns[i].Match); err != nil {
			return nil, fmt.Errorf("pattern %s: invalid match rule: %w", file.Patterns[i].Name, err)
		}
	}
	return file.Patterns, nil
}

func applyDefinitionDefaults(d *Definition) {
	if d.BaseSuccessRate == 0 {
		d.BaseSuccessRate = 0.5
	}
	if d.RiskMultiplier == 0 {
		d.RiskMultiplier = 1.0
	}
	if d.Weight == 0 {
		d.Weight = 1.0
	}
}

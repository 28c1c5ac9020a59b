// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package config

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/soothill/nextdns-profile-monitor/pkg/util"
	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"
)

//go:embed schema.json
var schemaJSON []byte

var compiledSchema = sync.OnceValues(func() (*gojsonschema.Schema, error) {
	return gojsonschema.NewSchema(gojsonschema.NewBytesLoader(schemaJSON))
})

// SchemaError lists every schema violation of a configuration document.
type SchemaError struct {
	Problems []string // "field: description"
}

func (e *SchemaError) Error() string {
	var b strings.Builder
	b.WriteString("configuration validation errors:\n")
	for i, p := range e.Problems {
		fmt.Fprintf(&b, "  %d. %s\n", i+1, p)
	}
	return b.String()
}

// ValidateWithSchema checks a configuration file against the embedded JSON
// schema. Unlike Load it reports every problem at once and rejects unknown
// keys.
//
//	if err := config.ValidateWithSchema("config.yaml"); err != nil {
//	    log.Fatal(err)
//	}
func ValidateWithSchema(configPath string) error {
	data, err := util.ReadFileSafely(configPath)
	if err != nil {
		return fmt.Errorf("failed to read config: %w", err)
	}
	return ValidateSchemaBytes(data)
}

// ValidateSchemaBytes validates a YAML or JSON document.
func ValidateSchemaBytes(data []byte) error {
	schema, err := compiledSchema()
	if err != nil {
		return fmt.Errorf("invalid embedded schema: %w", err)
	}

	// YAML is a superset of JSON, so both file types decode here.
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("failed to parse config YAML: %w", err)
	}
	if doc == nil {
		doc = map[string]any{}
	}

	docJSON, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to convert config to JSON: %w", err)
	}

	result, err := schema.Validate(gojsonschema.NewBytesLoader(docJSON))
	if err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}
	if result.Valid() {
		return nil
	}

	problems := make([]string, 0, len(result.Errors()))
	for _, re := range result.Errors() {
		problems = append(problems, re.Field()+": "+re.Description())
	}
	return &SchemaError{Problems: problems}
}

// GetSchemaJSON returns the embedded JSON schema.
func GetSchemaJSON() string {
	return string(schemaJSON)
}

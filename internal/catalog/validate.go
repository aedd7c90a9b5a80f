// Package catalog validates tool schemas before they are advertised to
// the model.
package catalog

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

var schemaCache sync.Map

// ValidateSchema compiles a tool's input schema and reports whether it
// is usable. A tool with a broken schema is dropped from the catalog
// rather than shipped to the model.
func ValidateSchema(schema json.RawMessage) error {
	if len(schema) == 0 {
		return fmt.Errorf("empty input schema")
	}

	key := string(schema)
	if _, ok := schemaCache.Load(key); ok {
		return nil
	}

	compiled, err := jsonschema.CompileString("tool.schema.json", key)
	if err != nil {
		return fmt.Errorf("compile input schema: %w", err)
	}
	schemaCache.Store(key, compiled)
	return nil
}

// ValidateArguments checks parsed tool-call arguments against the
// tool's input schema. Used by tests and available to callers that want
// pre-dispatch validation; the loop itself forwards arguments as-is.
func ValidateArguments(schema json.RawMessage, args any) error {
	if err := ValidateSchema(schema); err != nil {
		return err
	}
	cached, _ := schemaCache.Load(string(schema))
	compiled, ok := cached.(*jsonschema.Schema)
	if !ok {
		return fmt.Errorf("schema cache corrupted")
	}
	if err := compiled.Validate(args); err != nil {
		return fmt.Errorf("arguments invalid: %w", err)
	}
	return nil
}

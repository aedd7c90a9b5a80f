package catalog

import (
	"encoding/json"
	"testing"
)

func TestValidateSchema(t *testing.T) {
	tests := []struct {
		name    string
		schema  string
		wantErr bool
	}{
		{
			name:   "typical tool schema",
			schema: `{"type":"object","properties":{"day":{"type":"string"}},"required":["day"]}`,
		},
		{
			name:   "empty object schema",
			schema: `{}`,
		},
		{
			name:    "empty input",
			schema:  ``,
			wantErr: true,
		},
		{
			name:    "not json",
			schema:  `{"type":`,
			wantErr: true,
		},
		{
			name:    "invalid type value",
			schema:  `{"type": 17}`,
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateSchema(json.RawMessage(tt.schema))
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateSchema() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateSchemaCachesCompilations(t *testing.T) {
	schema := json.RawMessage(`{"type":"object","properties":{"scope":{"type":"string"}}}`)
	if err := ValidateSchema(schema); err != nil {
		t.Fatalf("first validation: %v", err)
	}
	// Second call hits the cache; it must stay consistent.
	if err := ValidateSchema(schema); err != nil {
		t.Fatalf("cached validation: %v", err)
	}
}

func TestValidateArguments(t *testing.T) {
	schema := json.RawMessage(`{"type":"object","properties":{"day":{"type":"string"}},"required":["day"]}`)

	if err := ValidateArguments(schema, map[string]any{"day": "today"}); err != nil {
		t.Errorf("valid arguments rejected: %v", err)
	}
	if err := ValidateArguments(schema, map[string]any{}); err == nil {
		t.Error("missing required property must be rejected")
	}
	if err := ValidateArguments(schema, map[string]any{"day": 3}); err == nil {
		t.Error("wrong property type must be rejected")
	}
}

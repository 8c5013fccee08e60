package topic

import (
	"encoding/json"
	"fmt"

	"github.com/mydriatech/fragtale/internal/fragtaleerr"
)

// Schema is a minimal JSON-Schema-equivalent: required top-level fields plus
// their scalar type. No third-party JSON-Schema library fits this narrow
// need (reject documents missing required fields or typed wrong) broadly
// enough to justify the dependency, so this is a small hand-rolled
// structural checker (documented in
// DESIGN.md as the stdlib-justified exception).
type Schema struct {
	Required []Field `json:"required"`
}

// Field names one required top-level field and the scalar JSON type it must
// have if present.
type Field struct {
	Name string    `json:"name"`
	Type ValueType `json:"type"`
}

// Validate reports a SchemaViolation error if document fails s: publishes
// are rejected before any write.
func (s *Schema) Validate(document []byte) error {
	if s == nil || len(s.Required) == 0 {
		return nil
	}
	var decoded map[string]interface{}
	if err := json.Unmarshal(document, &decoded); err != nil {
		return fmt.Errorf("%w: document is not a JSON object: %v", fragtaleerr.ErrSchemaViolation, err)
	}
	for _, field := range s.Required {
		v, ok := decoded[field.Name]
		if !ok {
			return fmt.Errorf("%w: missing required field %q", fragtaleerr.ErrSchemaViolation, field.Name)
		}
		if !typeMatches(field.Type, v) {
			return fmt.Errorf("%w: field %q is not of type %q", fragtaleerr.ErrSchemaViolation, field.Name, field.Type)
		}
	}
	return nil
}

func typeMatches(t ValueType, v interface{}) bool {
	switch t {
	case TypeString:
		_, ok := v.(string)
		return ok
	case TypeNumber:
		_, ok := v.(float64)
		return ok
	case TypeBool:
		_, ok := v.(bool)
		return ok
	default:
		return true
	}
}

package httpapi

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rectangular-labs/workspacesync/internal/content"
)

const writeRequestSchema = `{
  "type": "object",
  "required": ["path"],
  "additionalProperties": false,
  "properties": {
    "path": {"type": "string", "minLength": 1},
    "content": {"type": ["string", "null"]},
    "createIfMissing": {"type": "boolean"},
    "contentKey": {"type": "string", "pattern": "^[A-Za-z0-9_-]*$"},
    "metadata": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["key", "value"],
        "additionalProperties": false,
        "properties": {
          "key": {"enum": %s},
          "value": {"type": "string"}
        }
      }
    },
    "context": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "userId": {"type": "string"},
        "cadence": {
          "type": "object",
          "required": ["period", "frequency", "allowedDays"],
          "additionalProperties": false,
          "properties": {
            "period": {"enum": ["daily", "weekly", "monthly"]},
            "frequency": {"type": "integer", "minimum": 1},
            "allowedDays": {
              "type": "array",
              "items": {"enum": ["mon", "tue", "wed", "thu", "fri", "sat", "sun"]}
            }
          }
        }
      }
    }
  }
}`

const moveRequestSchema = `{
  "type": "object",
  "required": ["from", "to"],
  "additionalProperties": false,
  "properties": {
    "from": {"type": "string", "minLength": 1},
    "to": {"type": "string", "minLength": 1}
  }
}`

type schemas struct {
	write *jsonschema.Schema
	move  *jsonschema.Schema
}

func compileSchemas() (*schemas, error) {
	keys := make([]string, 0, len(content.Keys()))
	for _, key := range content.Keys() {
		keys = append(keys, `"`+key+`"`)
	}
	write, err := compileSchema("write-request.json", fmt.Sprintf(writeRequestSchema, "["+strings.Join(keys, ",")+"]"))
	if err != nil {
		return nil, err
	}
	move, err := compileSchema("move-request.json", moveRequestSchema)
	if err != nil {
		return nil, err
	}
	return &schemas{write: write, move: move}, nil
}

func compileSchema(name, source string) (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(source))
	if err != nil {
		return nil, fmt.Errorf("parse schema %s: %w", name, err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(name, doc); err != nil {
		return nil, fmt.Errorf("add schema %s: %w", name, err)
	}
	return compiler.Compile(name)
}

// validateBody checks a raw JSON body against schema and returns a short
// message suitable for a 400 response.
func validateBody(schema *jsonschema.Schema, body []byte) error {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return errors.New("invalid json body")
	}
	if err := schema.Validate(inst); err != nil {
		var verr *jsonschema.ValidationError
		if errors.As(err, &verr) {
			return fmt.Errorf("invalid request: %s", strings.TrimSpace(verr.Error()))
		}
		return err
	}
	return nil
}

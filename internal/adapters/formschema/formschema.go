// Package formschema checks application form payloads against a JSON Schema.
package formschema

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"subsidy/internal/domain"
	dErrors "subsidy/pkg/domain-errors"
)

const schemaURL = "https://subsidy.schemas.local/form.schema.json"

// Validator holds one compiled schema.
type Validator struct {
	schema *jsonschema.Schema
}

// Compile builds a Validator from schema source (draft 2020-12).
func Compile(source []byte) (*Validator, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(schemaURL, bytes.NewReader(source)); err != nil {
		return nil, fmt.Errorf("form schema load failed: %w", err)
	}
	compiled, err := c.Compile(schemaURL)
	if err != nil {
		return nil, fmt.Errorf("form schema compile failed: %w", err)
	}
	return &Validator{schema: compiled}, nil
}

// Load compiles the schema stored at path.
func Load(path string) (*Validator, error) {
	source, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read form schema: %w", err)
	}
	return Compile(source)
}

// Validate reports schema violations as CodeValidation.
func (v *Validator) Validate(_ context.Context, form domain.FormPayload) error {
	// Normalize to the shapes encoding/json produces so numbers validate consistently.
	raw, err := json.Marshal(form)
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeValidation, "form payload is not valid json")
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return dErrors.Wrap(err, dErrors.CodeValidation, "form payload is not valid json")
	}
	if err := v.schema.Validate(doc); err != nil {
		var ve *jsonschema.ValidationError
		if errors.As(err, &ve) {
			return dErrors.New(dErrors.CodeValidation, "form does not match schema: "+ve.Error())
		}
		return dErrors.Wrap(err, dErrors.CodeValidation, "form does not match schema")
	}
	return nil
}

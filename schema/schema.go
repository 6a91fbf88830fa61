// Package schema derives JSON schemas from Go types and validates payloads
// against them. Tool argument checks and hook resolution checks share it.
package schema

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/invopop/jsonschema"
	"github.com/xeipuuv/gojsonschema"
)

var ErrInvalid = errors.New("schema: validation failed")

// For reflects the JSON schema of T. A nil map means "accept anything",
// which is what interface types reflect to.
func For[T any]() (map[string]any, error) {
	r := &jsonschema.Reflector{
		ExpandedStruct: true,
		DoNotReference: true,
	}
	raw, err := json.Marshal(r.Reflect(new(T)))
	if err != nil {
		return nil, fmt.Errorf("encode reflected schema: %w", err)
	}
	if string(raw) == "true" {
		return nil, nil
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode reflected schema: %w", err)
	}
	// The draft URI emitted by the reflector is not one the validator knows.
	delete(out, "$schema")
	delete(out, "$id")
	return out, nil
}

func MustFor[T any]() map[string]any {
	out, err := For[T]()
	if err != nil {
		panic(err)
	}
	return out
}

type Validator struct {
	schema *gojsonschema.Schema
}

// Compile prepares def for repeated validation. An empty def yields a nil
// Validator, which accepts every payload.
func Compile(def map[string]any) (*Validator, error) {
	if len(def) == 0 {
		return nil, nil
	}
	s, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(def))
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return &Validator{schema: s}, nil
}

func (v *Validator) Validate(payload json.RawMessage) error {
	if v == nil {
		return nil
	}
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}
	result, err := v.schema.Validate(gojsonschema.NewBytesLoader(payload))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if result.Valid() {
		return nil
	}
	msgs := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		msgs = append(msgs, e.String())
	}
	return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(msgs, "; "))
}

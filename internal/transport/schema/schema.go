package schema

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"strings"

	"sentinal-e2ee/internal/domain/outbox"
	sentinal_errors "sentinal-e2ee/pkg/errors"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schemas/*.json
var files embed.FS

const baseURL = "https://sentinal-e2ee.local/schemas/"

type Direction string

const (
	Request  Direction = "request"
	Response Direction = "response"
)

type schemaKey struct {
	kind      outbox.Kind
	direction Direction
}

// Validator checks request and response bodies of every outgoing request kind
// against the embedded JSON schemas. It is safe for concurrent use.
type Validator struct {
	schemas map[schemaKey]*jsonschema.Schema
}

var allKinds = []outbox.Kind{
	outbox.KindKeysUpload,
	outbox.KindKeysQuery,
	outbox.KindKeysClaim,
	outbox.KindToDevice,
	outbox.KindSignatureUpload,
	outbox.KindSigningKeysUpload,
}

func fileName(kind outbox.Kind, d Direction) string {
	return strings.ToLower(string(kind)) + "." + string(d) + ".json"
}

func New() (*Validator, error) {
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020

	for _, kind := range allKinds {
		for _, d := range []Direction{Request, Response} {
			name := fileName(kind, d)
			data, err := files.ReadFile("schemas/" + name)
			if err != nil {
				return nil, fmt.Errorf("read schema %s: %w", name, err)
			}
			if err := compiler.AddResource(baseURL+name, bytes.NewReader(data)); err != nil {
				return nil, fmt.Errorf("add schema resource %s: %w", name, err)
			}
		}
	}

	v := &Validator{schemas: make(map[schemaKey]*jsonschema.Schema)}
	for _, kind := range allKinds {
		for _, d := range []Direction{Request, Response} {
			compiled, err := compiler.Compile(baseURL + fileName(kind, d))
			if err != nil {
				return nil, fmt.Errorf("compile schema %s: %w", fileName(kind, d), err)
			}
			v.schemas[schemaKey{kind: kind, direction: d}] = compiled
		}
	}
	return v, nil
}

// MustNew panics if the embedded schemas do not compile.
func MustNew() *Validator {
	v, err := New()
	if err != nil {
		panic(err)
	}
	return v
}

func (v *Validator) Validate(kind outbox.Kind, d Direction, body []byte) error {
	s, ok := v.schemas[schemaKey{kind: kind, direction: d}]
	if !ok {
		return fmt.Errorf("%w: no schema for %s %s", sentinal_errors.ErrInvalidInput, kind, d)
	}

	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var instance any
	if err := dec.Decode(&instance); err != nil {
		return fmt.Errorf("%w: %s %s is not JSON: %v", sentinal_errors.ErrInvalidInput, kind, d, err)
	}
	if err := s.Validate(instance); err != nil {
		return fmt.Errorf("%w: %s %s: %v", sentinal_errors.ErrInvalidInput, kind, d, err)
	}
	return nil
}

func (v *Validator) ValidateRequest(kind outbox.Kind, body []byte) error {
	return v.Validate(kind, Request, body)
}

func (v *Validator) ValidateResponse(kind outbox.Kind, body []byte) error {
	return v.Validate(kind, Response, body)
}

package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ErrMalformedPayload is returned when bytes cannot be decoded into an envelope.
var ErrMalformedPayload = errors.New("malformed payload")

const envelopeSchemaURL = "https://comicpipe.schemas.local/envelope.schema.json"

const envelopeSchemaJSON = `{
	"type": "object",
	"required": ["importId", "timestamp", "payload"],
	"properties": {
		"importId": {"type": "string", "minLength": 1},
		"timestamp": {"type": "string", "minLength": 1},
		"payload": {"type": "object"}
	}
}`

var envelopeSchema = mustCompileSchema(envelopeSchemaURL, envelopeSchemaJSON)

func mustCompileSchema(url, schema string) *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(url, strings.NewReader(schema)); err != nil {
		panic(fmt.Sprintf("envelope schema load failed: %v", err))
	}
	compiled, err := c.Compile(url)
	if err != nil {
		panic(fmt.Sprintf("envelope schema compile failed: %v", err))
	}
	return compiled
}

// DecodeEnvelope decodes a bus message value into an envelope.
// Producers may use camelCase or PascalCase field names.
func DecodeEnvelope[T any](data []byte) (*Envelope[T], error) {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	obj, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: envelope is not a JSON object", ErrMalformedPayload)
	}

	if err := envelopeSchema.Validate(lowerFirstKeys(obj)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	var env Envelope[T]
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return &env, nil
}

// EncodeEnvelope serializes an envelope (or dead letter) for the bus
func EncodeEnvelope(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return data, nil
}

// lowerFirstKeys maps top-level keys to camelCase for schema validation only
func lowerFirstKeys(obj map[string]any) map[string]any {
	out := make(map[string]any, len(obj))
	for k, v := range obj {
		r, size := utf8.DecodeRuneInString(k)
		if r == utf8.RuneError {
			out[k] = v
			continue
		}
		out[string(unicode.ToLower(r))+k[size:]] = v
	}
	return out
}

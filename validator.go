/*
 * Copyright 2017, Automatic Inc.
 * All rights reserved.
 */

package pulsebridge

import (
	"encoding/json"
	"io/ioutil"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/santhosh-tekuri/jsonschema"
	"github.com/santhosh-tekuri/jsonschema/formats"
)

// DefaultPulseSchema is the envelope schema Pulse accepts
const DefaultPulseSchema = `{
  "id": "https://pulse.internal/schemas/pulse-event.json",
  "type": "object",
  "required": ["eventContext", "data"],
  "properties": {
    "eventContext": {
      "type": "object",
      "required": ["name", "businessKeyName", "businessKeyValue"],
      "properties": {
        "version": {"type": "string", "pattern": "^1\\.[0-9]+$"},
        "type": {"type": "string"},
        "name": {"type": "string", "minLength": 1},
        "businessKeyName": {"type": "string", "minLength": 1},
        "businessKeyValue": {"type": "string", "minLength": 1},
        "date": {"type": "string", "format": "pulse-date"},
        "retentionDays": {"type": "string", "pattern": "^[0-9]+$"},
        "filterMap": {"type": ["object", "null"]},
        "metaData": {"type": ["object", "null"]}
      }
    },
    "data": {
      "type": "object",
      "required": ["contentType", "encoding", "value"],
      "properties": {
        "contentType": {"type": "string", "minLength": 1},
        "encoding": {"type": "string", "enum": ["GZIP_BASE64", "BASE64"]},
        "value": {"type": "string", "minLength": 1}
      }
    }
  }
}`

func addJSONSchemaCustomFormats() {
	// Validates an event context date, i.e. 2026-10-19T08:30:00.000Z
	formats.Register("pulse-date", func(in string) bool {
		_, err := time.Parse(EventDateLayout, in)
		return err == nil
	})
}

// IPulseValidator validates Pulse envelopes before they are sent
type IPulseValidator interface {
	SchemaRoot() string
	Validate(p *Pulse) error
}

// pulseValidator is an implementation of IPulseValidator
type pulseValidator struct {
	schema   *jsonschema.Schema
	schemaID string
}

// NewPulseValidatorFromBytes compiles a draft 4 JSON schema
func NewPulseValidatorFromBytes(schemaFile []byte) (IPulseValidator, error) {
	addJSONSchemaCustomFormats()

	var parsedSchema map[string]interface{}
	if err := json.Unmarshal(schemaFile, &parsedSchema); err != nil {
		return nil, errors.Wrap(err, "invalid schema json")
	}
	schemaID, ok := parsedSchema["id"].(string)
	if !ok || schemaID == "" {
		return nil, errors.New("schema has no id")
	}

	compiler := jsonschema.NewCompiler()
	// Force to draft version 4
	compiler.Draft = jsonschema.Draft4
	if err := compiler.AddResource(schemaID, strings.NewReader(string(schemaFile))); err != nil {
		return nil, err
	}
	schema, err := compiler.Compile(schemaID)
	if err != nil {
		return nil, err
	}

	return &pulseValidator{schema: schema, schemaID: schemaID}, nil
}

// NewPulseValidator creates a new validator from the given file
func NewPulseValidator(schemaFilePath string) (IPulseValidator, error) {
	rawSchema, err := ioutil.ReadFile(schemaFilePath)
	if err != nil {
		return nil, err
	}

	return NewPulseValidatorFromBytes(rawSchema)
}

// NewDefaultPulseValidator validates against DefaultPulseSchema
func NewDefaultPulseValidator() IPulseValidator {
	v, err := NewPulseValidatorFromBytes([]byte(DefaultPulseSchema))
	if err != nil {
		panic(err)
	}
	return v
}

func (pv *pulseValidator) SchemaRoot() string {
	return pv.schemaID
}

// Validate checks whether the Pulse envelope is valid
func (pv *pulseValidator) Validate(p *Pulse) error {
	if p == nil {
		return errors.New("No event given")
	}

	body, err := p.JSONString()
	if err != nil {
		return err
	}

	if err := pv.schema.Validate(strings.NewReader(body)); err != nil {
		return errors.Wrapf(err, "event failed json-schema validation")
	}
	return nil
}

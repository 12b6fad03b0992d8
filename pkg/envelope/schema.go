package envelope

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/guardclaw/gef/pkg/timesource"
)

const schemaResourceURL = "gef://envelope.schema.json"

var (
	compiledSchema *jsonschema.Schema
	compileOnce    sync.Once
	compileErr     error
)

func schemaDocument() string {
	types := make([]string, 0, len(RecordTypes))
	for _, t := range sortedRecordTypes() {
		types = append(types, fmt.Sprintf("%q", t))
	}
	return fmt.Sprintf(`{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["gef_version", "record_id", "record_type", "agent_id",
    "signer_public_key", "sequence", "nonce", "timestamp", "causal_hash", "payload"],
  "properties": {
    "gef_version": {"type": "string", "const": %q},
    "record_id": {"type": "string", "pattern": "^gef-.+$"},
    "record_type": {"type": "string", "enum": [%s]},
    "agent_id": {"type": "string", "minLength": 1},
    "signer_public_key": {"type": "string", "pattern": "^[0-9a-f]{64}$"},
    "sequence": {"type": "integer", "minimum": 0},
    "nonce": {"type": "string", "pattern": "^[0-9a-f]{32}$"},
    "timestamp": {"type": "string", "pattern": %q},
    "causal_hash": {"type": "string", "pattern": "^[0-9a-f]{64}$"},
    "payload": {"type": "object"},
    "signature": {"type": "string"}
  }
}`, Version, strings.Join(types, ", "), timesource.Pattern.String())
}

func schema() (*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		if err := c.AddResource(schemaResourceURL, strings.NewReader(schemaDocument())); err != nil {
			compileErr = fmt.Errorf("envelope: add schema resource: %w", err)
			return
		}
		s, err := c.Compile(schemaResourceURL)
		if err != nil {
			compileErr = fmt.Errorf("envelope: compile schema: %w", err)
			return
		}
		compiledSchema = s
	})
	return compiledSchema, compileErr
}

// ValidateSchema checks the envelope's serialization surface against the
// §3.1 field constraints and the record-type vocabulary. It returns a
// structured result rather than raising — callers choose whether a
// violation is fatal (ledger restore, replay load) or advisory (CLI
// inspection).
func (e *Envelope) ValidateSchema() (bool, []string) {
	s, err := schema()
	if err != nil {
		return false, []string{err.Error()}
	}

	raw, err := json.Marshal(e.SerializationSurface())
	if err != nil {
		return false, []string{fmt.Sprintf("envelope: marshal for validation: %v", err)}
	}

	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return false, []string{fmt.Sprintf("envelope: decode for validation: %v", err)}
	}

	if err := s.Validate(doc); err != nil {
		return false, schemaErrorMessages(err)
	}
	return true, nil
}

func schemaErrorMessages(err error) []string {
	ve, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return []string{err.Error()}
	}
	var msgs []string
	var walk func(*jsonschema.ValidationError)
	walk = func(v *jsonschema.ValidationError) {
		if len(v.Causes) == 0 {
			msgs = append(msgs, fmt.Sprintf("%s: %s", v.InstanceLocation, v.Message))
			return
		}
		for _, c := range v.Causes {
			walk(c)
		}
	}
	walk(ve)
	if len(msgs) == 0 {
		msgs = []string{ve.Error()}
	}
	return msgs
}

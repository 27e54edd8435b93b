package relay

import (
	"bytes"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// messageSchema is the wire contract for relay frames. Frames failing it are
// dropped before fanout so one misbehaving tab cannot poison its peers.
const messageSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["type", "sender_id", "timestamp"],
	"properties": {
		"type":      {"type": "string", "minLength": 1},
		"payload":   {},
		"sender_id": {"type": "string", "minLength": 1},
		"timestamp": {"type": "number"}
	},
	"additionalProperties": false
}`

func compileMessageSchema() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(messageSchema))
	if err != nil {
		return nil, err
	}
	compiler := jsonschema.NewCompiler()
	if err = compiler.AddResource("message.json", doc); err != nil {
		return nil, err
	}
	return compiler.Compile("message.json")
}

// validateFrame checks a raw frame against the message schema.
func validateFrame(schema *jsonschema.Schema, raw []byte) error {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return err
	}
	return schema.Validate(inst)
}

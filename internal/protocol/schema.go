package protocol

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// payloadSchemas lists the required fields of every inbound-capable payload.
// Types without an entry are accepted as long as they unmarshal.
var payloadSchemas = map[Type]string{
	TypeCommand: `{
		"type": "object",
		"required": ["text"],
		"properties": {"text": {"type": "string", "minLength": 1}}
	}`,
	TypePermissionRequest: `{
		"type": "object",
		"required": ["id", "description", "timeout_ms", "default_policy"],
		"properties": {
			"id": {"type": "string", "minLength": 1},
			"description": {"type": "string"},
			"source_agent_id": {"type": "string"},
			"timeout_ms": {"type": "integer", "minimum": 0},
			"default_policy": {"enum": ["allow", "deny"]}
		}
	}`,
	TypePermissionResponse: `{
		"type": "object",
		"required": ["request_id", "decision"],
		"properties": {
			"request_id": {"type": "string", "minLength": 1},
			"decision": {"enum": ["allow", "deny"]}
		}
	}`,
	TypeSessionControl: `{
		"type": "object",
		"required": ["action"],
		"properties": {
			"action": {"enum": ["resume", "disconnect", "shutdown", "snapshot", "renew"]},
			"last_seen_id": {"type": "integer", "minimum": 0}
		}
	}`,
	TypeProjectInit: `{
		"type": "object",
		"required": ["project_path"],
		"properties": {
			"project_path": {"type": "string", "minLength": 1},
			"repository_url": {"type": "string"},
			"access_token": {"type": "string"}
		}
	}`,
	TypeCloneProgress: `{
		"type": "object",
		"required": ["percentage", "status"],
		"properties": {
			"percentage": {"type": "number", "minimum": 0, "maximum": 100},
			"status": {"type": "string"}
		}
	}`,
	TypeProjectInitComplete: `{
		"type": "object",
		"required": ["success"],
		"properties": {"success": {"type": "boolean"}}
	}`,
	TypeProgressEvent: `{
		"type": "object",
		"required": ["node_id", "status"],
		"properties": {
			"node_id": {"type": "string", "minLength": 1},
			"parent_id": {"type": "string"},
			"status": {"enum": ["pending", "running", "succeeded", "failed"]},
			"percentage": {"type": "number", "minimum": 0, "maximum": 100}
		}
	}`,
	TypeError: `{
		"type": "object",
		"required": ["kind"],
		"properties": {"kind": {"type": "string", "minLength": 1}}
	}`,
	TypeHello: `{
		"type": "object",
		"required": ["project_id", "identity_id"],
		"properties": {
			"project_id": {"type": "string", "minLength": 1},
			"identity_id": {"type": "string", "minLength": 1},
			"last_seen_id": {"type": "integer", "minimum": 0}
		}
	}`,
	TypeAuth: `{
		"type": "object",
		"required": ["fingerprint", "signature_format", "signature"],
		"properties": {
			"fingerprint": {"type": "string", "minLength": 1},
			"signature_format": {"type": "string", "minLength": 1},
			"signature": {"type": "string", "minLength": 1}
		}
	}`,
	TypeReplayRequest: `{
		"type": "object",
		"required": ["after_id"],
		"properties": {"after_id": {"type": "integer", "minimum": 0}}
	}`,
}

var (
	compileOnce sync.Once
	compiled    map[Type]*jsonschema.Schema
	compileErr  error
)

func compileSchemas() {
	compiled = make(map[Type]*jsonschema.Schema, len(payloadSchemas))
	c := jsonschema.NewCompiler()
	for t, src := range payloadSchemas {
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader([]byte(src)))
		if err != nil {
			compileErr = fmt.Errorf("unmarshal %s schema: %w", t, err)
			return
		}
		url := string(t) + ".json"
		if err := c.AddResource(url, doc); err != nil {
			compileErr = fmt.Errorf("add %s schema: %w", t, err)
			return
		}
		s, err := c.Compile(url)
		if err != nil {
			compileErr = fmt.Errorf("compile %s schema: %w", t, err)
			return
		}
		compiled[t] = s
	}
}

func validatePayload(t Type, raw []byte) error {
	compileOnce.Do(compileSchemas)
	if compileErr != nil {
		return compileErr
	}
	schema, ok := compiled[t]
	if !ok {
		return nil
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return err
	}
	return nil
}

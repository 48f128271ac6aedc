package config

import (
	"encoding/json"

	"github.com/invopop/jsonschema"
	"gopkg.in/yaml.v3"
)

// Schema returns the JSON Schema of the workflow file format.
func Schema() *jsonschema.Schema {
	reflector := jsonschema.Reflector{
		ExpandedStruct: true,
		// Steps carry kind-specific keys next to the common ones.
		AllowAdditionalProperties: true,
	}
	schema := reflector.Reflect(&WorkflowFile{})
	schema.Title = "meroflow workflow"
	return schema
}

// SchemaJSON renders Schema as indented JSON.
func SchemaJSON() ([]byte, error) {
	return json.MarshalIndent(Schema(), "", "  ")
}

// SampleWorkflow returns a small but complete workflow used by `mero init`.
func SampleWorkflow() *WorkflowFile {
	return &WorkflowFile{
		Name:        "Sample Workflow",
		Description: "Install an application, create a context and invite a second node",
		Variables: map[string]any{
			"app_path": "./res/kv_store.wasm",
		},
		Nodes: map[string]any{
			"count":    2,
			"prefix":   DefaultNodePrefix,
			"chain_id": DefaultChainID,
			"image":    DefaultImage,
		},
		Steps: []Step{
			{
				Name:    "Install Application",
				Type:    "install_application",
				Outputs: map[string]string{"app_id": "data.applicationId"},
				Fields:  map[string]any{"node": DefaultNodePrefix + "-1", "path": "{{app_path}}", "dev": true},
			},
			{
				Name:    "Create Context",
				Type:    "create_context",
				Outputs: map[string]string{"context_id": "data.contextId", "member_key": "data.memberPublicKey"},
				Fields:  map[string]any{"node": DefaultNodePrefix + "-1", "application_id": "{{app_id}}"},
			},
			{
				Name:    "Create Identity",
				Type:    "create_identity",
				Outputs: map[string]string{"invitee_key": "data.publicKey"},
				Fields:  map[string]any{"node": DefaultNodePrefix + "-2"},
			},
			{
				Name:    "Invite Identity",
				Type:    "invite_identity",
				Outputs: map[string]string{"invitation": "data"},
				Fields: map[string]any{
					"node":       DefaultNodePrefix + "-1",
					"context_id": "{{context_id}}",
					"granter_id": "{{member_key}}",
					"grantee_id": "{{invitee_key}}",
				},
			},
			{
				Name: "Join Context",
				Type: "join_context",
				Fields: map[string]any{
					"node":       DefaultNodePrefix + "-2",
					"context_id": "{{context_id}}",
					"invitee_id": "{{invitee_key}}",
					"invitation": "{{invitation}}",
				},
			},
			{
				Name:   "Let Nodes Sync",
				Type:   "wait",
				Fields: map[string]any{"seconds": 5},
			},
		},
		StopAllNodes: true,
	}
}

// MarshalYAML renders a workflow as YAML.
func MarshalYAML(w *WorkflowFile) ([]byte, error) {
	return yaml.Marshal(w)
}

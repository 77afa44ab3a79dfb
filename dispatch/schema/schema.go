// Package schema validates job params against per-kind JSON Schemas before
// Dispatch ever persists a job. Schemas are compiled per call rather than
// cached, since job kinds are few and submission is not a hot loop.
package schema

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/researchmcp/orchestrator/jobs"
)

// Registry holds one parsed (not yet compiled) JSON Schema document per job
// Kind.
type Registry struct {
	docs map[jobs.Kind]map[string]any
}

// NewRegistry constructs an empty Registry. Register schemas with Register
// before calling Validate.
func NewRegistry() *Registry {
	return &Registry{docs: make(map[jobs.Kind]map[string]any)}
}

// Register associates a raw JSON Schema document with kind. schemaJSON must
// be a valid JSON Schema document; Register panics on malformed JSON since
// it is only ever called at startup with compiled-in schemas.
func Register(r *Registry, kind jobs.Kind, schemaJSON []byte) {
	var doc map[string]any
	if err := json.Unmarshal(schemaJSON, &doc); err != nil {
		panic(fmt.Sprintf("dispatch/schema: invalid schema for kind %s: %v", kind, err))
	}
	r.docs[kind] = doc
}

// Validate compiles the schema registered for kind and validates paramsJSON
// against it. Returns an error naming the kind if none is registered.
func (r *Registry) Validate(kind jobs.Kind, paramsJSON []byte) error {
	doc, ok := r.docs[kind]
	if !ok {
		return fmt.Errorf("dispatch/schema: no schema registered for kind %q", kind)
	}
	var payload any
	if err := json.Unmarshal(paramsJSON, &payload); err != nil {
		return fmt.Errorf("dispatch/schema: params is not valid JSON: %w", err)
	}

	c := jsonschema.NewCompiler()
	resourceName := string(kind) + ".json"
	if err := c.AddResource(resourceName, doc); err != nil {
		return fmt.Errorf("dispatch/schema: add resource: %w", err)
	}
	compiled, err := c.Compile(resourceName)
	if err != nil {
		return fmt.Errorf("dispatch/schema: compile: %w", err)
	}
	if err := compiled.Validate(payload); err != nil {
		return err
	}
	return nil
}

// ResearchParamsSchema is the schema for jobs.KindResearch and
// jobs.KindFollowup params (research.Params).
var ResearchParamsSchema = []byte(`{
	"type": "object",
	"properties": {
		"query": {"type": "string", "minLength": 1},
		"costPreference": {"type": "string", "enum": ["low", "high"]},
		"audienceLevel": {"type": "string", "enum": ["beginner", "intermediate", "expert"]},
		"outputFormat": {"type": "string", "enum": ["report", "briefing", "bullet_points"]},
		"includeSources": {"type": "boolean"},
		"images": {"type": "array", "items": {"type": "object"}},
		"textDocuments": {"type": "array", "items": {"type": "object"}},
		"structuredData": {"type": "array", "items": {"type": "object"}},
		"max_sub_queries": {"type": "integer", "minimum": 1, "maximum": 16},
		"followup_of": {"type": "integer"},
		"prior_context": {"type": "string"}
	},
	"required": ["query"]
}`)

// IndexParamsSchema is the schema for jobs.KindIndex and jobs.KindIngest
// params.
var IndexParamsSchema = []byte(`{
	"type": "object",
	"properties": {
		"source_type": {"type": "string", "minLength": 1},
		"source_id": {"type": "string", "minLength": 1},
		"title": {"type": "string"},
		"content": {"type": "string", "minLength": 1}
	},
	"required": ["source_type", "source_id", "content"]
}`)

// BatchParamsSchema is the schema for jobs.KindBatch params: a list of
// research query strings fanned out as independent jobs.
var BatchParamsSchema = []byte(`{
	"type": "object",
	"properties": {
		"queries": {
			"type": "array",
			"minItems": 1,
			"items": {"type": "string", "minLength": 1}
		}
	},
	"required": ["queries"]
}`)

// DefaultRegistry returns a Registry with schemas for every built-in job
// Kind registered.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	Register(r, jobs.KindResearch, ResearchParamsSchema)
	Register(r, jobs.KindFollowup, ResearchParamsSchema)
	Register(r, jobs.KindIndex, IndexParamsSchema)
	Register(r, jobs.KindIngest, IndexParamsSchema)
	Register(r, jobs.KindBatch, BatchParamsSchema)
	return r
}

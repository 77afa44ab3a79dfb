package transport

import "encoding/json"

// ToolDescriptor advertises one tool in the capability listing every
// serving layer exposes.
type ToolDescriptor struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

// Descriptors lists every tool the router serves, in the order clients
// should display them.
func Descriptors() []ToolDescriptor {
	return []ToolDescriptor{
		{
			Name:        ToolSubmitResearch,
			Description: "Submit a research query for asynchronous multi-agent processing. Returns a job handle; stream progress over SSE or WebSocket, or pass async=false to wait inline.",
			InputSchema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"query": {"type": "string", "description": "The research question"},
					"costPreference": {"type": "string", "enum": ["low", "high"], "default": "low"},
					"audienceLevel": {"type": "string", "enum": ["beginner", "intermediate", "expert"], "default": "intermediate"},
					"outputFormat": {"type": "string", "enum": ["report", "briefing", "bullet_points"], "default": "report"},
					"includeSources": {"type": "boolean", "default": true},
					"images": {"type": "array", "items": {"type": "object"}},
					"textDocuments": {"type": "array", "items": {"type": "object"}},
					"structuredData": {"type": "array", "items": {"type": "object"}},
					"async": {"type": "boolean", "default": true},
					"idempotency_key": {"type": "string", "maxLength": 64}
				},
				"required": ["query"]
			}`),
		},
		{
			Name:        ToolBatchResearch,
			Description: "Submit up to 10 research queries as independent jobs.",
			InputSchema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"queries": {"type": "array", "items": {"type": "string"}, "maxItems": 10},
					"waitForCompletion": {"type": "boolean", "default": false},
					"timeoutMs": {"type": "integer", "default": 300000},
					"costPreference": {"type": "string", "enum": ["low", "high"], "default": "low"}
				},
				"required": ["queries"]
			}`),
		},
		{
			Name:        ToolGetJobStatus,
			Description: "Fetch a job's status, progress, and optionally its event log since a cursor.",
			InputSchema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"job_id": {"type": "string"},
					"format": {"type": "string", "enum": ["summary", "full", "events"], "default": "summary"},
					"max_events": {"type": "integer", "default": 50},
					"since_event_id": {"type": "integer"}
				},
				"required": ["job_id"]
			}`),
		},
		{
			Name:        ToolCancelJob,
			Description: "Request cooperative cancellation of a running job.",
			InputSchema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"job_id": {"type": "string"}
				},
				"required": ["job_id"]
			}`),
		},
		{
			Name:        ToolSearch,
			Description: "Hybrid BM25 + vector search over past reports and indexed documents.",
			InputSchema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"q": {"type": "string"},
					"k": {"type": "integer", "default": 10},
					"scope": {"type": "string", "enum": ["both", "reports", "docs"], "default": "both"},
					"rerank": {"type": "boolean", "default": false}
				},
				"required": ["q"]
			}`),
		},
	}
}

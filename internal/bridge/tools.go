package bridge

import "browserbridge-mcp-server/internal/protocol"

// FallbackTools is the documented tool surface advertised when no agent is
// connected. Clients always see a usable set; calls against it fail fast
// with agent_unavailable rather than an empty tools/list.
func FallbackTools() []protocol.ToolSpec {
	tabProp := map[string]interface{}{
		"type":        "string",
		"description": "Named background tab to target; omit for the active tab",
	}

	return []protocol.ToolSpec{
		{
			Name:        "navigate",
			Description: "Navigate the target tab to a URL and wait for the load to settle.",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"url": map[string]interface{}{"type": "string", "description": "Absolute URL to open"},
					"tab": tabProp,
				},
				"required": []string{"url"},
			},
		},
		{
			Name:        "get-page-state",
			Description: "Return the target tab's URL, title, ready state, and coarse page classification.",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"tab": tabProp,
				},
			},
		},
		{
			Name:        "list-tabs",
			Description: "List known tabs with their names, URLs, and which one is active.",
			InputSchema: map[string]interface{}{
				"type":       "object",
				"properties": map[string]interface{}{},
			},
		},
		{
			Name:        "activate-tab",
			Description: "Bring a named background tab to the foreground.",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"tab": map[string]interface{}{"type": "string", "description": "Name of the tab to activate"},
				},
				"required": []string{"tab"},
			},
		},
		{
			Name: "discover-elements",
			Description: `Cheap first-pass discovery of actionable elements.

Tries origin-specific bypass patterns, then generic pattern rules for the
parsed intent, then a bounded viewport scan. Returns compact quick-match
records (opaque id, type, truncated name, confidence 0-100, state) plus a
coarse page classification and suggested focus areas for detail-elements.
Quick ids die with the page: they are invalid after any navigation.`,
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"intent": map[string]interface{}{
						"type":        "string",
						"description": "Free-text hint of what you want to do, e.g. 'post a tweet', 'search'",
					},
					"tab": tabProp,
				},
			},
		},
		{
			Name: "detail-elements",
			Description: `Expensive second-pass discovery.

Expands quick ids from discover-elements, or named focus areas, or (given
neither) runs a fuller semantic sweep. Returns deduplicated elements with
metadata and a position fingerprint, capped at a configurable maximum.`,
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"quick_ids": map[string]interface{}{
						"type":        "array",
						"items":       map[string]interface{}{"type": "string"},
						"description": "Quick ids from discover-elements to expand",
					},
					"focus_areas": map[string]interface{}{
						"type":        "array",
						"items":       map[string]interface{}{"type": "string"},
						"description": "Named page areas to sweep, e.g. 'header', 'main', 'forms'",
					},
					"max": map[string]interface{}{
						"type":        "integer",
						"description": "Cap on returned elements (default from config)",
					},
					"tab": tabProp,
				},
			},
		},
		{
			Name:        "click-element",
			Description: "Click an element by its detailed registration id.",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"element_id": map[string]interface{}{"type": "string", "description": "Id from detail-elements"},
					"tab":        tabProp,
				},
				"required": []string{"element_id"},
			},
		},
		{
			Name: "fill-element",
			Description: `Deliver text into a target element.

Selects a per-origin strategy: sites with stateful input-event filtering
get a bypass sequence, everything else gets a scripted standard fill.
Either path verifies by re-reading the element's value and returns a
structured success/failure result.`,
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"element_id": map[string]interface{}{"type": "string", "description": "Id from detail-elements"},
					"value":      map[string]interface{}{"type": "string", "description": "Text to deliver"},
					"tab":        tabProp,
				},
				"required": []string{"element_id", "value"},
			},
		},
		{
			Name: "open-tabs-batch",
			Description: `Open many tabs without overwhelming the host.

Creates tabs in fixed-size chunks with intra-chunk and inter-chunk delays.
Give either url (optionally with count) or urls, never both. Partial
failure is reported per item with success=false, partial_success=true.`,
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"url":   map[string]interface{}{"type": "string", "description": "Single URL, repeated count times"},
					"count": map[string]interface{}{"type": "integer", "description": "Repeat count for url (1-50, default 1)"},
					"urls": map[string]interface{}{
						"type":        "array",
						"items":       map[string]interface{}{"type": "string"},
						"description": "Explicit URL list (1-50 entries); mutually exclusive with url",
					},
					"chunk_size":       map[string]interface{}{"type": "integer", "description": "Tabs per chunk (default from config)"},
					"active_tab_index": map[string]interface{}{"type": "integer", "description": "Index (into the request) of the tab to activate; defaults to the last created"},
				},
			},
		},
	}
}

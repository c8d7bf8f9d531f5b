package tools

import (
	"github.com/MarcoPoloResearchLab/followcrm/internal/contacts"
)

const openAPIVersion = "3.1.0"

type operation struct {
	name        string
	method      string
	path        string
	summary     string
	parameters  []map[string]any
	input       any
	requestBody map[string]any
	response    any
}

func queryParameter(name, description string) map[string]any {
	return map[string]any{
		"name":        name,
		"in":          "query",
		"required":    false,
		"description": description,
		"schema":      map[string]any{"type": "string"},
	}
}

func pathParameter(name, description string) map[string]any {
	return map[string]any{
		"name":        name,
		"in":          "path",
		"required":    true,
		"description": description,
		"schema":      map[string]any{"type": "string"},
	}
}

func operations() []operation {
	return []operation{
		{
			name:       ToolListFollows,
			method:     "get",
			path:       "/follows",
			summary:    "List followed accounts ordered by follower count",
			parameters: []map[string]any{queryParameter("tag", "Keep follows whose tags contain this text")},
			input:      &ListFollowsInput{},
			response:   &ListFollowsOutput{},
		},
		{
			name:    ToolUpdateContact,
			method:  "post",
			path:    "/contacts/{handle}",
			summary: "Set the note and/or tags of one followed account",
			parameters: []map[string]any{
				pathParameter("handle", "Handle of the followed account"),
				queryParameter("note", "New note; empty clears it"),
				queryParameter("tags", "Comma-separated tags; empty clears them"),
			},
			input:    &UpdateContactInput{},
			response: &contacts.UpdateResult{},
		},
		{
			name:        ToolUpdateContactsBulk,
			method:      "post",
			path:        "/contacts/bulk",
			summary:     "Set tags and notes on several followed accounts",
			input:       &UpdateContactsBulkInput{},
			requestBody: map[string]any{"type": "array", "items": SchemaOf(&contacts.BulkUpdate{})},
			response:    &contacts.BulkResult{},
		},
		{
			name:       ToolRemoveTag,
			method:     "delete",
			path:       "/tags/{tag}",
			summary:    "Remove a tag from every followed account",
			parameters: []map[string]any{pathParameter("tag", "Tag to remove")},
			input:      &RemoveTagInput{},
			response:   &contacts.RemoveTagResult{},
		},
		{
			name:     ToolListTags,
			method:   "get",
			path:     "/tags",
			summary:  "List every distinct tag",
			input:    &ListTagsInput{},
			response: &ListTagsOutput{},
		},
	}
}

// OpenAPIDocument describes the tool operations as HTTP endpoints. Operation
// ids equal the MCP tool names and x-mcp-input carries the tool argument schema.
func OpenAPIDocument(serverURL, version string) map[string]any {
	paths := map[string]any{}
	for _, op := range operations() {
		entry := map[string]any{
			"operationId": op.name,
			"summary":     op.summary,
			"x-mcp-input": SchemaOf(op.input),
			"responses": map[string]any{
				"200": map[string]any{
					"description": "OK",
					"content": map[string]any{
						"application/json": map[string]any{"schema": SchemaOf(op.response)},
					},
				},
				"400": map[string]any{"description": "Missing or invalid input"},
				"401": map[string]any{"description": "No authenticated session"},
			},
		}
		if len(op.parameters) > 0 {
			entry["parameters"] = op.parameters
		}
		if op.requestBody != nil {
			entry["requestBody"] = map[string]any{
				"required": true,
				"content": map[string]any{
					"application/json": map[string]any{"schema": op.requestBody},
				},
			}
		}
		methods, ok := paths[op.path].(map[string]any)
		if !ok {
			methods = map[string]any{}
			paths[op.path] = methods
		}
		methods[op.method] = entry
	}

	document := map[string]any{
		"openapi": openAPIVersion,
		"info": map[string]any{
			"title":       "FollowCRM",
			"description": "Personal CRM over the accounts you follow",
			"version":     version,
		},
		"paths": paths,
		"components": map[string]any{
			"securitySchemes": map[string]any{
				"session": map[string]any{"type": "http", "scheme": "bearer", "bearerFormat": "JWT"},
			},
		},
		"security": []map[string]any{{"session": []string{}}},
	}
	if serverURL != "" {
		document["servers"] = []map[string]any{{"url": serverURL}}
	}
	return document
}

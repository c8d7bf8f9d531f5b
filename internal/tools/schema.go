package tools

import (
	"encoding/json"

	"github.com/MarcoPoloResearchLab/followcrm/internal/contacts"
	"github.com/invopop/jsonschema"
)

// ListFollowsInput filters the follow list.
type ListFollowsInput struct {
	Tag string `json:"tag,omitempty" jsonschema:"description=Keep follows whose tags contain this text (case-insensitive)"`
}

// UpdateContactInput sets the note and/or tags of one follow.
type UpdateContactInput struct {
	Handle string  `json:"handle" jsonschema:"description=Handle of the followed account, with or without @"`
	Note   *string `json:"note,omitempty" jsonschema:"description=New note; empty clears it"`
	Tags   *string `json:"tags,omitempty" jsonschema:"description=Comma-separated tags replacing the current tags; empty clears them"`
}

// UpdateContactsBulkInput carries several tag/note updates.
type UpdateContactsBulkInput struct {
	Updates []contacts.BulkUpdate `json:"updates" jsonschema:"description=Updates applied independently of each other"`
}

// RemoveTagInput names the tag to strip from every follow.
type RemoveTagInput struct {
	Tag string `json:"tag" jsonschema:"description=Tag to remove, matched case-insensitively"`
}

// ListTagsInput takes no arguments.
type ListTagsInput struct{}

// ListFollowsOutput is the list_follows result.
type ListFollowsOutput struct {
	Count   int               `json:"count"`
	Follows []contacts.Follow `json:"follows"`
}

// ListTagsOutput is the list_tags result.
type ListTagsOutput struct {
	Tags []string `json:"tags"`
}

var reflector = &jsonschema.Reflector{
	DoNotReference: true,
	ExpandedStruct: true,
}

// SchemaOf reflects v into a JSON Schema object without the $schema marker.
func SchemaOf(v any) map[string]any {
	encoded, err := json.Marshal(reflector.Reflect(v))
	if err != nil {
		return map[string]any{"type": "object"}
	}
	var schema map[string]any
	if err := json.Unmarshal(encoded, &schema); err != nil {
		return map[string]any{"type": "object"}
	}
	delete(schema, "$schema")
	return schema
}

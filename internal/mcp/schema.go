package mcp

import (
	"maps"
	"regexp"
	"strings"
)

// ToolPrefix starts the name of every remote tool exposed to the model.
const ToolPrefix = "mcp__"

// maxToolNameLen is the longest function name completion APIs accept.
const maxToolNameLen = 64

var unsafeNameChars = regexp.MustCompile(`[^A-Za-z0-9_-]`)

// ToolName returns the exposed name "mcp__{server}__{tool}". Both parts
// are reduced to letters, digits, '-' and '_' with no "__" inside them,
// so the separator stays unambiguous.
func ToolName(server, tool string) string {
	name := ToolPrefix + sanitize(server) + "__" + sanitize(tool)
	if len(name) > maxToolNameLen {
		name = name[:maxToolNameLen]
	}
	return name
}

func sanitize(s string) string {
	s = unsafeNameChars.ReplaceAllString(s, "_")
	for strings.Contains(s, "__") {
		s = strings.ReplaceAll(s, "__", "_")
	}
	return strings.Trim(s, "_")
}

// InlineRefs returns a copy of schema with local "$ref" pointers
// ("#/$defs/X" or "#/definitions/X") replaced by their definitions and
// the top-level "$defs", "definitions" and "$schema" keys removed.
// Recursive references are cut off at the second visit. A nil or empty
// schema becomes an empty object schema.
func InlineRefs(schema map[string]any) map[string]any {
	if len(schema) == 0 {
		return map[string]any{"type": "object", "properties": map[string]any{}}
	}
	defs, _ := schema["$defs"].(map[string]any)
	if defs == nil {
		defs, _ = schema["definitions"].(map[string]any)
	}

	out, _ := inline(schema, defs, map[string]bool{}).(map[string]any)
	delete(out, "$defs")
	delete(out, "definitions")
	delete(out, "$schema")
	return out
}

func inline(v any, defs map[string]any, visiting map[string]bool) any {
	switch val := v.(type) {
	case map[string]any:
		if ref, ok := val["$ref"].(string); ok {
			name, found := strings.CutPrefix(ref, "#/$defs/")
			if !found {
				name, found = strings.CutPrefix(ref, "#/definitions/")
			}
			def, ok := defs[name]
			if !found || !ok {
				return maps.Clone(val)
			}
			if visiting[name] {
				return map[string]any{"type": "object"}
			}
			visiting[name] = true
			resolved := inline(def, defs, visiting)
			delete(visiting, name)
			return resolved
		}
		out := make(map[string]any, len(val))
		for k, child := range val {
			out[k] = inline(child, defs, visiting)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, child := range val {
			out[i] = inline(child, defs, visiting)
		}
		return out
	default:
		return v
	}
}

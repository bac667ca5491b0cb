package mcp

import (
	"strings"
	"testing"
)

func TestToolName(t *testing.T) {
	tests := []struct {
		server, tool, want string
	}{
		{"home", "get_state", "mcp__home__get_state"},
		{"my server", "do.thing", "mcp__my_server__do_thing"},
		{"a__b", "c___d", "mcp__a_b__c_d"},
		{"_edge_", "-ok-", "mcp__edge__-ok-"},
	}
	for _, tt := range tests {
		if got := ToolName(tt.server, tt.tool); got != tt.want {
			t.Errorf("ToolName(%q, %q) = %q, want %q", tt.server, tt.tool, got, tt.want)
		}
	}

	long := ToolName("server", strings.Repeat("x", 100))
	if len(long) != maxToolNameLen {
		t.Errorf("long name length = %d, want %d", len(long), maxToolNameLen)
	}
}

func TestInlineRefs_Defs(t *testing.T) {
	schema := map[string]any{
		"$schema": "https://json-schema.org/draft/2020-12/schema",
		"type":    "object",
		"properties": map[string]any{
			"where": map[string]any{"$ref": "#/$defs/Location"},
			"stops": map[string]any{
				"type":  "array",
				"items": []any{map[string]any{"$ref": "#/$defs/Location"}},
			},
		},
		"$defs": map[string]any{
			"Location": map[string]any{
				"type":       "object",
				"properties": map[string]any{"lat": map[string]any{"type": "number"}},
			},
		},
	}

	out := InlineRefs(schema)
	for _, k := range []string{"$defs", "$schema"} {
		if _, ok := out[k]; ok {
			t.Errorf("%s not removed", k)
		}
	}
	props := out["properties"].(map[string]any)
	where := props["where"].(map[string]any)
	if where["type"] != "object" {
		t.Errorf("where = %v, want inlined Location", where)
	}
	items := props["stops"].(map[string]any)["items"].([]any)
	if items[0].(map[string]any)["type"] != "object" {
		t.Errorf("array item not inlined: %v", items[0])
	}
	if _, ok := schema["$defs"]; !ok {
		t.Error("input schema was modified")
	}
}

func TestInlineRefs_DefinitionsAndCycles(t *testing.T) {
	schema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"root":    map[string]any{"$ref": "#/definitions/Node"},
			"foreign": map[string]any{"$ref": "https://example.com/x.json"},
		},
		"definitions": map[string]any{
			"Node": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"child": map[string]any{"$ref": "#/definitions/Node"},
				},
			},
		},
	}

	out := InlineRefs(schema)
	if _, ok := out["definitions"]; ok {
		t.Error("definitions not removed")
	}
	props := out["properties"].(map[string]any)
	root := props["root"].(map[string]any)
	child := root["properties"].(map[string]any)["child"].(map[string]any)
	if _, ok := child["$ref"]; ok {
		t.Errorf("recursive ref left in place: %v", child)
	}
	if child["type"] != "object" {
		t.Errorf("cycle cut = %v, want bare object", child)
	}
	if props["foreign"].(map[string]any)["$ref"] != "https://example.com/x.json" {
		t.Error("non-local ref should be left untouched")
	}
}

func TestInlineRefs_Empty(t *testing.T) {
	out := InlineRefs(nil)
	if out["type"] != "object" {
		t.Errorf("InlineRefs(nil) = %v", out)
	}
}

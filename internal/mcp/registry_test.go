package mcp

import (
	"testing"
)

type echoParams struct {
	Message string   `json:"message" description:"text to echo"`
	Count   int      `json:"count,omitempty"`
	Tags    []string `json:"tags,omitempty"`
	Loud    bool     `json:"loud,omitempty"`
}

func TestGenerateSchema(t *testing.T) {
	schema := GenerateSchema[echoParams]()

	if schema["type"] != "object" {
		t.Fatalf("type = %v", schema["type"])
	}
	props := schema["properties"].(map[string]any)
	if props["message"].(map[string]any)["type"] != "string" {
		t.Errorf("message schema = %v", props["message"])
	}
	if props["message"].(map[string]any)["description"] != "text to echo" {
		t.Errorf("description not carried: %v", props["message"])
	}
	if props["count"].(map[string]any)["type"] != "number" {
		t.Errorf("count schema = %v", props["count"])
	}
	if props["tags"].(map[string]any)["type"] != "array" {
		t.Errorf("tags schema = %v", props["tags"])
	}
	if props["loud"].(map[string]any)["type"] != "boolean" {
		t.Errorf("loud schema = %v", props["loud"])
	}

	required, _ := schema["required"].([]string)
	if len(required) != 1 || required[0] != "message" {
		t.Errorf("required = %v, want [message]", required)
	}
}

func TestGenerateSchema_NonStruct(t *testing.T) {
	if s := GenerateSchema[string](); s["type"] != "object" {
		t.Errorf("string schema = %v", s)
	}
	if s := GenerateSchema[struct{}](); s["type"] != "object" {
		t.Errorf("empty struct schema = %v", s)
	}
}

func TestRegistry_OrderAndInfo(t *testing.T) {
	r := NewRegistry()
	Register[echoParams](r, ToolDef{Name: "beta"}, nil)
	Register[struct{}](r, ToolDef{Name: "alpha"}, nil)

	tools := r.GetAllTools()
	if len(tools) != 2 || tools[0].Name != "beta" || tools[1].Name != "alpha" {
		t.Fatalf("tools = %v, want registration order preserved", tools)
	}

	hash, count := r.Info()
	if count != 2 || len(hash) != 16 {
		t.Errorf("Info = (%q, %d)", hash, count)
	}

	// The digest is stable and changes when the tool set changes.
	if again := r.Hash(); again != hash {
		t.Errorf("Hash not stable: %q vs %q", again, hash)
	}
	Register[struct{}](r, ToolDef{Name: "gamma"}, nil)
	if r.Hash() == hash {
		t.Error("Hash unchanged after registering a new tool")
	}
}

func TestRegistry_ReRegisterKeepsOrder(t *testing.T) {
	r := NewRegistry()
	Register[struct{}](r, ToolDef{Name: "a"}, nil)
	Register[struct{}](r, ToolDef{Name: "b"}, nil)
	Register[echoParams](r, ToolDef{Name: "a", Description: "replaced"}, nil)

	tools := r.GetAllTools()
	if len(tools) != 2 || tools[0].Name != "a" || tools[0].Description != "replaced" {
		t.Errorf("tools = %+v, want a replaced in place", tools)
	}
}

func TestSchemaObject(t *testing.T) {
	r := NewRegistry()
	Register[echoParams](r, ToolDef{Name: "echo"}, nil)

	def, _ := r.GetTool("echo")
	obj, err := SchemaObject(def)
	if err != nil {
		t.Fatalf("SchemaObject: %v", err)
	}
	if obj.Type != "object" {
		t.Errorf("schema type = %q", obj.Type)
	}
}

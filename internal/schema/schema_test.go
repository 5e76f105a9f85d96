package schema

import (
	"encoding/json"
	"testing"
)

func mustJSON(t *testing.T, s string) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		t.Fatalf("bad fixture: %v", err)
	}
	return m
}

func mustValue(t *testing.T, s string) any {
	t.Helper()
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		t.Fatalf("bad fixture: %v", err)
	}
	return v
}

func TestValidate_TypeChecks(t *testing.T) {
	cases := []struct {
		name   string
		schema string
		value  string
		ok     bool
	}{
		{"string ok", `{"type":"string"}`, `"hi"`, true},
		{"string bad", `{"type":"string"}`, `5`, false},
		{"number ok", `{"type":"number"}`, `3.5`, true},
		{"number bad", `{"type":"number"}`, `"3.5"`, false},
		{"boolean ok", `{"type":"boolean"}`, `true`, true},
		{"boolean bad", `{"type":"boolean"}`, `"true"`, false},
		{"object ok", `{"type":"object"}`, `{}`, true},
		{"object bad", `{"type":"object"}`, `[]`, false},
		{"array ok", `{"type":"array"}`, `[1,2]`, true},
		{"array bad", `{"type":"array"}`, `{}`, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := Validate(mustJSON(t, tc.schema), mustValue(t, tc.value))
			if tc.ok && err != nil {
				t.Errorf("Validate() = %v, want nil", err)
			}
			if !tc.ok {
				if err == nil {
					t.Fatal("Validate() = nil, want error")
				}
				if err.Reason != ReasonType {
					t.Errorf("Reason = %v, want type", err.Reason)
				}
			}
		})
	}
}

func TestValidate_RequiredBeforeProperties(t *testing.T) {
	sch := mustJSON(t, `{
		"type": "object",
		"required": ["name"],
		"properties": {
			"name": {"type": "string"},
			"size": {"type": "number"}
		}
	}`)

	// Missing required key wins over the bad property type.
	err := Validate(sch, mustValue(t, `{"size":"big"}`))
	if err == nil {
		t.Fatal("expected error")
	}
	if err.Reason != ReasonRequired {
		t.Errorf("Reason = %v, want required", err.Reason)
	}
	if err.Path != "name" {
		t.Errorf("Path = %q, want name", err.Path)
	}

	// With required present, the property type is checked.
	err = Validate(sch, mustValue(t, `{"name":"x","size":"big"}`))
	if err == nil || err.Reason != ReasonType || err.Path != "size" {
		t.Errorf("got %+v, want type error at size", err)
	}
}

func TestValidate_AdditionalProperties(t *testing.T) {
	sch := mustJSON(t, `{
		"type": "object",
		"properties": {"a": {"type": "string"}},
		"additionalProperties": false
	}`)

	err := Validate(sch, mustValue(t, `{"a":"x","zz":1}`))
	if err == nil {
		t.Fatal("expected error")
	}
	if err.Reason != ReasonAdditionalProperties {
		t.Errorf("Reason = %v, want additionalProperties", err.Reason)
	}
	if err.Path != "zz" {
		t.Errorf("Path = %q, want zz", err.Path)
	}
}

func TestValidate_ArrayOrderAndPaths(t *testing.T) {
	sch := mustJSON(t, `{
		"type": "array",
		"minItems": 1,
		"maxItems": 2,
		"items": {"type": "number"}
	}`)

	if err := Validate(sch, mustValue(t, `[]`)); err == nil || err.Reason != ReasonMinItems {
		t.Errorf("got %+v, want minItems error", err)
	}
	if err := Validate(sch, mustValue(t, `[1,2,3]`)); err == nil || err.Reason != ReasonMaxItems {
		t.Errorf("got %+v, want maxItems error", err)
	}

	err := Validate(sch, mustValue(t, `[1,"two"]`))
	if err == nil || err.Reason != ReasonType {
		t.Fatalf("got %+v, want type error", err)
	}
	if err.Path != "[1]" {
		t.Errorf("Path = %q, want [1]", err.Path)
	}
}

func TestValidate_NestedPath(t *testing.T) {
	sch := mustJSON(t, `{
		"type": "object",
		"properties": {
			"cubes": {
				"type": "array",
				"items": {
					"type": "object",
					"required": ["name"],
					"properties": {"name": {"type": "string"}}
				}
			}
		}
	}`)

	err := Validate(sch, mustValue(t, `{"cubes":[{"name":"a"},{"name":5}]}`))
	if err == nil {
		t.Fatal("expected error")
	}
	if err.Path != "cubes[1].name" {
		t.Errorf("Path = %q, want cubes[1].name", err.Path)
	}
	if err.Message != "cubes[1].name must be string" {
		t.Errorf("Message = %q", err.Message)
	}
}

func TestValidate_Enum(t *testing.T) {
	sch := mustJSON(t, `{"type":"string","enum":["north","south"]}`)
	if err := Validate(sch, mustValue(t, `"north"`)); err != nil {
		t.Errorf("Validate() = %v, want nil", err)
	}
	err := Validate(sch, mustValue(t, `"east"`))
	if err == nil || err.Reason != ReasonEnum {
		t.Fatalf("got %+v, want enum error", err)
	}
	if err.Details.Actual != "east" {
		t.Errorf("Details.Actual = %v, want east", err.Details.Actual)
	}
}

func TestValidate_AnyOf(t *testing.T) {
	sch := mustJSON(t, `{
		"anyOf": [
			{"type":"object","required":["projectId"],"properties":{"projectId":{"type":"string"}}},
			{"type":"object","required":["name"],"properties":{"name":{"type":"string"}}}
		]
	}`)

	if err := Validate(sch, mustValue(t, `{"projectId":"prj_1"}`)); err != nil {
		t.Errorf("Validate() = %v, want nil", err)
	}
	if err := Validate(sch, mustValue(t, `{"name":"chair"}`)); err != nil {
		t.Errorf("Validate() = %v, want nil", err)
	}

	err := Validate(sch, mustValue(t, `{"other":true}`))
	if err == nil || err.Reason != ReasonAnyOf {
		t.Fatalf("got %+v, want anyOf error", err)
	}
	if len(err.Details.Candidates) != 2 {
		t.Fatalf("Candidates = %v, want 2 entries", err.Details.Candidates)
	}
	if err.Details.Candidates[0] != "requires projectId" || err.Details.Candidates[1] != "requires name" {
		t.Errorf("Candidates = %v", err.Details.Candidates)
	}
}

func TestValidate_NilSchemaAcceptsAnything(t *testing.T) {
	if err := Validate(nil, mustValue(t, `{"anything":1}`)); err != nil {
		t.Errorf("Validate(nil) = %v, want nil", err)
	}
}

package project

import (
	"encoding/json"
	"reflect"
	"testing"
)

func decodeDiff(t *testing.T, raw json.RawMessage) map[string][]string {
	t.Helper()
	var out map[string][]string
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("diff is not a key-list document: %v", err)
	}
	return out
}

func TestStateDiff(t *testing.T) {
	diff := decodeDiff(t, StateDiff(
		json.RawMessage(`{"cubes":[1],"lights":2,"camera":"iso"}`),
		json.RawMessage(`{"cubes":[1,2],"camera":"iso","fog":true}`),
	))
	want := map[string][]string{
		"added":   {"fog"},
		"removed": {"lights"},
		"changed": {"cubes"},
	}
	if !reflect.DeepEqual(diff, want) {
		t.Errorf("diff = %v, want %v", diff, want)
	}
}

func TestStateDiff_KeyOrderInsensitive(t *testing.T) {
	diff := decodeDiff(t, StateDiff(
		json.RawMessage(`{"a":{"x":1,"y":2}}`),
		json.RawMessage(`{"a":{"y":2,"x":1}}`),
	))
	if len(diff["changed"]) != 0 {
		t.Errorf("changed = %v, want none for reordered keys", diff["changed"])
	}
}

func TestStateDiff_NilBefore(t *testing.T) {
	diff := decodeDiff(t, StateDiff(nil, json.RawMessage(`{"cubes":[1]}`)))
	if !reflect.DeepEqual(diff["added"], []string{"cubes"}) {
		t.Errorf("added = %v, want [cubes]", diff["added"])
	}
}

func TestStateDiff_OpaqueStates(t *testing.T) {
	var out map[string]bool
	if err := json.Unmarshal(StateDiff(json.RawMessage(`[1,2]`), json.RawMessage(`[3]`)), &out); err != nil {
		t.Fatalf("diff: %v", err)
	}
	if !out["replaced"] {
		t.Errorf("diff = %v, want replaced", out)
	}
}

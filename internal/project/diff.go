package project

import (
	"bytes"
	"encoding/json"
	"sort"
)

// StateDiff reports which top-level keys changed between two state
// documents. A nil before diffs as an empty document; opaque states
// that are not objects diff as a whole.
func StateDiff(before, after json.RawMessage) json.RawMessage {
	if len(before) == 0 {
		before = json.RawMessage(`{}`)
	}

	var prev, next map[string]json.RawMessage
	if json.Unmarshal(before, &prev) != nil || json.Unmarshal(after, &next) != nil {
		out, _ := json.Marshal(map[string]any{"replaced": true})
		return out
	}

	var added, removed, changed []string
	for key := range next {
		if _, ok := prev[key]; !ok {
			added = append(added, key)
		} else if !bytes.Equal(NormalizeJSON(prev[key]), NormalizeJSON(next[key])) {
			changed = append(changed, key)
		}
	}
	for key := range prev {
		if _, ok := next[key]; !ok {
			removed = append(removed, key)
		}
	}

	out, _ := json.Marshal(map[string]any{
		"added":   sorted(added),
		"removed": sorted(removed),
		"changed": sorted(changed),
	})
	return out
}

// NormalizeJSON re-marshals a document so key order and whitespace do not
// affect equality checks.
func NormalizeJSON(raw json.RawMessage) []byte {
	var value any
	if err := json.Unmarshal(raw, &value); err != nil {
		return raw
	}
	out, err := json.Marshal(value)
	if err != nil {
		return raw
	}
	return out
}

func sorted(list []string) []string {
	if list == nil {
		return []string{}
	}
	sort.Strings(list)
	return list
}

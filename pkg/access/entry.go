// Package access reconciles dataset access grants.
//
// The warehouse returns access entries enriched with fields the caller never
// sets, so a locally built entry can never be compared with plain equality.
// Presence is decided by containment instead: a live entry covers a candidate
// when role and entity type match and every flattened property of the
// candidate appears, with the same value, in the live entry.
package access

import (
	"fmt"
	"reflect"

	"github.com/openfroyo/dsync/pkg/engine"
)

// Flatten normalizes an entry's properties into a single-level map. Nested
// mappings are joined with "." (e.g. "view.tableId"). Nil values are dropped.
func Flatten(entry engine.AccessEntry) map[string]any {
	out := make(map[string]any, len(entry.Properties))
	flattenInto(out, "", entry.Properties)
	return out
}

func flattenInto(out map[string]any, prefix string, in map[string]any) {
	for k, v := range in {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		switch t := v.(type) {
		case nil:
			continue
		case map[string]any:
			flattenInto(out, key, t)
		case map[string]string:
			for sk, sv := range t {
				out[key+"."+sk] = sv
			}
		default:
			out[key] = v
		}
	}
}

// Covers reports whether live satisfies candidate: same role, same entity type,
// and live's flattened properties are a superset of candidate's. The relation
// is deliberately asymmetric.
func Covers(live, candidate engine.AccessEntry) bool {
	if live.Role != candidate.Role || live.EntityType != candidate.EntityType {
		return false
	}

	have := Flatten(live)
	for k, want := range Flatten(candidate) {
		got, ok := have[k]
		if !ok || !sameValue(got, want) {
			return false
		}
	}
	return true
}

// sameValue compares property values, treating numbers of different Go types
// and fmt-equal scalars as equal.
func sameValue(a, b any) bool {
	if reflect.DeepEqual(a, b) {
		return true
	}
	switch a.(type) {
	case string, bool, int, int32, int64, float32, float64:
		return fmt.Sprint(a) == fmt.Sprint(b)
	}
	return false
}

// ContainsEntry reports whether any live entry covers candidate.
func ContainsEntry(live []engine.AccessEntry, candidate engine.AccessEntry) bool {
	for _, e := range live {
		if Covers(e, candidate) {
			return true
		}
	}
	return false
}

// AddEntryIfAbsent appends candidate to ds unless an existing entry already
// covers it. It reports whether the entry was added.
func AddEntryIfAbsent(ds *engine.Dataset, candidate engine.AccessEntry) bool {
	if ContainsEntry(ds.AccessEntries, candidate) {
		return false
	}
	appendEntry(ds, candidate)
	return true
}

// appendEntry appends unconditionally. Callers must check containment first.
func appendEntry(ds *engine.Dataset, entry engine.AccessEntry) {
	ds.AccessEntries = append(ds.AccessEntries, entry.Clone())
}

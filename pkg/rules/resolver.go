// pkg/rules/resolver.go
package rules

import "strings"

// Slot is a writable location inside a document: either a map entry or a
// slice element. Resolving a path that crosses arrays yields one slot per
// matching element.
type Slot struct {
	mapRef   map[string]interface{}
	sliceRef []interface{}
	key      string
	index    int
}

// Get returns the current value at the slot.
func (s Slot) Get() interface{} {
	if s.mapRef != nil {
		return s.mapRef[s.key]
	}
	return s.sliceRef[s.index]
}

// Set writes a new value into the slot.
func (s Slot) Set(v interface{}) {
	if s.mapRef != nil {
		s.mapRef[s.key] = v
		return
	}
	s.sliceRef[s.index] = v
}

// Resolve locates every slot matched by a dot-separated field path inside a
// document. A segment applied to an array descends into every element, so a
// path crossing an array boundary addresses all elements. Missing
// intermediate fields simply produce no slots.
func Resolve(doc map[string]interface{}, path string) []Slot {
	segments := strings.Split(path, ".")
	if len(segments) == 0 || doc == nil {
		return nil
	}

	// containers holds the values the next segment is applied to.
	containers := []interface{}{doc}

	for depth, seg := range segments {
		last := depth == len(segments)-1
		var next []interface{}
		var slots []Slot

		for _, c := range containers {
			switch v := c.(type) {
			case map[string]interface{}:
				child, ok := v[seg]
				if !ok {
					continue
				}
				if last {
					slots = append(slots, Slot{mapRef: v, key: seg})
				} else {
					next = append(next, child)
				}

			case []interface{}:
				// Array wildcard: apply the same segment to every element.
				for _, elem := range v {
					em, ok := elem.(map[string]interface{})
					if !ok {
						continue
					}
					child, ok := em[seg]
					if !ok {
						continue
					}
					if last {
						slots = append(slots, Slot{mapRef: em, key: seg})
					} else {
						next = append(next, child)
					}
				}
			}
		}

		if last {
			// Expand terminal array values to per-element slots so the
			// operation masks each element, not the array itself.
			return expandTerminalArrays(slots)
		}
		containers = next
		if len(containers) == 0 {
			return nil
		}
	}

	return nil
}

// expandTerminalArrays replaces a slot holding a []interface{} of scalars
// with one slot per element.
func expandTerminalArrays(slots []Slot) []Slot {
	out := make([]Slot, 0, len(slots))
	for _, s := range slots {
		arr, ok := s.Get().([]interface{})
		if !ok {
			out = append(out, s)
			continue
		}
		for i := range arr {
			if _, nested := arr[i].(map[string]interface{}); nested {
				continue
			}
			out = append(out, Slot{sliceRef: arr, index: i})
		}
	}
	return out
}

// ResolveValues returns the values matched by a path without slot handles.
// Used by verification, which only needs to read.
func ResolveValues(doc map[string]interface{}, path string) []interface{} {
	slots := Resolve(doc, path)
	vals := make([]interface{}, 0, len(slots))
	for _, s := range slots {
		vals = append(vals, s.Get())
	}
	return vals
}

package entity

import "netsync/internal/protocol"

// ChangedDetection stores newValue under field when it differs from the
// stored value (or none is stored) and records field in changed.
// Returns true when the value changed.
func ChangedDetection(changed *[]string, fields Fields, newValue Value, field string) bool {
	if current, ok := fields[field]; ok && current.Equal(newValue) {
		return false
	}
	fields[field] = newValue
	if changed != nil {
		*changed = append(*changed, field)
	}
	return true
}

// Difference returns the node paths of next that hold at least one field
// absent from or unequal to prev, each carrying only those fields.
// Difference(s, s) is always empty.
func Difference(prev, next NodeUpdates) NodeUpdates {
	diff := make(NodeUpdates)
	for node, fields := range next {
		before := prev[node]
		var changed Fields
		for name, v := range fields {
			if old, ok := before[name]; ok && old.Equal(v) {
				continue
			}
			if changed == nil {
				changed = make(Fields)
			}
			changed[name] = v
		}
		if changed != nil {
			diff[node] = changed
		}
	}
	return diff
}

// Personalise returns a copy of diff for viewer, without every node path the
// viewer is excluded from in u. diff and u are not modified.
func Personalise(diff NodeUpdates, viewer protocol.Handle, u *EntityUpdates) NodeUpdates {
	out := make(NodeUpdates, len(diff))
	for node, fields := range diff {
		if u != nil && u.IsExcluded(node, viewer) {
			continue
		}
		out[node] = fields.Clone()
	}
	return out
}

// Clone returns a copy of f. Values are immutable and shared.
func (f Fields) Clone() Fields {
	if f == nil {
		return nil
	}
	out := make(Fields, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}

// Clone returns a two-level copy of u.
func (u NodeUpdates) Clone() NodeUpdates {
	if u == nil {
		return nil
	}
	out := make(NodeUpdates, len(u))
	for node, fields := range u {
		out[node] = fields.Clone()
	}
	return out
}

// FieldCount returns the number of fields across all node paths.
func (u NodeUpdates) FieldCount() int {
	n := 0
	for _, fields := range u {
		n += len(fields)
	}
	return n
}

// Merge overwrites u with every field in diff.
func (u NodeUpdates) Merge(diff NodeUpdates) {
	for node, fields := range diff {
		dst, ok := u[node]
		if !ok {
			dst = make(Fields, len(fields))
			u[node] = dst
		}
		for name, v := range fields {
			dst[name] = v
		}
	}
}

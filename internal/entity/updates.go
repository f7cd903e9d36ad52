package entity

import "netsync/internal/protocol"

// RootNode is the node path of the entity itself.
const RootNode = "."

// EntityUpdates is the replicated state of one entity.
//
// Updates is the canonical current state. UpdatesDifference queues one diff
// per tick in which something changed, measured against the state that was
// last committed, so intermediate writes within a tick never leak into it.
// ChangedParameters lists the fields written this tick and is cleared by
// Commit. ExcludedHandles suppresses node paths per viewer at send time only.
type EntityUpdates struct {
	Updates           NodeUpdates
	UpdatesDifference []NodeUpdates
	ChangedParameters []string
	ExcludedHandles   map[string][]protocol.Handle

	applied NodeUpdates
}

// NewEntityUpdates creates state holding only the empty root node.
func NewEntityUpdates() *EntityUpdates {
	return &EntityUpdates{
		Updates:         NodeUpdates{RootNode: Fields{}},
		ExcludedHandles: make(map[string][]protocol.Handle),
		applied:         NodeUpdates{},
	}
}

// Set writes field on node through ChangedDetection.
func (u *EntityUpdates) Set(node, field string, v Value) bool {
	fields, ok := u.Updates[node]
	if !ok {
		fields = make(Fields)
		u.Updates[node] = fields
	}
	return ChangedDetection(&u.ChangedParameters, fields, v, field)
}

// Get returns the current value of field on node.
func (u *EntityUpdates) Get(node, field string) (Value, bool) {
	v, ok := u.Updates[node][field]
	return v, ok
}

// Commit closes the tick: it queues the difference between the current and
// last committed state (if any) and clears ChangedParameters.
func (u *EntityUpdates) Commit() (NodeUpdates, bool) {
	u.ChangedParameters = u.ChangedParameters[:0]

	diff := Difference(u.applied, u.Updates)
	if len(diff) == 0 {
		return nil, false
	}
	u.applied.Merge(diff)
	u.UpdatesDifference = append(u.UpdatesDifference, diff)
	return diff, true
}

// DrainDifferences removes and returns every queued diff, oldest first.
func (u *EntityUpdates) DrainDifferences() []NodeUpdates {
	out := u.UpdatesDifference
	u.UpdatesDifference = nil
	return out
}

// Snapshot returns a copy of the current state.
func (u *EntityUpdates) Snapshot() NodeUpdates {
	return u.Updates.Clone()
}

// Apply merges a received diff into the state without queuing anything.
// Used by the receiving side to mirror a remote entity.
func (u *EntityUpdates) Apply(diff NodeUpdates) {
	u.Updates.Merge(diff)
	u.applied.Merge(diff)
}

// Exclude hides node from viewer.
func (u *EntityUpdates) Exclude(node string, viewer protocol.Handle) {
	if u.IsExcluded(node, viewer) {
		return
	}
	u.ExcludedHandles[node] = append(u.ExcludedHandles[node], viewer)
}

// Include reverses Exclude.
func (u *EntityUpdates) Include(node string, viewer protocol.Handle) {
	handles := u.ExcludedHandles[node]
	for i, h := range handles {
		if h == viewer {
			handles = append(handles[:i], handles[i+1:]...)
			break
		}
	}
	if len(handles) == 0 {
		delete(u.ExcludedHandles, node)
		return
	}
	u.ExcludedHandles[node] = handles
}

// IsExcluded reports whether node is hidden from viewer.
func (u *EntityUpdates) IsExcluded(node string, viewer protocol.Handle) bool {
	for _, h := range u.ExcludedHandles[node] {
		if h == viewer {
			return true
		}
	}
	return false
}

// Forget drops viewer from every exclusion list, e.g. on disconnect.
func (u *EntityUpdates) Forget(viewer protocol.Handle) {
	for node := range u.ExcludedHandles {
		u.Include(node, viewer)
	}
}

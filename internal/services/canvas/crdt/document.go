package crdt

import (
	"encoding/json"
)

// Doc is one replica of a CRDT document.
type Doc interface {
	// ApplyUpdate merges an update fragment. A malformed fragment is
	// rejected whole and leaves the document unchanged.
	ApplyUpdate(update []byte) error
	// StateVector summarizes the operations held. It is empty for an empty
	// document.
	StateVector() []byte
	// EncodeStateAsUpdate returns the operations a peer holding stateVector
	// lacks. An empty vector yields the full state.
	EncodeStateAsUpdate(stateVector []byte) ([]byte, error)
}

// Document is the canvas CRDT. It is not safe for concurrent use.
type Document struct {
	ops map[ID]Op
	// vector holds, per client, the first clock not yet contiguously held.
	vector map[uint64]uint64
	// heads holds, per client, one past the highest clock held.
	heads   map[uint64]uint64
	lamport uint64
}

// New returns an empty document.
func New() *Document {
	return &Document{
		ops:    make(map[ID]Op),
		vector: make(map[uint64]uint64),
		heads:  make(map[uint64]uint64),
	}
}

// ApplyUpdate implements Doc.
func (d *Document) ApplyUpdate(update []byte) error {
	ops, err := decodeUpdate(update)
	if err != nil {
		return err
	}
	for _, op := range ops {
		d.insert(op)
	}
	return nil
}

// insert adds op. When an operation with the same identity is held, the one
// that supersedes the other is kept and insert reports whether op replaced it.
func (d *Document) insert(op Op) bool {
	id := op.ID()
	if held, ok := d.ops[id]; ok {
		if !op.supersedes(held) {
			return false
		}
		d.ops[id] = op
		if op.Lamport > d.lamport {
			d.lamport = op.Lamport
		}
		return true
	}
	d.ops[id] = op
	if op.Lamport > d.lamport {
		d.lamport = op.Lamport
	}
	if op.Clock+1 > d.heads[op.Client] {
		d.heads[op.Client] = op.Clock + 1
	}
	next := d.vector[op.Client]
	for {
		if _, ok := d.ops[ID{Client: op.Client, Clock: next}]; !ok {
			break
		}
		next++
	}
	if next > 0 {
		d.vector[op.Client] = next
	}
	return true
}

// StateVector implements Doc.
func (d *Document) StateVector() []byte {
	return encodeStateVector(d.vector)
}

// EncodeStateAsUpdate implements Doc.
func (d *Document) EncodeStateAsUpdate(stateVector []byte) ([]byte, error) {
	vector, err := DecodeStateVector(stateVector)
	if err != nil {
		return nil, err
	}
	missing := make([]Op, 0, len(d.ops))
	for _, op := range d.ops {
		if op.Clock >= vector[op.Client] {
			missing = append(missing, op)
		}
	}
	sortOps(missing)
	return encodeOps(missing)
}

// Len returns the number of operations held.
func (d *Document) Len() int {
	return len(d.ops)
}

// Object is the visible state of one canvas object.
type Object struct {
	Kind   string                     `json:"kind"`
	Fields map[string]json.RawMessage `json:"fields"`
}

type fieldState struct {
	stamp stamp
	value []byte
}

type objectState struct {
	kind      string
	kindStamp stamp
	hasKind   bool
	lastSet   stamp
	hasSet    bool
	deletedAt stamp
	deleted   bool
	fields    map[string]fieldState
}

// Content resolves the visible canvas objects keyed by object id.
func (d *Document) Content() map[string]Object {
	states := make(map[string]*objectState)
	for _, op := range d.ops {
		state := states[op.Object]
		if state == nil {
			state = &objectState{fields: make(map[string]fieldState)}
			states[op.Object] = state
		}
		s := op.stamp()
		switch op.Type {
		case OpDelete:
			if !state.deleted || s.after(state.deletedAt) {
				state.deletedAt = s
				state.deleted = true
			}
		case OpSet:
			if !state.hasSet || s.after(state.lastSet) {
				state.lastSet = s
				state.hasSet = true
			}
			if op.Kind != "" && (!state.hasKind || s.after(state.kindStamp)) {
				state.kind = op.Kind
				state.kindStamp = s
				state.hasKind = true
			}
			current, ok := state.fields[op.Field]
			if !ok || s.after(current.stamp) {
				state.fields[op.Field] = fieldState{stamp: s, value: op.Value}
			}
		}
	}

	content := make(map[string]Object, len(states))
	for objectID, state := range states {
		if !state.hasSet {
			continue
		}
		if state.deleted && !state.lastSet.after(state.deletedAt) {
			continue
		}
		obj := Object{Kind: state.kind, Fields: make(map[string]json.RawMessage, len(state.fields))}
		for name, field := range state.fields {
			if state.deleted && !field.stamp.after(state.deletedAt) {
				continue
			}
			obj.Fields[name] = json.RawMessage(field.value)
		}
		content[objectID] = obj
	}
	return content
}

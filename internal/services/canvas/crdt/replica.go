package crdt

import (
	"encoding/json"
	"fmt"
)

// Replica authors edits against a local document, returning each edit as
// an update fragment ready to send.
type Replica struct {
	client uint64
	doc    *Document
}

// NewReplica returns a replica writing as client over a new document.
// Client ids must be non-zero and unique per editing session.
func NewReplica(client uint64) *Replica {
	return &Replica{client: client, doc: New()}
}

// Doc returns the replica's document.
func (r *Replica) Doc() *Document {
	return r.doc
}

// Set writes one field of an object, creating it if needed.
func (r *Replica) Set(objectID, kind, field string, value any) ([]byte, error) {
	encoded, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("encode field %s: %w", field, err)
	}
	return r.commit(Op{
		Type:   OpSet,
		Object: objectID,
		Kind:   kind,
		Field:  field,
		Value:  encoded,
	})
}

// Delete removes an object.
func (r *Replica) Delete(objectID string) ([]byte, error) {
	return r.commit(Op{Type: OpDelete, Object: objectID})
}

func (r *Replica) commit(op Op) ([]byte, error) {
	op.Client = r.client
	op.Clock = r.doc.heads[r.client]
	op.Lamport = r.doc.lamport + 1
	if err := op.validate(); err != nil {
		return nil, err
	}
	update, err := encodeOps([]Op{op})
	if err != nil {
		return nil, err
	}
	r.doc.insert(op)
	return update, nil
}

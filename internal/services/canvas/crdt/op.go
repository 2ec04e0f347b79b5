package crdt

import (
	"bytes"
	"cmp"
	"encoding/json"
	"errors"
	"sort"
)

// Operation types.
const (
	OpSet    = "set"
	OpDelete = "del"
)

// Object kinds drawn on a canvas. Other kinds are accepted as-is.
const (
	KindNote  = "note"
	KindPlace = "place"
	KindLine  = "line"
)

// ID uniquely identifies one operation.
type ID struct {
	Client uint64
	Clock  uint64
}

// Op is a single canvas edit.
type Op struct {
	Client  uint64 `cbor:"c"`
	Clock   uint64 `cbor:"k"`
	Lamport uint64 `cbor:"l"`
	Type    string `cbor:"t"`
	Object  string `cbor:"o"`
	Kind    string `cbor:"n,omitempty"`
	Field   string `cbor:"f,omitempty"`
	Value   []byte `cbor:"v,omitempty"`
}

// ID returns the operation identity.
func (op Op) ID() ID {
	return ID{Client: op.Client, Clock: op.Clock}
}

func (op Op) validate() error {
	if op.Client == 0 {
		return errors.New("client id is required")
	}
	if op.Object == "" {
		return errors.New("object id is required")
	}
	switch op.Type {
	case OpSet:
		if op.Field == "" {
			return errors.New("field is required for set")
		}
		if !json.Valid(op.Value) {
			return errors.New("value must be valid JSON")
		}
	case OpDelete:
		if op.Field != "" || len(op.Value) != 0 {
			return errors.New("delete carries no field or value")
		}
	default:
		return errors.New("unknown op type " + op.Type)
	}
	return nil
}

// stamp orders operations for last-writer-wins resolution.
type stamp struct {
	lamport uint64
	client  uint64
	clock   uint64
}

func (op Op) stamp() stamp {
	return stamp{lamport: op.Lamport, client: op.Client, clock: op.Clock}
}

func (s stamp) after(other stamp) bool {
	if s.lamport != other.lamport {
		return s.lamport > other.lamport
	}
	if s.client != other.client {
		return s.client > other.client
	}
	return s.clock > other.clock
}

// supersedes reports whether op replaces other when both carry the same ID.
// Conflicting payloads for one ID resolve the same way on every replica
// regardless of arrival order.
func (op Op) supersedes(other Op) bool {
	if c := cmp.Compare(op.Lamport, other.Lamport); c != 0 {
		return c > 0
	}
	if c := cmp.Compare(op.Type, other.Type); c != 0 {
		return c > 0
	}
	if c := cmp.Compare(op.Object, other.Object); c != 0 {
		return c > 0
	}
	if c := cmp.Compare(op.Kind, other.Kind); c != 0 {
		return c > 0
	}
	if c := cmp.Compare(op.Field, other.Field); c != 0 {
		return c > 0
	}
	return bytes.Compare(op.Value, other.Value) > 0
}

// sortOps orders ops by (client, clock) so encoded fragments are stable.
func sortOps(ops []Op) {
	sort.Slice(ops, func(i, j int) bool {
		if ops[i].Client != ops[j].Client {
			return ops[i].Client < ops[j].Client
		}
		return ops[i].Clock < ops[j].Clock
	})
}

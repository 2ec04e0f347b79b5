// Package crdt implements the convergent canvas document and the narrow
// capability interfaces (Doc, Engine) the registry and update log depend on.
//
// A canvas is a set of objects (sticky notes, place cards, freehand lines)
// each holding named fields. Every edit is an operation identified by
// (client, clock); update fragments are CBOR-encoded operation batches.
// Merging fragments is a union of operations, so application order and
// repetition never change the result.
//
// Field values resolve last-writer-wins on (lamport, client, clock). A
// delete hides an object together with every field written before it; a
// later write brings the object back with only the newer fields.
package crdt

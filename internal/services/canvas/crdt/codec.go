package crdt

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// ErrMalformedUpdate reports an update fragment or state vector that could
// not be decoded or failed validation. The whole fragment is rejected.
var ErrMalformedUpdate = errors.New("malformed crdt update")

// maxOpsPerUpdate bounds decoding work for a single fragment.
const maxOpsPerUpdate = 1 << 20

var encMode cbor.EncMode

var decMode cbor.DecMode

func init() {
	var err error

	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("crdt: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		DupMapKey:        cbor.DupMapKeyEnforcedAPF,
		MaxArrayElements: maxOpsPerUpdate,
	}.DecMode()
	if err != nil {
		panic("crdt: CBOR decoder initialization failed: " + err.Error())
	}
}

type wireUpdate struct {
	Ops []Op `cbor:"ops"`
}

// decodeUpdate decodes and validates a fragment. A zero-length fragment is
// the empty update and decodes to no operations.
func decodeUpdate(update []byte) ([]Op, error) {
	if len(update) == 0 {
		return nil, nil
	}
	var wire wireUpdate
	if err := decMode.Unmarshal(update, &wire); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedUpdate, err)
	}
	for i, op := range wire.Ops {
		if err := op.validate(); err != nil {
			return nil, fmt.Errorf("%w: op %d: %v", ErrMalformedUpdate, i, err)
		}
	}
	return wire.Ops, nil
}

// encodeOps encodes ops as one fragment. No ops encode to the zero-length
// fragment.
func encodeOps(ops []Op) ([]byte, error) {
	if len(ops) == 0 {
		return nil, nil
	}
	data, err := encMode.Marshal(wireUpdate{Ops: ops})
	if err != nil {
		return nil, fmt.Errorf("encode update: %w", err)
	}
	return data, nil
}

// DecodeStateVector decodes a state vector into client -> clock. An empty
// input is the empty vector.
func DecodeStateVector(vector []byte) (map[uint64]uint64, error) {
	decoded := make(map[uint64]uint64)
	if len(vector) == 0 {
		return decoded, nil
	}
	if err := decMode.Unmarshal(vector, &decoded); err != nil {
		return nil, fmt.Errorf("%w: state vector: %v", ErrMalformedUpdate, err)
	}
	return decoded, nil
}

func encodeStateVector(vector map[uint64]uint64) []byte {
	if len(vector) == 0 {
		return nil
	}
	data, err := encMode.Marshal(vector)
	if err != nil {
		// A map of integers always encodes.
		panic("crdt: encode state vector: " + err.Error())
	}
	return data
}

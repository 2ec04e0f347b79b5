package crdt

// Engine creates documents and merges update fragments without holding a
// document.
type Engine interface {
	NewDoc() Doc
	MergeUpdates(updates ...[]byte) ([]byte, error)
}

// CanvasEngine is the Engine for canvas documents.
type CanvasEngine struct{}

// NewDoc returns an empty canvas document.
func (CanvasEngine) NewDoc() Doc {
	return New()
}

// MergeUpdates implements Engine.
func (CanvasEngine) MergeUpdates(updates ...[]byte) ([]byte, error) {
	return MergeUpdates(updates...)
}

// MergeUpdates combines fragments into one fragment equivalent to applying
// each of them. Merging nothing yields the empty fragment.
func MergeUpdates(updates ...[]byte) ([]byte, error) {
	byID := make(map[ID]Op)
	for _, update := range updates {
		ops, err := decodeUpdate(update)
		if err != nil {
			return nil, err
		}
		for _, op := range ops {
			if held, ok := byID[op.ID()]; ok && !op.supersedes(held) {
				continue
			}
			byID[op.ID()] = op
		}
	}
	merged := make([]Op, 0, len(byID))
	for _, op := range byID {
		merged = append(merged, op)
	}
	sortOps(merged)
	return encodeOps(merged)
}

package gateway

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
)

// Client and server event names.
const (
	EventAttach    = "attach"
	EventAttached  = "attached"
	EventDetach    = "detach"
	EventDetached  = "detached"
	EventUpdate    = "update"
	EventAwareness = "awareness"
	EventError     = "error"
)

// Bytes is binary data carried as a JSON array of byte values, the shape a
// browser produces from Array.from(Uint8Array). Base64 strings are accepted
// on input.
type Bytes []byte

// MarshalJSON encodes b as a number array.
func (b Bytes) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(len(b)*4 + 2)
	buf.WriteByte('[')
	for i, v := range b {
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.WriteString(strconv.Itoa(int(v)))
	}
	buf.WriteByte(']')
	return buf.Bytes(), nil
}

// UnmarshalJSON accepts a number array, a base64 string, or null.
func (b *Bytes) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case bytes.Equal(data, []byte("null")):
		*b = nil
		return nil
	case len(data) > 0 && data[0] == '"':
		var encoded string
		if err := json.Unmarshal(data, &encoded); err != nil {
			return err
		}
		decoded, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return fmt.Errorf("decode base64 bytes: %w", err)
		}
		*b = decoded
		return nil
	}
	var values []int
	if err := json.Unmarshal(data, &values); err != nil {
		return err
	}
	out := make([]byte, len(values))
	for i, v := range values {
		if v < 0 || v > 255 {
			return fmt.Errorf("byte %d out of range: %d", i, v)
		}
		out[i] = byte(v)
	}
	*b = out
	return nil
}

type attachRequest struct {
	RoomID   string `json:"roomId"`
	CanvasID string `json:"canvasId"`
}

type attachedReply struct {
	DocKey string `json:"docKey"`
	Update Bytes  `json:"update,omitempty"`
}

type detachRequest struct {
	CanvasID string `json:"canvasId"`
}

type detachedReply struct{}

type updateMessage struct {
	CanvasID string `json:"canvasId"`
	Update   Bytes  `json:"update"`
}

type awarenessRequest struct {
	CanvasID string          `json:"canvasId"`
	State    json.RawMessage `json:"state"`
}

type awarenessMessage struct {
	SocketID string          `json:"socketId"`
	State    json.RawMessage `json:"state"`
}

type errorReply struct {
	Event   string `json:"event"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// DocKey is the document key reported to clients for a canvas.
func DocKey(roomID, canvasID string) string {
	return roomID + "-" + canvasID
}

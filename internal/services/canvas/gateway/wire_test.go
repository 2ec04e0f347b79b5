package gateway

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestBytesMarshalsAsNumberArray(t *testing.T) {
	t.Parallel()

	data, err := json.Marshal(updateMessage{CanvasID: "c", Update: Bytes{0, 7, 255}})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if got, want := string(data), `{"canvasId":"c","update":[0,7,255]}`; got != want {
		t.Fatalf("json = %s, want %s", got, want)
	}
}

func TestBytesOmittedWhenEmpty(t *testing.T) {
	t.Parallel()

	data, err := json.Marshal(attachedReply{DocKey: "r-c"})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if got, want := string(data), `{"docKey":"r-c"}`; got != want {
		t.Fatalf("json = %s, want %s", got, want)
	}
}

func TestBytesUnmarshal(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		input   string
		want    []byte
		wantErr bool
	}{
		{name: "array", input: `[1, 2, 250]`, want: []byte{1, 2, 250}},
		{name: "base64", input: `"AQL6"`, want: []byte{1, 2, 250}},
		{name: "null", input: `null`, want: nil},
		{name: "empty", input: `[]`, want: []byte{}},
		{name: "out of range", input: `[256]`, wantErr: true},
		{name: "negative", input: `[-1]`, wantErr: true},
		{name: "bad base64", input: `"***"`, wantErr: true},
		{name: "object", input: `{"0":1}`, wantErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var got Bytes
			err := json.Unmarshal([]byte(tc.input), &got)
			if tc.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if !bytes.Equal(got, tc.want) {
				t.Fatalf("bytes = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestDocKey(t *testing.T) {
	t.Parallel()

	if got := DocKey("room-9", "cat-3"); got != "room-9-cat-3" {
		t.Fatalf("doc key = %q, want %q", got, "room-9-cat-3")
	}
}

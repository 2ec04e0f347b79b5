package snapshot

import (
	"bytes"
	"context"
	"errors"
	"net"
	"testing"

	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"

	apperrors "github.com/tripboard/tripboard/internal/platform/errors"
)

type fakeSource struct {
	docs map[string][]byte
	err  error
}

func (f *fakeSource) Snapshot(_ context.Context, canvasID string) ([]byte, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.docs[canvasID], nil
}

func TestGetSnapshotReturnsPayload(t *testing.T) {
	t.Parallel()

	source := &fakeSource{docs: map[string][]byte{"cat-1": {0xa1, 0x01}}}
	svc := NewService(source)

	out, err := svc.GetSnapshot(context.Background(), wrapperspb.String("cat-1"))
	if err != nil {
		t.Fatalf("get snapshot: %v", err)
	}
	if !bytes.Equal(out.GetValue(), []byte{0xa1, 0x01}) {
		t.Fatalf("payload = %x, want a101", out.GetValue())
	}
}

func TestGetSnapshotEmptyCanvasIsNotFound(t *testing.T) {
	t.Parallel()

	svc := NewService(&fakeSource{})
	_, err := svc.GetSnapshot(context.Background(), wrapperspb.String("cat-9"))
	st, ok := status.FromError(err)
	if !ok {
		t.Fatalf("error %v is not a status", err)
	}
	if st.Code() != codes.NotFound {
		t.Fatalf("code = %v, want %v", st.Code(), codes.NotFound)
	}
	var reason string
	for _, detail := range st.Details() {
		if info, ok := detail.(*errdetails.ErrorInfo); ok {
			reason = info.GetReason()
			if got := info.GetMetadata()["CanvasID"]; got != "cat-9" {
				t.Fatalf("metadata canvas id = %q, want %q", got, "cat-9")
			}
		}
	}
	if reason != string(apperrors.CodeNotFound) {
		t.Fatalf("reason = %q, want %q", reason, apperrors.CodeNotFound)
	}
}

func TestGetSnapshotMapsSourceErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want codes.Code
	}{
		{"missing id", apperrors.New(apperrors.CodeCanvasIDRequired, "canvas id is required"), codes.InvalidArgument},
		{"storage", apperrors.Wrap(apperrors.CodeStorageUnavailable, "read canvas update log", errors.New("disk gone")), codes.Unavailable},
		{"plain", errors.New("boom"), codes.Internal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			svc := NewService(&fakeSource{err: tt.err})
			_, err := svc.GetSnapshot(context.Background(), wrapperspb.String("cat-1"))
			if got := status.Code(err); got != tt.want {
				t.Fatalf("code = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestClientRoundTripOverGRPC(t *testing.T) {
	t.Parallel()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	source := &fakeSource{docs: map[string][]byte{"cat-1": []byte("merged")}}
	grpcServer := grpc.NewServer()
	Register(grpcServer, NewService(source))
	go func() {
		_ = grpcServer.Serve(listener)
	}()
	t.Cleanup(grpcServer.Stop)

	conn, err := grpc.NewClient(listener.Addr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	t.Cleanup(func() {
		_ = conn.Close()
	})

	client := NewClient(conn)
	got, err := client.GetSnapshot(context.Background(), "cat-1")
	if err != nil {
		t.Fatalf("get snapshot: %v", err)
	}
	if string(got) != "merged" {
		t.Fatalf("payload = %q, want %q", got, "merged")
	}

	_, err = client.GetSnapshot(context.Background(), "cat-2")
	if got := status.Code(err); got != codes.NotFound {
		t.Fatalf("missing canvas code = %v, want %v", got, codes.NotFound)
	}
}

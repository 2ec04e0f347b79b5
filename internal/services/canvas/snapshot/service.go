package snapshot

import (
	"context"
	"log"

	"google.golang.org/protobuf/types/known/wrapperspb"

	apperrors "github.com/tripboard/tripboard/internal/platform/errors"
)

// Source produces the merged update for a canvas; nil means the canvas has
// no content.
type Source interface {
	Snapshot(ctx context.Context, canvasID string) ([]byte, error)
}

// Service implements Server over a Source.
type Service struct {
	source Source
}

// NewService creates a snapshot service.
func NewService(source Source) *Service {
	return &Service{source: source}
}

// GetSnapshot returns the merged document for the requested canvas.
func (s *Service) GetSnapshot(ctx context.Context, in *wrapperspb.StringValue) (*wrapperspb.BytesValue, error) {
	canvasID := in.GetValue()
	payload, err := s.source.Snapshot(ctx, canvasID)
	if err != nil {
		if apperrors.GetCode(err) != apperrors.CodeCanvasIDRequired {
			log.Printf("canvas: snapshot %s: %v", canvasID, err)
		}
		return nil, apperrors.ToGRPC(err)
	}
	if len(payload) == 0 {
		return nil, apperrors.ToGRPC(apperrors.WithMetadata(
			apperrors.CodeNotFound,
			"canvas has no content",
			map[string]string{"CanvasID": canvasID},
		))
	}
	return wrapperspb.Bytes(payload), nil
}

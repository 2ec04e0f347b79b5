// Package errors provides structured domain errors with machine-readable codes.
package errors

import "google.golang.org/grpc/codes"

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// Canvas errors
	CodeCanvasIDRequired      Code = "CANVAS_ID_REQUIRED"
	CodeCanvasNotLoaded       Code = "CANVAS_NOT_LOADED"
	CodeCanvasHydrationFailed Code = "CANVAS_HYDRATION_FAILED"
	CodeCanvasUpdateMalformed Code = "CANVAS_UPDATE_MALFORMED"
	CodeSocketIDRequired      Code = "SOCKET_ID_REQUIRED"

	// Storage errors
	CodeNotFound           Code = "NOT_FOUND"
	CodeStorageUnavailable Code = "STORAGE_UNAVAILABLE"
)

// GRPCCode maps domain codes to gRPC status codes.
func (c Code) GRPCCode() codes.Code {
	switch c {
	// InvalidArgument - validation failures, bad input
	case CodeCanvasIDRequired,
		CodeSocketIDRequired,
		CodeCanvasUpdateMalformed:
		return codes.InvalidArgument

	// FailedPrecondition - state doesn't allow operation
	case CodeCanvasNotLoaded:
		return codes.FailedPrecondition

	// Unavailable - retryable infrastructure failures
	case CodeCanvasHydrationFailed,
		CodeStorageUnavailable:
		return codes.Unavailable

	case CodeNotFound:
		return codes.NotFound

	default:
		return codes.Internal
	}
}

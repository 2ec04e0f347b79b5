// Package metrics provides operational metrics for the canvas sync service.
//
// Instruments are created from an OpenTelemetry meter and are fire-and-forget:
// recording never blocks and never fails the caller. Without a configured
// meter provider the global no-op provider swallows every measurement.
//
// # Canvas instruments
//
//   - canvas.connections: attached websocket connections (up/down counter)
//   - canvas.documents: live in-memory documents (up/down counter)
//   - canvas.updates.applied / canvas.updates.rejected: update fragments
//   - canvas.persist.failures: appends abandoned after retries
package metrics

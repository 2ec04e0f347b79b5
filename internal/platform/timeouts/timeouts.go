// Package timeouts defines shared timeout constants used across services.
// Centralizing these values prevents drift between service boundaries and
// makes the durations discoverable.
package timeouts

import "time"

// ReadHeader limits how long an HTTP server waits for request headers.
const ReadHeader = 5 * time.Second

// Shutdown limits how long a server waits for in-flight requests and
// pending persistence during graceful shutdown.
const Shutdown = 5 * time.Second

// StoreOpen caps the time spent connecting to an external update log store.
const StoreOpen = 5 * time.Second

// Hydrate caps one shared load of a canvas document from the update log.
const Hydrate = 15 * time.Second

// EvictionGrace is how long an idle canvas document stays in memory after
// its last client leaves.
const EvictionGrace = 30 * time.Second

// AppendRetry caps the total time spent retrying one update log append.
const AppendRetry = 10 * time.Second

package core

import "time"

// Recorder abstracts metrics collection so services do not depend on a
// concrete backend. The prometheus implementation lives in internal/metrics;
// tests use the noop implementation.
type Recorder interface {
	// HTTP layer
	RecordHTTPRequest(method, path string, status int, duration time.Duration)

	// Identity resolution
	RecordResolution(method string, outcome string, fromCache bool)
	RecordIdentityCreated(method string)

	// Authorization code lifecycle
	RecordCodeIssued(clientID string)
	RecordCodeExchange(clientID string, outcome string)

	// Token lifecycle
	RecordTokenIssued(clientID string, category string)
	RecordTokenRefresh(clientID string, outcome string)
	RecordTokenRevoked(clientID string)
	RecordReuseDetected(clientID string)

	// Storage
	RecordDatabaseQueryError(operation string)

	// Provenance pipeline
	RecordProvenanceFlush(batchSize int, duration time.Duration)
	RecordProvenanceDropped(count int)
}

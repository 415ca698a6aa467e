package metrics

import (
	"time"

	"github.com/recallgate/recallgate/internal/core"
)

// NoopMetrics discards all observations. Used when metrics are disabled
// and in tests.
type NoopMetrics struct{}

func NewNoop() *NoopMetrics { return &NoopMetrics{} }

func (NoopMetrics) RecordHTTPRequest(method, path string, status int, duration time.Duration) {}
func (NoopMetrics) RecordResolution(method string, outcome string, fromCache bool)            {}
func (NoopMetrics) RecordIdentityCreated(method string)                                       {}
func (NoopMetrics) RecordCodeIssued(clientID string)                                          {}
func (NoopMetrics) RecordCodeExchange(clientID string, outcome string)                        {}
func (NoopMetrics) RecordTokenIssued(clientID string, category string)                        {}
func (NoopMetrics) RecordTokenRefresh(clientID string, outcome string)                        {}
func (NoopMetrics) RecordTokenRevoked(clientID string)                                        {}
func (NoopMetrics) RecordReuseDetected(clientID string)                                       {}
func (NoopMetrics) RecordDatabaseQueryError(operation string)                                 {}
func (NoopMetrics) RecordProvenanceFlush(batchSize int, duration time.Duration)               {}
func (NoopMetrics) RecordProvenanceDropped(count int)                                         {}

var _ core.Recorder = NoopMetrics{}

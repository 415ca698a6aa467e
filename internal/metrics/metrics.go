package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/recallgate/recallgate/internal/core"
)

// Metrics is the prometheus-backed core.Recorder. All collectors are
// registered on the default registry and served via promhttp.
type Metrics struct {
	httpRequests     *prometheus.CounterVec
	httpDuration     *prometheus.HistogramVec
	resolutions      *prometheus.CounterVec
	identitiesTotal  *prometheus.CounterVec
	codesIssued      *prometheus.CounterVec
	codeExchanges    *prometheus.CounterVec
	tokensIssued     *prometheus.CounterVec
	tokenRefreshes   *prometheus.CounterVec
	tokensRevoked    *prometheus.CounterVec
	reuseDetected    *prometheus.CounterVec
	dbQueryErrors    *prometheus.CounterVec
	provenanceFlush  prometheus.Histogram
	provenanceBatch  prometheus.Histogram
	provenanceDrops  prometheus.Counter
}

// New creates and registers all collectors. Call once at startup.
func New() *Metrics {
	return &Metrics{
		httpRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "recallgate_http_requests_total",
			Help: "Total HTTP requests by method, path and status",
		}, []string{"method", "path", "status"}),
		httpDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "recallgate_http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path"}),
		resolutions: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "recallgate_identity_resolutions_total",
			Help: "Identity resolutions by auth method, outcome and cache source",
		}, []string{"auth_method", "outcome", "source"}),
		identitiesTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "recallgate_identities_created_total",
			Help: "Identities auto-provisioned, by first auth method",
		}, []string{"auth_method"}),
		codesIssued: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "recallgate_authorization_codes_issued_total",
			Help: "Authorization codes issued per client",
		}, []string{"client_id"}),
		codeExchanges: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "recallgate_code_exchanges_total",
			Help: "Authorization code exchanges by outcome",
		}, []string{"client_id", "outcome"}),
		tokensIssued: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "recallgate_tokens_issued_total",
			Help: "Tokens issued by client and category",
		}, []string{"client_id", "category"}),
		tokenRefreshes: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "recallgate_token_refreshes_total",
			Help: "Refresh grant attempts by outcome",
		}, []string{"client_id", "outcome"}),
		tokensRevoked: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "recallgate_tokens_revoked_total",
			Help: "Tokens revoked per client",
		}, []string{"client_id"}),
		reuseDetected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "recallgate_refresh_reuse_detected_total",
			Help: "Refresh token reuse detections per client",
		}, []string{"client_id"}),
		dbQueryErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "recallgate_database_query_errors_total",
			Help: "Database errors by operation",
		}, []string{"operation"}),
		provenanceFlush: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "recallgate_provenance_flush_duration_seconds",
			Help:    "Provenance batch flush latency",
			Buckets: prometheus.DefBuckets,
		}),
		provenanceBatch: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "recallgate_provenance_batch_size",
			Help:    "Events per provenance flush",
			Buckets: []float64{1, 5, 10, 25, 50, 100},
		}),
		provenanceDrops: promauto.NewCounter(prometheus.CounterOpts{
			Name: "recallgate_provenance_events_dropped_total",
			Help: "Provenance events dropped due to a full queue",
		}),
	}
}

func (m *Metrics) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	m.httpRequests.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

func (m *Metrics) RecordResolution(method string, outcome string, fromCache bool) {
	source := "store"
	if fromCache {
		source = "cache"
	}
	m.resolutions.WithLabelValues(method, outcome, source).Inc()
}

func (m *Metrics) RecordIdentityCreated(method string) {
	m.identitiesTotal.WithLabelValues(method).Inc()
}

func (m *Metrics) RecordCodeIssued(clientID string) {
	m.codesIssued.WithLabelValues(clientID).Inc()
}

func (m *Metrics) RecordCodeExchange(clientID string, outcome string) {
	m.codeExchanges.WithLabelValues(clientID, outcome).Inc()
}

func (m *Metrics) RecordTokenIssued(clientID string, category string) {
	m.tokensIssued.WithLabelValues(clientID, category).Inc()
}

func (m *Metrics) RecordTokenRefresh(clientID string, outcome string) {
	m.tokenRefreshes.WithLabelValues(clientID, outcome).Inc()
}

func (m *Metrics) RecordTokenRevoked(clientID string) {
	m.tokensRevoked.WithLabelValues(clientID).Inc()
}

func (m *Metrics) RecordReuseDetected(clientID string) {
	m.reuseDetected.WithLabelValues(clientID).Inc()
}

func (m *Metrics) RecordDatabaseQueryError(operation string) {
	m.dbQueryErrors.WithLabelValues(operation).Inc()
}

func (m *Metrics) RecordProvenanceFlush(batchSize int, duration time.Duration) {
	m.provenanceFlush.Observe(duration.Seconds())
	m.provenanceBatch.Observe(float64(batchSize))
}

func (m *Metrics) RecordProvenanceDropped(count int) {
	m.provenanceDrops.Add(float64(count))
}

var _ core.Recorder = (*Metrics)(nil)

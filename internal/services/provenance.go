package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/recallgate/recallgate/internal/core"
	"github.com/recallgate/recallgate/internal/models"
	"github.com/recallgate/recallgate/internal/store"
)

const (
	provenanceFlushInterval = 5 * time.Second
	provenanceBatchSize     = 100
	webhookMaxAttempts      = 3
)

// securityEvents are forwarded to the alert webhook in addition to being
// persisted.
var securityEvents = map[models.ProvenanceEvent]bool{
	models.EventRefreshReuseDetected: true,
	models.EventIdentitySuspended:    true,
}

// ProvenanceService appends identity provenance records asynchronously.
// Events are queued on a bounded channel and flushed in batches, so the
// hot auth path never waits on a provenance insert. When the queue is
// full events are dropped and counted; auth availability wins over audit
// completeness.
type ProvenanceService struct {
	store   *store.Store
	metrics core.Recorder

	events   chan models.IdentityProvenance
	done     chan struct{}
	disabled bool

	webhookURL string
	httpClient *http.Client
}

// NewProvenanceService starts the background writer.
func NewProvenanceService(st *store.Store, recorder core.Recorder, bufferSize int, webhookURL string) *ProvenanceService {
	if bufferSize <= 0 {
		bufferSize = 1000
	}
	p := &ProvenanceService{
		store:      st,
		metrics:    recorder,
		events:     make(chan models.IdentityProvenance, bufferSize),
		done:       make(chan struct{}),
		webhookURL: webhookURL,
		httpClient: &http.Client{Timeout: 5 * time.Second},
	}
	go p.run()
	return p
}

// Disable drops all subsequent events. Alerts still fire.
func (p *ProvenanceService) Disable() {
	p.disabled = true
}

// Record queues one provenance event. Never blocks.
func (p *ProvenanceService) Record(authID string, event models.ProvenanceEvent, success bool, opts ...RecordOption) {
	record := models.IdentityProvenance{
		ID:        uuid.NewString(),
		AuthID:    authID,
		EventType: event,
		Success:   success,
		CreatedAt: time.Now(),
	}
	for _, opt := range opts {
		opt(&record)
	}
	record.Details = maskDetails(record.Details)

	if !p.disabled {
		select {
		case p.events <- record:
		default:
			p.metrics.RecordProvenanceDropped(1)
		}
	}

	if securityEvents[event] && p.webhookURL != "" {
		go p.sendAlert(record)
	}
}

// RecordOption customises a provenance record.
type RecordOption func(*models.IdentityProvenance)

func WithCredential(credentialID string) RecordOption {
	return func(r *models.IdentityProvenance) { r.CredentialID = credentialID }
}

func WithActor(actorAuthID string) RecordOption {
	return func(r *models.IdentityProvenance) { r.ActorAuthID = actorAuthID }
}

func WithIP(ip string) RecordOption {
	return func(r *models.IdentityProvenance) { r.IPAddress = ip }
}

func WithDetails(details models.ProvenanceDetails) RecordOption {
	return func(r *models.IdentityProvenance) { r.Details = details }
}

func (p *ProvenanceService) run() {
	ticker := time.NewTicker(provenanceFlushInterval)
	defer ticker.Stop()

	batch := make([]models.IdentityProvenance, 0, provenanceBatchSize)
	for {
		select {
		case record, ok := <-p.events:
			if !ok {
				p.flush(batch)
				close(p.done)
				return
			}
			batch = append(batch, record)
			if len(batch) >= provenanceBatchSize {
				p.flush(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				p.flush(batch)
				batch = batch[:0]
			}
		}
	}
}

func (p *ProvenanceService) flush(batch []models.IdentityProvenance) {
	if len(batch) == 0 {
		return
	}
	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := p.store.CreateProvenanceBatch(ctx, batch); err != nil {
		log.Printf("provenance flush failed, dropping %d events: %v", len(batch), err)
		p.metrics.RecordProvenanceDropped(len(batch))
		p.metrics.RecordDatabaseQueryError("provenance_batch_insert")
		return
	}
	p.metrics.RecordProvenanceFlush(len(batch), time.Since(start))
}

// Close drains the queue and stops the writer. Call during shutdown.
func (p *ProvenanceService) Close() {
	close(p.events)
	select {
	case <-p.done:
	case <-time.After(10 * time.Second):
		log.Printf("provenance writer did not drain within 10s")
	}
}

// sendAlert posts a security event to the configured webhook with a
// short backoff. Alerts are best effort.
func (p *ProvenanceService) sendAlert(record models.IdentityProvenance) {
	payload, err := json.Marshal(map[string]any{
		"event_type": record.EventType,
		"auth_id":    record.AuthID,
		"ip_address": record.IPAddress,
		"details":    record.Details,
		"occurred":   record.CreatedAt.UTC().Format(time.RFC3339),
	})
	if err != nil {
		return
	}

	backoff := time.Second
	for attempt := 1; attempt <= webhookMaxAttempts; attempt++ {
		req, err := http.NewRequest(http.MethodPost, p.webhookURL, bytes.NewReader(payload))
		if err != nil {
			return
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := p.httpClient.Do(req)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode < 300 {
				return
			}
			err = fmt.Errorf("webhook returned %d", resp.StatusCode)
		}
		if attempt < webhookMaxAttempts {
			time.Sleep(backoff)
			backoff *= 2
		} else {
			log.Printf("alert webhook failed after %d attempts: %v", webhookMaxAttempts, err)
		}
	}
}

// maskDetails redacts values that must not land in the audit log. Keys
// holding secrets are dropped outright; emails keep domain only.
func maskDetails(details models.ProvenanceDetails) models.ProvenanceDetails {
	if details == nil {
		return nil
	}
	masked := make(models.ProvenanceDetails, len(details))
	for key, value := range details {
		lower := strings.ToLower(key)
		switch {
		case strings.Contains(lower, "secret"),
			strings.Contains(lower, "password"),
			strings.Contains(lower, "verifier"),
			lower == "token", lower == "code":
			masked[key] = "[redacted]"
		case strings.Contains(lower, "email"):
			if s, ok := value.(string); ok {
				masked[key] = maskEmail(s)
			} else {
				masked[key] = value
			}
		default:
			masked[key] = value
		}
	}
	return masked
}

func maskEmail(email string) string {
	at := strings.IndexByte(email, '@')
	if at <= 0 {
		return "[redacted]"
	}
	return email[:1] + "***@" + email[at+1:]
}

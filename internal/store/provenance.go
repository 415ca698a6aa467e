package store

import (
	"context"

	"github.com/recallgate/recallgate/internal/models"
)

// CreateProvenanceBatch appends a batch of provenance records in one
// insert. Used by the async writer's flush path.
func (s *Store) CreateProvenanceBatch(ctx context.Context, records []models.IdentityProvenance) error {
	if len(records) == 0 {
		return nil
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.db.WithContext(ctx).CreateInBatches(records, 100).Error
}

// ListProvenance returns the newest records for an identity, most recent
// first.
func (s *Store) ListProvenance(ctx context.Context, authID string, limit int) ([]models.IdentityProvenance, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var records []models.IdentityProvenance
	err := s.db.WithContext(ctx).
		Where("auth_id = ?", authID).
		Order("created_at DESC").
		Limit(limit).
		Find(&records).Error
	return records, err
}

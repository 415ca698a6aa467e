package store

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/recallgate/recallgate/internal/models"
)

// GetIdentity returns an identity by its auth_id.
func (s *Store) GetIdentity(ctx context.Context, authID string) (*models.AuthIdentity, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var identity models.AuthIdentity
	err := s.db.WithContext(ctx).Where("auth_id = ?", authID).First(&identity).Error
	if err != nil {
		return nil, s.translateNotFound(err)
	}
	return &identity, nil
}

// GetIdentityByEmail returns an identity by its primary email.
func (s *Store) GetIdentityByEmail(ctx context.Context, email string) (*models.AuthIdentity, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var identity models.AuthIdentity
	err := s.db.WithContext(ctx).Where("primary_email = ?", email).First(&identity).Error
	if err != nil {
		return nil, s.translateNotFound(err)
	}
	return &identity, nil
}

// GetCredential returns the credential bound to (method, identifier),
// active or not. Usability checks belong to the caller.
func (s *Store) GetCredential(ctx context.Context, method models.AuthMethod, identifier string) (*models.AuthCredential, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var credential models.AuthCredential
	err := s.db.WithContext(ctx).
		Where("method = ? AND identifier = ?", method, identifier).
		First(&credential).Error
	if err != nil {
		return nil, s.translateNotFound(err)
	}
	return &credential, nil
}

// ListCredentials returns every credential bound to an identity.
func (s *Store) ListCredentials(ctx context.Context, authID string) ([]models.AuthCredential, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var credentials []models.AuthCredential
	err := s.db.WithContext(ctx).
		Where("auth_id = ?", authID).
		Order("created_at ASC").
		Find(&credentials).Error
	return credentials, err
}

// CountActiveCredentials returns the number of active credentials on an
// identity. Used to refuse unlinking the last one.
func (s *Store) CountActiveCredentials(ctx context.Context, authID string) (int64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var count int64
	err := s.db.WithContext(ctx).Model(&models.AuthCredential{}).
		Where("auth_id = ? AND is_active = ?", authID, true).
		Count(&count).Error
	return count, err
}

// CreateIdentityWithCredential provisions a new identity and binds its
// first credential atomically. A duplicate (method, identifier) from a
// concurrent provision surfaces as ErrDuplicateCredential; the caller
// retries the lookup and converges on the winner's identity.
func (s *Store) CreateIdentityWithCredential(ctx context.Context, identity *models.AuthIdentity, credential *models.AuthCredential, provenance *models.IdentityProvenance) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(identity).Error; err != nil {
			return err
		}
		if err := tx.Create(credential).Error; err != nil {
			return err
		}
		if provenance != nil {
			return tx.Create(provenance).Error
		}
		return nil
	})
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return s.classifyDuplicate(ctx, identity, credential)
	}
	return err
}

// classifyDuplicate decides which unique constraint fired. The credential
// index is the expected race; a taken email is a caller error.
func (s *Store) classifyDuplicate(ctx context.Context, identity *models.AuthIdentity, credential *models.AuthCredential) error {
	var count int64
	if err := s.db.WithContext(ctx).Model(&models.AuthCredential{}).
		Where("method = ? AND identifier = ?", credential.Method, credential.Identifier).
		Count(&count).Error; err == nil && count > 0 {
		return ErrDuplicateCredential
	}
	if identity.PrimaryEmail != nil {
		if err := s.db.WithContext(ctx).Model(&models.AuthIdentity{}).
			Where("primary_email = ?", *identity.PrimaryEmail).
			Count(&count).Error; err == nil && count > 0 {
			return ErrDuplicateEmail
		}
	}
	return ErrDuplicateCredential
}

// LinkCredential binds an additional credential to an existing identity.
// When makePrimary is set, the previous primary for the identity loses
// the flag in the same transaction.
func (s *Store) LinkCredential(ctx context.Context, credential *models.AuthCredential, makePrimary bool) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if makePrimary {
			if err := tx.Model(&models.AuthCredential{}).
				Where("auth_id = ? AND is_primary = ?", credential.AuthID, true).
				Update("is_primary", false).Error; err != nil {
				return err
			}
			credential.IsPrimary = true
		}
		return tx.Create(credential).Error
	})
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrDuplicateCredential
	}
	return err
}

// DeactivateCredential disables a credential so it no longer resolves.
// The row is kept for provenance.
func (s *Store) DeactivateCredential(ctx context.Context, method models.AuthMethod, identifier string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	result := s.db.WithContext(ctx).Model(&models.AuthCredential{}).
		Where("method = ? AND identifier = ? AND is_active = ?", method, identifier, true).
		Update("is_active", false)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// TouchCredentialUsage records last use on a credential and its identity.
// Best effort; failures are not surfaced.
func (s *Store) TouchCredentialUsage(ctx context.Context, credentialID, authID string) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	now := time.Now()
	s.db.WithContext(ctx).Model(&models.AuthCredential{}).
		Where("id = ?", credentialID).
		Update("last_used_at", now)
	s.db.WithContext(ctx).Model(&models.AuthIdentity{}).
		Where("auth_id = ?", authID).
		Update("last_auth_at", now)
}

// UpdateIdentityStatus transitions an identity's lifecycle state.
func (s *Store) UpdateIdentityStatus(ctx context.Context, authID string, status models.IdentityStatus) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	result := s.db.WithContext(ctx).Model(&models.AuthIdentity{}).
		Where("auth_id = ?", authID).
		Update("status", status)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkEmailVerified flips the verification flag and promotes a pending
// identity to active.
func (s *Store) MarkEmailVerified(ctx context.Context, authID string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	return s.db.WithContext(ctx).Model(&models.AuthIdentity{}).
		Where("auth_id = ?", authID).
		Updates(map[string]any{
			"email_verified": true,
			"status":         models.IdentityActive,
		}).Error
}

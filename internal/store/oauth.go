package store

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/recallgate/recallgate/internal/models"
)

// ---------------------------------------------------------------------------
// Clients
// ---------------------------------------------------------------------------

// GetClientByID returns an active client by its public client_id.
func (s *Store) GetClientByID(ctx context.Context, clientID string) (*models.OAuthClient, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var client models.OAuthClient
	err := s.db.WithContext(ctx).
		Where("client_id = ? AND is_active = ?", clientID, true).
		First(&client).Error
	if err != nil {
		return nil, s.translateNotFound(err)
	}
	return &client, nil
}

// CreateClient registers a new OAuth client.
func (s *Store) CreateClient(ctx context.Context, client *models.OAuthClient) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.db.WithContext(ctx).Create(client).Error
}

// ---------------------------------------------------------------------------
// Authorization codes
// ---------------------------------------------------------------------------

// CreateAuthorizationCode persists a freshly issued code.
func (s *Store) CreateAuthorizationCode(ctx context.Context, code *models.AuthorizationCode) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.db.WithContext(ctx).Create(code).Error
}

// GetAuthorizationCodeByHash looks up a code row without changing it.
func (s *Store) GetAuthorizationCodeByHash(ctx context.Context, codeHash string) (*models.AuthorizationCode, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var code models.AuthorizationCode
	err := s.db.WithContext(ctx).Where("code_hash = ?", codeHash).First(&code).Error
	if err != nil {
		return nil, s.translateNotFound(err)
	}
	return &code, nil
}

// ConsumeAuthorizationCode marks a code consumed exactly once. The
// conditional UPDATE is the atomicity guarantee: two concurrent exchanges
// of the same code race on the database row, and exactly one sees a
// non-zero rows-affected count. The loser gets ErrCodeConsumed (or
// ErrCodeExpired / ErrNotFound after the follow-up read).
func (s *Store) ConsumeAuthorizationCode(ctx context.Context, codeHash string) (*models.AuthorizationCode, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	now := time.Now()
	var consumed models.AuthorizationCode

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&models.AuthorizationCode{}).
			Where("code_hash = ? AND consumed_at IS NULL AND expires_at > ?", codeHash, now).
			Update("consumed_at", now)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			// Distinguish why the guard failed.
			var existing models.AuthorizationCode
			if err := tx.Where("code_hash = ?", codeHash).First(&existing).Error; err != nil {
				return s.translateNotFound(err)
			}
			if existing.ConsumedAt != nil {
				return ErrCodeConsumed
			}
			return ErrCodeExpired
		}
		return tx.Where("code_hash = ?", codeHash).First(&consumed).Error
	})
	if err != nil {
		return nil, err
	}
	return &consumed, nil
}

// DeleteExpiredCodes garbage-collects codes past their expiry. Consumed
// rows are kept until expiry so replays surface as ErrCodeConsumed, not
// ErrNotFound.
func (s *Store) DeleteExpiredCodes(ctx context.Context) (int64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	result := s.db.WithContext(ctx).
		Where("expires_at < ?", time.Now()).
		Delete(&models.AuthorizationCode{})
	return result.RowsAffected, result.Error
}

// ---------------------------------------------------------------------------
// Tokens
// ---------------------------------------------------------------------------

// CreateTokenPair persists an access/refresh pair in one transaction.
func (s *Store) CreateTokenPair(ctx context.Context, access, refresh *models.Token) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(access).Error; err != nil {
			return err
		}
		return tx.Create(refresh).Error
	})
}

// GetTokenByHash looks up a token row by SHA-256 hash. The caller decides
// what a revoked or expired row means.
func (s *Store) GetTokenByHash(ctx context.Context, tokenHash string) (*models.Token, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var token models.Token
	err := s.db.WithContext(ctx).Where("token_hash = ?", tokenHash).First(&token).Error
	if err != nil {
		return nil, s.translateNotFound(err)
	}
	return &token, nil
}

// RotateRefreshToken revokes the old refresh token and persists its
// replacements in one transaction. The conditional revoke is the same
// compare-and-set shape as code consumption: a second rotation of the
// same token affects zero rows and returns ErrTokenConsumed, which the
// token service treats as reuse.
func (s *Store) RotateRefreshToken(ctx context.Context, oldTokenID string, newAccess, newRefresh *models.Token) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	now := time.Now()
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&models.Token{}).
			Where("id = ? AND revoked_at IS NULL", oldTokenID).
			Update("revoked_at", now)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrTokenConsumed
		}
		if err := tx.Create(newAccess).Error; err != nil {
			return err
		}
		return tx.Create(newRefresh).Error
	})
}

// RevokeToken marks one token revoked. Idempotent; revoking an already
// revoked token is a no-op.
func (s *Store) RevokeToken(ctx context.Context, tokenID string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	return s.db.WithContext(ctx).Model(&models.Token{}).
		Where("id = ? AND revoked_at IS NULL", tokenID).
		Update("revoked_at", time.Now()).Error
}

// RevokeTokenChain revokes a token and every descendant reachable via
// ParentTokenID. Used when refresh reuse is detected: the whole rotation
// family, descendants and all access tokens issued along it, dies
// together. Returns the hashes of the tokens this call revoked so the
// caller can deactivate linked credentials and purge caches.
func (s *Store) RevokeTokenChain(ctx context.Context, rootTokenID string) ([]string, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	now := time.Now()
	var revokedHashes []string

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		frontier := []string{rootTokenID}
		for len(frontier) > 0 {
			var hashes []string
			if err := tx.Model(&models.Token{}).
				Where("id IN ? AND revoked_at IS NULL", frontier).
				Pluck("token_hash", &hashes).Error; err != nil {
				return err
			}
			if len(hashes) > 0 {
				if err := tx.Model(&models.Token{}).
					Where("id IN ? AND revoked_at IS NULL", frontier).
					Update("revoked_at", now).Error; err != nil {
					return err
				}
				revokedHashes = append(revokedHashes, hashes...)
			}

			// Traverse through already-revoked links too: a rotated
			// refresh token is revoked but its descendants may be live.
			var children []string
			if err := tx.Model(&models.Token{}).
				Where("parent_token_id IN ?", frontier).
				Pluck("id", &children).Error; err != nil {
				return err
			}
			frontier = children
		}
		return nil
	})
	return revokedHashes, err
}

// TouchToken records last use. Best effort; failures are not surfaced.
func (s *Store) TouchToken(ctx context.Context, tokenID string) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	s.db.WithContext(ctx).Model(&models.Token{}).
		Where("id = ?", tokenID).
		Update("last_used_at", time.Now())
}

// DeleteExpiredTokens garbage-collects tokens past expiry.
func (s *Store) DeleteExpiredTokens(ctx context.Context) (int64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	result := s.db.WithContext(ctx).
		Where("expires_at < ?", time.Now()).
		Delete(&models.Token{})
	return result.RowsAffected, result.Error
}

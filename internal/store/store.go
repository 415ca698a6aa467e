package store

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/recallgate/recallgate/internal/config"
	"github.com/recallgate/recallgate/internal/models"
	"github.com/recallgate/recallgate/internal/util"
)

// Store wraps the gorm connection and owns every query the services run.
// All methods take a context; a per-call timeout from config bounds each
// round trip.
type Store struct {
	db      *gorm.DB
	timeout time.Duration
}

// New opens the configured database, runs migrations and seeds the
// baseline records.
func New(cfg *config.Config) (*Store, error) {
	dialector, err := openDialector(cfg.DatabaseDriver, cfg.DatabaseDSN)
	if err != nil {
		return nil, err
	}

	logLevel := logger.Warn
	if cfg.IsProduction {
		logLevel = logger.Error
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:         logger.Default.LogMode(logLevel),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.AutoMigrate(
		&models.AuthIdentity{},
		&models.AuthCredential{},
		&models.OAuthClient{},
		&models.AuthorizationCode{},
		&models.Token{},
		&models.IdentityProvenance{},
	); err != nil {
		return nil, fmt.Errorf("migrate schema: %w", err)
	}

	s := &Store{db: db, timeout: cfg.DatabaseTimeout}
	if err := s.seedData(cfg); err != nil {
		return nil, fmt.Errorf("seed data: %w", err)
	}
	return s, nil
}

// withTimeout derives a bounded context for a single store call.
func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

// Health pings the underlying connection.
func (s *Store) Health(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return sqlDB.PingContext(ctx)
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// seedData creates the admin identity and the bundled first-party PKCE
// client on first boot. Both are idempotent.
func (s *Store) seedData(cfg *config.Config) error {
	if cfg.SeedAdminEmail != "" {
		if err := s.seedAdmin(cfg.SeedAdminEmail, cfg.SeedOrgID); err != nil {
			return err
		}
	}
	return s.seedCursorExtensionClient()
}

func (s *Store) seedAdmin(email, orgID string) error {
	var count int64
	if err := s.db.Model(&models.AuthCredential{}).
		Where("method = ? AND identifier = ?", models.MethodPassword, email).
		Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	password, err := util.CryptoRandomToken("")
	if err != nil {
		return err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}

	now := time.Now()
	identity := &models.AuthIdentity{
		AuthID:         uuid.NewString(),
		Status:         models.IdentityActive,
		PrimaryEmail:   &email,
		OrganizationID: orgID,
		EmailVerified:  true,
		LastAuthAt:     nil,
	}
	credential := &models.AuthCredential{
		ID:             uuid.NewString(),
		AuthID:         identity.AuthID,
		Method:         models.MethodPassword,
		Identifier:     email,
		CredentialHash: string(hash),
		IsPrimary:      true,
		IsActive:       true,
	}
	provenance := &models.IdentityProvenance{
		ID:           uuid.NewString(),
		AuthID:       identity.AuthID,
		EventType:    models.EventIdentityCreated,
		CredentialID: credential.ID,
		Details:      models.ProvenanceDetails{"seeded": true, "method": string(models.MethodPassword)},
		Success:      true,
		CreatedAt:    now,
	}

	err = s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(identity).Error; err != nil {
			return err
		}
		if err := tx.Create(credential).Error; err != nil {
			return err
		}
		return tx.Create(provenance).Error
	})
	if err != nil {
		return err
	}

	// Shown exactly once. Rotate it after first login.
	log.Printf("seeded admin identity %s (%s), initial password: %s", identity.AuthID, email, password)
	return nil
}

// seedCursorExtensionClient registers the bundled editor-extension client:
// public, PKCE required, loopback redirect only.
func (s *Store) seedCursorExtensionClient() error {
	const clientID = "cursor-extension"

	var count int64
	if err := s.db.Model(&models.OAuthClient{}).
		Where("client_id = ?", clientID).
		Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	client := &models.OAuthClient{
		ClientID:        clientID,
		ClientName:      "Cursor Extension",
		ClientType:      models.ClientTypePublic,
		ApplicationType: models.ApplicationTypeNative,
		RequirePKCE:     true,
		RedirectURIs: models.StringArray{
			"http://127.0.0.1:7878/callback",
			"http://localhost:7878/callback",
		},
		Scopes:        "memory:read memory:write profile",
		DefaultScopes: "memory:read profile",
		IsActive:      true,
	}
	if err := s.db.Create(client).Error; err != nil {
		return err
	}
	log.Printf("seeded oauth client %q", clientID)
	return nil
}

func (s *Store) translateNotFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

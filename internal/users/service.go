package users

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrInvalidIdentity indicates the principal did not contain a usable identifier.
	ErrInvalidIdentity = errors.New("users: invalid identity")
	// ErrInvalidRole indicates an empty role name.
	ErrInvalidRole = errors.New("users: invalid role")
)

// ServiceConfig describes the dependencies required for identity and role lookups.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// Service resolves canonical user ids and answers role questions for the engine.
type Service struct {
	db         *gorm.DB
	now        func() time.Time
	identities sync.Map
}

// NewService constructs the identity service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{db: cfg.Database, now: clock}, nil
}

// ResolveUserID returns the canonical user id for an authenticated principal,
// creating the identity mapping on first sight. Principals of the form
// "provider:subject" map to subject.
func (s *Service) ResolveUserID(ctx context.Context, principal string, displayName string) (string, error) {
	provider, subject := splitPrincipal(principal)
	if subject == "" {
		return "", ErrInvalidIdentity
	}

	cacheKey := provider + ":" + subject
	if cached, ok := s.identities.Load(cacheKey); ok {
		if userID, ok := cached.(string); ok {
			return userID, nil
		}
	}

	var identity Identity
	err := s.db.WithContext(ctx).
		Where("provider = ? AND subject = ?", provider, subject).
		First(&identity).
		Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		identity = Identity{
			Provider:    provider,
			Subject:     subject,
			UserID:      subject,
			DisplayName: normalize(displayName),
			LastSeenAt:  s.now(),
		}
		if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&identity).Error; err != nil {
			return "", err
		}
	} else if err != nil {
		return "", err
	} else {
		_ = s.db.WithContext(ctx).Model(&Identity{}).
			Where("provider = ? AND subject = ?", provider, subject).
			Update("last_seen_at", s.now()).
			Error
	}

	s.identities.Store(cacheKey, identity.UserID)
	return identity.UserID, nil
}

// GrantRole allows userID to act in role.
func (s *Service) GrantRole(ctx context.Context, userID, role, grantedBy string) error {
	userID, role = normalize(userID), normalize(role)
	if userID == "" {
		return ErrInvalidIdentity
	}
	if role == "" {
		return ErrInvalidRole
	}
	grant := RoleGrant{
		UserID:           userID,
		Role:             role,
		GrantedBy:        normalize(grantedBy),
		GrantedAtSeconds: s.now().UTC().Unix(),
	}
	if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&grant).Error; err != nil {
		return err
	}
	return nil
}

// RevokeRole removes a previously granted role.
func (s *Service) RevokeRole(ctx context.Context, userID, role string) error {
	userID, role = normalize(userID), normalize(role)
	return s.db.WithContext(ctx).
		Where("user_id = ? AND role = ?", userID, role).
		Delete(&RoleGrant{}).Error
}

// HasRole reports whether userID holds role. Grants change out of process,
// so every call reads the table.
func (s *Service) HasRole(ctx context.Context, userID, role string) (bool, error) {
	userID, role = normalize(userID), normalize(role)
	var count int64
	if err := s.db.WithContext(ctx).Model(&RoleGrant{}).
		Where("user_id = ? AND role = ?", userID, role).
		Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

// Roles lists the roles granted to userID.
func (s *Service) Roles(ctx context.Context, userID string) ([]string, error) {
	var roles []string
	err := s.db.WithContext(ctx).Model(&RoleGrant{}).
		Where("user_id = ?", normalize(userID)).
		Order("role ASC").
		Pluck("role", &roles).Error
	return roles, err
}

package users

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"gorm.io/gorm"
)

// ProviderX identifies logins through X OAuth.
const ProviderX = "x"

// ErrInvalidIdentity indicates the login did not contain a usable identifier.
var ErrInvalidIdentity = errors.New("users: invalid identity")

// Login carries the provider profile obtained after a successful sign-in.
type Login struct {
	Provider    string
	Subject     string
	Handle      string
	DisplayName string
	AvatarURL   string
}

// ServiceConfig describes the dependencies required for user identity resolution.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// Service manages canonical user identifiers and provider-specific identities.
type Service struct {
	db    *gorm.DB
	now   func() time.Time
	cache sync.Map
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
	return &Service{
		db:    cfg.Database,
		now:   clock,
		cache: sync.Map{},
	}, nil
}

// RecordLogin returns the identity for the login, creating the mapping on first
// sight and refreshing handle and profile fields on every later sign-in.
func (s *Service) RecordLogin(ctx context.Context, login Login) (Identity, error) {
	provider := normalize(login.Provider)
	if provider == "" {
		provider = ProviderX
	}
	subject := normalize(login.Subject)
	handle := normalizeHandle(login.Handle)
	if subject == "" || handle == "" {
		return Identity{}, ErrInvalidIdentity
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
			Handle:      handle,
			HandleLower: strings.ToLower(handle),
			DisplayName: normalize(login.DisplayName),
			AvatarURL:   normalize(login.AvatarURL),
			LastSeenAt:  s.now(),
		}
		if err := s.db.WithContext(ctx).Create(&identity).Error; err != nil {
			return Identity{}, err
		}
	} else if err != nil {
		return Identity{}, err
	} else {
		updates := map[string]interface{}{"last_seen_at": s.now()}
		if handle != identity.Handle {
			updates["handle"] = handle
			updates["handle_lower"] = strings.ToLower(handle)
			identity.Handle = handle
			identity.HandleLower = strings.ToLower(handle)
		}
		if display := normalize(login.DisplayName); display != "" && display != identity.DisplayName {
			updates["user_display_name"] = display
			identity.DisplayName = display
		}
		if avatar := normalize(login.AvatarURL); avatar != "" && avatar != identity.AvatarURL {
			updates["user_avatar_url"] = avatar
			identity.AvatarURL = avatar
		}
		if err := s.db.WithContext(ctx).Model(&Identity{}).
			Where("provider = ? AND subject = ?", provider, subject).
			Updates(updates).
			Error; err != nil {
			return Identity{}, err
		}
	}

	s.cache.Store(provider+":"+subject, identity.UserID)
	return identity, nil
}

// CanonicalUserID returns the canonical id previously recorded for the provider subject.
func (s *Service) CanonicalUserID(ctx context.Context, provider, subject string) (string, error) {
	provider = normalize(provider)
	subject = normalize(subject)
	if subject == "" {
		return "", ErrInvalidIdentity
	}
	cacheKey := provider + ":" + subject
	if cachedIdentifier, ok := s.cache.Load(cacheKey); ok {
		if canonicalIdentifier, ok := cachedIdentifier.(string); ok {
			return canonicalIdentifier, nil
		}
	}

	var identity Identity
	if err := s.db.WithContext(ctx).
		Where("provider = ? AND subject = ?", provider, subject).
		First(&identity).Error; err != nil {
		return "", err
	}
	s.cache.Store(cacheKey, identity.UserID)
	return identity.UserID, nil
}

package service

import (
	"context"
	"fmt"

	"github.com/alexedwards/argon2id"

	"github.com/diagnosis/smartregister/pkg/auth"
	"github.com/diagnosis/smartregister/pkg/clock"
	"github.com/diagnosis/smartregister/pkg/config"
	"github.com/diagnosis/smartregister/pkg/logger"
	"github.com/diagnosis/smartregister/services/registration/internal/domain"
	"github.com/diagnosis/smartregister/services/registration/internal/repository"
)

type AdminService interface {
	Login(ctx context.Context, req *domain.AdminLoginRequest) (*domain.AdminSession, error)
	ListActiveBookings(ctx context.Context) ([]domain.BookingRecord, error)
}

type adminService struct {
	store        repository.RecordStore
	clock        clock.Clock
	passwordHash string
	config       config.AuthConfig
}

// NewAdminService hashes the plain admin password when no argon2id hash is
// configured.
func NewAdminService(store repository.RecordStore, clk clock.Clock, cfg config.AuthConfig) (AdminService, error) {
	hash := cfg.AdminPasswordHash
	if hash == "" {
		var err error
		hash, err = argon2id.CreateHash(cfg.AdminPassword, argon2id.DefaultParams)
		if err != nil {
			return nil, fmt.Errorf("failed to hash admin password: %w", err)
		}
	}

	return &adminService{
		store:        store,
		clock:        clk,
		passwordHash: hash,
		config:       cfg,
	}, nil
}

func (s *adminService) Login(ctx context.Context, req *domain.AdminLoginRequest) (*domain.AdminSession, error) {
	if req == nil || req.Password == "" {
		return nil, domain.ErrUnauthorized
	}

	match, err := argon2id.ComparePasswordAndHash(req.Password, s.passwordHash)
	if err != nil {
		return nil, fmt.Errorf("failed to check admin password: %w", err)
	}
	if !match {
		logger.WarnContext(ctx, "Admin login failed")
		return nil, domain.ErrUnauthorized
	}

	token, err := auth.NewAdminToken(s.config.JWTSecret, s.clock.Now(), s.config.AdminTokenTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to issue admin token: %w", err)
	}

	logger.InfoContext(ctx, "Admin logged in")
	return &domain.AdminSession{
		Token:     token,
		ExpiresIn: int64(s.config.AdminTokenTTL.Seconds()),
	}, nil
}

func (s *adminService) ListActiveBookings(ctx context.Context) ([]domain.BookingRecord, error) {
	return s.store.ListActive(ctx)
}

package access

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"ticketgate/internal/subscription"
)

var (
	errMissingDatabase = errors.New("access: database handle is required")
	// ErrAlreadyAdmin indicates the principal already holds admin rights.
	ErrAlreadyAdmin = errors.New("access: principal is already an administrator")
)

// ServiceConfig describes the dependencies of the access-control service.
type ServiceConfig struct {
	Database  *gorm.DB
	AllowList []int64
	Clock     func() time.Time
	Logger    *zap.Logger
}

// Service answers privilege questions against the static allow-list and the
// administrators table. All reads fail closed: a store error is reported as
// "no access", never as a crash.
type Service struct {
	db        *gorm.DB
	allowList map[int64]struct{}
	clock     func() time.Time
	logger    *zap.Logger
}

// NewService constructs the access-control service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	allowList := make(map[int64]struct{}, len(cfg.AllowList))
	for _, id := range cfg.AllowList {
		allowList[id] = struct{}{}
	}
	return &Service{
		db:        cfg.Database,
		allowList: allowList,
		clock:     clock,
		logger:    logger,
	}, nil
}

// IsAdmin reports whether the principal is in the configured allow-list or the
// administrators table.
func (s *Service) IsAdmin(ctx context.Context, principalID int64) bool {
	if _, ok := s.allowList[principalID]; ok {
		return true
	}
	var count int64
	err := s.db.WithContext(ctx).
		Model(&Administrator{}).
		Where("principal_id = ?", principalID).
		Count(&count).Error
	if err != nil {
		s.logger.Warn("admin lookup failed, denying access",
			zap.Int64("principal_id", principalID), zap.Error(err))
		return false
	}
	return count > 0
}

// HasActiveSubscription reports whether a subscriber record with the access
// flag set exists for the principal.
func (s *Service) HasActiveSubscription(ctx context.Context, principalID int64) bool {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&subscription.Subscriber{}).
		Where("principal_id = ? AND has_access = ?", principalID, true).
		Count(&count).Error
	if err != nil {
		s.logger.Warn("subscription lookup failed, denying access",
			zap.Int64("principal_id", principalID), zap.Error(err))
		return false
	}
	return count > 0
}

// GrantAdmin records a new administrator.
func (s *Service) GrantAdmin(ctx context.Context, principalID int64, username, firstName string, grantedBy int64) error {
	if s.IsAdmin(ctx, principalID) {
		return ErrAlreadyAdmin
	}
	admin := Administrator{
		PrincipalID: principalID,
		Username:    username,
		FirstName:   firstName,
		AddedBy:     grantedBy,
		AddedAt:     s.clock().UTC(),
	}
	if err := s.db.WithContext(ctx).Create(&admin).Error; err != nil {
		return fmt.Errorf("access: grant admin: %w", err)
	}
	s.logger.Info("administrator granted",
		zap.Int64("principal_id", principalID), zap.Int64("granted_by", grantedBy))
	return nil
}

// ListAdmins returns all administrators recorded in the store, oldest first.
func (s *Service) ListAdmins(ctx context.Context) ([]Administrator, error) {
	var admins []Administrator
	if err := s.db.WithContext(ctx).Order("id ASC").Find(&admins).Error; err != nil {
		return nil, fmt.Errorf("access: list admins: %w", err)
	}
	return admins, nil
}

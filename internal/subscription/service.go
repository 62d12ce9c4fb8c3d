package subscription

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase      = errors.New("subscription: database handle is required")
	errMissingBotUsername   = errors.New("subscription: bot username is required")
	errMissingTokenProvider = errors.New("subscription: token provider is required")
	errMissingAliasProvider = errors.New("subscription: alias provider is required")
)

// RedeemOutcome classifies the result of a redemption attempt.
type RedeemOutcome string

const (
	// OutcomeGranted means access was granted and the subscriber is pending a file.
	OutcomeGranted RedeemOutcome = "granted"
	// OutcomeAlreadySubscribed means the principal already holds active access.
	OutcomeAlreadySubscribed RedeemOutcome = "already-subscribed"
	// OutcomeInvalidOrUsed means the token is unknown or was consumed before.
	OutcomeInvalidOrUsed RedeemOutcome = "invalid-or-used"
)

// IssuedLink is the shareable redemption reference for a freshly minted token.
type IssuedLink struct {
	Token string
	URL   string
}

// RedeemRequest carries the redeeming principal's identity and the token
// parsed from the bot's start argument.
type RedeemRequest struct {
	PrincipalID int64
	Username    string
	FirstName   string
	Token       string
}

// RedeemResult reports the outcome of a redemption attempt. Alias is set only
// when the outcome is granted.
type RedeemResult struct {
	Outcome RedeemOutcome
	Alias   string
}

// ServiceConfig describes the dependencies of the link issuer.
type ServiceConfig struct {
	Database    *gorm.DB
	BotUsername string
	Tokens      TokenProvider
	Aliases     AliasProvider
	Clock       func() time.Time
	Logger      *zap.Logger
}

// Service mints one-time activation links and redeems them.
type Service struct {
	db          *gorm.DB
	botUsername string
	tokens      TokenProvider
	aliases     AliasProvider
	clock       func() time.Time
	logger      *zap.Logger
}

// NewService constructs the subscription service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	if cfg.BotUsername == "" {
		return nil, errMissingBotUsername
	}
	if cfg.Tokens == nil {
		return nil, errMissingTokenProvider
	}
	if cfg.Aliases == nil {
		return nil, errMissingAliasProvider
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		db:          cfg.Database,
		botUsername: cfg.BotUsername,
		tokens:      cfg.Tokens,
		aliases:     cfg.Aliases,
		clock:       clock,
		logger:      logger,
	}, nil
}

// IssueLink mints a one-time activation token for the issuing administrator
// and persists it unconsumed. No link exists if the store write fails.
func (s *Service) IssueLink(ctx context.Context, issuerID int64) (IssuedLink, error) {
	token := s.tokens.NewToken()
	link := SubscriptionLink{
		Token:     token,
		CreatedBy: issuerID,
		CreatedAt: s.clock().UTC(),
	}
	if err := s.db.WithContext(ctx).Create(&link).Error; err != nil {
		s.logger.Error("activation link persist failed",
			zap.Int64("issuer_id", issuerID), zap.Error(err))
		return IssuedLink{}, fmt.Errorf("subscription: issue link: %w", err)
	}
	s.logger.Info("activation link issued", zap.Int64("issuer_id", issuerID))
	return IssuedLink{Token: token, URL: s.RedemptionURL(token)}, nil
}

// RedemptionURL renders the external link format understood by the bot's
// start command.
func (s *Service) RedemptionURL(token string) string {
	return fmt.Sprintf("https://t.me/%s?start=%s", s.botUsername, token)
}

// Link returns the persisted link for a token.
func (s *Service) Link(ctx context.Context, token string) (SubscriptionLink, error) {
	var link SubscriptionLink
	err := s.db.WithContext(ctx).Where("token = ?", token).Take(&link).Error
	if err != nil {
		return SubscriptionLink{}, fmt.Errorf("subscription: link lookup: %w", err)
	}
	return link, nil
}

// ListSubscribers returns every subscriber in insertion order.
func (s *Service) ListSubscribers(ctx context.Context) ([]Subscriber, error) {
	var subscribers []Subscriber
	if err := s.db.WithContext(ctx).Order("id ASC").Find(&subscribers).Error; err != nil {
		return nil, fmt.Errorf("subscription: list subscribers: %w", err)
	}
	return subscribers, nil
}

// Redeem consumes an activation token for the principal. Link lookup, link
// consumption and the subscriber upsert apply as a single transaction; a
// rejected attempt leaves no trace.
func (s *Service) Redeem(ctx context.Context, req RedeemRequest) (RedeemResult, error) {
	result := RedeemResult{Outcome: OutcomeInvalidOrUsed}

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var link SubscriptionLink
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("token = ?", req.Token).
			Take(&link).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			s.logger.Info("redemption rejected: unknown token",
				zap.Int64("principal_id", req.PrincipalID))
			return nil
		}
		if err != nil {
			return fmt.Errorf("link lookup: %w", err)
		}
		if link.Used {
			s.logger.Info("redemption rejected: token already consumed",
				zap.Int64("principal_id", req.PrincipalID))
			return nil
		}

		var subscriber Subscriber
		err = tx.Where("principal_id = ?", req.PrincipalID).Take(&subscriber).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			now := s.clock().UTC()
			subscriber = Subscriber{
				PrincipalID:      req.PrincipalID,
				Username:         req.Username,
				FirstName:        req.FirstName,
				HasAccess:        true,
				SubscriptionDate: &now,
				Alias:            s.aliases.NewAlias(req.PrincipalID),
				Pending:          true,
			}
			if err := tx.Create(&subscriber).Error; err != nil {
				return fmt.Errorf("subscriber create: %w", err)
			}
		case err != nil:
			return fmt.Errorf("subscriber lookup: %w", err)
		case subscriber.HasAccess:
			s.logger.Info("redemption rejected: already subscribed",
				zap.Int64("principal_id", req.PrincipalID))
			result.Outcome = OutcomeAlreadySubscribed
			return nil
		default:
			// Re-redemption after revocation: refresh access, keep the alias.
			now := s.clock().UTC()
			updates := map[string]interface{}{
				"has_access":        true,
				"subscription_date": now,
				"pending":           true,
			}
			if req.Username != "" {
				updates["username"] = req.Username
			}
			if req.FirstName != "" {
				updates["first_name"] = req.FirstName
			}
			if err := tx.Model(&Subscriber{}).
				Where("principal_id = ?", req.PrincipalID).
				Updates(updates).Error; err != nil {
				return fmt.Errorf("subscriber update: %w", err)
			}
		}

		usedAt := s.clock().UTC()
		if err := tx.Model(&SubscriptionLink{}).
			Where("id = ?", link.ID).
			Updates(map[string]interface{}{
				"used":    true,
				"used_by": req.PrincipalID,
				"used_at": usedAt,
			}).Error; err != nil {
			return fmt.Errorf("link consume: %w", err)
		}

		result = RedeemResult{Outcome: OutcomeGranted, Alias: subscriber.Alias}
		return nil
	})
	if txErr != nil {
		s.logger.Error("redemption failed",
			zap.Int64("principal_id", req.PrincipalID), zap.Error(txErr))
		return RedeemResult{Outcome: OutcomeInvalidOrUsed}, fmt.Errorf("subscription: redeem: %w", txErr)
	}

	if result.Outcome == OutcomeGranted {
		s.logger.Info("subscription activated",
			zap.Int64("principal_id", req.PrincipalID))
	}
	return result, nil
}

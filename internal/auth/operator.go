package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const defaultTokenTTL = 30 * time.Minute

var (
	errMissingSigningSecret = errors.New("auth: signing secret must be provided")
	errMissingAccessKey     = errors.New("auth: operator access key must be provided")
	// ErrBadAccessKey indicates the presented operator key did not match.
	ErrBadAccessKey        = errors.New("auth: operator access key mismatch")
	errMissingSubjectClaim = errors.New("auth: subject claim must be provided")
)

// OperatorTokenConfig configures the operator JWT issuer.
type OperatorTokenConfig struct {
	SigningSecret []byte
	AccessKey     string
	Issuer        string
	Audience      string
	TokenTTL      time.Duration
	Clock         func() time.Time
}

// OperatorTokens exchanges the configured operator access key for short-lived
// HS256 tokens carrying the administrator's principal id as subject.
type OperatorTokens struct {
	config OperatorTokenConfig
	clock  func() time.Time
}

// NewOperatorTokens constructs the issuer with sane defaults.
func NewOperatorTokens(cfg OperatorTokenConfig) (*OperatorTokens, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, errMissingSigningSecret
	}
	if cfg.AccessKey == "" {
		return nil, errMissingAccessKey
	}
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	cfg.TokenTTL = ttl
	cfg.Clock = clock
	return &OperatorTokens{config: cfg, clock: clock}, nil
}

// Issue validates the presented access key and produces a signed token plus
// its expiry in seconds for the given principal.
func (t *OperatorTokens) Issue(principalID int64, accessKey string) (string, int64, error) {
	if subtle.ConstantTimeCompare([]byte(accessKey), []byte(t.config.AccessKey)) != 1 {
		return "", 0, ErrBadAccessKey
	}

	now := t.clock().UTC()
	expiresAt := now.Add(t.config.TokenTTL)

	registered := jwt.RegisteredClaims{
		Subject:   strconv.FormatInt(principalID, 10),
		Issuer:    t.config.Issuer,
		Audience:  []string{t.config.Audience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, registered)
	signed, err := token.SignedString(t.config.SigningSecret)
	if err != nil {
		return "", 0, err
	}
	return signed, int64(expiresAt.Sub(now).Seconds()), nil
}

// Validate ensures the token is well formed and returns the principal id it
// was issued for.
func (t *OperatorTokens) Validate(tokenString string) (int64, error) {
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(
		tokenString,
		claims,
		func(token *jwt.Token) (interface{}, error) {
			if token.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, fmt.Errorf("unexpected signing algorithm: %s", token.Method.Alg())
			}
			return t.config.SigningSecret, nil
		},
		jwt.WithAudience(t.config.Audience),
		jwt.WithIssuer(t.config.Issuer),
		jwt.WithTimeFunc(t.clock),
	)
	if err != nil {
		return 0, err
	}
	if claims.Subject == "" {
		return 0, errMissingSubjectClaim
	}
	principalID, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("auth: malformed subject: %w", err)
	}
	return principalID, nil
}

// Package accesstoken issues and validates short-lived bearer credentials
// granted after a verified payment. Tokens are HMAC-signed JWTs, so validation
// needs only the shared secret.
package accesstoken

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

const (
	DefaultTTL    = 15 * time.Minute
	DefaultIssuer = "rewardpool"

	minSecretLength = 32
)

var (
	ErrSecretRequired = errors.New("secret is required")
	ErrSecretTooShort = fmt.Errorf("secret must be at least %d bytes", minSecretLength)
)

// Reason explains why a token was rejected.
type Reason string

const (
	ReasonMalformed        Reason = "malformed"
	ReasonInvalidSignature Reason = "invalid_signature"
	ReasonExpired          Reason = "expired"
	ReasonInvalidClaims    Reason = "invalid_claims"
)

// Claims are the token's signed contents. Subject is the resource the payment
// unlocked.
type Claims struct {
	QuoteID string `json:"qid,omitempty"`
	jwt.RegisteredClaims
}

type Config struct {
	Secret []byte
	TTL    time.Duration
	Issuer string
	Clock  clockwork.Clock
}

func (c *Config) Validate() error {
	if len(c.Secret) == 0 {
		return ErrSecretRequired
	}
	if len(c.Secret) < minSecretLength {
		return ErrSecretTooShort
	}
	if c.TTL <= 0 {
		c.TTL = DefaultTTL
	}
	if c.Issuer == "" {
		c.Issuer = DefaultIssuer
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Token is an issued credential.
type Token struct {
	Token     string        `json:"token"`
	ID        string        `json:"tokenId"`
	Resource  string        `json:"resource"`
	IssuedAt  time.Time     `json:"issuedAt"`
	ExpiresAt time.Time     `json:"expiresAt"`
	TTL       time.Duration `json:"-"`
}

// Validation is the outcome of checking a token.
type Validation struct {
	Valid     bool      `json:"valid"`
	Reason    Reason    `json:"reason,omitempty"`
	Resource  string    `json:"resource,omitempty"`
	ExpiresAt time.Time `json:"expiresAt,omitzero"`
}

type Issuer struct {
	cfg    Config
	parser *jwt.Parser
}

func New(cfg Config) (*Issuer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Issuer{
		cfg: cfg,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithTimeFunc(cfg.Clock.Now),
			jwt.WithIssuedAt(),
			jwt.WithExpirationRequired(),
			jwt.WithIssuer(cfg.Issuer),
		),
	}, nil
}

func (i *Issuer) TTL() time.Duration {
	return i.cfg.TTL
}

// Issue signs a new token for resource.
func (i *Issuer) Issue(resource, quoteID string) (*Token, error) {
	now := i.cfg.Clock.Now().Truncate(time.Second)
	expiresAt := now.Add(i.cfg.TTL)
	id := uuid.NewString()

	claims := Claims{
		QuoteID: quoteID,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        id,
			Issuer:    i.cfg.Issuer,
			Subject:   resource,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.cfg.Secret)
	if err != nil {
		return nil, fmt.Errorf("failed to sign token: %w", err)
	}

	return &Token{
		Token:     signed,
		ID:        id,
		Resource:  resource,
		IssuedAt:  now,
		ExpiresAt: expiresAt,
		TTL:       i.cfg.TTL,
	}, nil
}

// Validate checks structure, signature and expiry, in that order.
func (i *Issuer) Validate(token string) Validation {
	claims := &Claims{}
	_, err := i.parser.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return i.cfg.Secret, nil
	})
	if err != nil {
		return Validation{Reason: reasonFor(err)}
	}

	v := Validation{Valid: true, Resource: claims.Subject}
	if claims.ExpiresAt != nil {
		v.ExpiresAt = claims.ExpiresAt.Time
	}
	return v
}

func reasonFor(err error) Reason {
	switch {
	case errors.Is(err, jwt.ErrTokenMalformed):
		return ReasonMalformed
	case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrTokenUnverifiable):
		return ReasonInvalidSignature
	case errors.Is(err, jwt.ErrTokenExpired):
		return ReasonExpired
	default:
		return ReasonInvalidClaims
	}
}

package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultAccessTokenTTL defines the fallback validity period for control tokens.
const DefaultAccessTokenTTL = 15 * time.Minute

// TokenConfig bundles the configuration required to build a TokenVerifier.
type TokenConfig struct {
	Secret         string
	Issuer         string
	AccessTokenTTL time.Duration
	Clock          func() time.Time
}

// Claims represents the custom claims embedded in a producer control token.
type Claims struct {
	Username string `json:"username,omitempty"`
	jwt.RegisteredClaims
}

// IssueInput holds the parameters used when minting a new control token.
// The relay itself never issues these in production — a separate
// provisioning tool does — but the same verifier issues tokens in tests and
// in local/standalone deployments that have no external identity provider.
type IssueInput struct {
	Subject  string
	Username string
	Audience []string
}

// TokenVerifier issues and verifies the bearer tokens presented on the
// producer control endpoint, yielding the {subject, username} identity
// spec.md's external token-verification contract describes.
type TokenVerifier struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

// NewTokenVerifier constructs a TokenVerifier from the required configuration.
func NewTokenVerifier(cfg TokenConfig) (*TokenVerifier, error) {
	if cfg.Secret == "" {
		return nil, errors.New("auth: control token secret must be provided")
	}

	ttl := cfg.AccessTokenTTL
	if ttl <= 0 {
		ttl = DefaultAccessTokenTTL
	}

	now := time.Now
	if cfg.Clock != nil {
		now = cfg.Clock
	}

	return &TokenVerifier{
		secret: []byte(cfg.Secret),
		issuer: cfg.Issuer,
		ttl:    ttl,
		now:    now,
	}, nil
}

// IssueToken signs a control token carrying the given producer identity.
func (v *TokenVerifier) IssueToken(input IssueInput) (string, error) {
	if input.Subject == "" {
		return "", errors.New("auth: subject is required")
	}

	now := v.now()
	expiresAt := now.Add(v.ttl)

	claims := &Claims{
		Username: input.Username,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   input.Subject,
			Issuer:    v.issuer,
			Audience:  input.Audience,
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(v.secret)
	if err != nil {
		return "", fmt.Errorf("auth: sign token: %w", err)
	}

	return signed, nil
}

// VerifyToken parses and validates a signed control token, returning the
// producer identity it carries.
func (v *TokenVerifier) VerifyToken(tokenString string) (*Identity, error) {
	if tokenString == "" {
		return nil, errors.New("auth: token string is empty")
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(v.now),
	)

	var claims Claims
	_, err := parser.ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (interface{}, error) {
		return v.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("auth: parse token: %w", err)
	}

	if v.issuer != "" && claims.Issuer != v.issuer {
		return nil, errors.New("auth: invalid issuer")
	}

	if claims.Subject == "" {
		return nil, errors.New("auth: missing subject claim")
	}

	return &Identity{Subject: claims.Subject, Username: claims.Username}, nil
}

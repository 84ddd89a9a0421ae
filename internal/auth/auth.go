// Package auth issues and checks the bearer tokens of the status API. There
// is one operator account, configured in the api section.
package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/iogate/iogate/internal/config"
)

const issuer = "iogate"

var (
	// ErrInvalidCredentials is returned by Login for a wrong username or password.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrInvalidToken wraps every ValidateToken failure.
	ErrInvalidToken = errors.New("invalid token")
)

// Claims are the registered claims of an API token. The subject is the
// operator's username and the audience is the gateway's MQTT client id, so a
// token minted for one gateway is refused by another sharing the secret.
type Claims struct {
	jwt.RegisteredClaims
}

func (c *Claims) Username() string { return c.Subject }

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	Token     string    `json:"token"`
	TokenType string    `json:"token_type"`
	ExpiresAt time.Time `json:"expires_at"`
}

type Service struct {
	secret   []byte
	expiry   time.Duration
	audience string
	username []byte
	hash     []byte
	now      func() time.Time
}

// NewService checks the api settings and builds the service. audience is
// usually mqtt.client_id.
func NewService(cfg config.APIConfig, audience string) (*Service, error) {
	if len(cfg.JWTSecret) < 32 {
		return nil, errors.New("api.jwt_secret must be at least 32 characters")
	}
	if cfg.AdminUsername == "" {
		return nil, errors.New("api.admin_username is required")
	}
	if _, err := bcrypt.Cost([]byte(cfg.AdminPasswordHash)); err != nil {
		return nil, fmt.Errorf("api.admin_password_hash is not a bcrypt hash: %w", err)
	}
	if audience == "" {
		audience = issuer
	}
	return &Service{
		secret:   []byte(cfg.JWTSecret),
		expiry:   cfg.TokenExpiry(),
		audience: audience,
		username: []byte(cfg.AdminUsername),
		hash:     []byte(cfg.AdminPasswordHash),
		now:      time.Now,
	}, nil
}

// Login checks the operator credentials and mints a token.
func (s *Service) Login(username, password string) (*LoginResponse, error) {
	userOK := subtle.ConstantTimeCompare([]byte(username), s.username) == 1
	// Always pay for the hash so an unknown user costs the same.
	passErr := bcrypt.CompareHashAndPassword(s.hash, []byte(password))
	if !userOK || passErr != nil {
		return nil, ErrInvalidCredentials
	}

	now := s.now()
	expiresAt := now.Add(s.expiry)
	claims := &Claims{RegisteredClaims: jwt.RegisteredClaims{
		ID:        uuid.NewString(),
		Issuer:    issuer,
		Subject:   username,
		Audience:  jwt.ClaimStrings{s.audience},
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	}}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return nil, fmt.Errorf("failed to sign token: %w", err)
	}
	return &LoginResponse{Token: signed, TokenType: "Bearer", ExpiresAt: expiresAt}, nil
}

// ValidateToken accepts only HS256 tokens issued by this service for this
// gateway that carry an expiry.
func (s *Service) ValidateToken(token string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims,
		func(*jwt.Token) (any, error) { return s.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithAudience(s.audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: no subject", ErrInvalidToken)
	}
	return claims, nil
}

package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/lorawan-server/lorawan-gateway/internal/config"
	"github.com/lorawan-server/lorawan-gateway/pkg/crypto"
)

const issuer = "lorawan-gateway"

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrInvalidToken       = errors.New("invalid token")
)

// JWTManager issues and checks operator tokens. The gateway has a single
// admin account configured by username and bcrypt hash.
type JWTManager struct {
	secret []byte
	ttl    time.Duration
	admin  config.AdminConfig
	now    func() time.Time
}

// NewJWTManager creates a new JWT manager. An empty secret is replaced by a
// random one, so tokens do not survive a restart.
func NewJWTManager(cfg config.JWTConfig, admin config.AdminConfig) (*JWTManager, error) {
	secret := cfg.Secret
	if secret == "" {
		s, err := crypto.RandomSecret(32)
		if err != nil {
			return nil, fmt.Errorf("generate jwt secret: %w", err)
		}
		secret = s
	}
	ttl := cfg.AccessTokenTTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &JWTManager{secret: []byte(secret), ttl: ttl, admin: admin, now: time.Now}, nil
}

// Claims represents JWT claims
type Claims struct {
	jwt.RegisteredClaims
	Username string `json:"username"`
}

// TTL returns the access token lifetime
func (m *JWTManager) TTL() time.Duration {
	return m.ttl
}

// Login checks the admin credentials and issues a token
func (m *JWTManager) Login(username, password string) (string, error) {
	if m.admin.PasswordHash == "" || username != m.admin.Username {
		return "", ErrInvalidCredentials
	}
	if !crypto.VerifyPassword(password, m.admin.PasswordHash) {
		return "", ErrInvalidCredentials
	}
	return m.GenerateToken(username)
}

// GenerateToken signs an access token for username
func (m *JWTManager) GenerateToken(username string) (string, error) {
	now := m.now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   username,
			ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    issuer,
			ID:        uuid.New().String(),
		},
		Username: username,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("sign access token: %w", err)
	}
	return signed, nil
}

// ValidateToken validates a token
func (m *JWTManager) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return m.secret, nil
	}, jwt.WithIssuer(issuer), jwt.WithTimeFunc(m.now))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

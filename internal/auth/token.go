package auth

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/odyssey-erp/odyssey-procure/internal/shared"
)

// Claims carries the principal inside a signed token.
type Claims struct {
	UserID      int64    `json:"uid"`
	Email       string   `json:"email"`
	Permissions []string `json:"perms"`
	jwt.RegisteredClaims
}

// TokenManager issues and verifies HS256 bearer tokens.
type TokenManager struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

// NewTokenManager constructs a TokenManager.
func NewTokenManager(secret, issuer string, ttl time.Duration) (*TokenManager, error) {
	if len(secret) < 16 {
		return nil, errors.New("auth: jwt secret must be at least 16 bytes")
	}
	if ttl <= 0 {
		ttl = 12 * time.Hour
	}
	return &TokenManager{secret: []byte(secret), issuer: issuer, ttl: ttl, now: time.Now}, nil
}

// Issue signs a token for user carrying perms.
func (m *TokenManager) Issue(user *User, perms []string) (Token, error) {
	now := m.now()
	expires := now.Add(m.ttl)
	claims := &Claims{
		UserID:      user.ID,
		Email:       user.Email,
		Permissions: perms,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.issuer,
			Subject:   strconv.FormatInt(user.ID, 10),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return Token{}, fmt.Errorf("auth: sign token: %w", err)
	}
	return Token{AccessToken: signed, TokenType: "Bearer", ExpiresAt: expires.UTC(), Permissions: perms}, nil
}

// Parse verifies raw and returns the principal it carries.
func (m *TokenManager) Parse(raw string) (shared.Principal, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(m.now),
	}
	if m.issuer != "" {
		opts = append(opts, jwt.WithIssuer(m.issuer))
	}
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		return m.secret, nil
	}, opts...)
	if err != nil || !token.Valid {
		return shared.Principal{}, fmt.Errorf("%w: %v", shared.ErrInvalidToken, err)
	}
	if claims.UserID <= 0 {
		return shared.Principal{}, fmt.Errorf("%w: missing subject", shared.ErrInvalidToken)
	}
	return shared.Principal{UserID: claims.UserID, Permissions: claims.Permissions}, nil
}

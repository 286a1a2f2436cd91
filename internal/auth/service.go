package auth

import (
	"context"
	"fmt"

	"golang.org/x/crypto/bcrypt"

	"github.com/odyssey-erp/odyssey-procure/internal/shared"
)

// PermissionSource resolves the permissions granted to a user.
type PermissionSource interface {
	EffectivePermissions(ctx context.Context, userID int64) ([]string, error)
}

// Service wraps authentication business rules.
type Service struct {
	repo   Repository
	perms  PermissionSource
	tokens *TokenManager
}

// NewService constructs a new Service.
func NewService(repo Repository, perms PermissionSource, tokens *TokenManager) *Service {
	return &Service{repo: repo, perms: perms, tokens: tokens}
}

// Authenticate validates email/password credentials.
func (s *Service) Authenticate(ctx context.Context, email, password string) (*User, error) {
	user, err := s.repo.FindByEmail(ctx, email)
	if err != nil {
		return nil, shared.ErrInvalidCredentials
	}
	if !user.IsActive {
		return nil, shared.ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, shared.ErrInvalidCredentials
	}
	return user, nil
}

// Login authenticates the user and issues a bearer token carrying the
// user's effective permissions.
func (s *Service) Login(ctx context.Context, email, password string) (Token, error) {
	user, err := s.Authenticate(ctx, email, password)
	if err != nil {
		return Token{}, err
	}
	var perms []string
	if s.perms != nil {
		perms, err = s.perms.EffectivePermissions(ctx, user.ID)
		if err != nil {
			return Token{}, fmt.Errorf("auth: resolve permissions: %w", err)
		}
	}
	return s.tokens.Issue(user, perms)
}

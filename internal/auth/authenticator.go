package auth

import (
	"context"

	"parley/internal/models"
	"parley/internal/repository"
)

// Authenticator resolves bearer tokens to user accounts. All failure modes
// collapse to an unauthorized error so callers cannot probe for valid tokens
// of deleted accounts.
type Authenticator struct {
	verifier TokenVerifier
	users    repository.UserRepository
}

// NewAuthenticator returns an Authenticator over the given verifier and
// user repository.
func NewAuthenticator(verifier TokenVerifier, users repository.UserRepository) *Authenticator {
	return &Authenticator{verifier: verifier, users: users}
}

// Authenticate validates the token and loads the user it identifies.
func (a *Authenticator) Authenticate(ctx context.Context, token string) (*models.User, error) {
	if token == "" {
		return nil, models.NewUnauthorizedError("token required")
	}

	subject, err := a.verifier.Verify(token)
	if err != nil {
		return nil, models.NewUnauthorizedError("invalid or expired token")
	}

	user, err := a.users.GetByID(ctx, subject)
	if err != nil {
		if models.IsCode(err, models.CodeNotFound) {
			return nil, models.NewUnauthorizedError("invalid or expired token")
		}
		return nil, err
	}
	return user, nil
}

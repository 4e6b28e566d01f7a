// Package auth verifies credentials and resolves access tokens into
// domain objects. All failures collapse into ErrCredentials so callers
// cannot tell a bad password from an unknown user or a stale token.
package auth

import (
	"context"
	"errors"

	"github.com/ephes/fastdeploy/internal/domain"
	"github.com/ephes/fastdeploy/internal/repository"
	"github.com/ephes/fastdeploy/pkg/crypto"
	"github.com/ephes/fastdeploy/pkg/token"
)

// ErrCredentials is the single error exposed for any authentication
// failure.
var ErrCredentials = errors.New("could not validate credentials")

// AuthenticateUser checks a username/password pair against the stored
// bcrypt hash and returns the user on success.
func AuthenticateUser(ctx context.Context, uow repository.UnitOfWork, username, password string) (*domain.User, error) {
	if err := uow.Begin(ctx); err != nil {
		return nil, err
	}
	defer uow.Rollback(ctx)

	user, err := uow.Users().GetByName(ctx, username)
	if err != nil {
		return nil, ErrCredentials
	}
	if err := crypto.ComparePassword(user.Password, password); err != nil {
		return nil, ErrCredentials
	}
	return user, nil
}

// Verifier resolves raw bearer tokens into the domain objects they
// grant access to.
type Verifier struct {
	codec *token.Codec
}

// NewVerifier returns a Verifier backed by the given token codec.
func NewVerifier(codec *token.Codec) *Verifier {
	return &Verifier{codec: codec}
}

// Decode validates a raw token without resolving it against storage.
func (v *Verifier) Decode(raw string) (*token.Claims, error) {
	claims, err := v.codec.Decode(raw)
	if err != nil {
		return nil, ErrCredentials
	}
	return claims, nil
}

// UserFromToken resolves a user token to its account.
func (v *Verifier) UserFromToken(ctx context.Context, uow repository.UnitOfWork, raw string) (*domain.User, error) {
	claims, err := v.Decode(raw)
	if err != nil {
		return nil, err
	}
	if claims.Type != token.TypeUser || claims.User == "" {
		return nil, ErrCredentials
	}

	if err := uow.Begin(ctx); err != nil {
		return nil, err
	}
	defer uow.Rollback(ctx)

	user, err := uow.Users().GetByName(ctx, claims.User)
	if err != nil {
		return nil, ErrCredentials
	}
	return user, nil
}

// ServiceFromToken resolves a service token to its service. Origin and
// User from the claims are attached for the deployment record.
func (v *Verifier) ServiceFromToken(ctx context.Context, uow repository.UnitOfWork, raw string) (*domain.Service, error) {
	claims, err := v.Decode(raw)
	if err != nil {
		return nil, err
	}
	if claims.Type != token.TypeService || claims.Service == "" || claims.Origin == "" {
		return nil, ErrCredentials
	}

	if err := uow.Begin(ctx); err != nil {
		return nil, err
	}
	defer uow.Rollback(ctx)

	service, err := uow.Services().GetByName(ctx, claims.Service)
	if err != nil {
		return nil, ErrCredentials
	}
	service.Origin = claims.Origin
	service.User = claims.User
	return service, nil
}

// DeploymentFromToken resolves a deployment token to its deployment.
func (v *Verifier) DeploymentFromToken(ctx context.Context, uow repository.UnitOfWork, raw string) (*domain.Deployment, error) {
	claims, err := v.Decode(raw)
	if err != nil {
		return nil, err
	}
	if claims.Type != token.TypeDeployment || claims.Deployment == 0 {
		return nil, ErrCredentials
	}

	if err := uow.Begin(ctx); err != nil {
		return nil, err
	}
	defer uow.Rollback(ctx)

	deployment, err := uow.Deployments().Get(ctx, claims.Deployment)
	if err != nil {
		return nil, ErrCredentials
	}
	return deployment, nil
}

// ConfigFromToken validates a config token, used by automation that may
// only read service configuration.
func (v *Verifier) ConfigFromToken(raw string) (*token.Claims, error) {
	claims, err := v.Decode(raw)
	if err != nil {
		return nil, err
	}
	if claims.Type != token.TypeConfig {
		return nil, ErrCredentials
	}
	return claims, nil
}

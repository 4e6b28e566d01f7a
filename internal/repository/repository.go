package repository

import (
	"context"

	"github.com/ephes/fastdeploy/internal/domain"
)

// UserRepository persists users.
type UserRepository interface {
	// Add inserts a new user (id unset) or updates an existing one.
	Add(ctx context.Context, user *domain.User) error
	GetByName(ctx context.Context, name string) (*domain.User, error)
}

// ServiceRepository persists services.
type ServiceRepository interface {
	Add(ctx context.Context, service *domain.Service) error
	Get(ctx context.Context, id int64) (*domain.Service, error)
	GetByName(ctx context.Context, name string) (*domain.Service, error)
	List(ctx context.Context) ([]*domain.Service, error)
	Delete(ctx context.Context, service *domain.Service) error
}

// DeploymentRepository persists deployments.
type DeploymentRepository interface {
	Add(ctx context.Context, deployment *domain.Deployment) error
	Get(ctx context.Context, id int64) (*domain.Deployment, error)
	List(ctx context.Context) ([]*domain.Deployment, error)
	ListByService(ctx context.Context, serviceID int64) ([]*domain.Deployment, error)
	// LastSuccessfulID returns the most recent finished deployment of the
	// service that recorded no failure steps, or ErrNotFound.
	LastSuccessfulID(ctx context.Context, serviceID int64) (int64, error)
	Delete(ctx context.Context, deployment *domain.Deployment) error
}

// StepRepository persists deployment steps.
type StepRepository interface {
	Add(ctx context.Context, step *domain.Step) error
	Delete(ctx context.Context, step *domain.Step) error
	ListByDeployment(ctx context.Context, deploymentID int64) ([]*domain.Step, error)
	DeleteByDeployment(ctx context.Context, deploymentID int64) error
}

// DeployedServiceRepository maintains the derived "currently live" records.
type DeployedServiceRepository interface {
	Upsert(ctx context.Context, deployed *domain.DeployedService) error
	List(ctx context.Context) ([]*domain.DeployedService, error)
}

// UnitOfWork is the transactional boundary for one request. Handlers call
// Begin, do their work through the repositories and must call Commit
// explicitly; a deferred Rollback undoes everything when Commit was never
// reached (rolling back after a commit is a no-op).
//
// Every repository tracks the aggregates it touched. CollectNewEvents
// sweeps them and drains the events their mutations recorded, which is how
// domain-level record calls become bus messages after the transaction has
// assigned ids.
type UnitOfWork interface {
	Begin(ctx context.Context) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error

	Users() UserRepository
	Services() ServiceRepository
	Deployments() DeploymentRepository
	Steps() StepRepository
	DeployedServices() DeployedServiceRepository

	CollectNewEvents() []domain.Event
}

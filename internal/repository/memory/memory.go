// Package memory implements the unit of work on in-memory maps. It backs
// handler and bus tests and mirrors the postgres behavior, including seen
// tracking and not-found semantics. Ids are assigned on first Add.
package memory

import (
	"context"
	"sort"

	"github.com/ephes/fastdeploy/internal/domain"
	"github.com/ephes/fastdeploy/internal/repository"
)

// UnitOfWork keeps all aggregates in maps. Commit flips Committed so
// tests can assert the handler reached its explicit commit.
type UnitOfWork struct {
	users            *userRepo
	services         *serviceRepo
	deployments      *deploymentRepo
	steps            *stepRepo
	deployedServices *deployedServiceRepo

	seenSet  map[domain.EventSource]struct{}
	seenList []domain.EventSource

	Committed bool
	Commits   int
}

// NewUnitOfWork returns an empty in-memory unit of work.
func NewUnitOfWork() *UnitOfWork {
	u := &UnitOfWork{seenSet: make(map[domain.EventSource]struct{})}
	u.users = &userRepo{uow: u, byID: make(map[int64]*domain.User)}
	u.services = &serviceRepo{uow: u, byID: make(map[int64]*domain.Service)}
	u.deployments = &deploymentRepo{uow: u, byID: make(map[int64]*domain.Deployment)}
	u.steps = &stepRepo{uow: u, byID: make(map[int64]*domain.Step)}
	u.deployedServices = &deployedServiceRepo{byDeployment: make(map[int64]*domain.DeployedService)}
	return u
}

var _ repository.UnitOfWork = (*UnitOfWork)(nil)

func (u *UnitOfWork) Begin(ctx context.Context) error { return nil }

func (u *UnitOfWork) Commit(ctx context.Context) error {
	u.Committed = true
	u.Commits++
	return nil
}

func (u *UnitOfWork) Rollback(ctx context.Context) error { return nil }

func (u *UnitOfWork) Users() repository.UserRepository             { return u.users }
func (u *UnitOfWork) Services() repository.ServiceRepository       { return u.services }
func (u *UnitOfWork) Deployments() repository.DeploymentRepository { return u.deployments }
func (u *UnitOfWork) Steps() repository.StepRepository             { return u.steps }
func (u *UnitOfWork) DeployedServices() repository.DeployedServiceRepository {
	return u.deployedServices
}

// CollectNewEvents drains events from every aggregate touched so far.
func (u *UnitOfWork) CollectNewEvents() []domain.Event {
	var events []domain.Event
	for _, source := range u.seenList {
		events = append(events, source.CollectEvents()...)
	}
	return events
}

func (u *UnitOfWork) markSeen(source domain.EventSource) {
	if _, ok := u.seenSet[source]; ok {
		return
	}
	u.seenSet[source] = struct{}{}
	u.seenList = append(u.seenList, source)
}

type userRepo struct {
	uow    *UnitOfWork
	byID   map[int64]*domain.User
	nextID int64
}

func (r *userRepo) Add(ctx context.Context, user *domain.User) error {
	r.uow.markSeen(user)
	if user.ID == 0 {
		r.nextID++
		user.ID = r.nextID
	}
	r.byID[user.ID] = user
	return nil
}

func (r *userRepo) GetByName(ctx context.Context, name string) (*domain.User, error) {
	for _, user := range r.byID {
		if user.Name == name {
			r.uow.markSeen(user)
			return user, nil
		}
	}
	return nil, repository.ErrNotFound
}

type serviceRepo struct {
	uow    *UnitOfWork
	byID   map[int64]*domain.Service
	nextID int64
}

func (r *serviceRepo) Add(ctx context.Context, service *domain.Service) error {
	r.uow.markSeen(service)
	if service.ID == 0 {
		r.nextID++
		service.ID = r.nextID
	}
	r.byID[service.ID] = service
	return nil
}

func (r *serviceRepo) Get(ctx context.Context, id int64) (*domain.Service, error) {
	service, ok := r.byID[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	r.uow.markSeen(service)
	return service, nil
}

func (r *serviceRepo) GetByName(ctx context.Context, name string) (*domain.Service, error) {
	for _, service := range r.byID {
		if service.Name == name {
			r.uow.markSeen(service)
			return service, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (r *serviceRepo) List(ctx context.Context) ([]*domain.Service, error) {
	services := make([]*domain.Service, 0, len(r.byID))
	for _, service := range r.byID {
		r.uow.markSeen(service)
		services = append(services, service)
	}
	sort.Slice(services, func(i, j int) bool { return services[i].Name < services[j].Name })
	return services, nil
}

func (r *serviceRepo) Delete(ctx context.Context, service *domain.Service) error {
	r.uow.markSeen(service)
	delete(r.byID, service.ID)
	return nil
}

type deploymentRepo struct {
	uow    *UnitOfWork
	byID   map[int64]*domain.Deployment
	nextID int64
}

func (r *deploymentRepo) Add(ctx context.Context, deployment *domain.Deployment) error {
	r.uow.markSeen(deployment)
	if deployment.ID == 0 {
		r.nextID++
		deployment.ID = r.nextID
	}
	r.byID[deployment.ID] = deployment
	return nil
}

func (r *deploymentRepo) Get(ctx context.Context, id int64) (*domain.Deployment, error) {
	deployment, ok := r.byID[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	r.uow.markSeen(deployment)
	return deployment, nil
}

func (r *deploymentRepo) List(ctx context.Context) ([]*domain.Deployment, error) {
	deployments := make([]*domain.Deployment, 0, len(r.byID))
	for _, deployment := range r.byID {
		r.uow.markSeen(deployment)
		deployments = append(deployments, deployment)
	}
	sort.Slice(deployments, func(i, j int) bool { return deployments[i].ID < deployments[j].ID })
	return deployments, nil
}

func (r *deploymentRepo) ListByService(ctx context.Context, serviceID int64) ([]*domain.Deployment, error) {
	all, _ := r.List(ctx)
	var deployments []*domain.Deployment
	for _, deployment := range all {
		if deployment.ServiceID == serviceID {
			deployments = append(deployments, deployment)
		}
	}
	return deployments, nil
}

func (r *deploymentRepo) LastSuccessfulID(ctx context.Context, serviceID int64) (int64, error) {
	var best *domain.Deployment
	for _, deployment := range r.byID {
		if deployment.ServiceID != serviceID || deployment.Finished == nil {
			continue
		}
		if r.hasFailure(deployment.ID) {
			continue
		}
		if best == nil || deployment.Finished.After(*best.Finished) {
			best = deployment
		}
	}
	if best == nil {
		return 0, repository.ErrNotFound
	}
	return best.ID, nil
}

func (r *deploymentRepo) hasFailure(deploymentID int64) bool {
	for _, step := range r.uow.steps.byID {
		if step.DeploymentID == deploymentID && step.State == domain.StepFailure {
			return true
		}
	}
	return false
}

func (r *deploymentRepo) Delete(ctx context.Context, deployment *domain.Deployment) error {
	r.uow.markSeen(deployment)
	delete(r.byID, deployment.ID)
	return nil
}

type stepRepo struct {
	uow    *UnitOfWork
	byID   map[int64]*domain.Step
	nextID int64
}

func (r *stepRepo) Add(ctx context.Context, step *domain.Step) error {
	r.uow.markSeen(step)
	if step.ID == 0 {
		r.nextID++
		step.ID = r.nextID
	}
	r.byID[step.ID] = step
	return nil
}

func (r *stepRepo) Delete(ctx context.Context, step *domain.Step) error {
	r.uow.markSeen(step)
	delete(r.byID, step.ID)
	return nil
}

func (r *stepRepo) ListByDeployment(ctx context.Context, deploymentID int64) ([]*domain.Step, error) {
	var steps []*domain.Step
	for _, step := range r.byID {
		if step.DeploymentID == deploymentID {
			r.uow.markSeen(step)
			steps = append(steps, step)
		}
	}
	sort.Slice(steps, func(i, j int) bool { return steps[i].ID < steps[j].ID })
	return steps, nil
}

func (r *stepRepo) DeleteByDeployment(ctx context.Context, deploymentID int64) error {
	for id, step := range r.byID {
		if step.DeploymentID == deploymentID {
			delete(r.byID, id)
		}
	}
	return nil
}

type deployedServiceRepo struct {
	byDeployment map[int64]*domain.DeployedService
	nextID       int64
}

func (r *deployedServiceRepo) Upsert(ctx context.Context, deployed *domain.DeployedService) error {
	if existing, ok := r.byDeployment[deployed.DeploymentID]; ok {
		existing.Config = deployed.Config
		deployed.ID = existing.ID
		return nil
	}
	r.nextID++
	deployed.ID = r.nextID
	r.byDeployment[deployed.DeploymentID] = deployed
	return nil
}

func (r *deployedServiceRepo) List(ctx context.Context) ([]*domain.DeployedService, error) {
	deployed := make([]*domain.DeployedService, 0, len(r.byDeployment))
	for _, d := range r.byDeployment {
		deployed = append(deployed, d)
	}
	sort.Slice(deployed, func(i, j int) bool { return deployed[i].ID < deployed[j].ID })
	return deployed, nil
}

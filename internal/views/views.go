// Package views holds read-only queries. Handlers mutate state through
// the message bus; everything the HTTP layer merely reads comes from
// here, always through a unit of work so reads share the bus's
// transaction semantics.
package views

import (
	"context"
	"errors"

	"github.com/ephes/fastdeploy/internal/domain"
	"github.com/ephes/fastdeploy/internal/fsys"
	"github.com/ephes/fastdeploy/internal/repository"
)

// AllServices returns every registered service.
func AllServices(ctx context.Context, uow repository.UnitOfWork) ([]*domain.Service, error) {
	if err := uow.Begin(ctx); err != nil {
		return nil, err
	}
	defer uow.Rollback(ctx)
	return uow.Services().List(ctx)
}

// ServiceByName looks a service up by its unique name.
func ServiceByName(ctx context.Context, uow repository.UnitOfWork, name string) (*domain.Service, error) {
	if err := uow.Begin(ctx); err != nil {
		return nil, err
	}
	defer uow.Rollback(ctx)
	return uow.Services().GetByName(ctx, name)
}

// UserByName looks a user up by name.
func UserByName(ctx context.Context, uow repository.UnitOfWork, name string) (*domain.User, error) {
	if err := uow.Begin(ctx); err != nil {
		return nil, err
	}
	defer uow.Rollback(ctx)
	return uow.Users().GetByName(ctx, name)
}

// AllDeployments returns every deployment, without steps.
func AllDeployments(ctx context.Context, uow repository.UnitOfWork) ([]*domain.Deployment, error) {
	if err := uow.Begin(ctx); err != nil {
		return nil, err
	}
	defer uow.Rollback(ctx)
	return uow.Deployments().List(ctx)
}

// DeploymentWithSteps returns a deployment with its plan attached.
func DeploymentWithSteps(ctx context.Context, uow repository.UnitOfWork, id int64) (*domain.Deployment, error) {
	if err := uow.Begin(ctx); err != nil {
		return nil, err
	}
	defer uow.Rollback(ctx)

	deployment, err := uow.Deployments().Get(ctx, id)
	if err != nil {
		return nil, err
	}
	steps, err := uow.Steps().ListByDeployment(ctx, id)
	if err != nil {
		return nil, err
	}
	deployment.Steps = steps
	return deployment, nil
}

// StepsForDeployment returns the recorded steps of one deployment.
func StepsForDeployment(ctx context.Context, uow repository.UnitOfWork, deploymentID int64) ([]*domain.Step, error) {
	if err := uow.Begin(ctx); err != nil {
		return nil, err
	}
	defer uow.Rollback(ctx)
	return uow.Steps().ListByDeployment(ctx, deploymentID)
}

// StepsToDo predicts the plan for a new deployment of a service.
//
// The best prediction is the last deployment that finished without a
// failed step: its steps are re-created as pending. Failing that, a
// "steps" list in the service config is used. With neither, the plan is
// a single placeholder step so the deployment still has something to
// show and to reconcile against.
func StepsToDo(ctx context.Context, uow repository.UnitOfWork, serviceID int64) ([]*domain.Step, error) {
	if err := uow.Begin(ctx); err != nil {
		return nil, err
	}
	defer uow.Rollback(ctx)
	return PlanSteps(ctx, uow, serviceID)
}

// PlanSteps is StepsToDo without transaction management, for callers
// that already hold an open unit of work.
func PlanSteps(ctx context.Context, uow repository.UnitOfWork, serviceID int64) ([]*domain.Step, error) {
	lastID, err := uow.Deployments().LastSuccessfulID(ctx, serviceID)
	if err == nil {
		previous, err := uow.Steps().ListByDeployment(ctx, lastID)
		if err != nil {
			return nil, err
		}
		if len(previous) > 0 {
			steps := make([]*domain.Step, 0, len(previous))
			for _, old := range previous {
				steps = append(steps, domain.NewPendingStepFrom(old))
			}
			return steps, nil
		}
	} else if !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}

	service, err := uow.Services().Get(ctx, serviceID)
	if err != nil {
		return nil, err
	}
	if configured, ok := service.Data["steps"].([]any); ok && len(configured) > 0 {
		var steps []*domain.Step
		for _, entry := range configured {
			name, ok := entry.(string)
			if !ok || name == "" {
				continue
			}
			steps = append(steps, domain.NewStep(name))
		}
		if len(steps) > 0 {
			return steps, nil
		}
	}

	return []*domain.Step{domain.NewStep("Unknown step")}, nil
}

// ServicesFromFilesystem reads the services currently present on disk.
// Directories without a readable config are skipped.
func ServicesFromFilesystem(fs fsys.Filesystem) ([]*domain.Service, error) {
	names, err := fs.List()
	if err != nil {
		return nil, err
	}
	var services []*domain.Service
	for _, name := range names {
		data, err := fs.ConfigByName(name)
		if err != nil {
			continue
		}
		services = append(services, &domain.Service{Name: name, Data: data})
	}
	return services, nil
}

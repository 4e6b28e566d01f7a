package bus

import (
	"context"
	"fmt"
	"time"

	"github.com/ephes/fastdeploy/internal/domain"
	"github.com/ephes/fastdeploy/internal/fsys"
	"github.com/ephes/fastdeploy/internal/repository"
	"github.com/ephes/fastdeploy/internal/views"
)

// Publisher pushes an event to connected websocket clients.
type Publisher interface {
	Broadcast(ctx context.Context, event domain.Event)
}

// Notifier delivers out-of-band notifications, see package notify.
type Notifier interface {
	Send(ctx context.Context, destination, message string) error
}

// Handlers bundles the dependencies shared by all message handlers.
type Handlers struct {
	UoW           repository.UnitOfWork
	FS            fsys.Filesystem
	Publisher     Publisher
	Notifier      Notifier
	NotifyAddress string
	Launcher      domain.Launcher
}

func (h *Handlers) commandHandlers() map[domain.CommandKind]CommandHandler {
	return map[domain.CommandKind]CommandHandler{
		domain.KindCreateUser:       h.createUser,
		domain.KindDeleteService:    h.deleteService,
		domain.KindSyncServices:     h.syncServices,
		domain.KindStartDeployment:  h.startDeployment,
		domain.KindFinishDeployment: h.finishDeployment,
		domain.KindProcessStep:      h.processStep,
	}
}

func (h *Handlers) eventHandlers() map[domain.EventKind][]EventHandler {
	return map[domain.EventKind][]EventHandler{
		domain.KindUserCreated:       {h.publishEvent},
		domain.KindServiceUpdated:    {h.publishEvent},
		domain.KindServiceDeleted:    {h.publishEvent},
		domain.KindStepProcessed:     {h.publishEvent},
		domain.KindStepDeleted:       {h.publishEvent},
		domain.KindDeploymentStarted: {h.publishEvent},
		domain.KindDeploymentFinished: {
			h.publishEvent,
			h.updateDeployedServices,
			h.notifyDeploymentFinished,
		},
	}
}

func (h *Handlers) createUser(ctx context.Context, cmd domain.Command) error {
	c := cmd.(domain.CreateUser)

	if err := h.UoW.Begin(ctx); err != nil {
		return err
	}
	defer h.UoW.Rollback(ctx)

	user := &domain.User{Name: c.Username, Password: c.PasswordHash}
	if err := h.UoW.Users().Add(ctx, user); err != nil {
		return err
	}
	user.Create()
	return h.UoW.Commit(ctx)
}

// deleteService removes the service together with its deployments and
// their steps. The cascade is explicit so the deleted events for the
// service are recorded and published.
func (h *Handlers) deleteService(ctx context.Context, cmd domain.Command) error {
	c := cmd.(domain.DeleteService)

	if err := h.UoW.Begin(ctx); err != nil {
		return err
	}
	defer h.UoW.Rollback(ctx)

	service, err := h.UoW.Services().Get(ctx, c.ServiceID)
	if err != nil {
		return fmt.Errorf("delete service %d: %w", c.ServiceID, err)
	}
	deployments, err := h.UoW.Deployments().ListByService(ctx, service.ID)
	if err != nil {
		return err
	}
	for _, deployment := range deployments {
		if err := h.UoW.Steps().DeleteByDeployment(ctx, deployment.ID); err != nil {
			return err
		}
		if err := h.UoW.Deployments().Delete(ctx, deployment); err != nil {
			return err
		}
	}
	service.Delete()
	if err := h.UoW.Services().Delete(ctx, service); err != nil {
		return err
	}
	return h.UoW.Commit(ctx)
}

// syncServices reconciles the services on disk with the database. It is
// idempotent: a second run with an unchanged filesystem writes nothing.
func (h *Handlers) syncServices(ctx context.Context, cmd domain.Command) error {
	fromDisk, err := views.ServicesFromFilesystem(h.FS)
	if err != nil {
		return err
	}

	if err := h.UoW.Begin(ctx); err != nil {
		return err
	}
	defer h.UoW.Rollback(ctx)

	fromDB, err := h.UoW.Services().List(ctx)
	if err != nil {
		return err
	}
	updated, deleted := domain.SyncServiceLists(fromDisk, fromDB)
	for _, service := range updated {
		if err := h.UoW.Services().Add(ctx, service); err != nil {
			return err
		}
	}
	for _, service := range deleted {
		if err := h.UoW.Services().Delete(ctx, service); err != nil {
			return err
		}
	}
	return h.UoW.Commit(ctx)
}

// startDeployment runs in two transactions. The first persists the
// deployment row so its id exists; the second launches the external
// task and persists the planned steps. A launch failure therefore
// leaves a visible started-but-never-progressing deployment instead of
// silently rolling everything back.
func (h *Handlers) startDeployment(ctx context.Context, cmd domain.Command) error {
	c := cmd.(domain.StartDeployment)

	if err := h.UoW.Begin(ctx); err != nil {
		return err
	}
	defer h.UoW.Rollback(ctx)

	service, err := h.UoW.Services().Get(ctx, c.ServiceID)
	if err != nil {
		return fmt.Errorf("start deployment: %w", err)
	}
	steps, err := views.PlanSteps(ctx, h.UoW, service.ID)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	deployment := &domain.Deployment{
		ServiceID: service.ID,
		Origin:    c.Origin,
		User:      c.User,
		Started:   &now,
		Context:   c.Context,
	}
	if err := h.UoW.Deployments().Add(ctx, deployment); err != nil {
		return err
	}
	if err := h.UoW.Commit(ctx); err != nil {
		return err
	}

	if err := h.UoW.Begin(ctx); err != nil {
		return err
	}
	deployment.Steps = steps
	if err := deployment.StartDeploymentTask(service, h.Launcher); err != nil {
		return err
	}
	for _, step := range steps {
		if err := h.UoW.Steps().Add(ctx, step); err != nil {
			return err
		}
	}
	return h.UoW.Commit(ctx)
}

func (h *Handlers) finishDeployment(ctx context.Context, cmd domain.Command) error {
	c := cmd.(domain.FinishDeployment)

	if err := h.UoW.Begin(ctx); err != nil {
		return err
	}
	defer h.UoW.Rollback(ctx)

	deployment, err := h.UoW.Deployments().Get(ctx, c.DeploymentID)
	if err != nil {
		return fmt.Errorf("finish deployment %d: %w", c.DeploymentID, err)
	}
	steps, err := h.UoW.Steps().ListByDeployment(ctx, deployment.ID)
	if err != nil {
		return err
	}
	deployment.Steps = steps

	removed := deployment.Finish()
	if err := h.UoW.Deployments().Add(ctx, deployment); err != nil {
		return err
	}
	for _, step := range removed {
		if err := h.UoW.Steps().Delete(ctx, step); err != nil {
			return err
		}
	}
	return h.UoW.Commit(ctx)
}

func (h *Handlers) processStep(ctx context.Context, cmd domain.Command) error {
	c := cmd.(domain.ProcessStep)

	if err := h.UoW.Begin(ctx); err != nil {
		return err
	}
	defer h.UoW.Rollback(ctx)

	deployment, err := h.UoW.Deployments().Get(ctx, c.DeploymentID)
	if err != nil {
		return fmt.Errorf("process step for deployment %d: %w", c.DeploymentID, err)
	}
	steps, err := h.UoW.Steps().ListByDeployment(ctx, deployment.ID)
	if err != nil {
		return err
	}
	deployment.Steps = steps

	incoming := &domain.Step{
		Name:         c.Name,
		DeploymentID: c.DeploymentID,
		State:        c.State,
		Started:      c.Started,
		Finished:     c.Finished,
		Message:      c.Message,
	}
	modified, err := deployment.ProcessStep(incoming)
	if err != nil {
		return err
	}
	for _, step := range modified {
		if err := h.UoW.Steps().Add(ctx, step); err != nil {
			return err
		}
	}
	return h.UoW.Commit(ctx)
}

func (h *Handlers) publishEvent(ctx context.Context, event domain.Event) error {
	if h.Publisher == nil {
		return nil
	}
	h.Publisher.Broadcast(ctx, event)
	return nil
}

// updateDeployedServices keeps the deployed_services projection in sync
// with what is actually live: the context of the finished deployment is
// its current configuration.
func (h *Handlers) updateDeployedServices(ctx context.Context, event domain.Event) error {
	e := event.(domain.DeploymentFinished)

	if err := h.UoW.Begin(ctx); err != nil {
		return err
	}
	defer h.UoW.Rollback(ctx)

	deployed := &domain.DeployedService{DeploymentID: e.ID, Config: e.Context}
	if err := h.UoW.DeployedServices().Upsert(ctx, deployed); err != nil {
		return err
	}
	return h.UoW.Commit(ctx)
}

func (h *Handlers) notifyDeploymentFinished(ctx context.Context, event domain.Event) error {
	if h.Notifier == nil {
		return nil
	}
	e := event.(domain.DeploymentFinished)
	return h.Notifier.Send(ctx, h.NotifyAddress, fmt.Sprintf(
		"deployment %d for service %d finished", e.ID, e.ServiceID))
}

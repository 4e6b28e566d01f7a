package bus

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/ephes/fastdeploy/internal/domain"
	"github.com/ephes/fastdeploy/internal/repository"
	"github.com/ephes/fastdeploy/internal/repository/memory"
)

type fakePublisher struct {
	events []domain.Event
}

func (p *fakePublisher) Broadcast(ctx context.Context, event domain.Event) {
	p.events = append(p.events, event)
}

func (p *fakePublisher) kinds() []domain.EventKind {
	kinds := make([]domain.EventKind, 0, len(p.events))
	for _, event := range p.events {
		kinds = append(kinds, event.EventKind())
	}
	return kinds
}

type fakeNotifier struct {
	destinations []string
	messages     []string
	err          error
}

func (n *fakeNotifier) Send(ctx context.Context, destination, message string) error {
	if n.err != nil {
		return n.err
	}
	n.destinations = append(n.destinations, destination)
	n.messages = append(n.messages, message)
	return nil
}

type fakeLauncher struct {
	launches int
	err      error
}

func (l *fakeLauncher) Launch(deployment *domain.Deployment, deployScript string) error {
	l.launches++
	return l.err
}

type fixture struct {
	uow       *memory.UnitOfWork
	publisher *fakePublisher
	notifier  *fakeNotifier
	launcher  *fakeLauncher
	bus       *Bus
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		uow:       memory.NewUnitOfWork(),
		publisher: &fakePublisher{},
		notifier:  &fakeNotifier{},
		launcher:  &fakeLauncher{},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f.bus = New(f.uow, logger, &Handlers{
		UoW:           f.uow,
		Publisher:     f.publisher,
		Notifier:      f.notifier,
		NotifyAddress: "admin@example.com",
		Launcher:      f.launcher,
	})
	return f
}

func (f *fixture) seedService(t *testing.T, steps ...string) *domain.Service {
	t.Helper()
	data := map[string]any{"deploy_script": "deploy.sh"}
	if len(steps) > 0 {
		configured := make([]any, 0, len(steps))
		for _, step := range steps {
			configured = append(configured, step)
		}
		data["steps"] = configured
	}
	service := &domain.Service{Name: "blog", Data: data}
	if err := f.uow.Services().Add(context.Background(), service); err != nil {
		t.Fatalf("seed service: %v", err)
	}
	// Drop the seeding from the seen set so the first dispatch starts clean.
	f.uow.CollectNewEvents()
	return service
}

func TestHandleRejectsUnknownCommand(t *testing.T) {
	f := newFixture(t)
	// A command kind with no registered handler is a programming error.
	delete(f.bus.commandHandlers, domain.KindCreateUser)
	if err := f.bus.Handle(context.Background(), domain.CreateUser{Username: "alice"}); err == nil {
		t.Fatalf("expected error for unknown command")
	}
}

func TestCreateUserPersistsAndPublishes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	err := f.bus.Handle(ctx, domain.CreateUser{Username: "alice", PasswordHash: "$2a$hash"})
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	user, err := f.uow.Users().GetByName(ctx, "alice")
	if err != nil {
		t.Fatalf("expected user persisted: %v", err)
	}
	if user.ID == 0 {
		t.Fatalf("expected user id assigned")
	}
	if len(f.publisher.events) != 1 {
		t.Fatalf("expected one published event, got %d", len(f.publisher.events))
	}
	created, ok := f.publisher.events[0].(domain.UserCreated)
	if !ok {
		t.Fatalf("expected UserCreated, got %T", f.publisher.events[0])
	}
	if created.ID != user.ID {
		t.Fatalf("expected published event to carry the assigned id")
	}
}

func TestStartDeploymentPersistsPlanAndLaunches(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	service := f.seedService(t, "build", "release")

	cmd := domain.StartDeployment{
		ServiceID: service.ID,
		User:      "alice",
		Origin:    "frontend",
		Context:   map[string]any{"env": "production"},
	}
	if err := f.bus.Handle(ctx, cmd); err != nil {
		t.Fatalf("start deployment: %v", err)
	}
	if f.launcher.launches != 1 {
		t.Fatalf("expected one launch, got %d", f.launcher.launches)
	}

	deployments, err := f.uow.Deployments().List(ctx)
	if err != nil || len(deployments) != 1 {
		t.Fatalf("expected one deployment, got %d (%v)", len(deployments), err)
	}
	deployment := deployments[0]
	if deployment.Started == nil || deployment.Finished != nil {
		t.Fatalf("expected a running deployment")
	}

	steps, err := f.uow.Steps().ListByDeployment(ctx, deployment.ID)
	if err != nil || len(steps) != 2 {
		t.Fatalf("expected 2 persisted steps, got %d (%v)", len(steps), err)
	}
	if steps[0].State != domain.StepRunning {
		t.Fatalf("expected first step running, got %s", steps[0].State)
	}
	if steps[1].State != domain.StepPending {
		t.Fatalf("expected second step pending, got %s", steps[1].State)
	}

	// Aggregates drain in the order they were first seen: the deployment
	// was added before its steps, so its event comes first.
	kinds := f.publisher.kinds()
	if len(kinds) != 3 {
		t.Fatalf("expected 3 published events, got %v", kinds)
	}
	if kinds[0] != domain.KindDeploymentStarted {
		t.Fatalf("expected DeploymentStarted first, got %v", kinds)
	}
	if kinds[1] != domain.KindStepProcessed || kinds[2] != domain.KindStepProcessed {
		t.Fatalf("expected step events after, got %v", kinds)
	}
}

func TestProcessStepPromotesAndPublishes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	service := f.seedService(t, "build", "release")

	start := domain.StartDeployment{ServiceID: service.ID, User: "alice", Origin: "frontend"}
	if err := f.bus.Handle(ctx, start); err != nil {
		t.Fatalf("start deployment: %v", err)
	}
	f.publisher.events = nil

	deployments, _ := f.uow.Deployments().List(ctx)
	deployment := deployments[0]

	cmd := domain.ProcessStep{Name: "build", DeploymentID: deployment.ID, State: domain.StepSuccess}
	if err := f.bus.Handle(ctx, cmd); err != nil {
		t.Fatalf("process step: %v", err)
	}

	steps, _ := f.uow.Steps().ListByDeployment(ctx, deployment.ID)
	byName := map[string]*domain.Step{}
	for _, step := range steps {
		byName[step.Name] = step
	}
	if byName["build"].State != domain.StepSuccess {
		t.Fatalf("expected build success, got %s", byName["build"].State)
	}
	if byName["release"].State != domain.StepRunning {
		t.Fatalf("expected release promoted, got %s", byName["release"].State)
	}
	for _, kind := range f.publisher.kinds() {
		if kind != domain.KindStepProcessed {
			t.Fatalf("expected only StepProcessed events, got %v", f.publisher.kinds())
		}
	}
}

func TestFinishDeploymentCleansUpAndNotifies(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	service := f.seedService(t, "build", "release")

	start := domain.StartDeployment{
		ServiceID: service.ID,
		User:      "alice",
		Origin:    "frontend",
		Context:   map[string]any{"env": "production"},
	}
	if err := f.bus.Handle(ctx, start); err != nil {
		t.Fatalf("start deployment: %v", err)
	}
	deployments, _ := f.uow.Deployments().List(ctx)
	deployment := deployments[0]

	build := domain.ProcessStep{Name: "build", DeploymentID: deployment.ID, State: domain.StepSuccess}
	if err := f.bus.Handle(ctx, build); err != nil {
		t.Fatalf("process step: %v", err)
	}

	if err := f.bus.Handle(ctx, domain.FinishDeployment{DeploymentID: deployment.ID}); err != nil {
		t.Fatalf("finish deployment: %v", err)
	}
	finished, _ := f.uow.Deployments().Get(ctx, deployment.ID)
	if finished.Finished == nil {
		t.Fatalf("expected deployment stamped finished")
	}

	// The promoted release step never completed and must be gone.
	steps, _ := f.uow.Steps().ListByDeployment(ctx, deployment.ID)
	if len(steps) != 1 || steps[0].Name != "build" {
		t.Fatalf("expected only the completed step to survive, got %v", steps)
	}

	deployed, _ := f.uow.DeployedServices().List(ctx)
	if len(deployed) != 1 {
		t.Fatalf("expected one deployed service record, got %d", len(deployed))
	}
	if deployed[0].DeploymentID != deployment.ID {
		t.Fatalf("expected deployed service for deployment %d, got %d", deployment.ID, deployed[0].DeploymentID)
	}
	if deployed[0].Config["env"] != "production" {
		t.Fatalf("expected deploy context captured as config, got %v", deployed[0].Config)
	}
	if len(f.notifier.messages) != 1 {
		t.Fatalf("expected one notification, got %d", len(f.notifier.messages))
	}
	if f.notifier.destinations[0] != "admin@example.com" {
		t.Fatalf("expected notification for admin address, got %q", f.notifier.destinations[0])
	}
}

func TestEventHandlerErrorsDoNotFailTheCommand(t *testing.T) {
	f := newFixture(t)
	f.notifier.err = errors.New("smtp down")
	ctx := context.Background()
	service := f.seedService(t, "build")

	start := domain.StartDeployment{ServiceID: service.ID, User: "alice", Origin: "frontend"}
	if err := f.bus.Handle(ctx, start); err != nil {
		t.Fatalf("start deployment: %v", err)
	}
	deployments, _ := f.uow.Deployments().List(ctx)

	err := f.bus.Handle(ctx, domain.FinishDeployment{DeploymentID: deployments[0].ID})
	if err != nil {
		t.Fatalf("expected failing notifier to be swallowed, got %v", err)
	}
}

func TestDeleteServiceCascades(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	service := f.seedService(t, "build")

	start := domain.StartDeployment{ServiceID: service.ID, User: "alice", Origin: "frontend"}
	if err := f.bus.Handle(ctx, start); err != nil {
		t.Fatalf("start deployment: %v", err)
	}

	if err := f.bus.Handle(ctx, domain.DeleteService{ServiceID: service.ID}); err != nil {
		t.Fatalf("delete service: %v", err)
	}
	if _, err := f.uow.Services().Get(ctx, service.ID); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected service gone, got %v", err)
	}
	deployments, _ := f.uow.Deployments().List(ctx)
	if len(deployments) != 0 {
		t.Fatalf("expected deployments removed, got %d", len(deployments))
	}
}

func TestDeleteServiceUnknownIDFails(t *testing.T) {
	f := newFixture(t)
	err := f.bus.Handle(context.Background(), domain.DeleteService{ServiceID: 99})
	if !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

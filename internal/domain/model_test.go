package domain

import (
	"errors"
	"testing"
	"time"
)

type fakeLauncher struct {
	launches int
	script   string
	err      error
}

func (l *fakeLauncher) Launch(deployment *Deployment, deployScript string) error {
	l.launches++
	l.script = deployScript
	return l.err
}

func startedDeployment(steps ...*Step) *Deployment {
	now := time.Now().UTC()
	d := &Deployment{ID: 1, ServiceID: 2, Origin: "frontend", User: "alice", Started: &now}
	for i, step := range steps {
		step.ID = int64(i + 1)
		step.DeploymentID = d.ID
	}
	d.Steps = steps
	return d
}

func TestProcessStepUpdatesRunningStepAndPromotesNext(t *testing.T) {
	first := NewStep("build")
	first.Start()
	second := NewStep("release")
	d := startedDeployment(first, second)

	started := time.Now().UTC().Add(-time.Minute)
	modified, err := d.ProcessStep(&Step{Name: "build", State: StepSuccess, Started: &started, Message: "ok"})
	if err != nil {
		t.Fatalf("process step: %v", err)
	}
	if len(modified) != 2 {
		t.Fatalf("expected 2 modified steps, got %d", len(modified))
	}
	if first.State != StepSuccess {
		t.Fatalf("expected build to be success, got %s", first.State)
	}
	if first.Finished == nil {
		t.Fatalf("expected build to be stamped finished")
	}
	if first.Started == nil || !first.Started.Equal(started) {
		t.Fatalf("expected reported started time to be kept, got %v", first.Started)
	}
	if first.Message != "ok" {
		t.Fatalf("expected message to be copied, got %q", first.Message)
	}
	if second.State != StepRunning {
		t.Fatalf("expected release to be promoted to running, got %s", second.State)
	}
	if len(d.Steps) != 2 {
		t.Fatalf("expected no new steps, got %d", len(d.Steps))
	}
}

func TestProcessStepFailureDoesNotPromote(t *testing.T) {
	first := NewStep("build")
	first.Start()
	second := NewStep("release")
	d := startedDeployment(first, second)

	if _, err := d.ProcessStep(&Step{Name: "build", State: StepFailure, Message: "boom"}); err != nil {
		t.Fatalf("process step: %v", err)
	}
	if first.State != StepFailure {
		t.Fatalf("expected build to be failure, got %s", first.State)
	}
	if second.State != StepPending {
		t.Fatalf("expected release to stay pending after a failure, got %s", second.State)
	}
}

func TestProcessStepPendingMatchNeverPromotes(t *testing.T) {
	first := NewStep("build")
	second := NewStep("release")
	d := startedDeployment(first, second)

	modified, err := d.ProcessStep(&Step{Name: "build", State: StepSuccess})
	if err != nil {
		t.Fatalf("process step: %v", err)
	}
	if len(modified) != 1 {
		t.Fatalf("expected only the matched step, got %d", len(modified))
	}
	if first.State != StepSuccess {
		t.Fatalf("expected build to be success, got %s", first.State)
	}
	if second.State != StepPending {
		t.Fatalf("expected release untouched, got %s", second.State)
	}
}

func TestProcessStepUnknownStepIsCaptured(t *testing.T) {
	first := NewStep("build")
	first.Start()
	d := startedDeployment(first)

	modified, err := d.ProcessStep(&Step{Name: "surprise", State: StepSuccess})
	if err != nil {
		t.Fatalf("process step: %v", err)
	}
	if len(d.Steps) != 2 {
		t.Fatalf("expected the unknown step to be appended, got %d steps", len(d.Steps))
	}
	captured := d.Steps[1]
	if captured.Name != "surprise" {
		t.Fatalf("unexpected appended step %q", captured.Name)
	}
	if captured.Finished == nil {
		t.Fatalf("expected unknown step to be stamped finished")
	}
	if captured.DeploymentID != d.ID {
		t.Fatalf("expected unknown step to be owned by deployment %d, got %d", d.ID, captured.DeploymentID)
	}
	for _, step := range modified {
		if len(step.CollectEvents()) != 1 {
			t.Fatalf("expected one processed event per modified step")
		}
	}
}

func TestProcessStepRequiresRunningDeployment(t *testing.T) {
	d := &Deployment{ID: 1}
	if _, err := d.ProcessStep(NewStep("build")); err == nil {
		t.Fatalf("expected error for deployment that has not started")
	}

	now := time.Now().UTC()
	d.Started = &now
	d.Finished = &now
	if _, err := d.ProcessStep(NewStep("build")); err == nil {
		t.Fatalf("expected error for finished deployment")
	}
}

func TestStartDeploymentTaskStartsFirstStepEagerly(t *testing.T) {
	first := NewStep("build")
	second := NewStep("release")
	d := startedDeployment(first, second)
	launcher := &fakeLauncher{}
	service := &Service{Name: "blog", Data: map[string]any{"deploy_script": "deploy.sh"}}

	if err := d.StartDeploymentTask(service, launcher); err != nil {
		t.Fatalf("start deployment task: %v", err)
	}
	if launcher.launches != 1 {
		t.Fatalf("expected one launch, got %d", launcher.launches)
	}
	if launcher.script != "blog/deploy.sh" {
		t.Fatalf("unexpected deploy script %q", launcher.script)
	}
	if first.State != StepRunning || first.Started == nil {
		t.Fatalf("expected first step running, got %s", first.State)
	}
	if second.State != StepPending {
		t.Fatalf("expected second step pending, got %s", second.State)
	}

	// One processed event per step plus the deployment started event.
	events := append(first.CollectEvents(), second.CollectEvents()...)
	events = append(events, d.CollectEvents()...)
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	if events[len(events)-1].EventKind() != KindDeploymentStarted {
		t.Fatalf("expected DeploymentStarted last, got %s", events[len(events)-1].EventKind())
	}
}

func TestStartDeploymentTaskGuards(t *testing.T) {
	launcher := &fakeLauncher{}
	service := &Service{Name: "blog"}
	now := time.Now().UTC()

	cases := []struct {
		name string
		d    *Deployment
	}{
		{"not started", &Deployment{ID: 1, Steps: []*Step{NewStep("build")}}},
		{"already finished", &Deployment{ID: 1, Started: &now, Finished: &now, Steps: []*Step{NewStep("build")}}},
		{"not persisted", &Deployment{Started: &now, Steps: []*Step{NewStep("build")}}},
		{"no steps", &Deployment{ID: 1, Started: &now}},
	}
	for _, tc := range cases {
		if err := tc.d.StartDeploymentTask(service, launcher); err == nil {
			t.Fatalf("%s: expected error", tc.name)
		}
	}
	if launcher.launches != 0 {
		t.Fatalf("expected no launches, got %d", launcher.launches)
	}
}

func TestStartDeploymentTaskLaunchFailure(t *testing.T) {
	d := startedDeployment(NewStep("build"))
	launcher := &fakeLauncher{err: errors.New("spawn failed")}

	if err := d.StartDeploymentTask(&Service{Name: "blog"}, launcher); err == nil {
		t.Fatalf("expected launch error to propagate")
	}
	if events := d.CollectEvents(); len(events) != 0 {
		t.Fatalf("expected no deployment events after failed launch, got %d", len(events))
	}
}

func TestFinishRemovesDanglingSteps(t *testing.T) {
	done := NewStep("build")
	done.State = StepSuccess
	running := NewStep("release")
	running.Start()
	pending := NewStep("smoke test")
	d := startedDeployment(done, running, pending)

	removed := d.Finish()
	if d.Finished == nil {
		t.Fatalf("expected finished timestamp")
	}
	if len(removed) != 2 {
		t.Fatalf("expected running and pending steps removed, got %d", len(removed))
	}
	for _, step := range removed {
		events := step.CollectEvents()
		if len(events) != 1 {
			t.Fatalf("expected one deleted event, got %d", len(events))
		}
		if events[0].EventKind() != KindStepDeleted {
			t.Fatalf("expected StepDeleted, got %s", events[0].EventKind())
		}
	}

	events := d.CollectEvents()
	if len(events) != 1 || events[0].EventKind() != KindDeploymentFinished {
		t.Fatalf("expected a single DeploymentFinished event")
	}
}

func TestDeployScriptStripsPathSeparators(t *testing.T) {
	service := &Service{Name: "blog", Data: map[string]any{"deploy_script": "../../etc/passwd"}}
	if got := service.DeployScript(); got != "blog/....etcpasswd" {
		t.Fatalf("unexpected deploy script %q", got)
	}

	plain := &Service{Name: "blog"}
	if got := plain.DeployScript(); got != "blog/deploy.sh" {
		t.Fatalf("expected default deploy script, got %q", got)
	}
}

func TestRecorderDefersFieldSnapshots(t *testing.T) {
	user := &User{Name: "alice"}
	user.Create()
	user.ID = 42

	events := user.CollectEvents()
	if len(events) != 1 {
		t.Fatalf("expected one event, got %d", len(events))
	}
	created, ok := events[0].(UserCreated)
	if !ok {
		t.Fatalf("expected UserCreated, got %T", events[0])
	}
	if created.ID != 42 {
		t.Fatalf("expected id assigned after recording to appear, got %d", created.ID)
	}
	if extra := user.CollectEvents(); len(extra) != 0 {
		t.Fatalf("expected collect to drain events, got %d", len(extra))
	}
}

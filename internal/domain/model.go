package domain

import (
	"errors"
	"strings"
	"time"
)

// Step states. A step is "known" to a deployment only while pending or
// running; success and failure are terminal.
const (
	StepPending = "pending"
	StepRunning = "running"
	StepSuccess = "success"
	StepFailure = "failure"
)

// recorder queues event factories instead of materialized events. Some
// events need a database-assigned id that only exists after commit, so
// field snapshots are deferred until CollectEvents runs.
type recorder struct {
	pending []func() Event
}

func (r *recorder) record(fn func() Event) {
	r.pending = append(r.pending, fn)
}

// CollectEvents materializes and drains all recorded events in FIFO order.
func (r *recorder) CollectEvents() []Event {
	if len(r.pending) == 0 {
		return nil
	}
	events := make([]Event, 0, len(r.pending))
	for _, fn := range r.pending {
		events = append(events, fn())
	}
	r.pending = nil
	return events
}

// EventSource is anything that records events for later collection. The
// unit of work sweeps every seen aggregate through this interface.
type EventSource interface {
	CollectEvents() []Event
}

// User is the account model used for authentication.
type User struct {
	recorder

	ID       int64
	Name     string
	Password string
}

// Create records the created event.
func (u *User) Create() {
	u.record(func() Event {
		return UserCreated{Type: "user", ID: u.ID, Name: u.Name}
	})
}

// Service is something that can be deployed. Its config lives in Data,
// including an optional "steps" list and a "deploy_script" path.
type Service struct {
	recorder

	ID   int64
	Name string
	Data map[string]any

	// Origin and User travel inside service tokens and are never
	// persisted; they describe who minted the token and from where.
	Origin string
	User   string
}

// Update records the updated event.
func (s *Service) Update() {
	s.record(func() Event {
		return ServiceUpdated{Type: "service", ID: s.ID, Name: s.Name, Data: s.Data}
	})
}

// Delete records the deleted event.
func (s *Service) Delete() {
	s.record(func() Event {
		return ServiceDeleted{Type: "service", ID: s.ID, Name: s.Name, Data: s.Data, Deleted: true}
	})
}

// DeployScript returns the script path relative to the services root.
// Path separators are stripped from the configured name so a config
// cannot point outside its own service directory.
func (s *Service) DeployScript() string {
	script := "deploy.sh"
	if configured, ok := s.Data["deploy_script"].(string); ok && configured != "" {
		script = configured
	}
	script = strings.ReplaceAll(script, "/", "")
	return s.Name + "/" + script
}

// Step is a single unit of work within a deployment plan. Identity within
// a deployment is the name, not the id: externally-reported results are
// correlated by name.
type Step struct {
	recorder

	ID           int64
	Name         string
	DeploymentID int64
	State        string
	Started      *time.Time
	Finished     *time.Time
	Message      string
}

// NewStep returns a pending step with the given name.
func NewStep(name string) *Step {
	return &Step{Name: name, State: StepPending}
}

// NewPendingStepFrom re-creates a finished step as a fresh pending one so
// it can seed the plan of a new deployment. The old id must not be reused
// or the old deployment's steps would be overwritten.
func NewPendingStepFrom(old *Step) *Step {
	return &Step{Name: old.Name, State: StepPending, Message: old.Message}
}

// Start flips the step to running and stamps the started time.
func (s *Step) Start() {
	s.State = StepRunning
	now := time.Now().UTC()
	s.Started = &now
}

// Process records the processed event.
func (s *Step) Process() {
	s.record(func() Event { return s.processedEvent() })
}

// Delete records the deleted event.
func (s *Step) Delete() {
	s.record(func() Event {
		return StepDeleted{
			Type:         "step",
			ID:           s.ID,
			Name:         s.Name,
			State:        s.State,
			DeploymentID: s.DeploymentID,
			Message:      s.Message,
			Started:      s.Started,
			Finished:     s.Finished,
			Deleted:      true,
		}
	})
}

func (s *Step) processedEvent() StepProcessed {
	return StepProcessed{
		Type:         "step",
		ID:           s.ID,
		Name:         s.Name,
		State:        s.State,
		DeploymentID: s.DeploymentID,
		Message:      s.Message,
		Started:      s.Started,
		Finished:     s.Finished,
	}
}

// Launcher starts the external deploy process for a deployment. The
// implementation builds the process environment (access token, callback
// URLs, context) and spawns the script runner.
type Launcher interface {
	Launch(deployment *Deployment, deployScript string) error
}

// Deployment is a single deployment run for a service. It owns its plan
// of steps; origin records who triggered it (frontend, GitHub, ...).
type Deployment struct {
	recorder

	ID        int64
	ServiceID int64
	Origin    string
	User      string
	Started   *time.Time
	Finished  *time.Time
	Context   map[string]any
	Steps     []*Step
}

// ProcessStep reconciles a freshly-observed step result against the plan.
//
// A step is known only through a running or pending entry with the same
// name. A known running match is updated in place and, unless the result
// was a failure, the first pending step is promoted to running. A known
// pending match is updated in place without promoting anything; pending
// results never advance the plan, whatever their outcome. An unknown step
// is stamped finished and appended as a new step.
//
// Returns every step mutated or created by this call; each of them has a
// processed event recorded.
func (d *Deployment) ProcessStep(incoming *Step) ([]*Step, error) {
	if d.Started == nil {
		return nil, errors.New("deployment has not started yet")
	}
	if d.Finished != nil {
		return nil, errors.New("deployment has already finished")
	}

	var modified []*Step

	var known *Step
	for _, step := range d.Steps {
		if step.State == StepRunning && step.Name == incoming.Name {
			known = step
			break
		}
	}

	var pending []*Step
	for _, step := range d.Steps {
		if step.State == StepPending {
			pending = append(pending, step)
		}
	}

	if known == nil {
		for _, step := range pending {
			if step.Name == incoming.Name {
				known = step
				break
			}
		}
	} else if len(pending) > 0 && incoming.State != StepFailure {
		next := pending[0]
		next.State = StepRunning
		modified = append(modified, next)
	}

	now := time.Now().UTC()
	if known == nil {
		incoming.Finished = &now
		incoming.DeploymentID = d.ID
		d.Steps = append(d.Steps, incoming)
		modified = append(modified, incoming)
	} else {
		known.Started = incoming.Started
		known.Finished = &now
		known.State = incoming.State
		known.Message = incoming.Message
		modified = append(modified, known)
	}

	for _, step := range modified {
		step.Process()
	}
	return modified, nil
}

// StartDeploymentTask launches the external deploy process. The first
// planned step begins eagerly, before the process reports anything, and a
// processed event is recorded for every step so observers see the whole
// initial plan. Requires a persisted, started, unfinished deployment.
func (d *Deployment) StartDeploymentTask(service *Service, launcher Launcher) error {
	if d.Started == nil || d.Finished != nil || d.ID == 0 {
		return errors.New("unable to start deployment")
	}
	if len(d.Steps) == 0 {
		return errors.New("deployment has no steps")
	}

	d.Steps[0].Start()
	for _, step := range d.Steps {
		step.DeploymentID = d.ID
		step.Process()
	}

	if err := launcher.Launch(d, service.DeployScript()); err != nil {
		return err
	}

	d.record(func() Event {
		return DeploymentStarted{
			Type:      "deployment",
			ID:        d.ID,
			ServiceID: d.ServiceID,
			Origin:    d.Origin,
			User:      d.User,
			Started:   d.Started,
			Finished:  d.Finished,
			Context:   d.Context,
		}
	})
	return nil
}

// Finish stamps the finished time, records the finished event and returns
// every step still pending or running. Those steps never got a terminal
// result and must be removed, so a finished deployment only keeps steps
// that actually completed.
func (d *Deployment) Finish() []*Step {
	now := time.Now().UTC()
	d.Finished = &now
	d.record(func() Event {
		return DeploymentFinished{
			Type:      "deployment",
			ID:        d.ID,
			ServiceID: d.ServiceID,
			Origin:    d.Origin,
			User:      d.User,
			Started:   d.Started,
			Finished:  d.Finished,
			Context:   d.Context,
		}
	})

	var remove []*Step
	for _, step := range d.Steps {
		if step.State == StepRunning || step.State == StepPending {
			remove = append(remove, step)
			step.Delete()
		}
	}
	return remove
}

// DeployedService is a derived record marking a configuration as
// currently live, maintained by the deployment-finished event handler.
type DeployedService struct {
	ID           int64
	DeploymentID int64
	Config       map[string]any
}

package domain

import "time"

// EventKind identifies an event type for handler registration.
type EventKind string

const (
	KindUserCreated        EventKind = "UserCreated"
	KindServiceUpdated     EventKind = "ServiceUpdated"
	KindServiceDeleted     EventKind = "ServiceDeleted"
	KindStepProcessed      EventKind = "StepProcessed"
	KindStepDeleted        EventKind = "StepDeleted"
	KindDeploymentStarted  EventKind = "DeploymentStarted"
	KindDeploymentFinished EventKind = "DeploymentFinished"
)

// Event is an immutable fact about something that already happened. It
// carries the full field set of the emitting aggregate at collect time.
type Event interface {
	Message
	EventKind() EventKind
}

// UserCreated is raised once after a user has been persisted.
type UserCreated struct {
	Type string `json:"type"`
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

func (UserCreated) isMessage()           {}
func (UserCreated) EventKind() EventKind { return KindUserCreated }

// ServiceUpdated is raised when a service was created or its config changed.
type ServiceUpdated struct {
	Type    string         `json:"type"`
	ID      int64          `json:"id"`
	Name    string         `json:"name"`
	Data    map[string]any `json:"data"`
	Deleted bool           `json:"deleted"`
}

func (ServiceUpdated) isMessage()           {}
func (ServiceUpdated) EventKind() EventKind { return KindServiceUpdated }

// ServiceDeleted is raised when a service was removed.
type ServiceDeleted struct {
	Type    string         `json:"type"`
	ID      int64          `json:"id"`
	Name    string         `json:"name"`
	Data    map[string]any `json:"data"`
	Deleted bool           `json:"deleted"`
}

func (ServiceDeleted) isMessage()           {}
func (ServiceDeleted) EventKind() EventKind { return KindServiceDeleted }

// StepProcessed is raised whenever a step changed state.
type StepProcessed struct {
	Type         string     `json:"type"`
	ID           int64      `json:"id"`
	Name         string     `json:"name"`
	State        string     `json:"state"`
	DeploymentID int64      `json:"deployment_id"`
	Message      string     `json:"message"`
	Started      *time.Time `json:"started"`
	Finished     *time.Time `json:"finished"`
	Deleted      bool       `json:"deleted"`
}

func (StepProcessed) isMessage()           {}
func (StepProcessed) EventKind() EventKind { return KindStepProcessed }

// StepDeleted is raised for steps removed when a deployment finishes with
// work left undone.
type StepDeleted struct {
	Type         string     `json:"type"`
	ID           int64      `json:"id"`
	Name         string     `json:"name"`
	State        string     `json:"state"`
	DeploymentID int64      `json:"deployment_id"`
	Message      string     `json:"message"`
	Started      *time.Time `json:"started"`
	Finished     *time.Time `json:"finished"`
	Deleted      bool       `json:"deleted"`
}

func (StepDeleted) isMessage()           {}
func (StepDeleted) EventKind() EventKind { return KindStepDeleted }

// DeploymentStarted is raised after a deployment row exists and its task
// has been launched.
type DeploymentStarted struct {
	Type      string         `json:"type"`
	ID        int64          `json:"id"`
	ServiceID int64          `json:"service_id"`
	Origin    string         `json:"origin"`
	User      string         `json:"user"`
	Started   *time.Time     `json:"started"`
	Finished  *time.Time     `json:"finished"`
	Context   map[string]any `json:"context"`
}

func (DeploymentStarted) isMessage()           {}
func (DeploymentStarted) EventKind() EventKind { return KindDeploymentStarted }

// DeploymentFinished is raised exactly once when a deployment closes.
type DeploymentFinished struct {
	Type      string         `json:"type"`
	ID        int64          `json:"id"`
	ServiceID int64          `json:"service_id"`
	Origin    string         `json:"origin"`
	User      string         `json:"user"`
	Started   *time.Time     `json:"started"`
	Finished  *time.Time     `json:"finished"`
	Context   map[string]any `json:"context"`
}

func (DeploymentFinished) isMessage()           {}
func (DeploymentFinished) EventKind() EventKind { return KindDeploymentFinished }

// AuthenticationSucceeded is not a bus message: it is the ack payload a
// websocket client receives after presenting a valid token.
type AuthenticationSucceeded struct {
	Type   string `json:"type"`
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// AuthenticationFailed is the ack payload for a rejected token.
type AuthenticationFailed struct {
	Type   string `json:"type"`
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// NewAuthenticationSucceeded builds a success ack with detail.
func NewAuthenticationSucceeded(detail string) AuthenticationSucceeded {
	return AuthenticationSucceeded{Type: "authentication", Status: "success", Detail: detail}
}

// NewAuthenticationFailed builds a failure ack with detail.
func NewAuthenticationFailed(detail string) AuthenticationFailed {
	return AuthenticationFailed{Type: "authentication", Status: "failure", Detail: detail}
}

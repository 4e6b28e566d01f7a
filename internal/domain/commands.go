package domain

import "time"

// Message is either a Command or an Event travelling through the bus.
type Message interface {
	isMessage()
}

// CommandKind identifies a command type for handler registration.
type CommandKind string

const (
	KindCreateUser       CommandKind = "CreateUser"
	KindDeleteService    CommandKind = "DeleteService"
	KindSyncServices     CommandKind = "SyncServices"
	KindStartDeployment  CommandKind = "StartDeployment"
	KindFinishDeployment CommandKind = "FinishDeployment"
	KindProcessStep      CommandKind = "ProcessStep"
)

// Command is an intent to change state, handled by exactly one handler.
type Command interface {
	Message
	CommandKind() CommandKind
}

// CreateUser registers a new user with an already-hashed password.
type CreateUser struct {
	Username     string
	PasswordHash string
}

func (CreateUser) isMessage()               {}
func (CreateUser) CommandKind() CommandKind { return KindCreateUser }

// DeleteService removes a service and everything that hangs off it.
type DeleteService struct {
	ServiceID int64
}

func (DeleteService) isMessage()               {}
func (DeleteService) CommandKind() CommandKind { return KindDeleteService }

// SyncServices reconciles services on disk with the database.
type SyncServices struct{}

func (SyncServices) isMessage()               {}
func (SyncServices) CommandKind() CommandKind { return KindSyncServices }

// StartDeployment begins a new deployment for a service.
type StartDeployment struct {
	ServiceID int64
	User      string
	Origin    string
	Context   map[string]any
}

func (StartDeployment) isMessage()               {}
func (StartDeployment) CommandKind() CommandKind { return KindStartDeployment }

// FinishDeployment closes a running deployment.
type FinishDeployment struct {
	DeploymentID int64
}

func (FinishDeployment) isMessage()               {}
func (FinishDeployment) CommandKind() CommandKind { return KindFinishDeployment }

// ProcessStep feeds an externally-reported step result into a deployment.
type ProcessStep struct {
	Name         string
	DeploymentID int64
	State        string
	Started      *time.Time
	Finished     *time.Time
	Message      string
}

func (ProcessStep) isMessage()               {}
func (ProcessStep) CommandKind() CommandKind { return KindProcessStep }

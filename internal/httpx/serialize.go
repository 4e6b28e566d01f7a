package httpx

import (
	"time"

	"github.com/ephes/fastdeploy/internal/domain"
)

// JSON views of the domain aggregates. Aggregates are not serialized
// directly: users carry password hashes and steps carry their event
// recorders, neither of which belongs on the wire.

type userJSON struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

func toUserJSON(user *domain.User) userJSON {
	return userJSON{ID: user.ID, Name: user.Name}
}

type serviceJSON struct {
	ID   int64          `json:"id"`
	Name string         `json:"name"`
	Data map[string]any `json:"data"`
}

func toServiceJSON(service *domain.Service) serviceJSON {
	return serviceJSON{ID: service.ID, Name: service.Name, Data: service.Data}
}

func toServiceListJSON(services []*domain.Service) []serviceJSON {
	out := make([]serviceJSON, 0, len(services))
	for _, service := range services {
		out = append(out, toServiceJSON(service))
	}
	return out
}

type stepJSON struct {
	ID           int64      `json:"id"`
	Name         string     `json:"name"`
	State        string     `json:"state"`
	DeploymentID int64      `json:"deployment_id"`
	Message      string     `json:"message"`
	Started      *time.Time `json:"started"`
	Finished     *time.Time `json:"finished"`
}

func toStepJSON(step *domain.Step) stepJSON {
	return stepJSON{
		ID:           step.ID,
		Name:         step.Name,
		State:        step.State,
		DeploymentID: step.DeploymentID,
		Message:      step.Message,
		Started:      step.Started,
		Finished:     step.Finished,
	}
}

func toStepListJSON(steps []*domain.Step) []stepJSON {
	out := make([]stepJSON, 0, len(steps))
	for _, step := range steps {
		out = append(out, toStepJSON(step))
	}
	return out
}

type deploymentJSON struct {
	ID        int64          `json:"id"`
	ServiceID int64          `json:"service_id"`
	Origin    string         `json:"origin"`
	User      string         `json:"user"`
	Started   *time.Time     `json:"started"`
	Finished  *time.Time     `json:"finished"`
	Context   map[string]any `json:"context"`
	Steps     []stepJSON     `json:"steps,omitempty"`
}

func toDeploymentJSON(deployment *domain.Deployment) deploymentJSON {
	out := deploymentJSON{
		ID:        deployment.ID,
		ServiceID: deployment.ServiceID,
		Origin:    deployment.Origin,
		User:      deployment.User,
		Started:   deployment.Started,
		Finished:  deployment.Finished,
		Context:   deployment.Context,
	}
	for _, step := range deployment.Steps {
		out.Steps = append(out.Steps, toStepJSON(step))
	}
	return out
}

func toDeploymentListJSON(deployments []*domain.Deployment) []deploymentJSON {
	out := make([]deploymentJSON, 0, len(deployments))
	for _, deployment := range deployments {
		out = append(out, toDeploymentJSON(deployment))
	}
	return out
}

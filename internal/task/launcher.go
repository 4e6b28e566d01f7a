// Package task runs deployments as external processes. The API side
// launches a detached runner per deployment; the runner side (see
// DeployTask) executes the service's deploy script and streams its
// step results back over HTTP.
package task

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/ephes/fastdeploy/internal/domain"
	"github.com/ephes/fastdeploy/pkg/config"
	"github.com/ephes/fastdeploy/pkg/token"
)

// Environment names passed from the API to the deploy runner.
const (
	EnvAccessToken   = "ACCESS_TOKEN"
	EnvDeployScript  = "DEPLOY_SCRIPT"
	EnvStepsURL      = "STEPS_URL"
	EnvFinishURL     = "DEPLOYMENT_FINISH_URL"
	EnvContext       = "CONTEXT"
	EnvPathForDeploy = "PATH_FOR_DEPLOY"
	EnvSudoUser      = "SUDO_USER"
	EnvSSHAuthSock   = "SSH_AUTH_SOCK"
)

// ExecLauncher starts the deploy runner binary for a deployment. The
// runner is released immediately: the API learns about progress only
// through the step callbacks, never by waiting on the child.
type ExecLauncher struct {
	cfg    config.APIConfig
	codec  *token.Codec
	logger *slog.Logger
}

// NewExecLauncher returns a launcher spawning cfg.DeployBinary.
func NewExecLauncher(cfg config.APIConfig, codec *token.Codec, logger *slog.Logger) *ExecLauncher {
	return &ExecLauncher{cfg: cfg, codec: codec, logger: logger}
}

var _ domain.Launcher = (*ExecLauncher)(nil)

// Launch builds the runner environment and starts the runner process
// detached from the API.
func (l *ExecLauncher) Launch(deployment *domain.Deployment, deployScript string) error {
	env, err := l.environment(deployment, deployScript)
	if err != nil {
		return err
	}

	cmd := exec.Command(l.cfg.DeployBinary)
	cmd.Env = env
	cmd.Dir = l.cfg.ProjectRoot
	cmd.Stdout = nil
	cmd.Stderr = nil
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("launch deploy task: %w", err)
	}
	l.logger.Info("deploy task launched",
		"deployment_id", deployment.ID, "pid", cmd.Process.Pid, "script", deployScript)
	return cmd.Process.Release()
}

// environment assembles the runner's process environment: a deployment
// token so the runner may post steps for exactly this deployment, the
// callback URLs, the deploy context as JSON and the script to run.
func (l *ExecLauncher) environment(deployment *domain.Deployment, deployScript string) ([]string, error) {
	claims := token.Claims{Type: token.TypeDeployment, Deployment: deployment.ID}
	accessToken, err := l.codec.Encode(claims, l.cfg.DeployTokenTTL)
	if err != nil {
		return nil, fmt.Errorf("mint deployment token: %w", err)
	}

	context := deployment.Context
	if context == nil {
		context = map[string]any{}
	}
	rawContext, err := json.Marshal(context)
	if err != nil {
		return nil, fmt.Errorf("encode deploy context: %w", err)
	}

	env := []string{
		EnvAccessToken + "=" + accessToken,
		EnvDeployScript + "=" + filepath.Join(l.cfg.ServicesRoot, deployScript),
		EnvStepsURL + "=" + l.cfg.StepsURL(),
		EnvFinishURL + "=" + l.cfg.DeploymentFinishURL(),
		EnvContext + "=" + string(rawContext),
		EnvPathForDeploy + "=" + l.cfg.PathForDeploy,
	}
	if l.cfg.SudoUser != "" {
		env = append(env, EnvSudoUser+"="+l.cfg.SudoUser)
	}
	if sock := os.Getenv(EnvSSHAuthSock); sock != "" {
		env = append(env, EnvSSHAuthSock+"="+sock)
	}
	return env, nil
}

package task

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var stepPostFailures = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "fastdeploy",
	Subsystem: "task",
	Name:      "step_post_failures_total",
	Help:      "Step results dropped after exhausting all post attempts.",
})

const (
	postAttempts       = 3
	postBackoff        = 3 * time.Second
	maxStepMessageSize = 4096
)

// DeployConfig is the runner configuration, read from the environment
// the launcher prepared.
type DeployConfig struct {
	AccessToken   string
	DeployScript  string
	StepsURL      string
	FinishURL     string
	Context       string
	PathForDeploy string
	SudoUser      string
}

// LoadDeployConfig reads the runner configuration from the environment.
func LoadDeployConfig() (DeployConfig, error) {
	cfg := DeployConfig{
		AccessToken:   os.Getenv(EnvAccessToken),
		DeployScript:  os.Getenv(EnvDeployScript),
		StepsURL:      os.Getenv(EnvStepsURL),
		FinishURL:     os.Getenv(EnvFinishURL),
		Context:       os.Getenv(EnvContext),
		PathForDeploy: os.Getenv(EnvPathForDeploy),
		SudoUser:      os.Getenv(EnvSudoUser),
	}
	if cfg.AccessToken == "" {
		return cfg, errors.New("ACCESS_TOKEN not set")
	}
	if cfg.DeployScript == "" {
		return cfg, errors.New("DEPLOY_SCRIPT not set")
	}
	if cfg.StepsURL == "" || cfg.FinishURL == "" {
		return cfg, errors.New("callback urls not set")
	}
	return cfg, nil
}

// stepResult is one line of runner output: the deploy script reports
// each finished step as a single JSON object on stdout.
type stepResult struct {
	Name     string     `json:"name"`
	State    string     `json:"state"`
	Message  string     `json:"message"`
	Started  *time.Time `json:"started"`
	Finished *time.Time `json:"finished"`
}

// DeployTask executes one deploy script and reports its progress.
type DeployTask struct {
	cfg    DeployConfig
	client *http.Client
	logger *slog.Logger
	sleep  func(time.Duration)
	now    func() time.Time
}

// NewDeployTask returns a runner for the given configuration.
func NewDeployTask(cfg DeployConfig, logger *slog.Logger) *DeployTask {
	return &DeployTask{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
		logger: logger,
		sleep:  time.Sleep,
		now:    time.Now,
	}
}

// Run executes the deploy script and streams its step results to the
// API. The deployment is always finished at the end, even when the
// script failed, so it never stays open forever. A crashed script still
// leaves a failure step behind, otherwise the deployment would look
// clean once its dangling steps are cleaned up.
func (t *DeployTask) Run(ctx context.Context) error {
	defer t.finish(ctx)

	cmd := t.command(ctx)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return t.failRun(ctx, fmt.Errorf("open stdout pipe: %w", err))
	}
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return t.failRun(ctx, fmt.Errorf("start deploy script: %w", err))
	}
	t.streamSteps(ctx, stdout)

	if err := cmd.Wait(); err != nil {
		return t.failRun(ctx, fmt.Errorf("deploy script failed: %w", err))
	}
	return nil
}

// failRun posts a synthetic failure step so the deployment records why
// it died, then passes the error through.
func (t *DeployTask) failRun(ctx context.Context, err error) error {
	started := t.now().UTC()
	t.postStep(ctx, stepResult{
		Name:    "failed step",
		State:   "failure",
		Message: "deployment failed: " + err.Error(),
		Started: &started,
	})
	return err
}

// command builds the script invocation. With a sudo user configured the
// script runs under that account, keeping only the variables the script
// needs; otherwise it runs directly.
func (t *DeployTask) command(ctx context.Context) *exec.Cmd {
	var cmd *exec.Cmd
	if t.cfg.SudoUser != "" {
		cmd = exec.CommandContext(ctx, "sudo", "-u", t.cfg.SudoUser,
			"--preserve-env="+EnvContext+","+EnvPathForDeploy+","+EnvSSHAuthSock,
			t.cfg.DeployScript)
	} else {
		cmd = exec.CommandContext(ctx, t.cfg.DeployScript)
	}
	cmd.Env = []string{
		"PATH=" + t.cfg.PathForDeploy,
		EnvContext + "=" + t.cfg.Context,
		EnvPathForDeploy + "=" + t.cfg.PathForDeploy,
	}
	if sock := os.Getenv(EnvSSHAuthSock); sock != "" {
		cmd.Env = append(cmd.Env, EnvSSHAuthSock+"="+sock)
	}
	return cmd
}

// streamSteps reads JSON lines from the script's stdout and posts each
// step result to the API. Lines that are not JSON objects with a name
// are progress noise and skipped. The started timestamp is taken here,
// before each line is read, since the scripts only report completions.
func (t *DeployTask) streamSteps(ctx context.Context, r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for {
		started := t.now().UTC()
		if !scanner.Scan() {
			break
		}
		line := scanner.Bytes()
		var result stepResult
		if err := json.Unmarshal(line, &result); err != nil {
			continue
		}
		if result.Name == "" {
			continue
		}
		result.Started = &started
		t.postStep(ctx, result)
	}
	if err := scanner.Err(); err != nil {
		t.logger.Error("reading deploy output failed", "error", err)
	}
}

// postStep delivers one step result, retrying a few times. When all
// attempts fail the result is dropped: the script must keep running, a
// lost progress update is preferable to a broken deployment. The drop
// is counted and logged so it does not go unnoticed.
func (t *DeployTask) postStep(ctx context.Context, result stepResult) {
	if len(result.Message) > maxStepMessageSize {
		result.Message = result.Message[:maxStepMessageSize]
	}
	body, err := json.Marshal(result)
	if err != nil {
		t.logger.Error("encode step result failed", "step", result.Name, "error", err)
		return
	}

	var lastErr error
	for attempt := 0; attempt < postAttempts; attempt++ {
		if attempt > 0 {
			t.sleep(postBackoff)
		}
		lastErr = t.post(ctx, http.MethodPost, t.cfg.StepsURL, body)
		if lastErr == nil {
			return
		}
	}
	stepPostFailures.Inc()
	t.logger.Error("step result dropped after retries",
		"step", result.Name, "attempts", postAttempts, "error", lastErr)
}

// finish closes the deployment on the API side.
func (t *DeployTask) finish(ctx context.Context) {
	if err := t.post(ctx, http.MethodPut, t.cfg.FinishURL, nil); err != nil {
		t.logger.Error("finish deployment failed", "error", err)
	}
}

func (t *DeployTask) post(ctx context.Context, method, url string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+t.cfg.AccessToken)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%s %s: status %d", method, url, resp.StatusCode)
	}
	return nil
}

// The deploy command is the runner the API launches for every
// deployment. It executes the service's deploy script, relays the
// script's step results to the API and finishes the deployment when
// the script exits.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/ephes/fastdeploy/internal/task"
	"github.com/ephes/fastdeploy/pkg/logger"
)

func main() {
	log := logger.New("deploy", slog.LevelInfo)

	cfg, err := task.LoadDeployConfig()
	if err != nil {
		log.Error("invalid runner environment", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := task.NewDeployTask(cfg, log).Run(ctx); err != nil {
		log.Error("deployment failed", "error", err)
		os.Exit(1)
	}
	log.Info("deployment complete")
}

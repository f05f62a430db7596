package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/23skdu/longbow-llamaload/internal/checkpoint"
	"github.com/23skdu/longbow-llamaload/internal/config"
	"github.com/23skdu/longbow-llamaload/internal/engine"
	"github.com/23skdu/longbow-llamaload/internal/envconfig"
	"github.com/23skdu/longbow-llamaload/internal/logger"
	"github.com/23skdu/longbow-llamaload/internal/metrics"
	"github.com/23skdu/longbow-llamaload/internal/monitoring"
)

func main() {
	logger.Setup(envconfig.LogLevel(), envconfig.LogFormat())
	logger.Log.Debug("Loader config", "env", envconfig.Values())

	hm := monitoring.NewHealthMonitor()
	if addr := envconfig.MetricsAddr(); addr != "" {
		go func() {
			if err := hm.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Log.Error("Metrics server error", "error", err)
			}
		}()
	}

	code := run(os.Args[1:], os.Stdout, os.Stderr, hm)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := hm.Stop(ctx); err != nil {
		logger.Log.Warn("Metrics server shutdown", "error", err)
	}
	cancel()
	os.Exit(code)
}

// run returns the process exit code.
func run(args []string, stdout, stderr io.Writer, hm *monitoring.HealthMonitor) int {
	rc, err := config.Parse(args)
	if err != nil {
		var ue *config.UsageError
		if errors.As(err, &ue) && !errors.Is(err, config.ErrHelp) {
			fmt.Fprintf(stderr, "Error: %v\n\n", ue.Err)
		}
		metrics.RecordValidationError("parse", usageKind(err))
		config.Usage(stderr)
		return 1
	}

	mode, err := checkpoint.ParseStageMode(envconfig.Stage())
	if err != nil {
		metrics.RecordValidationError("stage", "bad_mode")
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	m, err := checkpoint.Load(rc.ModelPath, checkpoint.WithStageMode(mode))
	if err != nil {
		logger.Log.Error("Failed to load checkpoint", "path", rc.ModelPath, "kind", checkpoint.ErrorKind(err), "error", err)
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer m.Close()
	hm.SetModel(m)

	if err := (engine.DryRun{Out: stdout}).Run(m, rc); err != nil {
		logger.Log.Error("Engine failed", "error", err)
		return 1
	}
	return 0
}

func usageKind(err error) string {
	switch {
	case errors.Is(err, config.ErrHelp):
		return "help"
	case errors.Is(err, config.ErrMissingModel):
		return "missing_model"
	default:
		return "bad_flag"
	}
}

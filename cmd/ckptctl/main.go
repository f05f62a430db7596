package main

import (
	"context"
	"os"

	"github.com/23skdu/longbow-llamaload/internal/envconfig"
	"github.com/23skdu/longbow-llamaload/internal/logger"
)

func main() {
	logger.Setup(envconfig.LogLevel(), envconfig.LogFormat())
	if err := NewCLI().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

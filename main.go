package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/deploymenttheory/twrp-evacuate/cmd"
	"github.com/deploymenttheory/twrp-evacuate/internal/logger"
)

func main() {
	// SIGINT and SIGTERM let the units in progress finish
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	err := cmd.ExecuteContext(ctx)
	stop()

	// Ensure logs are flushed before exit
	_ = logger.Sync()
	if err != nil {
		os.Exit(1)
	}
}

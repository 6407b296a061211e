package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"fleetcore/internal/app"
	"fleetcore/internal/infrastructure"
)

func main() {
	if err := run(); err != nil {
		slog.Error("Application error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Create application instance
	application, err := app.NewApplication()
	if err != nil {
		return err
	}
	defer infrastructure.CloseLogFile()

	return application.Run(ctx)
}

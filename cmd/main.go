package main

import (
	"context"
	"log/slog"
	"os"
	_ "time/tzdata"

	"github.com/aws/aws-lambda-go/lambda"

	"sdr-agent/internal/app"
)

func main() {
	ctx := context.Background()

	// ---- Configuration (read only here) ----
	cfg, err := app.LoadConfig(os.Getenv)
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	// ---- Wiring ----
	a, err := app.Build(ctx, cfg, app.WithLogger(logger))
	if err != nil {
		slog.Error("failed to build service", "err", err)
		os.Exit(1)
	}

	lambda.Start(a.Handler.Handle)
}

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"parley.app/dialog/common/id"
	"parley.app/dialog/common/logger"
	"parley.app/dialog/core/config"
	"parley.app/dialog/internal/app"
	"parley.app/dialog/internal/service"
)

func main() {
	root := newRootCmd(connectAdmin)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// connectAdmin builds the full dependency graph; process runs a pass in this process.
func connectAdmin(ctx context.Context) (service.AdminService, func(), error) {
	cfg, err := config.Load(config.ServiceTypeCLI)
	if err != nil {
		return nil, nil, fmt.Errorf("loading config: %w", err)
	}
	logger.Setup(cfg)
	slog.SetLogLoggerLevel(slog.LevelWarn)

	if err := id.Init(3); err != nil {
		return nil, nil, fmt.Errorf("initializing id generator: %w", err)
	}

	a, err := app.New(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	return a.Services.Admin(), a.Close, nil
}

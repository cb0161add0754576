package main

import (
	"os"

	"go.uber.org/zap"

	"a314d/pkg/bus"
	"a314d/pkg/config"
	"a314d/pkg/daemon"
	"a314d/pkg/observability"
)

// run is the main entry point after CLI parsing.
func run(opts Options) int {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		_, _ = os.Stderr.WriteString("failed to load config: " + err.Error() + "\n")
		return 1
	}

	logger, err := observability.SetupLogger(cfg.Log)
	if err != nil {
		_, _ = os.Stderr.WriteString("failed to setup logger: " + err.Error() + "\n")
		return 1
	}
	defer func() { _ = logger.Sync() }()

	zap.L().Info("a314d started")

	servicesPath := cfg.ServicesFile
	if opts.ServicesPath != "" {
		servicesPath = opts.ServicesPath
	}
	onDemand, err := config.LoadServices(servicesPath)
	if err != nil {
		zap.L().Error("failed to load service table", zap.Error(err))
		return 1
	}

	spi, err := bus.OpenSPI(cfg.SPI.Device, cfg.SPI.SpeedHz)
	if err != nil {
		zap.L().Error("failed to open spi device", zap.Error(err))
		return 1
	}
	defer spi.Close()

	d := daemon.New(cfg, spi, onDemand)
	defer d.Close()

	if err := d.Start(); err != nil {
		zap.L().Error("failed to start daemon", zap.Error(err))
		return 1
	}

	if err := d.Run(); err != nil {
		zap.L().Error("daemon terminated", zap.Error(err))
		return 1
	}

	zap.L().Info("a314d exited cleanly")
	return 0
}

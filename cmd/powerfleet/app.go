package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fgeck/powerfleet/internal/config"
	"github.com/fgeck/powerfleet/internal/models"
	"github.com/fgeck/powerfleet/internal/services/auditlog"
	"github.com/fgeck/powerfleet/internal/services/coordinator"
	"github.com/fgeck/powerfleet/internal/services/credentials"
	"github.com/fgeck/powerfleet/internal/services/registry"
	"github.com/rs/zerolog/log"
)

var errConfigRequired = errors.New("config file is required")

// app bundles the services a command needs.
type app struct {
	cfg         *models.FleetConfig
	store       *auditlog.Store
	coordinator *coordinator.Impl
}

func loadConfig() (*models.FleetConfig, error) {
	if configFile == "" {
		log.Error().Msg("config file is required")
		return nil, errConfigRequired
	}

	parser := config.NewParser()
	cfg, err := parser.LoadFile(configFile)
	if err != nil {
		log.Error().Err(err).Str("file", configFile).Msg("failed to load config")
		return nil, err
	}

	log.Debug().
		Str("config", configFile).
		Int("targets", len(cfg.Targets)).
		Msg("configuration loaded")

	return cfg, nil
}

func openApp(ctx context.Context) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	store, err := auditlog.Open(ctx, log.Logger, cfg.Audit.Path)
	if err != nil {
		log.Error().Err(err).Str("path", cfg.Audit.Path).Msg("failed to open audit log")
		return nil, err
	}

	reg, err := registry.New(log.Logger, cfg.Targets)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	coord := coordinator.New(log.Logger, cfg, reg, credentials.New(log.Logger), store)

	return &app{cfg: cfg, store: store, coordinator: coord}, nil
}

// close applies audit retention and releases the store.
func (a *app) close(ctx context.Context) {
	ctx = context.WithoutCancel(ctx)
	if _, err := a.store.Cleanup(ctx, a.cfg.Audit.RetentionDays, a.cfg.Audit.MaxRows); err != nil {
		log.Warn().Err(err).Msg("audit cleanup failed")
	}
	if err := a.store.Close(); err != nil {
		log.Warn().Err(err).Msg("failed to close audit log")
	}
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		select {
		case sig := <-sigChan:
			log.Warn().Str("signal", sig.String()).Msg("received signal, shutting down")
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigChan)
	}()

	return ctx, cancel
}

func fleetIDs(cfg *models.FleetConfig) []string {
	ids := make([]string, len(cfg.Targets))
	for i, t := range cfg.Targets {
		ids[i] = t.ID
	}
	return ids
}

func failedCount(outcomes []models.Outcome) error {
	failed := 0
	for _, o := range outcomes {
		if !o.Succeeded {
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d targets failed", failed, len(outcomes))
	}
	return nil
}

package main

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/technosupport/esimd/internal/clock"
	"github.com/technosupport/esimd/internal/config"
	"github.com/technosupport/esimd/internal/data"
	"github.com/technosupport/esimd/internal/esim"
	"github.com/technosupport/esimd/internal/hermes"
	"github.com/technosupport/esimd/internal/inhibit"
	"github.com/technosupport/esimd/internal/manager"
	"github.com/technosupport/esimd/internal/policy"
	"github.com/technosupport/esimd/internal/policyfile"
	"github.com/technosupport/esimd/internal/shill"
)

// core holds the running eSIM components.
type core struct {
	profiles  *esim.ProfileHandler
	installer *esim.Installer
	policies  *policy.Handler
	manager   *manager.Manager
}

// startCore builds the eSIM components on top of the daemon clients and
// starts their watch loops. store may be nil.
func startCore(ctx context.Context, cfg *config.Config, hc hermes.Client, sc shill.Client, store data.Store, clk clock.Clock, logger *zap.Logger) (*core, error) {
	c := &core{}
	inhibitor := inhibit.New(sc, logger)
	c.profiles = esim.NewProfileHandler(hc, sc, inhibitor, logger, esim.Options{
		SmdsActivationCodes: cfg.SMDS.ActivationCodes,
	})
	if store != nil {
		c.profiles.SetPersistentStore(ctx, store)
		logger.Info("persistent store attached", zap.String("backend", cfg.Store.Backend))
	} else {
		logger.Warn("no persistent store configured, profile cache stays empty")
	}
	if err := c.profiles.Start(ctx); err != nil {
		c.shutdown()
		return nil, fmt.Errorf("start profile handler: %w", err)
	}

	c.installer = esim.NewInstaller(c.profiles)
	c.policies = policy.NewHandler(cfg.Policy.Config, hc, sc, c.profiles, c.installer, clk, logger)
	if err := c.policies.Start(ctx); err != nil {
		c.shutdown()
		return nil, fmt.Errorf("start policy handler: %w", err)
	}

	c.manager = manager.New(hc, c.profiles, c.installer, inhibitor, logger)
	if err := c.manager.Start(ctx); err != nil {
		c.shutdown()
		return nil, fmt.Errorf("start manager: %w", err)
	}

	if cfg.Policy.File != "" {
		watcher := policyfile.New(cfg.Policy.File, c.policies, logger, policyfile.Options{PollInterval: cfg.Policy.PollInterval})
		watcher.Start(ctx)
	}
	return c, nil
}

func (c *core) shutdown() {
	if c.manager != nil {
		c.manager.Shutdown()
	}
	if c.policies != nil {
		c.policies.Shutdown()
	}
	c.profiles.Shutdown()
}

// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package main

import (
	"context"
	"flag"
	"iscsitarget/pkg/api"
	"iscsitarget/pkg/config"
	"iscsitarget/pkg/iscsi_target"
	"iscsitarget/pkg/logger"
	"iscsitarget/pkg/scsi"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)
import _ "net/http/pprof"

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

// configureTargets creates the targets and logical units listed in the
// configuration file.
func configureTargets(driver *iscsi_target.Driver, targets []config.TargetConfig) error {
	log := logger.GetLogger()
	for _, target := range targets {
		if err := driver.AddTarget(target.Name); err != nil {
			return errors.Wrapf(err, "adding target %s", target.Name)
		}
		for _, backing := range target.Luns {
			lunId, err := driver.AddLun(target.Name, backing)
			if err != nil {
				return errors.Wrapf(err, "attaching %s to %s", backing, target.Name)
			}
			log.Infof("target %s: lun %d backed by %s", target.Name, lunId, backing)
		}
	}
	return nil
}

func run(cfg *config.Config) error {
	log := logger.GetLogger()
	if cfg.Debug.PprofAddress != "" {
		go func() {
			err := http.ListenAndServe(cfg.Debug.PprofAddress, nil)
			log.Errorf("pprof server: %v", err)
		}()
	}
	engineParams, err := iscsi_target.EngineParamsFromConfig(cfg)
	if err != nil {
		return err
	}
	events := api.NewEventBroker()
	driver := iscsi_target.NewDriver(
		engineParams,
		iscsi_target.LoginSettingsFromConfig(cfg),
		scsi.NewSCSITargetService(),
		events,
	)
	if err := configureTargets(driver, cfg.ISCSI.Targets); err != nil {
		return err
	}
	driver.Start()
	defer func() {
		if err := driver.Stop(); err != nil {
			log.Error(err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return driver.Serve(groupCtx, cfg.ISCSI.Portals)
	})
	group.Go(func() error {
		return api.NewApiServer(driver, events, cfg.Api.SocketPath).Run(groupCtx)
	})
	err = group.Wait()
	log.Info("shutting down")
	return err
}

func main() {
	configPath := flag.String("config", "", "path to a .toml or .yaml configuration file")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		logger.GetLogger().Error(err)
		os.Exit(1)
	}
	level, err := logger.ParseLevel(cfg.Log.Level)
	if err != nil {
		logger.GetLogger().Error(err)
		os.Exit(1)
	}
	logger.SetLoggingConfig(level)
	logger.SetOutput(os.Stderr, cfg.Log.JSON)

	if err := run(cfg); err != nil {
		logger.GetLogger().Error(err)
		os.Exit(1)
	}
}

// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/

// Command iscsitargetd serves the configured targets over iSCSI and
// accepts administration requests on a unix socket.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/sevlyar/go-daemon"
	"golang.org/x/sync/errgroup"

	"iscsikit/pkg/api"
	"iscsikit/pkg/config"
	"iscsikit/pkg/iscsi_target"
	"iscsikit/pkg/logger"
	"iscsikit/pkg/metrics"
	"iscsikit/pkg/scsi"
)

var (
	configPath  = flag.String("config", "", "path to the YAML configuration file")
	background  = flag.Bool("daemon", false, "detach from the terminal and run in the background")
	pidFile     = flag.String("pidfile", "/tmp/iscsitargetd.pid", "pid file written with -daemon")
	logFile     = flag.String("logfile", "/tmp/iscsitargetd.log", "log file used with -daemon")
	printConfig = flag.Bool("print-config", false, "print the effective configuration and exit")
)

func setupLogging(settings config.LogConfig) error {
	level, err := logger.ParseLevel(settings.Level)
	if err != nil {
		return err
	}
	logger.SetLoggingConfig(level)
	return logger.SetFormat(settings.Format)
}

// newDriver creates the driver with every target and logical unit the
// configuration lists.
func newDriver(settings *config.Config) (*iscsi_target.ISCSITargetDriver, error) {
	options := iscsi_target.DefaultOptions()
	options.Portals = settings.Portals
	options.Negotiation = settings.Negotiation.Settings()
	options.NopInterval = settings.Nop.Interval
	options.NopTimeout = settings.Nop.Timeout
	options.MaxQueueCommands = settings.Session.MaxQueueCommands
	driver := iscsi_target.NewISCSITargetDriver(scsi.NewTargetService(), options)
	for _, target := range settings.Targets {
		if err := driver.NewTarget(target.Name, target.Alias); err != nil {
			return nil, err
		}
		for _, lun := range target.LUNs {
			size, err := lun.SizeBytes()
			if err != nil {
				return nil, err
			}
			if _, err := driver.AddLun(target.Name, lun.Path, size, lun.BlockSize); err != nil {
				return nil, fmt.Errorf("target %s: %w", target.Name, err)
			}
		}
	}
	return driver, nil
}

func run(ctx context.Context, settings *config.Config) error {
	log := logger.GetLogger()
	driver, err := newDriver(settings)
	if err != nil {
		return err
	}
	apiServer := api.NewApiServer(driver, settings.API.Socket)
	group, groupContext := errgroup.WithContext(ctx)
	group.Go(func() error {
		log.Infof("serving iSCSI on %v", settings.Portals)
		return driver.ListenAndServe(groupContext)
	})
	group.Go(func() error {
		return apiServer.Run(groupContext)
	})
	if settings.Metrics.Address != "" {
		group.Go(func() error {
			log.Infof("serving metrics on %s", settings.Metrics.Address)
			return metrics.Serve(groupContext, settings.Metrics.Address)
		})
	}
	err = group.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func fail(err error) {
	_, _ = fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}

func main() {
	flag.Parse()
	path := *configPath
	if path != "" {
		// The daemon changes its working directory.
		absolute, err := filepath.Abs(path)
		if err != nil {
			fail(err)
		}
		path = absolute
	}
	settings, err := config.Load(path)
	if err != nil {
		fail(err)
	}
	if *printConfig {
		dump, err := settings.Dump()
		if err != nil {
			fail(err)
		}
		_, _ = os.Stdout.Write(dump)
		return
	}
	if err := setupLogging(settings.Log); err != nil {
		fail(err)
	}
	if *background {
		daemonContext := &daemon.Context{
			PidFileName: *pidFile,
			PidFilePerm: 0644,
			LogFileName: *logFile,
			LogFilePerm: 0640,
			WorkDir:     "/",
			Umask:       027,
		}
		child, err := daemonContext.Reborn()
		if err != nil {
			fail(fmt.Errorf("daemonize: %w", err))
		}
		if child != nil {
			return
		}
		defer func() {
			_ = daemonContext.Release()
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	log := logger.GetLogger()
	if err := run(ctx, settings); err != nil {
		log.Error(err)
		stop()
		os.Exit(1)
	}
	log.Info("stopped")
}

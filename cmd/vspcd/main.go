// Copyright (c) 2026 Kata Containers Contributors
//
// SPDX-License-Identifier: Apache-2.0
//

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	lSyslog "github.com/sirupsen/logrus/hooks/syslog"
	"github.com/urfave/cli"

	"github.com/kata-containers/vspc/internal/concentrator"
	"github.com/kata-containers/vspc/internal/config"
)

const appName = "vspcd"

// version is populated at build time.
var version = "unknown"

var vspcLog *logrus.Entry

func logger() *logrus.Entry {
	if vspcLog != nil {
		return vspcLog
	}
	return logrus.NewEntry(logrus.StandardLogger())
}

func initLogger(level string, syslogEnabled bool) error {
	vspcLog = logrus.WithFields(logrus.Fields{
		"name":   appName,
		"pid":    os.Getpid(),
		"source": appName,
	})
	vspcLog.Logger.Formatter = &logrus.TextFormatter{TimestampFormat: time.RFC3339Nano}

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return err
	}
	vspcLog.Logger.SetLevel(lvl)

	if syslogEnabled {
		hook, err := lSyslog.NewSyslogHook("", "", 0, appName)
		if err == nil {
			vspcLog.Logger.AddHook(hook)
		} else {
			vspcLog.WithError(err).Warn("failed to attach syslog hook, continuing with text output only")
		}
	}

	return nil
}

func main() {
	app := cli.NewApp()
	app.Name = appName
	app.Usage = "virtual serial port concentrator"
	app.Version = version

	app.Flags = []cli.Flag{
		cli.StringFlag{Name: "config", Usage: "path to a TOML configuration file"},
		cli.StringFlag{Name: "log-level", Value: "", Usage: "debug, info, warn, error, fatal or panic (overrides config)"},
		cli.BoolFlag{Name: "syslog", Usage: "also log to the system logger"},
		cli.StringFlag{Name: "proxy-listen", Usage: "hypervisor-facing listen address (overrides config)"},
		cli.StringFlag{Name: "admin-listen", Usage: "admin protocol listen address (overrides config)"},
		cli.IntFlag{Name: "vm-port-start", Usage: "first per-guest port; 0 disables per-guest ports (overrides config)"},
	}

	app.Action = realMain

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func realMain(cliCtx *cli.Context) error {
	cfg, err := config.Load(cliCtx.String("config"))
	if err != nil {
		return err
	}

	// CLI flags take precedence over both the TOML file and the
	// environment, per SPEC_FULL.md's AMBIENT STACK.
	if v := cliCtx.String("log-level"); v != "" {
		cfg.LogLevel = v
	}
	if v := cliCtx.String("proxy-listen"); v != "" {
		cfg.ProxyListen = v
	}
	if v := cliCtx.String("admin-listen"); v != "" {
		cfg.AdminListen = v
	}
	if cliCtx.IsSet("vm-port-start") {
		v := cliCtx.Int("vm-port-start")
		if v == 0 {
			cfg.VMPortStart = nil
		} else {
			cfg.VMPortStart = &v
		}
	}

	if err := initLogger(cfg.LogLevel, cliCtx.Bool("syslog")); err != nil {
		return fmt.Errorf("invalid log level %q: %w", cfg.LogLevel, err)
	}

	logger().WithFields(logrus.Fields{
		"version":      version,
		"proxy-listen": cfg.ProxyListen,
		"admin-listen": cfg.AdminListen,
		"backend":      cfg.Backend,
	}).Info("starting vspcd")

	c, err := concentrator.New(cfg, logger())
	if err != nil {
		logger().WithError(err).Fatal("failed to build concentrator")
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigc
		logger().WithField("signal", sig).Info("received signal, shutting down")
		cancel()
	}()

	if err := c.Run(ctx); err != nil {
		logger().WithError(err).Error("concentrator exited with error")
		return err
	}
	return nil
}

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/ahrdadan/flowcheck/internal/browser"
	"github.com/ahrdadan/flowcheck/internal/config"
)

// exitError carries a process exit code. quiet errors have already been
// reported on stdout and are not logged again.
type exitError struct {
	code  int
	quiet bool
	err   error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

type rootCommand struct {
	ctx    context.Context
	cfg    *config.Config
	logger *logrus.Logger
	cmd    *cobra.Command

	// launch builds the browser launcher; replaced in tests.
	launch func(ctx context.Context) (browser.Launcher, error)
}

func newRootCommand(ctx context.Context, cfg *config.Config, logger *logrus.Logger) *rootCommand {
	c := &rootCommand{ctx: ctx, cfg: cfg, logger: logger}
	c.launch = c.startBrowser

	c.cmd = &cobra.Command{
		Use:               config.AppName,
		Short:             "browser acceptance checks for web shops",
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: c.persistentPreRunE,
	}
	cfg.BindFlags(c.cmd.PersistentFlags())

	c.cmd.AddCommand(
		c.runCmd(),
		c.serveCmd(),
		c.scenariosCmd(),
		c.versionCmd(),
	)
	return c
}

func (c *rootCommand) persistentPreRunE(cmd *cobra.Command, args []string) error {
	if err := c.cfg.Validate(); err != nil {
		return err
	}
	if err := c.cfg.ConfigureLogger(c.logger); err != nil {
		return err
	}
	c.logger.SetOutput(cmd.ErrOrStderr())
	c.logger.Debugf("%s version: v%s", config.AppName, config.Version)
	return nil
}

// startBrowser builds the configured launcher. A local Chromium without an
// explicit binary is downloaded first.
func (c *rootCommand) startBrowser(ctx context.Context) (browser.Launcher, error) {
	opts := c.cfg.LauncherOptions()
	if opts.Engine == browser.EngineChrome && opts.ChromeBin == "" {
		bin, err := browser.InstallChrome(ctx, c.cfg.ChromeRevision, c.cfg.ChromeDeps, c.logger)
		if err != nil {
			return nil, err
		}
		opts.ChromeBin = bin
	}
	return browser.NewLauncher(opts, c.logger)
}

func (c *rootCommand) execute(args []string, stdout, stderr io.Writer) int {
	c.cmd.SetArgs(args)
	c.cmd.SetOut(stdout)
	c.cmd.SetErr(stderr)
	c.logger.SetOutput(stderr)

	err := c.cmd.ExecuteContext(c.ctx)
	if err == nil {
		return 0
	}

	code := 1
	var ee *exitError
	if errors.As(err, &ee) {
		code = ee.code
		if ee.quiet {
			return code
		}
	}
	c.logger.WithError(err).Error("flowcheck failed")
	return code
}

func execute(ctx context.Context, args []string) int {
	logger := logrus.StandardLogger()
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return newRootCommand(ctx, cfg, logger).execute(args, os.Stdout, os.Stderr)
}

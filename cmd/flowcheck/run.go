package main

import (
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/ahrdadan/flowcheck/internal/metrics"
	"github.com/ahrdadan/flowcheck/internal/scenario"
)

func (c *rootCommand) runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run [scenario...]",
		Short: "Run scenarios once and print the report",
		Long: `Run the named scenarios, or all of them, in order against one browser page.

The exit code is 0 when every scenario passed and 1 when any failed or errored.`,
		Example: `  flowcheck run
  flowcheck run login checkout --base-url https://shop.test/
  flowcheck run sort-name --engine remote --control-url ws://127.0.0.1:9222/devtools/browser/abc`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			scenarios, err := scenario.Lookup(args)
			if err != nil {
				return err
			}
			prof, err := c.cfg.LoadProfile()
			if err != nil {
				return err
			}

			launcher, err := c.launch(ctx)
			if err != nil {
				return fmt.Errorf("browser: %w", err)
			}
			defer func() {
				if err := launcher.Stop(); err != nil {
					c.logger.WithError(err).Warn("failed to stop browser")
				}
			}()

			drv, err := launcher.NewDriver(ctx)
			if err != nil {
				return fmt.Errorf("browser: %w", err)
			}
			defer func() { _ = drv.Close() }()

			c.logger.WithField("profile", prof.Name).WithField("base_url", prof.BaseURL).
				Infof("running %d scenarios", len(scenarios))

			runner := &scenario.Runner{
				Driver:          drv,
				Profile:         prof,
				Options:         c.cfg.ScenarioOptions(c.logger, metrics.New(prometheus.NewRegistry())),
				ScenarioTimeout: c.cfg.ScenarioTimeout,
			}
			report := runner.Run(ctx, scenarios)
			if err := report.WriteText(cmd.OutOrStdout()); err != nil {
				return err
			}
			if !report.OK() {
				return &exitError{code: report.ExitCode(), quiet: true, err: errors.New(report.Summary())}
			}
			return nil
		},
	}
}

package main

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/ahrdadan/flowcheck/internal/api"
	"github.com/ahrdadan/flowcheck/internal/config"
	"github.com/ahrdadan/flowcheck/internal/metrics"
	"github.com/ahrdadan/flowcheck/internal/nats"
	"github.com/ahrdadan/flowcheck/internal/queue"
)

// ackGrace is added to the longest run timeout so JetStream does not
// redeliver a run that is still executing.
const ackGrace = 5 * time.Minute

func (c *rootCommand) serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the run server",
		Long: `Start the HTTP run server. With NATS enabled, runs posted to /flowcheck/runs
are queued on JetStream and executed one at a time, each on a fresh page.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg := c.cfg

			launcher, err := c.launch(ctx)
			if err != nil {
				return fmt.Errorf("browser: %w", err)
			}
			defer func() {
				if err := launcher.Stop(); err != nil {
					c.logger.WithError(err).Warn("failed to stop browser")
				}
			}()
			if s, ok := launcher.(interface{ Start() error }); ok {
				if err := s.Start(); err != nil {
					c.logger.WithError(err).Warn("browser not started, runs will retry it")
				}
			}

			collector := metrics.New(prometheus.DefaultRegisterer)
			deps := api.Deps{
				Browser:  launcher,
				Gatherer: prometheus.DefaultGatherer,
				Logger:   c.logger,
			}

			if cfg.WithNats {
				natsServer, err := nats.NewServer(nats.ServerConfig{
					BinPath:  cfg.NatsBin,
					StoreDir: cfg.NatsStore,
					URL:      cfg.NatsURL,
					AutoDL:   cfg.NatsAutoDL,
					Logger:   c.logger,
				})
				if err != nil {
					return fmt.Errorf("failed to create NATS server: %w", err)
				}
				if err := natsServer.Start(ctx); err != nil {
					return fmt.Errorf("failed to start NATS server: %w", err)
				}
				defer func() { _ = natsServer.Stop() }()

				manager, err := queue.NewManager(natsServer.GetJetStream(), queue.ManagerOptions{
					AckWait:  cfg.MaxRunTimeout + ackGrace,
					Notifier: &queue.Notifier{PublicURL: cfg.PublicURL},
					Logger:   c.logger,
					Metrics:  collector,
				})
				if err != nil {
					return fmt.Errorf("failed to create run queue: %w", err)
				}
				err = manager.Start(&queue.RunProcessor{
					Launcher:        launcher,
					LoadProfile:     cfg.LoadProfile,
					Options:         cfg.ScenarioOptions(c.logger, collector),
					ScenarioTimeout: cfg.ScenarioTimeout,
				})
				if err != nil {
					return fmt.Errorf("failed to start run queue: %w", err)
				}
				defer manager.Stop()

				deps.Runs = manager
				c.logger.WithField("url", cfg.NatsURL).Info("run queue enabled")
			} else {
				c.logger.Warn("run queue disabled, run endpoints answer 503")
			}

			app := api.NewApp(deps, api.RouteConfig{
				Version:           config.Version,
				RateLimitRequests: cfg.RateLimitRequests,
				RateLimitWindow:   cfg.RateLimitWindow,
				PublicURL:         cfg.PublicURL,
				MaxRunTimeout:     cfg.MaxRunTimeout,
				MaxRetries:        cfg.MaxRetries,
				ResultTTL:         cfg.ResultTTL,
			})

			addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
			errCh := make(chan error, 1)
			go func() { errCh <- app.Listen(addr) }()
			c.logger.WithField("addr", addr).WithField("public_url", cfg.PublicURL).Info("server listening")

			select {
			case err := <-errCh:
				return fmt.Errorf("server stopped: %w", err)
			case <-ctx.Done():
				c.logger.Info("shutting down server")
				return app.Shutdown()
			}
		},
	}
	c.cfg.BindServerFlags(cmd.Flags())
	return cmd
}

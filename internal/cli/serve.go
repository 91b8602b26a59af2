package cli

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/smsgate/smsgate/internal/apikey"
	"github.com/smsgate/smsgate/internal/gateway"
	"github.com/smsgate/smsgate/internal/jobs"
	"github.com/smsgate/smsgate/internal/message"
	"github.com/smsgate/smsgate/internal/migrations"
	"github.com/smsgate/smsgate/internal/modem"
	"github.com/smsgate/smsgate/internal/postgres"
	"github.com/smsgate/smsgate/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the SMS gateway",
	Long: `Starts the full gateway: the HTTP API, the outbound send workers,
the inbound inbox poller, the delivery-status reconciler, and the modem
status monitor. Pending migrations are applied on startup.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Logging)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := postgres.NewPool(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer pool.Close()

	runner := migrations.NewRunner(pool, logger)
	if err := runner.Bootstrap(ctx); err != nil {
		return fmt.Errorf("bootstrap migrations: %w", err)
	}
	applied, err := runner.Run(ctx)
	if err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	if len(applied) > 0 {
		logger.Info("applied migrations", "count", len(applied))
	}

	modemClient, err := modem.NewClient(cfg.Modem.BaseURL, logger)
	if err != nil {
		return err
	}

	msgStore := message.NewStore(pool)
	jobStore := jobs.NewStore(pool)
	msgSvc := message.NewService(pool, msgStore, jobStore, logger)

	jobCfg := jobs.DefaultServiceConfig()
	for i := range jobCfg.Queues {
		switch jobCfg.Queues[i].Name {
		case jobs.QueueSMSSend:
			jobCfg.Queues[i].Concurrency = cfg.Queue.SendConcurrency
			jobCfg.Queues[i].RateLimit = cfg.Queue.SendRateLimit
			jobCfg.Queues[i].RatePeriod = cfg.Queue.SendRatePeriodDuration()
		case jobs.QueueSMSStatus:
			jobCfg.Queues[i].Concurrency = cfg.Queue.StatusConcurrency
		}
	}
	jobSvc := jobs.NewService(jobStore, logger, jobCfg)

	sender := gateway.NewSender(modemClient, msgStore, logger)
	reconciler := gateway.NewReconciler(modemClient, msgStore, logger)
	jobSvc.RegisterHandler(jobs.QueueSMSSend, sender.Handle)
	jobSvc.RegisterHandler(jobs.QueueSMSStatus, reconciler.Handle)
	if err := jobSvc.RegisterDefaultSchedules(ctx); err != nil {
		return fmt.Errorf("register schedules: %w", err)
	}

	stateStore := gateway.NewStateStore(pool)
	poller := gateway.NewPoller(modemClient, msgStore, stateStore, logger, cfg.Modem.PollInterval())
	monitor := gateway.NewMonitor(modemClient, jobSvc, logger, cfg.Modem.HealthCheckInterval())

	keySvc := apikey.NewService(pool, logger, cfg.Auth.DefaultRateLimit)
	defer keySvc.Close()
	auth := apikey.NewMiddleware(keySvc, apikey.NewLimiter())

	srv := server.New(cfg, logger, pool, msgSvc, auth, monitor, jobSvc)

	jobSvc.Start(ctx)
	poller.Start(ctx)
	monitor.Start(ctx)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	if err := srv.Shutdown(context.Background()); err != nil {
		logger.Error("server shutdown error", "error", err)
	}
	poller.Stop()
	monitor.Stop()
	jobSvc.Stop()
	return nil
}

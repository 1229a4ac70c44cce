package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/MarkoPoloResearchLab/rewardpool/internal/config"
	"github.com/MarkoPoloResearchLab/rewardpool/internal/grpcserver"
	"github.com/MarkoPoloResearchLab/rewardpool/internal/httpapi"
	"github.com/MarkoPoloResearchLab/rewardpool/internal/logging"
	"github.com/MarkoPoloResearchLab/rewardpool/internal/scheduler"
	"github.com/MarkoPoloResearchLab/rewardpool/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/rewardpool/internal/store/pgstore"
	"github.com/MarkoPoloResearchLab/rewardpool/pkg/ledger"
)

const (
	flagConfig         = "config"
	flagDatabaseURL    = "database-url"
	flagHTTPListenAddr = "http-listen-addr"
	flagGRPCListenAddr = "grpc-listen-addr"
	flagLogLevel       = "log-level"
	flagPeriod         = "period"
	flagCountry        = "country"
	flagRemote         = "remote"

	verifyPageSize  = 500
	shutdownTimeout = 10 * time.Second
)

type application struct {
	settings   *viper.Viper
	configFile string
	config     config.Config
}

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "rewardpoold: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	app := &application{settings: config.NewViper()}
	cmd := &cobra.Command{
		Use:           "rewardpoold",
		Short:         "Region-pooled ad revenue ledger",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return app.loadConfig(cmd)
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&app.configFile, flagConfig, "", "YAML configuration file")
	flags.String(flagDatabaseURL, "", "PostgreSQL URL or sqlite path")
	flags.String(flagHTTPListenAddr, "", "HTTP listen address")
	flags.String(flagGRPCListenAddr, "", "admin gRPC listen address")
	flags.String(flagLogLevel, "", "log level (debug, info, warn, error)")

	cmd.AddCommand(
		app.newServeCommand(),
		app.newMigrateCommand(),
		app.newCloseOutCommand(),
		app.newVerifyCommand(),
	)
	return cmd
}

func (app *application) loadConfig(cmd *cobra.Command) error {
	bindings := map[string]string{
		config.KeyDatabaseURL:    flagDatabaseURL,
		config.KeyHTTPListenAddr: flagHTTPListenAddr,
		config.KeyGRPCListenAddr: flagGRPCListenAddr,
		config.KeyLogLevel:       flagLogLevel,
	}
	for key, flagName := range bindings {
		flag := cmd.Flags().Lookup(flagName)
		if flag == nil || !flag.Changed {
			continue
		}
		if err := app.settings.BindPFlag(key, flag); err != nil {
			return err
		}
	}
	cfg, err := config.Load(app.settings, app.configFile)
	if err != nil {
		return err
	}
	app.config = cfg
	return nil
}

func (app *application) newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, the admin gRPC service and the scheduled jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := app.config.ValidateServe(); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return app.runServer(ctx)
		},
	}
}

func (app *application) newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := logging.New(app.config.LogLevel)
			if err != nil {
				return fmt.Errorf("logger init: %w", err)
			}
			defer func() { _ = logger.Sync() }()
			backend, err := openCore(cmd.Context(), app.config, logger)
			if err != nil {
				return err
			}
			defer backend.close()
			logger.Info("migrations applied", zap.String("driver", backend.driver))
			return nil
		},
	}
}

func (app *application) newCloseOutCommand() *cobra.Command {
	var (
		rawPeriod  string
		rawCountry string
		remote     string
	)
	cmd := &cobra.Command{
		Use:   "closeout",
		Short: "Convert pending points to cash for a period",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			if rawPeriod == "" {
				rawPeriod = ledger.PeriodOf(time.Now().UTC().Unix()).Previous().String()
			}
			request := &grpcserver.CloseOutRequest{Period: rawPeriod, Country: rawCountry}
			var (
				response *grpcserver.CloseOutResponse
				err      error
			)
			if remote != "" {
				response, err = app.closeOutRemote(ctx, remote, request)
			} else {
				response, err = app.closeOutLocal(ctx, request)
			}
			if err != nil {
				return err
			}
			for _, batch := range response.Batches {
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s %s rate=%s users=%d distributed=%d remainder=%d\n",
					batch.Country, batch.Period, batch.Status, batch.Rate, batch.UsersAffected, batch.Distributed, batch.Remainder)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&rawPeriod, flagPeriod, "", "period to close (YYYY-MM, defaults to the previous month)")
	cmd.Flags().StringVar(&rawCountry, flagCountry, "", "single region to close (defaults to every pool of the period)")
	cmd.Flags().StringVar(&remote, flagRemote, "", "admin gRPC address of a running daemon")
	return cmd
}

func (app *application) closeOutRemote(ctx context.Context, target string, request *grpcserver.CloseOutRequest) (*grpcserver.CloseOutResponse, error) {
	client, err := grpcserver.DialAdmin(target, app.config.AdminToken)
	if err != nil {
		return nil, err
	}
	defer func() { _ = client.Close() }()
	return client.CloseOut(ctx, request)
}

func (app *application) closeOutLocal(ctx context.Context, request *grpcserver.CloseOutRequest) (*grpcserver.CloseOutResponse, error) {
	logger, err := logging.New(app.config.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()
	backend, err := openCore(ctx, app.config, logger)
	if err != nil {
		return nil, err
	}
	defer backend.close()
	withdrawals, err := backend.withdrawalProcessor(offlineSink{})
	if err != nil {
		return nil, err
	}
	runner, err := backend.runner(app.config, withdrawals)
	if err != nil {
		return nil, err
	}
	admin, err := grpcserver.NewAdminServer(runner, backend.accountant, backend.ledger, backend.catalog, logger)
	if err != nil {
		return nil, err
	}
	return admin.CloseOut(ctx, request)
}

func (app *application) newVerifyCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Replay every account's entries and compare with stored balances",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := logging.New(app.config.LogLevel)
			if err != nil {
				return fmt.Errorf("logger init: %w", err)
			}
			defer func() { _ = logger.Sync() }()
			backend, err := openCore(cmd.Context(), app.config, logger)
			if err != nil {
				return err
			}
			defer backend.close()
			checked, mismatched, err := verifyAll(cmd.Context(), backend.store, backend.ledger, logger)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "verified %d accounts, %d mismatched\n", checked, mismatched)
			if mismatched > 0 {
				return ledger.ErrLedgerInvariantViolation
			}
			return nil
		},
	}
}

func verifyAll(ctx context.Context, store *gormstore.Store, service *ledger.Service, logger *zap.Logger) (int, int, error) {
	var (
		checked    int
		mismatched int
		afterID    string
	)
	for {
		accountIDs, err := store.ListAccountIDs(ctx, afterID, verifyPageSize)
		if err != nil {
			return checked, mismatched, err
		}
		for _, accountID := range accountIDs {
			checked++
			if _, err := service.VerifyAccount(ctx, accountID); err != nil {
				if !errors.Is(err, ledger.ErrLedgerInvariantViolation) {
					return checked, mismatched, err
				}
				mismatched++
				logger.Error("account does not replay", zap.String("account_id", accountID.String()), zap.Error(err))
			}
			afterID = accountID.String()
		}
		if len(accountIDs) < verifyPageSize {
			return checked, mismatched, nil
		}
	}
}

func (app *application) runServer(ctx context.Context) error {
	logger, err := logging.New(app.config.LogLevel)
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	backend, err := openCore(ctx, app.config, logger)
	if err != nil {
		return err
	}
	defer backend.close()

	edge, err := buildEdge(ctx, app.config, backend, logger)
	if err != nil {
		return err
	}
	defer edge.close(logger)

	if _, err := edge.runner.OpenPeriod(ctx, ledger.PeriodOf(backend.now())); err != nil {
		logger.Warn("opening current period failed", zap.Error(err))
	}
	if app.config.Scheduler.Enabled {
		var schedulerOptions []scheduler.Option
		if backend.driver == gormstore.DriverPostgres {
			lockPool, err := pgstore.Open(ctx, app.config.DatabaseURL)
			if err != nil {
				return fmt.Errorf("job lock pool: %w", err)
			}
			defer lockPool.Close()
			locker, err := pgstore.NewLocker(lockPool, "")
			if err != nil {
				return err
			}
			schedulerOptions = append(schedulerOptions, scheduler.WithJobLock(locker))
		}
		jobs, err := scheduler.New(edge.runner, scheduler.Schedules{
			RollOver:  app.config.Scheduler.RollOver,
			Reconcile: app.config.Scheduler.Reconcile,
		}, logger, schedulerOptions...)
		if err != nil {
			return fmt.Errorf("scheduler init: %w", err)
		}
		jobs.Start()
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			jobs.Stop(stopCtx)
		}()
	}

	handler, err := httpapi.NewHandler(edge.rewards, edge.verifier, backend.store, httpapi.Config{
		ListenAddr:     app.config.HTTPListenAddr,
		AllowedOrigins: app.config.AllowedOrigins,
		AdminToken:     app.config.AdminToken,
		RequestTimeout: app.config.RequestTimeout,
	}, logger)
	if err != nil {
		return err
	}
	admin, err := grpcserver.NewAdminServer(edge.runner, backend.accountant, backend.ledger, backend.catalog, logger)
	if err != nil {
		return err
	}
	listener, err := net.Listen("tcp", app.config.GRPCListenAddr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	grpcServer := grpc.NewServer(grpc.UnaryInterceptor(grpcserver.TokenInterceptor(app.config.AdminToken)))
	grpcserver.Register(grpcServer, admin)

	serveCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	httpErrCh := make(chan error, 1)
	go func() {
		httpErrCh <- handler.Run(serveCtx)
	}()
	grpcErrCh := make(chan error, 1)
	go func() {
		logger.Info("gRPC server starting", zap.String("listen_addr", app.config.GRPCListenAddr))
		grpcErrCh <- grpcServer.Serve(listener)
	}()

	var runErr error
	httpDone := false
	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")
	case err := <-httpErrCh:
		httpDone = true
		runErr = err
	case err := <-grpcErrCh:
		if err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			runErr = err
		}
	}
	cancel()
	grpcServer.GracefulStop()
	if !httpDone {
		if err := <-httpErrCh; err != nil && runErr == nil {
			runErr = err
		}
	}
	return runErr
}

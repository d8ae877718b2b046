// Command dispatcherd runs the dispatcher process: serve starts the HTTP
// API plus its background loops, migrate applies the goose-managed schema,
// and plan drives the Chain-Sync Planner as a one-shot cron invocation.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/spf13/cobra"

	"github.com/cryoforge/dispatcher/internal/async"
	"github.com/cryoforge/dispatcher/internal/capability"
	"github.com/cryoforge/dispatcher/internal/config"
	"github.com/cryoforge/dispatcher/internal/dispatcher"
	"github.com/cryoforge/dispatcher/internal/httpapi"
	"github.com/cryoforge/dispatcher/internal/logging"
	"github.com/cryoforge/dispatcher/internal/planner"
	"github.com/cryoforge/dispatcher/internal/reaper"
	"github.com/cryoforge/dispatcher/internal/relay"
	"github.com/cryoforge/dispatcher/internal/store"
	"github.com/cryoforge/dispatcher/internal/telemetry"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var configPath string

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "dispatcherd",
		Short: "lease-fenced task dispatcher for chain-sync ingestion",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to a dispatcher.yaml config file")
	root.AddCommand(newServeCommand(), newMigrateCommand(), newPlanCommand())
	return root
}

func loadConfig() (config.Config, error) {
	return config.Load(configPath)
}

func newLogger(cfg config.Config) logging.Logger {
	format := logging.FormatText
	if cfg.Log.Format == "json" {
		format = logging.FormatJSON
	}
	return logging.New(os.Stdout, logging.NewLevelFromConfig(cfg.Log.Level), format)
}

func connectPool(ctx context.Context, cfg config.Database) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse database dsn: %w", err)
	}
	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.MinConns = cfg.MinConns
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	return pool, nil
}

func newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "apply pending goose migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			pool, err := connectPool(ctx, cfg.Database)
			if err != nil {
				return err
			}
			defer pool.Close()

			db, err := goose.OpenDBWithDriver("pgx", cfg.Database.DSN)
			if err != nil {
				return fmt.Errorf("open migration connection: %w", err)
			}
			defer db.Close()

			if err := goose.SetDialect("postgres"); err != nil {
				return fmt.Errorf("set goose dialect: %w", err)
			}
			return goose.Up(db, "migrations")
		},
	}
}

func newPlanCommand() *cobra.Command {
	var chainID int64
	var fromBlock, toBlock, chunkSize uint64
	var maxInflight int
	var configHash string

	cmd := &cobra.Command{
		Use:   "plan",
		Short: "run one Chain-Sync Planner pass for a chain",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := newLogger(cfg)
			ctx := cmd.Context()

			pool, err := connectPool(ctx, cfg.Database)
			if err != nil {
				return err
			}
			defer pool.Close()

			st := store.New(pool, logger)
			cs := store.NewChainSyncStore(st)
			p := planner.New(cs, cfg.Dispatcher.WakeupQueue, logger)

			result, err := p.Plan(ctx, planner.Request{
				ChainID: chainID, FromBlock: fromBlock, ToBlock: toBlock,
				ChunkSize: chunkSize, MaxInflight: maxInflight, ConfigHash: configHash,
			})
			if err != nil {
				return err
			}
			logger.Info("chain-sync plan scheduled %d range(s), next_block=%d", result.ScheduledRanges, result.NextBlock)
			return nil
		},
	}
	cmd.Flags().Int64Var(&chainID, "chain-id", 0, "chain identifier")
	cmd.Flags().Uint64Var(&fromBlock, "from-block", 0, "lower bound; the chain cursor is raised to it when behind")
	cmd.Flags().Uint64Var(&toBlock, "to-block", 0, "exclusive upper bound of blocks to schedule")
	cmd.Flags().Uint64Var(&chunkSize, "chunk-size", 1000, "blocks per scheduled range")
	cmd.Flags().IntVar(&maxInflight, "max-inflight", 10, "in-flight range budget for this chain")
	cmd.Flags().StringVar(&configHash, "config-hash", "", "ingest config hash stamped onto scheduled tasks")
	return cmd
}

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "run the HTTP API and background loops",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve()
		},
	}
}

func serve() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	providers, err := telemetry.Setup(ctx, telemetry.Config{
		OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
		ServiceName:  cfg.Telemetry.ServiceName,
	})
	if err != nil {
		return fmt.Errorf("set up telemetry: %w", err)
	}
	defer providers.Shutdown(context.Background())

	pool, err := connectPool(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer pool.Close()

	st := store.New(pool, logger)
	if err := st.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("ensure dispatcher schema: %w", err)
	}

	taskStore := store.NewTaskStore(st, cfg.Dispatcher.LeaseDuration())
	queue := store.NewPostgresQueue(st)
	chainSyncStore := store.NewChainSyncStore(st)

	capCfg := capability.Config{
		Issuer: cfg.Capability.Issuer, Audience: cfg.Capability.Audience,
		Current: capability.Key{KID: cfg.Capability.CurrentKID, Secret: []byte(cfg.Capability.CurrentSecret)},
		TTL:     cfg.Capability.TTL,
	}
	if cfg.Capability.NextKID != "" {
		capCfg.Next = &capability.Key{KID: cfg.Capability.NextKID, Secret: []byte(cfg.Capability.NextSecret)}
	}
	issuer := capability.NewIssuer(capCfg)
	verifier := capability.NewVerifier(capCfg)

	d := dispatcher.New(dispatcher.Config{
		OrgID:                  cfg.OrgID,
		BufferTopic:            cfg.Dispatcher.BufferQueue,
		WakeupTopic:            cfg.Dispatcher.WakeupQueue,
		DefaultGrants:          capability.Grants{Datasets: cfg.Dispatcher.DefaultDatasets, Storage: cfg.Dispatcher.DefaultS3Prefixes},
		AllowAutoCreateOnClaim: cfg.Dispatcher.AllowAutoCreateOnClaim,
	}, taskStore, issuer, verifier, logger)

	p := planner.New(chainSyncStore, cfg.Dispatcher.WakeupQueue, logger)

	r := relay.New(st, queue, relay.Config{
		PollInterval: cfg.Relay.PollInterval(), BatchSize: cfg.Relay.BatchSize,
	}, logger)
	rp := reaper.New(st, reaper.Config{
		PollInterval: cfg.Reaper.PollInterval(), BatchSize: cfg.Reaper.BatchSize, WakeupTopic: cfg.Dispatcher.WakeupQueue,
	}, logger)
	async.Go(logger, "relay", func() { r.Run(ctx) })
	async.Go(logger, "reaper", func() { rp.Run(ctx) })

	router := httpapi.NewRouter(httpapi.Deps{
		Dispatcher: d, Planner: p, Pinger: st, Logger: logger, Metrics: providers.Registry,
	})

	srv := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      router,
		ReadTimeout:  cfg.HTTP.ReadTimeout(),
		WriteTimeout: cfg.HTTP.WriteTimeout(),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("dispatcher listening on %s", cfg.HTTP.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownGrace())
	defer cancel()
	logger.Info("shutting down")
	return srv.Shutdown(shutdownCtx)
}

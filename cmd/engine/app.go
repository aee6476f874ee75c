package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"contractflow/config"
	"contractflow/db"
	"contractflow/dispatch"
	"contractflow/logging"
	"contractflow/telemetry"
)

// Version is set at build time.
var Version = "dev"

// App is the engine command line.
type App struct {
	root       *cobra.Command
	stdout     io.Writer
	configPath string
}

func newApp() *App {
	app := &App{stdout: os.Stdout}

	app.root = &cobra.Command{
		Use:   "engine",
		Short: "Contract workflow engine",
		Long: `engine runs the contract workflow: it migrates the database, delivers
side effects spawned by contract transitions and reports what each
contract is waiting on.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := app.config()
			if err != nil {
				return err
			}
			logging.Init(cfg.Logging())
			return nil
		},
	}
	app.root.PersistentFlags().StringVarP(&app.configPath, "config", "c", os.Getenv("CONTRACTFLOW_CONFIG"), "path to the YAML configuration")

	app.root.AddCommand(
		app.newMigrateCmd(),
		app.newWorkerCmd(),
		app.newStatusCmd(),
		app.newRetryDueCmd(),
		app.newRollbackCmd(),
		app.newDemoCmd(),
	)
	return app
}

// WithOutput redirects command output.
func (a *App) WithOutput(stdout, stderr io.Writer) *App {
	a.stdout = stdout
	a.root.SetOut(stdout)
	a.root.SetErr(stderr)
	return a
}

// Execute runs the command line until it finishes or a signal arrives.
func (a *App) Execute(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	return a.root.ExecuteContext(ctx)
}

func (a *App) ExecuteWithArgs(ctx context.Context, args []string) error {
	a.root.SetArgs(args)
	return a.Execute(ctx)
}

func (a *App) config() (config.Config, error) {
	if a.configPath == "" {
		cfg := config.Default()
		if url := os.Getenv("DATABASE_URL"); url != "" {
			cfg.Database.URL = url
		}
		return cfg, nil
	}
	return config.Load(a.configPath)
}

func (a *App) pool(ctx context.Context, cfg config.Config) (*pgxpool.Pool, error) {
	if cfg.Database.URL == "" {
		return nil, fmt.Errorf("database url is not configured; set database.url or DATABASE_URL")
	}
	return db.NewPool(ctx, cfg.Database.URL, db.WithMaxConns(cfg.Database.MaxConns))
}

// dispatcher wires the Postgres event store, the optional Redis result
// cache and the HTTP transport. The returned func releases the cache client.
func (a *App) dispatcher(ctx context.Context, cfg config.Config, pool *pgxpool.Pool) (*dispatch.Dispatcher, func(), error) {
	registry, err := cfg.Registry()
	if err != nil {
		return nil, nil, err
	}
	metrics, err := telemetry.NewMetrics(Version)
	if err != nil {
		return nil, nil, fmt.Errorf("init metrics: %w", err)
	}

	opts := append(cfg.DispatcherOptions(), dispatch.WithMetrics(metrics))
	closer := func() {}
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("connect redis %s: %w", cfg.Redis.Addr, err)
		}
		opts = append(opts, dispatch.WithResultCache(dispatch.NewRedisCache(client, cfg.Redis.KeyPrefix, cfg.Redis.TTL)))
		closer = func() { _ = client.Close() }
	}

	transport := dispatch.NewHTTPTransport(cfg.HTTP(), nil)
	return dispatch.NewDispatcher(dispatch.NewRepository(pool), registry, transport, opts...), closer, nil
}

func (a *App) printJSON(v any) error {
	enc := json.NewEncoder(a.stdout)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	return enc.Encode(v)
}

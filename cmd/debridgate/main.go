// Command debridgate runs the admin daemon around the shared request
// scheduler: it loads saved per-provider limits, serves the stats/config
// API, the Prometheus endpoint and the websocket stats stream.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/lkozma/debridgate/scheduler"
	"github.com/lkozma/debridgate/store"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()
	cmd := &cobra.Command{
		Use:           "debridgate",
		Short:         "Rate-limiting gateway for debrid provider APIs",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(v)
		},
	}

	flags := cmd.Flags()
	flags.String("listen", ":8080", "admin API listen address")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	flags.String("config", "", "config file (yaml)")
	flags.String("postgres-dsn", "", "Postgres DSN for the limit config store")
	flags.String("redis-addr", "", "Redis address for the limit config store")
	flags.String("redis-password", "", "Redis password")
	flags.Int("redis-db", 0, "Redis database number")

	v.BindPFlags(flags)
	v.SetEnvPrefix("DEBRIDGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	return cmd
}

func run(v *viper.Viper) error {
	if cfgFile := v.GetString("config"); cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config: %w", err)
		}
	}

	logger, err := buildLogger(v.GetString("log-level"))
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfgStore, err := openConfigStore(ctx, v, logger)
	if err != nil {
		return fmt.Errorf("open config store: %w", err)
	}
	defer cfgStore.Close()

	sched := scheduler.New(scheduler.WithLogger(logger))

	saved, err := cfgStore.Load(ctx)
	if err != nil {
		return fmt.Errorf("load saved limits: %w", err)
	}
	for name, cfg := range saved {
		sched.RegisterService(name, cfg)
		logger.Info("loaded saved limits",
			zap.String("service", name),
			zap.Float64("max_requests_per_minute", cfg.MaxRequestsPerMinute),
			zap.Int("max_concurrent", cfg.MaxConcurrent))
	}

	hub := newStatsHub(sched, logger)
	go hub.run(ctx)

	api := newAPI(sched, cfgStore, logger)
	srv := &http.Server{
		Addr:              v.GetString("listen"),
		Handler:           api.routes(hub),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	logger.Info("debridgate listening", zap.String("addr", srv.Addr))

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func buildLogger(level string) (*zap.Logger, error) {
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, fmt.Errorf("parse log level: %w", err)
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = lvl
	return cfg.Build()
}

// openConfigStore picks the limit persistence backend: Postgres when a DSN
// is set, else Redis when an address is set, else process memory.
func openConfigStore(ctx context.Context, v *viper.Viper, logger *zap.Logger) (store.ConfigStore, error) {
	if dsn := v.GetString("postgres-dsn"); dsn != "" {
		logger.Info("using postgres config store")
		return store.NewPostgresStore(ctx, dsn)
	}
	if addr := v.GetString("redis-addr"); addr != "" {
		logger.Info("using redis config store", zap.String("addr", addr))
		return store.NewRedisStore(addr, v.GetString("redis-password"), v.GetInt("redis-db"))
	}
	logger.Info("using in-memory config store; limit changes will not survive restarts")
	return store.NewMemoryStore(), nil
}

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	redis "github.com/redis/go-redis/v9"

	"reliefdispatch/internal/api"
	"reliefdispatch/internal/buildinfo"
	"reliefdispatch/internal/config"
	"reliefdispatch/internal/events"
	"reliefdispatch/internal/logging"
	"reliefdispatch/internal/metrics"
	"reliefdispatch/internal/opt"
	"reliefdispatch/internal/service"
	"reliefdispatch/internal/store"
	"reliefdispatch/internal/webhooks"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.Setup(cfg.Log)
	metrics.RegisterDefault()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server exited", "err", err)
		os.Exit(1)
	}
}

// backends bundles the stores selected by configuration.
type backends struct {
	inventory store.Inventory
	cache     store.ResultCache
	hooks     store.Webhooks
	redis     *redis.Client // shared with the redis broker when set
	closers   []io.Closer
}

func (b *backends) Close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		_ = b.closers[i].Close()
	}
}

func openBackends(ctx context.Context, cfg config.Config, logger *slog.Logger) (*backends, error) {
	b := &backends{}
	switch cfg.Store.Driver {
	case "memory":
		mem := store.NewMemory()
		b.inventory, b.cache, b.hooks = mem, mem, mem
	case "redis":
		rdb, err := newRedisClient(cfg.Redis)
		if err != nil {
			return nil, err
		}
		r := store.NewRedis(rdb)
		b.inventory, b.cache, b.redis = r, r, rdb
		b.closers = append(b.closers, r)
		// Redis has no delivery queue; subscriptions and deliveries stay in process.
		b.hooks = store.NewMemory()
		logger.Warn("webhook subscriptions are kept in memory with the redis store")
	case "postgres", "sqlite":
		var (
			s   *store.SQL
			err error
		)
		if cfg.Store.Driver == "postgres" {
			s, err = store.NewPostgres(ctx, cfg.Store.DatabaseURL)
		} else {
			s, err = store.NewSQLite(ctx, cfg.Store.SQLitePath)
		}
		if err != nil {
			return nil, err
		}
		b.closers = append(b.closers, s)
		if cfg.Store.Migrate {
			if err := s.Migrate(ctx); err != nil {
				b.Close()
				return nil, fmt.Errorf("migrate: %w", err)
			}
		}
		b.inventory, b.cache, b.hooks = s, s, s
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
	return b, nil
}

func newRedisClient(rc config.RedisConfig) (*redis.Client, error) {
	opts, err := rc.ClientOptions()
	if err != nil {
		return nil, fmt.Errorf("redis options: %w", err)
	}
	return redis.NewClient(opts), nil
}

func openBroker(cfg config.Config, b *backends) (events.Broker, func(), error) {
	switch cfg.Broker.Driver {
	case "redis":
		rdb := b.redis
		closer := func() {}
		if rdb == nil {
			c, err := newRedisClient(cfg.Redis)
			if err != nil {
				return nil, nil, err
			}
			rdb, closer = c, func() { _ = c.Close() }
		}
		return events.NewRedis(rdb), closer, nil
	case "nats":
		nc, err := events.ConnectNATS(cfg.Broker.NATSURL)
		if err != nil {
			return nil, nil, fmt.Errorf("nats: %w", err)
		}
		return events.NewNATS(nc), func() { _ = nc.Drain() }, nil
	default:
		return events.NewMemory(), func() {}, nil
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	b, err := openBackends(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer b.Close()

	broker, closeBroker, err := openBroker(cfg, b)
	if err != nil {
		return err
	}
	defer closeBroker()

	mode, err := opt.ParseMode(cfg.Assignments.Mode)
	if err != nil {
		return err
	}
	svc := service.NewAssignments(b.inventory, b.cache)
	svc.TTL = cfg.Assignments.CacheTTL
	svc.Mode = mode
	svc.Log = logger
	svc.Events = broker
	svc.Notifier = webhooks.NewPublisher(b.hooks)

	worker := webhooks.NewWorker(b.hooks, cfg.Webhooks.MaxAttempts, cfg.Webhooks.PollInterval, cfg.Webhooks.Timeout)
	worker.Log = logger
	worker.Start()
	defer worker.Stop()

	srv := api.NewServer(cfg, svc, b.hooks, broker)
	srv.Log = logger
	httpSrv := &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Server.Port),
		Handler:           srv.Handler(),
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
	}
	httpSrv.RegisterOnShutdown(srv.CloseStreams)

	errCh := make(chan error, 1)
	go func() {
		info := buildinfo.Info()
		logger.Info("API listening", "addr", httpSrv.Addr, "store", cfg.Store.Driver, "broker", cfg.Broker.Driver,
			"auth", cfg.Auth.Mode, "version", info["version"])
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout(cfg))
	defer cancel()
	return httpSrv.Shutdown(shutdownCtx)
}

func shutdownTimeout(cfg config.Config) time.Duration {
	if cfg.Server.ShutdownTimeout > 0 {
		return cfg.Server.ShutdownTimeout
	}
	return 10 * time.Second
}

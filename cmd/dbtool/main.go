// Command dbtool prepares a persistent inventory backend: it applies SQL migrations and seeds
// areas and trucks from JSON files shaped like the registration request bodies.
//
//	dbtool migrate
//	dbtool seed -areas data/areas.json -trucks data/trucks.json
//
// The backend is chosen the same way as the API server (STORE_DRIVER, DATABASE_URL, SQLITE_PATH,
// REDIS_URL, CONFIG_FILE).
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"

	"reliefdispatch/internal/api"
	"reliefdispatch/internal/config"
	"reliefdispatch/internal/logging"
	"reliefdispatch/internal/store"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	cfg.Log.Format = "text"
	logger := logging.Setup(cfg.Log)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	cmd, args := os.Args[1], os.Args[2:]
	switch cmd {
	case "migrate":
		err = migrateCmd(ctx, cfg, logger)
	case "seed":
		err = seedCmd(ctx, cfg, logger, args)
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		logger.Error(cmd+" failed", "err", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: dbtool migrate | dbtool seed [-areas file] [-trucks file] [-migrate]")
}

// inventory opens the configured backend. The returned closer releases it.
func inventory(ctx context.Context, cfg config.Config) (store.Inventory, *store.SQL, io.Closer, error) {
	switch cfg.Store.Driver {
	case "postgres":
		s, err := store.NewPostgres(ctx, cfg.Store.DatabaseURL)
		return s, s, s, err
	case "sqlite":
		s, err := store.NewSQLite(ctx, cfg.Store.SQLitePath)
		return s, s, s, err
	case "redis":
		opts, err := cfg.Redis.ClientOptions()
		if err != nil {
			return nil, nil, nil, err
		}
		r := store.NewRedis(redis.NewClient(opts))
		return r, nil, r, nil
	default:
		return nil, nil, nil, fmt.Errorf("store driver %q is not persistent; set DATABASE_URL, SQLITE_PATH or REDIS_URL", cfg.Store.Driver)
	}
}

func migrateCmd(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	_, sqlStore, closer, err := inventory(ctx, cfg)
	if err != nil {
		return err
	}
	defer closer.Close()
	if sqlStore == nil {
		logger.Info("nothing to migrate", "driver", cfg.Store.Driver)
		return nil
	}
	logger.Info("applying migrations", "driver", sqlStore.Driver())
	if err := sqlStore.Migrate(ctx); err != nil {
		return err
	}
	logger.Info("schema ready")
	return nil
}

func seedCmd(ctx context.Context, cfg config.Config, logger *slog.Logger, args []string) error {
	fs := flag.NewFlagSet("seed", flag.ExitOnError)
	areasPath := fs.String("areas", "", "JSON file holding an array of areas")
	trucksPath := fs.String("trucks", "", "JSON file holding an array of trucks")
	migrate := fs.Bool("migrate", true, "apply SQL migrations before seeding")
	_ = fs.Parse(args)
	if strings.TrimSpace(*areasPath) == "" && strings.TrimSpace(*trucksPath) == "" {
		return fmt.Errorf("nothing to seed: pass -areas and/or -trucks")
	}

	inv, sqlStore, closer, err := inventory(ctx, cfg)
	if err != nil {
		return err
	}
	defer closer.Close()
	if sqlStore != nil && *migrate {
		if err := sqlStore.Migrate(ctx); err != nil {
			return err
		}
	}
	return seed(ctx, inv, logger, *areasPath, *trucksPath)
}

// seed validates both files before writing either, so a bad file leaves the backend untouched.
func seed(ctx context.Context, inv store.Inventory, logger *slog.Logger, areasPath, trucksPath string) error {
	var (
		areasRaw, trucksRaw []byte
		err                 error
	)
	if areasPath != "" {
		if areasRaw, err = os.ReadFile(areasPath); err != nil {
			return err
		}
	}
	if trucksPath != "" {
		if trucksRaw, err = os.ReadFile(trucksPath); err != nil {
			return err
		}
	}
	areas, err := parseIf(areasRaw, api.ParseAreas)
	if err != nil {
		return fmt.Errorf("%s: %w", areasPath, err)
	}
	trucks, err := parseIf(trucksRaw, api.ParseTrucks)
	if err != nil {
		return fmt.Errorf("%s: %w", trucksPath, err)
	}

	if len(areas) > 0 {
		if err := inv.UpsertAreas(ctx, areas); err != nil {
			return fmt.Errorf("seed areas: %w", err)
		}
		logger.Info("seeded areas", "count", len(areas))
	}
	if len(trucks) > 0 {
		if err := inv.UpsertTrucks(ctx, trucks); err != nil {
			return fmt.Errorf("seed trucks: %w", err)
		}
		logger.Info("seeded trucks", "count", len(trucks))
	}
	return nil
}

func parseIf[T any](raw []byte, parse func([]byte) ([]T, error)) ([]T, error) {
	if raw == nil {
		return nil, nil
	}
	return parse(raw)
}

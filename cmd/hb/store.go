package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/homeboard/homeboard/internal/chore"
	"github.com/homeboard/homeboard/internal/config"
	"github.com/homeboard/homeboard/internal/docstore"
	"github.com/homeboard/homeboard/internal/docstore/filestore"
	"github.com/homeboard/homeboard/internal/docstore/pgstore"
	"github.com/homeboard/homeboard/internal/docstore/remote"
	"github.com/homeboard/homeboard/internal/docstore/sqlitestore"
	"github.com/homeboard/homeboard/internal/syncengine"
)

// openStore opens the store selected by store.driver.
func openStore(ctx context.Context) (docstore.Store, error) {
	switch cfg.Store.Driver {
	case config.DriverMemory:
		return docstore.NewMemoryStore(), nil
	case config.DriverSQLite:
		s, err := sqlitestore.OpenContext(ctx, cfg.Store.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite store: %w", err)
		}
		return s, nil
	case config.DriverFile:
		s, err := filestore.Open(cfg.Store.Path, logs.For("filestore"))
		if err != nil {
			return nil, fmt.Errorf("failed to open file store: %w", err)
		}
		return s, nil
	case config.DriverPostgres:
		s, err := pgstore.Open(ctx, cfg.Store.DSN, logs.For("pgstore"))
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres store: %w", err)
		}
		return s, nil
	case config.DriverRemote:
		s, err := remote.New(cfg.Store.URL, &remote.Config{
			MaxAttempts: cfg.Store.MaxAttempts,
			Logger:      logs.For("remote"),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to connect to %s: %w", cfg.Store.URL, err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

// withStore opens the store for the duration of fn.
func withStore(cmd *cobra.Command, fn func(ctx context.Context, store docstore.Store) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	store, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(ctx, store)
}

func calculator() (chore.Calculator, error) {
	return cfg.Calculator()
}

// engineConfig returns sync engine settings for the CLI. onConflict may be
// nil.
func engineConfig(onConflict func(error)) *syncengine.Config {
	return &syncengine.Config{
		Debounce:   cfg.Debounce(),
		ClientID:   cfg.Sync.ClientID,
		Logger:     logs.For("engine"),
		OnConflict: onConflict,
	}
}

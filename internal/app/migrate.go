package app

import (
	"context"
	"errors"
	"fmt"

	"fxwatch/internal/storage"
)

// Migrate applies the embedded schema migrations to the configured database.
func (a *App) Migrate(ctx context.Context) error {
	if a.Config.Database.DSN == "" {
		return errors.New("database.dsn not configured; nothing to migrate")
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return err
	}
	store := storage.NewStore(pool)
	defer store.Close()

	version, err := store.Migrate()
	if err != nil {
		return err
	}
	fmt.Fprintf(a.Out, "schema version: %d\n", version)
	return nil
}

package commands

import (
	"context"
	"fmt"

	"deskline/api/internal/store"
)

type MigrateCmd struct {
	Down bool `help:"Roll back every migration instead of applying pending ones."`
}

func (c *MigrateCmd) Run(ctx context.Context, globals *Globals) error {
	cfg, log, err := setup(globals)
	if err != nil {
		return err
	}

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	if c.Down {
		if err := store.RollbackMigrations(ctx, db); err != nil {
			return fmt.Errorf("rollback migrations: %w", err)
		}
		log.Info().Msg("migrations rolled back")
		return nil
	}
	if err := store.ApplyMigrations(ctx, db); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	log.Info().Msg("migrations applied")
	return nil
}

package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ahrav/harvester/internal/infra/storage"
)

func newMigrateCommand(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply or roll back the postgres schema.",
	}

	for _, m := range []struct {
		use, short string
		dir        storage.Direction
	}{
		{"up", "Apply all pending migrations.", storage.Up},
		{"down", "Roll back every migration.", storage.Down},
	} {
		cmd.AddCommand(&cobra.Command{
			Use:   m.use,
			Short: m.short,
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withDeps(cmd.Context(), v, func(ctx context.Context, d *deps) error {
					return migrate(ctx, d, m.dir)
				})
			},
		})
	}
	return cmd
}

func migrate(ctx context.Context, d *deps, dir storage.Direction) error {
	// The pool is opened without MigrateOnStart so "down" is not preceded by
	// an implicit "up".
	if d.cfg.Store.Postgres != nil {
		pg := *d.cfg.Store.Postgres
		pg.MigrateOnStart = false
		d.cfg.Store.Postgres = &pg
	}
	pool, err := d.postgresPool(ctx)
	if err != nil {
		return err
	}
	if err := storage.Migrate(pool, d.migrationsDir, dir); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}
	d.log.Info(ctx, "migrations complete", "dir", d.migrationsDir, "direction", dir.String())
	return nil
}

package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/jackc/pgx/v5/stdlib" // pgx database/sql driver for migrate.
	"github.com/pressly/goose/v3"
	"github.com/spf13/cobra"

	"localbuzz/internal/config"
	"localbuzz/internal/kv"
	"localbuzz/internal/model"
	"localbuzz/migrations"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the matching loop and the HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), serve)
		},
	}
}

func passCmd() *cobra.Command {
	var lat, lon float64
	cmd := &cobra.Command{
		Use:   "pass",
		Short: "Run a single matching pass and print its result",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				if cmd.Flags().Changed("lat") || cmd.Flags().Changed("lon") {
					if a.manual == nil {
						return errors.New("--lat/--lon cannot override HOME_LATITUDE/HOME_LONGITUDE")
					}
					if err := a.manual.Set(model.Coordinate{Latitude: lat, Longitude: lon}); err != nil {
						return err
					}
				}
				if _, err := a.location.Request(ctx); err != nil {
					return fmt.Errorf("resolve location: %w", err)
				}
				a.restore(ctx)

				res, err := a.sched.RunPass(ctx)
				if err != nil {
					return err
				}
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(res)
			})
		},
	}
	cmd.Flags().Float64Var(&lat, "lat", 0, "Reference latitude")
	cmd.Flags().Float64Var(&lon, "lon", 0, "Reference longitude")
	return cmd
}

// withApp loads the configuration, wires the application and runs fn until
// it returns or the process is interrupted.
func withApp(parent context.Context, fn func(context.Context, *app) error) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	log := newLogger(cfg.LogLevel)

	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := newApp(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.close()

	return fn(ctx, a)
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the database schema",
	}

	commands := []struct {
		use, short string
		run        func(db *sql.DB) error
	}{
		{"up", "Migrate to the latest version", func(db *sql.DB) error { return goose.Up(db, ".") }},
		{"up-one", "Migrate one version up", func(db *sql.DB) error { return goose.UpByOne(db, ".") }},
		{"down", "Roll back one version", func(db *sql.DB) error { return goose.Down(db, ".") }},
		{"status", "Show migration status", func(db *sql.DB) error { return goose.Status(db, ".") }},
		{"version", "Show current version", func(db *sql.DB) error { return goose.Version(db, ".") }},
		{"reset", "Roll back all migrations", func(db *sql.DB) error { return goose.Reset(db, ".") }},
	}
	for _, c := range commands {
		cmd.AddCommand(&cobra.Command{
			Use:   c.use,
			Short: c.short,
			Args:  cobra.NoArgs,
			RunE: func(*cobra.Command, []string) error {
				return runMigration(c.use, c.run)
			},
		})
	}
	return cmd
}

func runMigration(name string, run func(*sql.DB) error) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	driver, dialect := "sqlite", migrations.DialectSQLite
	if cfg.DatabaseDriver == kv.DriverPostgres {
		driver, dialect = "pgx", migrations.DialectPostgres
	}

	db, err := sql.Open(driver, cfg.DSN())
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer func() { _ = db.Close() }()

	if err := migrations.Setup(dialect); err != nil {
		return err
	}
	if err := run(db); err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}

package cli

import (
	"errors"
	"fmt"
	"io"

	"github.com/golang-migrate/migrate/v4"
	"github.com/spf13/cobra"

	"github.com/HammerMeetNail/slotswap/internal/config"
)

type migrateResult struct {
	Database string `json:"database" yaml:"database"`
	Action   string `json:"action" yaml:"action"`
	Version  uint   `json:"version" yaml:"version"`
	Applied  bool   `json:"applied" yaml:"applied"`
	Dirty    bool   `json:"dirty" yaml:"dirty"`
}

func (r *migrateResult) renderText(w io.Writer) error {
	if !r.Applied {
		_, err := fmt.Fprintf(w, "%s %s: no migrations applied\n", r.Database, r.Action)
		return err
	}
	state := "clean"
	if r.Dirty {
		state = "dirty"
	}
	_, err := fmt.Fprintf(w, "%s %s: version %d (%s)\n", r.Database, r.Action, r.Version, state)
	return err
}

type migrateOptions struct {
	root     *RootOptions
	database string
	steps    int
}

func newMigrateCommand(root *RootOptions) *cobra.Command {
	opts := &migrateOptions{root: root}

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply or roll back schema migrations",
	}
	cmd.PersistentFlags().StringVar(&opts.database, "database", config.DriverPostgres, "database to migrate (postgres|sqlite)")

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(cmd, "up", func(m Migrator) error { return m.Up() })
		},
	})

	down := &cobra.Command{
		Use:   "down",
		Short: "Roll back migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.steps < 1 {
				return commandError("--steps must be at least 1", nil)
			}
			return opts.run(cmd, "down", func(m Migrator) error { return m.Steps(-opts.steps) })
		},
	}
	down.Flags().IntVar(&opts.steps, "steps", 1, "number of migrations to roll back")
	cmd.AddCommand(down)

	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the current schema version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(cmd, "version", nil)
		},
	})

	return cmd
}

func (o *migrateOptions) run(cmd *cobra.Command, action string, apply func(Migrator) error) error {
	if o.database != config.DriverPostgres && o.database != config.DriverSQLite {
		return commandError(fmt.Sprintf("invalid database %q: must be postgres or sqlite", o.database), nil)
	}

	out := o.root.formatter(cmd)
	cfg, err := o.root.deps.LoadConfig()
	if err != nil {
		return commandError("loading configuration", err)
	}

	m, err := o.root.deps.OpenMigrator(cfg, o.database)
	if err != nil {
		return commandError("opening migrator", err)
	}
	defer m.Close()

	if apply != nil {
		out.VerboseLog("running migrate %s on %s", action, o.database)
		if err := apply(m); err != nil {
			return commandError("migrate "+action, err)
		}
	}

	result := &migrateResult{Database: o.database, Action: action}
	version, dirty, err := m.Version()
	switch {
	case errors.Is(err, migrate.ErrNilVersion):
	case err != nil:
		return commandError("reading schema version", err)
	default:
		result.Version, result.Dirty, result.Applied = version, dirty, true
	}

	return out.Write(result)
}

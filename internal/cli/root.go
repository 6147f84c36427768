// Package cli implements swapctl, the operator tool for schema migrations and
// swap state reconciliation.
package cli

import (
	"context"
	"fmt"
	"slices"

	"github.com/spf13/cobra"

	"github.com/HammerMeetNail/slotswap/internal/config"
	"github.com/HammerMeetNail/slotswap/internal/database"
	"github.com/HammerMeetNail/slotswap/internal/logging"
	"github.com/HammerMeetNail/slotswap/internal/store"
)

// ValidFormats lists the values accepted by --format.
var ValidFormats = []string{"text", "json", "yaml"}

// Migrator is the subset of *database.Migrator the migrate commands use.
type Migrator interface {
	Up() error
	Steps(n int) error
	Version() (uint, bool, error)
	Close() error
}

// Deps holds the constructors commands use to reach configuration and
// storage, so tests can substitute them.
type Deps struct {
	LoadConfig   func() (*config.Config, error)
	OpenBackend  func(ctx context.Context, cfg *config.Config) (*store.Backend, func(), error)
	OpenMigrator func(cfg *config.Config, target string) (Migrator, error)
	Logger       *logging.Logger
}

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose bool
	Format  string
	deps    Deps
}

func (o *RootOptions) formatter(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    o.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   o.Verbose,
	}
}

// NewRootCommand creates swapctl wired to the real database.
func NewRootCommand() *cobra.Command {
	return NewRootCommandWithDeps(DefaultDeps())
}

// NewRootCommandWithDeps creates swapctl with the given dependencies.
func NewRootCommandWithDeps(deps Deps) *cobra.Command {
	opts := &RootOptions{deps: deps}

	cmd := &cobra.Command{
		Use:   "swapctl",
		Short: "Operate a slotswap deployment",
		Long:  "swapctl applies schema migrations and reconciles slots left locked by failed swap transactions.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return commandError(fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats), nil)
			}
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (text|json|yaml)")

	cmd.AddCommand(newMigrateCommand(opts))
	cmd.AddCommand(newReconcileCommand(opts))

	return cmd
}

// DefaultDeps connects to the databases named by the environment.
func DefaultDeps() Deps {
	logger := logging.New()
	return Deps{
		LoadConfig: config.Load,
		OpenBackend: func(ctx context.Context, cfg *config.Config) (*store.Backend, func(), error) {
			if cfg.Store.Driver != config.DriverPostgres {
				b, err := store.Open(cfg, nil, nil)
				if err != nil {
					return nil, nil, err
				}
				return b, func() { _ = b.Close() }, nil
			}

			pg, err := database.NewPostgresDB(cfg.Database.DSN())
			if err != nil {
				return nil, nil, err
			}
			b, err := store.Open(cfg, pg.DB(), pg.Health)
			if err != nil {
				pg.Close()
				return nil, nil, err
			}
			return b, func() {
				_ = b.Close()
				pg.Close()
			}, nil
		},
		OpenMigrator: func(cfg *config.Config, target string) (Migrator, error) {
			if target == config.DriverSQLite {
				db, err := database.OpenSQLite(cfg.Store.SQLitePath)
				if err != nil {
					return nil, err
				}
				m, err := store.SQLiteMigrator(db)
				if err != nil {
					db.Close()
					return nil, err
				}
				return &closingMigrator{Migrator: m, closeDB: db.Close}, nil
			}
			return store.PostgresMigrator(cfg)
		},
		Logger: logger,
	}
}

// closingMigrator also closes the database handle the migrator borrowed.
type closingMigrator struct {
	Migrator
	closeDB func() error
}

func (m *closingMigrator) Close() error {
	err := m.Migrator.Close()
	if dbErr := m.closeDB(); err == nil {
		err = dbErr
	}
	return err
}

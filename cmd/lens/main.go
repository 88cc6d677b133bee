// Package main implements the lens command: sink, index and group
// administration, event logging, the indexing daemon and the API server.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/arkilian/lens/internal/app"
	"github.com/arkilian/lens/internal/config"
	lenserrors "github.com/arkilian/lens/internal/errors"
	"github.com/arkilian/lens/internal/lens"
)

var (
	version = "dev"
	commit  = "unknown"
)

// Exit codes.
const (
	exitOK      = 0
	exitFailure = 1
	exitUsage   = 2
)

// usageError marks a malformed invocation.
type usageError struct {
	msg string
}

func (e *usageError) Error() string { return e.msg }

func usagef(format string, args ...interface{}) error {
	return &usageError{msg: fmt.Sprintf(format, args...)}
}

// failure is an operation failure whose message has already been chosen
// for the user.
type failure struct {
	msg string
	err error
}

func (f *failure) Error() string { return f.msg }
func (f *failure) Unwrap() error { return f.err }

func failf(err error, format string, args ...interface{}) error {
	return &failure{msg: fmt.Sprintf(format, args...), err: err}
}

// globalFlags are shared by every subcommand.
type globalFlags struct {
	configFile string
	dataDir    string
	driver     string
	dsn        string
}

// cli carries the state shared by the subcommands of one invocation.
type cli struct {
	flags globalFlags
	cfg   *config.Config
	out   io.Writer
}

// loadConfig loads configuration from file, environment, and command line flags.
func (c *cli) loadConfig() error {
	var cfg *config.Config
	var err error
	if c.flags.configFile != "" {
		cfg, err = config.LoadFromFile(c.flags.configFile)
		if err != nil {
			return fmt.Errorf("failed to load config file: %w", err)
		}
	} else {
		cfg = config.DefaultConfig()
	}

	config.LoadFromEnv(cfg)

	if c.flags.dataDir != "" {
		cfg.DataDir = c.flags.dataDir
	}
	if c.flags.driver != "" {
		cfg.Database.Driver = c.flags.driver
	}
	if c.flags.dsn != "" {
		cfg.Database.DSN = c.flags.dsn
	}

	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	c.cfg = cfg
	return nil
}

// openStore opens the configured backend for a single command.
func (c *cli) openStore(ctx context.Context) (*lens.Store, error) {
	if err := c.cfg.EnsureDirectories(); err != nil {
		return nil, err
	}
	return app.OpenStore(ctx, c.cfg)
}

// withStore runs fn against an open store and closes it afterwards.
func (c *cli) withStore(cmd *cobra.Command, fn func(context.Context, *lens.Store) error) error {
	ctx := cmd.Context()
	store, err := c.openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(ctx, store)
}

func (c *cli) printf(format string, args ...interface{}) {
	fmt.Fprintf(c.out, format, args...)
}

func newRootCmd(out io.Writer) *cobra.Command {
	c := &cli{out: out}

	root := &cobra.Command{
		Use:   "lens",
		Short: "Append-only event store with add-as-you-go indexes and rollups",
		Long: `lens logs schemaless events into named sinks, adds secondary indexes to
sinks that already hold data, and keeps hierarchical calendar rollups of
event counts up to date.

Environment variables:
  LENS_DATA_DIR             Base directory for the default database and archives
  LENS_DATABASE_DRIVER      sqlite3, postgres, pgx or mysql
  LENS_DATABASE_DSN         Driver data source name
  LENS_STORAGE_TYPE         Archive storage type (local, s3)
`,
		Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return c.loadConfig()
		},
	}
	root.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return &usageError{msg: err.Error()}
	})

	pf := root.PersistentFlags()
	pf.StringVar(&c.flags.configFile, "config", "", "Path to configuration file (YAML or JSON)")
	pf.StringVar(&c.flags.dataDir, "data-dir", "", "Base directory for data files")
	pf.StringVar(&c.flags.driver, "driver", "", "Database driver (sqlite3, postgres, pgx, mysql)")
	pf.StringVar(&c.flags.dsn, "dsn", "", "Database data source name")

	root.AddCommand(
		c.createCmd(),
		c.listCmd(),
		c.eventCmd(),
		c.addIndexCmd(),
		c.addGroupCmd(),
		c.reindexCmd(),
		c.indexerCmd(),
		c.serveCmd(),
		c.migrateCmd(),
		c.exportCmd(),
		c.verifyCmd(),
		c.archivesCmd(),
	)
	return root
}

// run executes the command line and returns the process exit code.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	root := newRootCmd(stdout)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	cmd, err := root.ExecuteContextC(ctx)
	if err == nil {
		return exitOK
	}

	if isUsage(err) {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		if cmd != nil {
			fmt.Fprint(stderr, cmd.UsageString())
		}
		return exitUsage
	}

	var f *failure
	if errors.As(err, &f) {
		fmt.Fprintln(stderr, f.msg)
		return exitFailure
	}
	fmt.Fprintf(stderr, "Error: %v\n", err)
	return exitFailure
}

func isUsage(err error) bool {
	var ue *usageError
	if errors.As(err, &ue) {
		return true
	}
	if lenserrors.GetCode(err) == lenserrors.CodeInvalidArgument {
		return true
	}
	// cobra reports unknown subcommands as plain errors.
	return strings.HasPrefix(err.Error(), "unknown command")
}

func main() {
	os.Exit(run(context.Background(), os.Args[1:], os.Stdout, os.Stderr))
}

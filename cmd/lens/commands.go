package main

import (
	"context"
	"fmt"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/arkilian/lens/internal/aggregate"
	"github.com/arkilian/lens/internal/app"
	"github.com/arkilian/lens/internal/config"
	lenserrors "github.com/arkilian/lens/internal/errors"
	"github.com/arkilian/lens/internal/index"
	"github.com/arkilian/lens/internal/indexer"
	"github.com/arkilian/lens/internal/lens"
	"github.com/arkilian/lens/pkg/types"
)

// usageArgs turns cobra's argument count errors into usage errors.
func usageArgs(check cobra.PositionalArgs) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := check(cmd, args); err != nil {
			return &usageError{msg: fmt.Sprintf("%v (usage: lens %s)", err, cmd.Use)}
		}
		return nil
	}
}

func noSink(name string, err error) error {
	return failf(err, "No sink named '%s' exists", name)
}

func (c *cli) createCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "create NAME",
		Short: "Create a new event sink",
		Args:  usageArgs(cobra.ExactArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withStore(cmd, func(ctx context.Context, store *lens.Store) error {
				id, err := store.CreateSink(ctx, args[0])
				switch {
				case err == nil:
					c.printf("Sink created as {%s}\n", id)
					return nil
				case lenserrors.IsConflict(err):
					if sink, lerr := store.Sink(ctx, args[0]); lerr == nil {
						return failf(err, "A sink named '%s' already exists ({%s})", sink.Name, sink.UUID)
					}
					return failf(err, "A sink named '%s' already exists", args[0])
				case lenserrors.IsValidation(err):
					return failf(err, "Sink names must be entirely alphanumeric")
				default:
					return failf(err, "The event sink '%s' could not be created: %v", args[0], err)
				}
			})
		},
	}
}

func (c *cli) listCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List event sinks",
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withStore(cmd, func(ctx context.Context, store *lens.Store) error {
				names, err := store.ListSinks(ctx)
				if err != nil {
					return err
				}
				if len(names) == 0 {
					c.printf("none\n")
					return nil
				}
				for _, n := range names {
					c.printf("%s\n", n)
				}
				return nil
			})
		},
	}
}

func (c *cli) eventCmd() *cobra.Command {
	var lazy bool
	cmd := &cobra.Command{
		Use:   "event TARGET KEY=VALUE...",
		Short: "Log a new event to a sink",
		Args:  usageArgs(cobra.MinimumNArgs(2)),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := lens.ParseEventArgs(args[1:])
			if err != nil {
				return err
			}
			return c.withStore(cmd, func(ctx context.Context, store *lens.Store) error {
				id, err := store.LogEvent(ctx, args[0], payload, lazy)
				switch {
				case err == nil:
					c.printf("Event logged as {%s}\n", id)
					return nil
				case lenserrors.IsNotFound(err):
					return noSink(args[0], err)
				case id != "":
					return failf(err, "Event logged as {%s} but could not be indexed: %v", id, err)
				default:
					return failf(err, "The event could not be logged: %v", err)
				}
			})
		},
	}
	cmd.Flags().BoolVar(&lazy, "lazy", false, "Store the event dirty and leave indexing to the daemon")
	return cmd
}

func (c *cli) addIndexCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "add-index SINK NAME TYPE [LENGTH]",
		Short: "Create a new index on a sink",
		Args:  usageArgs(cobra.RangeArgs(3, 4)),
		RunE: func(cmd *cobra.Command, args []string) error {
			typ, err := index.ParseType(args[2])
			if err != nil {
				return failf(err, "%s", lenserrors.GetMessage(err))
			}
			length := 0
			if len(args) == 4 {
				if length, err = strconv.Atoi(args[3]); err != nil || length < 0 {
					return usagef("LENGTH must be a non-negative integer, got %q", args[3])
				}
			}
			if typ == types.IndexText && length == 0 {
				return usagef("A length must be specified for TEXT indexes")
			}

			return c.withStore(cmd, func(ctx context.Context, store *lens.Store) error {
				id, err := store.DefineIndex(ctx, args[0], args[1], string(typ), length)
				switch {
				case err == nil:
					c.printf("Index created as {%s}\n", id)
					return nil
				case lenserrors.GetCode(err) == lenserrors.CodeSinkNotFound:
					return noSink(args[0], err)
				case lenserrors.IsConflict(err):
					return failf(err, "An index named '%s' already exists%s", strings.ToLower(strings.TrimSpace(args[1])), existingIndex(ctx, store, args[0], args[1]))
				case lenserrors.IsValidation(err):
					return failf(err, "%s", lenserrors.GetMessage(err))
				default:
					return failf(err, "The index '%s' could not be created: %v", args[1], err)
				}
			})
		},
	}
}

// existingIndex formats " ({uuid})" for the index that caused a conflict.
func existingIndex(ctx context.Context, store *lens.Store, sink, name string) string {
	want, err := index.ValidateName(name)
	if err != nil {
		return ""
	}
	indexes, err := store.Indexes(ctx, sink)
	if err != nil {
		return ""
	}
	for _, idx := range indexes {
		if idx.Name == want {
			return fmt.Sprintf(" ({%s})", idx.UUID)
		}
	}
	return ""
}

func (c *cli) addGroupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "add-group SINK GROUP FIELDS [PARENT]",
		Short: "Create a rollup group over comma-separated calendar fields",
		Args:  usageArgs(cobra.RangeArgs(3, 4)),
		RunE: func(cmd *cobra.Command, args []string) error {
			parent := ""
			if len(args) == 4 {
				parent = args[3]
			}
			return c.withStore(cmd, func(ctx context.Context, store *lens.Store) error {
				id, err := store.DefineGroup(ctx, args[0], args[1], aggregate.SplitFieldList(args[2]), parent)
				switch {
				case err == nil:
					c.printf("Group created as {%s}\n", id)
					return nil
				case lenserrors.GetCode(err) == lenserrors.CodeSinkNotFound:
					return noSink(args[0], err)
				case lenserrors.GetCode(err) == lenserrors.CodeGroupNotFound:
					return failf(err, "No group named '%s' exists on sink '%s'", parent, args[0])
				case lenserrors.IsConflict(err), lenserrors.IsValidation(err):
					return failf(err, "%s", lenserrors.GetMessage(err))
				default:
					return failf(err, "The group '%s' could not be created: %v", args[1], err)
				}
			})
		},
	}
}

func (c *cli) reindexCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reindex NAME",
		Short: "Re-index dirty events in a sink",
		Args:  usageArgs(cobra.ExactArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withStore(cmd, func(ctx context.Context, store *lens.Store) error {
				n, err := store.Reindex(ctx, args[0])
				if lenserrors.IsNotFound(err) {
					return noSink(args[0], err)
				}
				if err != nil {
					return failf(err, "Reindexing '%s' failed after %d events: %v", args[0], n, err)
				}
				c.printf("Indexed %d events\n", n)
				return nil
			})
		},
	}
}

func (c *cli) indexerCmd() *cobra.Command {
	var (
		batchSize int
		once      bool
	)
	cmd := &cobra.Command{
		Use:   "indexer",
		Short: "Run the indexing daemon until interrupted",
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			if batchSize > 0 {
				c.cfg.Indexer.BatchSize = batchSize
			}
			return c.withStore(cmd, func(ctx context.Context, store *lens.Store) error {
				d := store.NewDaemon(indexer.DaemonConfig{
					BatchSize:    c.cfg.Indexer.BatchSize,
					BusyInterval: c.cfg.Indexer.BusyInterval,
					IdleInterval: c.cfg.Indexer.IdleInterval,
				})
				if once {
					total := 0
					for {
						n := d.RunOnce(ctx)
						if n == 0 || ctx.Err() != nil {
							break
						}
						total += n
					}
					c.printf("Indexed %d items\n", total)
					return nil
				}

				ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
				defer stop()
				if err := d.Start(ctx); err != nil {
					return err
				}
				<-ctx.Done()
				return d.Stop()
			})
		},
	}
	cmd.Flags().IntVar(&batchSize, "batch-size", 0, "Events and rollup rows per sink per cycle (default from config)")
	cmd.Flags().BoolVar(&once, "once", false, "Index until nothing is dirty, then exit")
	return cmd
}

func (c *cli) serveCmd() *cobra.Command {
	var mode, httpAddr, grpcAddr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and gRPC APIs and the indexing daemon",
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			if mode != "" {
				c.cfg.Mode = config.Mode(mode)
			}
			if httpAddr != "" {
				c.cfg.HTTP.Addr = httpAddr
			}
			if grpcAddr != "" {
				c.cfg.GRPC.Addr = grpcAddr
			}

			application, err := app.New(c.cfg)
			if err != nil {
				return err
			}
			if err := application.Start(cmd.Context()); err != nil {
				return err
			}
			return application.WaitForShutdown(cmd.Context())
		},
	}
	cmd.Flags().StringVar(&mode, "mode", "", "Service mode: all, api, indexer")
	cmd.Flags().StringVar(&httpAddr, "http-addr", "", "HTTP listen address")
	cmd.Flags().StringVar(&grpcAddr, "grpc-addr", "", "gRPC listen address")
	return cmd
}

func (c *cli) migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Bring the catalogue to the latest version",
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if err := c.cfg.EnsureDirectories(); err != nil {
				return err
			}
			opts := app.StoreOptions(c.cfg)
			opts.SkipMigrate = true
			store, err := lens.Open(ctx, c.cfg.Database.Driver, c.cfg.Database.DSN, opts)
			if err != nil {
				return err
			}
			defer store.Close()

			n, err := store.Migrate(ctx)
			if err != nil {
				return failf(err, "Catalogue migration failed: %v", err)
			}
			c.printf("Applied %d catalogue migrations\n", n)
			return nil
		},
	}
}

package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/arkilian/lens/internal/app"
	"github.com/arkilian/lens/internal/archive"
	lenserrors "github.com/arkilian/lens/internal/errors"
	"github.com/arkilian/lens/internal/lens"
)

// withExporter runs fn with an exporter over the configured store and
// archive storage.
func (c *cli) withExporter(cmd *cobra.Command, fn func(context.Context, *archive.Exporter) error) error {
	return c.withStore(cmd, func(ctx context.Context, store *lens.Store) error {
		objects, err := app.NewObjectStorage(ctx, c.cfg)
		if err != nil {
			return err
		}
		exporter, err := app.NewExporter(c.cfg, store, objects)
		if err != nil {
			return err
		}
		return fn(ctx, exporter)
	})
}

func (c *cli) exportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "export SINK",
		Short: "Write every event of a sink to archive storage",
		Args:  usageArgs(cobra.ExactArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withExporter(cmd, func(ctx context.Context, e *archive.Exporter) error {
				sc, err := e.Export(ctx, args[0])
				if lenserrors.IsNotFound(err) {
					return noSink(args[0], err)
				}
				if err != nil {
					return failf(err, "The sink '%s' could not be exported: %v", args[0], err)
				}
				c.printf("Archived %d events to %s\n", sc.Rows, sc.Object)
				return nil
			})
		},
	}
}

func (c *cli) verifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify OBJECT",
		Short: "Check an archive against its checksum sidecar",
		Args:  usageArgs(cobra.ExactArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withExporter(cmd, func(ctx context.Context, e *archive.Exporter) error {
				sc, err := e.Verify(ctx, args[0])
				switch {
				case err == nil:
					c.printf("OK %s %s (%d events)\n", sc.Algorithm, sc.Checksum, sc.Rows)
					return nil
				case lenserrors.GetCode(err) == lenserrors.CodeChecksumMismatch:
					return failf(err, "Checksum mismatch for %s", args[0])
				case lenserrors.IsNotFound(err):
					return failf(err, "No archive at %s", args[0])
				default:
					return failf(err, "The archive %s could not be verified: %v", args[0], err)
				}
			})
		},
	}
}

func (c *cli) archivesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "archives SINK",
		Short: "List the archives of a sink",
		Args:  usageArgs(cobra.ExactArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withExporter(cmd, func(ctx context.Context, e *archive.Exporter) error {
				objects, err := e.List(ctx, args[0])
				if err != nil {
					return failf(err, "%s", lenserrors.GetMessage(err))
				}
				if len(objects) == 0 {
					c.printf("none\n")
					return nil
				}
				for _, o := range objects {
					c.printf("%s\n", o)
				}
				return nil
			})
		},
	}
}

package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/palacepal/palsync/internal/importer"
	"github.com/palacepal/palsync/internal/syncstate"
)

func newExportCmd() *cobra.Command {
	var (
		minAck int
		source string
	)
	cmd := &cobra.Command{
		Use:   "export <snapshot>",
		Short: "Export stored markers to a snapshot file",
		Long: `Export every stored permanent marker to a snapshot.

The file is compressed according to its extension (.gz, .zst or plain JSON).`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if source == "" {
				source = sourceURL()
			}
			opts := importer.ExportOptions{SourceURL: source, MinAcknowledgements: minAck}
			return exportSnapshot(cmd.Context(), args[0], opts, cmd.OutOrStdout())
		},
	}
	cmd.Flags().IntVar(&minAck, "min-ack", 0, "only export markers acknowledged by at least this many accounts")
	cmd.Flags().StringVar(&source, "source", "", "source URL recorded in the snapshot (defaults to remote.serverUrl)")
	return cmd
}

func exportSnapshot(ctx context.Context, path string, opts importer.ExportOptions, out io.Writer) (err error) {
	rt, err := setupLogging(false, trackerContext(syncstate.New(false)))
	if err != nil {
		return err
	}
	defer func() { err = errors.Join(err, rt.Close()) }()
	if err := rt.openStorage(); err != nil {
		return err
	}

	snap, err := importer.Export(ctx, rt.Backend, opts)
	if err != nil {
		return err
	}
	if err := importer.WriteFile(path, snap); err != nil {
		return err
	}

	markers := 0
	for _, f := range snap.Floors {
		markers += len(f.Objects)
	}
	fmt.Fprintf(out, "Exported %d markers in %d regions to %s (%s)\n", markers, len(snap.Floors), path, snap.ExportID)
	return nil
}

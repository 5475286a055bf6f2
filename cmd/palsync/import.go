package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/spf13/cobra"

	"github.com/palacepal/palsync/internal/importer"
	"github.com/palacepal/palsync/internal/reconcile"
	"github.com/palacepal/palsync/internal/syncstate"
)

func newImportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import <snapshot>",
		Short: "Import a marker snapshot into local storage",
		Long: `Import a snapshot exported by another installation.

Files ending in .gz or .zst are decompressed. Importing a newer snapshot from
the same source replaces the markers of the older one.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return importSnapshot(cmd.Context(), args[0], cmd.OutOrStdout())
		},
	}
}

func importSnapshot(ctx context.Context, path string, out io.Writer) (err error) {
	snap, err := importer.ReadFile(path)
	if err != nil {
		return err
	}

	tracker := syncstate.New(false)
	rt, err := setupLogging(false, trackerContext(tracker))
	if err != nil {
		return err
	}
	defer func() { err = errors.Join(err, rt.Close()) }()
	if err := rt.openStorage(); err != nil {
		return err
	}

	sess, err := newSession(ctx, rt, tracker, reconcile.ModeOnline, false)
	if err != nil {
		return err
	}

	var (
		res       importer.Result
		importErr error
	)
	sess.Engine.Submit(reconcile.ImportJob{
		Snapshot: snap,
		Done: func(r importer.Result, err error) {
			res, importErr = r, err
		},
	})
	if err := sess.Engine.Tick(ctx); err != nil {
		return err
	}
	if importErr != nil {
		return fmt.Errorf("importing %s: %w", path, importErr)
	}

	fmt.Fprintf(out, "Imported %s from %s into %d regions\n", res.ExportID, snap.SourceURL, len(res.Regions))
	kinds := make([]string, 0, len(res.Imported))
	counts := make(map[string]int, len(res.Imported))
	for kind, n := range res.Imported {
		kinds = append(kinds, kind.String())
		counts[kind.String()] = n
	}
	sort.Strings(kinds)
	for _, k := range kinds {
		fmt.Fprintf(out, "  %s: %d\n", k, counts[k])
	}
	if len(res.Superseded) > 0 {
		fmt.Fprintf(out, "Replaced %d earlier imports, removed %d markers\n", len(res.Superseded), res.Removed)
	}
	return nil
}

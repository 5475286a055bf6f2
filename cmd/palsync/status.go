package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/palacepal/palsync/internal/config"
	"github.com/palacepal/palsync/internal/monitor"
	"github.com/palacepal/palsync/internal/remote"
)

func newStatusCmd() *cobra.Command {
	var stats, check bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the last status written by a running engine",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := printStatus(cmd.OutOrStdout()); err != nil {
				return err
			}
			if check {
				if err := printServiceHealth(cmd.Context(), cmd.OutOrStdout()); err != nil {
					return err
				}
			}
			if stats {
				return printStatistics(cmd.Context(), cmd.OutOrStdout())
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&check, "check", false, "also check that the sync service is reachable")
	cmd.Flags().BoolVar(&stats, "stats", false, "also fetch per-region statistics from the sync service")
	return cmd
}

func printStatus(out io.Writer) error {
	path := filepath.Join(config.GetString("logsDir"), monitor.StatusFileName)
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		fmt.Fprintln(out, "No engine status found; is 'palsync run' active?")
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading status: %w", err)
	}

	var report monitor.Report
	if err := json.Unmarshal(b, &report); err != nil {
		return fmt.Errorf("decoding %s: %w", path, err)
	}
	fmt.Fprintf(out, "As of %s\n", report.Time.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(out, "  mode:       %s\n", report.Mode)
	fmt.Fprintf(out, "  region:     %d (%s)\n", report.RegionID, report.SyncState)
	fmt.Fprintf(out, "  queue:      %d\n", report.QueueLength)
	fmt.Fprintf(out, "  regions:    %d loaded, %d markers in active region\n", report.Regions, report.Markers)
	if report.LastError != nil {
		fmt.Fprintf(out, "  last error: %s (%s)\n", report.LastError.Message, report.LastError.Time.Format("15:04:05"))
	}
	return nil
}

func printServiceHealth(ctx context.Context, out io.Writer) error {
	cfg := config.GetRemoteConfig()
	client, err := remote.New(cfg, remote.CertificateFromConfig(cfg))
	if err != nil {
		return err
	}
	if err := client.Healthcheck(ctx); err != nil {
		fmt.Fprintf(out, "  service:    %s unreachable (%v)\n", client.BaseURL(), err)
		return nil
	}
	fmt.Fprintf(out, "  service:    %s reachable\n", client.BaseURL())
	return nil
}

func printStatistics(ctx context.Context, out io.Writer) error {
	cfg := config.GetRemoteConfig()
	client, err := remote.New(cfg, remote.CertificateFromConfig(cfg))
	if err != nil {
		return err
	}
	stats, err := client.FetchStatistics(ctx)
	if errors.Is(err, remote.ErrPermissionDenied) {
		fmt.Fprintln(out, "Statistics are not available for this account")
		return nil
	}
	if err != nil {
		return err
	}
	for _, s := range stats {
		fmt.Fprintf(out, "  region %5d: %d traps, %d hoards\n", s.RegionID, s.TrapCount, s.HoardCount)
	}
	return nil
}

// Command palsync keeps per-region markers in sync between the game host,
// local storage and the shared sync service.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

// Version and BuildDate can be set at build time via ldflags.
var (
	Version   = "0.0.1"
	BuildDate = "unknown"
)

var (
	configDir string
	logLevel  string
)

var rootCmd = &cobra.Command{
	Use:   "palsync",
	Short: "Marker reconciliation and sync engine",
	Long: `palsync tracks the markers a player discovers per region, keeps them
on local storage and synchronizes them with a shared sync service.

Run it as a subprocess of the game host with 'palsync run'; commands are
read as JSON lines from stdin and answered on stdout.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return loadConfig(configDir)
	},
}

func init() {
	rootCmd.Version = Version
	rootCmd.SetVersionTemplate(`{{printf "palsync version %s" .Version}} (built ` + BuildDate + ")\n")

	rootCmd.PersistentFlags().StringVar(&configDir, "config", "", "directory containing palsync.cfg.json")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override the configured log level")

	rootCmd.AddCommand(newRunCmd())
	rootCmd.AddCommand(newImportCmd())
	rootCmd.AddCommand(newExportCmd())
	rootCmd.AddCommand(newStatusCmd())
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

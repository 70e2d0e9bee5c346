package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/power-topology/backend/internal/config"
	"github.com/spf13/cobra"
)

// Version info (set during build)
var (
	Version   = "dev"
	BuildTime = "unknown"
)

// configFileName sits next to the executable unless --config says otherwise.
const configFileName = "PowerTopology.config"

var configPath string

var rootCmd = &cobra.Command{
	Use:   "power-topology",
	Short: "Power topology diagram server",
	Long: `Serves an interactive power topology diagram.

Assets (lamps, outlets, PDUs, UPSes and servers) are drawn from image
resources, connected at their anchors and can be dragged or clicked by
connected viewers. Without a subcommand the server is started.`,
	SilenceUsage: true,
	RunE:         runServe,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to the XML config (default: next to the executable)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(anchorsCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Display version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "power-topology %s (built %s)\n", Version, BuildTime)
	},
}

// loadConfig resolves the config path and loads it, creating defaults on first run.
func loadConfig() (*config.AppConfig, string, error) {
	path := configPath
	if path == "" {
		exePath, err := os.Executable()
		if err != nil {
			return nil, "", fmt.Errorf("failed to get executable path: %w", err)
		}
		path = filepath.Join(filepath.Dir(exePath), configFileName)
	}
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, "", fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, path, nil
}

// newLogger builds the process logger from the advanced config section.
func newLogger(cfg *config.AppConfig, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.SlogLevel()}
	if strings.EqualFold(cfg.Advanced.LogFormat, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

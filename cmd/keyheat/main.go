// Package main provides the CLI entrypoint for keyheat.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/verte-zerg/keyheat/internal/config"
	"github.com/verte-zerg/keyheat/internal/heatmap"
	"github.com/verte-zerg/keyheat/internal/logging"
	"github.com/verte-zerg/keyheat/internal/transport"
)

var (
	configPath string
	logLevel   string
	logFormat  string

	fileCfg config.FileConfig
	logger  = logging.Discard()
)

func main() {
	rootCmd := newRootCmd()
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:               "keyheat",
		Short:             "Keyboard usage heatmaps from ZMK firmware logs",
		SilenceUsage:      true,
		SilenceErrors:     false,
		PersistentPreRunE: setup,
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", config.DefaultConfigPath(), "config file path")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text, json)")

	rootCmd.AddCommand(newLayoutCmd())
	rootCmd.AddCommand(newCollectCmd())
	rootCmd.AddCommand(newRenderCmd())
	rootCmd.AddCommand(newStatsCmd())
	rootCmd.AddCommand(newHistoryCmd())
	rootCmd.AddCommand(newColormapsCmd())
	rootCmd.AddCommand(newConfigCmd())

	return rootCmd
}

func setup(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		// A broken config must not lock the user out of editing it.
		if cmd.Name() != "config" {
			return fmt.Errorf("failed to load config: %w", err)
		}
		logErrf("ignoring config: %v\n", err)
	}
	fileCfg = cfg
	applyConfig(cmd, "log-level", &logLevel, cfg.Log.Level)
	applyConfig(cmd, "log-format", &logFormat, cfg.Log.Format)

	level, err := logging.ParseLevel(logLevel)
	if err != nil {
		return err
	}
	format, err := logging.ParseFormat(logFormat)
	if err != nil {
		return err
	}
	logCfg := logging.DefaultConfig()
	logCfg.Level = level
	logCfg.Format = format
	logCfg.Output = cmd.ErrOrStderr()
	logger = logging.New(logCfg)
	slog.SetDefault(logger)
	return nil
}

func newColormapsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "colormaps",
		Short: "List available colormaps",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			for _, name := range heatmap.ColormapNames() {
				if _, err := fmt.Fprintln(cmd.OutOrStdout(), name); err != nil {
					return fmt.Errorf("failed to write output: %w", err)
				}
			}
			return nil
		},
	}
}

func newConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Create/open config file",
		Args:  cobra.NoArgs,
		RunE:  runConfigCmd,
	}
}

func runConfigCmd(_ *cobra.Command, _ []string) error {
	path := configPath
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if _, err := os.Stat(path); err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("failed to stat config: %w", err)
		}
		if err := os.WriteFile(path, []byte(defaultConfigTemplate()), 0o644); err != nil {
			return fmt.Errorf("failed to write config: %w", err)
		}
	}

	editor := strings.TrimSpace(os.Getenv("EDITOR"))
	if editor == "" {
		editor = "vi"
	}
	parts := strings.Fields(editor)
	if len(parts) == 0 {
		return fmt.Errorf("editor command is empty")
	}
	cmd := exec.Command(parts[0], append(parts[1:], path)...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("failed to open editor: %w", err)
	}
	return nil
}

// applyConfig copies a config value into target unless the flag was set.
func applyConfig[T any](cmd *cobra.Command, name string, target, value *T) {
	if value == nil {
		return
	}
	if cmd.Flags().Changed(name) {
		return
	}
	*target = *value
}

func defaultConfigTemplate() string {
	return fmt.Sprintf(`# keyheat configuration
# Uncomment a value to enable it. CLI flags and KEYHEAT_* environment
# variables (e.g. KEYHEAT_COLLECT_DEVICE) override config values.

[collect]
# device = %q   # Serial device with firmware logging
# baud = %d               # Serial baud rate
# output = %q
# duration = "0s"            # Stop after this long (0 = until interrupted)
# checkpoint-interval = "30s"
# checkpoint-every = 0       # Also checkpoint every N keypresses (0 = off)
# max-reconnects = 5
# device-id = ""
# retain-events = false      # Keep raw events for the activity timeline
# db = %q

[render]
# layout = %q
# colormap = %q           # See: keyheat colormaps
# title = ""
# output = "heatmap.png"

[keymap]
# rows = 0                   # 0 = infer from the keymap
# cols = 0
# split = false
# right-offset = 0

[log]
# level = "info"
# format = "text"
`,
		transport.DefaultDevice,
		transport.DefaultBaud,
		config.DefaultSessionPath(),
		config.DefaultDBPath(),
		config.DefaultLayoutPath(),
		heatmap.DefaultColormap,
	)
}

func logErrf(format string, args ...any) {
	if _, err := fmt.Fprintf(os.Stderr, format, args...); err != nil {
		// Best-effort logging to stderr.
		_ = err
	}
}

package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/verte-zerg/keyheat/internal/config"
	"github.com/verte-zerg/keyheat/internal/keymap"
	"github.com/verte-zerg/keyheat/internal/record"
)

var (
	layoutOutput       string
	layoutName         string
	layoutRows         int
	layoutCols         int
	layoutSplit        bool
	layoutRightOffset  int
	layoutExpectedKeys int
)

func newLayoutCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "layout <file.keymap>",
		Short: "Resolve a ZMK keymap into a layout configuration",
		Args:  cobra.ExactArgs(1),
		RunE:  runLayoutCmd,
	}
	cmd.Flags().StringVarP(&layoutOutput, "output", "o", config.DefaultLayoutPath(), "layout output path (.json, .yaml, .yml)")
	cmd.Flags().StringVar(&layoutName, "name", "", "layout name (default: keymap file name)")
	cmd.Flags().IntVar(&layoutRows, "rows", 0, "matrix rows (0 = infer)")
	cmd.Flags().IntVar(&layoutCols, "cols", 0, "matrix columns per half (0 = infer)")
	cmd.Flags().BoolVar(&layoutSplit, "split", false, "split keyboard")
	cmd.Flags().IntVar(&layoutRightOffset, "right-offset", 0, "first matrix column of the right half (0 = cols)")
	cmd.Flags().IntVar(&layoutExpectedKeys, "keys", 0, "declared physical key count (0 = unchecked)")
	return cmd
}

func runLayoutCmd(cmd *cobra.Command, args []string) error {
	applyConfig(cmd, "output", &layoutOutput, fileCfg.Render.Layout)
	applyConfig(cmd, "rows", &layoutRows, fileCfg.Keymap.Rows)
	applyConfig(cmd, "cols", &layoutCols, fileCfg.Keymap.Cols)
	applyConfig(cmd, "split", &layoutSplit, fileCfg.Keymap.Split)
	applyConfig(cmd, "right-offset", &layoutRightOffset, fileCfg.Keymap.RightOffset)

	if layoutRows < 0 || layoutCols < 0 || layoutRightOffset < 0 || layoutExpectedKeys < 0 {
		return fmt.Errorf("--rows, --cols, --right-offset and --keys must be >= 0")
	}
	text, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("failed to read keymap: %w", err)
	}
	name := layoutName
	if name == "" {
		name = keymapName(args[0])
	}
	layout, err := keymap.Resolve(string(text), keymap.Options{
		Name: name,
		Geometry: keymap.Geometry{
			Rows:        layoutRows,
			Cols:        layoutCols,
			Split:       layoutSplit,
			RightOffset: layoutRightOffset,
		},
		ExpectedKeys: layoutExpectedKeys,
	})
	if err != nil {
		return err
	}
	if err := record.WriteLayout(layoutOutput, layout); err != nil {
		return err
	}
	logger.Info("layout resolved", "name", layout.Name, "positions", len(layout.Positions), "layers", len(layout.Layers))
	_, err = fmt.Fprintf(cmd.OutOrStdout(), "Resolved %d keys (%dx%d matrix, %d layers) to %s\n",
		len(layout.Positions), layout.Rows, layout.Cols, len(layout.Layers), layoutOutput)
	return err
}

func keymapName(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

package heatmap

import (
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/mattn/go-runewidth"
	"golang.org/x/term"

	"github.com/verte-zerg/keyheat/internal/model"
)

const cellWidth = 7

// WriteTerminal prints the heatmap as a grid of cells, two lines per key
// (label, count). Cell backgrounds carry the colormap when w is a colour
// terminal; otherwise only text is written.
func WriteTerminal(w io.Writer, res model.HeatmapResult, cmap Colormap) error {
	r := lipgloss.NewRenderer(w)
	if os.Getenv("NO_COLOR") != "" {
		r = lipgloss.NewRenderer(io.Discard)
	}

	rows, cols := 0, 0
	for _, k := range res.Keys {
		rows = max(rows, k.Position.PhysicalRow+1)
		cols = max(cols, k.Position.PhysicalCol+1)
	}
	grid := make([][]*model.KeyIntensity, rows)
	for i := range grid {
		grid[i] = make([]*model.KeyIntensity, cols)
	}
	for i := range res.Keys {
		k := &res.Keys[i]
		grid[k.Position.PhysicalRow][k.Position.PhysicalCol] = k
	}

	empty := strings.Repeat(" ", cellWidth) + "\n" + strings.Repeat(" ", cellWidth)
	lines := make([]string, 0, rows)
	for _, row := range grid {
		cells := make([]string, 0, 2*cols)
		for c, k := range row {
			if c > 0 {
				cells = append(cells, " \n ")
			}
			if k == nil {
				cells = append(cells, empty)
				continue
			}
			bg := cmap.At(k.Intensity)
			fg := textColor(bg)
			style := r.NewStyle().
				Width(cellWidth).
				Align(lipgloss.Center).
				Background(lipgloss.Color(bg.Hex())).
				Foreground(lipgloss.Color(fg.Hex()))
			count := ""
			if k.Count > 0 {
				count = humanize.Comma(int64(k.Count))
			}
			cells = append(cells, style.Render(fitCell(k.Position.Label)+"\n"+fitCell(count)))
		}
		lines = append(lines, lipgloss.JoinHorizontal(lipgloss.Top, cells...))
	}
	if len(lines) == 0 {
		return nil
	}
	_, err := io.WriteString(w, strings.Join(lines, "\n")+"\n")
	return err
}

func fitCell(s string) string {
	return runewidth.Truncate(s, cellWidth, "…")
}

// IsTerminal reports whether w is an interactive terminal.
func IsTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// TerminalWidth returns the width of stdout, or fallback when it is not a terminal.
func TerminalWidth(fallback int) int {
	width, _, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil || width <= 0 {
		return fallback
	}
	return width
}

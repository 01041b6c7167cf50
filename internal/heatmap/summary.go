package heatmap

import (
	"fmt"
	"io"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/mattn/go-runewidth"

	"github.com/verte-zerg/keyheat/internal/model"
)

const (
	sparkChars         = " .:-=+*#%@"
	maxActivityMinutes = 7 * 24 * 60
)

var (
	cardStyle = lipgloss.NewStyle().
			Padding(0, 1).
			Border(lipgloss.RoundedBorder(), true).
			BorderForeground(lipgloss.Color("#4A4A4A"))
	cardTitleStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#8C8C8C"))
)

// WriteSummary prints the statistics block for a session.
func WriteSummary(w io.Writer, session model.SessionData, stats model.HeatmapStats) error {
	title := "Session"
	if session.SessionID != "" {
		title += " " + session.SessionID
	}
	var b strings.Builder
	b.WriteString(cardTitleStyle.Render(title))
	if session.DeviceID != "" || session.Status != "" {
		b.WriteString("\n")
		b.WriteString(strings.TrimSpace(fmt.Sprintf("%s %s", session.DeviceID, statusLabel(session.Status))))
	}
	if !session.StartTime.IsZero() {
		b.WriteString("\nStarted: " + session.StartTime.UTC().Format("2006-01-02 15:04:05 UTC"))
	}
	for _, line := range StatsLines(stats) {
		b.WriteString("\n" + line)
	}
	if session.SkippedLines > 0 || session.Reconnects > 0 {
		b.WriteString(fmt.Sprintf("\nSkipped Lines: %s, Reconnects: %d", humanize.Comma(int64(session.SkippedLines)), session.Reconnects))
	}
	_, err := fmt.Fprintln(w, cardStyle.Render(b.String()))
	return err
}

func statusLabel(s model.Status) string {
	if s == "" {
		return ""
	}
	return "(" + strings.ReplaceAll(string(s), "_", " ") + ")"
}

// TopKeys returns the n most pressed layout positions, ties in layout order.
func TopKeys(res model.HeatmapResult, n int) []model.KeyIntensity {
	keys := make([]model.KeyIntensity, 0, len(res.Keys))
	for _, k := range res.Keys {
		if k.Count > 0 {
			keys = append(keys, k)
		}
	}
	sort.SliceStable(keys, func(i, j int) bool { return keys[i].Count > keys[j].Count })
	if n > 0 && len(keys) > n {
		keys = keys[:n]
	}
	return keys
}

// WriteTopKeys prints the n most pressed keys as a table.
func WriteTopKeys(w io.Writer, res model.HeatmapResult, n int) error {
	keys := TopKeys(res, n)
	if len(keys) == 0 {
		_, err := fmt.Fprintln(w, "No keypresses recorded.")
		return err
	}
	if _, err := fmt.Fprintln(w, "Top Keys"); err != nil {
		return err
	}
	headers := []string{"#", "Key", "Matrix", "Count", "Share", "Heat"}
	rows := make([][]string, 0, len(keys))
	for i, k := range keys {
		share := 0.0
		if res.Stats.Total > 0 {
			share = float64(k.Count) / float64(res.Stats.Total)
		}
		rows = append(rows, []string{
			fmt.Sprintf("%d", i+1),
			k.Position.Label,
			k.Position.Coord().String(),
			humanize.Comma(int64(k.Count)),
			fmt.Sprintf("%.1f%%", share*100),
			heatBar(k.Intensity, 10),
		})
	}
	rightAlign := map[int]bool{0: true, 3: true, 4: true}
	for _, line := range formatTable(headers, rows, rightAlign) {
		if _, err := fmt.Fprintln(w, line); err != nil {
			return err
		}
	}
	_, err := fmt.Fprintln(w, "")
	return err
}

func heatBar(intensity float64, width int) string {
	filled := int(math.Round(intensity * float64(width)))
	filled = min(max(filled, 0), width)
	return strings.Repeat("#", filled) + strings.Repeat(".", width-filled)
}

// ActivityPerMinute buckets retained presses by minute since the first event.
func ActivityPerMinute(events []model.KeyEvent) []float64 {
	var first float64
	seen := false
	for _, ev := range events {
		if ev.Transition != model.Pressed {
			continue
		}
		if !seen || ev.Timestamp < first {
			first = ev.Timestamp
			seen = true
		}
	}
	if !seen {
		return nil
	}
	var buckets []float64
	for _, ev := range events {
		if ev.Transition != model.Pressed {
			continue
		}
		idx := int((ev.Timestamp - first) / 60)
		if idx >= maxActivityMinutes {
			continue
		}
		for len(buckets) <= idx {
			buckets = append(buckets, 0)
		}
		buckets[idx]++
	}
	return buckets
}

// WriteActivity prints a per-minute sparkline of retained events, resampled
// to at most width columns.
func WriteActivity(w io.Writer, events []model.KeyEvent, width int) error {
	values := ActivityPerMinute(events)
	if len(values) == 0 {
		_, err := fmt.Fprintln(w, "No retained events; collect with --retain-events for an activity timeline.")
		return err
	}
	peak := 0.0
	for _, v := range values {
		peak = max(peak, v)
	}
	if width > 0 && len(values) > width {
		values = downsample(values, width)
	}
	_, err := fmt.Fprintf(w, "Activity per minute (peak %.0f): |%s|\n", peak, Sparkline(values))
	return err
}

// downsample averages values into width buckets.
func downsample(values []float64, width int) []float64 {
	out := make([]float64, width)
	for i := range out {
		lo := i * len(values) / width
		hi := max((i+1)*len(values)/width, lo+1)
		sum := 0.0
		for _, v := range values[lo:hi] {
			sum += v
		}
		out[i] = sum / float64(hi-lo)
	}
	return out
}

// Sparkline renders a single-line ASCII sparkline for the values.
func Sparkline(values []float64) string {
	if len(values) == 0 {
		return ""
	}
	minVal := values[0]
	maxVal := values[0]
	for _, v := range values[1:] {
		if v < minVal {
			minVal = v
		}
		if v > maxVal {
			maxVal = v
		}
	}
	if math.Abs(maxVal-minVal) < 1e-9 {
		return strings.Repeat(string(sparkChars[len(sparkChars)/2]), len(values))
	}
	var b strings.Builder
	for _, v := range values {
		pos := (v - minVal) / (maxVal - minVal)
		idx := int(math.Round(pos * float64(len(sparkChars)-1)))
		if idx < 0 {
			idx = 0
		}
		if idx >= len(sparkChars) {
			idx = len(sparkChars) - 1
		}
		b.WriteByte(sparkChars[idx])
	}
	return b.String()
}

// WriteHistory prints stored sessions as a table.
func WriteHistory(w io.Writer, sessions []model.SessionSummary) error {
	if len(sessions) == 0 {
		_, err := fmt.Fprintln(w, "No sessions found.")
		return err
	}
	headers := []string{"Session", "Device", "Started", "Duration", "Status", "Keypresses", "Keys"}
	rows := make([][]string, 0, len(sessions))
	for _, s := range sessions {
		duration := "-"
		if s.EndTime != nil {
			duration = s.EndTime.Sub(s.StartTime).Round(time.Second).String()
		}
		rows = append(rows, []string{
			s.SessionID,
			s.DeviceID,
			humanize.Time(s.StartTime),
			duration,
			string(s.Status),
			humanize.Comma(int64(s.TotalKeypresses)),
			fmt.Sprintf("%d", s.UniqueKeys),
		})
	}
	for _, line := range formatTable(headers, rows, map[int]bool{3: true, 5: true, 6: true}) {
		if _, err := fmt.Fprintln(w, line); err != nil {
			return err
		}
	}
	return nil
}

func formatTable(headers []string, rows [][]string, rightAlignCols map[int]bool) []string {
	colCount := len(headers)
	for _, row := range rows {
		if len(row) > colCount {
			colCount = len(row)
		}
	}
	if colCount == 0 {
		return nil
	}

	widths := make([]int, colCount)
	for i, header := range headers {
		widths[i] = displayWidth(header)
	}
	for _, row := range rows {
		for i := 0; i < colCount; i++ {
			cell := ""
			if i < len(row) {
				cell = row[i]
			}
			if w := displayWidth(cell); w > widths[i] {
				widths[i] = w
			}
		}
	}

	lines := make([]string, 0, len(rows)+1)
	if len(headers) > 0 {
		lines = append(lines, formatRow(headers, widths, rightAlignCols))
	}
	for _, row := range rows {
		lines = append(lines, formatRow(row, widths, rightAlignCols))
	}
	return lines
}

func formatRow(row []string, widths []int, rightAlignCols map[int]bool) string {
	var b strings.Builder
	for i := 0; i < len(widths); i++ {
		cell := ""
		if i < len(row) {
			cell = row[i]
		}
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(padCell(cell, widths[i], rightAlignCols[i]))
	}
	return strings.TrimRight(b.String(), " ")
}

func padCell(value string, width int, rightAlign bool) string {
	valueWidth := displayWidth(value)
	if valueWidth >= width {
		return value
	}
	padding := width - valueWidth
	if rightAlign {
		return strings.Repeat(" ", padding) + value
	}
	return value + strings.Repeat(" ", padding)
}

func displayWidth(value string) int {
	return runewidth.StringWidth(value)
}

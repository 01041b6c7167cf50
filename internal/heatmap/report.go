package heatmap

import (
	"bytes"
	"fmt"
	"html"
	"io"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"github.com/verte-zerg/keyheat/internal/model"
)

// ReportOptions configures WriteHTMLReport.
type ReportOptions struct {
	Title string
	// ImagePath is referenced from the report when set.
	ImagePath string
	TopN      int
}

var markdown = goldmark.New(goldmark.WithExtensions(extension.GFM))

// ReportMarkdown builds the report body as Markdown.
func ReportMarkdown(session model.SessionData, res model.HeatmapResult, opts ReportOptions) string {
	title := opts.Title
	if title == "" {
		title = DefaultTitle(res.Stats)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", escapeMarkdown(title))
	if session.SessionID != "" {
		fmt.Fprintf(&b, "Session `%s`", session.SessionID)
		if session.DeviceID != "" {
			fmt.Fprintf(&b, " on **%s**", escapeMarkdown(session.DeviceID))
		}
		if session.Status != "" {
			fmt.Fprintf(&b, " (%s)", session.Status)
		}
		b.WriteString("\n\n")
	}
	for _, line := range StatsLines(res.Stats) {
		fmt.Fprintf(&b, "- %s\n", escapeMarkdown(line))
	}
	b.WriteString("\n")
	if opts.ImagePath != "" {
		fmt.Fprintf(&b, "![Keyboard heatmap](%s)\n\n", opts.ImagePath)
	}

	keys := TopKeys(res, opts.TopN)
	if len(keys) == 0 {
		b.WriteString("No keypresses recorded.\n")
		return b.String()
	}
	b.WriteString("## Top Keys\n\n")
	b.WriteString("| # | Key | Matrix | Count | Share |\n")
	b.WriteString("|--:|-----|--------|------:|------:|\n")
	for i, k := range keys {
		share := 0.0
		if res.Stats.Total > 0 {
			share = float64(k.Count) / float64(res.Stats.Total) * 100
		}
		fmt.Fprintf(&b, "| %d | %s | %s | %s | %.1f%% |\n",
			i+1, escapeMarkdown(k.Position.Label), k.Position.Coord(), humanize.Comma(int64(k.Count)), share)
	}
	return b.String()
}

// WriteHTMLReport writes a standalone HTML page with the session statistics,
// the top keys table and, when given, the rendered image.
func WriteHTMLReport(w io.Writer, session model.SessionData, res model.HeatmapResult, opts ReportOptions) error {
	var body bytes.Buffer
	if err := markdown.Convert([]byte(ReportMarkdown(session, res, opts)), &body); err != nil {
		return fmt.Errorf("render report: %w", err)
	}
	title := opts.Title
	if title == "" {
		title = DefaultTitle(res.Stats)
	}
	_, err := fmt.Fprintf(w, `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>%s</title>
<style>
body { font-family: sans-serif; max-width: 60rem; margin: 2rem auto; }
img { max-width: 100%%; }
table { border-collapse: collapse; }
th, td { border: 1px solid #ccc; padding: 0.2rem 0.6rem; }
</style>
</head>
<body>
%s</body>
</html>
`, html.EscapeString(title), body.String())
	return err
}

var markdownEscaper = strings.NewReplacer(
	`\`, `\\`, "`", "\\`", "*", `\*`, "_", `\_`, "[", `\[`, "]", `\]`,
	"<", `\<`, ">", `\>`, "|", `\|`, "#", `\#`,
)

func escapeMarkdown(s string) string {
	return markdownEscaper.Replace(s)
}

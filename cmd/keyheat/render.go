package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/verte-zerg/keyheat/internal/config"
	"github.com/verte-zerg/keyheat/internal/heatmap"
	"github.com/verte-zerg/keyheat/internal/model"
	"github.com/verte-zerg/keyheat/internal/record"
	"github.com/verte-zerg/keyheat/internal/store"
	"github.com/verte-zerg/keyheat/internal/watch"
)

const (
	defaultImagePath = "heatmap.png"
	defaultTopN      = 10
	defaultWidth     = 80
	latestSessionID  = "latest"
)

// sessionSource selects where a session record is read from.
type sessionSource struct {
	path string
	id   string
	db   string
}

func (s *sessionSource) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&s.path, "session", config.DefaultSessionPath(), "session record path")
	cmd.Flags().StringVar(&s.id, "session-id", "", "load a session from the database instead (\"latest\" for the newest)")
	cmd.Flags().StringVar(&s.db, "db", config.DefaultDBPath(), "SQLite database path")
}

func (s *sessionSource) apply(cmd *cobra.Command) {
	applyConfig(cmd, "session", &s.path, fileCfg.Collect.Output)
	applyConfig(cmd, "db", &s.db, fileCfg.Collect.DB)
}

func (s *sessionSource) load(ctx context.Context) (model.SessionData, error) {
	if s.id == "" {
		return record.ReadSession(s.path)
	}
	st, err := store.Open(s.db)
	if err != nil {
		return model.SessionData{}, fmt.Errorf("failed to open db: %w", err)
	}
	defer func() {
		if cerr := st.Close(); cerr != nil {
			logErrf("failed to close db: %v\n", cerr)
		}
	}()
	var sess model.SessionData
	if s.id == latestSessionID {
		sess, err = st.LatestSession(ctx)
	} else {
		sess, err = st.GetSession(ctx, s.id)
	}
	if errors.Is(err, store.ErrNotFound) {
		return model.SessionData{}, fmt.Errorf("session %q not found in %s", s.id, s.db)
	}
	return sess, err
}

var (
	renderSource   sessionSource
	renderLayout   string
	renderOutput   string
	renderColormap string
	renderTitle    string
	renderTerminal bool
	renderReport   string
	renderWatch    bool

	statsSource sessionSource
	statsLayout string
	statsTop    int

	historyDB     string
	historyDevice string
	historySince  string
	historyLast   int
)

func newRenderCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "render",
		Short: "Render a session as a heatmap image",
		Args:  cobra.NoArgs,
		RunE:  runRenderCmd,
	}
	renderSource.register(cmd)
	cmd.Flags().StringVar(&renderLayout, "layout", config.DefaultLayoutPath(), "layout file")
	cmd.Flags().StringVarP(&renderOutput, "output", "o", defaultImagePath, "image path (.png, .jpg)")
	cmd.Flags().StringVar(&renderColormap, "colormap", heatmap.DefaultColormap, "colormap name")
	cmd.Flags().StringVar(&renderTitle, "title", "", "image title (default: keypress summary)")
	cmd.Flags().BoolVar(&renderTerminal, "terminal", false, "also print the heatmap in the terminal")
	cmd.Flags().StringVar(&renderReport, "report", "", "also write an HTML report to this path")
	cmd.Flags().BoolVar(&renderWatch, "watch", false, "re-render whenever the session file changes")
	return cmd
}

func runRenderCmd(cmd *cobra.Command, _ []string) error {
	renderSource.apply(cmd)
	applyConfig(cmd, "layout", &renderLayout, fileCfg.Render.Layout)
	applyConfig(cmd, "output", &renderOutput, fileCfg.Render.Output)
	applyConfig(cmd, "colormap", &renderColormap, fileCfg.Render.Colormap)
	applyConfig(cmd, "title", &renderTitle, fileCfg.Render.Title)

	if renderOutput == "" {
		return fmt.Errorf("--output must not be empty")
	}
	if _, err := heatmap.LookupColormap(renderColormap); err != nil {
		return err
	}
	if renderWatch && renderSource.id != "" {
		return fmt.Errorf("--watch follows a session file and cannot be combined with --session-id")
	}
	layout, err := record.ReadLayout(renderLayout)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if !renderWatch {
		return renderOnce(cmd.Context(), out, layout)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	logErrf("Watching %s; press Ctrl+C to stop.\n", renderSource.path)
	return watch.Run(ctx, renderSource.path, watch.DefaultDebounce, func(ctx context.Context) error {
		return renderOnce(ctx, out, layout)
	}, logger)
}

func renderOnce(ctx context.Context, out io.Writer, layout model.LayoutConfig) error {
	session, err := renderSource.load(ctx)
	if err != nil {
		return err
	}
	opts := model.RenderOptions{Colormap: renderColormap, Title: renderTitle, OutputPath: renderOutput}
	img, stats, err := heatmap.Render(session, layout, opts)
	if err != nil {
		return err
	}
	if err := heatmap.WriteImage(renderOutput, img); err != nil {
		return err
	}
	logger.Info("heatmap rendered", "session", session.SessionID, "path", renderOutput, "total", stats.Total)

	if renderTerminal || renderReport != "" {
		cmap, err := heatmap.LookupColormap(renderColormap)
		if err != nil {
			return err
		}
		res := heatmap.Compute(session, layout)
		if renderTerminal {
			if err := heatmap.WriteTerminal(out, res, cmap); err != nil {
				return fmt.Errorf("failed to write output: %w", err)
			}
		}
		if renderReport != "" {
			if err := writeReport(renderReport, session, res); err != nil {
				return err
			}
		}
	}
	_, err = fmt.Fprintf(out, "Heatmap saved to %s (%d keypresses)\n", renderOutput, stats.Total)
	return err
}

func writeReport(path string, session model.SessionData, res model.HeatmapResult) error {
	opts := heatmap.ReportOptions{Title: renderTitle, ImagePath: renderOutput, TopN: defaultTopN}
	err := record.WriteAtomic(path, ".report-*.html", func(w io.Writer) error {
		return heatmap.WriteHTMLReport(w, session, res, opts)
	})
	if err != nil {
		return &record.PersistenceError{Op: "write report", Path: path, Err: err}
	}
	return nil
}

func newStatsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show session statistics and the most used keys",
		Args:  cobra.NoArgs,
		RunE:  runStatsCmd,
	}
	statsSource.register(cmd)
	cmd.Flags().StringVar(&statsLayout, "layout", config.DefaultLayoutPath(), "layout file")
	cmd.Flags().IntVar(&statsTop, "top", defaultTopN, "number of keys to list (0 = all)")
	return cmd
}

func runStatsCmd(cmd *cobra.Command, _ []string) error {
	statsSource.apply(cmd)
	applyConfig(cmd, "layout", &statsLayout, fileCfg.Render.Layout)
	if statsTop < 0 {
		return fmt.Errorf("--top must be >= 0")
	}

	session, err := statsSource.load(cmd.Context())
	if err != nil {
		return err
	}
	layout, err := record.ReadLayout(statsLayout)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) || cmd.Flags().Changed("layout") {
			return err
		}
		logErrf("no layout at %s; keys are shown by matrix position\n", statsLayout)
		layout = bareLayout(session)
	}

	res := heatmap.Compute(session, layout)
	out := cmd.OutOrStdout()
	if err := heatmap.WriteSummary(out, session, res.Stats); err != nil {
		return fmt.Errorf("failed to write output: %w", err)
	}
	if err := heatmap.WriteTopKeys(out, res, statsTop); err != nil {
		return fmt.Errorf("failed to write output: %w", err)
	}
	width := defaultWidth
	if heatmap.IsTerminal(out) {
		width = heatmap.TerminalWidth(defaultWidth)
	}
	if err := heatmap.WriteActivity(out, session.Events, max(width-40, 10)); err != nil {
		return fmt.Errorf("failed to write output: %w", err)
	}
	return nil
}

func newHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List sessions saved to the database",
		Args:  cobra.NoArgs,
		RunE:  runHistoryCmd,
	}
	cmd.Flags().StringVar(&historyDB, "db", config.DefaultDBPath(), "SQLite database path")
	cmd.Flags().StringVar(&historyDevice, "device-id", "", "device filter")
	cmd.Flags().StringVar(&historySince, "since", "", "start date (YYYY-MM-DD)")
	cmd.Flags().IntVar(&historyLast, "last", 0, "limit to last N sessions")
	return cmd
}

func runHistoryCmd(cmd *cobra.Command, _ []string) error {
	applyConfig(cmd, "db", &historyDB, fileCfg.Collect.DB)
	if historyLast < 0 {
		return fmt.Errorf("--last must be >= 0")
	}
	filter := store.ListFilter{DeviceID: historyDevice, Limit: historyLast}
	if historySince != "" {
		parsed, err := time.ParseInLocation("2006-01-02", historySince, time.Local)
		if err != nil {
			return fmt.Errorf("invalid --since value: %w", err)
		}
		filter.Since = &parsed
	}

	st, err := store.Open(historyDB)
	if err != nil {
		return fmt.Errorf("failed to open db: %w", err)
	}
	defer func() {
		if cerr := st.Close(); cerr != nil {
			logErrf("failed to close db: %v\n", cerr)
		}
	}()

	sessions, err := st.ListSessions(cmd.Context(), filter)
	if err != nil {
		return fmt.Errorf("failed to load sessions: %w", err)
	}
	if err := heatmap.WriteHistory(cmd.OutOrStdout(), sessions); err != nil {
		return fmt.Errorf("failed to write output: %w", err)
	}
	return nil
}

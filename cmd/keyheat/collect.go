package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/verte-zerg/keyheat/internal/collector"
	"github.com/verte-zerg/keyheat/internal/config"
	"github.com/verte-zerg/keyheat/internal/heatmap"
	"github.com/verte-zerg/keyheat/internal/model"
	"github.com/verte-zerg/keyheat/internal/record"
	"github.com/verte-zerg/keyheat/internal/store"
	"github.com/verte-zerg/keyheat/internal/transport"
)

var (
	collectDevice             string
	collectBaud               int
	collectInput              string
	collectOutput             string
	collectLayout             string
	collectDuration           time.Duration
	collectCheckpointInterval time.Duration
	collectCheckpointEvery    int
	collectMaxReconnects      int
	collectDeviceID           string
	collectRetainEvents       bool
	collectDB                 string
)

func newCollectCmd() *cobra.Command {
	def := collector.DefaultConfig()
	cmd := &cobra.Command{
		Use:   "collect",
		Short: "Record keypresses from a keyboard's log stream",
		Args:  cobra.NoArgs,
		RunE:  runCollectCmd,
	}
	cmd.Flags().StringVar(&collectDevice, "device", transport.DefaultDevice, "serial device")
	cmd.Flags().IntVar(&collectBaud, "baud", transport.DefaultBaud, "serial baud rate")
	cmd.Flags().StringVar(&collectInput, "input", "", "replay a captured log file instead of the device (- for stdin)")
	cmd.Flags().StringVarP(&collectOutput, "output", "o", config.DefaultSessionPath(), "session record path")
	cmd.Flags().StringVar(&collectLayout, "layout", "", "layout file, used to report unmapped keys")
	cmd.Flags().DurationVar(&collectDuration, "duration", 0, "stop after this long (0 = until interrupted)")
	cmd.Flags().DurationVar(&collectCheckpointInterval, "checkpoint-interval", def.CheckpointInterval, "checkpoint period (0 = off)")
	cmd.Flags().IntVar(&collectCheckpointEvery, "checkpoint-every", 0, "also checkpoint every N keypresses (0 = off)")
	cmd.Flags().IntVar(&collectMaxReconnects, "max-reconnects", def.MaxReconnects, "consecutive reconnect attempts before giving up")
	cmd.Flags().StringVar(&collectDeviceID, "device-id", "", "device identifier stored with the session (default: device path)")
	cmd.Flags().BoolVar(&collectRetainEvents, "retain-events", false, "keep raw events in the session record")
	cmd.Flags().StringVar(&collectDB, "db", "", "also save the session to this SQLite database")
	return cmd
}

func runCollectCmd(cmd *cobra.Command, _ []string) error {
	applyConfig(cmd, "device", &collectDevice, fileCfg.Collect.Device)
	applyConfig(cmd, "baud", &collectBaud, fileCfg.Collect.Baud)
	applyConfig(cmd, "output", &collectOutput, fileCfg.Collect.Output)
	applyConfig(cmd, "duration", &collectDuration, fileCfg.Collect.Duration)
	applyConfig(cmd, "checkpoint-interval", &collectCheckpointInterval, fileCfg.Collect.CheckpointInterval)
	applyConfig(cmd, "checkpoint-every", &collectCheckpointEvery, fileCfg.Collect.CheckpointEvery)
	applyConfig(cmd, "max-reconnects", &collectMaxReconnects, fileCfg.Collect.MaxReconnects)
	applyConfig(cmd, "device-id", &collectDeviceID, fileCfg.Collect.DeviceID)
	applyConfig(cmd, "retain-events", &collectRetainEvents, fileCfg.Collect.RetainEvents)
	applyConfig(cmd, "db", &collectDB, fileCfg.Collect.DB)
	applyConfig(cmd, "layout", &collectLayout, fileCfg.Render.Layout)

	if err := validateCollect(); err != nil {
		return err
	}

	var layout *model.LayoutConfig
	if collectLayout != "" {
		l, err := record.ReadLayout(collectLayout)
		switch {
		case err == nil:
			layout = &l
		case errors.Is(err, os.ErrNotExist) && !cmd.Flags().Changed("layout"):
			logger.Debug("no layout, unmapped keys are not reported", "path", collectLayout)
		default:
			return err
		}
	}

	var src collector.Transport
	deviceID := collectDeviceID
	if collectInput != "" {
		src = transport.NewReplay(collectInput)
		if deviceID == "" {
			deviceID = collectInput
		}
	} else {
		src = transport.NewSerial(transport.SerialConfig{Path: collectDevice, Baud: collectBaud})
		if deviceID == "" {
			deviceID = collectDevice
		}
	}

	sinks := []collector.Checkpointer{record.FileCheckpointer{Path: collectOutput}}
	if collectDB != "" {
		st, err := store.Open(collectDB)
		if err != nil {
			return fmt.Errorf("failed to open db: %w", err)
		}
		defer func() {
			if cerr := st.Close(); cerr != nil {
				logErrf("failed to close db: %v\n", cerr)
			}
		}()
		sinks = append(sinks, st)
	}

	cfg := collector.DefaultConfig()
	cfg.DeviceID = deviceID
	cfg.CheckpointInterval = collectCheckpointInterval
	cfg.CheckpointEvery = collectCheckpointEvery
	cfg.MaxReconnects = collectMaxReconnects
	cfg.RetainEvents = collectRetainEvents

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logErrf("Collecting from %s; press Ctrl+C to stop.\n", src)
	res, err := collector.Collect(ctx, src, layout, collectDuration,
		collector.MultiCheckpointer(sinks), cfg, collector.WithLogger(logger))
	if err != nil {
		return err
	}
	if res.CheckpointFailures > 0 {
		logErrf("%d checkpoint(s) failed; last error: %v\n", res.CheckpointFailures, res.LastCheckpointErr)
	}
	if res.Status == model.StatusDisconnected {
		logErrf("device disconnected; the session was saved with the keypresses seen so far\n")
	}

	l := bareLayout(res.Session)
	if layout != nil {
		l = *layout
	}
	out := cmd.OutOrStdout()
	if err := heatmap.WriteSummary(out, res.Session, heatmap.Compute(res.Session, l).Stats); err != nil {
		return fmt.Errorf("failed to write output: %w", err)
	}
	_, err = fmt.Fprintf(out, "Session saved to %s\n", collectOutput)
	return err
}

func validateCollect() error {
	if collectOutput == "" {
		return fmt.Errorf("--output must not be empty")
	}
	if collectInput == "" && collectDevice == "" {
		return fmt.Errorf("--device must not be empty")
	}
	if collectBaud <= 0 {
		return fmt.Errorf("--baud must be > 0")
	}
	if collectDuration < 0 {
		return fmt.Errorf("--duration must be >= 0")
	}
	if collectCheckpointInterval < 0 {
		return fmt.Errorf("--checkpoint-interval must be >= 0")
	}
	if collectCheckpointEvery < 0 {
		return fmt.Errorf("--checkpoint-every must be >= 0")
	}
	if collectMaxReconnects < 0 {
		return fmt.Errorf("--max-reconnects must be >= 0")
	}
	return nil
}


// bareLayout places every recorded coordinate as its own key, for summaries
// taken without a layout file.
func bareLayout(s model.SessionData) model.LayoutConfig {
	var l model.LayoutConfig
	for _, c := range s.SortedCoords() {
		l.Positions = append(l.Positions, model.KeyPosition{
			PhysicalRow: c.Row,
			PhysicalCol: c.Col,
			MatrixRow:   c.Row,
			MatrixCol:   c.Col,
			Label:       c.String(),
		})
	}
	return l
}

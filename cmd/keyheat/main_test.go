package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/verte-zerg/keyheat/internal/config"
	"github.com/verte-zerg/keyheat/internal/model"
	"github.com/verte-zerg/keyheat/internal/record"
)

const testKeymap = `/ { keymap { compatible = "zmk,keymap";
	base {
		bindings = <
			&kp Q &kp W
			&kp A &kp S
		>;
	};
}; };
`

const testLog = `*** Booting Zephyr OS ***
[00:00:01.000,000] <dbg> zmk: kscan_process_msgq: Row: 0, col: 0, position: 0, pressed: true
[00:00:01.100,000] <dbg> zmk: kscan_process_msgq: Row: 0, col: 0, position: 0, pressed: false
[00:00:02.000,000] <dbg> zmk: kscan_process_msgq: Row: 0, col: 0, position: 0, pressed: true
[00:00:03.000,000] <dbg> zmk: kscan_process_msgq: Row: 1, col: 1, position: 3, pressed: true
garbage line
`

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestPipelineLayoutCollectRender(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(dir, "config"))
	t.Setenv("XDG_DATA_HOME", filepath.Join(dir, "data"))
	cfgPath := filepath.Join(dir, "missing.toml")

	keymapPath := filepath.Join(dir, "corne.keymap")
	logPath := filepath.Join(dir, "capture.log")
	layoutPath := filepath.Join(dir, "layout.yaml")
	sessionPath := filepath.Join(dir, "session.json")
	imagePath := filepath.Join(dir, "heatmap.png")
	reportPath := filepath.Join(dir, "report.html")
	dbPath := filepath.Join(dir, "keyheat.db")
	if err := os.WriteFile(keymapPath, []byte(testKeymap), 0o644); err != nil {
		t.Fatalf("write keymap: %v", err)
	}
	if err := os.WriteFile(logPath, []byte(testLog), 0o644); err != nil {
		t.Fatalf("write log: %v", err)
	}

	out, err := runCLI(t, "--config", cfgPath, "layout", keymapPath, "-o", layoutPath)
	if err != nil {
		t.Fatalf("layout: %v\n%s", err, out)
	}
	layout, err := record.ReadLayout(layoutPath)
	if err != nil {
		t.Fatalf("read layout: %v", err)
	}
	if layout.Name != "corne" || len(layout.Positions) != 4 {
		t.Fatalf("unexpected layout: %+v", layout)
	}

	out, err = runCLI(t, "--config", cfgPath, "collect",
		"--input", logPath, "--layout", layoutPath, "-o", sessionPath, "--db", dbPath, "--retain-events")
	if err != nil {
		t.Fatalf("collect: %v\n%s", err, out)
	}
	session, err := record.ReadSession(sessionPath)
	if err != nil {
		t.Fatalf("read session: %v", err)
	}
	if session.TotalKeypresses != 3 {
		t.Fatalf("expected 3 keypresses, got %d", session.TotalKeypresses)
	}
	if session.KeypressCounts[model.Coord{Row: 0, Col: 0}] != 2 {
		t.Fatalf("unexpected counts: %v", session.KeypressCounts)
	}
	if session.Status != model.StatusClosed || session.DeviceID != logPath {
		t.Fatalf("unexpected session metadata: %s %s", session.Status, session.DeviceID)
	}
	if !strings.Contains(out, "Session saved to") {
		t.Fatalf("missing save notice:\n%s", out)
	}

	out, err = runCLI(t, "--config", cfgPath, "render",
		"--session", sessionPath, "--layout", layoutPath, "-o", imagePath, "--report", reportPath, "--colormap", "viridis")
	if err != nil {
		t.Fatalf("render: %v\n%s", err, out)
	}
	for _, path := range []string{imagePath, reportPath} {
		if info, err := os.Stat(path); err != nil || info.Size() == 0 {
			t.Fatalf("expected %s to be written: %v", path, err)
		}
	}

	out, err = runCLI(t, "--config", cfgPath, "render",
		"--session-id", "latest", "--db", dbPath, "--layout", layoutPath, "-o", imagePath)
	if err != nil {
		t.Fatalf("render from db: %v\n%s", err, out)
	}
	if !strings.Contains(out, "3 keypresses") {
		t.Fatalf("unexpected render output:\n%s", out)
	}

	out, err = runCLI(t, "--config", cfgPath, "history", "--db", dbPath)
	if err != nil {
		t.Fatalf("history: %v\n%s", err, out)
	}
	if !strings.Contains(out, session.SessionID) {
		t.Fatalf("expected session %s in history:\n%s", session.SessionID, out)
	}

	out, err = runCLI(t, "--config", cfgPath, "stats", "--session", sessionPath, "--layout", layoutPath, "--top", "1")
	if err != nil {
		t.Fatalf("stats: %v\n%s", err, out)
	}
	if !strings.Contains(out, "Top Keys") || !strings.Contains(out, "Activity per minute") {
		t.Fatalf("unexpected stats output:\n%s", out)
	}
}

func TestRenderUnknownColormap(t *testing.T) {
	dir := t.TempDir()
	_, err := runCLI(t, "--config", filepath.Join(dir, "missing.toml"), "render",
		"--colormap", "rainbow", "--layout", filepath.Join(dir, "layout.json"))
	if err == nil || !strings.Contains(err.Error(), "unknown colormap") {
		t.Fatalf("expected unknown colormap error, got %v", err)
	}
}

func TestConfigFileAppliesUnlessFlagSet(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(cfgPath, []byte("[collect]\nbaud = 0\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	_, err := runCLI(t, "--config", cfgPath, "collect", "--input", "-")
	if err == nil || !strings.Contains(err.Error(), "--baud") {
		t.Fatalf("expected config baud to be validated, got %v", err)
	}
}

func TestDefaultConfigTemplateIsValid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(defaultConfigTemplate()), 0o644); err != nil {
		t.Fatalf("write template: %v", err)
	}
	cfg, err := config.LoadConfig(path)
	if err != nil {
		t.Fatalf("template does not parse: %v", err)
	}
	if cfg.Collect.Device != nil {
		t.Fatalf("template values should be commented out")
	}
}

func TestBareLayout(t *testing.T) {
	s := model.SessionData{KeypressCounts: map[model.Coord]int{
		{Row: 1, Col: 0}: 2,
		{Row: 0, Col: 3}: 1,
	}}
	l := bareLayout(s)
	if len(l.Positions) != 2 {
		t.Fatalf("expected 2 positions, got %d", len(l.Positions))
	}
	if l.Positions[0].Coord() != (model.Coord{Row: 0, Col: 3}) {
		t.Fatalf("expected sorted coordinates, got %+v", l.Positions)
	}
}

func TestKeymapName(t *testing.T) {
	if got := keymapName("/tmp/boards/corne.keymap"); got != "corne" {
		t.Fatalf("unexpected name: %s", got)
	}
}

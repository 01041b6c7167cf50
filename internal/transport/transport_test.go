package transport

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
)

func TestReplayReadsCapture(t *testing.T) {
	path := filepath.Join(t.TempDir(), "capture.log")
	if err := os.WriteFile(path, []byte("row=0 col=1 state=pressed\n"), 0o644); err != nil {
		t.Fatalf("write capture: %v", err)
	}
	r := NewReplay(path)
	if !r.Finite() {
		t.Fatalf("replay should be finite")
	}
	rc, err := r.Open(context.Background())
	if err != nil {
		t.Fatalf("open replay: %v", err)
	}
	defer func() { _ = rc.Close() }()
	data, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("read replay: %v", err)
	}
	if string(data) != "row=0 col=1 state=pressed\n" {
		t.Fatalf("unexpected replay data %q", data)
	}
}

func TestReplayMissingFile(t *testing.T) {
	if _, err := NewReplay(filepath.Join(t.TempDir(), "missing.log")).Open(context.Background()); err == nil {
		t.Fatalf("expected error for missing capture")
	}
}

func TestSerialDefaults(t *testing.T) {
	d := NewSerial(SerialConfig{})
	if d.String() != "/dev/ttyACM0@115200" {
		t.Fatalf("unexpected defaults %q", d.String())
	}
	if d.Finite() {
		t.Fatalf("serial dialer should not be finite")
	}
}

func TestSerialOpenCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := NewSerial(SerialConfig{}).Open(ctx); err == nil {
		t.Fatalf("expected error for cancelled context")
	}
}

func TestSerialOpenRejectsRegularFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "not-a-tty")
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	if _, err := NewSerial(SerialConfig{Path: path}).Open(context.Background()); err == nil {
		t.Fatalf("expected error opening a regular file as a serial port")
	}
}

// Package transport provides the byte streams the collector reads log lines from.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"
)

// ErrTimeout is returned by Read when no byte arrived within the read timeout.
// It is not fatal: the caller may poll for cancellation and read again.
var ErrTimeout = errors.New("transport: read timeout")

const (
	// DefaultDevice is the usual CDC-ACM path of a keyboard with USB logging.
	DefaultDevice = "/dev/ttyACM0"
	// DefaultBaud matches the firmware logging backend.
	DefaultBaud = 115200
	// DefaultReadTimeout bounds how long one Read blocks.
	DefaultReadTimeout = time.Second
)

// SerialConfig describes a serial device.
type SerialConfig struct {
	Path        string
	Baud        int
	ReadTimeout time.Duration
}

// SerialDialer opens a serial device on every connection attempt.
type SerialDialer struct {
	cfg SerialConfig
}

// NewSerial returns a dialer for cfg, filling defaults.
func NewSerial(cfg SerialConfig) *SerialDialer {
	if cfg.Path == "" {
		cfg.Path = DefaultDevice
	}
	if cfg.Baud <= 0 {
		cfg.Baud = DefaultBaud
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	return &SerialDialer{cfg: cfg}
}

// Open opens and configures the device.
func (d *SerialDialer) Open(ctx context.Context) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return openPort(d.cfg)
}

// Finite reports false: a serial device that reaches EOF has been unplugged.
func (d *SerialDialer) Finite() bool {
	return false
}

func (d *SerialDialer) String() string {
	return fmt.Sprintf("%s@%d", d.cfg.Path, d.cfg.Baud)
}

// Replay reads a captured log from a file, or stdin when the path is "-".
type Replay struct {
	path string
}

// NewReplay returns a finite transport over a captured log.
func NewReplay(path string) *Replay {
	return &Replay{path: path}
}

// Open opens the capture.
func (r *Replay) Open(ctx context.Context) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if r.path == "-" {
		return io.NopCloser(os.Stdin), nil
	}
	f, err := os.Open(r.path)
	if err != nil {
		return nil, fmt.Errorf("open replay: %w", err)
	}
	return f, nil
}

// Finite reports true: EOF ends the capture.
func (r *Replay) Finite() bool {
	return true
}

func (r *Replay) String() string {
	if r.path == "-" {
		return "stdin"
	}
	return r.path
}

//go:build !linux

package transport

import (
	"fmt"
	"io"
	"runtime"
)

// TODO: configure ports on darwin with TIOCGETA/TIOCSETA.
func openPort(cfg SerialConfig) (io.ReadCloser, error) {
	return nil, fmt.Errorf("serial transport is not supported on %s (device %s)", runtime.GOOS, cfg.Path)
}

package watch

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/verte-zerg/keyheat/internal/logging"
)

func TestRunRerunsOnRewrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "session.json")
	require.NoError(t, os.WriteFile(path, []byte("{}"), 0o644))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	calls := make(chan struct{}, 16)
	done := make(chan error, 1)
	go func() {
		done <- Run(ctx, path, 20*time.Millisecond, func(context.Context) error {
			calls <- struct{}{}
			return errors.New("render failed")
		}, logging.Discard())
	}()

	waitCall(t, calls)

	// Rewrite through a temp file and rename, like checkpoint writes do.
	tmp := filepath.Join(dir, ".session-tmp.json")
	require.NoError(t, os.WriteFile(tmp, []byte(`{"a":1}`), 0o644))
	require.NoError(t, os.Rename(tmp, path))
	waitCall(t, calls)

	// Unrelated files are ignored.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.txt"), []byte("x"), 0o644))
	select {
	case <-calls:
		t.Fatalf("unexpected run for unrelated file")
	case <-time.After(150 * time.Millisecond):
	}

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatalf("watch did not stop after cancel")
	}
}

func TestRunMissingDirectory(t *testing.T) {
	err := Run(context.Background(), filepath.Join(t.TempDir(), "missing", "session.json"), 0,
		func(context.Context) error { return nil }, logging.Discard())
	require.Error(t, err)
}

func waitCall(t *testing.T, calls <-chan struct{}) {
	t.Helper()
	select {
	case <-calls:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for run")
	}
}

package collector

import (
	"context"
	"errors"
	"log/slog"

	"github.com/verte-zerg/keyheat/internal/model"
)

// Checkpointer persists a session snapshot, replacing the previous one.
type Checkpointer interface {
	Checkpoint(ctx context.Context, s model.SessionData) error
}

// CheckpointFunc adapts a function to Checkpointer.
type CheckpointFunc func(ctx context.Context, s model.SessionData) error

// Checkpoint calls f.
func (f CheckpointFunc) Checkpoint(ctx context.Context, s model.SessionData) error {
	return f(ctx, s)
}

// MultiCheckpointer writes every snapshot to each sink in order. All sinks are
// attempted; their errors are joined.
type MultiCheckpointer []Checkpointer

// Checkpoint writes s to every sink.
func (m MultiCheckpointer) Checkpoint(ctx context.Context, s model.SessionData) error {
	var errs []error
	for _, cp := range m {
		if cp == nil {
			continue
		}
		if err := cp.Checkpoint(ctx, s); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// checkpointWriter persists snapshots off the read loop. The pending slot
// holds at most one snapshot and a newer one replaces an unwritten older one,
// so writes happen in submission order and never go backwards.
type checkpointWriter struct {
	cp      Checkpointer
	logger  *slog.Logger
	pending chan model.SessionData

	written  int
	failures int
	lastErr  error
}

func newCheckpointWriter(cp Checkpointer, logger *slog.Logger) *checkpointWriter {
	return &checkpointWriter{
		cp:      cp,
		logger:  logger,
		pending: make(chan model.SessionData, 1),
	}
}

// submit queues s. It is only called from the collection loop.
func (w *checkpointWriter) submit(s model.SessionData) {
	select {
	case w.pending <- s:
		return
	default:
	}
	select {
	case <-w.pending:
	default:
	}
	select {
	case w.pending <- s:
	default:
	}
}

// run writes queued snapshots until the pending slot is closed.
func (w *checkpointWriter) run(ctx context.Context) error {
	for s := range w.pending {
		w.write(ctx, s)
	}
	return nil
}

func (w *checkpointWriter) write(ctx context.Context, s model.SessionData) {
	if err := w.cp.Checkpoint(ctx, s); err != nil {
		w.failures++
		w.lastErr = err
		w.logger.Error("checkpoint failed", "session", s.SessionID, "total", s.TotalKeypresses, "err", err)
		return
	}
	w.written++
	w.logger.Debug("checkpoint written", "session", s.SessionID, "total", s.TotalKeypresses)
}

func (w *checkpointWriter) close() {
	close(w.pending)
}

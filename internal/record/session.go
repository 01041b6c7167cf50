package record

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/verte-zerg/keyheat/internal/model"
)

// EncodeSession writes s as indented JSON. Counts are keyed "row,col".
func EncodeSession(w io.Writer, s model.SessionData) error {
	if s.KeypressCounts == nil {
		s.KeypressCounts = map[model.Coord]int{}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(s)
}

// DecodeSession reads and validates a session record.
func DecodeSession(r io.Reader) (model.SessionData, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return model.SessionData{}, err
	}
	if err := validateJSON(sessionSchema, data); err != nil {
		return model.SessionData{}, err
	}
	var s model.SessionData
	if err := json.Unmarshal(data, &s); err != nil {
		return model.SessionData{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if s.KeypressCounts == nil {
		s.KeypressCounts = map[model.Coord]int{}
	}
	if sum := s.SumCounts(); sum != s.TotalKeypresses {
		return model.SessionData{}, fmt.Errorf("%w: total_keypresses %d does not match count sum %d", ErrInvalid, s.TotalKeypresses, sum)
	}
	return s, nil
}

// WriteSession atomically replaces the session record at path.
func WriteSession(path string, s model.SessionData) error {
	err := WriteAtomic(path, ".session-*.json", func(w io.Writer) error {
		return EncodeSession(w, s)
	})
	if err != nil {
		return &PersistenceError{Op: "write session", Path: path, Err: err}
	}
	return nil
}

// ReadSession loads the session record at path.
func ReadSession(path string) (model.SessionData, error) {
	f, err := os.Open(path)
	if err != nil {
		return model.SessionData{}, &PersistenceError{Op: "read session", Path: path, Err: err}
	}
	defer func() { _ = f.Close() }()
	s, err := DecodeSession(f)
	if err != nil {
		return model.SessionData{}, &PersistenceError{Op: "read session", Path: path, Err: err}
	}
	return s, nil
}

// FileCheckpointer checkpoints a session by rewriting one JSON file.
type FileCheckpointer struct {
	Path string
}

// Checkpoint writes s over the previous checkpoint.
func (f FileCheckpointer) Checkpoint(ctx context.Context, s model.SessionData) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return WriteSession(f.Path, s)
}

package record

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/verte-zerg/keyheat/internal/model"
)

// Format is a layout file encoding.
type Format int

// Layout formats.
const (
	FormatJSON Format = iota
	FormatYAML
)

// FormatForPath picks the layout encoding from the file extension.
func FormatForPath(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML
	default:
		return FormatJSON
	}
}

// EncodeLayout writes l in the given format.
func EncodeLayout(w io.Writer, l model.LayoutConfig, format Format) error {
	if l.Positions == nil {
		l.Positions = []model.KeyPosition{}
	}
	if format == FormatYAML {
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(l); err != nil {
			return err
		}
		return enc.Close()
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	return enc.Encode(l)
}

// DecodeLayout reads and validates a layout configuration.
func DecodeLayout(r io.Reader, format Format) (model.LayoutConfig, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return model.LayoutConfig{}, err
	}
	if format == FormatYAML {
		// YAML is validated through its JSON projection.
		var l model.LayoutConfig
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&l); err != nil {
			return model.LayoutConfig{}, fmt.Errorf("%w: %v", ErrInvalid, err)
		}
		if data, err = json.Marshal(l); err != nil {
			return model.LayoutConfig{}, err
		}
	}
	if err := validateJSON(layoutSchema, data); err != nil {
		return model.LayoutConfig{}, err
	}
	var l model.LayoutConfig
	if err := json.Unmarshal(data, &l); err != nil {
		return model.LayoutConfig{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if err := checkLayout(l); err != nil {
		return model.LayoutConfig{}, err
	}
	return l, nil
}

func checkLayout(l model.LayoutConfig) error {
	seen := make(map[model.Coord]int, len(l.Positions))
	for i, p := range l.Positions {
		if prev, ok := seen[p.Coord()]; ok {
			return fmt.Errorf("%w: positions %d and %d share matrix coordinate %s", ErrInvalid, prev, i, p.Coord())
		}
		seen[p.Coord()] = i
	}
	return nil
}

// WriteLayout atomically writes l to path, as YAML for .yaml/.yml and JSON otherwise.
func WriteLayout(path string, l model.LayoutConfig) error {
	err := WriteAtomic(path, ".layout-*"+filepath.Ext(path), func(w io.Writer) error {
		return EncodeLayout(w, l, FormatForPath(path))
	})
	if err != nil {
		return &PersistenceError{Op: "write layout", Path: path, Err: err}
	}
	return nil
}

// ReadLayout loads the layout configuration at path.
func ReadLayout(path string) (model.LayoutConfig, error) {
	f, err := os.Open(path)
	if err != nil {
		return model.LayoutConfig{}, &PersistenceError{Op: "read layout", Path: path, Err: err}
	}
	defer func() { _ = f.Close() }()
	l, err := DecodeLayout(f, FormatForPath(path))
	if err != nil {
		return model.LayoutConfig{}, &PersistenceError{Op: "read layout", Path: path, Err: err}
	}
	return l, nil
}

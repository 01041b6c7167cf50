package keymap

import (
	"errors"
	"fmt"
	"strings"

	"github.com/verte-zerg/keyheat/internal/model"
)

// ErrParse matches every ParseError via errors.Is.
var ErrParse = errors.New("keymap parse error")

// ParseError reports a keymap that cannot be resolved.
type ParseError struct {
	Layer  string
	Reason string
}

func (e *ParseError) Error() string {
	if e.Layer != "" {
		return fmt.Sprintf("keymap: layer %q: %s", e.Layer, e.Reason)
	}
	return "keymap: " + e.Reason
}

// Is reports ErrParse.
func (e *ParseError) Is(target error) bool {
	return target == ErrParse
}

// Geometry declares the keyboard matrix. Zero values are inferred from the
// base layer's line structure.
type Geometry struct {
	Rows int
	// Cols is the column count of one half on split keyboards.
	Cols  int
	Split bool
	// RightOffset is the first matrix column of the right half; defaults to Cols.
	RightOffset int
}

// Options configures Resolve.
type Options struct {
	Name     string
	Geometry Geometry
	// ExpectedKeys, when set, is the declared physical key count.
	ExpectedKeys int
}

type layerBlock struct {
	name  string
	lines [][]string
}

// Resolve parses keymap text into a LayoutConfig. The base layer's line
// breaks define physical rows; matrix coordinates follow declaration order.
func Resolve(text string, opts Options) (model.LayoutConfig, error) {
	tree, err := parseTree(stripComments(text))
	if err != nil {
		return model.LayoutConfig{}, &ParseError{Reason: err.Error()}
	}
	kinds := collectBehaviorKinds(tree)

	var keymapNode *node
	tree.walk(func(n *node) {
		if keymapNode == nil && n.compatible() == "zmk,keymap" {
			keymapNode = n
		}
	})
	if keymapNode == nil {
		return model.LayoutConfig{}, &ParseError{Reason: `no keymap block (compatible = "zmk,keymap") found`}
	}

	var layers []layerBlock
	for _, child := range keymapNode.children {
		raw, ok := child.props["bindings"]
		if !ok {
			continue
		}
		layers = append(layers, layerBlock{name: layerName(child), lines: splitBindingLines(raw)})
	}
	if len(layers) == 0 {
		return model.LayoutConfig{}, &ParseError{Reason: "keymap block has no layers with bindings"}
	}

	base := layers[0]
	lineSizes := make([]int, 0, len(base.lines))
	count := 0
	for _, line := range base.lines {
		lineSizes = append(lineSizes, len(line))
		count += len(line)
	}
	if count == 0 {
		return model.LayoutConfig{}, &ParseError{Layer: base.name, Reason: "layer has no bindings"}
	}
	if opts.ExpectedKeys > 0 && count != opts.ExpectedKeys {
		return model.LayoutConfig{}, &ParseError{
			Layer:  base.name,
			Reason: fmt.Sprintf("has %d bindings, expected %d physical keys", count, opts.ExpectedKeys),
		}
	}

	bindings := make([][]Binding, len(layers))
	names := make([]string, len(layers))
	for li, layer := range layers {
		names[li] = layer.name
		for _, line := range layer.lines {
			for _, raw := range line {
				bindings[li] = append(bindings[li], parseBinding(raw, kinds))
			}
		}
		if len(bindings[li]) != count {
			return model.LayoutConfig{}, &ParseError{
				Layer:  layer.name,
				Reason: fmt.Sprintf("has %d bindings, expected %d physical keys", len(bindings[li]), count),
			}
		}
	}

	positions, geom, err := place(lineSizes, opts.Geometry)
	if err != nil {
		return model.LayoutConfig{}, &ParseError{Layer: base.name, Reason: err.Error()}
	}

	seen := make(map[model.Coord]int, len(positions))
	for i := range positions {
		c := positions[i].Coord()
		if prev, dup := seen[c]; dup {
			return model.LayoutConfig{}, &ParseError{
				Reason: fmt.Sprintf("positions %d and %d share matrix coordinate %s", prev, i, c),
			}
		}
		seen[c] = i
		positions[i].Label, positions[i].Composite = Label(bindings[0][i])
		positions[i].LayerBindings = make(map[int]string, len(layers))
		for li := range layers {
			positions[i].LayerBindings[li] = bindings[li][i].String()
		}
	}

	return model.LayoutConfig{
		Name:      opts.Name,
		Rows:      geom.Rows,
		Cols:      geom.Cols,
		Split:     geom.Split,
		Layers:    names,
		Positions: positions,
	}, nil
}

func layerName(n *node) string {
	for _, key := range []string{"display-name", "label"} {
		if v := unquote(n.props[key]); v != "" {
			return v
		}
	}
	return n.name
}

// splitBindingLines groups the bindings of a `<...>` value by source line.
// Parameters spilling onto a following line stay with their binding.
func splitBindingLines(value string) [][]string {
	value = strings.NewReplacer("<", " ", ">", " ", ",", " ").Replace(value)
	var lines [][]string
	for _, line := range strings.Split(value, "\n") {
		var current []string
		for _, tok := range splitParams(line) {
			if strings.HasPrefix(tok, "&") {
				current = append(current, tok)
				continue
			}
			switch {
			case len(current) > 0:
				current[len(current)-1] += " " + tok
			case len(lines) > 0 && len(lines[len(lines)-1]) > 0:
				prev := lines[len(lines)-1]
				prev[len(prev)-1] += " " + tok
			}
		}
		if len(current) > 0 {
			lines = append(lines, current)
		}
	}
	return lines
}

// place assigns matrix and physical coordinates to every binding index.
func place(lineSizes []int, g Geometry) ([]model.KeyPosition, Geometry, error) {
	total := 0
	for _, n := range lineSizes {
		total += n
	}
	if len(lineSizes) == 1 && g.Cols > 0 && total > g.Cols {
		return placeByIndex(total, g)
	}

	out := Geometry{Rows: g.Rows, Cols: g.Cols, Split: g.Split, RightOffset: g.RightOffset}
	if out.Rows == 0 {
		out.Rows = len(lineSizes)
	}
	if len(lineSizes) > out.Rows {
		return nil, out, fmt.Errorf("%d binding rows exceed declared %d matrix rows", len(lineSizes), out.Rows)
	}
	if out.Cols == 0 {
		for _, n := range lineSizes {
			width := n
			if out.Split {
				width = (n + 1) / 2
			}
			if width > out.Cols {
				out.Cols = width
			}
		}
	}
	if out.Split && out.RightOffset == 0 {
		out.RightOffset = out.Cols
	}

	positions := make([]model.KeyPosition, 0, total)
	for r, n := range lineSizes {
		if !out.Split {
			if n > out.Cols {
				return nil, out, fmt.Errorf("row %d has %d bindings, exceeds %d matrix columns", r, n, out.Cols)
			}
			for j := 0; j < n; j++ {
				positions = append(positions, model.KeyPosition{
					PhysicalRow: r, PhysicalCol: j,
					MatrixRow: r, MatrixCol: j,
				})
			}
			continue
		}
		left := (n + 1) / 2
		right := n - left
		if left > out.Cols || right > out.Cols {
			return nil, out, fmt.Errorf("row %d has %d bindings, exceeds %d columns per half", r, n, out.Cols)
		}
		// Halves align toward the centre so short thumb rows sit inward.
		for j := 0; j < left; j++ {
			col := out.Cols - left + j
			positions = append(positions, model.KeyPosition{
				PhysicalRow: r, PhysicalCol: col,
				MatrixRow: r, MatrixCol: col,
				Side: "left",
			})
		}
		for k := 0; k < right; k++ {
			positions = append(positions, model.KeyPosition{
				PhysicalRow: r, PhysicalCol: out.Cols + 1 + k,
				MatrixRow: r, MatrixCol: out.RightOffset + k,
				Side: "right",
			})
		}
	}
	return positions, out, nil
}

func placeByIndex(total int, g Geometry) ([]model.KeyPosition, Geometry, error) {
	out := g
	width := g.Cols
	if g.Split {
		width = 2 * g.Cols
		if out.RightOffset == 0 {
			out.RightOffset = g.Cols
		}
	}
	rows := (total + width - 1) / width
	if out.Rows == 0 {
		out.Rows = rows
	}
	if rows > out.Rows {
		return nil, out, fmt.Errorf("%d bindings exceed the %dx%d matrix", total, out.Rows, width)
	}
	positions := make([]model.KeyPosition, 0, total)
	for i := 0; i < total; i++ {
		r, j := i/width, i%width
		pos := model.KeyPosition{PhysicalRow: r, PhysicalCol: j, MatrixRow: r, MatrixCol: j}
		if g.Split {
			if j < g.Cols {
				pos.Side = "left"
			} else {
				pos.Side = "right"
				pos.PhysicalCol = j + 1
				pos.MatrixCol = out.RightOffset + j - g.Cols
			}
		}
		positions = append(positions, pos)
	}
	return positions, out, nil
}

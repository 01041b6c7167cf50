// Package model defines shared data structures.
package model

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Coord is a keyboard matrix coordinate.
type Coord struct {
	Row int
	Col int
}

// String encodes the coordinate as "row,col".
func (c Coord) String() string {
	return strconv.Itoa(c.Row) + "," + strconv.Itoa(c.Col)
}

// MarshalText implements encoding.TextMarshaler so coordinates can key JSON objects.
func (c Coord) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (c *Coord) UnmarshalText(text []byte) error {
	parsed, err := ParseCoord(string(text))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// ParseCoord parses the "row,col" encoding produced by Coord.String.
func ParseCoord(s string) (Coord, error) {
	rowStr, colStr, ok := strings.Cut(s, ",")
	if !ok {
		return Coord{}, fmt.Errorf("invalid coordinate %q: expected row,col", s)
	}
	row, err := strconv.Atoi(strings.TrimSpace(rowStr))
	if err != nil {
		return Coord{}, fmt.Errorf("invalid coordinate row %q: %w", s, err)
	}
	col, err := strconv.Atoi(strings.TrimSpace(colStr))
	if err != nil {
		return Coord{}, fmt.Errorf("invalid coordinate col %q: %w", s, err)
	}
	if row < 0 || col < 0 {
		return Coord{}, fmt.Errorf("invalid coordinate %q: negative index", s)
	}
	return Coord{Row: row, Col: col}, nil
}

// Less orders coordinates row-major.
func (c Coord) Less(o Coord) bool {
	if c.Row != o.Row {
		return c.Row < o.Row
	}
	return c.Col < o.Col
}

// KeyPosition maps one physical key to its matrix coordinate and label.
type KeyPosition struct {
	PhysicalRow   int            `json:"physical_row" yaml:"physical_row"`
	PhysicalCol   int            `json:"physical_col" yaml:"physical_col"`
	MatrixRow     int            `json:"matrix_row" yaml:"matrix_row"`
	MatrixCol     int            `json:"matrix_col" yaml:"matrix_col"`
	Label         string         `json:"label" yaml:"label"`
	Composite     bool           `json:"composite,omitempty" yaml:"composite,omitempty"`
	Side          string         `json:"side,omitempty" yaml:"side,omitempty"`
	LayerBindings map[int]string `json:"layer_bindings,omitempty" yaml:"layer_bindings,omitempty"`
}

// Coord returns the matrix coordinate of the position.
func (p KeyPosition) Coord() Coord {
	return Coord{Row: p.MatrixRow, Col: p.MatrixCol}
}

// Physical returns the render placement of the position.
func (p KeyPosition) Physical() Physical {
	return Physical{Row: p.PhysicalRow, Col: p.PhysicalCol}
}

// Physical is a 2-D render placement.
type Physical struct {
	Row int
	Col int
}

// LayoutConfig is the resolved physical key map of a keyboard.
type LayoutConfig struct {
	Name      string        `json:"name,omitempty" yaml:"name,omitempty"`
	Rows      int           `json:"rows" yaml:"rows"`
	Cols      int           `json:"cols" yaml:"cols"`
	Split     bool          `json:"split,omitempty" yaml:"split,omitempty"`
	Layers    []string      `json:"layers,omitempty" yaml:"layers,omitempty"`
	Positions []KeyPosition `json:"positions" yaml:"positions"`
}

// Index returns the declaration index of the position at c.
func (l LayoutConfig) Index(c Coord) (int, bool) {
	for i, p := range l.Positions {
		if p.MatrixRow == c.Row && p.MatrixCol == c.Col {
			return i, true
		}
	}
	return -1, false
}

// Contains reports whether the layout has a position at c.
func (l LayoutConfig) Contains(c Coord) bool {
	_, ok := l.Index(c)
	return ok
}

// Transition is a key state change.
type Transition int

const (
	// Pressed marks a key going down.
	Pressed Transition = iota
	// Released marks a key going up.
	Released
)

func (t Transition) String() string {
	if t == Released {
		return "released"
	}
	return "pressed"
}

// MarshalText implements encoding.TextMarshaler.
func (t Transition) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *Transition) UnmarshalText(text []byte) error {
	switch string(text) {
	case "pressed":
		*t = Pressed
	case "released":
		*t = Released
	default:
		return fmt.Errorf("invalid transition %q", text)
	}
	return nil
}

// KeyEvent is one matrix transition extracted from a log line.
type KeyEvent struct {
	MatrixRow  int        `json:"matrix_row"`
	MatrixCol  int        `json:"matrix_col"`
	Position   int        `json:"position,omitempty"`
	Transition Transition `json:"transition"`
	// Timestamp is in seconds; device uptime when the line carries one.
	Timestamp float64 `json:"timestamp"`
}

// Coord returns the matrix coordinate of the event.
func (e KeyEvent) Coord() Coord {
	return Coord{Row: e.MatrixRow, Col: e.MatrixCol}
}

// Status reports how a collection session ended.
type Status string

// Session statuses.
const (
	StatusActive       Status = "active"
	StatusExpired      Status = "duration_elapsed"
	StatusCancelled    Status = "cancelled"
	StatusClosed       Status = "closed"
	StatusDisconnected Status = "disconnected"
)

// SessionData is the aggregate record of one collection session.
type SessionData struct {
	SessionID       string        `json:"session_id,omitempty"`
	DeviceID        string        `json:"device_id,omitempty"`
	StartTime       time.Time     `json:"start_time"`
	EndTime         *time.Time    `json:"end_time"`
	Status          Status        `json:"status,omitempty"`
	TotalKeypresses int           `json:"total_keypresses"`
	KeypressCounts  map[Coord]int `json:"keypress_counts"`
	SkippedLines    int           `json:"skipped_lines"`
	ReleasedEvents  int           `json:"released_events"`
	Reconnects      int           `json:"reconnects"`
	Events          []KeyEvent    `json:"events,omitempty"`
}

// Clone returns a deep copy.
func (s SessionData) Clone() SessionData {
	out := s
	if s.EndTime != nil {
		end := *s.EndTime
		out.EndTime = &end
	}
	out.KeypressCounts = make(map[Coord]int, len(s.KeypressCounts))
	for k, v := range s.KeypressCounts {
		out.KeypressCounts[k] = v
	}
	if s.Events != nil {
		out.Events = make([]KeyEvent, len(s.Events))
		copy(out.Events, s.Events)
	}
	return out
}

// Duration returns the span between start and end, or zero while unset.
func (s SessionData) Duration() time.Duration {
	if s.EndTime == nil || s.StartTime.IsZero() {
		return 0
	}
	d := s.EndTime.Sub(s.StartTime)
	if d < 0 {
		return 0
	}
	return d
}

// SumCounts returns the sum of all per-key counts.
func (s SessionData) SumCounts() int {
	total := 0
	for _, v := range s.KeypressCounts {
		total += v
	}
	return total
}

// SortedCoords returns the recorded coordinates in row-major order.
func (s SessionData) SortedCoords() []Coord {
	coords := make([]Coord, 0, len(s.KeypressCounts))
	for c := range s.KeypressCounts {
		coords = append(coords, c)
	}
	sort.Slice(coords, func(i, j int) bool { return coords[i].Less(coords[j]) })
	return coords
}

// SessionSummary is a compact listing entry for stored sessions.
type SessionSummary struct {
	SessionID       string
	DeviceID        string
	StartTime       time.Time
	EndTime         *time.Time
	Status          Status
	TotalKeypresses int
	UniqueKeys      int
}

// KeyIntensity is one rendered position.
type KeyIntensity struct {
	Position  KeyPosition
	Count     int
	Intensity float64
}

// HeatmapStats summarises a rendered session.
type HeatmapStats struct {
	Total                int
	UniqueKeysUsed       int
	MostUsedPosition     *Coord
	MostUsedLabel        string
	MostUsedCount        int
	AverageRatePerMinute float64
	DurationMinutes      float64
	// Unmapped counts presses on coordinates absent from the layout.
	Unmapped int
}

// HeatmapResult is the render-only projection of a session onto a layout.
type HeatmapResult struct {
	Keys      []KeyIntensity
	Intensity map[Physical]float64
	Stats     HeatmapStats
}

// RenderOptions configures one render.
type RenderOptions struct {
	Colormap   string
	Title      string
	OutputPath string
}

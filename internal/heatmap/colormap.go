package heatmap

import (
	"errors"
	"fmt"
	"image/color"
	"math"
	"sort"
	"strings"

	"github.com/lucasb-eyer/go-colorful"
)

// DefaultColormap is used when no colormap is named.
const DefaultColormap = "heat"

// ErrUnknownColormap is returned for colormap names that are not registered.
var ErrUnknownColormap = errors.New("unknown colormap")

// Colormap maps an intensity in [0,1] to a colour by interpolating between
// evenly spaced stops.
type Colormap struct {
	Name  string
	stops []colorful.Color
}

var colormapStops = map[string][]string{
	// Dark blue through white to red.
	"heat": {
		"#000033", "#000055", "#000088", "#0000BB", "#0033FF",
		"#3366FF", "#6699FF", "#99CCFF", "#CCDDFF", "#FFFFFF",
		"#FFCCCC", "#FF9999", "#FF6666", "#FF3333", "#FF0000",
	},
	"ylorrd":  {"#ffffcc", "#ffeda0", "#fed976", "#feb24c", "#fd8d3c", "#fc4e2a", "#e31a1c", "#bd0026", "#800026"},
	"viridis": {"#440154", "#482878", "#3e4989", "#31688e", "#26828e", "#1f9e89", "#35b779", "#6ece58", "#b5de2b", "#fde725"},
	"plasma":  {"#0d0887", "#46039f", "#7201a8", "#9c179e", "#bd3786", "#d8576b", "#ed7953", "#fb9f3a", "#fdca26", "#f0f921"},
	"inferno": {"#000004", "#1b0c41", "#4a0c6b", "#781c6d", "#a52c60", "#cf4446", "#ed6925", "#fb9b06", "#f7d13d", "#fcffa4"},
	"magma":   {"#000004", "#180f3d", "#440f76", "#721f81", "#9e2f7f", "#cd4071", "#f1605d", "#fd9668", "#feca8d", "#fcfdbf"},
	"blues":   {"#f7fbff", "#deebf7", "#c6dbef", "#9ecae1", "#6baed6", "#4292c6", "#2171b5", "#08519c", "#08306b"},
	"greys":   {"#ffffff", "#f0f0f0", "#d9d9d9", "#bdbdbd", "#969696", "#737373", "#525252", "#252525", "#000000"},
}

// ColormapNames lists the registered colormaps.
func ColormapNames() []string {
	names := make([]string, 0, len(colormapStops))
	for name := range colormapStops {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// LookupColormap returns the named colormap. Names are case-insensitive and
// an empty name selects DefaultColormap.
func LookupColormap(name string) (Colormap, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	if key == "" {
		key = DefaultColormap
	}
	hexes, ok := colormapStops[key]
	if !ok {
		return Colormap{}, fmt.Errorf("%w %q (available: %s)", ErrUnknownColormap, name, strings.Join(ColormapNames(), ", "))
	}
	stops := make([]colorful.Color, len(hexes))
	for i, h := range hexes {
		c, err := colorful.Hex(h)
		if err != nil {
			return Colormap{}, fmt.Errorf("colormap %s: %w", key, err)
		}
		stops[i] = c
	}
	return Colormap{Name: key, stops: stops}, nil
}

// At returns the colour for intensity t, clamped to [0,1].
func (m Colormap) At(t float64) colorful.Color {
	if len(m.stops) == 0 {
		return colorful.Color{}
	}
	if math.IsNaN(t) || t <= 0 {
		return m.stops[0]
	}
	if t >= 1 {
		return m.stops[len(m.stops)-1]
	}
	pos := t * float64(len(m.stops)-1)
	i := int(pos)
	return m.stops[i].BlendRgb(m.stops[i+1], pos-float64(i)).Clamped()
}

// RGBA returns the colour for t as an 8-bit RGBA value.
func (m Colormap) RGBA(t float64) color.RGBA {
	r, g, b := m.At(t).RGB255()
	return color.RGBA{R: r, G: g, B: b, A: 0xff}
}

// textColor picks black or white for legibility over bg.
func textColor(bg colorful.Color) colorful.Color {
	l, _, _ := bg.Lab()
	if l < 0.55 {
		return colorful.Color{R: 1, G: 1, B: 1}
	}
	return colorful.Color{}
}

// Package colorutil provides colormaps and overlay colors for rendering
// single-channel float data.
package colorutil

import (
	"fmt"
	"image/color"
	"math"
	"sort"
	"strings"

	colorful "github.com/lucasb-eyer/go-colorful"
)

// Common overlay colors.
var (
	Black = color.RGBA{R: 0, G: 0, B: 0, A: 255}
	White = color.RGBA{R: 255, G: 255, B: 255, A: 255}
	Red   = color.RGBA{R: 255, G: 0, B: 0, A: 255}
)

// stop is one control point of a gradient, Pos in [0,1].
type stop struct {
	Pos float64
	Hex string
}

// Colormap maps a normalised value in [0,1] to a color.
type Colormap struct {
	Name  string
	stops []stop
	cols  []colorful.Color
}

var colormaps = map[string][]stop{
	"jet": {
		{0.0, "#00007f"}, {0.11, "#0000ff"}, {0.125, "#0000ff"}, {0.34, "#00dbff"},
		{0.35, "#00e5f7"}, {0.64, "#f7ff00"}, {0.65, "#ffee00"}, {0.89, "#ff1200"},
		{1.0, "#7f0000"},
	},
	"viridis": {
		{0.0, "#440154"}, {0.25, "#3b528b"}, {0.5, "#21918c"}, {0.75, "#5ec962"}, {1.0, "#fde725"},
	},
	"hot": {
		{0.0, "#0b0000"}, {0.365, "#ff0000"}, {0.746, "#ffff00"}, {1.0, "#ffffff"},
	},
	"cool": {
		{0.0, "#00ffff"}, {1.0, "#ff00ff"},
	},
	"gray": {
		{0.0, "#000000"}, {1.0, "#ffffff"},
	},
	"plasma": {
		{0.0, "#0d0887"}, {0.25, "#7e03a8"}, {0.5, "#cc4778"}, {0.75, "#f89540"}, {1.0, "#f0f921"},
	},
	"inferno": {
		{0.0, "#000004"}, {0.25, "#57106e"}, {0.5, "#bc3754"}, {0.75, "#f98e09"}, {1.0, "#fcffa4"},
	},
	"turbo": {
		{0.0, "#30123b"}, {0.13, "#4662d7"}, {0.25, "#36aaf9"}, {0.38, "#1ae4b6"},
		{0.5, "#72fe5e"}, {0.63, "#c8ef34"}, {0.75, "#faba39"}, {0.88, "#f66b19"},
		{1.0, "#7a0403"},
	},
}

// DefaultColormap is used when a name is empty or unknown.
const DefaultColormap = "jet"

// ColormapNames returns the supported colormap names in sorted order.
func ColormapNames() []string {
	names := make([]string, 0, len(colormaps))
	for n := range colormaps {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// LookupColormap returns the named colormap (case-insensitive).
func LookupColormap(name string) (*Colormap, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	if key == "" {
		key = DefaultColormap
	}
	stops, ok := colormaps[key]
	if !ok {
		return nil, fmt.Errorf("unknown colormap %q", name)
	}
	cm := &Colormap{Name: key, stops: stops, cols: make([]colorful.Color, len(stops))}
	for i, s := range stops {
		c, err := colorful.Hex(s.Hex)
		if err != nil {
			return nil, fmt.Errorf("colormap %s stop %d: %w", key, i, err)
		}
		cm.cols[i] = c
	}
	return cm, nil
}

// MustColormap is LookupColormap for names known at compile time.
func MustColormap(name string) *Colormap {
	cm, err := LookupColormap(name)
	if err != nil {
		panic(err)
	}
	return cm
}

// At returns the color for t, clamped to [0,1]. NaN maps to black.
func (cm *Colormap) At(t float64) color.RGBA {
	if math.IsNaN(t) {
		return Black
	}
	t = math.Max(0, math.Min(1, t))
	n := len(cm.stops)
	if t <= cm.stops[0].Pos {
		return toRGBA(cm.cols[0])
	}
	for i := 1; i < n; i++ {
		if t <= cm.stops[i].Pos {
			lo, hi := cm.stops[i-1], cm.stops[i]
			f := (t - lo.Pos) / (hi.Pos - lo.Pos)
			return toRGBA(cm.cols[i-1].BlendRgb(cm.cols[i], f))
		}
	}
	return toRGBA(cm.cols[n-1])
}

// Label returns a stable, visually distinct color for a categorical label.
// Successive labels step the hue by the golden angle.
func Label(label int) color.RGBA {
	if label < 0 {
		label = -label
	}
	hue := math.Mod(float64(label)*137.508, 360)
	light := 0.65
	if label%2 == 1 {
		light = 0.5
	}
	return toRGBA(colorful.Hcl(hue, 0.55, light).Clamped())
}

func toRGBA(c colorful.Color) color.RGBA {
	r, g, b := c.Clamped().RGB255()
	return color.RGBA{R: r, G: g, B: b, A: 255}
}

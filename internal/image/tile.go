package image

import (
	"fmt"
	"image"
	"math"

	"gonum.org/v1/gonum/floats"

	"nbc-viewer/pkg/colorutil"
)

// Tile is a single-band float32 raster, row-major.
type Tile struct {
	Rows, Cols int
	Data       []float32
}

// NewTile allocates a zero tile.
func NewTile(rows, cols int) *Tile {
	return &Tile{Rows: rows, Cols: cols, Data: make([]float32, rows*cols)}
}

// FilledTile allocates a tile with every element set to v.
func FilledTile(rows, cols int, v float32) *Tile {
	t := NewTile(rows, cols)
	for i := range t.Data {
		t.Data[i] = v
	}
	return t
}

// TileFromGray converts an 8-bit band to float32.
func TileFromGray(g *image.Gray) *Tile {
	b := g.Bounds()
	t := NewTile(b.Dy(), b.Dx())
	for y := 0; y < t.Rows; y++ {
		off := g.PixOffset(b.Min.X, b.Min.Y+y)
		row := g.Pix[off : off+t.Cols]
		for x, v := range row {
			t.Data[y*t.Cols+x] = float32(v)
		}
	}
	return t
}

// At returns the element at row r, column c.
func (t *Tile) At(r, c int) float32 { return t.Data[r*t.Cols+c] }

// Set stores v at row r, column c.
func (t *Tile) Set(r, c int, v float32) { t.Data[r*t.Cols+c] = v }

// Len is the number of elements.
func (t *Tile) Len() int { return len(t.Data) }

// SameShape reports whether both tiles have identical dimensions.
func (t *Tile) SameShape(o *Tile) bool {
	return o != nil && t.Rows == o.Rows && t.Cols == o.Cols
}

// Clone returns a deep copy.
func (t *Tile) Clone() *Tile {
	out := &Tile{Rows: t.Rows, Cols: t.Cols, Data: make([]float32, len(t.Data))}
	copy(out.Data, t.Data)
	return out
}

func (t *Tile) String() string {
	return fmt.Sprintf("Tile(%dx%d)", t.Rows, t.Cols)
}

// Finite returns the finite elements as float64.
func (t *Tile) Finite() []float64 {
	out := make([]float64, 0, len(t.Data))
	for _, v := range t.Data {
		f := float64(v)
		if !math.IsNaN(f) && !math.IsInf(f, 0) {
			out = append(out, f)
		}
	}
	return out
}

// Range returns the minimum and maximum finite values. ok is false when the
// tile holds no finite value.
func (t *Tile) Range() (lo, hi float64, ok bool) {
	vals := t.Finite()
	if len(vals) == 0 {
		return 0, 0, false
	}
	return floats.Min(vals), floats.Max(vals), true
}

// Normalize maps the finite range of the tile linearly onto 0..255.
// Non-finite elements become 0; a constant tile becomes all zeros.
func (t *Tile) Normalize() *image.Gray {
	out := image.NewGray(image.Rect(0, 0, t.Cols, t.Rows))
	lo, hi, ok := t.Range()
	if !ok || hi == lo {
		return out
	}
	scale := 255.0 / (hi - lo)
	for i, v := range t.Data {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			continue
		}
		out.Pix[i] = uint8(math.Round((f - lo) * scale))
	}
	return out
}

// Colorize renders the tile through a colormap between vmin and vmax.
// When vmin >= vmax the finite range of the tile is used instead.
// Non-finite elements are left transparent.
func (t *Tile) Colorize(cm *colorutil.Colormap, vmin, vmax float64) *image.RGBA {
	if vmin >= vmax {
		if lo, hi, ok := t.Range(); ok {
			vmin, vmax = lo, hi
		}
	}
	span := vmax - vmin
	out := image.NewRGBA(image.Rect(0, 0, t.Cols, t.Rows))
	for i, v := range t.Data {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			continue
		}
		n := 0.0
		if span > 0 {
			n = (f - vmin) / span
		}
		c := cm.At(n)
		o := i * 4
		out.Pix[o], out.Pix[o+1], out.Pix[o+2], out.Pix[o+3] = c.R, c.G, c.B, c.A
	}
	return out
}

// NormalizedStrip normalises each tile on its own range and joins them side
// by side. All tiles must share one shape.
func NormalizedStrip(tiles []*Tile) (*image.Gray, error) {
	if len(tiles) == 0 {
		return nil, fmt.Errorf("no tiles")
	}
	rows, cols := tiles[0].Rows, tiles[0].Cols
	out := image.NewGray(image.Rect(0, 0, cols*len(tiles), rows))
	for i, t := range tiles {
		if !t.SameShape(tiles[0]) {
			return nil, &ShapeError{What: fmt.Sprintf("tile %d", i), Rows: t.Rows, Cols: t.Cols, WantRows: rows, WantCols: cols}
		}
		g := t.Normalize()
		for y := 0; y < rows; y++ {
			copy(out.Pix[y*out.Stride+i*cols:y*out.Stride+(i+1)*cols], g.Pix[y*cols:(y+1)*cols])
		}
	}
	return out, nil
}

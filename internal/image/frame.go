// Package image provides the multi-band frame model, image loading, float
// tiles, previews and timestamped saving.
package image

import (
	"errors"
	"fmt"
	"image"
)

// Fixed sensor geometry: four bands side by side.
const (
	FrameRows = 480
	FrameCols = 2560
	BandCount = 4
	BandWidth = FrameCols / BandCount
)

// ErrShape is the sentinel for frames or bands of the wrong size.
var ErrShape = errors.New("unexpected image shape")

// ShapeError reports the offending dimensions.
type ShapeError struct {
	What       string
	Rows, Cols int
	WantRows   int
	WantCols   int
}

func (e *ShapeError) Error() string {
	return fmt.Sprintf("%s: got %dx%d, want %dx%d", e.What, e.Rows, e.Cols, e.WantRows, e.WantCols)
}

func (e *ShapeError) Unwrap() error { return ErrShape }

// Frame is one full 480x2560 8-bit grayscale capture. A published frame is
// never modified; producers build a new one for every capture.
type Frame struct {
	Pix []uint8 // row-major, FrameRows*FrameCols
}

// NewFrame wraps pix as a frame after checking the shape. pix is not copied.
func NewFrame(pix []uint8, rows, cols int) (*Frame, error) {
	if rows != FrameRows || cols != FrameCols || len(pix) != rows*cols {
		return nil, &ShapeError{What: "frame", Rows: rows, Cols: cols, WantRows: FrameRows, WantCols: FrameCols}
	}
	return &Frame{Pix: pix}, nil
}

// FrameFromGray copies a grayscale image into a frame.
func FrameFromGray(g *image.Gray) (*Frame, error) {
	b := g.Bounds()
	if b.Dy() != FrameRows || b.Dx() != FrameCols {
		return nil, &ShapeError{What: "frame", Rows: b.Dy(), Cols: b.Dx(), WantRows: FrameRows, WantCols: FrameCols}
	}
	pix := make([]uint8, FrameRows*FrameCols)
	for y := 0; y < FrameRows; y++ {
		off := g.PixOffset(b.Min.X, b.Min.Y+y)
		copy(pix[y*FrameCols:(y+1)*FrameCols], g.Pix[off:off+FrameCols])
	}
	return &Frame{Pix: pix}, nil
}

// Gray returns the frame as an image.Gray sharing the pixel buffer.
func (f *Frame) Gray() *image.Gray {
	return &image.Gray{Pix: f.Pix, Stride: FrameCols, Rect: image.Rect(0, 0, FrameCols, FrameRows)}
}

// Band copies band i (0..3) out of the frame.
func (f *Frame) Band(i int) *image.Gray {
	if i < 0 || i >= BandCount {
		panic(fmt.Sprintf("band index %d out of range", i))
	}
	out := image.NewGray(image.Rect(0, 0, BandWidth, FrameRows))
	x0 := i * BandWidth
	for y := 0; y < FrameRows; y++ {
		copy(out.Pix[y*BandWidth:(y+1)*BandWidth], f.Pix[y*FrameCols+x0:y*FrameCols+x0+BandWidth])
	}
	return out
}

// Split returns all four bands.
func (f *Frame) Split() [BandCount]*image.Gray {
	var bands [BandCount]*image.Gray
	for i := range bands {
		bands[i] = f.Band(i)
	}
	return bands
}

// Join concatenates four 640x480 bands back into a frame.
func Join(bands [BandCount]*image.Gray) (*Frame, error) {
	pix := make([]uint8, FrameRows*FrameCols)
	for i, band := range bands {
		if band == nil {
			return nil, fmt.Errorf("band %d is nil", i)
		}
		b := band.Bounds()
		if b.Dx() != BandWidth || b.Dy() != FrameRows {
			return nil, &ShapeError{What: fmt.Sprintf("band %d", i), Rows: b.Dy(), Cols: b.Dx(), WantRows: FrameRows, WantCols: BandWidth}
		}
		x0 := i * BandWidth
		for y := 0; y < FrameRows; y++ {
			off := band.PixOffset(b.Min.X, b.Min.Y+y)
			copy(pix[y*FrameCols+x0:y*FrameCols+x0+BandWidth], band.Pix[off:off+BandWidth])
		}
	}
	return &Frame{Pix: pix}, nil
}

// SplitLoose splits an arbitrary grayscale image into four bands, zero-padding
// short bands and cropping or padding rows to FrameRows. It is only meant for
// alignment snapshots loaded from disk.
func SplitLoose(g *image.Gray) [BandCount]*image.Gray {
	b := g.Bounds()
	var bands [BandCount]*image.Gray
	for i := range bands {
		out := image.NewGray(image.Rect(0, 0, BandWidth, FrameRows))
		x0 := b.Min.X + i*BandWidth
		rows := b.Dy()
		if rows > FrameRows {
			rows = FrameRows
		}
		cols := b.Max.X - x0
		if cols > BandWidth {
			cols = BandWidth
		}
		if cols > 0 {
			for y := 0; y < rows; y++ {
				off := g.PixOffset(x0, b.Min.Y+y)
				copy(out.Pix[y*BandWidth:y*BandWidth+cols], g.Pix[off:off+cols])
			}
		}
		bands[i] = out
	}
	return bands
}

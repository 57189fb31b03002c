package image

import (
	"fmt"
	"image"
	"image/color"
	"math"
	"strings"

	"nbc-viewer/pkg/colorutil"
)

// BlendMode specifies how bands are combined into an alignment check image.
type BlendMode int

const (
	BlendAverage BlendMode = iota
	BlendDifference
	BlendFalseColor
)

func (m BlendMode) String() string {
	switch m {
	case BlendAverage:
		return "Average"
	case BlendDifference:
		return "Difference"
	case BlendFalseColor:
		return "FalseColor"
	default:
		return "Unknown"
	}
}

// ParseBlendMode accepts the names returned by String, case-insensitively.
func ParseBlendMode(s string) (BlendMode, error) {
	switch strings.ToLower(s) {
	case "", "average":
		return BlendAverage, nil
	case "difference", "diff":
		return BlendDifference, nil
	case "falsecolor", "false", "rgb":
		return BlendFalseColor, nil
	}
	return BlendAverage, fmt.Errorf("unknown blend mode %q", s)
}

// Composite combines the four bands of a frame into one RGB image.
//
// Average is the mean of all bands. Difference shows the absolute difference
// of each target band from the reference, so residual misalignment shows up
// as bright edges. FalseColor puts bands 1, 2 and 3 on the red, green and
// blue channels.
func Composite(bands [BandCount]*image.Gray, mode BlendMode) *image.RGBA {
	out := image.NewRGBA(image.Rect(0, 0, BandWidth, FrameRows))
	for y := 0; y < FrameRows; y++ {
		for x := 0; x < BandWidth; x++ {
			var v [BandCount]float64
			for i, b := range bands {
				v[i] = float64(b.GrayAt(b.Rect.Min.X+x, b.Rect.Min.Y+y).Y)
			}
			var c color.RGBA
			switch mode {
			case BlendDifference:
				d := (math.Abs(v[1]-v[0]) + math.Abs(v[2]-v[0]) + math.Abs(v[3]-v[0])) / 3
				g := uint8(clamp(d, 0, 255))
				c = color.RGBA{R: g, G: g, B: g, A: 255}
			case BlendFalseColor:
				c = color.RGBA{R: uint8(v[1]), G: uint8(v[2]), B: uint8(v[3]), A: 255}
			default:
				g := uint8(clamp(math.Round((v[0]+v[1]+v[2]+v[3])/4), 0, 255))
				c = color.RGBA{R: g, G: g, B: g, A: 255}
			}
			out.SetRGBA(x, y, c)
		}
	}
	return out
}

// HighlightSaturated renders a band as RGB with saturated (255) pixels in red.
func HighlightSaturated(g *image.Gray) *image.RGBA {
	b := g.Bounds()
	out := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			v := g.GrayAt(b.Min.X+x, b.Min.Y+y).Y
			if v == 255 {
				out.SetRGBA(x, y, colorutil.Red)
				continue
			}
			out.SetRGBA(x, y, color.RGBA{R: v, G: v, B: v, A: 255})
		}
	}
	return out
}

// SaturatedFraction returns the share of pixels at 255.
func SaturatedFraction(g *image.Gray) float64 {
	if len(g.Pix) == 0 {
		return 0
	}
	n := 0
	for _, v := range g.Pix {
		if v == 255 {
			n++
		}
	}
	return float64(n) / float64(len(g.Pix))
}

func clamp(x, min, max float64) float64 {
	if x < min {
		return min
	}
	if x > max {
		return max
	}
	return x
}

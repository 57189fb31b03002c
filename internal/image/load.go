package image

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"sort"
	"strings"

	_ "golang.org/x/image/tiff"
)

// LoadGray loads an image from the specified path and converts it to 8-bit
// grayscale.
func LoadGray(path string) (*image.Gray, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open image: %w", err)
	}
	defer file.Close()

	img, _, err := image.Decode(file)
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}
	return ToGray(img), nil
}

// ToGray converts any image to *image.Gray with a zero origin.
func ToGray(img image.Image) *image.Gray {
	if g, ok := img.(*image.Gray); ok && g.Rect.Min == (image.Point{}) {
		return g
	}
	b := img.Bounds()
	out := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	if g16, ok := img.(*image.Gray16); ok {
		// Keep the high byte so 16-bit sensor dumps land in the 8-bit range.
		for y := 0; y < b.Dy(); y++ {
			for x := 0; x < b.Dx(); x++ {
				out.SetGray(x, y, color.Gray{Y: uint8(g16.Gray16At(b.Min.X+x, b.Min.Y+y).Y >> 8)})
			}
		}
		return out
	}
	draw.Draw(out, out.Bounds(), img, b.Min, draw.Src)
	return out
}

// LoadFrame loads a full frame from disk, requiring the exact frame shape.
func LoadFrame(path string) (*Frame, error) {
	g, err := LoadGray(path)
	if err != nil {
		return nil, err
	}
	f, err := FrameFromGray(g)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return f, nil
}

// LoadSnapshot loads a frame for alignment, tolerating off-size images.
// mismatch reports whether the source had to be padded or cropped.
func LoadSnapshot(path string) (bands [BandCount]*image.Gray, mismatch bool, err error) {
	g, err := LoadGray(path)
	if err != nil {
		return bands, false, err
	}
	b := g.Bounds()
	mismatch = b.Dx() != FrameCols || b.Dy() != FrameRows
	return SplitLoose(g), mismatch, nil
}

// SupportedFormats returns the list of supported image formats.
func SupportedFormats() []string {
	return []string{".tiff", ".tif", ".png", ".jpg", ".jpeg"}
}

// IsSupportedFormat checks if the given path has a supported image format.
func IsSupportedFormat(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, format := range SupportedFormats() {
		if ext == format {
			return true
		}
	}
	return false
}

// FirstImage returns the lexically first file in dir with the given
// extension, or "" when there is none.
func FirstImage(dir, ext string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if strings.EqualFold(filepath.Ext(e.Name()), ext) {
			names = append(names, e.Name())
		}
	}
	if len(names) == 0 {
		return "", nil
	}
	sort.Strings(names)
	return filepath.Join(dir, names[0]), nil
}

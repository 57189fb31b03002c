package stream

import (
	"bytes"
	"errors"
	"fmt"
	goimage "image"
	"strings"

	"gocv.io/x/gocv"

	"nbc-viewer/internal/image"
)

// DecodeGoCV decodes an encoded payload as grayscale with OpenCV and checks
// the frame shape.
func DecodeGoCV(buf []byte) (*image.Frame, error) {
	mat, err := gocv.IMDecode(buf, gocv.IMReadGrayScale)
	if err != nil {
		return nil, fmt.Errorf("imdecode: %w", err)
	}
	defer mat.Close()
	if mat.Empty() {
		return nil, errors.New("imdecode: empty result")
	}
	pix, err := mat.DataPtrUint8()
	if err != nil {
		return nil, fmt.Errorf("imdecode: %w", err)
	}
	rows, cols := mat.Rows(), mat.Cols()
	if rows != image.FrameRows || cols != image.FrameCols || !mat.IsContinuous() {
		return nil, &image.ShapeError{What: "frame", Rows: rows, Cols: cols, WantRows: image.FrameRows, WantCols: image.FrameCols}
	}
	out := make([]uint8, len(pix))
	copy(out, pix)
	return image.NewFrame(out, rows, cols)
}

// DecodeStd decodes with the standard library codecs registered by the
// image package (PNG, JPEG, TIFF).
func DecodeStd(buf []byte) (*image.Frame, error) {
	img, _, err := goimage.Decode(bytes.NewReader(buf))
	if err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	return image.FrameFromGray(image.ToGray(img))
}

// DecoderByName selects "gocv" (default) or "std".
func DecoderByName(name string) (Decoder, error) {
	switch strings.ToLower(name) {
	case "", "gocv", "opencv":
		return DecodeGoCV, nil
	case "std", "go":
		return DecodeStd, nil
	}
	return nil, fmt.Errorf("unknown decoder %q", name)
}

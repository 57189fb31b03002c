package image

import (
	"fmt"
	"image"

	"github.com/fogleman/gg"

	"nbc-viewer/pkg/colorutil"
)

// Legend layout.
const (
	legendBar    = 30
	legendPadX   = 15
	legendPadY   = 30
	legendLabelW = 80
)

// Legend renders a vertical colorbar with vmax at the top, vmin at the
// bottom and the midpoint in between. height is the gradient height.
func Legend(cm *colorutil.Colormap, vmin, vmax float64, height int) image.Image {
	if height < 2 {
		height = 2
	}
	w := legendPadX*2 + legendBar + legendLabelW
	h := height + legendPadY*2
	dc := gg.NewContext(w, h)
	dc.SetRGB(1, 1, 1)
	dc.Clear()

	for y := 0; y < height; y++ {
		t := 1 - float64(y)/float64(height-1)
		dc.SetColor(cm.At(t))
		dc.DrawRectangle(legendPadX, float64(legendPadY+y), legendBar, 1)
		dc.Fill()
	}

	dc.SetRGB(0, 0, 0)
	dc.SetLineWidth(1)
	dc.DrawRectangle(legendPadX, legendPadY, legendBar, float64(height))
	dc.Stroke()

	lx := float64(legendPadX + legendBar + 6)
	dc.DrawStringAnchored(fmt.Sprintf("%.3f", vmax), lx, legendPadY, 0, 0.5)
	dc.DrawStringAnchored(fmt.Sprintf("%.3f", (vmin+vmax)/2), lx, float64(legendPadY+height/2), 0, 0.5)
	dc.DrawStringAnchored(fmt.Sprintf("%.3f", vmin), lx, float64(legendPadY+height), 0, 0.5)
	dc.DrawStringAnchored(cm.Name, float64(w)/2, float64(legendPadY)/2, 0.5, 0.5)

	return dc.Image()
}

// Annotate draws a caption onto a copy of img.
func Annotate(img image.Image, caption string) image.Image {
	dc := gg.NewContextForImage(img)
	dc.SetRGB(1, 1, 1)
	dc.DrawString(caption, 10, 20)
	return dc.Image()
}

package render

import (
	"github.com/fogleman/gg"
)

// placeholderGray is the background of tiles that could not be read.
const placeholderGray = 0.85

// Placeholder renders an explicit "unavailable" tile: a light grey square
// crossed from corner to corner with msg in the middle. It is shown in
// place of a region whose read failed so a view never silently drops
// pixels.
func (r *TileRenderer) Placeholder(msg string) ([]byte, error) {
	size := float64(r.config.TileSize)
	dc := gg.NewContext(r.config.TileSize, r.config.TileSize)

	dc.SetRGB(placeholderGray, placeholderGray, placeholderGray)
	dc.Clear()

	dc.SetRGB(0.6, 0.6, 0.6)
	dc.SetLineWidth(1)
	dc.DrawRectangle(0.5, 0.5, size-1, size-1)
	dc.DrawLine(0, 0, size, size)
	dc.DrawLine(size, 0, 0, size)
	dc.Stroke()

	if msg == "" {
		msg = "tile unavailable"
	}
	w, h := dc.MeasureString(msg)
	dc.SetRGB(placeholderGray, placeholderGray, placeholderGray)
	dc.DrawRectangle((size-w)/2-4, (size-h)/2-4, w+8, h+8)
	dc.Fill()
	dc.SetRGB(0.3, 0.3, 0.3)
	dc.DrawStringAnchored(msg, size/2, size/2, 0.5, 0.5)

	return r.encode(dc.Image())
}

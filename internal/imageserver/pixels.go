package imageserver

import "image"

// PixelWriter stores channel samples straight into the Pix slice of an
// image allocated by NewImage. Samples are given at the format's bit depth.
type PixelWriter struct {
	pix       []byte
	stride    int
	pixelSize int
	wide      bool
}

// NewPixelWriter wraps img, which must come from NewImage(f, ...). Three
// channel images start fully opaque.
func NewPixelWriter(img image.Image, f PixelFormat) *PixelWriter {
	w := &PixelWriter{wide: f.BitDepth == 16}
	switch m := img.(type) {
	case *image.Gray:
		w.pix, w.stride, w.pixelSize = m.Pix, m.Stride, 1
	case *image.Gray16:
		w.pix, w.stride, w.pixelSize = m.Pix, m.Stride, 2
	case *image.RGBA:
		w.pix, w.stride, w.pixelSize = m.Pix, m.Stride, 4
	case *image.RGBA64:
		w.pix, w.stride, w.pixelSize = m.Pix, m.Stride, 8
	}
	if f.Channels == 3 {
		for i := w.pixelSize - 1; i < len(w.pix); i += w.pixelSize {
			w.pix[i] = 0xff
			if w.wide {
				w.pix[i-1] = 0xff
			}
		}
	}
	return w
}

// Set writes channel c of pixel (x, y).
func (w *PixelWriter) Set(x, y, c int, v uint16) {
	off := y*w.stride + x*w.pixelSize
	if w.wide {
		off += 2 * c
		w.pix[off] = byte(v >> 8)
		w.pix[off+1] = byte(v)
		return
	}
	w.pix[off+c] = byte(v)
}

// Premultiply converts straight alpha in the fourth channel to the
// premultiplied form image.RGBA and image.RGBA64 expect. Call it once after
// all samples are written.
func (w *PixelWriter) Premultiply() {
	if w.pixelSize < 4 {
		return
	}
	for off := 0; off+w.pixelSize <= len(w.pix); off += w.pixelSize {
		if w.wide {
			a := uint32(w.pix[off+6])<<8 | uint32(w.pix[off+7])
			for c := 0; c < 3; c++ {
				i := off + 2*c
				v := (uint32(w.pix[i])<<8 | uint32(w.pix[i+1])) * a / 0xffff
				w.pix[i], w.pix[i+1] = byte(v>>8), byte(v)
			}
			continue
		}
		a := uint32(w.pix[off+3])
		for c := 0; c < 3; c++ {
			w.pix[off+c] = byte(uint32(w.pix[off+c]) * a / 0xff)
		}
	}
}

package imageserver

import (
	"image"
	"image/color"
	"testing"
)

func TestPixelWriter(t *testing.T) {
	t.Run("gray16", func(t *testing.T) {
		f := PixelFormat{Channels: 1, BitDepth: 16}
		img := NewImage(f, 4, 3)
		w := NewPixelWriter(img, f)
		w.Set(2, 1, 0, 0xabcd)
		if got := img.(*image.Gray16).Gray16At(2, 1).Y; got != 0xabcd {
			t.Fatalf("got %#x", got)
		}
	})
	t.Run("rgb is opaque", func(t *testing.T) {
		f := PixelFormat{Channels: 3, BitDepth: 8}
		img := NewImage(f, 2, 2)
		w := NewPixelWriter(img, f)
		w.Set(1, 1, 0, 10)
		w.Set(1, 1, 2, 30)
		if got := img.(*image.RGBA).RGBAAt(1, 1); got != (color.RGBA{10, 0, 30, 255}) {
			t.Fatalf("got %+v", got)
		}
		if got := img.(*image.RGBA).RGBAAt(0, 0); got.A != 255 {
			t.Fatalf("untouched pixel alpha %d", got.A)
		}
	})
	t.Run("premultiply", func(t *testing.T) {
		f := PixelFormat{Channels: 4, BitDepth: 16}
		img := NewImage(f, 1, 1)
		w := NewPixelWriter(img, f)
		w.Set(0, 0, 0, 0xffff)
		w.Set(0, 0, 3, 0x8000)
		w.Premultiply()
		px := img.(*image.RGBA64).RGBA64At(0, 0)
		if px.R != 0x8000 || px.A != 0x8000 {
			t.Fatalf("got %+v", px)
		}
	})
}

package staging

import (
	"image"
	"image/color"
	"testing"

	"github.com/spaghettifunk/ember/engine/renderer/metadata"
)

func TestPixelsFromImage(t *testing.T) {
	src := image.NewNRGBA(image.Rect(10, 10, 13, 12))
	src.Set(10, 10, color.NRGBA{R: 255, A: 255})
	src.Set(12, 11, color.NRGBA{B: 255, A: 255})

	pixels, extent := PixelsFromImage(src)
	if extent != (metadata.Extent2D{Width: 3, Height: 2}) {
		t.Fatalf("extent = %+v", extent)
	}
	if len(pixels) != 3*2*4 {
		t.Fatalf("%d bytes", len(pixels))
	}
	if pixels[0] != 255 || pixels[3] != 255 {
		t.Fatalf("first pixel = %v", pixels[:4])
	}
	last := pixels[len(pixels)-4:]
	if last[2] != 255 || last[3] != 255 {
		t.Fatalf("last pixel = %v", last)
	}
}

func TestScaledPixels(t *testing.T) {
	src := image.NewRGBA(image.Rect(0, 0, 8, 8))
	pixels, err := ScaledPixels(src, metadata.Extent2D{Width: 4, Height: 2})
	if err != nil {
		t.Fatal(err)
	}
	if len(pixels) != 4*2*4 {
		t.Fatalf("%d bytes", len(pixels))
	}
	if _, err := ScaledPixels(src, metadata.Extent2D{}); err == nil {
		t.Fatal("zero extent accepted")
	}
}

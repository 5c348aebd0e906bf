package staging

import (
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"

	"github.com/spaghettifunk/ember/engine/core"
	"github.com/spaghettifunk/ember/engine/renderer/metadata"
	"golang.org/x/image/draw"
)

// PixelsFromImage converts any decoded image to tightly packed RGBA8 rows.
func PixelsFromImage(img image.Image) ([]byte, metadata.Extent2D) {
	b := img.Bounds()
	if rgba, ok := img.(*image.RGBA); ok && rgba.Stride == 4*b.Dx() && b.Min == (image.Point{}) {
		return rgba.Pix, metadata.Extent2D{Width: uint32(b.Dx()), Height: uint32(b.Dy())}
	}
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
	return dst.Pix, metadata.Extent2D{Width: uint32(b.Dx()), Height: uint32(b.Dy())}
}

// ScaledPixels resamples img to extent before converting it.
func ScaledPixels(img image.Image, extent metadata.Extent2D) ([]byte, error) {
	if extent.IsZero() {
		return nil, fmt.Errorf("scale to zero extent: %w", core.ErrInvalidArgument)
	}
	dst := image.NewRGBA(image.Rect(0, 0, int(extent.Width), int(extent.Height)))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Src, nil)
	return dst.Pix, nil
}

// LoadImageFile decodes a PNG or JPEG file into RGBA8 pixels.
func LoadImageFile(path string) ([]byte, metadata.Extent2D, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, metadata.Extent2D{}, err
	}
	defer file.Close()

	img, _, err := image.Decode(file)
	if err != nil {
		return nil, metadata.Extent2D{}, fmt.Errorf("failed to decode `%s`: %w", path, err)
	}
	pixels, extent := PixelsFromImage(img)
	return pixels, extent, nil
}

package compositor

import (
	"fmt"
	"image"
	stddraw "image/draw"
	"image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"

	xdraw "golang.org/x/image/draw"
)

const jpegQuality = 95

func loadImage(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open image %s: %w", path, err)
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("failed to decode image %s: %w", path, err)
	}
	return img, nil
}

// saveJPEG writes img as a JPEG, creating the directory as needed. Alpha is
// flattened; JPEG has no transparency.
func saveJPEG(img image.Image, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create thumbnail directory: %w", err)
	}

	flat := image.NewRGBA(img.Bounds())
	stddraw.Draw(flat, flat.Bounds(), img, img.Bounds().Min, stddraw.Src)

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	defer f.Close()

	if err := jpeg.Encode(f, flat, &jpeg.Options{Quality: jpegQuality}); err != nil {
		return fmt.Errorf("failed to encode %s: %w", path, err)
	}
	return nil
}

// scale resizes img to size with a high-quality kernel.
func scale(img image.Image, size Size) image.Image {
	dst := image.NewRGBA(image.Rect(0, 0, size.W, size.H))
	xdraw.CatmullRom.Scale(dst, dst.Bounds(), img, img.Bounds(), xdraw.Over, nil)
	return dst
}

// crop extracts rect from img.
func crop(img image.Image, rect image.Rectangle) image.Image {
	rect = rect.Add(img.Bounds().Min)
	dst := image.NewRGBA(image.Rect(0, 0, rect.Dx(), rect.Dy()))
	stddraw.Draw(dst, dst.Bounds(), img, rect.Min, stddraw.Src)
	return dst
}

// overlay composites src over dst at offset, honoring src's alpha.
func overlay(dst stddraw.Image, src image.Image, at image.Point) {
	rect := src.Bounds().Sub(src.Bounds().Min).Add(at)
	stddraw.Draw(dst, rect, src, src.Bounds().Min, stddraw.Over)
}

func sizeOf(img image.Image) Size {
	return Size{W: img.Bounds().Dx(), H: img.Bounds().Dy()}
}

// hasAlpha reports whether the image carries any transparency.
func hasAlpha(img image.Image) bool {
	bounds := img.Bounds()
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			if _, _, _, a := img.At(x, y).RGBA(); a < 0xffff {
				return true
			}
		}
	}
	return false
}

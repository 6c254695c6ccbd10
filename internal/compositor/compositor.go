// Package compositor produces the package's derived imagery: the masked
// video poster, the social-media crop and the per-photo masked thumbnails.
package compositor

import (
	"fmt"
	"image"
	"image/color"
	"log/slog"
	"path/filepath"

	"github.com/vbmedia/packline/internal/model"
)

// SocialSize is the crop produced for social-media embeds.
var SocialSize = Size{W: 470, H: 246}

// photoBound caps per-photo thumbnails before masking.
var photoBound = Size{W: 800, H: 800}

const platePadding = 10

// Compositor renders derived imagery under the media root.
type Compositor struct {
	mediaRoot string
	detector  *Detector
	logger    *slog.Logger
}

// New creates a compositor. detector may be nil; crops then anchor top-center.
func New(mediaRoot string, detector *Detector, logger *slog.Logger) *Compositor {
	return &Compositor{
		mediaRoot: mediaRoot,
		detector:  detector,
		logger:    logger,
	}
}

// MakeThumbnails builds all derived images for a produced package: the masked
// video poster from the thumbnail photo, the social crop, and a masked
// variant of every customer photo. The thumbnail photo's crop rectangle is
// computed and persisted through saveCrop on first use.
func (c *Compositor) MakeThumbnails(
	pkg *model.Package,
	campaign *model.Campaign,
	thumbnail *model.PackageImage,
	photos []*model.PackageImage,
	saveCrop func(img *model.PackageImage) error,
) error {
	if thumbnail == nil {
		return fmt.Errorf("package %d has no thumbnail image", pkg.ID)
	}

	source, err := loadImage(thumbnail.AbsolutePath(c.mediaRoot))
	if err != nil {
		return err
	}

	mask, err := loadImage(filepath.Join(c.mediaRoot, campaign.MaskPath))
	if err != nil {
		return fmt.Errorf("campaign mask: %w", err)
	}

	logo, err := loadImage(filepath.Join(c.mediaRoot, campaign.LogoPath))
	if err != nil {
		return fmt.Errorf("campaign logo: %w", err)
	}

	// Resolve the crop rectangle, computing and persisting it when the
	// operator has not set one manually.
	if thumbnail.Crop == nil {
		rect := Fit(sizeOf(mask), sizeOf(source))
		thumbnail.Crop = &model.Rect{
			X1: rect.Min.X, Y1: rect.Min.Y,
			X2: rect.Max.X, Y2: rect.Max.Y,
		}
		if saveCrop != nil {
			if err := saveCrop(thumbnail); err != nil {
				return err
			}
		}
	}

	if err := c.makeVideoThumbnail(source, thumbnail.Crop, mask, pkg.MaskedThumbnailPath(c.mediaRoot)); err != nil {
		return err
	}

	if err := c.makePhotoThumbnail(source, logo, SocialSize, thumbnail.SocialThumbnailPath(c.mediaRoot)); err != nil {
		return err
	}

	for _, photo := range photos {
		if photo.IsSkipped || photo.FromCampaign {
			continue
		}
		picture, err := loadImage(photo.AbsolutePath(c.mediaRoot))
		if err != nil {
			c.logger.Warn("skipping unreadable photo",
				"package_id", pkg.ID,
				"image_id", photo.ID,
				"error", err,
			)
			continue
		}
		bounded := BoundedSize(sizeOf(picture), photoBound)
		if bounded != sizeOf(picture) {
			picture = scale(picture, bounded)
		}
		if err := c.makePhotoThumbnail(picture, logo, sizeOf(mask), photo.MaskedPath(c.mediaRoot)); err != nil {
			return err
		}
	}

	return nil
}

// makeVideoThumbnail crops the source to the stored rectangle, stretches it
// under the campaign mask and writes the poster.
func (c *Compositor) makeVideoThumbnail(source image.Image, cropRect *model.Rect, mask image.Image, saveTo string) error {
	cropped := crop(source, image.Rect(cropRect.X1, cropRect.Y1, cropRect.X2, cropRect.Y2))
	resized := scale(cropped, sizeOf(mask))

	canvas := resized.(*image.RGBA)
	overlay(canvas, mask, image.Point{})

	return saveJPEG(canvas, saveTo)
}

// makePhotoThumbnail crops the photo to the target aspect around the faces
// and stamps the campaign logo.
func (c *Compositor) makePhotoThumbnail(photo image.Image, logo image.Image, target Size, saveTo string) error {
	var center *Point
	if c.detector != nil {
		center = c.detector.FacesCenter(photo)
	}

	window := CropWindow(sizeOf(photo), target, center)
	cropped := crop(photo, window).(*image.RGBA)

	stampLogo(cropped, logo)

	return saveJPEG(cropped, saveTo)
}

// stampLogo places the logo in the bottom-right corner at no more than a
// third of the image, over a white plate with a rounded top-left corner.
// Logos that bring their own transparency skip the plate.
func stampLogo(img *image.RGBA, logo image.Image) {
	imgSize := sizeOf(img)

	logoBound := Size{W: imgSize.W / 3, H: imgSize.H / 3}
	logoSize := BoundedSize(sizeOf(logo), logoBound)
	if logoSize != sizeOf(logo) {
		logo = scale(logo, logoSize)
	}

	topLeft := image.Point{
		X: imgSize.W - logoSize.W - platePadding,
		Y: imgSize.H - logoSize.H - platePadding,
	}

	if !hasAlpha(logo) {
		drawPlate(img, topLeft)
	}

	overlay(img, logo, topLeft)
}

// drawPlate fills the bottom-right corner with white, rounding the top-left
// corner of the plate with a quarter circle.
func drawPlate(img *image.RGBA, logoTopLeft image.Point) {
	white := color.RGBA{255, 255, 255, 255}
	bounds := img.Bounds()

	plate := image.Rect(
		logoTopLeft.X-platePadding, logoTopLeft.Y-platePadding,
		bounds.Max.X, bounds.Max.Y,
	)

	for y := plate.Min.Y; y < plate.Max.Y; y++ {
		for x := plate.Min.X; x < plate.Max.X; x++ {
			// Inside the corner square, keep only the quarter circle.
			if x < logoTopLeft.X && y < logoTopLeft.Y {
				dx := float64(x - logoTopLeft.X)
				dy := float64(y - logoTopLeft.Y)
				if dx*dx+dy*dy > platePadding*platePadding {
					continue
				}
			}
			img.Set(x, y, white)
		}
	}
}

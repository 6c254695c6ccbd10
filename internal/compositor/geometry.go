package compositor

import (
	"image"
	"sort"
)

// Size is a width/height pair in pixels.
type Size struct {
	W int
	H int
}

// Point is a position in source-image pixels.
type Point struct {
	X float64
	Y float64
}

// Fit scales the inner rectangle to the largest size that fits the outer one,
// centers it, and returns the crop coordinates in outer-rectangle pixels. If
// the centered crop leaves a margin above, the window slides to the top:
// photos are framed with the subject high in the frame.
func Fit(inner, outer Size) image.Rectangle {
	qx := float64(outer.W) / float64(inner.W)
	qy := float64(outer.H) / float64(inner.H)
	q := qx
	if qy < q {
		q = qy
	}

	halfW := q * float64(inner.W) / 2
	halfH := q * float64(inner.H) / 2
	cx := float64(outer.W) / 2
	cy := float64(outer.H) / 2

	x1, y1 := cx-halfW, cy-halfH
	x2, y2 := cx+halfW, cy+halfH

	if y1 > 0 {
		y2 -= y1
		y1 = 0
	}

	return image.Rect(int(x1), int(y1), int(x2), int(y2))
}

// CropWindow returns the largest crop of img with the target's aspect ratio,
// positioned around center. The window slides along its free axis only and is
// clamped inside the image. A nil center anchors horizontally centered and
// vertically at the top, where faces usually are even when detection misses
// them.
func CropWindow(img, target Size, center *Point) image.Rectangle {
	qx := float64(img.W) / float64(target.W)
	qy := float64(img.H) / float64(target.H)
	q := qx
	if qy < q {
		q = qy
	}

	cropW := float64(target.W) * q
	cropH := float64(target.H) * q

	var c Point
	if center != nil {
		c = *center
	} else {
		c = Point{
			X: float64(img.W) / 2,
			Y: cropH / 2,
		}
	}

	if qx < qy {
		// The crop spans the full width; only vertical position is free.
		c.X = float64(img.W) / 2
		c.Y = clamp(c.Y, cropH/2, float64(img.H)-cropH/2)
	} else {
		c.Y = float64(img.H) / 2
		c.X = clamp(c.X, cropW/2, float64(img.W)-cropW/2)
	}

	return image.Rect(
		int(c.X-cropW/2), int(c.Y-cropH/2),
		int(c.X+cropW/2), int(c.Y+cropH/2),
	)
}

func clamp(v, lo, hi float64) float64 {
	bounds := []float64{lo, hi}
	sort.Float64s(bounds)
	if v < bounds[0] {
		return bounds[0]
	}
	if v > bounds[1] {
		return bounds[1]
	}
	return v
}

// BoundedSize shrinks size to fit within bound, keeping aspect ratio. Images
// already inside the bound are untouched.
func BoundedSize(size, bound Size) Size {
	if size.W <= bound.W && size.H <= bound.H {
		return size
	}

	qx := float64(bound.W) / float64(size.W)
	qy := float64(bound.H) / float64(size.H)
	q := qx
	if qy < q {
		q = qy
	}

	return Size{
		W: int(float64(size.W) * q),
		H: int(float64(size.H) * q),
	}
}

package compositor

import (
	"fmt"
	"image"
	"os"
	"sort"

	pigo "github.com/esimov/pigo/core"
)

// faceQualityThreshold filters out low-confidence detections.
const faceQualityThreshold = 5.0

// Detector finds faces so photo crops can center on them.
type Detector struct {
	classifier *pigo.Pigo
}

// NewDetector loads the binary cascade at path. An empty path disables
// detection; crops then fall back to the top-center anchor.
func NewDetector(path string) (*Detector, error) {
	if path == "" {
		return nil, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read face cascade: %w", err)
	}

	classifier, err := pigo.NewPigo().Unpack(data)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack face cascade: %w", err)
	}

	return &Detector{classifier: classifier}, nil
}

// FacesCenter returns the center of the topmost detected face. Faces near the
// top of the frame win because group shots stack people below the subject.
func (d *Detector) FacesCenter(img image.Image) *Point {
	if d == nil || d.classifier == nil {
		return nil
	}

	src := pigo.ImgToNRGBA(img)
	bounds := src.Bounds()
	cols, rows := bounds.Dx(), bounds.Dy()
	pixels := pigo.RgbToGrayscale(src)

	params := pigo.CascadeParams{
		MinSize:     30,
		MaxSize:     cols,
		ShiftFactor: 0.1,
		ScaleFactor: 1.1,
		ImageParams: pigo.ImageParams{
			Pixels: pixels,
			Rows:   rows,
			Cols:   cols,
			Dim:    cols,
		},
	}

	detections := d.classifier.RunCascade(params, 0.0)
	detections = d.classifier.ClusterDetections(detections, 0.2)

	var centers []Point
	for _, det := range detections {
		if det.Q < faceQualityThreshold {
			continue
		}
		centers = append(centers, Point{
			X: float64(det.Col),
			Y: float64(det.Row),
		})
	}
	if len(centers) == 0 {
		return nil
	}

	sort.Slice(centers, func(i, j int) bool {
		return centers[i].Y < centers[j].Y
	})
	return &centers[0]
}

package facial

import (
	"fmt"
	"image"
	"os"

	pigo "github.com/esimov/pigo/core"
)

// Detector locates the primary face region in a grayscale image.
// Implementations must be deterministic for a fixed input.
type Detector interface {
	Detect(g *image.Gray) (image.Rectangle, bool)
}

// PigoDetector runs the pigo pixel-intensity-comparison cascade.
type PigoDetector struct {
	classifier *pigo.Pigo
	minQuality float32
}

// NewPigoDetector loads a binary cascade file (e.g. pigo's facefinder).
func NewPigoDetector(cascadePath string) (*PigoDetector, error) {
	data, err := os.ReadFile(cascadePath)
	if err != nil {
		return nil, fmt.Errorf("read cascade: %w", err)
	}
	classifier, err := pigo.NewPigo().Unpack(data)
	if err != nil {
		return nil, fmt.Errorf("unpack cascade: %w", err)
	}
	return &PigoDetector{classifier: classifier, minQuality: 5.0}, nil
}

// Detect returns the bounding box of the largest detected face. When several
// detections share the largest size, the first one reported wins.
func (d *PigoDetector) Detect(g *image.Gray) (image.Rectangle, bool) {
	cols := g.Rect.Dx()
	rows := g.Rect.Dy()
	if cols < 20 || rows < 20 {
		return image.Rectangle{}, false
	}

	maxSize := cols
	if rows < cols {
		maxSize = rows
	}
	params := pigo.CascadeParams{
		MinSize:     20,
		MaxSize:     maxSize,
		ShiftFactor: 0.1,
		ScaleFactor: 1.1,
		ImageParams: pigo.ImageParams{
			Pixels: g.Pix,
			Rows:   rows,
			Cols:   cols,
			Dim:    g.Stride,
		},
	}

	dets := d.classifier.RunCascade(params, 0.0)
	dets = d.classifier.ClusterDetections(dets, 0.2)

	best := -1
	for i, det := range dets {
		if det.Q < d.minQuality {
			continue
		}
		if best < 0 || det.Scale > dets[best].Scale {
			best = i
		}
	}
	if best < 0 {
		return image.Rectangle{}, false
	}

	det := dets[best]
	half := det.Scale / 2
	rect := image.Rect(det.Col-half, det.Row-half, det.Col+half, det.Row+half)
	return rect.Intersect(g.Rect), true
}

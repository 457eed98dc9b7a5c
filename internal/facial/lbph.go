package facial

import (
	"bytes"
	"encoding/gob"
	"errors"
	"image"
	"sort"
	"sync"
)

// ErrModelNotTrained is returned when prediction is attempted before any
// identity has been enrolled. A classifier over zero identities never matches.
var ErrModelNotTrained = errors.New("recognition model not trained")

// LBP histogram layout: 8-neighbor codes over a gridSize x gridSize cell grid,
// one 256-bin histogram per cell, each cell normalized to unit sum.
const gridSize = 8

type modelEntry struct {
	Label string
	Hist  []float64
}

// Classifier is a local-binary-pattern histogram classifier over all enrolled
// identities. It is updated incrementally per identity and serialized as a
// single blob.
type Classifier struct {
	mu      sync.RWMutex
	entries []modelEntry
}

// NewClassifier returns an empty classifier.
func NewClassifier() *Classifier {
	return &Classifier{}
}

// Update replaces the given identity's contribution with histograms computed
// from its full template history.
func (c *Classifier) Update(label string, templates []*image.Gray) {
	fresh := make([]modelEntry, 0, len(templates))
	for _, t := range templates {
		fresh = append(fresh, modelEntry{Label: label, Hist: lbpHistogram(t)})
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	kept := c.entries[:0]
	for _, e := range c.entries {
		if e.Label != label {
			kept = append(kept, e)
		}
	}
	c.entries = append(kept, fresh...)
}

// Trained reports whether at least one identity has been enrolled.
func (c *Classifier) Trained() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries) > 0
}

// Labels returns the distinct enrolled identity ids, sorted.
func (c *Classifier) Labels() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	seen := map[string]struct{}{}
	var labels []string
	for _, e := range c.entries {
		if _, ok := seen[e.Label]; !ok {
			seen[e.Label] = struct{}{}
			labels = append(labels, e.Label)
		}
	}
	sort.Strings(labels)
	return labels
}

// Predict returns the identity whose histogram is nearest to the probe by
// chi-square distance, together with the raw distance.
func (c *Classifier) Predict(probe *image.Gray) (string, float64, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.entries) == 0 {
		return "", 0, ErrModelNotTrained
	}
	hist := lbpHistogram(probe)
	bestLabel := c.entries[0].Label
	bestDist := chiSquare(hist, c.entries[0].Hist)
	for _, e := range c.entries[1:] {
		if d := chiSquare(hist, e.Hist); d < bestDist {
			bestDist = d
			bestLabel = e.Label
		}
	}
	return bestLabel, bestDist, nil
}

// Encode serializes the model for atomic persistence.
func (c *Classifier) Encode() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(c.entries); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeClassifier restores a classifier from a persisted blob.
func DecodeClassifier(b []byte) (*Classifier, error) {
	var entries []modelEntry
	if err := gob.NewDecoder(bytes.NewReader(b)).Decode(&entries); err != nil {
		return nil, err
	}
	return &Classifier{entries: entries}, nil
}

// lbpHistogram computes the concatenated per-cell LBP histogram of an image.
func lbpHistogram(g *image.Gray) []float64 {
	w, h := g.Rect.Dx(), g.Rect.Dy()
	codes := make([]uint8, w*h)
	at := func(x, y int) uint8 { return g.Pix[y*g.Stride+x] }
	for y := 1; y < h-1; y++ {
		for x := 1; x < w-1; x++ {
			center := at(x, y)
			var code uint8
			neighbors := [8][2]int{
				{x - 1, y - 1}, {x, y - 1}, {x + 1, y - 1},
				{x + 1, y}, {x + 1, y + 1}, {x, y + 1},
				{x - 1, y + 1}, {x - 1, y},
			}
			for i, nb := range neighbors {
				if at(nb[0], nb[1]) >= center {
					code |= 1 << uint(i)
				}
			}
			codes[y*w+x] = code
		}
	}

	hist := make([]float64, gridSize*gridSize*256)
	for ty := 0; ty < gridSize; ty++ {
		for tx := 0; tx < gridSize; tx++ {
			x0, x1 := tx*w/gridSize, (tx+1)*w/gridSize
			y0, y1 := ty*h/gridSize, (ty+1)*h/gridSize
			base := (ty*gridSize + tx) * 256
			count := 0
			for y := y0; y < y1; y++ {
				for x := x0; x < x1; x++ {
					hist[base+int(codes[y*w+x])]++
					count++
				}
			}
			if count > 0 {
				for i := base; i < base+256; i++ {
					hist[i] /= float64(count)
				}
			}
		}
	}
	return hist
}

func chiSquare(a, b []float64) float64 {
	var sum float64
	for i := range a {
		diff := a[i] - b[i]
		denom := a[i] + b[i]
		if denom > 0 {
			sum += diff * diff / denom
		}
	}
	return sum
}

// Package imgproc decodes probe images and prepares normalized grayscale
// face templates for the recognition pipeline.
package imgproc

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"math"
	"strings"

	"github.com/disintegration/imaging"
)

// TemplateSize is the side length of a normalized face template.
const TemplateSize = 100

// ErrDecode is returned for malformed or unsupported image bytes.
var ErrDecode = errors.New("image decode failed")

// Decode parses raw image bytes (JPEG, PNG, GIF, TIFF, BMP).
func Decode(b []byte) (image.Image, error) {
	img, err := imaging.Decode(bytes.NewReader(b))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return img, nil
}

// DecodeBase64 decodes a base64 payload, tolerating data-URL prefixes
// ("data:image/jpeg;base64,....").
func DecodeBase64(s string) ([]byte, error) {
	if i := strings.IndexByte(s, ','); i >= 0 {
		s = s[i+1:]
	}
	b, err := base64.StdEncoding.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return b, nil
}

// ToGray converts any image to a grayscale buffer with origin-based bounds.
func ToGray(img image.Image) *image.Gray {
	if g, ok := img.(*image.Gray); ok && g.Rect.Min == (image.Point{}) {
		return g
	}
	b := img.Bounds()
	out := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			r, gr, bl, _ := img.At(b.Min.X+x, b.Min.Y+y).RGBA()
			// ITU-R BT.601 luma.
			lum := (299*r + 587*gr + 114*bl) / 1000
			out.Pix[y*out.Stride+x] = uint8(lum >> 8)
		}
	}
	return out
}

// Normalize crops the face region out of the source image and scales it to
// a TemplateSize x TemplateSize grayscale template.
func Normalize(img image.Image, face image.Rectangle) *image.Gray {
	cropped := imaging.Crop(img, face)
	resized := imaging.Resize(cropped, TemplateSize, TemplateSize, imaging.Lanczos)
	return ToGray(resized)
}

// Augment derives the fixed set of six synthetic variants from a normalized
// template: two small rotations, two brightness scales, a histogram-equalized
// copy and a local-contrast-enhanced copy.
func Augment(g *image.Gray) []*image.Gray {
	return []*image.Gray{
		rotated(g, -5),
		rotated(g, 5),
		scaledBrightness(g, 0.9),
		scaledBrightness(g, 1.1),
		Equalize(g),
		localContrast(g, 4),
	}
}

func rotated(g *image.Gray, angle float64) *image.Gray {
	// Rotation expands the canvas; crop back to the template size around the center.
	rot := imaging.Rotate(g, angle, image.Black)
	return ToGray(imaging.CropCenter(rot, TemplateSize, TemplateSize))
}

func scaledBrightness(g *image.Gray, factor float64) *image.Gray {
	out := image.NewGray(g.Rect)
	for i, v := range g.Pix {
		s := float64(v) * factor
		if s > 255 {
			s = 255
		}
		out.Pix[i] = uint8(s)
	}
	return out
}

// Equalize applies global histogram equalization.
func Equalize(g *image.Gray) *image.Gray {
	var hist [256]int
	for _, v := range g.Pix {
		hist[v]++
	}
	total := len(g.Pix)
	var lut [256]uint8
	cum := 0
	for i := 0; i < 256; i++ {
		cum += hist[i]
		lut[i] = uint8(cum * 255 / total)
	}
	out := image.NewGray(g.Rect)
	for i, v := range g.Pix {
		out.Pix[i] = lut[v]
	}
	return out
}

// localContrast equalizes the histogram per tile, approximating adaptive
// contrast enhancement over a tiles x tiles grid.
func localContrast(g *image.Gray, tiles int) *image.Gray {
	w, h := g.Rect.Dx(), g.Rect.Dy()
	out := image.NewGray(g.Rect)
	for ty := 0; ty < tiles; ty++ {
		for tx := 0; tx < tiles; tx++ {
			x0, x1 := tx*w/tiles, (tx+1)*w/tiles
			y0, y1 := ty*h/tiles, (ty+1)*h/tiles
			equalizeRegion(g, out, x0, y0, x1, y1)
		}
	}
	return out
}

func equalizeRegion(src, dst *image.Gray, x0, y0, x1, y1 int) {
	var hist [256]int
	count := 0
	for y := y0; y < y1; y++ {
		for x := x0; x < x1; x++ {
			hist[src.Pix[y*src.Stride+x]]++
			count++
		}
	}
	if count == 0 {
		return
	}
	var lut [256]uint8
	cum := 0
	for i := 0; i < 256; i++ {
		cum += hist[i]
		lut[i] = uint8(cum * 255 / count)
	}
	for y := y0; y < y1; y++ {
		for x := x0; x < x1; x++ {
			dst.Pix[y*dst.Stride+x] = lut[src.Pix[y*src.Stride+x]]
		}
	}
}

// SimilarityPixel returns 1 minus the mean absolute pixel difference,
// normalized to [0, 1]. Both images must share dimensions.
func SimilarityPixel(a, b *image.Gray) float64 {
	if len(a.Pix) == 0 || len(a.Pix) != len(b.Pix) {
		return 0
	}
	var sum float64
	for i := range a.Pix {
		sum += math.Abs(float64(a.Pix[i]) - float64(b.Pix[i]))
	}
	return 1 - sum/(255*float64(len(a.Pix)))
}

// SimilarityNCC returns the normalized cross-correlation between two images,
// clamped to [0, 1] (anti-correlated images score 0).
func SimilarityNCC(a, b *image.Gray) float64 {
	n := len(a.Pix)
	if n == 0 || n != len(b.Pix) {
		return 0
	}
	var meanA, meanB float64
	for i := 0; i < n; i++ {
		meanA += float64(a.Pix[i])
		meanB += float64(b.Pix[i])
	}
	meanA /= float64(n)
	meanB /= float64(n)

	var dot, normA, normB float64
	for i := 0; i < n; i++ {
		da := float64(a.Pix[i]) - meanA
		db := float64(b.Pix[i]) - meanB
		dot += da * db
		normA += da * da
		normB += db * db
	}
	if normA == 0 || normB == 0 {
		// Flat images: identical means correlate perfectly, anything else not at all.
		if normA == normB && meanA == meanB {
			return 1
		}
		return 0
	}
	ncc := dot / math.Sqrt(normA*normB)
	if ncc < 0 {
		return 0
	}
	return ncc
}

// Weights of the combined similarity score.
const (
	pixelWeight = 0.4
	nccWeight   = 0.6
)

// Similarity combines pixel-difference similarity and normalized
// cross-correlation into the secondary validation score.
func Similarity(a, b *image.Gray) float64 {
	return pixelWeight*SimilarityPixel(a, b) + nccWeight*SimilarityNCC(a, b)
}
